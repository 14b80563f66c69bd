// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

// Package accountant implements cross-process fair-sharing of VM slots: a
// shared state file tracks which orchestrator instances are alive and how
// many VMs currently exist, and derives how many more the pool can safely
// support from sampled CPU/RAM headroom.
package accountant

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/snapfuzz/snapfuzz/pkg/config"
	"github.com/snapfuzz/snapfuzz/pkg/learning"
	"github.com/snapfuzz/snapfuzz/pkg/osutil"
)

// Policy holds the knobs used to derive total_max_vms from headroom
// samples. Per-VM costs are estimates the operator tunes to their
// emulator's footprint.
type Policy struct {
	MinCPUFree    float64 // fraction of a core kept unreserved, e.g. 0.5
	CPUPerVM      float64 // fraction of a core budgeted per VM
	MinRAMFreeMiB int
	RAMPerVMMiB   int
}

// DefaultPolicy provides sane out-of-the-box numbers. No config key
// overrides them; the manager and worker binaries pass DefaultPolicy() as is.
func DefaultPolicy() Policy {
	return Policy{
		MinCPUFree:    0.5,
		CPUPerVM:      1.0,
		MinRAMFreeMiB: 1024,
		RAMPerVMMiB:   2048,
	}
}

// Sampler reports current CPU and RAM headroom. Production code samples
// /proc; tests inject a fake.
type Sampler interface {
	CPUFree() (float64, error)
	RAMFreeMiB() (int, error)
}

type state struct {
	Instances  []int `json:"instances"`
	CurrentVMs int   `json:"current_vms"`
}

// Accountant is the process-wide handle to the shared state file.
type Accountant struct {
	path    string
	lock    *osutil.FileLock
	policy  Policy
	sampler Sampler

	cpuAvg *learning.RunningAverage[float64]
	ramAvg *learning.RunningAverage[float64]
}

const smoothingWindow = 5

// Open attaches to (creating if absent) the shared state file at path.
func Open(path string, policy Policy, sampler Sampler) *Accountant {
	return &Accountant{
		path:    path,
		lock:    osutil.NewFileLock(path),
		policy:  policy,
		sampler: sampler,
		cpuAvg:  learning.NewRunningAverage[float64](smoothingWindow),
		ramAvg:  learning.NewRunningAverage[float64](smoothingWindow),
	}
}

func (a *Accountant) load() (*state, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &state{}, nil
		}
		return nil, fmt.Errorf("read accountant state: %w", err)
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse accountant state: %w", err)
	}
	return &st, nil
}

func (a *Accountant) save(st *state) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal accountant state: %w", err)
	}
	if err := osutil.WriteFileAtomic(a.path, data, 0o644); err != nil {
		return fmt.Errorf("write accountant state: %w", err)
	}
	return nil
}

// sweepStale drops pids that are no longer alive.
func sweepStale(instances []int) []int {
	live := instances[:0:0]
	for _, pid := range instances {
		if osutil.ProcessAlive(pid) {
			live = append(live, pid)
		}
	}
	return live
}

// withState acquires the advisory file lock, loads, sweeps stale pids, runs
// fn, and saves if fn returns true. The lock spans the whole
// read-modify-write so cross-process reservations never interleave.
func (a *Accountant) withState(fn func(*state) bool) error {
	if err := a.lock.Lock(); err != nil {
		return err
	}
	defer a.lock.Unlock()

	st, err := a.load()
	if err != nil {
		return err
	}
	st.Instances = sweepStale(st.Instances)
	dirty := fn(st)
	if !dirty {
		return nil
	}
	return a.save(st)
}

// RegisterInstance adds the caller's pid to the shared instance set.
func (a *Accountant) RegisterInstance(pid int) error {
	return a.withState(func(st *state) bool {
		for _, p := range st.Instances {
			if p == pid {
				return false
			}
		}
		st.Instances = append(st.Instances, pid)
		return true
	})
}

// UnregisterInstance removes pid from the shared instance set.
func (a *Accountant) UnregisterInstance(pid int) error {
	return a.withState(func(st *state) bool {
		out := st.Instances[:0:0]
		changed := false
		for _, p := range st.Instances {
			if p == pid {
				changed = true
				continue
			}
			out = append(out, p)
		}
		st.Instances = out
		return changed
	})
}

// InstanceCount returns the number of live, registered instances.
func (a *Accountant) InstanceCount() (int, error) {
	st, err := a.load()
	if err != nil {
		return 0, err
	}
	return len(sweepStale(st.Instances)), nil
}

// CurrentVMs returns the globally tracked live VM count.
func (a *Accountant) CurrentVMs() (int, error) {
	st, err := a.load()
	if err != nil {
		return 0, err
	}
	return st.CurrentVMs, nil
}

// TotalMaxVMs computes the pool-wide VM ceiling from smoothed CPU/RAM
// headroom samples.
func (a *Accountant) TotalMaxVMs() (int, error) {
	cpuFree, err := a.sampler.CPUFree()
	if err != nil {
		return 0, fmt.Errorf("sample cpu headroom: %w", err)
	}
	ramFree, err := a.sampler.RAMFreeMiB()
	if err != nil {
		return 0, fmt.Errorf("sample ram headroom: %w", err)
	}
	a.cpuAvg.Save(cpuFree)
	a.ramAvg.Save(float64(ramFree))

	smoothedCPU := a.cpuAvg.Load() / float64(smoothingWindow)
	smoothedRAM := a.ramAvg.Load() / float64(smoothingWindow)

	byCPU := int((smoothedCPU - a.policy.MinCPUFree) / a.policy.CPUPerVM)
	byRAM := int((smoothedRAM - float64(a.policy.MinRAMFreeMiB)) / float64(a.policy.RAMPerVMMiB))

	max := byCPU
	if byRAM < max {
		max = byRAM
	}
	if max < 0 {
		max = 0
	}
	return max, nil
}

// RegisterVMs atomically reserves count additional slots iff doing so would
// not exceed TotalMaxVMs. It returns whether the reservation succeeded.
func (a *Accountant) RegisterVMs(count int) (bool, error) {
	totalMax, err := a.TotalMaxVMs()
	if err != nil {
		return false, err
	}
	reserved := false
	err = a.withState(func(st *state) bool {
		if st.CurrentVMs+count > totalMax {
			return false
		}
		st.CurrentVMs += count
		reserved = true
		return true
	})
	return reserved, err
}

// ReleaseVMs returns count previously-reserved slots to the pool. It never
// drives the counter below zero, which protects against double-release
// bugs silently corrupting the shared count.
func (a *Accountant) ReleaseVMs(count int) error {
	return a.withState(func(st *state) bool {
		st.CurrentVMs -= count
		if st.CurrentVMs < 0 {
			st.CurrentVMs = 0
		}
		return true
	})
}

// FairShare returns total_max // max(1, instance_count): the slice of the
// pool ceiling this one instance should aim to hold.
func FairShare(totalMax, instanceCount int) int {
	if instanceCount < 1 {
		instanceCount = 1
	}
	return totalMax / instanceCount
}

// StatePath computes the well-known shared state file under a state dir.
func StatePath(stateDir string) string {
	return config.ConfigPath(stateDir) + ".accountant"
}
