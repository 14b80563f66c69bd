// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

// Package harness implements the per-VM fuzzing loop: revert to
// snapshot, inject a mutated test case, run the debug stub, triage any
// crash through pkg/crashpipeline, and record the iteration, all gated on
// the fair share the resource accountant hands this process.
package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/snapfuzz/snapfuzz/pkg/accountant"
	"github.com/snapfuzz/snapfuzz/pkg/config"
	"github.com/snapfuzz/snapfuzz/pkg/crashpipeline"
	"github.com/snapfuzz/snapfuzz/pkg/debugstub"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/mutation"
	"github.com/snapfuzz/snapfuzz/pkg/stats"
	"github.com/snapfuzz/snapfuzz/pkg/store"
	"github.com/snapfuzz/snapfuzz/pkg/vmm"
)

// Config configures one harness instance, one per (process, job) pair.
type Config struct {
	JobID            int64
	Arch             string
	DiskImage        string
	SnapshotName     string
	ShareBridge      vmm.ShareBridge
	Display          vmm.DisplayMode
	TimeCompression  bool
	CrashDir         string
	Debugger         string
	AgentHost        string        // defaults to 127.0.0.1
	IterationTimeout time.Duration // debug-stub per-iteration wall budget, default 60s
	RebalancePeriod  time.Duration // default 5s
	// MaxConcurrentDebugSessions bounds how many debug-stub workers (each
	// forking a batch debugger process) may run at once across every VM
	// this harness manages. Defaults to 8.
	MaxConcurrentDebugSessions int64
}

func (c *Config) setDefaults() {
	if c.AgentHost == "" {
		c.AgentHost = "127.0.0.1"
	}
	if c.IterationTimeout == 0 {
		c.IterationTimeout = 60 * time.Second
	}
	if c.RebalancePeriod == 0 {
		c.RebalancePeriod = 5 * time.Second
	}
	if c.MaxConcurrentDebugSessions == 0 {
		c.MaxConcurrentDebugSessions = 8
	}
}

// Harness drives a fixed pool of VMs toward one job's fuzzing work,
// scaling that pool up or down to track its fair share of the system-wide
// VM ceiling.
type Harness struct {
	cfg      Config
	mgr      *vmm.Manager
	acct     *accountant.Accountant
	engine   *mutation.Engine
	st       *store.Store
	archInfo vmm.ArchInfo

	pid   int
	sem   *semaphore.Weighted
	stats *stats.Collector // optional; nil-safe

	mu        sync.Mutex
	workers   map[int]context.CancelFunc // VM id -> cancel for its goroutine
	wg        sync.WaitGroup
	exhausted atomic.Bool // the mutation engine reported end-of-stream
}

// New builds a Harness. engine must already be loaded with the job's seed
// corpus (pkg/mutation.New). collector may be nil to disable metrics.
func New(cfg Config, mgr *vmm.Manager, acct *accountant.Accountant, engine *mutation.Engine, st *store.Store, collector *stats.Collector) (*Harness, error) {
	cfg.setDefaults()
	archInfo, err := vmm.Arch(cfg.Arch)
	if err != nil {
		return nil, err
	}
	return &Harness{
		cfg: cfg, mgr: mgr, acct: acct, engine: engine, st: st,
		archInfo: archInfo,
		pid:      os.Getpid(),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentDebugSessions),
		stats:    collector,
		workers:  map[int]context.CancelFunc{},
	}, nil
}

// Run registers this process with the accountant and drives the fair-share
// rebalance loop until ctx is cancelled, at which point it releases every
// VM it holds, unregisters, and returns.
func (h *Harness) Run(ctx context.Context) error {
	if err := h.acct.RegisterInstance(h.pid); err != nil {
		return fmt.Errorf("harness: register instance: %w", err)
	}
	defer func() {
		if err := h.acct.UnregisterInstance(h.pid); err != nil {
			log.Logf(0, "harness: unregister instance: %v", err)
		}
	}()

	ticker := time.NewTicker(h.cfg.RebalancePeriod)
	defer ticker.Stop()

	for {
		if err := h.rebalance(ctx); err != nil {
			log.Logf(0, "harness: rebalance: %v", err)
		}
		if log.V(2) {
			es := h.engine.Stats()
			log.Logf(2, "harness: engine: %d seeds, %d generated, %d dict tokens, %d energy left",
				es.SeedCount, es.GeneratedCount, es.DictionarySize, es.RemainingEnergy)
		}
		if h.exhausted.Load() && h.liveCount() == 0 {
			log.Logf(0, "harness: seed corpus exhausted, finishing")
			h.cleanup()
			return nil
		}
		select {
		case <-ctx.Done():
			h.cleanup()
			return nil
		case <-ticker.C:
		}
	}
}

// liveCount returns the number of VMs this harness currently manages.
func (h *Harness) liveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.workers)
}

// rebalance scales the managed VM pool toward this instance's fair share
// of the system-wide ceiling.
func (h *Harness) rebalance(ctx context.Context) error {
	totalMax, err := h.acct.TotalMaxVMs()
	if err != nil {
		return err
	}
	instances, err := h.acct.InstanceCount()
	if err != nil {
		return err
	}
	share := accountant.FairShare(totalMax, instances)
	current := h.liveCount()
	h.stats.SetFairShare(share)
	h.stats.SetVMsRunning(current)
	if globalCur, err := h.acct.CurrentVMs(); err == nil {
		h.stats.SetAccountantTotals(totalMax, globalCur)
	}

	switch {
	case current > share:
		h.releaseOne()
	case current < share && !h.exhausted.Load():
		ok, err := h.acct.RegisterVMs(1)
		if err != nil {
			return err
		}
		if ok {
			h.spawnOne(ctx)
		}
	}
	return nil
}

// spawnOne starts a new VM and launches its iteration-loop goroutine.
func (h *Harness) spawnOne(ctx context.Context) {
	rec, err := h.mgr.StartVM(vmm.SpawnOptions{
		Arch:            h.cfg.Arch,
		DiskImage:       h.cfg.DiskImage,
		SnapshotName:    h.cfg.SnapshotName,
		ShareBridge:     h.cfg.ShareBridge,
		Display:         h.cfg.Display,
		TimeCompression: h.cfg.TimeCompression,
	})
	if err != nil {
		log.Logf(0, "harness: spawn failed, releasing slot: %v", err)
		h.acct.ReleaseVMs(1)
		return
	}

	vmCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.workers[rec.ID] = cancel
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.runVM(vmCtx, rec.ID)
		h.mu.Lock()
		delete(h.workers, rec.ID)
		h.mu.Unlock()
		if err := h.mgr.StopVM(rec.ID, true); err != nil {
			log.Logf(0, "harness: stop vm %d: %v", rec.ID, err)
		}
		if err := h.acct.ReleaseVMs(1); err != nil {
			log.Logf(0, "harness: release slot for vm %d: %v", rec.ID, err)
		}
	}()
}

// releaseOne stops and returns exactly one arbitrarily-chosen VM's slot.
func (h *Harness) releaseOne() {
	h.mu.Lock()
	var victim int
	var cancel context.CancelFunc
	for id, c := range h.workers {
		victim, cancel = id, c
		break
	}
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	log.Logf(1, "harness: releasing vm %d to match fair share", victim)
	cancel()
}

// cleanup stops every managed VM and waits for their goroutines to exit,
// on any exit path.
func (h *Harness) cleanup() {
	h.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(h.workers))
	for _, c := range h.workers {
		cancels = append(cancels, c)
	}
	h.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	h.wg.Wait()
}

// runVM repeats the fuzzing iteration against one VM until its
// context is cancelled or the mutation engine's seed corpus is exhausted.
func (h *Harness) runVM(ctx context.Context, vmID int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		cont, err := h.iterate(ctx, vmID)
		if err != nil {
			log.Logf(0, "harness: vm %d iteration: %v", vmID, err)
			continue
		}
		if !cont {
			log.Logf(1, "harness: vm %d: mutation engine exhausted, stopping", vmID)
			h.exhausted.Store(true)
			return
		}
	}
}

// iterate runs one revert-inject-run-triage-record pass. It returns cont=false once
// the engine reports end-of-stream.
func (h *Harness) iterate(ctx context.Context, vmID int) (cont bool, err error) {
	// Step 2: revert to clean snapshot.
	if err := h.mgr.RevertSnapshot(vmID); err != nil {
		return true, fmt.Errorf("revert snapshot: %w", err)
	}

	// Step 3: ask the mutation engine for a new test case and inject it.
	tc, ok := h.engine.Next()
	if !ok {
		return false, nil
	}
	rec, ok := h.mgr.Registry().Get(vmID)
	if !ok {
		return true, fmt.Errorf("vm %d not found in registry", vmID)
	}
	inputPath := filepath.Join(rec.ShareDir, "fuzz_input.bin")
	data, err := os.ReadFile(tc.Path)
	if err != nil {
		return true, fmt.Errorf("read generated test case: %w", err)
	}
	if err := os.WriteFile(inputPath, data, 0o644); err != nil {
		return true, fmt.Errorf("inject test case: %w", err)
	}
	if err := h.mgr.Registry().UpdateVM(vmID, func(r *config.VMRecord) {
		r.CurrentTest = tc.Path
	}); err != nil {
		return true, fmt.Errorf("update current test: %w", err)
	}

	// Step 4-5: run the debug-stub driver for one outcome and triage any
	// crash it (or the guest agent) reports. The weighted semaphore caps
	// how many batch debugger processes run at once across every VM this
	// harness manages.
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return true, fmt.Errorf("acquire debug session slot: %w", err)
	}
	start := time.Now()
	outcome, err := debugstub.Run(ctx, debugstub.Config{
		Arch:      h.cfg.Arch,
		GDBArch:   h.archInfo.GDBArch,
		DebugHost: h.cfg.AgentHost,
		DebugPort: rec.DebugPort,
		AgentPort: rec.AgentPort,
		Debugger:  h.cfg.Debugger,
		Timeout:   h.cfg.IterationTimeout,
	})
	h.sem.Release(1)
	duration := time.Since(start)
	h.stats.ObserveIteration(duration.Seconds())
	if err != nil {
		return true, fmt.Errorf("debug stub session: %w", err)
	}

	if outcome.Kind != debugstub.NoCrash {
		if err := h.handleCrash(ctx, vmID, rec, tc, outcome); err != nil {
			log.Logf(0, "harness: crash pipeline: %v", err)
		}
	}

	// Step 6: record the test case with its measured execution time.
	if _, err := h.st.CreateTestCase(ctx, &store.TestCase{
		JobID:      h.cfg.JobID,
		VMID:       vmID,
		Path:       tc.Path,
		StartedAt:  start,
		DurationMS: duration.Milliseconds(),
	}); err != nil {
		log.Logf(0, "harness: persist test case: %v", err)
	}
	h.stats.RecordTestCase(h.cfg.JobID)

	return true, nil
}

// handleCrash runs the crash pipeline over a debug-stub outcome, packages
// an artifact, deduplicates against the store, and feeds the result back
// to the mutation engine.
func (h *Harness) handleCrash(ctx context.Context, vmID int, rec config.VMRecord, tc *mutation.TestCase, outcome *debugstub.Outcome) error {
	kindTag, ip := crashKind(outcome, h.archInfo.IPRegister)

	var frames []crashpipeline.Frame
	for _, f := range outcome.Backtrace {
		frames = append(frames, crashpipeline.Frame{
			Index: f.Index, Function: f.Function, File: f.File, Line: f.Line, HasLine: f.HasLine,
		})
	}

	crash := crashpipeline.Process(int(h.cfg.JobID), tc.Path, crashpipeline.Outcome{
		RawOutput:          outcome.RawOutput,
		Backtrace:          frames,
		InstructionPointer: ip,
		KindTag:            kindTag,
	})
	crash.DiskImage = h.cfg.DiskImage
	crash.SnapshotName = h.cfg.SnapshotName
	crash.Arch = h.cfg.Arch
	log.Logf(2, "harness: vm %d crash output: %s", vmID,
		log.Truncate([]byte(outcome.RawOutput), 1024, 1024))

	timestamp := time.Now().Unix()
	archivePath, err := crashpipeline.PackageArtifact(h.cfg.CrashDir, crash, rec.ShareDir, timestamp)
	if err != nil {
		return fmt.Errorf("package artifact: %w", err)
	}

	id, isNew, err := h.st.InsertCrash(ctx, &store.Crash{
		JobID: h.cfg.JobID, TestCasePath: tc.Path, KindTag: crash.KindTag, Detail: crash.Detail,
		Signature: crash.Signature, Exploitability: crash.Exploitability, ArchivePath: archivePath,
		StackHash: crash.StackHash, Backtrace: crash.Backtrace, CrashAddress: crash.CrashAddress,
		SanitizerKind: crash.SanitizerKind, SanitizerRaw: crash.SanitizerRaw, Severity: crash.Severity,
	})
	if err != nil {
		return fmt.Errorf("insert crash: %w", err)
	}
	h.stats.RecordCrash(h.cfg.JobID, crash.KindTag, isNew)

	if isNew {
		log.Logf(0, "harness: vm %d: new unique crash %d (%s)", vmID, id, crash.Signature)
		data, readErr := os.ReadFile(tc.Path)
		if readErr == nil {
			h.engine.ReportCrash(tc.Strategy, tc.SeedName, data)
		}
	} else {
		log.Logf(1, "harness: vm %d: duplicate of crash %d", vmID, id)
	}
	return nil
}

// crashKind maps a debug-stub outcome to the pipeline's kind tag and, for
// kernel crashes, the instruction-pointer value the exploitability
// fallback needs.
func crashKind(outcome *debugstub.Outcome, ipRegister string) (string, uint64) {
	if outcome.Kind == debugstub.UserCrash {
		return "user_crash:" + outcome.UserException, 0
	}
	return "kernel_crash:" + outcome.Signal, outcome.Registers[ipRegister]
}
