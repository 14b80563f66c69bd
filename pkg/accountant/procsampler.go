// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package accountant

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// ProcSampler reads CPU and memory headroom from /proc, the way host
// utilization is reported elsewhere in the fleet tooling this pool borrows
// from. CPU free is derived from two /proc/stat snapshots a short interval
// apart; RAM free comes straight from /proc/meminfo's MemAvailable.
type ProcSampler struct {
	interval time.Duration
}

// NewProcSampler returns a sampler that measures CPU usage over interval.
func NewProcSampler(interval time.Duration) *ProcSampler {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &ProcSampler{interval: interval}
}

func (p *ProcSampler) CPUFree() (float64, error) {
	a, err := readCPUTimes()
	if err != nil {
		return 0, err
	}
	time.Sleep(p.interval)
	b, err := readCPUTimes()
	if err != nil {
		return 0, err
	}
	totalDelta := b.total() - a.total()
	idleDelta := b.idle - a.idle
	if totalDelta <= 0 {
		return 0, nil
	}
	busyFrac := 1 - float64(idleDelta)/float64(totalDelta)
	cores := float64(runtime.NumCPU())
	return cores * (1 - busyFrac), nil
}

type cpuTimes struct {
	user, nice, system, idle, iowait, irq, softirq, steal int64
}

func (c cpuTimes) total() int64 {
	return c.user + c.nice + c.system + c.idle + c.iowait + c.irq + c.softirq + c.steal
}

func readCPUTimes() (cpuTimes, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuTimes{}, fmt.Errorf("open /proc/stat: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "cpu" {
			continue
		}
		vals := make([]int64, 8)
		for i := 1; i < len(fields) && i-1 < len(vals); i++ {
			v, err := strconv.ParseInt(fields[i], 10, 64)
			if err != nil {
				return cpuTimes{}, fmt.Errorf("parse /proc/stat cpu line: %w", err)
			}
			vals[i-1] = v
		}
		return cpuTimes{
			user: vals[0], nice: vals[1], system: vals[2], idle: vals[3],
			iowait: vals[4], irq: vals[5], softirq: vals[6], steal: vals[7],
		}, nil
	}
	if err := scanner.Err(); err != nil {
		return cpuTimes{}, err
	}
	return cpuTimes{}, fmt.Errorf("no cpu line in /proc/stat")
}

func (p *ProcSampler) RAMFreeMiB() (int, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("open /proc/meminfo: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if fields[0] == "MemAvailable:" {
			kib, err := strconv.Atoi(fields[1])
			if err != nil {
				return 0, fmt.Errorf("parse MemAvailable: %w", err)
			}
			return kib / 1024, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("MemAvailable not found in /proc/meminfo")
}
