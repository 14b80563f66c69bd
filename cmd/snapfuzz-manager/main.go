// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

// Command snapfuzz-manager is the single-node orchestrator: it loads the
// process config and VM registry, attaches to the cross-process
// resource accountant, and drives pkg/harness against one job until
// interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/snapfuzz/snapfuzz/pkg/accountant"
	"github.com/snapfuzz/snapfuzz/pkg/config"
	"github.com/snapfuzz/snapfuzz/pkg/harness"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/mutation"
	"github.com/snapfuzz/snapfuzz/pkg/osutil"
	"github.com/snapfuzz/snapfuzz/pkg/stats"
	"github.com/snapfuzz/snapfuzz/pkg/store"
	"github.com/snapfuzz/snapfuzz/pkg/vmm"
)

func main() {
	os.Exit(run())
}

func run() int {
	stateDir := flag.String("state-dir", defaultStateDir(), "directory holding config.json, registry.json, and the persistence store")
	jobName := flag.String("job-name", "", "human name for the job; a new job row is created if none with this name exists")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics at this address (e.g. :9100)")
	verbose := flag.Int("v", 0, "verbosity level")
	flag.Parse()

	log.SetVerbose(*verbose)

	if err := osutil.MkdirAll(*stateDir); err != nil {
		log.Errorf("create state dir: %v", err)
		return 1
	}

	cfg, err := config.Load(config.ConfigPath(*stateDir))
	if err != nil {
		log.Errorf("load config: %v", err)
		return 1
	}

	registry, err := config.OpenRegistry(config.RegistryPath(*stateDir))
	if err != nil {
		log.Errorf("open registry: %v", err)
		return 1
	}

	sampler := accountant.NewProcSampler(200 * time.Millisecond)
	acct := accountant.Open(accountant.StatePath(*stateDir), accountant.DefaultPolicy(), sampler)

	st, err := store.Open(filepath.Join(*stateDir, "snapfuzz.db"))
	if err != nil {
		log.Errorf("open store: %v", err)
		return 1
	}
	defer st.Close()

	collector := stats.New()
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, collector)
	}

	ctx := context.Background()
	job, err := findOrCreateJob(ctx, st, *jobName, cfg)
	if err != nil {
		log.Errorf("resolve job: %v", err)
		return 1
	}

	engine, err := mutation.New(mutation.Config{
		CorpusDir:      cfg.InputDir,
		OutputDir:      filepath.Join(*stateDir, "generated", fmt.Sprintf("job-%d", job.ID)),
		BaselineEnergy: 100,
	})
	if err != nil {
		log.Errorf("build mutation engine: %v", err)
		return 1
	}

	mgr := vmm.NewManager(registry, cfg.MaxParallelVMs, filepath.Join(*stateDir, "scratch"))

	hcfg := harness.Config{
		JobID:            job.ID,
		Arch:             cfg.Arch,
		DiskImage:        cfg.DiskImage,
		SnapshotName:     cfg.SnapshotName,
		ShareBridge:      shareBridge(cfg),
		Display:          display(cfg),
		TimeCompression:  cfg.EnableTimeCompression,
		CrashDir:         cfg.CrashDir,
		IterationTimeout: time.Duration(cfg.Timeout) * time.Second,
	}
	h, err := harness.New(hcfg, mgr, acct, engine, st, collector)
	if err != nil {
		log.Errorf("build harness: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.SetStatus(ctx, job.ID, store.JobRunning); err != nil {
		log.Logf(0, "manager: set job running: %v", err)
	}

	runErr := h.Run(ctx)

	finalStatus := store.JobCompleted
	if ctx.Err() != nil {
		finalStatus = store.JobStopped
	}
	if err := st.SetStatus(context.Background(), job.ID, finalStatus); err != nil {
		log.Logf(0, "manager: set final job status: %v", err)
	}

	if runErr != nil {
		log.Errorf("harness run: %v", runErr)
		return 1
	}
	if ctx.Err() != nil {
		return 130
	}
	return 0
}

func findOrCreateJob(ctx context.Context, st *store.Store, name string, cfg *config.Config) (*store.Job, error) {
	jobs, err := st.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.Name == name {
			return j, nil
		}
	}
	id, err := st.CreateJob(ctx, &store.Job{
		Name: name, DiskImage: cfg.DiskImage, SnapshotName: cfg.SnapshotName, FuzzerKind: cfg.Fuzzer,
	})
	if err != nil {
		return nil, err
	}
	return st.GetJob(ctx, id)
}

func shareBridge(cfg *config.Config) vmm.ShareBridge {
	if cfg.Transport() == config.ShareTransportSMB {
		return vmm.ShareBridgeSMB
	}
	return vmm.ShareBridgeVirtFS
}

func display(cfg *config.Config) vmm.DisplayMode {
	if cfg.EnableVMScreenshots {
		return vmm.DisplayVNC
	}
	return vmm.DisplayNoGraphic
}

func serveMetrics(addr string, collector *stats.Collector) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Logf(0, "manager: metrics server: %v", err)
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".snapfuzz"
	}
	return filepath.Join(home, ".snapfuzz")
}
