// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

// Command snapfuzz-worker runs the distributed-dispatch worker: it
// listens for PUSH_JOB/STATUS_REQUEST/CRASH_REQUEST envelopes,
// unpacks incoming job bundles, and drives pkg/harness against each one
// through the unpacked disk image and seed corpus.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/snapfuzz/snapfuzz/pkg/accountant"
	"github.com/snapfuzz/snapfuzz/pkg/config"
	"github.com/snapfuzz/snapfuzz/pkg/dispatch"
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
	listenAddr := pflag.String("listen", ":9999", "address the worker listens on")
	stateDir := pflag.String("state-dir", "./worker-state", "directory for the registry, accountant state, and persistence store")
	bundleRoot := pflag.String("bundle-root", "./jobs", "directory under which incoming job bundles are unpacked")
	crashDir := pflag.String("crash-dir", "./crashes", "directory where crash artifact archives land")
	defaultArch := pflag.String("arch", "x86_64", "default guest architecture for jobs that name none, neither as a top-level arch key nor in fuzzer_config")
	tlsCert := pflag.String("tls-cert", "", "TLS certificate path; generated self-signed alongside tls-key if both are set but absent")
	tlsKey := pflag.String("tls-key", "", "TLS key path")
	authRequired := pflag.Bool("auth-required", false, "require API-key authentication on every envelope")
	authStorePath := pflag.String("auth-store", "", "path to the local API-key auth store (bcrypt hashes)")
	controllerAddr := pflag.String("controller-addr", "", "if set, register this worker with the controller once at startup")
	controllerTLS := pflag.Bool("controller-tls", false, "use TLS when registering with the controller")
	capacity := pflag.Int("capacity", 1, "VM capacity advertised to the controller at registration")
	metricsAddr := pflag.String("metrics-addr", "", "if set, serve Prometheus metrics at this address")
	verbose := pflag.IntP("verbose", "v", 0, "verbosity level")
	pflag.Parse()

	log.SetVerbose(*verbose)

	for _, dir := range []string{*stateDir, *bundleRoot, *crashDir} {
		if err := osutil.MkdirAll(dir); err != nil {
			log.Errorf("create directory %s: %v", dir, err)
			return 1
		}
	}

	st, err := store.Open(filepath.Join(*stateDir, "worker.db"))
	if err != nil {
		log.Errorf("open store: %v", err)
		return 1
	}
	defer st.Close()

	registry, err := config.OpenRegistry(config.RegistryPath(*stateDir))
	if err != nil {
		log.Errorf("open registry: %v", err)
		return 1
	}
	acct := accountant.Open(accountant.StatePath(*stateDir), accountant.DefaultPolicy(), accountant.NewProcSampler(200*time.Millisecond))
	mgr := vmm.NewManager(registry, 0, filepath.Join(*stateDir, "scratch"))
	collector := stats.New()

	if *metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(*metricsAddr, collector.Handler()); err != nil {
				log.Logf(0, "worker: metrics server: %v", err)
			}
		}()
	}

	var authStore *dispatch.AuthStore
	if *authStorePath != "" {
		authStore, err = dispatch.OpenAuthStore(*authStorePath)
		if err != nil {
			log.Errorf("open auth store: %v", err)
			return 1
		}
	}

	var certs *dispatch.TLSCertPair
	if *tlsCert != "" && *tlsKey != "" {
		pair := dispatch.TLSCertPair{CertPath: *tlsCert, KeyPath: *tlsKey}
		if err := dispatch.EnsureSelfSigned(pair); err != nil {
			log.Errorf("ensure tls cert: %v", err)
			return 1
		}
		certs = &pair
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := dispatch.NewWorker(dispatch.WorkerConfig{
		ListenAddr:   *listenAddr,
		BundleRoot:   *bundleRoot,
		TLSCerts:     certs,
		AuthRequired: *authRequired,
		AuthStore:    authStore,
		Stats:        collector,
		Handler: func(ctx context.Context, jobID int64, cfg json.RawMessage, jobDir string) error {
			return runJob(ctx, jobID, cfg, jobDir, *defaultArch, *crashDir, mgr, acct, st, collector)
		},
		Crashes: func(ctx context.Context, jobID int64) (json.RawMessage, error) {
			crashes, err := st.ListCrashes(ctx, jobID)
			if err != nil {
				return nil, err
			}
			return json.Marshal(crashes)
		},
	})
	if err != nil {
		log.Errorf("build worker: %v", err)
		return 1
	}

	if *controllerAddr != "" {
		if err := dispatch.RegisterWithController(*controllerAddr, *controllerTLS, *listenAddr, *capacity); err != nil {
			log.Logf(0, "worker: register with controller: %v", err)
		}
	}

	if err := w.ListenAndServe(ctx); err != nil {
		log.Errorf("worker: %v", err)
		return 1
	}
	if ctx.Err() != nil {
		return 130
	}
	return 0
}

// jobSubmission mirrors dispatch.JobSubmission's wire shape, plus the
// optional arch hint the worker resolves a runnable harness config from.
// It is deliberately a separate type from config.Config: job config
// arrives over the wire and never mutates this process's own settings.
type jobSubmission struct {
	Name         string          `json:"name"`
	DiskImage    string          `json:"disk_image"`
	SnapshotName string          `json:"snapshot_name"`
	FuzzerKind   string          `json:"fuzzer"`
	FuzzerConfig json.RawMessage `json:"fuzzer_config"`
	CorpusDir    string          `json:"input_dir"`
	Arch         string          `json:"arch,omitempty"`
}

func runJob(ctx context.Context, jobID int64, rawCfg json.RawMessage, jobDir, defaultArch, crashDir string,
	mgr *vmm.Manager, acct *accountant.Accountant, st *store.Store, collector *stats.Collector) error {
	var sub jobSubmission
	if err := json.Unmarshal(rawCfg, &sub); err != nil {
		return fmt.Errorf("parse job config: %w", err)
	}
	arch := sub.Arch
	if arch == "" {
		var fc struct {
			Arch string `json:"arch"`
		}
		if len(sub.FuzzerConfig) > 0 {
			_ = json.Unmarshal(sub.FuzzerConfig, &fc)
		}
		arch = fc.Arch
	}
	if arch == "" {
		arch = defaultArch
	}

	diskImage, err := findUnpackedDisk(jobDir)
	if err != nil {
		return err
	}
	corpusDir := filepath.Join(jobDir, "corpus")

	engine, err := mutation.New(mutation.Config{
		CorpusDir:      corpusDir,
		OutputDir:      filepath.Join(jobDir, "generated"),
		BaselineEnergy: 100,
	})
	if err != nil {
		return fmt.Errorf("build mutation engine: %w", err)
	}

	h, err := harness.New(harness.Config{
		JobID:        jobID,
		Arch:         arch,
		DiskImage:    diskImage,
		SnapshotName: sub.SnapshotName,
		Display:      vmm.DisplayNoGraphic,
		CrashDir:     crashDir,
	}, mgr, acct, engine, st, collector)
	if err != nil {
		return fmt.Errorf("build harness: %w", err)
	}
	return h.Run(ctx)
}

func findUnpackedDisk(jobDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(jobDir, "disk", "*"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no disk image found under %s", jobDir)
	}
	return matches[0], nil
}
