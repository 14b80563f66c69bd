// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

// Command snapfuzz-controller runs the distributed-dispatch controller:
// it polls a job-submission directory, inserts each
// definition into its store, and pushes the bundle to an idle worker over
// the framed, optionally TLS/API-key-secured wire protocol.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/snapfuzz/snapfuzz/pkg/dispatch"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/osutil"
	"github.com/snapfuzz/snapfuzz/pkg/stats"
	"github.com/snapfuzz/snapfuzz/pkg/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	listenAddr := pflag.String("listen", ":9998", "address the controller listens on for WORKER_REGISTER pings")
	submissionDir := pflag.String("submission-dir", "./submissions", "directory polled for job-submission JSON files")
	bundleDir := pflag.String("bundle-dir", "./bundles", "scratch directory for outgoing job bundles")
	storePath := pflag.String("store", "./controller.db", "path to the controller's persistence store")
	workersFile := pflag.String("workers-file", "", "optional JSON file listing statically-known workers ([{\"addr\":..,\"capacity\":..}])")
	pollInterval := pflag.Duration("poll-interval", 5*time.Second, "submission-directory poll cadence")
	tlsEnabled := pflag.Bool("tls", false, "wrap worker connections in TLS")
	authKey := pflag.String("auth-key", "", "API key sent with every envelope; empty disables authentication")
	metricsAddr := pflag.String("metrics-addr", "", "if set, serve Prometheus metrics at this address")
	verbose := pflag.IntP("verbose", "v", 0, "verbosity level")
	pflag.Parse()

	log.SetVerbose(*verbose)

	for _, dir := range []string{*submissionDir, *bundleDir, filepath.Dir(*storePath)} {
		if dir == "" {
			continue
		}
		if err := osutil.MkdirAll(dir); err != nil {
			log.Errorf("create directory %s: %v", dir, err)
			return 1
		}
	}

	st, err := store.Open(*storePath)
	if err != nil {
		log.Errorf("open store: %v", err)
		return 1
	}
	defer st.Close()

	collector := stats.New()
	if *metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(*metricsAddr, collector.Handler()); err != nil {
				log.Logf(0, "controller: metrics server: %v", err)
			}
		}()
	}

	var auth *dispatch.Auth
	if *authKey != "" {
		auth = &dispatch.Auth{Method: "api_key", Key: *authKey}
	}

	staticWorkers, err := loadStaticWorkers(*workersFile)
	if err != nil {
		log.Errorf("load workers file: %v", err)
		return 1
	}

	ctrl := dispatch.NewController(dispatch.ControllerConfig{
		ListenAddr:    *listenAddr,
		SubmissionDir: *submissionDir,
		BundleWorkDir: *bundleDir,
		PollInterval:  *pollInterval,
		TLS:           *tlsEnabled,
		Auth:          auth,
		Store:         st,
		Stats:         collector,
	}, staticWorkers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.ListenAndServe(gctx) })
	g.Go(func() error { return ctrl.PollSubmissions(gctx) })

	if err := g.Wait(); err != nil {
		log.Errorf("controller: %v", err)
		return 1
	}
	if ctx.Err() != nil {
		return 130
	}
	return 0
}

func loadStaticWorkers(path string) ([]dispatch.WorkerInfo, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []struct {
		Addr     string `json:"addr"`
		Capacity int    `json:"capacity"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	out := make([]dispatch.WorkerInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, dispatch.WorkerInfo{Addr: e.Addr, Capacity: e.Capacity, Idle: true})
	}
	return out, nil
}
