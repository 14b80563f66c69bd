// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/stats"
	"github.com/snapfuzz/snapfuzz/pkg/store"
)

// WorkerInfo tracks one worker the controller knows about, whether from
// static config or a WORKER_REGISTER ping.
type WorkerInfo struct {
	Addr     string
	Capacity int
	Idle     bool
}

// JobSubmission is the JSON document the controller polls for in its
// submission directory: a ready-to-run job definition.
type JobSubmission struct {
	Name         string          `json:"name"`
	DiskImage    string          `json:"disk_image"`
	SnapshotName string          `json:"snapshot_name"`
	FuzzerKind   string          `json:"fuzzer"`
	FuzzerConfig json.RawMessage `json:"fuzzer_config"`
	CorpusDir    string          `json:"input_dir"`
}

// JobStore is the subset of pkg/store.Store the controller needs to record
// submitted jobs, kept as an interface so tests can fake it.
type JobStore interface {
	CreateJob(ctx context.Context, j *store.Job) (int64, error)
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	ListenAddr    string // for WORKER_REGISTER pings
	SubmissionDir string
	BundleWorkDir string
	PollInterval  time.Duration
	TLS           bool
	Auth          *Auth
	Store         JobStore
	Stats         *stats.Collector
}

// Controller polls a job-submission directory for new job definitions,
// picks an idle worker, and pushes the bundle.
type Controller struct {
	cfg ControllerConfig

	mu      sync.Mutex
	workers map[string]*WorkerInfo
}

// NewController constructs a Controller with any statically-configured
// workers pre-registered.
func NewController(cfg ControllerConfig, staticWorkers []WorkerInfo) *Controller {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	c := &Controller{cfg: cfg, workers: map[string]*WorkerInfo{}}
	for _, w := range staticWorkers {
		wCopy := w
		wCopy.Idle = true
		c.workers[w.Addr] = &wCopy
	}
	return c
}

// ListenAndServe accepts WORKER_REGISTER pings until ctx is cancelled.
func (c *Controller) ListenAndServe(ctx context.Context) error {
	if c.cfg.ListenAddr == "" {
		<-ctx.Done()
		return nil
	}
	ln, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.cfg.ListenAddr, err)
	}
	defer ln.Close()
	log.Logf(0, "dispatch: controller listening for worker registration on %s", c.cfg.ListenAddr)

	return acceptLoop(ctx, ln.(*net.TCPListener), func(conn net.Conn) {
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(dialTimeout))
		env, err := ReadEnvelope(conn)
		if err != nil {
			log.Logf(0, "dispatch: controller read registration: %v", err)
			return
		}
		if env.Type != TypeWorkerRegister {
			writeErrorEnvelope(conn, fmt.Sprintf("expected WORKER_REGISTER, got %q", env.Type))
			return
		}
		c.mu.Lock()
		c.workers[env.WorkerAddr] = &WorkerInfo{Addr: env.WorkerAddr, Capacity: env.Capacity, Idle: true}
		c.mu.Unlock()
		log.Logf(0, "dispatch: worker %s registered (capacity %d)", env.WorkerAddr, env.Capacity)
		WriteAck(conn)
	})
}

// PollSubmissions runs the submission-directory poll loop until ctx is
// cancelled: each JSON file found is inserted into the store and pushed to
// an idle worker.
func (c *Controller) PollSubmissions(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil {
				log.Logf(0, "dispatch: poll submissions: %v", err)
			}
		}
	}
}

func (c *Controller) pollOnce(ctx context.Context) error {
	entries, err := os.ReadDir(c.cfg.SubmissionDir)
	if err != nil {
		return fmt.Errorf("read submission dir: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		path := filepath.Join(c.cfg.SubmissionDir, ent.Name())
		if err := c.submitOne(ctx, path); err != nil {
			log.Logf(0, "dispatch: submit %s: %v", path, err)
			continue
		}
		os.Remove(path)
	}
	return nil
}

func (c *Controller) submitOne(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var sub JobSubmission
	if err := json.Unmarshal(data, &sub); err != nil {
		return fmt.Errorf("parse job submission: %w", err)
	}

	jobID, err := c.cfg.Store.CreateJob(ctx, &store.Job{
		Name: sub.Name, DiskImage: sub.DiskImage, SnapshotName: sub.SnapshotName,
		FuzzerKind: sub.FuzzerKind, FuzzerConfig: sub.FuzzerConfig,
	})
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	worker := c.pickIdleWorker()
	if worker == nil {
		return fmt.Errorf("no idle worker available for job %d", jobID)
	}

	bundlePath := filepath.Join(c.cfg.BundleWorkDir, fmt.Sprintf("job-%d.tar.gz", jobID))
	if _, err := BuildBundle(bundlePath, sub.DiskImage, sub.CorpusDir); err != nil {
		return fmt.Errorf("build bundle: %w", err)
	}
	defer os.Remove(bundlePath)

	c.setWorkerBusy(worker.Addr, true)
	clientCfg := ClientConfig{WorkerAddr: worker.Addr, TLS: c.cfg.TLS, Auth: c.cfg.Auth}
	err = PushJob(clientCfg, jobID, sub, bundlePath)
	if err != nil {
		// Transport errors mark the worker offline; no retry this cycle.
		c.removeWorker(worker.Addr)
		c.cfg.Stats.RecordDispatchJob("error")
		c.cfg.Stats.RecordDispatchError("transport")
		return fmt.Errorf("push job %d to %s: %w", jobID, worker.Addr, err)
	}
	c.cfg.Stats.RecordDispatchJob("ack")
	go c.watchCompletion(clientCfg, jobID)
	return nil
}

// watchCompletion polls the worker's status until jobID is no longer
// running, then frees the worker back up for the next submission.
func (c *Controller) watchCompletion(cfg ClientConfig, jobID int64) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for range ticker.C {
		statuses, err := RequestStatus(cfg)
		if err != nil {
			c.removeWorker(cfg.WorkerAddr)
			return
		}
		if statuses[jobID] != "running" {
			c.setWorkerBusy(cfg.WorkerAddr, false)
			return
		}
	}
}

func (c *Controller) pickIdleWorker() *WorkerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.workers {
		if w.Idle {
			return w
		}
	}
	return nil
}

func (c *Controller) setWorkerBusy(addr string, busy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[addr]; ok {
		w.Idle = !busy
	}
}

func (c *Controller) removeWorker(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workers, addr)
}

// Workers returns a snapshot of known workers, for the STATUS_REQUEST-style
// introspection the out-of-scope web/TUI collaborators would use.
func (c *Controller) Workers() []WorkerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WorkerInfo, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, *w)
	}
	return out
}
