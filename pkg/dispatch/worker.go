// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package dispatch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/osutil"
	"github.com/snapfuzz/snapfuzz/pkg/stats"
)

// JobHandler runs one dispatched job's fuzzing work against the bundle
// unpacked at jobDir and blocks until it stops. The worker only knows how
// to unpack bundles and track status; pkg/harness (wired up by the
// cmd/snapfuzz-worker binary) does the actual fuzzing.
type JobHandler func(ctx context.Context, jobID int64, config json.RawMessage, jobDir string) error

// CrashFetcher returns the crash rows recorded for jobID, ready to embed
// in a CRASH_RESPONSE envelope.
type CrashFetcher func(ctx context.Context, jobID int64) (json.RawMessage, error)

// WorkerConfig configures a dispatch Worker.
type WorkerConfig struct {
	ListenAddr   string
	BundleRoot   string
	TLSCerts     *TLSCertPair
	AuthRequired bool
	AuthStore    *AuthStore
	Handler      JobHandler
	Crashes      CrashFetcher
	Stats        *stats.Collector
}

// Worker listens for controller connections and runs the PUSH_JOB /
// STATUS_REQUEST / CRASH_REQUEST protocol.
type Worker struct {
	cfg       WorkerConfig
	tlsConfig *tls.Config

	mu     sync.Mutex
	status map[int64]string
}

// NewWorker constructs a Worker, generating a self-signed TLS cert if
// cfg.TLSCerts is set and no cert exists yet.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	w := &Worker{cfg: cfg, status: map[int64]string{}}
	if cfg.TLSCerts != nil {
		tlsCfg, err := ServerTLSConfig(*cfg.TLSCerts)
		if err != nil {
			return nil, err
		}
		w.tlsConfig = tlsCfg
	}
	return w, nil
}

// ListenAndServe runs the accept loop until ctx is cancelled.
func (w *Worker) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", w.cfg.ListenAddr, err)
	}
	defer ln.Close()
	log.Logf(0, "dispatch: worker listening on %s", w.cfg.ListenAddr)

	return acceptLoop(ctx, ln.(*net.TCPListener), func(conn net.Conn) {
		w.handleConn(ctx, conn)
	})
}

func (w *Worker) handleConn(ctx context.Context, raw net.Conn) {
	defer raw.Close()

	conn, err := wrapTLS(raw, w.tlsConfig)
	if err != nil {
		log.Logf(0, "dispatch: tls handshake from %s: %v", raw.RemoteAddr(), err)
		w.cfg.Stats.RecordDispatchError("tls")
		return
	}

	conn.SetDeadline(time.Now().Add(dialTimeout))
	env, err := ReadEnvelope(conn)
	if err != nil {
		log.Logf(0, "dispatch: read envelope from %s: %v", conn.RemoteAddr(), err)
		w.cfg.Stats.RecordDispatchError("transport")
		return
	}

	if err := Authenticate(w.cfg.AuthStore, w.cfg.AuthRequired, env.Auth); err != nil {
		log.Logf(0, "dispatch: auth failed from %s: %v", conn.RemoteAddr(), err)
		writeErrorEnvelope(conn, err.Error())
		w.cfg.Stats.RecordDispatchError("auth")
		return
	}

	switch env.Type {
	case TypePushJob:
		w.handlePushJob(ctx, conn, env)
	case TypeStatusRequest:
		w.handleStatusRequest(conn)
	case TypeCrashRequest:
		w.handleCrashRequest(ctx, conn, env)
	default:
		writeErrorEnvelope(conn, fmt.Sprintf("unknown envelope type %q", env.Type))
	}
}

func (w *Worker) handlePushJob(ctx context.Context, conn net.Conn, env *Envelope) {
	jobDir := filepath.Join(w.cfg.BundleRoot, fmt.Sprintf("job-%d-%s", env.JobID, uuid.NewString()))
	if err := osutil.MkdirAll(jobDir); err != nil {
		writeErrorEnvelope(conn, fmt.Sprintf("create job dir: %v", err))
		return
	}

	conn.SetDeadline(time.Now().Add(5 * time.Minute)) // large bundles take longer than the default budget
	if err := ExtractBundle(conn, env.PackageSize, jobDir); err != nil {
		writeErrorEnvelope(conn, fmt.Sprintf("extract bundle: %v", err))
		w.cfg.Stats.RecordDispatchJob("error")
		return
	}
	w.cfg.Stats.RecordDispatchJob("ack")

	w.setStatus(env.JobID, "running")
	go func() {
		err := w.cfg.Handler(ctx, env.JobID, env.Config, jobDir)
		if err != nil {
			log.Logf(0, "dispatch: job %d exited: %v", env.JobID, err)
			w.setStatus(env.JobID, "stopped")
		} else {
			w.setStatus(env.JobID, "completed")
		}
	}()

	if err := WriteAck(conn); err != nil {
		log.Logf(0, "dispatch: write ack for job %d: %v", env.JobID, err)
	}
}

func (w *Worker) handleStatusRequest(conn net.Conn) {
	w.mu.Lock()
	statuses := make(map[int64]string, len(w.status))
	for k, v := range w.status {
		statuses[k] = v
	}
	w.mu.Unlock()
	WriteEnvelope(conn, &Envelope{Type: TypeStatusResponse, Statuses: statuses})
}

func (w *Worker) handleCrashRequest(ctx context.Context, conn net.Conn, env *Envelope) {
	if w.cfg.Crashes == nil {
		writeErrorEnvelope(conn, "no crash store configured")
		return
	}
	crashes, err := w.cfg.Crashes(ctx, env.JobID)
	if err != nil {
		writeErrorEnvelope(conn, fmt.Sprintf("read crashes: %v", err))
		return
	}
	WriteEnvelope(conn, &Envelope{Type: TypeCrashResponse, JobID: env.JobID, Crashes: crashes})
}

func (w *Worker) setStatus(jobID int64, status string) {
	w.mu.Lock()
	w.status[jobID] = status
	w.mu.Unlock()
}
