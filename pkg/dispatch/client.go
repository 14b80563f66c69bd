// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package dispatch

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/snapfuzz/snapfuzz/pkg/log"
)

// dialTimeout bounds every blocking dispatch connection attempt.
const dialTimeout = 10 * time.Second

// ClientConfig configures how a controller reaches one worker.
type ClientConfig struct {
	WorkerAddr   string
	TLS          bool
	Auth         *Auth
	ShowProgress bool
}

func dial(addr string, useTLS bool) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial worker %s: %w", addr, err)
	}
	if useTLS {
		tconn := tls.Client(conn, ClientTLSConfig())
		tconn.SetDeadline(time.Now().Add(dialTimeout))
		if err := tconn.Handshake(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		return tconn, nil
	}
	return conn, nil
}

// PushJob sends the already-built bundle archive at bundlePath for
// jobID/config to the worker at cfg.WorkerAddr and waits
// for the three-byte ACK.
func PushJob(cfg ClientConfig, jobID int64, jobConfig any, bundlePath string) error {
	conn, err := dial(cfg.WorkerAddr, cfg.TLS)
	if err != nil {
		return err
	}
	defer conn.Close()

	info, err := os.Stat(bundlePath)
	if err != nil {
		return fmt.Errorf("stat bundle: %w", err)
	}
	configJSON, err := json.Marshal(jobConfig)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}

	env := &Envelope{
		Type: TypePushJob, CorrelationID: uuid.NewString(), JobID: jobID,
		Config: configJSON, PackageSize: info.Size(), Auth: cfg.Auth,
	}
	if err := WriteEnvelope(conn, env); err != nil {
		return err
	}

	f, err := os.Open(bundlePath)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()

	var dst io.Writer = conn
	if cfg.ShowProgress {
		bar := progressbar.DefaultBytes(info.Size(), fmt.Sprintf("pushing job %d", jobID))
		dst = io.MultiWriter(conn, bar)
	}
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("stream bundle: %w", err)
	}

	if err := ReadAck(conn); err != nil {
		return fmt.Errorf("push_job %d to %s: %w", jobID, cfg.WorkerAddr, err)
	}
	log.Logf(0, "dispatch: pushed job %d to %s (%d bytes)", jobID, cfg.WorkerAddr, info.Size())
	return nil
}

// RequestStatus asks a worker for its live job status map.
func RequestStatus(cfg ClientConfig) (map[int64]string, error) {
	conn, err := dial(cfg.WorkerAddr, cfg.TLS)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := WriteEnvelope(conn, &Envelope{Type: TypeStatusRequest, CorrelationID: uuid.NewString(), Auth: cfg.Auth}); err != nil {
		return nil, err
	}
	resp, err := ReadEnvelope(conn)
	if err != nil {
		return nil, err
	}
	if resp.Type == TypeError {
		return nil, fmt.Errorf("status_request to %s: %s", cfg.WorkerAddr, resp.Message)
	}
	return resp.Statuses, nil
}

// RequestCrashes pulls every crash row the worker's store has for jobID
// back to the controller.
func RequestCrashes(cfg ClientConfig, jobID int64) (json.RawMessage, error) {
	conn, err := dial(cfg.WorkerAddr, cfg.TLS)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := WriteEnvelope(conn, &Envelope{Type: TypeCrashRequest, CorrelationID: uuid.NewString(), JobID: jobID, Auth: cfg.Auth}); err != nil {
		return nil, err
	}
	resp, err := ReadEnvelope(conn)
	if err != nil {
		return nil, err
	}
	if resp.Type == TypeError {
		return nil, fmt.Errorf("crash_request for job %d to %s: %s", jobID, cfg.WorkerAddr, resp.Message)
	}
	return resp.Crashes, nil
}

// RegisterWithController announces this worker's address and capacity to
// the controller once at startup (WORKER_REGISTER).
func RegisterWithController(controllerAddr string, useTLS bool, workerAddr string, capacity int) error {
	conn, err := dial(controllerAddr, useTLS)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := WriteEnvelope(conn, &Envelope{Type: TypeWorkerRegister, WorkerAddr: workerAddr, Capacity: capacity}); err != nil {
		return err
	}
	return ReadAck(conn)
}
