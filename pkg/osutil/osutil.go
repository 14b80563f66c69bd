// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

// Package osutil collects the small OS-facing helpers shared by the
// config/registry, emulator manager, and resource accountant: atomic file
// writes, free-port discovery, and liveness checks on other processes.
package osutil

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// MkdirAll creates dir and all missing parents, tolerating an already
// existing directory.
func MkdirAll(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// WriteFileAtomic writes data to path by first writing to a temp file in the
// same directory, then renaming it into place. This avoids readers ever
// observing a half-written file, which matters for the config/registry JSON
// documents that are read without a lock.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file into place: %w", err)
	}
	return nil
}

// FreePort picks an unused TCP port by binding to port 0 and immediately
// closing the listener (the "bind-to-0 and close" trick). There is an
// inherent TOCTOU race: something else may grab the port before the caller
// uses it. Callers that need several distinct ports in one go should prefer
// FreePorts, which holds all the listeners open until every port is chosen.
func FreePort() (int, error) {
	ports, err := FreePorts(1)
	if err != nil {
		return 0, err
	}
	return ports[0], nil
}

// FreePorts returns n distinct currently-free TCP ports.
func FreePorts(n int) ([]int, error) {
	var listeners []net.Listener
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()
	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("failed to bind ephemeral port: %w", err)
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}

// ProcessAlive reports whether pid refers to a live process, using a
// zero-signal kill(2) probe. It never returns an error for "not alive";
// any failure to send the probe (including ESRCH) is treated as dead.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// KillWait sends SIGTERM to pid, waits up to grace for it to exit on its
// own, and escalates to SIGKILL if it is still alive afterward. It is the
// Go equivalent of the manager's "stop_vm"/debugger-timeout shutdown
// sequence: terminate politely, then insist.
func KillWait(pid int, grace time.Duration) {
	if !ProcessAlive(pid) {
		return
	}
	syscall.Kill(pid, syscall.SIGTERM)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !ProcessAlive(pid) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	if ProcessAlive(pid) {
		syscall.Kill(pid, syscall.SIGKILL)
	}
}
