// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

// Package log provides the leveled, plain-text logging used throughout the
// orchestrator: a single verbosity knob, no structured sinks, no handlers.
package log

import (
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
)

var (
	verbose  int32
	mu       sync.Mutex
	toStderr = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)
)

// SetVerbose sets the process-wide verbosity level. Logf calls at or below
// this level are printed; the rest are dropped cheaply.
func SetVerbose(v int) {
	atomic.StoreInt32(&verbose, int32(v))
}

// V reports whether level v is currently enabled, for callers that want to
// skip expensive formatting work entirely.
func V(v int) bool {
	return int32(v) <= atomic.LoadInt32(&verbose)
}

// Logf prints a leveled message if the current verbosity allows it.
func Logf(level int, format string, args ...any) {
	if !V(level) {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	toStderr.Output(2, fmt.Sprintf(format, args...)) //nolint:errcheck
}

// Errorf always prints, regardless of verbosity, and does not exit.
func Errorf(format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	toStderr.Output(2, "ERROR: "+fmt.Sprintf(format, args...)) //nolint:errcheck
}

// Fatalf prints an unconditional message and terminates the process.
func Fatalf(format string, args ...any) {
	mu.Lock()
	toStderr.Output(2, "FATAL: "+fmt.Sprintf(format, args...)) //nolint:errcheck
	mu.Unlock()
	os.Exit(1)
}
