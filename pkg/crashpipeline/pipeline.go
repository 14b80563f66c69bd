// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package crashpipeline

import (
	"fmt"
)

// Crash is the fully triaged result of running one debug-stub outcome
// through the pipeline, ready for storage.
type Crash struct {
	JobID          int
	TestCasePath   string
	KindTag        string
	Detail         string
	Signature      string
	StackHash      string
	Exploitability Exploitability
	Severity       Severity
	Backtrace      []Frame
	CrashAddress   string
	Signal         string
	SanitizerKind  SanitizerKind
	SanitizerRaw   string
	RawOutput      string
	IsUnique       bool
	DuplicateCount int

	// DiskImage/SnapshotName/Arch describe the VM the crash was found on.
	// They ride along into the artifact's crash_info.json so a standalone
	// archive is replayable without the originating store.
	DiskImage    string
	SnapshotName string
	Arch         string
}

// Outcome is the minimal input the pipeline needs from the debug-stub
// driver: raw combined output and its already-parsed backtrace.
type Outcome struct {
	RawOutput          string
	Backtrace          []Frame
	InstructionPointer uint64
	KindTag            string
}

// StackDepth controls how many normalized frames are hashed; zero uses
// DefaultStackDepth.
var StackDepth = DefaultStackDepth

// Process runs the triage pipeline over a debug-stub outcome,
// producing a Crash ready for deduplication and packaging. Dedup insertion
// itself is the caller's job (pkg/store), since only it can serialize
// concurrent writers.
func Process(jobID int, testCasePath string, outcome Outcome) *Crash {
	signal, address := ExtractSignalAndAddress(outcome.RawOutput)

	var filtered []Frame
	for _, f := range outcome.Backtrace {
		if !IsSystemFrame(f) {
			filtered = append(filtered, f)
		}
	}

	stackHash := StackHash(filtered, StackDepth)
	signature := Signature(stackHash, outcome.KindTag)

	crash := &Crash{
		JobID:        jobID,
		TestCasePath: testCasePath,
		KindTag:      outcome.KindTag,
		Signature:    signature,
		StackHash:    stackHash,
		Backtrace:    filtered,
		CrashAddress: address,
		Signal:       signal,
		RawOutput:    outcome.RawOutput,
	}

	if report := ParseSanitizerReport(outcome.RawOutput); report != nil {
		crash.SanitizerKind = report.Kind
		crash.SanitizerRaw = report.Raw
		crash.Severity = report.Severity
		crash.Exploitability = report.Exploitability
		crash.Detail = report.ErrorType
		if len(crash.Backtrace) == 0 {
			crash.Backtrace = report.Frames
		}
	} else {
		crash.Exploitability = classifyNonSanitizer(signal, outcome.InstructionPointer)
		crash.Severity = severityForExploitability(crash.Exploitability)
		crash.Detail = fmt.Sprintf("signal %s at %s", signal, address)
	}

	return crash
}

func severityForExploitability(e Exploitability) Severity {
	switch e {
	case ExploitHigh:
		return SeverityCritical
	case ExploitMedium:
		return SeverityMedium
	case ExploitLow:
		return SeverityLow
	default:
		return SeverityLow
	}
}
