// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package crashpipeline

import (
	"regexp"
	"strings"
)

// Severity is a human-facing triage priority.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Exploitability is the estimated attacker value of a crash.
type Exploitability string

const (
	ExploitHigh    Exploitability = "HIGH"
	ExploitMedium  Exploitability = "MEDIUM"
	ExploitLow     Exploitability = "LOW"
	ExploitUnknown Exploitability = "UNKNOWN"
)

// SanitizerKind names the sanitizer family that produced a report.
type SanitizerKind string

const (
	SanitizerASan  SanitizerKind = "asan"
	SanitizerTSan  SanitizerKind = "tsan"
	SanitizerMSan  SanitizerKind = "msan"
	SanitizerUBSan SanitizerKind = "ubsan"
	SanitizerLSan  SanitizerKind = "lsan"
)

// SanitizerReport is the parsed subset of a sanitizer's crash banner.
type SanitizerReport struct {
	Kind           SanitizerKind
	ErrorType      string
	Address        string
	AccessKind     string // "read" or "write"
	AccessSize     int
	ThreadInfo     string
	ShadowBytes    string
	Frames         []Frame
	Severity       Severity
	Exploitability Exploitability
	Raw            string
}

var (
	asanBanner  = regexp.MustCompile(`ERROR: AddressSanitizer: (\S+)`)
	tsanBanner  = regexp.MustCompile(`WARNING: ThreadSanitizer: (.+)`)
	msanBanner  = regexp.MustCompile(`ERROR: MemorySanitizer: (\S+)`)
	ubsanBanner = regexp.MustCompile(`runtime error: (.+)`)
	lsanBanner  = regexp.MustCompile(`ERROR: LeakSanitizer: (\S+)`)

	asanAddrRe   = regexp.MustCompile(`(READ|WRITE) of size (\d+) at (0x[0-9a-fA-F]+)`)
	asanThreadRe = regexp.MustCompile(`(T\d+|main thread)`)
	sanFrameRe   = regexp.MustCompile(`#\d+\s+0x[0-9a-fA-F]+ in (\S+) (.+?):(\d+)`)
)

// ParseSanitizerReport detects and parses a sanitizer banner in raw output,
// returning nil if none of the known banners are present.
func ParseSanitizerReport(raw string) *SanitizerReport {
	switch {
	case strings.Contains(raw, "ERROR: AddressSanitizer"):
		return parseASan(raw)
	case strings.Contains(raw, "WARNING: ThreadSanitizer"):
		return parseTSan(raw)
	case strings.Contains(raw, "ERROR: MemorySanitizer"):
		return parseMSan(raw)
	case strings.Contains(raw, "ERROR: LeakSanitizer"):
		return parseLSan(raw)
	case strings.Contains(raw, "runtime error:"):
		return parseUBSan(raw)
	}
	return nil
}

func parseASan(raw string) *SanitizerReport {
	r := &SanitizerReport{Kind: SanitizerASan, Raw: raw}
	if m := asanBanner.FindStringSubmatch(raw); m != nil {
		r.ErrorType = m[1]
	}
	if m := asanAddrRe.FindStringSubmatch(raw); m != nil {
		r.AccessKind = strings.ToLower(m[1])
		r.Address = m[3]
	}
	r.Frames = extractSanitizerFrames(raw)
	r.Severity, r.Exploitability = classifyASan(r.ErrorType)
	return r
}

func classifyASan(errType string) (Severity, Exploitability) {
	lower := strings.ToLower(errType)
	switch {
	case strings.Contains(lower, "heap-buffer-overflow"):
		return SeverityCritical, ExploitHigh
	case strings.Contains(lower, "stack-buffer-overflow"), strings.Contains(lower, "global-buffer-overflow"):
		return SeverityCritical, ExploitMedium
	case strings.Contains(lower, "use-after-free"), strings.Contains(lower, "double-free"):
		return SeverityCritical, ExploitHigh
	default:
		return SeverityHigh, ExploitMedium
	}
}

func parseTSan(raw string) *SanitizerReport {
	r := &SanitizerReport{Kind: SanitizerTSan, Raw: raw, Severity: SeverityMedium, Exploitability: ExploitLow}
	if m := tsanBanner.FindStringSubmatch(raw); m != nil {
		r.ErrorType = m[1]
	}
	if m := asanThreadRe.FindStringSubmatch(raw); m != nil {
		r.ThreadInfo = m[1]
	}
	r.Frames = extractSanitizerFrames(raw)
	return r
}

func parseMSan(raw string) *SanitizerReport {
	r := &SanitizerReport{Kind: SanitizerMSan, Raw: raw, Severity: SeverityHigh, Exploitability: ExploitMedium}
	if m := msanBanner.FindStringSubmatch(raw); m != nil {
		r.ErrorType = m[1]
	}
	r.Frames = extractSanitizerFrames(raw)
	return r
}

func parseLSan(raw string) *SanitizerReport {
	r := &SanitizerReport{Kind: SanitizerLSan, Raw: raw, Severity: SeverityLow, Exploitability: ExploitLow}
	if m := lsanBanner.FindStringSubmatch(raw); m != nil {
		r.ErrorType = m[1]
	}
	r.Frames = extractSanitizerFrames(raw)
	return r
}

func parseUBSan(raw string) *SanitizerReport {
	r := &SanitizerReport{Kind: SanitizerUBSan, Raw: raw, Severity: SeverityMedium, Exploitability: ExploitMedium}
	if m := ubsanBanner.FindStringSubmatch(raw); m != nil {
		r.ErrorType = m[1]
	}
	if strings.Contains(strings.ToLower(r.ErrorType), "integer overflow") {
		r.Exploitability = ExploitMedium
	}
	r.Frames = extractSanitizerFrames(raw)
	return r
}

func extractSanitizerFrames(raw string) []Frame {
	var frames []Frame
	for i, m := range sanFrameRe.FindAllStringSubmatch(raw, -1) {
		var line int
		fmtSscanInt(m[3], &line)
		frames = append(frames, Frame{Index: i, Function: m[1], File: m[2], Line: line, HasLine: true})
	}
	return frames
}

func fmtSscanInt(s string, out *int) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return
		}
		n = n*10 + int(c-'0')
	}
	*out = n
}

// signalNameRe and faultAddrRe extract the signal name and, when present,
// the faulting address from raw debugger output.
var (
	signalNameRe = regexp.MustCompile(`Program received signal (\w+)`)
	faultAddrRe  = regexp.MustCompile(`(?:at address|fault address)[:\s]+(0x[0-9a-fA-F]+)`)
)

// ExtractSignalAndAddress implements step 1 of the pipeline: it pulls a
// signal name and an optional faulting address out of raw debugger output.
func ExtractSignalAndAddress(raw string) (signal, address string) {
	if m := signalNameRe.FindStringSubmatch(raw); m != nil {
		signal = m[1]
	}
	if m := faultAddrRe.FindStringSubmatch(raw); m != nil {
		address = m[1]
	}
	return signal, address
}

// classifyNonSanitizer implements the exploitability fallback of step 7:
// used when no sanitizer banner was present.
func classifyNonSanitizer(signal string, instructionPointer uint64) Exploitability {
	switch signal {
	case "SIGSEGV", "SIGILL":
		if instructionPointer == 0x41414141 || instructionPointer == 0x4141414141414141 {
			return ExploitHigh
		}
		if instructionPointer == 0 || instructionPointer < 0x1000 {
			return ExploitLow
		}
		return ExploitMedium
	case "":
		return ExploitUnknown
	default:
		return ExploitUnknown
	}
}
