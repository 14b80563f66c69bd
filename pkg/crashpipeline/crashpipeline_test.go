// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package crashpipeline

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStackHashStableAcrossLineNumbers(t *testing.T) {
	bt1 := []Frame{
		{Function: "vulnerable_func", File: "/home/user/project/main.c", Line: 42, HasLine: true},
		{Function: "process_input", File: "/home/user/project/input.c", Line: 156, HasLine: true},
	}
	bt2 := []Frame{
		{Function: "vulnerable_func", File: "/home/user/project/main.c", Line: 45, HasLine: true},
		{Function: "process_input", File: "/home/user/project/input.c", Line: 160, HasLine: true},
	}
	assert.Equal(t, StackHash(bt1, 10), StackHash(bt2, 10), "line numbers must not affect the stack hash")
}

func TestStackHashDiffersForDifferentStacks(t *testing.T) {
	bt1 := []Frame{{Function: "a", File: "x.c"}}
	bt2 := []Frame{{Function: "b", File: "y.c"}}
	assert.NotEqual(t, StackHash(bt1, 10), StackHash(bt2, 10))
}

func TestStackHashEmptyStack(t *testing.T) {
	assert.Equal(t, StackHash(nil, 10), StackHash([]Frame{}, 10))
	// System-only frames also collapse to the empty-stack hash.
	systemOnly := []Frame{{Function: "__libc_start_main", File: "/usr/lib/libc.so.6"}}
	assert.Equal(t, StackHash(nil, 10), StackHash(systemOnly, 10))
}

func TestNormalizeFrameStripsAddressesAndTemplates(t *testing.T) {
	f := Frame{Function: "foo (0x12345) <std::vector<int, std::allocator<int>>>", File: "/a/b/c.cpp"}
	got := NormalizeFrame(f)
	assert.Equal(t, "foo <T>@c.cpp", got)
}

func TestSignatureUsesKindTagWhenKnown(t *testing.T) {
	hash := "deadbeef"
	assert.Equal(t, hash, Signature(hash, ""))
	assert.NotEqual(t, hash, Signature(hash, "heap-overflow"))
}

func TestParseSanitizerReportASan(t *testing.T) {
	raw := `==123==ERROR: AddressSanitizer: heap-buffer-overflow on address 0x602000000010
READ of size 4 at 0x602000000010 thread T0
    #0 0x401234 in vuln_copy /src/fuzz.c:17
    #1 0x401300 in main /src/fuzz.c:25
`
	report := ParseSanitizerReport(raw)
	require.NotNil(t, report)
	assert.Equal(t, SanitizerASan, report.Kind)
	assert.Equal(t, "heap-buffer-overflow", report.ErrorType)
	assert.Equal(t, "read", report.AccessKind)
	assert.Equal(t, SeverityCritical, report.Severity)
	assert.Equal(t, ExploitHigh, report.Exploitability)
	require.Len(t, report.Frames, 2)
}

func TestParseSanitizerReportNoBanner(t *testing.T) {
	assert.Nil(t, ParseSanitizerReport("Program received signal SIGSEGV"))
}

func TestClassifyNonSanitizerFingerprint(t *testing.T) {
	assert.Equal(t, ExploitHigh, classifyNonSanitizer("SIGSEGV", 0x41414141))
	assert.Equal(t, ExploitLow, classifyNonSanitizer("SIGSEGV", 0))
	assert.Equal(t, ExploitMedium, classifyNonSanitizer("SIGSEGV", 0x7fff0000))
	assert.Equal(t, ExploitUnknown, classifyNonSanitizer("SIGALRM", 0x1234))
}

func TestProcessEndToEndNoSanitizer(t *testing.T) {
	outcome := Outcome{
		RawOutput:          "Program received signal SIGSEGV, Segmentation fault.",
		InstructionPointer: 0x41414141,
		Backtrace: []Frame{
			{Function: "vuln", File: "fuzz.c", Line: 10},
		},
	}
	crash := Process(7, "/tmp/tc1", outcome)
	assert.Equal(t, 7, crash.JobID)
	assert.Equal(t, "SIGSEGV", crash.Signal)
	assert.Equal(t, ExploitHigh, crash.Exploitability)
	assert.NotEmpty(t, crash.StackHash)
	assert.NotEmpty(t, crash.Signature)
}

func TestPackageArtifactContainsExpectedEntries(t *testing.T) {
	dir := t.TempDir()
	tcPath := filepath.Join(dir, "testcase.bin")
	require.NoError(t, os.WriteFile(tcPath, []byte("AAAA"), 0o644))

	shareDir := filepath.Join(dir, "share")
	require.NoError(t, os.MkdirAll(shareDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(shareDir, "log.txt"), []byte("hi"), 0o644))

	crash := &Crash{
		JobID: 1, TestCasePath: tcPath, Signature: "sig", StackHash: "hash",
		Backtrace: []Frame{{Function: "f", File: "a.c"}},
		RawOutput: "Program received signal SIGSEGV",
	}
	crashDir := filepath.Join(dir, "crashes")
	archivePath, err := PackageArtifact(crashDir, crash, shareDir, 1234567890)
	require.NoError(t, err)
	assert.FileExists(t, archivePath)

	zr, err := zip.OpenReader(archivePath)
	require.NoError(t, err)
	defer zr.Close()

	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["crash_info.json"])
	assert.True(t, names["backtrace.txt"])
	assert.True(t, names["gdb_output.txt"])
	assert.True(t, names[filepath.Join("testcase", "testcase.bin")])
	assert.True(t, names[filepath.Join("shared", "log.txt")])
	assert.False(t, names["sanitizer_report.txt"], "no sanitizer report for a plain signal crash")
}
