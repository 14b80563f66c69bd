// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package debugstub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleGDBOutput = `
Continuing.

Program received signal SIGSEGV, Segmentation fault.
0x0000000000401136 in vuln_copy (src=0x4141414141414141 <error: Cannot access memory at address 0x4141414141414141>) at fuzz_target.c:17
17          memcpy(dst, src, n);
#0  0x0000000000401136 in vuln_copy (src=0x4141414141414141) at fuzz_target.c:17
#1  0x0000000000401200 in main (argc=1, argv=0x7fffffffe3c8) at fuzz_target.c:25
rax            0x4141414141414141  4702111234474983745
rip            0x401136            0x401136 <vuln_copy+22>
`

func TestParseDebuggerOutputKernelCrash(t *testing.T) {
	out := parseDebuggerOutput(sampleGDBOutput)
	require.Equal(t, KernelCrash, out.Kind)
	assert.Equal(t, "SIGSEGV", out.Signal)
	require.Len(t, out.Backtrace, 2)
	assert.Equal(t, "vuln_copy", out.Backtrace[0].Function)
	assert.Equal(t, "fuzz_target.c", out.Backtrace[0].File)
	assert.Equal(t, 17, out.Backtrace[0].Line)
	assert.Equal(t, uint64(0x4141414141414141), out.Registers["rax"])
}

func TestParseDebuggerOutputNoCrash(t *testing.T) {
	out := parseDebuggerOutput("Continuing.\n[Inferior 1 (process 1234) exited normally]\n")
	assert.Equal(t, NoCrash, out.Kind)
	assert.Empty(t, out.Backtrace)
}
