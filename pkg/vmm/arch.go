// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

// Package vmm spawns and controls the full-system emulator processes that
// back each fuzzing VM: arch-specific command-line construction, free-port
// allocation, the monitor protocol used for fast snapshot revert, and the
// process lifecycle (spawn, stop, status refresh).
package vmm

import "fmt"

// ArchInfo describes one supported guest architecture: which emulator
// binary to invoke, the GDB architecture tag its debug stub expects (which
// pkg/debugstub renders as the architecture-select line of its batch
// script), and the register layout word size/endianness.
type ArchInfo struct {
	Binary     string
	GDBArch    string
	WordSize   int
	BigEndian  bool
	// IPRegister is the register name `info registers` uses for the
	// instruction pointer on this architecture, consulted by the crash
	// pipeline's no-sanitizer exploitability fallback.
	IPRegister string
}

var archTable = map[string]ArchInfo{
	"x86_64":  {Binary: "qemu-system-x86_64", GDBArch: "i386:x86-64", WordSize: 8, BigEndian: false, IPRegister: "rip"},
	"i386":    {Binary: "qemu-system-i386", GDBArch: "i386", WordSize: 4, BigEndian: false, IPRegister: "eip"},
	"aarch64": {Binary: "qemu-system-aarch64", GDBArch: "aarch64", WordSize: 8, BigEndian: false, IPRegister: "pc"},
	"arm":     {Binary: "qemu-system-arm", GDBArch: "arm", WordSize: 4, BigEndian: false, IPRegister: "pc"},
	"riscv64": {Binary: "qemu-system-riscv64", GDBArch: "riscv:rv64", WordSize: 8, BigEndian: false, IPRegister: "pc"},
	"mips64":  {Binary: "qemu-system-mips64", GDBArch: "mips:isa64", WordSize: 8, BigEndian: true, IPRegister: "pc"},
}

// Arch looks up the emulator binary and debug-stub tag for arch.
func Arch(arch string) (ArchInfo, error) {
	info, ok := archTable[arch]
	if !ok {
		return ArchInfo{}, fmt.Errorf("unsupported architecture %q", arch)
	}
	return info, nil
}
