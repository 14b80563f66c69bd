// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

// Package crashpipeline turns a raw debug-stub outcome into a deduplicated,
// triaged Crash record: backtrace normalization, stack hashing, sanitizer
// report parsing, exploitability/severity estimation, and artifact
// packaging.
package crashpipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

// Frame mirrors the debug-stub driver's parsed backtrace entry.
type Frame struct {
	Index    int
	Function string
	File     string
	Line     int
	HasLine  bool
}

var (
	systemLibPaths = []string{
		"/lib/", "/usr/lib/", "libc", "libpthread", "libstdc++", "ld-linux", "linux-vdso",
	}
	systemFuncPrefixes = []string{"__", "_dl_", "_IO_", "std::", "__gnu_cxx::"}

	addrSuffixRe     = regexp.MustCompile(`\s*\(0x[0-9a-fA-F]+\)`)
	compilerSuffixRe = regexp.MustCompile(`\.(clone|cold|isra|constprop|part)\.\d+`)
)

// DefaultStackDepth is the default number of normalized frames hashed.
const DefaultStackDepth = 10

// IsSystemFrame reports whether frame belongs to a well-known system
// library or function prefix and should be excluded from hashing.
func IsSystemFrame(f Frame) bool {
	for _, p := range systemLibPaths {
		if strings.Contains(f.File, p) {
			return true
		}
	}
	for _, p := range systemFuncPrefixes {
		if strings.HasPrefix(f.Function, p) {
			return true
		}
	}
	return false
}

// NormalizeFrame renders a frame as "function@file" with addresses,
// compiler suffixes, and template parameters stripped, and the file
// reduced to its basename. Line numbers are intentionally excluded: they
// shift across recompiles without the crash itself changing.
func NormalizeFrame(f Frame) string {
	fn := f.Function
	if fn == "" {
		fn = "??"
	}
	fn = addrSuffixRe.ReplaceAllString(fn, "")
	fn = compilerSuffixRe.ReplaceAllString(fn, "")
	fn = normalizeTemplates(fn)

	file := f.File
	if file == "" {
		file = "??"
	} else {
		file = filepath.Base(file)
	}
	return fn + "@" + file
}

// normalizeTemplates collapses every top-level "<...>" bracket group to the
// single token "<T>", regardless of nesting, so that template instantiations
// like vector<int, allocator<int>> and vector<long> normalize identically.
func normalizeTemplates(fn string) string {
	var b strings.Builder
	depth := 0
	for _, r := range fn {
		switch r {
		case '<':
			if depth == 0 {
				b.WriteString("<T>")
			}
			depth++
		case '>':
			if depth > 0 {
				depth--
			}
		default:
			if depth == 0 {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// StackHash computes the SHA-256 over the first depth normalized,
// non-system frames joined by "||". An empty (post-filter) stack hashes the
// literal "empty_stack".
func StackHash(frames []Frame, depth int) string {
	if depth <= 0 {
		depth = DefaultStackDepth
	}
	var normalized []string
	for _, f := range frames {
		if IsSystemFrame(f) {
			continue
		}
		normalized = append(normalized, NormalizeFrame(f))
		if len(normalized) >= depth {
			break
		}
	}
	if len(normalized) == 0 {
		return sha256Hex([]byte("empty_stack"))
	}
	return sha256Hex([]byte(strings.Join(normalized, "||")))
}

// Signature combines a kind tag with the stack hash when the kind is
// known; otherwise it is the stack hash directly.
func Signature(stackHash, kindTag string) string {
	if kindTag == "" {
		return stackHash
	}
	return sha256Hex([]byte(kindTag + "_" + stackHash))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
