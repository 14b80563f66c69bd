// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

// Package testutil collects small helpers shared by the test suites of the
// mutation and learning packages.
package testutil

import (
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/snapfuzz/snapfuzz/pkg/osutil"
)

// RandSource returns a seeded rand.Source, reproducible via the SNAPFUZZ_SEED
// env var (and forced to 0 under CI for deterministic test output).
func RandSource(t *testing.T) rand.Source {
	seed := time.Now().UnixNano()
	if fixed := os.Getenv("SNAPFUZZ_SEED"); fixed != "" {
		seed, _ = strconv.ParseInt(fixed, 0, 64)
	}
	if os.Getenv("CI") != "" {
		seed = 0
	}
	t.Logf("seed=%v", seed)
	return rand.NewSource(seed)
}

// RandBlob returns a random byte slice up to maxLen bytes, useful for
// generating synthetic corpus seeds in mutation engine tests.
func RandBlob(r *rand.Rand, maxLen int) []byte {
	n := r.Intn(maxLen)
	b := make([]byte, n)
	r.Read(b)
	return b
}

// DirectoryLayout creates the directories and empty files named by paths
// (relative to base); a path ending in a separator creates a directory.
// Used to stand up fake share-directories and corpus trees in tests.
func DirectoryLayout(t *testing.T, base string, paths []string) {
	for _, path := range paths {
		full := filepath.Join(base, filepath.FromSlash(path))
		if err := osutil.MkdirAll(filepath.Dir(full)); err != nil {
			t.Fatal(err)
		}
		if path != "" && path[len(path)-1] != filepath.Separator {
			if err := os.WriteFile(full, nil, 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
}
