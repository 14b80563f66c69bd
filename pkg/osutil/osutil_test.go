// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package osutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicCreatesAndReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0o644))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0o644))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got), "a second write must replace the file, not append")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover temp file should remain after a successful rename")
}

func TestFreePortsReturnsDistinctPorts(t *testing.T) {
	ports, err := FreePorts(3)
	require.NoError(t, err)
	require.Len(t, ports, 3)

	seen := map[int]bool{}
	for _, p := range ports {
		assert.Greater(t, p, 0)
		assert.False(t, seen[p], "FreePorts must not return the same port twice")
		seen[p] = true
	}
}

func TestProcessAliveSelf(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
}

func TestProcessAliveDeadPid(t *testing.T) {
	assert.False(t, ProcessAlive(1<<30))
}

func TestProcessAliveRejectsNonPositive(t *testing.T) {
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-1))
}
