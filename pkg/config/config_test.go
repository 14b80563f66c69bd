// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, body string) string {
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsAndExtra(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, `{
		"max_parallel_vms": 4,
		"arch": "x86_64",
		"disk_image": "base.qcow2",
		"snapshot_name": "ready",
		"use_vfs": true,
		"some_future_key": "kept"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxParallelVMs)
	assert.Equal(t, "x86_64", cfg.Arch)
	assert.Equal(t, 60, cfg.Timeout, "default timeout should be filled in")
	assert.Equal(t, ShareTransportVFS, cfg.Transport())
	assert.Contains(t, cfg.Extra, "some_future_key")
}

func TestValidateRejectsConflictingTransports(t *testing.T) {
	c := defaults()
	c.DiskImage = "x.qcow2"
	c.UseVFS = true
	c.UseSMB = true
	assert.Error(t, c.Validate())
}

func TestValidateRequiresDiskImage(t *testing.T) {
	c := defaults()
	assert.Error(t, c.Validate())
}

func TestRegistryAddGetRemove(t *testing.T) {
	dir := t.TempDir()
	path := RegistryPath(dir)

	r, err := OpenRegistry(path)
	require.NoError(t, err)

	id1, err := r.AddVM(&VMRecord{PID: 111, Arch: "x86_64", Status: VMRunning})
	require.NoError(t, err)
	assert.Equal(t, 1, id1)

	id2, err := r.AddVM(&VMRecord{PID: 222, Arch: "x86_64", Status: VMRunning})
	require.NoError(t, err)
	assert.Equal(t, 2, id2, "ids must be monotonic and never reused")

	rec, ok := r.Get(id1)
	require.True(t, ok)
	assert.Equal(t, 111, rec.PID)

	require.NoError(t, r.RemoveVM(id1))
	_, ok = r.Get(id1)
	assert.False(t, ok)

	require.NoError(t, r.RemoveVM(id1), "removing an absent id is a no-op")

	// Reopen to confirm persistence and that the id counter survived.
	r2, err := OpenRegistry(path)
	require.NoError(t, err)
	id3, err := r2.AddVM(&VMRecord{PID: 333, Status: VMRunning})
	require.NoError(t, err)
	assert.Equal(t, 3, id3, "the id counter must persist across reopen, never reusing id 1")
}

func TestRegistryUpdateVM(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenRegistry(RegistryPath(dir))
	require.NoError(t, err)

	id, err := r.AddVM(&VMRecord{PID: 1, Status: VMRunning})
	require.NoError(t, err)

	require.NoError(t, r.UpdateVM(id, func(rec *VMRecord) {
		rec.CurrentTest = "seed-0042"
	}))

	rec, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, "seed-0042", rec.CurrentTest)

	assert.Error(t, r.UpdateVM(id+1, func(*VMRecord) {}))
}

func TestRegistryRefreshStatus(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenRegistry(RegistryPath(dir))
	require.NoError(t, err)

	id, err := r.AddVM(&VMRecord{PID: 99999, Status: VMRunning})
	require.NoError(t, err)

	require.NoError(t, r.RefreshStatus(func(pid int) bool { return false }))

	rec, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, VMStopped, rec.Status)
}
