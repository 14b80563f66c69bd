// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package replay

import (
	"archive/zip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snapfuzz/snapfuzz/pkg/store"
)

func writeTestArchive(t *testing.T, info crashInfoDoc, testCase []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crash.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	infoJSON, err := json.Marshal(info)
	require.NoError(t, err)

	w, err := zw.Create("crash_info.json")
	require.NoError(t, err)
	_, err = w.Write(infoJSON)
	require.NoError(t, err)

	w, err = zw.Create("testcase/fuzz_input.bin")
	require.NoError(t, err)
	_, err = w.Write(testCase)
	require.NoError(t, err)

	w, err = zw.Create("shared/log.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("unrelated"))
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	return path
}

func TestExtractArchive(t *testing.T) {
	archivePath := writeTestArchive(t, crashInfoDoc{
		JobID:     7,
		Signature: "buffer_overflow:abc123",
		KindTag:   "buffer_overflow",
	}, []byte("AAAA"))

	scratchDir := t.TempDir()
	info, testCasePath, err := extractArchive(archivePath, scratchDir)
	require.NoError(t, err)
	require.Equal(t, 7, info.JobID)
	require.Equal(t, "buffer_overflow:abc123", info.Signature)
	require.FileExists(t, testCasePath)

	data, err := os.ReadFile(testCasePath)
	require.NoError(t, err)
	require.Equal(t, "AAAA", string(data))

	require.NoFileExists(t, filepath.Join(scratchDir, "log.txt"))
}

func TestIsTestCaseMember(t *testing.T) {
	require.True(t, isTestCaseMember("testcase/fuzz_input.bin"))
	require.False(t, isTestCaseMember("crash_info.json"))
	require.False(t, isTestCaseMember("shared/log.txt"))
}

func TestArchFromFuzzerConfig(t *testing.T) {
	job := &store.Job{FuzzerConfig: json.RawMessage(`{"arch":"aarch64","seed_dir":"/corpus"}`)}
	require.Equal(t, "aarch64", archFromFuzzerConfig(job))

	empty := &store.Job{}
	require.Equal(t, "", archFromFuzzerConfig(empty))
}

func TestReconstructFromArchiveMetadataOnly(t *testing.T) {
	archivePath := writeTestArchive(t, crashInfoDoc{
		JobID:        3,
		KindTag:      "kernel_crash:SIGSEGV",
		DiskImage:    "/images/target.qcow2",
		SnapshotName: "clean",
		Arch:         "x86_64",
	}, []byte("BBBB"))

	rec, err := reconstruct(context.Background(), Config{}, Target{ArchivePath: archivePath}, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "/images/target.qcow2", rec.diskImage)
	require.Equal(t, "clean", rec.snapshotName)
	require.Equal(t, "x86_64", rec.arch)
	require.FileExists(t, rec.testCasePath)
}

func TestReconstructFailsWithoutDiskMetadata(t *testing.T) {
	archivePath := writeTestArchive(t, crashInfoDoc{JobID: 4}, []byte("CCCC"))
	_, err := reconstruct(context.Background(), Config{}, Target{ArchivePath: archivePath}, t.TempDir())
	require.Error(t, err)
}
