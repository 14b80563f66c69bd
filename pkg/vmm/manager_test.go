// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package vmm

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchLookup(t *testing.T) {
	info, err := Arch("x86_64")
	require.NoError(t, err)
	assert.Equal(t, "qemu-system-x86_64", info.Binary)
	assert.Equal(t, 8, info.WordSize)

	_, err = Arch("made-up-arch")
	assert.Error(t, err)
}

func TestBuildArgsIncludesSnapshotAndMonitor(t *testing.T) {
	opts := SpawnOptions{
		DiskImage:    "base.qcow2",
		SnapshotName: "ready",
		ShareDir:     "/tmp/share",
	}
	args := buildArgs(ArchInfo{}, opts, 1234, 5678, 9012, 0)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "file=base.qcow2")
	assert.Contains(t, joined, "-loadvm ready")
	assert.Contains(t, joined, "tcp:127.0.0.1:5678,server,nowait")
	assert.Contains(t, joined, "-gdb tcp::1234")
}

func TestBuildArgsSMBVsVirtFS(t *testing.T) {
	smb := buildArgs(ArchInfo{}, SpawnOptions{DiskImage: "d.qcow2", ShareDir: "/s", ShareBridge: ShareBridgeSMB}, 1, 2, 3, 0)
	assert.Contains(t, strings.Join(smb, " "), "smb=/s")

	virtfs := buildArgs(ArchInfo{}, SpawnOptions{DiskImage: "d.qcow2", ShareDir: "/s", ShareBridge: ShareBridgeVirtFS}, 1, 2, 3, 0)
	assert.Contains(t, strings.Join(virtfs, " "), "mount_tag=share0")
}

func TestContainsErrorKeyword(t *testing.T) {
	assert.True(t, containsErrorKeyword("Error: failed to load VM state"))
	assert.True(t, containsErrorKeyword("unknown command"))
	assert.False(t, containsErrorKeyword("(qemu) "))
}

func TestPPMRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ppmPath := filepath.Join(dir, "shot.ppm")

	var raw bytes.Buffer
	raw.WriteString("P6\n2 2\n255\n")
	raw.Write([]byte{255, 0, 0, 0, 255, 0, 0, 0, 255, 255, 255, 255})
	require.NoError(t, os.WriteFile(ppmPath, raw.Bytes(), 0o644))

	img, err := decodePPM(ppmPath)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 255, G: 0, B: 0, A: 255}, img.At(0, 0))
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, img.At(1, 1))

	dstPath := filepath.Join(dir, "shot.png")
	f, err := os.Create(dstPath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	f.Close()

	decoded, err := os.Open(dstPath)
	require.NoError(t, err)
	defer decoded.Close()
	pngImg, _, err := image.Decode(decoded)
	require.NoError(t, err)
	assert.Equal(t, 2, pngImg.Bounds().Dx())
}
