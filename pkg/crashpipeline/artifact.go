// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package crashpipeline

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/snapfuzz/snapfuzz/pkg/osutil"
)

// crashInfoDoc is the JSON summary embedded in every crash artifact. The
// disk image/snapshot/arch triple makes a standalone archive replayable
// without access to the store that recorded the crash.
type crashInfoDoc struct {
	JobID          int            `json:"job_id"`
	Signature      string         `json:"signature"`
	StackHash      string         `json:"stack_hash"`
	KindTag        string         `json:"kind_tag"`
	Detail         string         `json:"detail"`
	Severity       Severity       `json:"severity"`
	Exploitability Exploitability `json:"exploitability"`
	Signal         string         `json:"signal"`
	CrashAddress   string         `json:"crash_address,omitempty"`
	SanitizerKind  SanitizerKind  `json:"sanitizer_kind,omitempty"`
	DiskImage      string         `json:"disk_image,omitempty"`
	SnapshotName   string         `json:"snapshot_name,omitempty"`
	Arch           string         `json:"arch,omitempty"`
}

// PackageArtifact writes a zip at crashDir/crash_<job>_<timestamp>.zip per
// crash_info.json, the offending test case, the VM share
// directory's contents, backtrace.txt, and (when applicable) the sanitizer
// report in both text and JSON form.
func PackageArtifact(crashDir string, crash *Crash, shareDir string, timestamp int64) (string, error) {
	if err := osutil.MkdirAll(crashDir); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}
	archivePath := filepath.Join(crashDir, fmt.Sprintf("crash_%d_%d.zip", crash.JobID, timestamp))

	f, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("create crash archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	defer zw.Close()

	info := crashInfoDoc{
		JobID: crash.JobID, Signature: crash.Signature, StackHash: crash.StackHash,
		KindTag: crash.KindTag, Detail: crash.Detail, Severity: crash.Severity,
		Exploitability: crash.Exploitability, Signal: crash.Signal,
		CrashAddress: crash.CrashAddress, SanitizerKind: crash.SanitizerKind,
		DiskImage: crash.DiskImage, SnapshotName: crash.SnapshotName, Arch: crash.Arch,
	}
	infoJSON, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash_info.json: %w", err)
	}
	if err := writeZipEntry(zw, "crash_info.json", infoJSON); err != nil {
		return "", err
	}

	if crash.TestCasePath != "" {
		zipPath := filepath.Join("testcase", filepath.Base(crash.TestCasePath))
		if err := addFileToZip(zw, crash.TestCasePath, zipPath); err != nil {
			return "", fmt.Errorf("add test case to archive: %w", err)
		}
	}

	if shareDir != "" {
		if err := addDirToZip(zw, shareDir, "shared"); err != nil {
			return "", fmt.Errorf("add share directory to archive: %w", err)
		}
	}

	backtrace := renderBacktrace(crash.Backtrace)
	if err := writeZipEntry(zw, "backtrace.txt", []byte(backtrace)); err != nil {
		return "", err
	}

	if crash.RawOutput != "" {
		if err := writeZipEntry(zw, "gdb_output.txt", []byte(crash.RawOutput)); err != nil {
			return "", err
		}
	}

	if crash.SanitizerKind != "" {
		if err := writeZipEntry(zw, "sanitizer_report.txt", []byte(crash.SanitizerRaw)); err != nil {
			return "", err
		}
		sanJSON, err := json.MarshalIndent(map[string]any{
			"kind":   crash.SanitizerKind,
			"detail": crash.Detail,
		}, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal sanitizer_report.json: %w", err)
		}
		if err := writeZipEntry(zw, "sanitizer_report.json", sanJSON); err != nil {
			return "", err
		}
	}

	return archivePath, nil
}

func renderBacktrace(frames []Frame) string {
	var b strings.Builder
	for _, f := range frames {
		fmt.Fprintf(&b, "#%d %s@%s\n", f.Index, f.Function, f.File)
	}
	return b.String()
}

func writeZipEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create zip entry %s: %w", name, err)
	}
	_, err = w.Write(data)
	return err
}

func addFileToZip(zw *zip.Writer, srcPath, zipPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	return writeZipEntry(zw, zipPath, data)
}

func addDirToZip(zw *zip.Writer, dir, prefix string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w, err := zw.Create(filepath.Join(prefix, rel))
		if err != nil {
			return err
		}
		_, err = io.Copy(w, f)
		return err
	})
}
