// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package dispatch

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/osutil"
)

// BuildBundle packages diskImage and every file under corpusDir into a
// gzipped tar archive written to dstPath. Corpus members are
// individually zstd-compressed before being tarred, exercising a second
// compression codec for the part of the bundle that benefits most from it
// (many small, highly compressible seed files).
func BuildBundle(dstPath, diskImage, corpusDir string) (int64, error) {
	f, err := os.Create(dstPath)
	if err != nil {
		return 0, fmt.Errorf("create bundle: %w", err)
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	if err := addFile(tw, diskImage, filepath.Join("disk", filepath.Base(diskImage)), false); err != nil {
		return 0, fmt.Errorf("add disk image: %w", err)
	}

	entries, err := os.ReadDir(corpusDir)
	if err != nil {
		return 0, fmt.Errorf("read corpus dir: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		src := filepath.Join(corpusDir, ent.Name())
		if err := addFile(tw, src, filepath.Join("corpus", ent.Name()+".zst"), true); err != nil {
			return 0, fmt.Errorf("add corpus seed %s: %w", ent.Name(), err)
		}
	}

	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("close tar writer: %w", err)
	}
	if err := gw.Close(); err != nil {
		return 0, fmt.Errorf("close gzip writer: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func addFile(tw *tar.Writer, srcPath, tarPath string, compress bool) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		data = enc.EncodeAll(data, nil)
		enc.Close()
	}
	hdr := &tar.Header{Name: tarPath, Mode: 0o644, Size: int64(len(data))}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = tw.Write(data)
	return err
}

// ExtractBundle reads at most size bytes of gzipped tar archive from r and
// extracts it under dstDir, rejecting any member whose path attempts
// traversal outside dstDir. Rejected members are skipped
// with a warning; the rest of the bundle is still extracted.
func ExtractBundle(r io.Reader, size int64, dstDir string) error {
	if err := osutil.MkdirAll(dstDir); err != nil {
		return fmt.Errorf("create extraction dir: %w", err)
	}
	lr := io.LimitReader(r, size)
	gr, err := gzip.NewReader(lr)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gr.Close()

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if isTraversal(hdr.Name) {
			log.Logf(0, "dispatch: rejecting archive member with traversal path %q", hdr.Name)
			continue
		}
		dst := filepath.Join(dstDir, filepath.Clean(hdr.Name))
		if err := osutil.MkdirAll(filepath.Dir(dst)); err != nil {
			return err
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("read tar member %s: %w", hdr.Name, err)
		}
		if strings.HasSuffix(hdr.Name, ".zst") {
			data, err = dec.DecodeAll(data, nil)
			if err != nil {
				return fmt.Errorf("decode zstd member %s: %w", hdr.Name, err)
			}
			dst = strings.TrimSuffix(dst, ".zst")
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("write extracted member %s: %w", hdr.Name, err)
		}
	}
}

// isTraversal reports whether a tar member name attempts to escape the
// extraction directory: a ".." component anywhere in the path, or a
// leading "/" or "\".
func isTraversal(name string) bool {
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}
