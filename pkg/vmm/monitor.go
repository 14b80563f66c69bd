// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package vmm

import (
	"bufio"
	"fmt"
	"image/png"
	"net"
	"os"
	"time"
)

// dialMonitor connects to the emulator's human monitor socket and drains
// its startup banner before returning.
func dialMonitor(port int, timeout time.Duration) (*monitorConn, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), timeout)
	if err != nil {
		return nil, fmt.Errorf("dial monitor: %w", err)
	}
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	banner := make([]byte, 4096)
	rw.Read(banner)
	conn.SetReadDeadline(time.Time{})

	return &monitorConn{
		closer: conn.Close,
		rw:     rw,
	}, nil
}

// convertPPMToPNG reads a binary PPM (P6) produced by the monitor's
// screendump command and re-encodes it as PNG at dst.
func convertPPMToPNG(srcPPM, dst string) error {
	img, err := decodePPM(srcPPM)
	if err != nil {
		return fmt.Errorf("decode screendump: %w", err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create screenshot file: %w", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("encode screenshot png: %w", err)
	}
	return nil
}
