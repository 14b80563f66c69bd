// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package vmm

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
)

// decodePPM parses a binary (P6) Portable Pixmap, the format the emulator's
// screendump command writes.
func decodePPM(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	magic, err := readToken(r)
	if err != nil {
		return nil, err
	}
	if magic != "P6" {
		return nil, fmt.Errorf("unsupported ppm magic %q", magic)
	}
	width, err := readIntToken(r)
	if err != nil {
		return nil, err
	}
	height, err := readIntToken(r)
	if err != nil {
		return nil, err
	}
	maxVal, err := readIntToken(r)
	if err != nil {
		return nil, err
	}
	if maxVal != 255 {
		return nil, fmt.Errorf("unsupported ppm maxval %d", maxVal)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	pixel := make([]byte, 3)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if _, err := io.ReadFull(r, pixel); err != nil {
				return nil, err
			}
			img.Set(x, y, color.RGBA{R: pixel[0], G: pixel[1], B: pixel[2], A: 255})
		}
	}
	return img, nil
}

func readToken(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == ' ' || b == '\n' || b == '\t' || b == '\r' {
			if len(buf) == 0 {
				continue
			}
			return string(buf), nil
		}
		buf = append(buf, b)
	}
}

func readIntToken(r *bufio.Reader) (int, error) {
	tok, err := readToken(r)
	if err != nil {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(tok, "%d", &n); err != nil {
		return 0, err
	}
	return n, nil
}
