// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package mutation

import (
	"fmt"
	"math/rand"
	"sync"
)

const (
	minTokenLen = 1
	maxTokenLen = 1024
)

// Dictionary holds mutation tokens partitioned by length, so a mutator
// looking for a size-matched replacement (±4 bytes) doesn't have to scan
// the whole set.
type Dictionary struct {
	mu       sync.RWMutex
	byLength map[int][][]byte
	all      [][]byte
}

func NewDictionary() *Dictionary {
	return &Dictionary{byLength: map[int][][]byte{}}
}

// Add inserts token, rejecting lengths of 0 or > 1024 bytes per the
// dictionary invariant.
func (d *Dictionary) Add(token []byte) error {
	if len(token) < minTokenLen || len(token) > maxTokenLen {
		return fmt.Errorf("dictionary: token length %d out of [%d,%d]", len(token), minTokenLen, maxTokenLen)
	}
	cp := append([]byte{}, token...)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byLength[len(cp)] = append(d.byLength[len(cp)], cp)
	d.all = append(d.all, cp)
	return nil
}

// MatchLength returns a random token within ±4 bytes of targetLen. When no
// token is that close it returns any stored token; it returns nil only when
// the dictionary is empty.
func (d *Dictionary) MatchLength(r *rand.Rand, targetLen int) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.all) == 0 {
		return nil
	}
	var candidates [][]byte
	for l := targetLen - 4; l <= targetLen+4; l++ {
		candidates = append(candidates, d.byLength[l]...)
	}
	if len(candidates) == 0 {
		candidates = d.all
	}
	return candidates[r.Intn(len(candidates))]
}

// Len reports how many tokens are stored.
func (d *Dictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.all)
}

// HarvestWindows splits a crashing input into consecutive, non-overlapping
// 4-byte windows and, separately, 8-byte windows, adding each as a token; a
// trailing remainder shorter than the window is not added. Tokens
// that fail the length invariant are silently skipped rather than erroring,
// since this is best-effort corpus enrichment, not a user-facing API.
func (d *Dictionary) HarvestWindows(data []byte) {
	for _, width := range []int{4, 8} {
		for pos := 0; pos+width <= len(data); pos += width {
			d.Add(data[pos : pos+width])
		}
	}
}
