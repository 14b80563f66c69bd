// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package learning

import "sync"

type Number interface {
	int | int64 | float64
}

// RunningAverage keeps the sum of the last len(window) samples. The
// accountant feeds it raw CPU/RAM headroom readings so that one noisy
// /proc snapshot doesn't make the whole pool release VMs; Load returns the
// window sum, which callers divide by the window size.
type RunningAverage[T Number] struct {
	window []T
	mu     sync.RWMutex
	pos    int
	total  T
}

func NewRunningAverage[T Number](size int) *RunningAverage[T] {
	return &RunningAverage[T]{
		window: make([]T, size),
	}
}

func (ra *RunningAverage[T]) Save(val T) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	prev := ra.window[ra.pos]
	ra.window[ra.pos] = val
	ra.total += val - prev
	ra.pos = (ra.pos + 1) % len(ra.window)
}

func (ra *RunningAverage[T]) Load() T {
	ra.mu.RLock()
	defer ra.mu.RUnlock()
	return ra.total
}
