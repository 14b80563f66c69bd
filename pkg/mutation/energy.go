// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package mutation

import "math"

// seedEnergy tracks the remaining mutation budget for one corpus seed. The
// budget ceiling is baseline*min(2^k, 10), where k counts the crashes
// attributed to the seed; each crash recomputes the ceiling from scratch
// rather than stacking on whatever energy happened to remain.
type seedEnergy struct {
	baseline  int
	remaining int
	crashes   int
}

func newSeedEnergy(baseline int) *seedEnergy {
	return &seedEnergy{baseline: baseline, remaining: baseline}
}

func (s *seedEnergy) boost() {
	s.crashes++
	multiplier := math.Min(math.Pow(2, float64(s.crashes)), 10)
	s.remaining = int(float64(s.baseline) * multiplier)
}

func (s *seedEnergy) exhausted() bool {
	return s.remaining <= 0
}

func (s *seedEnergy) consume() {
	if s.remaining > 0 {
		s.remaining--
	}
}
