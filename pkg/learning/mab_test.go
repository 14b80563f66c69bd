// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package learning

import (
	"math/rand"
	"testing"

	"github.com/snapfuzz/snapfuzz/pkg/testutil"
	"github.com/stretchr/testify/assert"
)

func TestEXP3FindsBestArm(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	bandit := &EXP3[int]{ExplorationRate: 0.1}

	// Expected rewards. We don't emulate a full distribution, only make
	// the per-arm averages differ.
	arms := []float64{0.2, 0.7, 0.5, 0.1}
	for i := range arms {
		bandit.AddArm(i)
	}

	const steps = 15000
	counts := runMAB(r, bandit, arms, steps)
	t.Logf("initially: %v", counts)
	assert.Greater(t, counts[1], steps/2)

	// A new, better arm shows up mid-run.
	arms = append(arms, 0.9)
	bandit.AddArm(len(arms) - 1)

	counts = runMAB(r, bandit, arms, steps)
	t.Logf("after one new arm: %v", counts)
	assert.Greater(t, counts[len(counts)-1], steps/2)
}

func TestEXP3NonStationary(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	bandit := &EXP3[int]{ExplorationRate: 0.1}

	arms := []float64{0.2, 0.7, 0.5, 0.1}
	for i := range arms {
		bandit.AddArm(i)
	}

	const steps = 20000
	counts := runMAB(r, bandit, arms, steps)
	t.Logf("initially: %v", counts)
	assert.Greater(t, counts[1], steps/2)

	// The reward landscape shifts, as when a target's shallow bugs dry up.
	arms[3] = 0.9
	counts = runMAB(r, bandit, arms, steps)
	t.Logf("after reward change: %v", counts)
	assert.Greater(t, counts[3], steps/2)
}

func TestEXP3DuplicateArmsBiasInitialDraws(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	bandit := &EXP3[string]{ExplorationRate: 0.1}
	// "heavy" registered 3x the times of "light": before any rewards it
	// should be drawn roughly 3x as often.
	for i := 0; i < 30; i++ {
		bandit.AddArm("heavy")
	}
	for i := 0; i < 10; i++ {
		bandit.AddArm("light")
	}

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		counts[bandit.Action(r).Arm]++
	}
	t.Logf("draws: %v", counts)
	assert.Greater(t, counts["heavy"], 2*counts["light"])
}

func runMAB(r *rand.Rand, bandit MAB[int], arms []float64, steps int) []int {
	counts := make([]int, len(arms))
	for i := 0; i < steps; i++ {
		action := bandit.Action(r)
		reward := r.Float64() * arms[action.Arm]
		counts[action.Arm]++
		bandit.SaveReward(action, reward)
	}
	return counts
}

func TestFenwickTreeFind(t *testing.T) {
	fw := fenwickTree[int]{}
	fw.add(0) // prefix sum: 0
	fw.add(1) // prefix sum: 1
	fw.add(2) // prefix sum: 3
	fw.add(3) // prefix sum: 6

	assert.Equal(t, 0, fw.findPrefix(-1))
	assert.Equal(t, 1, fw.findPrefix(0))
	assert.Equal(t, 2, fw.findPrefix(1))
	assert.Equal(t, 2, fw.findPrefix(2))
	assert.Equal(t, 3, fw.findPrefix(3))
	assert.Equal(t, 3, fw.findPrefix(4))
	assert.Equal(t, 4, fw.findPrefix(10))
}

func TestFenwickTree(t *testing.T) {
	fw := fenwickTree[int]{}
	fw.add(1)
	assert.Equal(t, 1, fw.prefixSum(0))

	fw.update(0, 2) // now it's 3
	assert.Equal(t, 3, fw.prefixSum(0))

	fw.add(1)
	assert.Equal(t, 3, fw.prefixSum(0))
	assert.Equal(t, 4, fw.prefixSum(1))

	fw.add(-5)
	assert.Equal(t, 3, fw.prefixSum(0))
	assert.Equal(t, 4, fw.prefixSum(1))
	assert.Equal(t, -1, fw.prefixSum(2))

	fw.add(10)
	assert.Equal(t, 9, fw.prefixSum(3))

	// The array looks like 3, 1, -5, 10.
	fw.update(1, 3)

	// Now it's 3, 4, -5, 10.
	assert.Equal(t, 3, fw.prefixSum(0))
	assert.Equal(t, 7, fw.prefixSum(1))
	assert.Equal(t, 2, fw.prefixSum(2))
	assert.Equal(t, 12, fw.prefixSum(3))
}

func TestRunningAverageWindowSum(t *testing.T) {
	ra := NewRunningAverage[float64](3)
	ra.Save(3)
	ra.Save(6)
	ra.Save(9)
	assert.InDelta(t, 18, ra.Load(), 1e-9)

	// The oldest sample rolls out of the window.
	ra.Save(0)
	assert.InDelta(t, 15, ra.Load(), 1e-9)
}
