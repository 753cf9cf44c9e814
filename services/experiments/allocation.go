// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiments

import (
	"hash/fnv"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultExplorationConstant is the UCB1 exploration constant sqrt(2).
const DefaultExplorationConstant = math.Sqrt2

// Allocator picks a variant for a user according to a Strategy.
//
// Description:
//
//	The equal and weighted strategies are pure functions of the user ID,
//	the test ID and the active variant set, so they survive restarts.
//	Adaptive and bandit strategies read the live counters, which is why
//	their first answer has to be persisted by the caller.
//
// Thread Safety: Safe for concurrent use.
type Allocator struct {
	src         rand.Source
	rng         *rand.Rand
	exploration float64
}

// NewAllocator creates an allocator.
//
// Inputs:
//   - src: Randomness for Thompson Sampling and rollout draws. Must be safe
//     for concurrent use. Nil uses a time-seeded source.
//   - exploration: UCB1 exploration constant. Values <= 0 use
//     DefaultExplorationConstant.
//
// Outputs:
//   - *Allocator: The new allocator. Never nil.
func NewAllocator(src rand.Source, exploration float64) *Allocator {
	if src == nil {
		src = newTimeSource()
	}
	if _, ok := src.(*lockedSource); !ok {
		src = &lockedSource{src: src}
	}
	if exploration <= 0 {
		exploration = DefaultExplorationConstant
	}
	return &Allocator{src: src, rng: rand.New(src), exploration: exploration}
}

// Admit reports whether a user passes a rollout percentage draw.
func (a *Allocator) Admit(rolloutPercentage float64) bool {
	if rolloutPercentage <= 0 || rolloutPercentage >= 100 {
		return true
	}
	return a.rng.Float64() < rolloutPercentage/100
}

// Select returns the index into active of the chosen variant.
//
// Outputs:
//   - int: Index of the chosen variant.
//   - bool: False when active is empty.
func (a *Allocator) Select(strategy Strategy, active []*Variant, userID, testID string) (int, bool) {
	if len(active) == 0 {
		return 0, false
	}
	switch strategy {
	case StrategyWeighted:
		return selectWeighted(active, userID, testID), true
	case StrategyAdaptive:
		return a.selectThompson(active), true
	case StrategyBandit:
		return a.selectUCB1(active, userID, testID), true
	default:
		return selectEqual(active, userID, testID), true
	}
}

// hashAssignment returns the FNV-1a hash of userID and testID passed
// through the murmur3 finalizer so that low bits are usable for modulo.
func hashAssignment(userID, testID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(userID))
	h.Write([]byte{':'})
	h.Write([]byte(testID))
	return mix64(h.Sum64())
}

func mix64(k uint64) uint64 {
	k ^= k >> 33
	k *= 0xff51afd7ed558ccd
	k ^= k >> 33
	k *= 0xc4ceb9fe1a85ec53
	k ^= k >> 33
	return k
}

// hashUnit maps a hash to [0, 1) using its top 53 bits.
func hashUnit(h uint64) float64 {
	return float64(h>>11) / (1 << 53)
}

func selectEqual(active []*Variant, userID, testID string) int {
	return int(hashAssignment(userID, testID) % uint64(len(active)))
}

// selectWeighted walks cumulative weights normalized over the active set.
// If every active weight is zero it falls back to equal weighting.
func selectWeighted(active []*Variant, userID, testID string) int {
	var total float64
	for _, v := range active {
		total += math.Max(v.Weight, 0)
	}
	if total <= 0 {
		return selectEqual(active, userID, testID)
	}

	u := hashUnit(hashAssignment(userID, testID))
	var cumulative float64
	for i, v := range active {
		cumulative += math.Max(v.Weight, 0) / total
		if u < cumulative {
			return i
		}
	}
	return len(active) - 1
}

// selectThompson draws from each variant's Beta posterior and returns the
// argmax.
func (a *Allocator) selectThompson(active []*Variant) int {
	best, bestSample := 0, -1.0
	for i, v := range active {
		successes := float64(v.Conversions)
		failures := math.Max(float64(v.Exposures-v.Conversions), 0)
		beta := distuv.Beta{Alpha: 1 + successes, Beta: 1 + failures, Src: a.src}
		if s := beta.Rand(); s > bestSample {
			best, bestSample = i, s
		}
	}
	return best
}

// selectUCB1 maximizes rate + c*sqrt(ln N / n). Variants without exposures
// score +Inf and the first of them wins. With no exposures at all it falls
// back to equal-weight hashing.
func (a *Allocator) selectUCB1(active []*Variant, userID, testID string) int {
	var total int64
	for _, v := range active {
		total += v.Exposures
	}
	if total == 0 {
		return selectEqual(active, userID, testID)
	}

	logTotal := math.Log(float64(total))
	best, bestScore := 0, math.Inf(-1)
	for i, v := range active {
		score := ucb1Score(v, logTotal, a.exploration)
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

func ucb1Score(v *Variant, logTotal, c float64) float64 {
	if v.Exposures == 0 {
		return math.Inf(1)
	}
	n := float64(v.Exposures)
	return v.ConversionRate() + c*math.Sqrt(logTotal/n)
}
