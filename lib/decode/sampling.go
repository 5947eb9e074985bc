// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package decode

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// Softmax converts scores to probabilities. Scores of -Inf get probability 0.
// It returns nil when no score is finite.
func Softmax(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	lse := floats.LogSumExp(scores)
	if math.IsInf(lse, -1) || math.IsNaN(lse) {
		return nil
	}
	probs := make([]float64, len(scores))
	for i, s := range scores {
		probs[i] = math.Exp(s - lse)
	}
	return probs
}

// NucleusKeep reports which of the descending-sorted probabilities survive
// top-p filtering. A candidate is dropped when the cumulative probability of
// everything ranked before it already exceeds topP, so the highest ranked
// candidate always survives.
func NucleusKeep(sortedProbs []float64, topP float64) []bool {
	keep := make([]bool, len(sortedProbs))
	if len(sortedProbs) == 0 {
		return keep
	}
	cum := floats.CumSum(make([]float64, len(sortedProbs)), sortedProbs)
	keep[0] = true
	for i := 1; i < len(cum); i++ {
		keep[i] = cum[i-1] <= topP
	}
	return keep
}

// sortDescending returns scores in descending order along with the token ID
// at each rank.
func sortDescending(scores []float64) ([]float64, []int) {
	neg := make([]float64, len(scores))
	floats.ScaleTo(neg, -1, scores)
	ids := make([]int, len(scores))
	floats.Argsort(neg, ids)
	sorted := make([]float64, len(neg))
	floats.ScaleTo(sorted, -1, neg)
	return sorted, ids
}

// selectToken picks the next token from raw model scores.
func selectToken(scores []float32, cfg *Config, rng *rand.Rand) (int32, error) {
	if len(scores) == 0 {
		return 0, ErrEmptyScores
	}

	scaled := make([]float64, len(scores))
	for i, s := range scores {
		scaled[i] = float64(s)
	}
	if cfg.DoSample && cfg.Temperature > 0 {
		floats.Scale(1/float64(cfg.Temperature), scaled)
	}

	sorted, ids := sortDescending(scaled)
	probs := Softmax(sorted)
	if probs == nil {
		return 0, ErrEmptyScores
	}
	if !cfg.DoSample {
		return int32(ids[0]), nil
	}

	keep := NucleusKeep(probs, float64(cfg.TopP))
	var total float64
	for i, p := range probs {
		if keep[i] {
			total += p
		}
	}

	u := rng.Float64() * total
	last := 0
	for i, p := range probs {
		if !keep[i] {
			continue
		}
		last = i
		if u < p {
			return int32(ids[i]), nil
		}
		u -= p
	}
	return int32(ids[last]), nil
}
