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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNucleusKeep(t *testing.T) {
	tests := []struct {
		name  string
		probs []float64
		topP  float64
		want  []bool
	}{
		{
			name:  "crossing candidate is kept",
			probs: []float64{0.5, 0.3, 0.15, 0.05},
			topP:  0.9,
			want:  []bool{true, true, true, false},
		},
		{
			name:  "exact boundary keeps the next candidate",
			probs: []float64{0.5, 0.25, 0.125, 0.125},
			topP:  0.875,
			want:  []bool{true, true, true, true},
		},
		{
			name:  "lower boundary",
			probs: []float64{0.5, 0.25, 0.125, 0.125},
			topP:  0.75,
			want:  []bool{true, true, true, false},
		},
		{
			name:  "top candidate always survives",
			probs: []float64{0.95, 0.05},
			topP:  0.1,
			want:  []bool{true, false},
		},
		{
			name:  "empty",
			probs: nil,
			topP:  0.9,
			want:  []bool{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NucleusKeep(tt.probs, tt.topP))
		})
	}
}

func TestSoftmax(t *testing.T) {
	probs := Softmax([]float64{0, 0, math.Inf(-1)})
	require.Len(t, probs, 3)
	assert.InDelta(t, 0.5, probs[0], 1e-12)
	assert.InDelta(t, 0.5, probs[1], 1e-12)
	assert.Zero(t, probs[2])

	assert.Nil(t, Softmax(nil))
	assert.Nil(t, Softmax([]float64{math.Inf(-1)}))
}

func TestSortDescending(t *testing.T) {
	sorted, ids := sortDescending([]float64{0.1, 3, -2, 1})
	assert.Equal(t, []float64{3, 1, 0.1, -2}, sorted)
	assert.Equal(t, []int{1, 3, 0, 2}, ids)
}

func TestSelectToken_Greedy(t *testing.T) {
	cfg := &Config{DoSample: false, Temperature: 0.7, TopP: 0.9}
	tok, err := selectToken([]float32{0.1, 2.5, 1.0}, cfg, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	assert.Equal(t, int32(1), tok)
}

func TestSelectToken_NeverSamplesOutsideNucleus(t *testing.T) {
	cfg := DefaultConfig()
	rng := rand.New(rand.NewPCG(7, 7))
	// After temperature the first two tokens hold nearly all the mass, so
	// the third is outside the 0.9 nucleus.
	scores := []float32{10, 10, -10}

	seen := map[int32]int{}
	for range 1000 {
		tok, err := selectToken(scores, cfg, rng)
		require.NoError(t, err)
		seen[tok]++
	}

	assert.Zero(t, seen[2])
	assert.Positive(t, seen[0])
	assert.Positive(t, seen[1])
}

func TestSelectToken_Errors(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))

	_, err := selectToken(nil, DefaultConfig(), rng)
	assert.ErrorIs(t, err, ErrEmptyScores)

	neg := float32(math.Inf(-1))
	_, err = selectToken([]float32{neg, neg}, DefaultConfig(), rng)
	assert.ErrorIs(t, err, ErrEmptyScores)
}
