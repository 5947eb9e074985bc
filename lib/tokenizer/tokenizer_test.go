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

package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spanTexts(spans []Span) []string {
	out := make([]string, len(spans))
	for i, s := range spans {
		out[i] = s.Text
	}
	return out
}

func TestRegexpSegment(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"question", "What is it?", []string{"What", "is", "it", "?"}},
		{"contraction", "isn't that", []string{"isn", "'", "t", "that"}},
		{"digits", "Apollo 11 landed", []string{"Apollo", "11", "landed"}},
		{"empty", "   ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RegexpSegment(tt.text)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, spanTexts(got))
		})
	}
}

func TestRegexpSegment_ByteOffsets(t *testing.T) {
	text := "café au lait"
	spans := RegexpSegment(text)
	require.Len(t, spans, 3)

	for _, s := range spans {
		assert.Equal(t, s.Text, text[s.Start:s.End])
	}
	assert.Equal(t, 6, spans[1].Start, "é is two bytes")
}

func TestWordSegmenter(t *testing.T) {
	seg, err := NewWordSegmenter()
	require.NoError(t, err)

	text := "Why did they leave Paris?"
	spans := seg.Segment(text)

	assert.Equal(t, []string{"Why", "did", "they", "leave", "Paris", "?"}, spanTexts(spans))
	for _, s := range spans {
		assert.Equal(t, s.Text, text[s.Start:s.End])
	}
	assert.Empty(t, seg.Segment(""))
}

func TestBPETokenizer_CountTokens(t *testing.T) {
	tk, err := NewBPETokenizer("")
	require.NoError(t, err)

	assert.Equal(t, 0, tk.CountTokens(""))
	assert.Equal(t, 2, tk.CountTokens("hello world"))
}
