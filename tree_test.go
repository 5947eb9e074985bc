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

package branchwise

import (
	"bytes"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/dovinmu/branchwise/lib/tokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTree() []TreeBranch {
	return []TreeBranch{
		{ID: 0, Name: "branch_0", Turns: []TreeTurn{
			{Request: "Explain photosynthesis", Response: "Plants convert light."},
		}},
		{ID: 1, Name: "branch_1", Current: true, Turns: []TreeTurn{
			{Request: "Tell me about Rome", Response: "Rome is old."},
			{Request: "Why?", Response: "History."},
		}},
	}
}

type wordCounter struct{}

func (wordCounter) CountTokens(text string) int {
	return len(tokenizer.RegexpSegment(text))
}

func TestParseTreeFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    TreeFormat
		wantErr bool
	}{
		{in: "", want: TreeFormatText},
		{in: "text", want: TreeFormatText},
		{in: "JSON", want: TreeFormatJSON},
		{in: "none", want: TreeFormatNone},
		{in: "yaml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTreeFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTreeRenderer_Text(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewTreeRenderer(TreeFormatText, wordCounter{}).Render(&buf, sampleTree()))

	out := buf.String()
	assert.Contains(t, out, "Conversation Tree:")
	assert.Contains(t, out, "branch_0")
	assert.Contains(t, out, "1 turns, 6 tokens")
	assert.Contains(t, out, "* ")
	assert.Contains(t, out, "2 turns, 12 tokens")
}

func TestTreeRenderer_TextWithoutCounter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewTreeRenderer(TreeFormatText, nil).Render(&buf, sampleTree()))
	assert.Contains(t, buf.String(), "1 turns")
	assert.NotContains(t, buf.String(), "tokens")
}

func TestTreeRenderer_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewTreeRenderer(TreeFormatJSON, wordCounter{}).Render(&buf, sampleTree()))

	var got []struct {
		Name    string     `json:"name"`
		Current bool       `json:"current"`
		Turns   []TreeTurn `json:"turns"`
		Tokens  int        `json:"tokens"`
	}
	require.NoError(t, sonic.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "branch_0", got[0].Name)
	assert.False(t, got[0].Current)
	assert.Equal(t, 6, got[0].Tokens)
	assert.True(t, got[1].Current)
	assert.Len(t, got[1].Turns, 2)
}

func TestTreeRenderer_None(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewTreeRenderer(TreeFormatNone, nil).Render(&buf, sampleTree()))
	assert.Empty(t, buf.String())
}
