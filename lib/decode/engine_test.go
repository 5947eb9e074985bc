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
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const vocabSize = 128

// runeTokenizer maps each ASCII rune to its code point. Token 0 is EOS.
type runeTokenizer struct {
	template bool
}

func (runeTokenizer) Encode(text string) ([]int32, error) {
	ids := make([]int32, 0, len(text))
	for _, r := range text {
		ids = append(ids, int32(r))
	}
	return ids, nil
}

func (runeTokenizer) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id == 0 {
			continue
		}
		sb.WriteRune(rune(id))
	}
	return sb.String(), nil
}

func (runeTokenizer) EOSTokenID() int32 { return 0 }

func (t runeTokenizer) HasTemplate() bool { return t.template }

func (t runeTokenizer) ApplyTemplate(messages []Message) (string, error) {
	if !t.template {
		return "", ErrNoTemplate
	}
	return fmt.Sprintf("[%s]%s[/%s]", messages[0].Role, messages[0].Content, messages[0].Role), nil
}

func encode(s string) []int32 {
	ids, _ := runeTokenizer{}.Encode(s)
	return ids
}

// scriptModel emits a fixed script one token per step. The handle is the
// full token history it has processed.
type scriptModel struct {
	script     []int32
	coldOutput string
	stepInputs [][]int32
	coldInput  []int32
	stepErr    error
	calls      int
}

func (m *scriptModel) Generate(_ context.Context, inputIDs []int32, cfg Config) (*Generation, error) {
	m.coldInput = inputIDs
	seq := append(append([]int32{}, inputIDs...), encode(m.coldOutput)...)
	return &Generation{Sequence: seq, Handle: seq}, nil
}

func (m *scriptModel) Step(_ context.Context, inputIDs []int32, handle Handle) (*StepOutput, error) {
	if m.stepErr != nil {
		return nil, m.stepErr
	}
	m.stepInputs = append(m.stepInputs, append([]int32{}, inputIDs...))
	prev, _ := handle.([]int32)
	next := make([]int32, 0, len(prev)+len(inputIDs))
	next = append(append(next, prev...), inputIDs...)

	scores := make([]float32, vocabSize)
	for i := range scores {
		scores[i] = float32(math.Inf(-1))
	}
	tok := int32(0)
	if m.calls < len(m.script) {
		tok = m.script[m.calls]
	} else if len(m.script) > 0 {
		tok = m.script[len(m.script)-1]
	}
	scores[tok] = 1
	m.calls++
	return &StepOutput{Scores: scores, Handle: next}, nil
}

func newTestEngine(t *testing.T, tok Tokenizer, model Model, cfg *Config) *Engine {
	return NewEngine(tok, model, cfg, zaptest.NewLogger(t), WithSeed(42))
}

func TestEngine_ColdUsesFallbackPrompt(t *testing.T) {
	model := &scriptModel{coldOutput: "  Hello there.  "}
	e := newTestEngine(t, runeTokenizer{}, model, nil)

	resp, err := e.Cold(context.Background(), "hi")
	require.NoError(t, err)

	want := "<|begin_of_text|><|start_header_id|>user<|end_header_id|>\n\nhi" +
		"<|eot_id|><|start_header_id|>assistant<|end_header_id|>\n\n"
	assert.Equal(t, encode(want), model.coldInput)
	assert.Equal(t, "Hello there.", resp.Text)
	assert.Equal(t, ModeCold, resp.Mode)
	assert.Equal(t, len("  Hello there.  "), resp.Tokens)
	assert.NotNil(t, resp.Handle)
}

func TestEngine_ColdUsesTemplate(t *testing.T) {
	model := &scriptModel{coldOutput: "ok"}
	e := newTestEngine(t, runeTokenizer{template: true}, model, nil)

	resp, err := e.Respond(context.Background(), "hi", nil)
	require.NoError(t, err)

	assert.Equal(t, encode("[user]hi[/user]"), model.coldInput)
	assert.Equal(t, "ok", resp.Text)
}

func TestEngine_ColdEmptyGeneration(t *testing.T) {
	e := newTestEngine(t, runeTokenizer{}, &scriptModel{}, nil)

	resp, err := e.Cold(context.Background(), "hi")
	require.NoError(t, err)
	assert.Empty(t, resp.Text)
	assert.Zero(t, resp.Tokens)
}

func TestEngine_WarmStopsAtEOS(t *testing.T) {
	model := &scriptModel{script: append(encode(" ok!"), 0)}
	e := newTestEngine(t, runeTokenizer{}, model, nil)

	prior := encode("PRIOR")
	resp, err := e.Warm(context.Background(), "more", prior)
	require.NoError(t, err)

	assert.Equal(t, "ok!", resp.Text)
	assert.Equal(t, ModeWarm, resp.Mode)
	assert.Equal(t, 4, resp.Tokens)
	assert.True(t, resp.StoppedAtEOS)

	followUp := encode("<|eot_id|><|start_header_id|>user<|end_header_id|>\n\nmore" +
		"<|eot_id|><|start_header_id|>assistant<|end_header_id|>\n\n")
	require.Len(t, model.stepInputs, 5, "four tokens plus the EOS step")
	assert.Equal(t, followUp, model.stepInputs[0], "first step feeds the whole follow-up")
	for i, in := range model.stepInputs[1:] {
		assert.Len(t, in, 1, "step %d feeds one token", i+1)
	}

	// The handle comes from the last step whose token was kept; the EOS
	// step's output is discarded.
	want := append(append(append([]int32{}, prior...), followUp...), encode(" ok")...)
	assert.Equal(t, want, resp.Handle)
}

func TestEngine_WarmImmediateEOS(t *testing.T) {
	model := &scriptModel{script: []int32{0}}
	e := newTestEngine(t, runeTokenizer{}, model, nil)

	prior := encode("PRIOR")
	resp, err := e.Warm(context.Background(), "more", prior)
	require.NoError(t, err)

	assert.Empty(t, resp.Text)
	assert.Zero(t, resp.Tokens)
	assert.Equal(t, prior, resp.Handle, "handle is not advanced")
}

func TestEngine_WarmStopsAtMaxNewTokens(t *testing.T) {
	model := &scriptModel{script: encode("a")}
	cfg := DefaultConfig()
	cfg.MaxNewTokens = 3
	e := newTestEngine(t, runeTokenizer{}, model, cfg)

	resp, err := e.Warm(context.Background(), "go", encode("x"))
	require.NoError(t, err)

	assert.Equal(t, "aaa", resp.Text)
	assert.False(t, resp.StoppedAtEOS)
	assert.Len(t, model.stepInputs, 3)
}

func TestEngine_WarmStripsEndOfTurnMarker(t *testing.T) {
	model := &scriptModel{script: append(encode(" done <|eot_id|> "), 0)}
	e := newTestEngine(t, runeTokenizer{}, model, nil)

	resp, err := e.Warm(context.Background(), "q", encode("x"))
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)
}

func TestEngine_WarmErrors(t *testing.T) {
	t.Run("no handle", func(t *testing.T) {
		e := newTestEngine(t, runeTokenizer{}, &scriptModel{}, nil)
		_, err := e.Warm(context.Background(), "q", nil)
		assert.ErrorIs(t, err, ErrNoHandle)
	})

	t.Run("step failure", func(t *testing.T) {
		errStep := errors.New("device lost")
		e := newTestEngine(t, runeTokenizer{}, &scriptModel{stepErr: errStep}, nil)
		_, err := e.Warm(context.Background(), "q", encode("x"))
		assert.ErrorIs(t, err, errStep)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		e := newTestEngine(t, runeTokenizer{}, &scriptModel{script: encode("a")}, nil)
		_, err := e.Warm(ctx, "q", encode("x"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestEngine_StepsSnapshotsAreIndependent(t *testing.T) {
	model := &scriptModel{script: append(encode("abc"), 0)}
	e := newTestEngine(t, runeTokenizer{}, model, nil)

	var snaps []Snapshot
	for snap, err := range e.Steps(context.Background(), encode("in"), encode("h")) {
		require.NoError(t, err)
		snaps = append(snaps, snap)
	}

	require.Len(t, snaps, 4)
	assert.Equal(t, encode("a"), snaps[0].Tokens)
	assert.Equal(t, encode("ab"), snaps[1].Tokens)
	assert.Equal(t, encode("abc"), snaps[2].Tokens)
	assert.True(t, snaps[3].StoppedAtEOS)
	assert.Equal(t, snaps[2].Tokens, snaps[3].Tokens)
	assert.Equal(t, snaps[2].Handle, snaps[3].Handle)
}

func TestEngine_StepsStopsWhenConsumerBreaks(t *testing.T) {
	model := &scriptModel{script: encode("a")}
	e := newTestEngine(t, runeTokenizer{}, model, nil)

	n := 0
	for _, err := range e.Steps(context.Background(), encode("in"), encode("h")) {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, model.calls)
}

func TestEngine_Config(t *testing.T) {
	e := NewEngine(runeTokenizer{}, &scriptModel{}, nil, nil)
	cfg := e.Config()

	assert.Equal(t, 200, cfg.MaxNewTokens)
	assert.True(t, cfg.DoSample)
	assert.InDelta(t, 0.7, cfg.Temperature, 1e-6)
	assert.InDelta(t, 0.9, cfg.TopP, 1e-6)
}
