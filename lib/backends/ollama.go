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

package backends

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/dlclark/regexp2"
	"github.com/dovinmu/branchwise/lib/decode"
	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

const (
	// EOSPiece is the end-of-turn marker. It always has token ID 0.
	EOSPiece = "<|eot_id|>"

	// DefaultTopLogprobs is the number of candidates requested per step.
	DefaultTopLogprobs = 20

	// passthroughTemplate sends prompts to the model verbatim while still
	// letting the server return a context.
	passthroughTemplate = "{{ .Prompt }}"
)

// specialPattern matches Llama 3 style header and control markers.
var specialPattern = regexp2.MustCompile(`<\|[a-z_]+\|>`, regexp2.None)

// ErrNoContext is returned when the server finishes a request without a
// context, which leaves nothing to continue from.
var ErrNoContext = errors.New("ollama returned no context")

var (
	_ decode.Model     = (*Ollama)(nil)
	_ decode.Tokenizer = (*Ollama)(nil)
)

// OllamaConfig configures the Ollama backend.
type OllamaConfig struct {
	// Model is the Ollama model name (e.g., "llama3.2:1b").
	Model string
	// TopLogprobs is the number of next-token candidates scored per step.
	TopLogprobs int
}

type piece struct {
	text    string
	special bool
}

// Ollama runs generation on an Ollama server. It doubles as the tokenizer:
// text is split into control markers and plain segments, each interned as a
// piece, and the server's context array is the continuation handle.
//
// A warm step asks the server for a single token with its top candidates;
// the candidates become the step's score vector so sampling stays local.
type Ollama struct {
	client      *api.Client
	model       string
	topLogprobs int
	logger      *zap.Logger

	mu     sync.RWMutex
	pieces []piece
	ids    map[string]int32
}

// NewOllama creates a backend using client.
func NewOllama(client *api.Client, config OllamaConfig, logger *zap.Logger) *Ollama {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TopLogprobs <= 0 {
		config.TopLogprobs = DefaultTopLogprobs
	}
	o := &Ollama{
		client:      client,
		model:       config.Model,
		topLogprobs: config.TopLogprobs,
		logger:      logger,
		ids:         make(map[string]int32),
	}
	o.intern(EOSPiece, true)
	return o
}

// intern returns the ID of text, adding it when unseen.
func (o *Ollama) intern(text string, special bool) int32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id, ok := o.ids[text]; ok {
		return id
	}
	id := int32(len(o.pieces))
	o.pieces = append(o.pieces, piece{text: text, special: special})
	o.ids[text] = id
	return id
}

// Encode splits text into control markers and the plain text between them.
func (o *Ollama) Encode(text string) ([]int32, error) {
	var ids []int32
	last := 0
	runes := []rune(text)

	m, err := specialPattern.FindStringMatch(text)
	for m != nil && err == nil {
		if m.Index > last {
			ids = append(ids, o.intern(string(runes[last:m.Index]), false))
		}
		ids = append(ids, o.intern(m.String(), true))
		last = m.Index + m.Length
		m, err = specialPattern.FindNextMatch(m)
	}
	if err != nil {
		return nil, fmt.Errorf("splitting control markers: %w", err)
	}
	if last < len(runes) {
		ids = append(ids, o.intern(string(runes[last:]), false))
	}
	return ids, nil
}

// Decode joins the plain pieces, skipping control markers.
func (o *Ollama) Decode(ids []int32) (string, error) {
	return o.join(ids, false)
}

// render joins every piece, control markers included.
func (o *Ollama) render(ids []int32) (string, error) {
	return o.join(ids, true)
}

func (o *Ollama) join(ids []int32, withSpecial bool) (string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || int(id) >= len(o.pieces) {
			return "", fmt.Errorf("unknown token id %d", id)
		}
		p := o.pieces[id]
		if p.special && !withSpecial {
			continue
		}
		sb.WriteString(p.text)
	}
	return sb.String(), nil
}

// EOSTokenID returns the ID of the end-of-turn marker.
func (o *Ollama) EOSTokenID() int32 {
	return 0
}

// HasTemplate reports false: prompts are formatted by the caller.
func (o *Ollama) HasTemplate() bool {
	return false
}

// ApplyTemplate always fails with decode.ErrNoTemplate.
func (o *Ollama) ApplyTemplate([]decode.Message) (string, error) {
	return "", decode.ErrNoTemplate
}

// Generate runs a full generation for the prompt in inputIDs.
func (o *Ollama) Generate(ctx context.Context, inputIDs []int32, config decode.Config) (*decode.Generation, error) {
	prompt, err := o.render(inputIDs)
	if err != nil {
		return nil, err
	}

	options := map[string]any{
		"num_predict": config.MaxNewTokens,
		"temperature": config.Temperature,
		"top_p":       config.TopP,
	}
	if !config.DoSample {
		options["temperature"] = 0
	}

	stream := false
	req := &api.GenerateRequest{
		Model:    o.model,
		Prompt:   prompt,
		Template: passthroughTemplate,
		Stream:   &stream,
		Options:  options,
	}

	var text strings.Builder
	var final api.GenerateResponse
	err = o.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		text.WriteString(resp.Response)
		if resp.Done {
			final = resp
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama generate: %w", err)
	}
	if len(final.Context) == 0 {
		return nil, fmt.Errorf("ollama generate: %w", ErrNoContext)
	}

	generated, err := o.Encode(text.String())
	if err != nil {
		return nil, err
	}

	seq := make([]int32, 0, len(inputIDs)+len(generated))
	seq = append(append(seq, inputIDs...), generated...)

	o.logger.Debug("Ollama generation complete",
		zap.String("model", o.model),
		zap.Int("eval_count", final.EvalCount),
		zap.String("done_reason", final.DoneReason),
		zap.Int("context_len", len(final.Context)))

	return &decode.Generation{Sequence: seq, Handle: cloneContext(final.Context)}, nil
}

// Step evaluates inputIDs on top of handle and returns scores for the next
// token. Candidates outside the server's top list score -Inf.
func (o *Ollama) Step(ctx context.Context, inputIDs []int32, handle decode.Handle) (*decode.StepOutput, error) {
	prior, ok := handle.([]int)
	if !ok {
		return nil, fmt.Errorf("unexpected handle type %T", handle)
	}
	prompt, err := o.render(inputIDs)
	if err != nil {
		return nil, err
	}

	stream := false
	req := &api.GenerateRequest{
		Model:       o.model,
		Prompt:      prompt,
		Template:    passthroughTemplate,
		Context:     prior,
		Stream:      &stream,
		Logprobs:    true,
		TopLogprobs: o.topLogprobs,
		Options: map[string]any{
			"num_predict": 1,
		},
	}

	var final api.GenerateResponse
	var text strings.Builder
	var logprobs []api.Logprob
	err = o.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		text.WriteString(resp.Response)
		logprobs = append(logprobs, resp.Logprobs...)
		if resp.Done {
			final = resp
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama step: %w", err)
	}
	if len(final.Context) == 0 {
		return nil, fmt.Errorf("ollama step: %w", ErrNoContext)
	}

	candidates := map[int32]float64{}
	if len(logprobs) > 0 {
		first := logprobs[0]
		for _, c := range append([]api.TokenLogprob{first.TokenLogprob}, first.TopLogprobs...) {
			id := o.candidateID(c.Token)
			if lp, seen := candidates[id]; !seen || c.Logprob > lp {
				candidates[id] = c.Logprob
			}
		}
	}
	if text.Len() == 0 && len(candidates) == 0 {
		// The server stopped without emitting anything.
		candidates[o.EOSTokenID()] = 0
	}
	if len(candidates) == 0 {
		candidates[o.intern(text.String(), false)] = 0
	}

	o.mu.RLock()
	scores := make([]float32, len(o.pieces))
	o.mu.RUnlock()
	for i := range scores {
		scores[i] = float32(math.Inf(-1))
	}
	for id, lp := range candidates {
		scores[id] = float32(lp)
	}

	// The returned context ends with the token the server sampled itself;
	// drop it so the next step feeds the locally sampled token instead.
	next := final.Context
	if text.Len() > 0 && final.EvalCount > 0 && final.EvalCount <= len(next) {
		next = next[:len(next)-final.EvalCount]
	}

	return &decode.StepOutput{Scores: scores, Handle: cloneContext(next)}, nil
}

// candidateID maps a candidate token's text to a piece ID. Empty text and
// control markers that end a turn map to EOS.
func (o *Ollama) candidateID(token string) int32 {
	switch {
	case token == "", token == EOSPiece, token == "<|end_of_text|>":
		return o.EOSTokenID()
	case strings.HasPrefix(token, "<|") && strings.HasSuffix(token, "|>"):
		return o.intern(token, true)
	default:
		return o.intern(token, false)
	}
}

// Vocab returns the number of interned pieces.
func (o *Ollama) Vocab() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.pieces)
}

func cloneContext(c []int) []int {
	out := make([]int, len(c))
	copy(out, c)
	return out
}
