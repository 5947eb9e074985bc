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
	"fmt"
	"iter"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// eotMarker ends a chat turn in the Llama 3 prompt format.
	eotMarker = "<|eot_id|>"

	// fallbackPromptFormat is used when the tokenizer has no chat template.
	fallbackPromptFormat = "<|begin_of_text|><|start_header_id|>user<|end_header_id|>\n\n%s" +
		"<|eot_id|><|start_header_id|>assistant<|end_header_id|>\n\n"

	// followUpFormat closes the previous assistant turn and opens a new
	// user/assistant exchange on top of an existing handle.
	followUpFormat = "<|eot_id|><|start_header_id|>user<|end_header_id|>\n\n%s" +
		"<|eot_id|><|start_header_id|>assistant<|end_header_id|>\n\n"
)

// Response is the outcome of one decode.
type Response struct {
	Text string
	// Handle continues the conversation from the end of this response.
	Handle Handle
	Mode   Mode
	// Tokens is the number of generated tokens.
	Tokens int
	// StoppedAtEOS reports whether a warm decode ended on end-of-sequence.
	StoppedAtEOS bool
	Duration     time.Duration
}

// Snapshot is the decoder state after one warm step. Snapshots never share
// mutable state with later ones.
type Snapshot struct {
	// Step is the zero-based step index.
	Step int
	// Tokens are the tokens generated so far.
	Tokens []int32
	// Handle covers the input and every token in Tokens except the last,
	// which is fed on the following step.
	Handle Handle
	// StoppedAtEOS is set on the final snapshot when the model chose
	// end-of-sequence. Tokens and Handle repeat the previous snapshot.
	StoppedAtEOS bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithSeed makes sampling deterministic.
func WithSeed(seed uint64) Option {
	return func(e *Engine) {
		e.rng = rand.New(rand.NewPCG(seed, seed))
	}
}

// WithRand sets the random source used for sampling.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) {
		e.rng = rng
	}
}

// Engine generates responses with a tokenizer and model.
type Engine struct {
	tokenizer Tokenizer
	model     Model
	config    *Config
	rng       *rand.Rand
	logger    *zap.Logger
}

// NewEngine creates an engine. A nil config selects DefaultConfig.
func NewEngine(tokenizer Tokenizer, model Model, config *Config, logger *zap.Logger, opts ...Option) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		tokenizer: tokenizer,
		model:     model,
		config:    config,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return e
}

// Config returns the generation settings.
func (e *Engine) Config() Config {
	return *e.config
}

// Respond decodes cold when handle is nil and warm otherwise.
func (e *Engine) Respond(ctx context.Context, request string, handle Handle) (*Response, error) {
	if handle == nil {
		return e.Cold(ctx, request)
	}
	return e.Warm(ctx, request, handle)
}

// Cold generates a response to request as a single-turn conversation.
func (e *Engine) Cold(ctx context.Context, request string) (*Response, error) {
	start := time.Now()

	prompt, err := e.coldPrompt(request)
	if err != nil {
		return nil, err
	}
	inputIDs, err := e.tokenizer.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("encoding prompt: %w", err)
	}

	gen, err := e.model.Generate(ctx, inputIDs, *e.config)
	if err != nil {
		return nil, fmt.Errorf("generating: %w", err)
	}

	var generated []int32
	if len(gen.Sequence) > len(inputIDs) {
		generated = gen.Sequence[len(inputIDs):]
	}
	text, err := e.tokenizer.Decode(generated)
	if err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	resp := &Response{
		Text:     strings.TrimSpace(text),
		Handle:   gen.Handle,
		Mode:     ModeCold,
		Tokens:   len(generated),
		Duration: time.Since(start),
	}
	e.logger.Debug("Cold decode finished",
		zap.Int("input_tokens", len(inputIDs)),
		zap.Int("generated_tokens", resp.Tokens),
		zap.Duration("duration", resp.Duration))
	return resp, nil
}

func (e *Engine) coldPrompt(request string) (string, error) {
	if !e.tokenizer.HasTemplate() {
		return fmt.Sprintf(fallbackPromptFormat, request), nil
	}
	prompt, err := e.tokenizer.ApplyTemplate([]Message{{Role: "user", Content: request}})
	if err != nil {
		return "", fmt.Errorf("applying chat template: %w", err)
	}
	return prompt, nil
}

// Warm extends handle with request as a new user turn and samples the
// response token by token.
func (e *Engine) Warm(ctx context.Context, request string, handle Handle) (*Response, error) {
	if handle == nil {
		return nil, ErrNoHandle
	}
	start := time.Now()

	followUp, err := e.tokenizer.Encode(fmt.Sprintf(followUpFormat, request))
	if err != nil {
		return nil, fmt.Errorf("encoding follow-up: %w", err)
	}

	last := Snapshot{Handle: handle}
	for snap, err := range e.Steps(ctx, followUp, handle) {
		if err != nil {
			return nil, err
		}
		last = snap
	}

	text, err := e.tokenizer.Decode(last.Tokens)
	if err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, eotMarker, "")
	text = strings.TrimSpace(text)

	resp := &Response{
		Text:         text,
		Handle:       last.Handle,
		Mode:         ModeWarm,
		Tokens:       len(last.Tokens),
		StoppedAtEOS: last.StoppedAtEOS,
		Duration:     time.Since(start),
	}
	e.logger.Debug("Warm decode finished",
		zap.Int("follow_up_tokens", len(followUp)),
		zap.Int("generated_tokens", resp.Tokens),
		zap.Bool("stopped_at_eos", resp.StoppedAtEOS),
		zap.Duration("duration", resp.Duration))
	return resp, nil
}

// Steps runs the incremental decode loop. The first step feeds input on top
// of handle; every later step feeds only the previously chosen token on top
// of the handle from the step before. The sequence ends after MaxNewTokens
// tokens, on end-of-sequence, or on the first error.
func (e *Engine) Steps(ctx context.Context, input []int32, handle Handle) iter.Seq2[Snapshot, error] {
	return func(yield func(Snapshot, error) bool) {
		eos := e.tokenizer.EOSTokenID()
		cur := Snapshot{Step: -1, Handle: handle}
		feed := input

		for i := 0; i < e.config.MaxNewTokens; i++ {
			select {
			case <-ctx.Done():
				yield(Snapshot{}, ctx.Err())
				return
			default:
			}

			out, err := e.model.Step(ctx, feed, cur.Handle)
			if err != nil {
				yield(Snapshot{}, fmt.Errorf("step %d: %w", i, err))
				return
			}

			next, err := selectToken(out.Scores, e.config, e.rng)
			if err != nil {
				yield(Snapshot{}, fmt.Errorf("step %d: %w", i, err))
				return
			}

			if next == eos {
				yield(Snapshot{
					Step:         i,
					Tokens:       cur.Tokens,
					Handle:       cur.Handle,
					StoppedAtEOS: true,
				}, nil)
				return
			}

			cur = Snapshot{
				Step:   i,
				Tokens: append(slices.Clip(cur.Tokens), next),
				Handle: out.Handle,
			}
			if !yield(cur, nil) {
				return
			}
			feed = []int32{next}
		}
	}
}
