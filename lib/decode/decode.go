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

// Package decode turns a request into a model response, either from scratch
// (cold) or by extending a previous continuation handle token by token (warm).
package decode

import (
	"context"
	"errors"
)

var (
	// ErrNoHandle is returned when a warm decode is requested without a handle.
	ErrNoHandle = errors.New("warm decode requires a continuation handle")
	// ErrEmptyScores is returned when a model step yields no finite scores.
	ErrEmptyScores = errors.New("model returned no usable scores")
	// ErrNoTemplate is returned by tokenizers that have no chat template.
	ErrNoTemplate = errors.New("tokenizer has no chat template")
)

// Handle is the opaque continuation state a model returns after processing a
// sequence. Handles are immutable: every model call returns a new one.
type Handle any

// Message is a chat message fed to a tokenizer's template.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tokenizer converts between text and token IDs.
type Tokenizer interface {
	Encode(text string) ([]int32, error)
	// Decode renders ids as text, skipping special tokens.
	Decode(ids []int32) (string, error)
	// EOSTokenID is the end-of-sequence token.
	EOSTokenID() int32
	// HasTemplate reports whether ApplyTemplate is supported.
	HasTemplate() bool
	// ApplyTemplate renders messages as a prompt ending with the assistant
	// generation header.
	ApplyTemplate(messages []Message) (string, error)
}

// Generation is the result of a full cold generation.
type Generation struct {
	// Sequence is the input followed by the generated tokens.
	Sequence []int32
	// Handle covers everything in Sequence.
	Handle Handle
}

// StepOutput is the result of one incremental forward step.
type StepOutput struct {
	// Scores are next-token scores indexed by token ID.
	Scores []float32
	// Handle covers the previous handle plus the step's input tokens.
	Handle Handle
}

// Model runs the forward passes.
type Model interface {
	// Generate produces a complete continuation of inputIDs.
	Generate(ctx context.Context, inputIDs []int32, config Config) (*Generation, error)
	// Step processes inputIDs on top of handle and returns next-token scores.
	Step(ctx context.Context, inputIDs []int32, handle Handle) (*StepOutput, error)
}

// Config controls generation.
type Config struct {
	// MaxNewTokens is the maximum number of tokens to generate.
	MaxNewTokens int
	// DoSample enables sampling (vs greedy decoding).
	DoSample bool
	// Temperature for sampling (higher = more random).
	Temperature float32
	// TopP (nucleus sampling) limits sampling to the smallest prefix of
	// candidates whose cumulative probability reaches TopP.
	TopP float32
}

// DefaultConfig returns the standard generation settings.
func DefaultConfig() *Config {
	return &Config{
		MaxNewTokens: 200,
		DoSample:     true,
		Temperature:  0.7,
		TopP:         0.9,
	}
}

// Mode is the decode path used for a response.
type Mode string

const (
	ModeCold Mode = "cold"
	ModeWarm Mode = "warm"
)
