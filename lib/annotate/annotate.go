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

// Package annotate tags text with coarse part-of-speech information and
// named-entity spans.
package annotate

import "context"

// Token is a single word or punctuation mark with its tags.
type Token struct {
	// Text is the token as it appears in the source text
	Text string `json:"text"`
	// Lower is the lowercase form of Text
	Lower string `json:"lower"`
	// POS is the coarse universal part-of-speech tag (e.g., "AUX", "PRON", "PROPN")
	POS string `json:"pos"`
	// Tag is the fine-grained Penn Treebank tag (e.g., "WRB", "VBZ", "NNP")
	Tag string `json:"tag"`
	// Start is the byte offset where the token begins
	Start int `json:"start"`
	// End is the byte offset where the token ends (exclusive)
	End int `json:"end"`
}

// Entity represents a named entity extracted from text.
type Entity struct {
	// Text is the entity text (e.g., "John Smith")
	Text string `json:"text"`
	// Label is the entity type (e.g., "MISC", "ORG", "CARDINAL")
	Label string `json:"label"`
	// Start is the byte offset where the entity begins
	Start int `json:"start"`
	// End is the byte offset where the entity ends (exclusive)
	End int `json:"end"`
	// Score is the confidence score (0.0 to 1.0)
	Score float32 `json:"score"`
}

// Annotation is the result of annotating one text.
type Annotation struct {
	Tokens   []Token  `json:"tokens"`
	Entities []Entity `json:"entities"`
}

// First returns the first token, or false for an empty annotation.
func (a *Annotation) First() (Token, bool) {
	if a == nil || len(a.Tokens) == 0 {
		return Token{}, false
	}
	return a.Tokens[0], true
}

// Annotator tags text with part-of-speech tags and entities.
type Annotator interface {
	Annotate(ctx context.Context, text string) (*Annotation, error)
}

// AnnotatorFunc adapts a function to the Annotator interface.
type AnnotatorFunc func(ctx context.Context, text string) (*Annotation, error)

// Annotate calls f(ctx, text).
func (f AnnotatorFunc) Annotate(ctx context.Context, text string) (*Annotation, error) {
	return f(ctx, text)
}
