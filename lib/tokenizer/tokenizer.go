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

// Package tokenizer provides word segmentation for text annotation and BPE
// token counting for display.
package tokenizer

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/pretokenizer"
	"github.com/sugarme/tokenizer/util"
)

// Tokenizer provides token counting.
type Tokenizer interface {
	// CountTokens returns the number of tokens in the text.
	CountTokens(text string) int
}

// Span is a word or punctuation mark located in the source text.
type Span struct {
	Text string `json:"text"`
	// Start is the byte offset where the span begins.
	Start int `json:"start"`
	// End is the byte offset where the span ends (exclusive).
	End int `json:"end"`
}

// Segmenter splits text into word and punctuation spans.
type Segmenter interface {
	Segment(text string) []Span
}

// SegmenterFunc adapts a function to the Segmenter interface.
type SegmenterFunc func(text string) []Span

// Segment calls f(text).
func (f SegmenterFunc) Segment(text string) []Span {
	return f(text)
}

// wordPattern mirrors BERT pre-tokenization: runs of letters, marks and
// digits, or single punctuation/symbol characters.
var wordPattern = regexp2.MustCompile(`[\p{L}\p{M}\p{N}]+|[^\s\p{L}\p{M}\p{N}]`, regexp2.None)

// WordSegmenter splits text the way BERT pre-tokenization does. Every word
// maps to the unknown token of an otherwise empty WordPiece vocabulary, so
// only the offsets of the encoding are used.
type WordSegmenter struct {
	tokenizer *tokenizer.Tokenizer
}

var _ Segmenter = (*WordSegmenter)(nil)

// NewWordSegmenter creates a segmenter backed by the BERT pre-tokenizer.
func NewWordSegmenter() (*WordSegmenter, error) {
	vocab := model.Vocab{"[UNK]": 0}
	opts := util.NewParams(map[string]any{
		"unk_token": "[UNK]",
	})
	wp, err := wordpiece.New(vocab, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create wordpiece model: %w", err)
	}

	tk := tokenizer.NewTokenizer(wp)
	tk.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())

	return &WordSegmenter{tokenizer: tk}, nil
}

// Segment returns the spans of text. When the underlying tokenizer fails,
// panics, or reports offsets that do not line up with the input, the regexp
// segmenter is used instead.
func (s *WordSegmenter) Segment(text string) (spans []Span) {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	// github.com/sugarme/tokenizer can panic on unusual input
	defer func() {
		if r := recover(); r != nil {
			spans = RegexpSegment(text)
		}
	}()

	enc, err := s.tokenizer.EncodeSingle(text, false)
	if err != nil {
		return RegexpSegment(text)
	}

	spans = make([]Span, 0, len(enc.Offsets))
	prevEnd := 0
	for _, off := range enc.Offsets {
		if len(off) != 2 || !validSpan(text, off[0], off[1], prevEnd) {
			return RegexpSegment(text)
		}
		spans = append(spans, Span{Text: text[off[0]:off[1]], Start: off[0], End: off[1]})
		prevEnd = off[1]
	}
	return spans
}

func validSpan(text string, start, end, prevEnd int) bool {
	if start < prevEnd || end <= start || end > len(text) {
		return false
	}
	if !utf8.RuneStart(text[start]) || (end < len(text) && !utf8.RuneStart(text[end])) {
		return false
	}
	return strings.IndexFunc(text[start:end], unicode.IsSpace) < 0
}

// RegexpSegment splits text into word and punctuation spans without a
// tokenizer model.
func RegexpSegment(text string) []Span {
	// regexp2 reports rune offsets; map them back to bytes.
	byteAt := make([]int, 0, len(text)+1)
	for i := range text {
		byteAt = append(byteAt, i)
	}
	byteAt = append(byteAt, len(text))

	var spans []Span
	m, err := wordPattern.FindStringMatch(text)
	for err == nil && m != nil {
		start, end := byteAt[m.Index], byteAt[m.Index+m.Length]
		spans = append(spans, Span{Text: text[start:end], Start: start, End: end})
		m, err = wordPattern.FindNextMatch(m)
	}
	return spans
}

// BPETokenizer uses OpenAI's tiktoken BPE tokenization.
type BPETokenizer struct {
	tiktoken *tiktoken.Tiktoken
}

func init() {
	// Set the offline loader for tiktoken to avoid network requests
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// NewBPETokenizer creates a BPE tokenizer using tiktoken-go with embedded dictionaries.
// An empty encoding selects "cl100k_base".
func NewBPETokenizer(encoding string) (*BPETokenizer, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}

	tk, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding %q: %w", encoding, err)
	}

	return &BPETokenizer{tiktoken: tk}, nil
}

// CountTokens returns the number of tokens in the text.
func (t *BPETokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(t.tiktoken.Encode(text, nil, nil))
}
