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

// Package scaffolding scores how strongly a new request depends on the turn
// that preceded it. A high score means the request only makes sense as a
// continuation of the current branch.
package scaffolding

import (
	"context"
	"errors"
	"fmt"

	"github.com/dovinmu/branchwise/lib/annotate"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

// ErrDimensionMismatch is returned when two embeddings differ in length.
var ErrDimensionMismatch = errors.New("embedding dimensions differ")

// Embedder turns texts into dense vectors, one per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config holds the scoring constants.
type Config struct {
	// Threshold is the score a request must exceed to continue a branch.
	Threshold float64
	// AnchorScore is assigned when the request contains an anchor word.
	AnchorScore float64
	// EntityDeficitScore is assigned to bare questions with no entities.
	EntityDeficitScore float64
	// SelfContainedPenalty scales the similarity of requests that name
	// their own entities.
	SelfContainedPenalty float64
	// AnchorWords are lowercase words that refer back to earlier content.
	AnchorWords []string
	// QuestionTags are fine-grained tags of wh-words.
	QuestionTags []string
}

// DefaultConfig returns the standard scoring constants.
func DefaultConfig() Config {
	return Config{
		Threshold:            0.65,
		AnchorScore:          0.95,
		EntityDeficitScore:   0.80,
		SelfContainedPenalty: 0.5,
		AnchorWords:          []string{"it", "its", "that", "those", "they", "their", "them"},
		QuestionTags:         []string{"WDT", "WP", "WP$", "WRB"},
	}
}

// Tier identifies the rule that produced a score.
type Tier int

const (
	TierAnchor Tier = iota + 1
	TierEntityDeficit
	TierSimilarity
)

func (t Tier) String() string {
	switch t {
	case TierAnchor:
		return "anchor"
	case TierEntityDeficit:
		return "entity_deficit"
	case TierSimilarity:
		return "similarity"
	default:
		return "unknown"
	}
}

// Context is the turn a request is scored against.
type Context struct {
	Request  string
	Response string
}

// String renders the context the way it is embedded.
func (c Context) String() string {
	return fmt.Sprintf("User Asked: %s | Model Response: %s", c.Request, c.Response)
}

// Result is the outcome of scoring one request.
type Result struct {
	Score float64
	Tier  Tier
	// Similarity is the raw cosine similarity; zero unless Tier is TierSimilarity.
	Similarity float64
	// Penalized reports whether the self-contained penalty was applied.
	Penalized bool
}

// Scorer computes dependency scores.
type Scorer struct {
	annotator annotate.Annotator
	embedder  Embedder
	config    Config
	anchors   map[string]struct{}
	questions map[string]struct{}
	logger    *zap.Logger
}

// NewScorer creates a scorer.
func NewScorer(annotator annotate.Annotator, embedder Embedder, config Config, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scorer{
		annotator: annotator,
		embedder:  embedder,
		config:    config,
		anchors:   make(map[string]struct{}, len(config.AnchorWords)),
		questions: make(map[string]struct{}, len(config.QuestionTags)),
		logger:    logger,
	}
	for _, w := range config.AnchorWords {
		s.anchors[w] = struct{}{}
	}
	for _, tag := range config.QuestionTags {
		s.questions[tag] = struct{}{}
	}
	return s
}

// Score rates how much request depends on last. The first applicable rule
// wins: anchor words, then bare questions without entities, then embedding
// similarity.
func (s *Scorer) Score(ctx context.Context, request string, last Context) (Result, error) {
	ann, err := s.annotator.Annotate(ctx, request)
	if err != nil {
		return Result{}, fmt.Errorf("annotating request: %w", err)
	}

	for _, tok := range ann.Tokens {
		if _, ok := s.anchors[tok.Lower]; ok {
			s.logger.Debug("Anchor word found", zap.String("word", tok.Lower))
			return Result{Score: s.config.AnchorScore, Tier: TierAnchor}, nil
		}
	}

	if first, ok := ann.First(); ok && len(ann.Entities) == 0 {
		_, wh := s.questions[first.Tag]
		if first.POS == "AUX" || wh {
			s.logger.Debug("Bare question without entities",
				zap.String("first", first.Text),
				zap.String("tag", first.Tag))
			return Result{Score: s.config.EntityDeficitScore, Tier: TierEntityDeficit}, nil
		}
	}

	vecs, err := s.embedder.Embed(ctx, []string{request, last.String()})
	if err != nil {
		return Result{}, fmt.Errorf("embedding request and context: %w", err)
	}
	if len(vecs) != 2 {
		return Result{}, fmt.Errorf("embedder returned %d vectors for 2 texts", len(vecs))
	}

	sim, err := Cosine(vecs[0], vecs[1])
	if err != nil {
		return Result{}, err
	}

	res := Result{Score: sim, Tier: TierSimilarity, Similarity: sim}
	if len(ann.Entities) > 0 {
		res.Score = sim * s.config.SelfContainedPenalty
		res.Penalized = true
	}

	s.logger.Debug("Similarity score",
		zap.Float64("similarity", sim),
		zap.Float64("score", res.Score),
		zap.Int("entities", len(ann.Entities)))

	return res, nil
}

// IsContinuation reports whether score is strictly above the threshold.
func (s *Scorer) IsContinuation(score float64) bool {
	return score > s.config.Threshold
}

// Cosine returns the cosine similarity of a and b. Zero vectors have zero
// similarity with everything.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	if len(a) == 0 {
		return 0, nil
	}

	x := widen(a)
	y := widen(b)
	nx, ny := floats.Norm(x, 2), floats.Norm(y, 2)
	if nx == 0 || ny == 0 {
		return 0, nil
	}
	return floats.Dot(x, y) / (nx * ny), nil
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
