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

package annotate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dovinmu/branchwise/lib/tokenizer"
	khugot "github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
	"go.uber.org/zap"
)

// LabeledSpan is one span labeled by a token classification model. Offsets
// are byte offsets into the classified text.
type LabeledSpan struct {
	Label string
	Start int
	End   int
	Score float32
}

// TokenClassifier labels spans of each input text.
type TokenClassifier interface {
	Classify(ctx context.Context, texts []string) ([][]LabeledSpan, error)
	Close() error
}

// HugotClassifier runs a hugot token classification pipeline.
type HugotClassifier struct {
	mu            sync.Mutex
	session       *khugot.Session
	pipeline      *pipelines.TokenClassificationPipeline
	logger        *zap.Logger
	sessionShared bool
}

var _ TokenClassifier = (*HugotClassifier)(nil)

// NewHugotClassifier loads the model at modelPath into session. A nil
// session creates a pure Go session owned by the classifier. onnxFilename
// defaults to "model.onnx".
func NewHugotClassifier(modelPath, onnxFilename string, session *khugot.Session, logger *zap.Logger) (*HugotClassifier, error) {
	if modelPath == "" {
		return nil, errors.New("model path is required")
	}
	if onnxFilename == "" {
		onnxFilename = "model.onnx"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sessionShared := session != nil
	if !sessionShared {
		var err error
		session, err = khugot.NewGoSession()
		if err != nil {
			return nil, fmt.Errorf("creating hugot session: %w", err)
		}
	}

	pipeline, err := khugot.NewPipeline(session, khugot.TokenClassificationConfig{
		ModelPath:    modelPath,
		Name:         fmt.Sprintf("tokens:%s:%s", modelPath, onnxFilename),
		OnnxFilename: onnxFilename,
	})
	if err != nil {
		if !sessionShared {
			_ = session.Destroy()
		}
		return nil, fmt.Errorf("creating token classification pipeline: %w", err)
	}
	// Group adjacent sub-word tokens with the same label.
	pipeline.AggregationStrategy = "SIMPLE"

	logger.Info("Loaded token classification model",
		zap.String("modelPath", modelPath),
		zap.String("onnxFilename", onnxFilename))

	return &HugotClassifier{
		session:       session,
		pipeline:      pipeline,
		logger:        logger,
		sessionShared: sessionShared,
	}, nil
}

// Classify runs the pipeline on texts.
func (c *HugotClassifier) Classify(ctx context.Context, texts []string) ([][]LabeledSpan, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipeline == nil {
		return nil, errors.New("classifier is closed")
	}

	output, err := c.pipeline.RunPipeline(texts)
	if err != nil {
		return nil, fmt.Errorf("running token classification: %w", err)
	}

	results := make([][]LabeledSpan, len(texts))
	for i, entities := range output.Entities {
		if i >= len(texts) {
			break
		}
		spans := make([]LabeledSpan, 0, len(entities))
		for _, pe := range entities {
			spans = append(spans, LabeledSpan{
				Label: pe.Entity,
				Start: int(pe.Start),
				End:   int(pe.End),
				Score: pe.Score,
			})
		}
		results[i] = spans
	}
	return results, nil
}

// Close releases the session when the classifier owns it.
func (c *HugotClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipeline = nil
	if c.session != nil && !c.sessionShared {
		s := c.session
		c.session = nil
		return s.Destroy()
	}
	return nil
}

// HugotConfig selects the models used by LoadHugotAnnotator.
type HugotConfig struct {
	// NERModel is the directory of a token classification NER model
	// (e.g., dslim/bert-base-NER). Required.
	NERModel string
	// POSModel is the directory of a part-of-speech token classification
	// model. Optional; the lexicon tags tokens when empty.
	POSModel string
	// OnnxFilename defaults to "model.onnx".
	OnnxFilename string
}

// HugotAnnotator tags text with token classification models. Entities come
// from the NER model. Part-of-speech tags come from the POS model when one
// is set; tokens the model does not cover keep their lexicon tags. Numbers
// found by the lexicon are kept as CARDINAL entities, which CoNLL-style NER
// models do not produce.
type HugotAnnotator struct {
	ner     TokenClassifier
	pos     TokenClassifier
	lexicon *LexiconAnnotator
	logger  *zap.Logger
}

var _ Annotator = (*HugotAnnotator)(nil)

// NewHugotAnnotator creates an annotator over ner and an optional pos
// classifier. segmenter splits tokens as in NewLexiconAnnotator.
func NewHugotAnnotator(ner, pos TokenClassifier, segmenter tokenizer.Segmenter, logger *zap.Logger) *HugotAnnotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HugotAnnotator{
		ner:     ner,
		pos:     pos,
		lexicon: NewLexiconAnnotator(segmenter, logger.Named("lexicon")),
		logger:  logger,
	}
}

// LoadHugotAnnotator loads the configured models into one pure Go session.
func LoadHugotAnnotator(config HugotConfig, segmenter tokenizer.Segmenter, logger *zap.Logger) (*HugotAnnotator, error) {
	if config.NERModel == "" {
		return nil, errors.New("NER model path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	session, err := khugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("creating hugot session: %w", err)
	}

	ner, err := NewHugotClassifier(config.NERModel, config.OnnxFilename, session, logger.Named("ner"))
	if err != nil {
		_ = session.Destroy()
		return nil, fmt.Errorf("loading NER model: %w", err)
	}

	var pos TokenClassifier
	if config.POSModel != "" {
		p, err := NewHugotClassifier(config.POSModel, config.OnnxFilename, session, logger.Named("pos"))
		if err != nil {
			_ = session.Destroy()
			return nil, fmt.Errorf("loading POS model: %w", err)
		}
		pos = p
	}

	a := NewHugotAnnotator(ner, pos, segmenter, logger)
	a.ner = &ownedSession{TokenClassifier: ner, session: session}
	return a, nil
}

// ownedSession destroys the shared session after closing its classifier.
type ownedSession struct {
	TokenClassifier
	session *khugot.Session
}

func (o *ownedSession) Close() error {
	return errors.Join(o.TokenClassifier.Close(), o.session.Destroy())
}

// Annotate tags text with the models.
func (a *HugotAnnotator) Annotate(ctx context.Context, text string) (*Annotation, error) {
	ann, err := a.lexicon.Annotate(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(ann.Tokens) == 0 {
		return ann, nil
	}

	if a.pos != nil {
		spans, err := classifyOne(ctx, a.pos, text)
		if err != nil {
			return nil, fmt.Errorf("tagging parts of speech: %w", err)
		}
		applyPOS(ann.Tokens, spans)
	}

	spans, err := classifyOne(ctx, a.ner, text)
	if err != nil {
		return nil, fmt.Errorf("recognizing entities: %w", err)
	}
	ann.Entities = mergeEntities(text, spans, ann.Entities)

	a.logger.Debug("Annotated text",
		zap.Int("tokens", len(ann.Tokens)),
		zap.Int("entities", len(ann.Entities)))
	return ann, nil
}

// Close releases the models.
func (a *HugotAnnotator) Close() error {
	var errs []error
	if a.pos != nil {
		errs = append(errs, a.pos.Close())
	}
	errs = append(errs, a.ner.Close())
	return errors.Join(errs...)
}

func classifyOne(ctx context.Context, c TokenClassifier, text string) ([]LabeledSpan, error) {
	out, err := c.Classify(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

// ptbToUPOS maps Penn Treebank tags to universal POS tags.
var ptbToUPOS = map[string]string{
	"CC": "CCONJ", "CD": "NUM", "DT": "DET", "EX": "PRON", "FW": "X",
	"IN": "ADP", "JJ": "ADJ", "JJR": "ADJ", "JJS": "ADJ", "LS": "X",
	"MD": "AUX", "NN": "NOUN", "NNS": "NOUN", "NNP": "PROPN", "NNPS": "PROPN",
	"PDT": "DET", "POS": "PART", "PRP": "PRON", "PRP$": "PRON", "RB": "ADV",
	"RBR": "ADV", "RBS": "ADV", "RP": "ADP", "SYM": "SYM", "TO": "PART",
	"UH": "INTJ", "VB": "VERB", "VBD": "VERB", "VBG": "VERB", "VBN": "VERB",
	"VBP": "VERB", "VBZ": "VERB", "WDT": "DET", "WP": "PRON", "WP$": "DET",
	"WRB": "ADV",
}

var universalPOS = map[string]bool{
	"ADJ": true, "ADP": true, "ADV": true, "AUX": true, "CCONJ": true,
	"DET": true, "INTJ": true, "NOUN": true, "NUM": true, "PART": true,
	"PRON": true, "PROPN": true, "PUNCT": true, "SCONJ": true, "SYM": true,
	"VERB": true, "X": true,
}

// applyPOS copies model labels onto the tokens whose start they cover.
// Penn Treebank labels set both Tag and POS; universal labels set POS and
// keep the lexicon's fine-grained Tag. A verb the lexicon knows as an
// auxiliary stays AUX.
func applyPOS(tokens []Token, spans []LabeledSpan) {
	for i := range tokens {
		tok := &tokens[i]
		for _, s := range spans {
			if tok.Start < s.Start || tok.Start >= s.End {
				continue
			}
			label := stripBIO(s.Label)
			if upos, ok := ptbToUPOS[label]; ok {
				if !(upos == "VERB" && tok.POS == "AUX") {
					tok.POS = upos
				}
				tok.Tag = label
			} else if universalPOS[label] {
				tok.POS = label
			}
			break
		}
	}
}

// mergeEntities converts model spans to entities and keeps lexicon numbers
// that no model entity overlaps.
func mergeEntities(text string, spans []LabeledSpan, lexicon []Entity) []Entity {
	var entities []Entity
	for _, s := range spans {
		label := normalizeEntityLabel(s.Label)
		if label == "" || s.Start < 0 || s.End > len(text) || s.Start >= s.End {
			continue
		}
		entities = append(entities, Entity{
			Text:  text[s.Start:s.End],
			Label: label,
			Start: s.Start,
			End:   s.End,
			Score: s.Score,
		})
	}

	for _, e := range lexicon {
		if e.Label != labelCardinal {
			continue
		}
		overlaps := false
		for _, m := range entities {
			if e.Start < m.End && m.Start < e.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			entities = append(entities, e)
		}
	}
	return entities
}

func stripBIO(label string) string {
	label = strings.ToUpper(label)
	if len(label) >= 2 && label[1] == '-' {
		label = label[2:]
	}
	return label
}

// normalizeEntityLabel strips BIO prefixes and folds common label variants.
// Outside labels return "".
func normalizeEntityLabel(label string) string {
	if label == "" || label == "O" {
		return ""
	}
	switch l := stripBIO(label); l {
	case "PERSON", "PEOPLE":
		return "PER"
	case "ORGANIZATION", "ORGANISATION", "COMPANY":
		return "ORG"
	case "LOCATION", "GPE", "PLACE":
		return "LOC"
	default:
		return l
	}
}
