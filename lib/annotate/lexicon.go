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
	"strings"
	"unicode"

	"github.com/dovinmu/branchwise/lib/tokenizer"
	"go.uber.org/zap"
)

type tagPair struct {
	pos string
	tag string
}

// closedClass covers the function words whose tags do not depend on context
// in short conversational requests.
var closedClass = map[string]tagPair{
	// wh-words
	"what": {"PRON", "WP"}, "who": {"PRON", "WP"}, "whom": {"PRON", "WP"},
	"whoever": {"PRON", "WP"}, "whatever": {"PRON", "WP"},
	"whose": {"DET", "WP$"},
	"which": {"DET", "WDT"}, "whichever": {"DET", "WDT"},
	"where": {"ADV", "WRB"}, "when": {"ADV", "WRB"}, "why": {"ADV", "WRB"},
	"how": {"ADV", "WRB"}, "wherever": {"ADV", "WRB"}, "whenever": {"ADV", "WRB"},

	// auxiliaries and modals, including contraction stems left by segmentation
	"am": {"AUX", "VBP"}, "are": {"AUX", "VBP"}, "is": {"AUX", "VBZ"},
	"was": {"AUX", "VBD"}, "were": {"AUX", "VBD"}, "be": {"AUX", "VB"},
	"been": {"AUX", "VBN"}, "being": {"AUX", "VBG"},
	"do": {"AUX", "VBP"}, "does": {"AUX", "VBZ"}, "did": {"AUX", "VBD"},
	"have": {"AUX", "VBP"}, "has": {"AUX", "VBZ"}, "had": {"AUX", "VBD"},
	"can": {"AUX", "MD"}, "could": {"AUX", "MD"}, "will": {"AUX", "MD"},
	"would": {"AUX", "MD"}, "shall": {"AUX", "MD"}, "should": {"AUX", "MD"},
	"may": {"AUX", "MD"}, "might": {"AUX", "MD"}, "must": {"AUX", "MD"},
	"isn": {"AUX", "VBZ"}, "aren": {"AUX", "VBP"}, "wasn": {"AUX", "VBD"},
	"weren": {"AUX", "VBD"}, "don": {"AUX", "VBP"}, "doesn": {"AUX", "VBZ"},
	"didn": {"AUX", "VBD"}, "haven": {"AUX", "VBP"}, "hasn": {"AUX", "VBZ"},
	"hadn": {"AUX", "VBD"}, "couldn": {"AUX", "MD"}, "wouldn": {"AUX", "MD"},
	"shouldn": {"AUX", "MD"}, "won": {"AUX", "MD"}, "ca": {"AUX", "MD"},

	// pronouns
	"i": {"PRON", "PRP"}, "me": {"PRON", "PRP"}, "you": {"PRON", "PRP"},
	"he": {"PRON", "PRP"}, "him": {"PRON", "PRP"}, "she": {"PRON", "PRP"},
	"it": {"PRON", "PRP"}, "we": {"PRON", "PRP"}, "us": {"PRON", "PRP"},
	"they": {"PRON", "PRP"}, "them": {"PRON", "PRP"},
	"my": {"PRON", "PRP$"}, "your": {"PRON", "PRP$"}, "his": {"PRON", "PRP$"},
	"her": {"PRON", "PRP$"}, "its": {"PRON", "PRP$"}, "our": {"PRON", "PRP$"},
	"their": {"PRON", "PRP$"},

	// determiners
	"the": {"DET", "DT"}, "a": {"DET", "DT"}, "an": {"DET", "DT"},
	"this": {"DET", "DT"}, "that": {"DET", "DT"}, "these": {"DET", "DT"},
	"those": {"DET", "DT"}, "some": {"DET", "DT"}, "any": {"DET", "DT"},
	"each": {"DET", "DT"}, "every": {"DET", "DT"}, "no": {"DET", "DT"},
	"all": {"DET", "DT"},

	// adpositions and conjunctions
	"of": {"ADP", "IN"}, "in": {"ADP", "IN"}, "on": {"ADP", "IN"},
	"at": {"ADP", "IN"}, "by": {"ADP", "IN"}, "for": {"ADP", "IN"},
	"with": {"ADP", "IN"}, "about": {"ADP", "IN"}, "from": {"ADP", "IN"},
	"into": {"ADP", "IN"}, "over": {"ADP", "IN"}, "under": {"ADP", "IN"},
	"after": {"ADP", "IN"}, "before": {"ADP", "IN"}, "between": {"ADP", "IN"},
	"through": {"ADP", "IN"}, "during": {"ADP", "IN"}, "without": {"ADP", "IN"},
	"to": {"PART", "TO"}, "not": {"PART", "RB"},
	"and": {"CCONJ", "CC"}, "or": {"CCONJ", "CC"}, "but": {"CCONJ", "CC"},
	"nor": {"CCONJ", "CC"},
	"if": {"SCONJ", "IN"}, "because": {"SCONJ", "IN"}, "although": {"SCONJ", "IN"},
	"while": {"SCONJ", "IN"}, "since": {"SCONJ", "IN"}, "unless": {"SCONJ", "IN"},

	// common sentence openers that are not names
	"please": {"INTJ", "UH"}, "yes": {"INTJ", "UH"}, "hi": {"INTJ", "UH"},
	"hello": {"INTJ", "UH"}, "thanks": {"INTJ", "UH"}, "ok": {"INTJ", "UH"},
	"okay": {"INTJ", "UH"},
}

// requestVerbs open imperative requests. Listing them keeps a capitalized
// first word like "Explain" from being read as a name.
var requestVerbs = []string{
	"ask", "calculate", "compare", "continue", "convert", "create", "define",
	"describe", "elaborate", "explain", "find", "give", "go", "help", "keep",
	"let", "list", "make", "name", "recommend", "rewrite", "say", "show",
	"suggest", "summarize", "tell", "translate", "try", "use", "write",
}

func init() {
	for _, v := range requestVerbs {
		closedClass[v] = tagPair{"VERB", "VB"}
	}
}

const (
	labelName     = "MISC"
	labelAcronym  = "ORG"
	labelCardinal = "CARDINAL"
)

// LexiconAnnotator tags text with a closed-class lexicon plus orthographic
// rules. Capitalized words that are not sentence-initial become entities,
// as do acronyms and numbers. A sentence-initial capitalized word is a name
// when the next word is capitalized too or reads as a finite verb
// ("Tesla makes", "Einstein developed", "Paris is"). Lowercase names are not
// detected; HugotAnnotator covers those.
type LexiconAnnotator struct {
	segmenter tokenizer.Segmenter
	logger    *zap.Logger
}

var _ Annotator = (*LexiconAnnotator)(nil)

// NewLexiconAnnotator creates an annotator. A nil segmenter selects the
// regexp segmenter.
func NewLexiconAnnotator(segmenter tokenizer.Segmenter, logger *zap.Logger) *LexiconAnnotator {
	if segmenter == nil {
		segmenter = tokenizer.SegmenterFunc(tokenizer.RegexpSegment)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LexiconAnnotator{segmenter: segmenter, logger: logger}
}

// Annotate tags text. It never fails for well-formed strings.
func (a *LexiconAnnotator) Annotate(ctx context.Context, text string) (*Annotation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	spans := a.segmenter.Segment(text)
	ann := &Annotation{Tokens: make([]Token, 0, len(spans))}

	sentenceStart := true
	initial := make([]bool, len(spans))
	for i, span := range spans {
		lower := strings.ToLower(span.Text)
		pair := tagWord(span.Text, lower)
		ann.Tokens = append(ann.Tokens, Token{
			Text:  span.Text,
			Lower: lower,
			POS:   pair.pos,
			Tag:   pair.tag,
			Start: span.Start,
			End:   span.End,
		})
		initial[i] = sentenceStart
		sentenceStart = isSentenceEnd(span.Text)
	}

	ann.Entities = findEntities(text, ann.Tokens, initial)

	a.logger.Debug("Annotated text",
		zap.Int("tokens", len(ann.Tokens)),
		zap.Int("entities", len(ann.Entities)))

	return ann, nil
}

func tagWord(text, lower string) tagPair {
	if pair, ok := closedClass[lower]; ok {
		return pair
	}
	switch {
	case isNumber(text):
		return tagPair{"NUM", "CD"}
	case isPunct(text):
		if isSentenceEnd(text) {
			return tagPair{"PUNCT", "."}
		}
		return tagPair{"PUNCT", text}
	case isCapitalized(text):
		return tagPair{"PROPN", "NNP"}
	case strings.HasSuffix(lower, "ly"):
		return tagPair{"ADV", "RB"}
	case strings.HasSuffix(lower, "ing"):
		return tagPair{"VERB", "VBG"}
	case strings.HasSuffix(lower, "ed"):
		return tagPair{"VERB", "VBD"}
	default:
		return tagPair{"NOUN", "NN"}
	}
}

// findEntities groups adjacent name tokens into spans and adds acronyms and
// numbers.
func findEntities(text string, tokens []Token, initial []bool) []Entity {
	var entities []Entity

	nameAt := func(i int) bool {
		if i >= len(tokens) || tokens[i].POS != "PROPN" {
			return false
		}
		if !initial[i] {
			return true
		}
		return i+1 < len(tokens) && (tokens[i+1].POS == "PROPN" || isFiniteVerb(tokens[i+1]))
	}

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case tok.POS == "NUM":
			entities = append(entities, Entity{
				Text: tok.Text, Label: labelCardinal,
				Start: tok.Start, End: tok.End, Score: 1,
			})
		case tok.POS == "PROPN" && isAcronym(tok.Text):
			entities = append(entities, Entity{
				Text: tok.Text, Label: labelAcronym,
				Start: tok.Start, End: tok.End, Score: 1,
			})
		case nameAt(i):
			j := i + 1
			for j < len(tokens) && tokens[j].POS == "PROPN" && !initial[j] && !isAcronym(tokens[j].Text) {
				j++
			}
			start, end := tok.Start, tokens[j-1].End
			entities = append(entities, Entity{
				Text: text[start:end], Label: labelName,
				Start: start, End: end, Score: 1,
			})
			i = j - 1
		}
	}
	return entities
}

// isFiniteVerb reports whether tok can follow a subject: an auxiliary, a
// past form, or a lowercase third-person "-s" form.
func isFiniteVerb(tok Token) bool {
	switch {
	case tok.POS == "AUX":
		return true
	case tok.Tag == "VBD":
		return true
	case tok.POS != "NOUN" || tok.Text != tok.Lower:
		return false
	}
	l := tok.Lower
	return len(l) > 2 && strings.HasSuffix(l, "s") &&
		!strings.HasSuffix(l, "ss") && !strings.HasSuffix(l, "us") && !strings.HasSuffix(l, "is")
}

func isSentenceEnd(s string) bool {
	return s == "." || s == "?" || s == "!"
}

func isPunct(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

func isNumber(s string) bool {
	hasDigit := false
	for _, r := range s {
		if unicode.IsDigit(r) {
			hasDigit = true
		} else if !unicode.IsLetter(r) {
			return false
		}
	}
	return hasDigit
}

func isCapitalized(s string) bool {
	for _, r := range s {
		return unicode.IsUpper(r)
	}
	return false
}

func isAcronym(s string) bool {
	letters := 0
	for _, r := range s {
		if !unicode.IsUpper(r) {
			return false
		}
		letters++
	}
	return letters >= 2
}
