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
	"fmt"
	"net/http"
	"net/url"

	"github.com/dovinmu/branchwise/lib/annotate"
	"github.com/dovinmu/branchwise/lib/backends"
	"github.com/dovinmu/branchwise/lib/decode"
	"github.com/dovinmu/branchwise/lib/embeddings"
	"github.com/dovinmu/branchwise/lib/scaffolding"
	"github.com/dovinmu/branchwise/lib/tokenizer"
	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

// Version information - set at build time via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// Config configures a session backed by an Ollama server.
type Config struct {
	// OllamaURL is the server address. Empty uses OLLAMA_HOST or the default.
	OllamaURL string `json:"ollama_url"`
	// Model generates responses.
	Model string `json:"model"`
	// EmbedModel embeds requests for similarity scoring.
	EmbedModel string `json:"embed_model"`
	// MaxNewTokens caps each response.
	MaxNewTokens int `json:"max_new_tokens"`
	// TopLogprobs is the number of candidates scored per warm step.
	TopLogprobs int `json:"top_logprobs"`
	// Seed makes sampling reproducible when non-zero.
	Seed uint64 `json:"seed"`
	// NERModel is a token classification model directory used for entity
	// recognition. Empty selects the lexicon annotator.
	NERModel string `json:"ner_model"`
	// POSModel is an optional part-of-speech model directory used with
	// NERModel.
	POSModel string `json:"pos_model"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Model:        "llama3.2:1b",
		EmbedModel:   "all-minilm",
		MaxNewTokens: decode.DefaultConfig().MaxNewTokens,
		TopLogprobs:  backends.DefaultTopLogprobs,
	}
}

// App is a session with its supporting caches.
type App struct {
	Session *Session

	embedCache *EmbeddingCache
	annCache   *AnnotationCache
	models     *annotate.HugotAnnotator
	logger     *zap.Logger
}

// New wires a session from config.
func New(config Config, zl *zap.Logger) (*App, error) {
	zl = zl.Named("branchwise")

	client, err := NewOllamaClient(config.OllamaURL)
	if err != nil {
		return nil, err
	}

	var seg tokenizer.Segmenter
	if ws, err := tokenizer.NewWordSegmenter(); err != nil {
		zl.Warn("Falling back to regexp segmentation", zap.Error(err))
	} else {
		seg = ws
	}

	var (
		base   annotate.Annotator
		name   string
		models *annotate.HugotAnnotator
	)
	if config.NERModel != "" {
		models, err = annotate.LoadHugotAnnotator(annotate.HugotConfig{
			NERModel: config.NERModel,
			POSModel: config.POSModel,
		}, seg, zl.Named("hugot"))
		if err != nil {
			return nil, fmt.Errorf("loading annotation models: %w", err)
		}
		base, name = models, "hugot:"+config.NERModel+":"+config.POSModel
	} else {
		zl.Info("No NER model configured, using lexicon annotator")
		base, name = annotate.NewLexiconAnnotator(seg, zl.Named("lexicon")), "lexicon"
	}

	annCache := NewAnnotationCache(zl.Named("annotation"))
	annotator := annCache.WrapAnnotator(base, name)

	embedCache := NewEmbeddingCache(zl.Named("embedding"))
	embedder := embedCache.WrapEmbedder(
		embeddings.NewOllamaEmbedder(client, embeddings.OllamaEmbedderConfig{Model: config.EmbedModel}, zl.Named("embedder")),
		config.EmbedModel,
	)

	scorer := scaffolding.NewScorer(annotator, embeddings.NewTextEmbedder(embedder), scaffolding.DefaultConfig(), zl.Named("scaffolding"))

	backend := backends.NewOllama(client, backends.OllamaConfig{
		Model:       config.Model,
		TopLogprobs: config.TopLogprobs,
	}, zl.Named("ollama"))

	genConfig := decode.DefaultConfig()
	if config.MaxNewTokens > 0 {
		genConfig.MaxNewTokens = config.MaxNewTokens
	}
	var opts []decode.Option
	if config.Seed != 0 {
		opts = append(opts, decode.WithSeed(config.Seed))
	}
	engine := decode.NewEngine(backend, backend, genConfig, zl.Named("decode"), opts...)

	zl.Info("Session ready",
		zap.String("model", config.Model),
		zap.String("embed_model", config.EmbedModel),
		zap.Int("max_new_tokens", genConfig.MaxNewTokens))

	return &App{
		Session:    NewSession(scorer, engine, zl.Named("session")),
		embedCache: embedCache,
		annCache:   annCache,
		models:     models,
		logger:     zl,
	}, nil
}

// Close stops the caches and releases any loaded models.
func (a *App) Close() {
	a.embedCache.Close()
	a.annCache.Close()
	if a.models != nil {
		if err := a.models.Close(); err != nil {
			a.logger.Warn("Failed to release annotation models", zap.Error(err))
		}
	}
}

// NewOllamaClient creates a client for rawURL, or from OLLAMA_HOST when empty.
func NewOllamaClient(rawURL string) (*api.Client, error) {
	if rawURL == "" {
		return api.ClientFromEnvironment()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", rawURL, err)
	}
	return api.NewClient(u, http.DefaultClient), nil
}
