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

package embeddings

import (
	"context"
	"fmt"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/antflydb/antfly-go/libaf/embeddings"
	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Ensure OllamaEmbedder implements the Embedder interface
var _ embeddings.Embedder = (*OllamaEmbedder)(nil)

// DefaultEmbeddingBatchSize is the number of texts sent per /api/embed call.
const DefaultEmbeddingBatchSize = 16

// OllamaEmbedderConfig holds configuration for creating an OllamaEmbedder.
type OllamaEmbedderConfig struct {
	// Model is the Ollama embedding model (e.g., "all-minilm").
	Model string
	// BatchSize is the number of texts per request. Zero selects DefaultEmbeddingBatchSize.
	BatchSize int
	// MaxConcurrent bounds in-flight requests. Zero means 1.
	MaxConcurrent int
}

// OllamaEmbedder generates embeddings with an Ollama server.
type OllamaEmbedder struct {
	client    *api.Client
	model     string
	batchSize int
	sem       *semaphore.Weighted
	logger    *zap.Logger
}

// NewOllamaEmbedder creates an embedder using client.
func NewOllamaEmbedder(client *api.Client, config OllamaEmbedderConfig, logger *zap.Logger) *OllamaEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultEmbeddingBatchSize
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	return &OllamaEmbedder{
		client:    client,
		model:     config.Model,
		batchSize: config.BatchSize,
		sem:       semaphore.NewWeighted(int64(config.MaxConcurrent)),
		logger:    logger,
	}
}

// Capabilities reports text-only input.
func (e *OllamaEmbedder) Capabilities() embeddings.EmbedderCapabilities {
	return embeddings.TextOnlyCapabilities()
}

// Embed generates one embedding per content.
func (e *OllamaEmbedder) Embed(ctx context.Context, contents [][]ai.ContentPart) ([][]float32, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring embed slot: %w", err)
	}
	defer e.sem.Release(1)

	texts := embeddings.ExtractText(contents)
	result := make([][]float32, 0, len(texts))

	for batchStart := 0; batchStart < len(texts); batchStart += e.batchSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		batchEnd := min(batchStart+e.batchSize, len(texts))
		batch := texts[batchStart:batchEnd]

		resp, err := e.client.Embed(ctx, &api.EmbedRequest{
			Model: e.model,
			Input: batch,
		})
		if err != nil {
			return nil, fmt.Errorf("ollama embed (batch %d-%d): %w", batchStart, batchEnd, err)
		}
		if len(resp.Embeddings) != len(batch) {
			return nil, fmt.Errorf("ollama returned %d embeddings for %d texts", len(resp.Embeddings), len(batch))
		}
		for i, embedding := range resp.Embeddings {
			if len(embedding) == 0 {
				return nil, fmt.Errorf("empty embedding at index %d", batchStart+i)
			}
		}
		result = append(result, resp.Embeddings...)
	}

	e.logger.Debug("Embedding generation complete",
		zap.String("model", e.model),
		zap.Int("numEmbeddings", len(result)))

	return result, nil
}

// TextEmbedder adapts an Embedder to plain string input.
type TextEmbedder struct {
	embedder embeddings.Embedder
}

// NewTextEmbedder wraps embedder.
func NewTextEmbedder(embedder embeddings.Embedder) *TextEmbedder {
	return &TextEmbedder{embedder: embedder}
}

// Embed embeds each text as a single text part.
func (t *TextEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([][]ai.ContentPart, len(texts))
	for i, text := range texts {
		contents[i] = []ai.ContentPart{ai.TextContent{Text: text}}
	}
	return t.embedder.Embed(ctx, contents)
}
