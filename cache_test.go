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
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/antflydb/antfly-go/libaf/embeddings"
	"github.com/dovinmu/branchwise/lib/annotate"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// MockEmbedder implements the embeddings.Embedder interface for testing
type MockEmbedder struct {
	embedFunc func(ctx context.Context, values []string) ([][]float32, error)
	callCount atomic.Int32
	seen      [][]string
}

func (m *MockEmbedder) Capabilities() embeddings.EmbedderCapabilities {
	return embeddings.TextOnlyCapabilities()
}

func (m *MockEmbedder) Embed(ctx context.Context, contents [][]ai.ContentPart) ([][]float32, error) {
	m.callCount.Add(1)
	values := embeddings.ExtractText(contents)
	m.seen = append(m.seen, values)
	if m.embedFunc != nil {
		return m.embedFunc(ctx, values)
	}
	result := make([][]float32, len(values))
	for i, v := range values {
		result[i] = []float32{float32(len(v)), 1}
	}
	return result, nil
}

func textContents(values ...string) [][]ai.ContentPart {
	out := make([][]ai.ContentPart, len(values))
	for i, v := range values {
		out[i] = []ai.ContentPart{ai.TextContent{Text: v}}
	}
	return out
}

func TestCachedEmbedder_EmbedsOnlyMisses(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cache := NewEmbeddingCache(logger)
	defer cache.Close()

	mock := &MockEmbedder{}
	cached := cache.WrapEmbedder(mock, "all-minilm")

	first, err := cached.Embed(context.Background(), textContents("ab", "abcd"))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, 1}, {4, 1}}, first)

	second, err := cached.Embed(context.Background(), textContents("abcd", "abc"))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{4, 1}, {3, 1}}, second)

	assert.Equal(t, int32(2), mock.callCount.Load())
	require.Len(t, mock.seen, 2)
	assert.Equal(t, []string{"abc"}, mock.seen[1])

	stats := cached.Stats()
	assert.Equal(t, "all-minilm", stats.Name)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(3), stats.Misses)
}

func TestCachedEmbedder_MetricsCountPerItem(t *testing.T) {
	cache := NewEmbeddingCache(zaptest.NewLogger(t))
	defer cache.Close()

	cached := cache.WrapEmbedder(&MockEmbedder{}, "all-minilm")

	hitsBefore := testutil.ToFloat64(cacheHits.WithLabelValues("embedding"))
	missesBefore := testutil.ToFloat64(cacheMisses.WithLabelValues("embedding"))

	_, err := cached.Embed(context.Background(), textContents("one", "two", "three"))
	require.NoError(t, err)
	_, err = cached.Embed(context.Background(), textContents("one", "four"))
	require.NoError(t, err)

	assert.InDelta(t, 4, testutil.ToFloat64(cacheMisses.WithLabelValues("embedding"))-missesBefore, 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(cacheHits.WithLabelValues("embedding"))-hitsBefore, 1e-9)

	stats := cached.Stats()
	assert.Equal(t, uint64(4), stats.Misses)
	assert.Equal(t, uint64(1), stats.Hits)
}

func TestCachedEmbedder_FullHitSkipsEmbedder(t *testing.T) {
	cache := NewEmbeddingCache(zaptest.NewLogger(t))
	defer cache.Close()

	mock := &MockEmbedder{}
	cached := cache.WrapEmbedder(mock, "all-minilm")

	_, err := cached.Embed(context.Background(), textContents("same"))
	require.NoError(t, err)
	_, err = cached.Embed(context.Background(), textContents("same"))
	require.NoError(t, err)

	assert.Equal(t, int32(1), mock.callCount.Load())
}

func TestCachedEmbedder_KeyIncludesModel(t *testing.T) {
	cache := NewEmbeddingCache(zaptest.NewLogger(t))
	defer cache.Close()

	mock := &MockEmbedder{}
	a := cache.WrapEmbedder(mock, "model-a")
	b := cache.WrapEmbedder(mock, "model-b")

	_, err := a.Embed(context.Background(), textContents("text"))
	require.NoError(t, err)
	_, err = b.Embed(context.Background(), textContents("text"))
	require.NoError(t, err)

	assert.Equal(t, int32(2), mock.callCount.Load())
}

func TestCachedEmbedder_Errors(t *testing.T) {
	tests := []struct {
		name      string
		embedFunc func(ctx context.Context, values []string) ([][]float32, error)
		wantErr   string
	}{
		{
			name: "embedder error",
			embedFunc: func(context.Context, []string) ([][]float32, error) {
				return nil, errors.New("connection refused")
			},
			wantErr: "connection refused",
		},
		{
			name: "count mismatch",
			embedFunc: func(context.Context, []string) ([][]float32, error) {
				return [][]float32{{1}}, nil
			},
			wantErr: "returned 1 embeddings for 2 inputs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := NewEmbeddingCache(zaptest.NewLogger(t))
			defer cache.Close()

			mock := &MockEmbedder{embedFunc: tt.embedFunc}
			cached := cache.WrapEmbedder(mock, "m")

			_, err := cached.Embed(context.Background(), textContents("x", "y"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			// Failures are not cached.
			mock.embedFunc = nil
			out, err := cached.Embed(context.Background(), textContents("x", "y"))
			require.NoError(t, err)
			assert.Len(t, out, 2)
		})
	}
}

func TestCachedAnnotator_CachesByText(t *testing.T) {
	cache := NewAnnotationCache(zaptest.NewLogger(t))
	defer cache.Close()

	var calls atomic.Int32
	inner := annotate.AnnotatorFunc(func(_ context.Context, text string) (*annotate.Annotation, error) {
		calls.Add(1)
		return &annotate.Annotation{Tokens: []annotate.Token{{Text: text}}}, nil
	})
	cached := cache.WrapAnnotator(inner, "lexicon")

	a1, err := cached.Annotate(context.Background(), "hello")
	require.NoError(t, err)
	a2, err := cached.Annotate(context.Background(), "hello")
	require.NoError(t, err)
	b, err := cached.Annotate(context.Background(), "world")
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.Equal(t, "world", b.Tokens[0].Text)
	assert.Equal(t, int32(2), calls.Load())

	stats := cached.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
}

func TestCachedAnnotator_ErrorNotCached(t *testing.T) {
	cache := NewAnnotationCache(zaptest.NewLogger(t))
	defer cache.Close()

	fail := true
	inner := annotate.AnnotatorFunc(func(_ context.Context, text string) (*annotate.Annotation, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return &annotate.Annotation{}, nil
	})
	cached := cache.WrapAnnotator(inner, "lexicon")

	_, err := cached.Annotate(context.Background(), "hello")
	require.Error(t, err)

	fail = false
	ann, err := cached.Annotate(context.Background(), "hello")
	require.NoError(t, err)
	assert.NotNil(t, ann)
}
