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
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/antflydb/antfly-go/libaf/embeddings"
	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// EmbeddingCacheTTL is the default TTL for cached embeddings
const EmbeddingCacheTTL = 10 * time.Minute

// CachedEmbedder wraps an embedder with a per-content cache. Only contents
// missing from the cache are sent to the underlying embedder.
type CachedEmbedder struct {
	embedder embeddings.Embedder
	model    string
	cache    *ttlcache.Cache[string, []float32]
	sfGroup  *singleflight.Group
	logger   *zap.Logger

	// Metrics
	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

var _ embeddings.Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps an embedder with caching
func NewCachedEmbedder(
	embedder embeddings.Embedder,
	model string,
	cache *ttlcache.Cache[string, []float32],
	logger *zap.Logger,
) *CachedEmbedder {
	return &CachedEmbedder{
		embedder: embedder,
		model:    model,
		cache:    cache,
		sfGroup:  &singleflight.Group{},
		logger:   logger,
	}
}

// Capabilities returns the underlying embedder's capabilities
func (c *CachedEmbedder) Capabilities() embeddings.EmbedderCapabilities {
	return c.embedder.Capabilities()
}

// Embed returns one embedding per content, serving repeats from the cache.
func (c *CachedEmbedder) Embed(ctx context.Context, contents [][]ai.ContentPart) ([][]float32, error) {
	result := make([][]float32, len(contents))
	keys := make([]string, len(contents))

	var missing []int
	for i, parts := range contents {
		keys[i] = c.cacheKey(parts)
		if item := c.cache.Get(keys[i]); item != nil {
			result[i] = item.Value()
			c.hits.Add(1)
			RecordCacheHit("embedding")
			continue
		}
		missing = append(missing, i)
	}

	if len(missing) == 0 {
		c.logger.Debug("Embedding cache hit",
			zap.String("model", c.model),
			zap.Int("num_embeddings", len(contents)))
		return result, nil
	}

	batch := make([][]ai.ContentPart, len(missing))
	batchKeys := make([]string, len(missing))
	for j, i := range missing {
		batch[j] = contents[i]
		batchKeys[j] = keys[i]
	}

	// Use singleflight to deduplicate concurrent identical requests
	embeds, err, shared := c.sfGroup.Do(strings.Join(batchKeys, "|"), func() (any, error) {
		c.misses.Add(uint64(len(batch)))
		RecordCacheMisses("embedding", len(batch))

		start := time.Now()
		embeds, err := c.embedder.Embed(ctx, batch)
		if err != nil {
			return nil, err
		}
		if len(embeds) != len(batch) {
			return nil, fmt.Errorf("embedder returned %d embeddings for %d inputs", len(embeds), len(batch))
		}

		for j, e := range embeds {
			c.cache.Set(batchKeys[j], e, ttlcache.DefaultTTL)
		}

		c.logger.Debug("Embeddings generated and cached",
			zap.String("model", c.model),
			zap.Int("num_embeddings", len(embeds)),
			zap.Duration("duration", time.Since(start)))

		return embeds, nil
	})
	if err != nil {
		return nil, err
	}

	if shared {
		c.sfHits.Add(1)
		c.logger.Debug("Singleflight hit for embedding request",
			zap.String("model", c.model))
	}

	for j, i := range missing {
		result[i] = embeds.([][]float32)[j]
	}
	return result, nil
}

// cacheKey hashes the model name and one content's parts.
func (c *CachedEmbedder) cacheKey(parts []ai.ContentPart) string {
	h := xxhash.New()

	_, _ = h.WriteString(c.model)
	_, _ = h.WriteString("|")

	for _, part := range parts {
		switch p := part.(type) {
		case ai.TextContent:
			_, _ = h.WriteString("t:")
			_, _ = h.WriteString(p.Text)
		case ai.BinaryContent:
			_, _ = h.WriteString("b:")
			_, _ = h.WriteString(p.MIMEType)
			_, _ = h.WriteString(":")
			binHash := sha256.Sum256(p.Data)
			_, _ = h.Write(binHash[:])
		default:
			c.logger.Warn("Cache key: unknown content type",
				zap.String("type", fmt.Sprintf("%T", part)))
		}
		_, _ = h.WriteString("|")
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

// Stats returns cache statistics for this embedder
func (c *CachedEmbedder) Stats() CacheStats {
	return CacheStats{
		Name:             c.model,
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
	}
}

// CacheStats holds statistics for a cached component
type CacheStats struct {
	Name             string `json:"name"`
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
}

// EmbeddingCache owns the shared embedding cache.
type EmbeddingCache struct {
	cache  *ttlcache.Cache[string, []float32]
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEmbeddingCache creates a new embedding cache
func NewEmbeddingCache(logger *zap.Logger) *EmbeddingCache {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []float32](EmbeddingCacheTTL),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	ec := &EmbeddingCache{
		cache:  cache,
		logger: logger,
		cancel: cancel,
	}

	// Log cache stats periodically
	go logCacheStats(ctx, "Embedding", logger, cache.Metrics, cache.Len)

	return ec
}

// WrapEmbedder wraps an embedder with caching
func (ec *EmbeddingCache) WrapEmbedder(embedder embeddings.Embedder, model string) *CachedEmbedder {
	return NewCachedEmbedder(embedder, model, ec.cache, ec.logger.Named(model))
}

// Close stops the cache
func (ec *EmbeddingCache) Close() {
	ec.cancel()
	ec.cache.Stop()
}

// logCacheStats logs cache statistics periodically
func logCacheStats(ctx context.Context, name string, logger *zap.Logger, metrics func() ttlcache.Metrics, length func() int) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := metrics()
			if m.Hits == 0 && m.Misses == 0 {
				continue
			}
			hitRate := float64(m.Hits) / float64(m.Hits+m.Misses) * 100
			logger.Info(name+" cache stats",
				zap.Uint64("hits", m.Hits),
				zap.Uint64("misses", m.Misses),
				zap.Float64("hit_rate_pct", hitRate),
				zap.Int("items", length()))
		}
	}
}
