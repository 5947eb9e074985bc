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
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dovinmu/branchwise/lib/annotate"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// AnnotationCacheTTL is the default TTL for cached annotations
const AnnotationCacheTTL = 10 * time.Minute

// CachedAnnotator wraps an annotator with caching support
type CachedAnnotator struct {
	annotator annotate.Annotator
	name      string
	cache     *ttlcache.Cache[string, *annotate.Annotation]
	sfGroup   *singleflight.Group
	logger    *zap.Logger

	// Metrics
	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

var _ annotate.Annotator = (*CachedAnnotator)(nil)

// NewCachedAnnotator wraps an annotator with caching
func NewCachedAnnotator(
	annotator annotate.Annotator,
	name string,
	cache *ttlcache.Cache[string, *annotate.Annotation],
	logger *zap.Logger,
) *CachedAnnotator {
	return &CachedAnnotator{
		annotator: annotator,
		name:      name,
		cache:     cache,
		sfGroup:   &singleflight.Group{},
		logger:    logger,
	}
}

// Annotate tags text with caching support. Cached annotations are shared
// between callers and must not be modified.
func (c *CachedAnnotator) Annotate(ctx context.Context, text string) (*annotate.Annotation, error) {
	key := c.cacheKey(text)

	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		RecordCacheHit("annotation")
		c.logger.Debug("Annotation cache hit",
			zap.String("annotator", c.name),
			zap.Int("text_len", len(text)))
		return item.Value(), nil
	}

	result, err, shared := c.sfGroup.Do(key, func() (any, error) {
		c.misses.Add(1)
		RecordCacheMiss("annotation")

		start := time.Now()
		ann, err := c.annotator.Annotate(ctx, text)
		if err != nil {
			return nil, err
		}

		c.cache.Set(key, ann, ttlcache.DefaultTTL)

		c.logger.Debug("Annotation completed and cached",
			zap.String("annotator", c.name),
			zap.Int("entities", len(ann.Entities)),
			zap.Duration("duration", time.Since(start)))

		return ann, nil
	})
	if err != nil {
		return nil, err
	}

	if shared {
		c.sfHits.Add(1)
		c.logger.Debug("Singleflight hit for annotation request",
			zap.String("annotator", c.name))
	}

	return result.(*annotate.Annotation), nil
}

func (c *CachedAnnotator) cacheKey(text string) string {
	h := xxhash.New()
	_, _ = h.WriteString(c.name)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(text)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

// Stats returns cache statistics for this annotator
func (c *CachedAnnotator) Stats() CacheStats {
	return CacheStats{
		Name:             c.name,
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
	}
}

// AnnotationCache owns the shared annotation cache.
type AnnotationCache struct {
	cache  *ttlcache.Cache[string, *annotate.Annotation]
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewAnnotationCache creates a new annotation cache
func NewAnnotationCache(logger *zap.Logger) *AnnotationCache {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *annotate.Annotation](AnnotationCacheTTL),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	ac := &AnnotationCache{
		cache:  cache,
		logger: logger,
		cancel: cancel,
	}

	go logCacheStats(ctx, "Annotation", logger, cache.Metrics, cache.Len)

	return ac
}

// WrapAnnotator wraps an annotator with caching
func (ac *AnnotationCache) WrapAnnotator(annotator annotate.Annotator, name string) *CachedAnnotator {
	return NewCachedAnnotator(annotator, name, ac.cache, ac.logger.Named(name))
}

// Close stops the cache
func (ac *AnnotationCache) Close() {
	ac.cancel()
	ac.cache.Stop()
}
