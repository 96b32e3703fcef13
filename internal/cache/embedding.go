// Package cache provides redis-backed caching for the reasoning pipeline:
// an embedding cache for query-to-vector lookups, and a per-run progress log
// that lets a reconnecting client replay NDJSON lines already emitted for a run.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultEmbeddingTTL is how long a cached query embedding is trusted before
// the pipeline re-embeds it.
const DefaultEmbeddingTTL = 15 * time.Minute

// EmbeddingCache caches query embedding vectors in redis, keyed by
// normalized query hash, avoiding redundant Vertex AI embedding calls for
// repeated or similar subqueries across iterations and retries.
type EmbeddingCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewEmbeddingCache creates an EmbeddingCache backed by client.
func NewEmbeddingCache(client *redis.Client, ttl time.Duration) *EmbeddingCache {
	if ttl <= 0 {
		ttl = DefaultEmbeddingTTL
	}
	return &EmbeddingCache{client: client, ttl: ttl}
}

// Get returns a cached embedding vector if present.
func (c *EmbeddingCache) Get(ctx context.Context, queryHash string) ([]float32, bool, error) {
	raw, err := c.client.Get(ctx, queryHash).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache.EmbeddingCache.Get: %w", err)
	}

	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, false, fmt.Errorf("cache.EmbeddingCache.Get: decode: %w", err)
	}

	slog.Info("[EMBED-CACHE] hit", "query_hash", queryHash)
	return vec, true, nil
}

// Set stores an embedding vector in the cache with the configured TTL.
func (c *EmbeddingCache) Set(ctx context.Context, queryHash string, vec []float32) error {
	raw, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("cache.EmbeddingCache.Set: encode: %w", err)
	}
	if err := c.client.Set(ctx, queryHash, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache.EmbeddingCache.Set: %w", err)
	}
	slog.Info("[EMBED-CACHE] set", "query_hash", queryHash, "vec_dim", len(vec), "ttl_s", int(c.ttl.Seconds()))
	return nil
}

// EmbeddingQueryHash returns a deterministic cache key for a query string.
// Normalizes by lowercasing and trimming whitespace before hashing.
func EmbeddingQueryHash(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	h := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("emb:%x", h[:16])
}

// embedder is the subset of service.Embedder this package depends on,
// declared locally to avoid an import cycle with internal/service.
type embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// CachedEmbedder decorates an inner embedder with the EmbeddingCache,
// embedding only the subset of texts that miss the cache and preserving
// input order in its output.
type CachedEmbedder struct {
	inner embedder
	cache *EmbeddingCache
}

// NewCachedEmbedder wraps inner with cache.
func NewCachedEmbedder(inner embedder, cache *EmbeddingCache) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache}
}

// Embed satisfies service.Embedder.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	hashes := make([]string, len(texts))
	var missIdx []int
	var missTexts []string

	for i, t := range texts {
		hash := EmbeddingQueryHash(t)
		hashes[i] = hash
		vec, hit, err := c.cache.Get(ctx, hash)
		if err != nil {
			slog.Warn("[EMBED-CACHE] get failed, treating as miss", "err", err)
		}
		if hit {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	fresh, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, fmt.Errorf("cache.CachedEmbedder: embedder returned %d vectors for %d inputs", len(fresh), len(missTexts))
	}

	for j, idx := range missIdx {
		out[idx] = fresh[j]
		if err := c.cache.Set(ctx, hashes[idx], fresh[j]); err != nil {
			slog.Warn("[EMBED-CACHE] set failed", "err", err)
		}
	}

	return out, nil
}
