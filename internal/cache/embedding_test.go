package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestEmbeddingQueryHash_Deterministic(t *testing.T) {
	h1 := EmbeddingQueryHash("What is the refund policy?")
	h2 := EmbeddingQueryHash("what is the refund policy?")
	h3 := EmbeddingQueryHash("  What is the refund policy?  ")

	if h1 != h2 {
		t.Fatalf("case-insensitive mismatch: %s != %s", h1, h2)
	}
	if h1 != h3 {
		t.Fatalf("whitespace-insensitive mismatch: %s != %s", h1, h3)
	}
}

func TestEmbeddingQueryHash_Different(t *testing.T) {
	h1 := EmbeddingQueryHash("query one")
	h2 := EmbeddingQueryHash("query two")

	if h1 == h2 {
		t.Fatal("different queries should produce different hashes")
	}
}

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis integration test")
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}

func TestEmbeddingCache_SetGet(t *testing.T) {
	client := newTestRedisClient(t)
	defer client.Close()
	ctx := context.Background()

	c := NewEmbeddingCache(client, time.Minute)
	hash := EmbeddingQueryHash("roundtrip test")

	if _, ok, err := c.Get(ctx, hash); err != nil {
		t.Fatalf("Get: %v", err)
	} else if ok {
		t.Fatal("expected miss before Set")
	}

	vec := []float32{0.1, 0.2, 0.3}
	if err := c.Set(ctx, hash, vec); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := c.Get(ctx, hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if len(got) != 3 || got[0] != 0.1 || got[2] != 0.3 {
		t.Fatalf("unexpected vector: %v", got)
	}
}

type fakeEmbedder struct {
	calls [][]string
	vecs  map[string][]float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, texts)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vecs[t]
	}
	return out, nil
}

func TestCachedEmbedder_OnlyEmbedsMisses(t *testing.T) {
	client := newTestRedisClient(t)
	defer client.Close()
	ctx := context.Background()

	cache := NewEmbeddingCache(client, time.Minute)
	inner := &fakeEmbedder{vecs: map[string][]float32{
		"alpha": {1, 2},
		"beta":  {3, 4},
	}}
	cached := NewCachedEmbedder(inner, cache)

	first, err := cached.Embed(ctx, []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(inner.calls) != 1 || len(inner.calls[0]) != 2 {
		t.Fatalf("expected one call embedding both misses, got %v", inner.calls)
	}

	second, err := cached.Embed(ctx, []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(inner.calls) != 1 {
		t.Fatalf("expected no additional inner calls on cache hit, got %d calls", len(inner.calls))
	}
	if second[0][0] != first[0][0] || second[1][1] != first[1][1] {
		t.Fatalf("cached vectors diverged: %v vs %v", first, second)
	}
}
