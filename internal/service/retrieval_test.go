package service

import (
	"context"
	"testing"

	"reasonengine/internal/model"
)

type fakeEmbedder struct {
	vectors [][]float32
	err     error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vectors, nil
}

type fakeChunkStore struct {
	byVector map[float32][]model.Chunk // keyed by queryEmbedding[0], read concurrently from goroutines
	lead     []model.Chunk
}

func (f *fakeChunkStore) MatchChunks(ctx context.Context, queryEmbedding []float32, pageIDs []string, matchCount int) ([]model.Chunk, error) {
	return f.byVector[queryEmbedding[0]], nil
}

func (f *fakeChunkStore) GetLeadChunks(ctx context.Context, pageIDs []string) ([]model.Chunk, error) {
	return f.lead, nil
}

func (f *fakeChunkStore) GetChunksByIDs(ctx context.Context, ids []string) ([]model.Chunk, error) {
	return nil, nil
}

type fakeLinkStore struct {
	byVector map[float32][]model.DiscoveredLink // keyed by queryEmbedding[0], read concurrently from goroutines
}

func (f *fakeLinkStore) MatchDiscoveredLinks(ctx context.Context, queryEmbedding []float32, sourceIDs []string, matchCount int) ([]model.DiscoveredLink, error) {
	return f.byVector[queryEmbedding[0]], nil
}

func TestRetrievalService_RetrieveChunks_Empty(t *testing.T) {
	s := NewRetrievalService(&fakeEmbedder{}, &fakeChunkStore{}, &fakeLinkStore{}, 10, 5)
	chunks, counts, err := s.RetrieveChunks(context.Background(), nil, []string{"p1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunks != nil || counts != nil {
		t.Errorf("want nil/nil for empty subqueries, got %v/%v", chunks, counts)
	}
}

func TestRetrievalService_RetrieveChunks_MergesAndFillsDefaultDistance(t *testing.T) {
	embedder := &fakeEmbedder{vectors: [][]float32{{0.1}, {0.2}}}
	chunks := &fakeChunkStore{byVector: map[float32][]model.Chunk{
		0.1: {{ID: "a", Distance: 0.1}, {ID: "b"}}, // b has zero distance, should get default
		0.2: {{ID: "c", Distance: 0.3}},
	}}
	s := NewRetrievalService(embedder, chunks, &fakeLinkStore{}, 10, 5)

	subqueries := []Subquery{
		{SlotID: "s1", Query: "q1", Strategy: model.StrategyBroad},
		{SlotID: "s1", Query: "q2", Strategy: model.StrategyTargeted},
	}
	merged, counts, err := s.RetrieveChunks(context.Background(), subqueries, []string{"p1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(merged) != 3 {
		t.Fatalf("len(merged) = %d, want 3", len(merged))
	}
	if counts["q1"] != 2 || counts["q2"] != 1 {
		t.Errorf("counts = %v, want q1=2 q2=1", counts)
	}
	for _, c := range merged {
		if c.ID == "b" && c.Distance != model.DefaultDistance {
			t.Errorf("chunk b Distance = %v, want DefaultDistance", c.Distance)
		}
	}
}

func TestRetrievalService_RetrieveChunks_VectorCountMismatch(t *testing.T) {
	embedder := &fakeEmbedder{vectors: [][]float32{{0.1}}}
	s := NewRetrievalService(embedder, &fakeChunkStore{}, &fakeLinkStore{}, 10, 5)

	subqueries := []Subquery{
		{SlotID: "s1", Query: "q1"},
		{SlotID: "s1", Query: "q2"},
	}
	_, _, err := s.RetrieveChunks(context.Background(), subqueries, nil)
	if err == nil {
		t.Fatal("want error on vector/subquery count mismatch")
	}
}

func TestRetrievalService_RetrieveLinks_DedupesByMinDistance(t *testing.T) {
	embedder := &fakeEmbedder{vectors: [][]float32{{0.1}, {0.2}}}
	links := &fakeLinkStore{byVector: map[float32][]model.DiscoveredLink{
		0.1: {{ID: "x", Distance: 0.5}},
		0.2: {{ID: "x", Distance: 0.2}, {ID: "y"}},
	}}
	s := NewRetrievalService(embedder, &fakeChunkStore{}, links, 10, 5)

	result, err := s.RetrieveLinks(context.Background(), []string{"q1", "q2"}, []string{"src1"}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("len(result) = %d, want 2", len(result))
	}
	for _, l := range result {
		if l.ID == "x" && l.Distance != 0.2 {
			t.Errorf("link x Distance = %v, want 0.2 (min across duplicates)", l.Distance)
		}
		if l.ID == "y" && l.Distance != model.DefaultDistance {
			t.Errorf("link y Distance = %v, want DefaultDistance", l.Distance)
		}
	}
}

func TestRetrievalService_RetrieveLinks_Empty(t *testing.T) {
	s := NewRetrievalService(&fakeEmbedder{}, &fakeChunkStore{}, &fakeLinkStore{}, 10, 5)
	result, err := s.RetrieveLinks(context.Background(), nil, []string{"src1"}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("want nil for empty queries, got %v", result)
	}
}

func TestRetrievalService_LeadChunks(t *testing.T) {
	chunks := &fakeChunkStore{lead: []model.Chunk{{ID: "lead1"}}}
	s := NewRetrievalService(&fakeEmbedder{}, chunks, &fakeLinkStore{}, 10, 5)

	result, err := s.LeadChunks(context.Background(), []string{"p1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 || result[0].ID != "lead1" {
		t.Errorf("result = %v, want [lead1]", result)
	}

	empty, err := s.LeadChunks(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if empty != nil {
		t.Errorf("want nil for empty pageIDs, got %v", empty)
	}
}
