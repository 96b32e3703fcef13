package service

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"reasonengine/internal/model"
)

// Subquery is one retrieval query tied to a slot id, the controller's unit
// of work for a single iteration.
type Subquery struct {
	SlotID   string
	Query    string
	Strategy model.QueryStrategy
}

// RetrievalService embeds a batch of query strings and fans out per-query
// match_chunks/match_discovered_links calls in parallel, then merges chunk
// results under the fair-allocation cap and link results by keeping the
// minimum-distance instance of each id.
type RetrievalService struct {
	embedder  Embedder
	chunks    ChunkStore
	links     LinkStore
	mergedCap int
	perQueryK int
}

// NewRetrievalService creates a RetrievalService.
func NewRetrievalService(embedder Embedder, chunks ChunkStore, links LinkStore, mergedCap, perQueryK int) *RetrievalService {
	return &RetrievalService{embedder: embedder, chunks: chunks, links: links, mergedCap: mergedCap, perQueryK: perQueryK}
}

// RetrieveChunks embeds every subquery in one batched call, then issues
// match_chunks per query concurrently, scoped to pageIDs, and merges the
// results under the fair-allocation cap. The second return value is the
// pre-merge match count per query text, surfaced to the caller for
// progress narration.
func (s *RetrievalService) RetrieveChunks(ctx context.Context, subqueries []Subquery, pageIDs []string) ([]model.Chunk, map[string]int, error) {
	if len(subqueries) == 0 {
		return nil, nil, nil
	}

	texts := make([]string, len(subqueries))
	for i, sq := range subqueries {
		texts[i] = sq.Query
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, nil, fmt.Errorf("service.RetrieveChunks: embed: %w", err)
	}
	if len(vectors) != len(subqueries) {
		return nil, nil, fmt.Errorf("service.RetrieveChunks: embedder returned %d vectors for %d queries", len(vectors), len(subqueries))
	}

	perQuery := make([][]model.Chunk, len(subqueries))
	g, gCtx := errgroup.WithContext(ctx)
	for i := range subqueries {
		i := i
		g.Go(func() error {
			chunks, err := s.chunks.MatchChunks(gCtx, vectors[i], pageIDs, s.perQueryK)
			if err != nil {
				return fmt.Errorf("service.RetrieveChunks: match_chunks query %d: %w", i, err)
			}
			for j := range chunks {
				if chunks[j].Distance == 0 {
					chunks[j].Distance = model.DefaultDistance
				}
			}
			perQuery[i] = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	chunksPerQuery := make(map[string]int, len(subqueries))
	for i, sq := range subqueries {
		chunksPerQuery[sq.Query] += len(perQuery[i])
	}

	merged := SelectFair(perQuery, s.mergedCap)
	slog.Info("[RETRIEVE] matched chunks", "subquery_count", len(subqueries), "merged_count", len(merged))
	return merged, chunksPerQuery, nil
}

// RetrieveLinks embeds the given query strings and issues
// match_discovered_links per query concurrently, scoped to sourceIDs.
func (s *RetrievalService) RetrieveLinks(ctx context.Context, queries []string, sourceIDs []string, perQueryK int) ([]model.DiscoveredLink, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	vectors, err := s.embedder.Embed(ctx, queries)
	if err != nil {
		return nil, fmt.Errorf("service.RetrieveLinks: embed: %w", err)
	}

	perQuery := make([][]model.DiscoveredLink, len(queries))
	g, gCtx := errgroup.WithContext(ctx)
	for i := range queries {
		i := i
		g.Go(func() error {
			links, err := s.links.MatchDiscoveredLinks(gCtx, vectors[i], sourceIDs, perQueryK)
			if err != nil {
				return fmt.Errorf("service.RetrieveLinks: match_discovered_links query %d: %w", i, err)
			}
			for j := range links {
				if links[j].Distance == 0 {
					links[j].Distance = model.DefaultDistance
				}
			}
			perQuery[i] = links
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return dedupeMinDistanceLinks(perQuery), nil
}

// dedupeMinDistanceLinks merges per-query link lists, keeping the
// minimum-distance instance of each duplicate id.
func dedupeMinDistanceLinks(perQuery [][]model.DiscoveredLink) []model.DiscoveredLink {
	best := make(map[string]model.DiscoveredLink)
	var order []string
	for _, list := range perQuery {
		for _, l := range list {
			existing, ok := best[l.ID]
			if !ok {
				order = append(order, l.ID)
				best[l.ID] = l
				continue
			}
			if l.Distance < existing.Distance {
				best[l.ID] = l
			}
		}
	}
	out := make([]model.DiscoveredLink, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	return out
}

// LeadChunks returns the indexer-supplied opening-excerpt set for the given
// pages.
func (s *RetrievalService) LeadChunks(ctx context.Context, pageIDs []string) ([]model.Chunk, error) {
	if len(pageIDs) == 0 {
		return nil, nil
	}
	return s.chunks.GetLeadChunks(ctx, pageIDs)
}
