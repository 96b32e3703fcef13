package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"reasonengine/internal/model"
	"reasonengine/internal/service"
)

// ChunkRepo implements service.ChunkStore against the indexed-page chunk
// table, using pgvector's `<=>` cosine-distance operator for similarity
// search.
type ChunkRepo struct {
	pool *pgxpool.Pool
}

// NewChunkRepo creates a ChunkRepo.
func NewChunkRepo(pool *pgxpool.Pool) *ChunkRepo {
	return &ChunkRepo{pool: pool}
}

var _ service.ChunkStore = (*ChunkRepo)(nil)

// MatchChunks returns the matchCount nearest chunks to queryEmbedding, scoped
// to pageIDs, with cosine distance attached.
func (r *ChunkRepo) MatchChunks(ctx context.Context, queryEmbedding []float32, pageIDs []string, matchCount int) ([]model.Chunk, error) {
	if len(pageIDs) == 0 || matchCount <= 0 {
		return nil, nil
	}
	embedding := pgvector.NewVector(queryEmbedding)

	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.page_id, c.content, p.title, p.path, s.domain, c.created_at,
		       c.embedding <=> $1 AS distance
		FROM chunks c
		JOIN pages p ON p.id = c.page_id
		JOIN sources s ON s.id = p.source_id
		WHERE c.page_id = ANY($2)
		ORDER BY c.embedding <=> $1
		LIMIT $3`, embedding, pageIDs, matchCount)
	if err != nil {
		return nil, fmt.Errorf("repository.MatchChunks: %w", err)
	}
	defer rows.Close()

	var out []model.Chunk
	for rows.Next() {
		var c model.Chunk
		if err := rows.Scan(&c.ID, &c.PageID, &c.Content, &c.PageTitle, &c.PagePath, &c.SourceDomain, &c.CreatedAt, &c.Distance); err != nil {
			return nil, fmt.Errorf("repository.MatchChunks: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetLeadChunks returns the indexer-supplied opening excerpt for every page
// in pageIDs, one row per page.
func (r *ChunkRepo) GetLeadChunks(ctx context.Context, pageIDs []string) ([]model.Chunk, error) {
	if len(pageIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.page_id, c.content, p.title, p.path, s.domain, c.created_at
		FROM chunks c
		JOIN pages p ON p.id = c.page_id
		JOIN sources s ON s.id = p.source_id
		WHERE c.page_id = ANY($1) AND c.chunk_index = 0`, pageIDs)
	if err != nil {
		return nil, fmt.Errorf("repository.GetLeadChunks: %w", err)
	}
	defer rows.Close()

	var out []model.Chunk
	for rows.Next() {
		var c model.Chunk
		if err := rows.Scan(&c.ID, &c.PageID, &c.Content, &c.PageTitle, &c.PagePath, &c.SourceDomain, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository.GetLeadChunks: scan: %w", err)
		}
		c.Distance = model.DefaultDistance
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetChunksByIDs loads chunks by id, used by the Final Answer Builder to
// hydrate the evidence set it selected.
func (r *ChunkRepo) GetChunksByIDs(ctx context.Context, ids []string) ([]model.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.page_id, c.content, p.title, p.path, s.domain, c.created_at
		FROM chunks c
		JOIN pages p ON p.id = c.page_id
		JOIN sources s ON s.id = p.source_id
		WHERE c.id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("repository.GetChunksByIDs: %w", err)
	}
	defer rows.Close()

	var out []model.Chunk
	for rows.Next() {
		var c model.Chunk
		if err := rows.Scan(&c.ID, &c.PageID, &c.Content, &c.PageTitle, &c.PagePath, &c.SourceDomain, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository.GetChunksByIDs: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
