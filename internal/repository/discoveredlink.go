package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"reasonengine/internal/model"
	"reasonengine/internal/service"
)

// DiscoveredLinkRepo implements service.LinkStore against outbound links
// observed during crawl whose target is not yet an indexed Page.
type DiscoveredLinkRepo struct {
	pool *pgxpool.Pool
}

// NewDiscoveredLinkRepo creates a DiscoveredLinkRepo.
func NewDiscoveredLinkRepo(pool *pgxpool.Pool) *DiscoveredLinkRepo {
	return &DiscoveredLinkRepo{pool: pool}
}

var _ service.LinkStore = (*DiscoveredLinkRepo)(nil)

// MatchDiscoveredLinks returns the matchCount nearest not-yet-indexed links
// to queryEmbedding, scoped to sourceIDs. Candidates whose to_url already
// matches an indexed Page are excluded.
func (r *DiscoveredLinkRepo) MatchDiscoveredLinks(ctx context.Context, queryEmbedding []float32, sourceIDs []string, matchCount int) ([]model.DiscoveredLink, error) {
	if len(sourceIDs) == 0 || matchCount <= 0 {
		return nil, nil
	}
	embedding := pgvector.NewVector(queryEmbedding)

	rows, err := r.pool.Query(ctx, `
		SELECT dl.id, dl.source_id, dl.from_page_id, dl.to_url, dl.anchor_text, dl.snippet,
		       dl.created_at, dl.embedding <=> $1 AS distance
		FROM discovered_links dl
		WHERE dl.source_id = ANY($2)
		  AND NOT EXISTS (SELECT 1 FROM pages p WHERE p.url = dl.to_url)
		ORDER BY dl.embedding <=> $1
		LIMIT $3`, embedding, sourceIDs, matchCount)
	if err != nil {
		return nil, fmt.Errorf("repository.MatchDiscoveredLinks: %w", err)
	}
	defer rows.Close()

	var out []model.DiscoveredLink
	for rows.Next() {
		var l model.DiscoveredLink
		if err := rows.Scan(&l.ID, &l.SourceID, &l.FromPageID, &l.ToURL, &l.AnchorText, &l.Snippet, &l.CreatedAt, &l.Distance); err != nil {
			return nil, fmt.Errorf("repository.MatchDiscoveredLinks: scan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
