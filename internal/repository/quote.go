package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reasonengine/internal/model"
	"reasonengine/internal/service"
)

// QuoteRepo implements service.QuoteRepo with pgx.
type QuoteRepo struct {
	pool *pgxpool.Pool
}

// NewQuoteRepo creates a QuoteRepo.
func NewQuoteRepo(pool *pgxpool.Pool) *QuoteRepo {
	return &QuoteRepo{pool: pool}
}

var _ service.QuoteRepo = (*QuoteRepo)(nil)

// InsertQuotes writes Quotes one per cited chunk, each pinned to the final
// answer's message id.
func (r *QuoteRepo) InsertQuotes(ctx context.Context, quotes []model.Quote) error {
	if len(quotes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, q := range quotes {
		batch.Queue(`
			INSERT INTO quotes
				(id, message_id, source_id, page_id, chunk_id, snippet, page_title, page_path,
				 domain, page_url, context_before, context_after, citation_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			q.ID, q.MessageID, q.SourceID, q.PageID, q.ChunkID, q.Snippet, q.PageTitle, q.PagePath,
			q.Domain, q.PageURL, q.ContextBefore, q.ContextAfter, q.CitationOrder)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range quotes {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("repository.InsertQuotes: %w", err)
		}
	}
	return nil
}
