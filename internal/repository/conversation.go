package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"reasonengine/internal/model"
	"reasonengine/internal/service"
)

// ConversationRepo implements service.ConversationStore with pgx.
type ConversationRepo struct {
	pool *pgxpool.Pool
}

// NewConversationRepo creates a ConversationRepo.
func NewConversationRepo(pool *pgxpool.Pool) *ConversationRepo {
	return &ConversationRepo{pool: pool}
}

var _ service.ConversationStore = (*ConversationRepo)(nil)

func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	conv := &model.Conversation{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, owner_id, dynamic_mode, created_at, updated_at
		FROM conversations WHERE id = $1`, conversationID,
	).Scan(&conv.ID, &conv.OwnerID, &conv.DynamicMode, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("repository.GetConversation: %w", err)
	}
	return conv, nil
}

func (r *ConversationRepo) ListSources(ctx context.Context, conversationID string) ([]model.Source, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, conversation_id, domain, root_url, created_at
		FROM sources WHERE conversation_id = $1
		ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("repository.ListSources: %w", err)
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var s model.Source
		if err := rows.Scan(&s.ID, &s.ConversationID, &s.Domain, &s.RootURL, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository.ListSources: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListIndexedPages returns only Pages whose status is 'indexed'.
func (r *ConversationRepo) ListIndexedPages(ctx context.Context, conversationID string) ([]model.Page, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, p.source_id, p.title, p.path, p.url, p.status, p.content, p.created_at
		FROM pages p
		JOIN sources s ON s.id = p.source_id
		WHERE s.conversation_id = $1 AND p.status = $2
		ORDER BY p.created_at ASC`, conversationID, model.PageIndexed)
	if err != nil {
		return nil, fmt.Errorf("repository.ListIndexedPages: %w", err)
	}
	defer rows.Close()

	var out []model.Page
	for rows.Next() {
		var p model.Page
		var status string
		if err := rows.Scan(&p.ID, &p.SourceID, &p.Title, &p.Path, &p.URL, &status, &p.Content, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository.ListIndexedPages: scan: %w", err)
		}
		p.Status = model.PageStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}
