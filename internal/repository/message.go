package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"reasonengine/internal/model"
	"reasonengine/internal/service"
)

// MessageRepo implements service.MessageStore with pgx.
type MessageRepo struct {
	pool *pgxpool.Pool
}

// NewMessageRepo creates a MessageRepo.
func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

var _ service.MessageStore = (*MessageRepo)(nil)

func (r *MessageRepo) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	msg := &model.Message{}
	var role string
	err := r.pool.QueryRow(ctx, `
		SELECT id, conversation_id, role, content, thought_process, suggested_page,
		       scraped_page_display, follows_message_id, created_at
		FROM messages WHERE id = $1`, id,
	).Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msg.ThoughtProcess, &msg.SuggestedPage,
		&msg.ScrapedPageDisplay, &msg.FollowsMessageID, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("repository.GetMessage: %w", err)
	}
	msg.Role = model.MessageRole(role)
	return msg, nil
}

// GetPredecessorUserMessage returns the user message that directly preceded
// assistantMessageID in its conversation — the question the assistant message
// answered.
func (r *MessageRepo) GetPredecessorUserMessage(ctx context.Context, assistantMessageID string) (*model.Message, error) {
	msg := &model.Message{}
	var role string
	err := r.pool.QueryRow(ctx, `
		SELECT m.id, m.conversation_id, m.role, m.content, m.thought_process, m.suggested_page,
		       m.scraped_page_display, m.follows_message_id, m.created_at
		FROM messages m
		JOIN messages a ON a.conversation_id = m.conversation_id
		WHERE a.id = $1 AND m.role = $2 AND m.created_at <= a.created_at
		ORDER BY m.created_at DESC
		LIMIT 1`, assistantMessageID, model.RoleUser,
	).Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msg.ThoughtProcess, &msg.SuggestedPage,
		&msg.ScrapedPageDisplay, &msg.FollowsMessageID, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("repository.GetPredecessorUserMessage: %w", err)
	}
	msg.Role = model.MessageRole(role)
	return msg, nil
}

func (r *MessageRepo) InsertMessage(ctx context.Context, msg *model.Message) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO messages
			(id, conversation_id, role, content, thought_process, suggested_page,
			 scraped_page_display, follows_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.ThoughtProcess, msg.SuggestedPage,
		msg.ScrapedPageDisplay, msg.FollowsMessageID, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("repository.InsertMessage: %w", err)
	}
	return nil
}

// ClearSuggestedPage nulls out suggested_page on append.
func (r *MessageRepo) ClearSuggestedPage(ctx context.Context, messageID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE messages SET suggested_page = NULL WHERE id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("repository.ClearSuggestedPage: %w", err)
	}
	return nil
}
