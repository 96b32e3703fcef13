package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"reasonengine/internal/model"
	"reasonengine/internal/service"
)

// ReasoningStepRepo implements service.StepRepo with pgx.
type ReasoningStepRepo struct {
	pool *pgxpool.Pool
}

// NewReasoningStepRepo creates a ReasoningStepRepo.
func NewReasoningStepRepo(pool *pgxpool.Pool) *ReasoningStepRepo {
	return &ReasoningStepRepo{pool: pool}
}

var _ service.StepRepo = (*ReasoningStepRepo)(nil)

// InsertStep writes one ReasoningStep and its ReasoningSubqueries in a single
// transaction, keyed by (root_message_id, iteration_number).
func (r *ReasoningStepRepo) InsertStep(ctx context.Context, step model.ReasoningStep, subqueries []model.ReasoningSubquery) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository.InsertStep: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO reasoning_steps (root_message_id, iteration_number, action, why, completeness_score, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		step.RootMessageID, step.IterationNumber, string(step.Action), step.Why, step.CompletenessScore)
	if err != nil {
		return fmt.Errorf("repository.InsertStep: step: %w", err)
	}

	for _, sq := range subqueries {
		_, err := tx.Exec(ctx, `
			INSERT INTO reasoning_subqueries (id, root_message_id, iteration_number, slot_id, query_text, strategy)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New().String(), step.RootMessageID, step.IterationNumber, sq.SlotID, sq.QueryText, string(sq.Strategy))
		if err != nil {
			return fmt.Errorf("repository.InsertStep: subquery: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repository.InsertStep: commit: %w", err)
	}
	return nil
}

func (r *ReasoningStepRepo) CountRetrieveSteps(ctx context.Context, rootMessageID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM reasoning_steps WHERE root_message_id = $1 AND action = $2`,
		rootMessageID, model.ActionRetrieve).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("repository.CountRetrieveSteps: %w", err)
	}
	return n, nil
}

func (r *ReasoningStepRepo) SumSubqueries(ctx context.Context, rootMessageID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM reasoning_subqueries WHERE root_message_id = $1`, rootMessageID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("repository.SumSubqueries: %w", err)
	}
	return n, nil
}

// GetFirstStepSubqueries returns the subqueries recorded for iteration 0,
// used to rehydrate append-mode runs.
func (r *ReasoningStepRepo) GetFirstStepSubqueries(ctx context.Context, rootMessageID string) ([]model.ReasoningSubquery, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT slot_id, query_text, strategy FROM reasoning_subqueries
		WHERE root_message_id = $1 AND iteration_number = 0`, rootMessageID)
	if err != nil {
		return nil, fmt.Errorf("repository.GetFirstStepSubqueries: %w", err)
	}
	defer rows.Close()

	var out []model.ReasoningSubquery
	for rows.Next() {
		var sq model.ReasoningSubquery
		var strategy string
		if err := rows.Scan(&sq.SlotID, &sq.QueryText, &strategy); err != nil {
			return nil, fmt.Errorf("repository.GetFirstStepSubqueries: scan: %w", err)
		}
		sq.Strategy = model.QueryStrategy(strategy)
		out = append(out, sq)
	}
	return out, rows.Err()
}
