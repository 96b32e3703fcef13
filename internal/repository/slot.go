package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reasonengine/internal/model"
	"reasonengine/internal/service"
)

// SlotRepo implements service.SlotRepo with pgx. All writes are scoped by
// root_message_id, which partitions every row belonging to one reasoning run.
type SlotRepo struct {
	pool *pgxpool.Pool
}

// NewSlotRepo creates a SlotRepo.
func NewSlotRepo(pool *pgxpool.Pool) *SlotRepo {
	return &SlotRepo{pool: pool}
}

var _ service.SlotRepo = (*SlotRepo)(nil)

// UpsertPlan inserts slots, then resolves DependsOnName to slot ids in a
// second pass, then writes the initial subqueries.
func (r *SlotRepo) UpsertPlan(ctx context.Context, rootMessageID string, slots []service.PlannedSlot, subqueries []model.ReasoningSubquery) ([]model.Slot, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("repository.UpsertPlan: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	idByName := make(map[string]string, len(slots))
	for _, s := range slots {
		id := uuid.New().String()
		idByName[s.Name] = id
		_, err := tx.Exec(ctx, `
			INSERT INTO slots (id, root_message_id, name, type, required, target_item_count, items_per_key,
			                    current_item_count, attempt_count, finished_querying, last_queries)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, false, '{}')`,
			id, rootMessageID, s.Name, string(s.Type), s.Required, s.TargetItemCount, s.ItemsPerKey)
		if err != nil {
			return nil, fmt.Errorf("repository.UpsertPlan: insert %q: %w", s.Name, err)
		}
	}

	for _, s := range slots {
		if s.DependsOnName == "" {
			continue
		}
		parentID, ok := idByName[s.DependsOnName]
		if !ok {
			continue
		}
		_, err := tx.Exec(ctx, `UPDATE slots SET depends_on_slot_id = $1 WHERE id = $2`, parentID, idByName[s.Name])
		if err != nil {
			return nil, fmt.Errorf("repository.UpsertPlan: link %q: %w", s.Name, err)
		}
	}

	for i, sq := range subqueries {
		slotID := idByName[sq.SlotID]
		if slotID == "" {
			slotID = sq.SlotID // already an id (rehydrated append mode)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO reasoning_subqueries (id, root_message_id, iteration_number, slot_id, query_text, strategy)
			VALUES ($1, $2, 0, $3, $4, $5)`,
			uuid.New().String(), rootMessageID, slotID, sq.QueryText, string(sq.Strategy))
		if err != nil {
			return nil, fmt.Errorf("repository.UpsertPlan: subquery %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("repository.UpsertPlan: commit: %w", err)
	}

	return r.GetSlots(ctx, rootMessageID)
}

// RecordClaims resolves each claim's slot by (root_message_id, slot_name),
// drops mapping claims whose key is not in allowedMappingKeys[slotName],
// dedups on (slot_id, key, value_json) via upsert, and always links the
// resulting SlotItem to every cited chunk in claim_evidence.
func (r *SlotRepo) RecordClaims(ctx context.Context, rootMessageID string, claims []service.Claim, allowedMappingKeys map[string][]string) (int, error) {
	if len(claims) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("repository.RecordClaims: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	written := 0
	for _, c := range claims {
		var slotID string
		err := tx.QueryRow(ctx, `SELECT id FROM slots WHERE root_message_id = $1 AND name = $2`, rootMessageID, c.SlotName).Scan(&slotID)
		if err != nil {
			if err == pgx.ErrNoRows {
				continue
			}
			return written, fmt.Errorf("repository.RecordClaims: resolve %q: %w", c.SlotName, err)
		}

		if c.Key != nil && !allowedKey(allowedMappingKeys[c.SlotName], *c.Key) {
			continue
		}

		var itemID string
		err = tx.QueryRow(ctx, `
			INSERT INTO slot_items (id, slot_id, key, value_json, confidence, complete)
			VALUES ($1, $2, $3, $4, $5, true)
			ON CONFLICT (slot_id, key, value_json) DO UPDATE SET confidence = GREATEST(slot_items.confidence, EXCLUDED.confidence)
			RETURNING id`,
			uuid.New().String(), slotID, c.Key, c.Value, c.Confidence,
		).Scan(&itemID)
		if err != nil {
			return written, fmt.Errorf("repository.RecordClaims: upsert item: %w", err)
		}

		for _, chunkID := range c.ChunkIDs {
			_, err := tx.Exec(ctx, `
				INSERT INTO claim_evidence (slot_item_id, chunk_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, itemID, chunkID)
			if err != nil {
				return written, fmt.Errorf("repository.RecordClaims: evidence: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `UPDATE slots SET current_item_count = (SELECT count(*) FROM slot_items WHERE slot_id = $1) WHERE id = $1`, slotID); err != nil {
			return written, fmt.Errorf("repository.RecordClaims: recount: %w", err)
		}

		written++
	}

	if err := tx.Commit(ctx); err != nil {
		return written, fmt.Errorf("repository.RecordClaims: commit: %w", err)
	}
	return written, nil
}

func allowedKey(allowed []string, key string) bool {
	for _, a := range allowed {
		if a == key {
			return true
		}
	}
	return false
}

// UpdateAttempt increments attempt_count, overwrites last_queries, and
// optionally marks finished_querying.
func (r *SlotRepo) UpdateAttempt(ctx context.Context, slotID string, queries []string, finished bool) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE slots
		SET attempt_count = attempt_count + 1, last_queries = $1, finished_querying = finished_querying OR $2
		WHERE id = $3`, queries, finished, slotID)
	if err != nil {
		return fmt.Errorf("repository.UpdateAttempt: %w", err)
	}
	return nil
}

func (r *SlotRepo) GetSlots(ctx context.Context, rootMessageID string) ([]model.Slot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, root_message_id, name, type, required, depends_on_slot_id, target_item_count,
		       items_per_key, current_item_count, attempt_count, finished_querying, last_queries
		FROM slots WHERE root_message_id = $1 ORDER BY name ASC`, rootMessageID)
	if err != nil {
		return nil, fmt.Errorf("repository.GetSlots: %w", err)
	}
	defer rows.Close()

	var out []model.Slot
	for rows.Next() {
		var s model.Slot
		var typ string
		if err := rows.Scan(&s.ID, &s.RootMessageID, &s.Name, &typ, &s.Required, &s.DependsOnSlotID,
			&s.TargetItemCount, &s.ItemsPerKey, &s.CurrentItemCount, &s.AttemptCount, &s.FinishedQuerying, &s.LastQueries); err != nil {
			return nil, fmt.Errorf("repository.GetSlots: scan: %w", err)
		}
		s.Type = model.SlotType(typ)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SlotRepo) GetSlotItems(ctx context.Context, slotID string) ([]model.SlotItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, slot_id, key, value_json, confidence, complete
		FROM slot_items WHERE slot_id = $1`, slotID)
	if err != nil {
		return nil, fmt.Errorf("repository.GetSlotItems: %w", err)
	}
	defer rows.Close()

	var out []model.SlotItem
	for rows.Next() {
		var it model.SlotItem
		if err := rows.Scan(&it.ID, &it.SlotID, &it.Key, &it.ValueJSON, &it.Confidence, &it.Complete); err != nil {
			return nil, fmt.Errorf("repository.GetSlotItems: scan: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// GetStructuredState renders, for each slot name, {type, items:[{key?, value}]}
// for inclusion in the Extractor prompt.
func (r *SlotRepo) GetStructuredState(ctx context.Context, rootMessageID string) (map[string]service.SlotStateView, error) {
	slots, err := r.GetSlots(ctx, rootMessageID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]service.SlotStateView, len(slots))
	for _, s := range slots {
		items, err := r.GetSlotItems(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("repository.GetStructuredState: items for %q: %w", s.Name, err)
		}
		view := service.SlotStateView{Type: s.Type, Items: make([]service.SlotStateItem, 0, len(items))}
		for _, it := range items {
			var v any
			if err := json.Unmarshal(it.ValueJSON, &v); err != nil {
				v = string(it.ValueJSON)
			}
			view.Items = append(view.Items, service.SlotStateItem{Key: it.Key, Value: v})
		}
		out[s.Name] = view
	}
	return out, nil
}

// GetEvidenceBySlot returns, for each slot id, the deduplicated chunk ids
// referenced by that slot's SlotItems via claim_evidence.
func (r *SlotRepo) GetEvidenceBySlot(ctx context.Context, rootMessageID string) (map[string][]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT si.slot_id, ce.chunk_id
		FROM claim_evidence ce
		JOIN slot_items si ON si.id = ce.slot_item_id
		JOIN slots sl ON sl.id = si.slot_id
		WHERE sl.root_message_id = $1
		ORDER BY ce.chunk_id ASC`, rootMessageID)
	if err != nil {
		return nil, fmt.Errorf("repository.GetEvidenceBySlot: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]map[string]bool)
	out := make(map[string][]string)
	for rows.Next() {
		var slotID, chunkID string
		if err := rows.Scan(&slotID, &chunkID); err != nil {
			return nil, fmt.Errorf("repository.GetEvidenceBySlot: scan: %w", err)
		}
		if seen[slotID] == nil {
			seen[slotID] = make(map[string]bool)
		}
		if seen[slotID][chunkID] {
			continue
		}
		seen[slotID][chunkID] = true
		out[slotID] = append(out[slotID], chunkID)
	}
	return out, rows.Err()
}
