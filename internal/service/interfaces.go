package service

import (
	"context"

	"reasonengine/internal/model"
)

// Embedder batch-embeds strings into one vector per input. Both the
// live llm.EmbeddingClient and test fakes satisfy this.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatClient issues one JSON-object LLM call and returns the raw response
// text.
type ChatClient interface {
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ChunkStore is the external chunk datastore.
type ChunkStore interface {
	MatchChunks(ctx context.Context, queryEmbedding []float32, pageIDs []string, matchCount int) ([]model.Chunk, error)
	GetLeadChunks(ctx context.Context, pageIDs []string) ([]model.Chunk, error)
	GetChunksByIDs(ctx context.Context, ids []string) ([]model.Chunk, error)
}

// LinkStore is the external discovered-link datastore.
type LinkStore interface {
	MatchDiscoveredLinks(ctx context.Context, queryEmbedding []float32, sourceIDs []string, matchCount int) ([]model.DiscoveredLink, error)
}

// ConversationStore resolves conversations, sources, and indexed pages.
type ConversationStore interface {
	GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
	ListSources(ctx context.Context, conversationID string) ([]model.Source, error)
	ListIndexedPages(ctx context.Context, conversationID string) ([]model.Page, error)
}

// MessageStore persists and resolves Messages.
type MessageStore interface {
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	GetPredecessorUserMessage(ctx context.Context, assistantMessageID string) (*model.Message, error)
	InsertMessage(ctx context.Context, msg *model.Message) error
	ClearSuggestedPage(ctx context.Context, messageID string) error
}

// SlotRepo exposes the Slot Store's idempotent write operations.
type SlotRepo interface {
	UpsertPlan(ctx context.Context, rootMessageID string, slots []PlannedSlot, subqueries []model.ReasoningSubquery) ([]model.Slot, error)
	// RecordClaims upserts claims whose mapping key (if any) is a member of
	// allowedMappingKeys[slotName] — mapping claims outside that set are
	// silently dropped. Returns the number of claims upserted: dropped
	// claims and claims naming an unknown slot are not counted, while a
	// claim matching an existing SlotItem is counted.
	RecordClaims(ctx context.Context, rootMessageID string, claims []Claim, allowedMappingKeys map[string][]string) (int, error)
	UpdateAttempt(ctx context.Context, slotID string, queries []string, finished bool) error
	GetSlots(ctx context.Context, rootMessageID string) ([]model.Slot, error)
	GetSlotItems(ctx context.Context, slotID string) ([]model.SlotItem, error)
	GetStructuredState(ctx context.Context, rootMessageID string) (map[string]SlotStateView, error)
	// GetEvidenceBySlot returns, for each slot id, the deduplicated chunk ids
	// referenced by that slot's SlotItems via claim_evidence.
	GetEvidenceBySlot(ctx context.Context, rootMessageID string) (map[string][]string, error)
}

// SlotStateView is one slot's {type, items} rendering for the Extractor
// prompt.
type SlotStateView struct {
	Type  model.SlotType    `json:"type"`
	Items []SlotStateItem   `json:"items"`
}

// SlotStateItem is one item within a SlotStateView.
type SlotStateItem struct {
	Key   *string `json:"key,omitempty"`
	Value any     `json:"value"`
}

// StepRepo persists ReasoningSteps and ReasoningSubqueries.
type StepRepo interface {
	InsertStep(ctx context.Context, step model.ReasoningStep, subqueries []model.ReasoningSubquery) error
	CountRetrieveSteps(ctx context.Context, rootMessageID string) (int, error)
	SumSubqueries(ctx context.Context, rootMessageID string) (int, error)
	GetFirstStepSubqueries(ctx context.Context, rootMessageID string) ([]model.ReasoningSubquery, error)
}

// QuoteRepo persists final-answer Quotes.
type QuoteRepo interface {
	InsertQuotes(ctx context.Context, quotes []model.Quote) error
}
