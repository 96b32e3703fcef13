package model

import "encoding/json"

// SlotType is the sum-type tag for a Slot.
type SlotType string

const (
	SlotScalar  SlotType = "scalar"
	SlotList    SlotType = "list"
	SlotMapping SlotType = "mapping"
)

// Slot is a typed unit of information the question requires. Mapping slots
// always depend on a list slot (DependsOnSlotID); scalar and top-level list
// slots have no dependency.
type Slot struct {
	ID               string   `json:"id"`
	RootMessageID    string   `json:"rootMessageId"`
	Name             string   `json:"name"`
	Type             SlotType `json:"type"`
	Required         bool     `json:"required"`
	DependsOnSlotID  *string  `json:"dependsOnSlotId,omitempty"`
	TargetItemCount  int      `json:"targetItemCount"` // list: user target, 0 = open-ended; mapping: parent.target * itemsPerKey
	ItemsPerKey      int      `json:"itemsPerKey"`     // mapping only, >= 1
	CurrentItemCount int      `json:"currentItemCount"`
	AttemptCount     int      `json:"attemptCount"`
	FinishedQuerying bool     `json:"finishedQuerying"`
	LastQueries      []string `json:"lastQueries"`
}

// SlotItem is one extracted value for a slot. Key is mandatory for mapping
// slots and must equal a value currently held by the parent list slot.
type SlotItem struct {
	ID         string          `json:"id"`
	SlotID     string          `json:"slotId"`
	Key        *string         `json:"key,omitempty"`
	ValueJSON  json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
	Complete   bool            `json:"complete"`
}

// ClaimEvidence is the many-to-many association between a SlotItem and the
// chunk(s) it cites. Every SlotItem must have at least one row.
type ClaimEvidence struct {
	SlotItemID string `json:"slotItemId"`
	ChunkID    string `json:"chunkId"`
}

// QueryStrategy tags a ReasoningSubquery as the first ("broad") pass over a
// list/mapping slot or a later, more specific ("targeted") pass.
type QueryStrategy string

const (
	StrategyBroad    QueryStrategy = "broad"
	StrategyTargeted QueryStrategy = "targeted"
)

// ReasoningSubquery ties one retrieval query to the slot it is meant to fill
// within a single ReasoningStep.
type ReasoningSubquery struct {
	SlotID    string        `json:"slotId"`
	QueryText string        `json:"queryText"`
	Strategy  QueryStrategy `json:"strategy"`
}
