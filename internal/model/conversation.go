package model

import "time"

// Conversation is a container for a dialogue between a user and the reasoning
// engine. DynamicMode marks conversations where the Corpus Expander is allowed
// to suggest not-yet-indexed pages.
type Conversation struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	DynamicMode bool      `json:"dynamicMode"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Source is a crawled site attached to a conversation.
type Source struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Domain         string    `json:"domain"`
	RootURL        string    `json:"rootUrl"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PageStatus mirrors the indexer's page lifecycle. Only PageIndexed pages are
// visible to the reasoning engine.
type PageStatus string

const (
	PagePending    PageStatus = "pending"
	PageProcessing PageStatus = "processing"
	PageIndexed    PageStatus = "indexed"
	PageFailed     PageStatus = "failed"
)

// Page is an indexed page belonging to one Source.
type Page struct {
	ID        string     `json:"id"`
	SourceID  string     `json:"sourceId"`
	Title     string     `json:"title"`
	Path      string     `json:"path"`
	URL       string     `json:"url"`
	Status    PageStatus `json:"status"`
	Content   string     `json:"-"` // full page text, used only for quote context windows
	CreatedAt time.Time  `json:"createdAt"`
}
