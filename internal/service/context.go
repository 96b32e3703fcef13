package service

import (
	"context"
	"fmt"

	"reasonengine/internal/model"
)

// NoPagesMessage is the fixed user-facing sentence returned when a
// conversation has no indexed pages.
const NoPagesMessage = "There are no indexed pages in this conversation yet, so I have nothing to search."

// RunContext is everything the controller needs to drive one reasoning run,
// assembled by the Context Loader.
type RunContext struct {
	Conversation          model.Conversation
	Sources               []model.Source
	Pages                 []model.Page
	PageByID              map[string]model.Page
	SourceByID            map[string]model.Source
	SourceDomainByPageID  map[string]string
	LeadChunks            []model.Chunk
	RootMessageID         string
	UserMessage           string
	ScrapedPageDisplay    string
	IsAppend              bool
	ExpansionCount        int
	RehydratedSlots       []model.Slot
	RehydratedSubqueries  []model.ReasoningSubquery
	NoPages               bool
}

// LoadContextInput mirrors the request body.
type LoadContextInput struct {
	ConversationID     string
	UserMessage        string
	RootMessageID      string
	AppendToMessageID  string
	ScrapedPageDisplay string
}

// ContextLoader resolves the conversation, its indexed pages, and the root
// message of the reasoning run.
type ContextLoader struct {
	conversations ConversationStore
	messages      MessageStore
	slots         SlotRepo
	steps         StepRepo
	retrieval     *RetrievalService
}

// NewContextLoader creates a ContextLoader.
func NewContextLoader(conversations ConversationStore, messages MessageStore, slots SlotRepo, steps StepRepo, retrieval *RetrievalService) *ContextLoader {
	return &ContextLoader{conversations: conversations, messages: messages, slots: slots, steps: steps, retrieval: retrieval}
}

// Load resolves rootMessageId
// resolution and append-mode rehydration.
func (l *ContextLoader) Load(ctx context.Context, in LoadContextInput) (*RunContext, error) {
	conv, err := l.conversations.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, NewError(KindNotFound, "conversation not found", err)
	}

	sources, err := l.conversations.ListSources(ctx, in.ConversationID)
	if err != nil {
		return nil, NewError(KindPersistenceFailure, "list sources", err)
	}

	pages, err := l.conversations.ListIndexedPages(ctx, in.ConversationID)
	if err != nil {
		return nil, NewError(KindPersistenceFailure, "list pages", err)
	}

	rc := &RunContext{
		Conversation:         *conv,
		Sources:              sources,
		Pages:                pages,
		PageByID:             make(map[string]model.Page, len(pages)),
		SourceByID:           make(map[string]model.Source, len(sources)),
		SourceDomainByPageID: make(map[string]string, len(pages)),
		UserMessage:          in.UserMessage,
		ScrapedPageDisplay:   in.ScrapedPageDisplay,
	}
	for _, s := range sources {
		rc.SourceByID[s.ID] = s
	}
	for _, p := range pages {
		rc.PageByID[p.ID] = p
		if src, ok := rc.SourceByID[p.SourceID]; ok {
			rc.SourceDomainByPageID[p.ID] = src.Domain
		}
	}

	if len(pages) == 0 {
		rc.NoPages = true
		return rc, nil
	}

	pageIDs := make([]string, 0, len(pages))
	for _, p := range pages {
		pageIDs = append(pageIDs, p.ID)
	}
	leadChunks, err := l.retrieval.LeadChunks(ctx, pageIDs)
	if err != nil {
		return nil, NewError(KindPersistenceFailure, "lead chunks", err)
	}
	rc.LeadChunks = leadChunks

	if in.AppendToMessageID != "" {
		predecessor, err := l.messages.GetPredecessorUserMessage(ctx, in.AppendToMessageID)
		if err != nil {
			return nil, NewError(KindCorruptedState, "no predecessor user message for append", err)
		}
		rc.RootMessageID = predecessor.ID
		rc.IsAppend = true
		rc.ExpansionCount = 1

		rc.RehydratedSlots, err = l.slots.GetSlots(ctx, rc.RootMessageID)
		if err != nil {
			return nil, NewError(KindPersistenceFailure, "rehydrate slots", err)
		}
		rc.RehydratedSubqueries, err = l.steps.GetFirstStepSubqueries(ctx, rc.RootMessageID)
		if err != nil {
			return nil, NewError(KindPersistenceFailure, "rehydrate subqueries", err)
		}

		if err := l.messages.ClearSuggestedPage(ctx, in.AppendToMessageID); err != nil {
			return nil, NewError(KindPersistenceFailure, "clear suggested page", err)
		}
		return rc, nil
	}

	if in.RootMessageID != "" {
		rc.RootMessageID = in.RootMessageID
		return rc, nil
	}

	return nil, NewError(KindCorruptedState, "rootMessageId not supplied and no appendToMessageId", fmt.Errorf("caller must supply rootMessageId"))
}
