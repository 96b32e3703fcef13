package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"reasonengine/internal/model"
)

// FinalAnswer is the assembled, citation-rewritten assistant message and its
// persisted Quotes.
type FinalAnswer struct {
	Content string
	Quotes  []model.Quote
}

// AnswerBuilder selects evidence fairly across slots, calls the LLM once,
// rewrites `[[quote:<chunk_id>]]` placeholders into `[k]`, and builds one
// Quote row per unique cited chunk.
type AnswerBuilder struct {
	chat              ChatClient
	slots             SlotRepo
	chunks            ChunkStore
	chunksCap         int
	quoteSnippetChars int
	pageContextChars  int
}

// NewAnswerBuilder creates an AnswerBuilder.
func NewAnswerBuilder(chat ChatClient, slots SlotRepo, chunks ChunkStore, chunksCap, quoteSnippetChars, pageContextChars int) *AnswerBuilder {
	return &AnswerBuilder{
		chat:              chat,
		slots:             slots,
		chunks:            chunks,
		chunksCap:         chunksCap,
		quoteSnippetChars: quoteSnippetChars,
		pageContextChars:  pageContextChars,
	}
}

const finalAnswerSystemPrompt = `You are the final-answer stage of a research assistant. You are
given the question, the structured slot state, and an evidence block of passages, each tagged
with its chunk id. Write a complete answer, quoting the exact passage text for every factual
claim using [[quote:<chunk_id>]] placeholders immediately after the quoted material.

Respond with JSON:
{
  "final_answer": "... [[quote:c1]] ... [[quote:c2]] ...",
  "cited_snippets": {"c1": "verbatim passage text", "c2": "..."}
}`

type finalAnswerJSON struct {
	FinalAnswer   string            `json:"final_answer"`
	CitedSnippets map[string]string `json:"cited_snippets"`
}

var quotePlaceholderRe = regexp.MustCompile(`\[\[quote:([^\]]+)\]\]`)

// Build selects evidence grouped by slot (cap applied), calls the LLM,
// rewrites citations, and creates Quote rows pinned to messageID.
func (b *AnswerBuilder) Build(ctx context.Context, question string, rootMessageID, messageID string, pageByID map[string]model.Page) (*FinalAnswer, error) {
	evidenceBySlot, err := b.slots.GetEvidenceBySlot(ctx, rootMessageID)
	if err != nil {
		return nil, fmt.Errorf("service.Build: evidence: %w", err)
	}
	structuredState, err := b.slots.GetStructuredState(ctx, rootMessageID)
	if err != nil {
		return nil, fmt.Errorf("service.Build: structured state: %w", err)
	}

	chunkIDs := fairSelectAcrossSlots(evidenceBySlot, b.chunksCap)
	if len(chunkIDs) == 0 {
		return &FinalAnswer{Content: "I could not find any evidence in the indexed pages to answer this question."}, nil
	}

	chunks, err := b.chunks.GetChunksByIDs(ctx, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("service.Build: load chunks: %w", err)
	}
	byID := make(map[string]model.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	userPrompt := buildFinalAnswerPrompt(question, structuredState, chunks)
	raw, err := b.chat.GenerateJSON(ctx, finalAnswerSystemPrompt, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("service.Build: LLM call: %w", err)
	}

	var parsed finalAnswerJSON
	if err := json.Unmarshal([]byte(StripFence(raw)), &parsed); err != nil {
		return nil, fmt.Errorf("service.Build: parse: %w", err)
	}

	content, orderedIDs := rewriteCitations(parsed.FinalAnswer, byID)
	if len(orderedIDs) == 0 && len(byID) > 0 {
		// Append [1]..[N] markers when the model cited nothing.
		content, orderedIDs = appendFallbackCitations(parsed.FinalAnswer, chunks)
	}

	quotes := make([]model.Quote, 0, len(orderedIDs))
	for k, chunkID := range orderedIDs {
		chunk, ok := byID[chunkID]
		if !ok {
			continue
		}
		snippet := parsed.CitedSnippets[chunkID]
		if strings.TrimSpace(snippet) == "" {
			snippet = sentenceBoundedExcerpt(chunk.Content, b.quoteSnippetChars)
		}
		before, after := surroundingContext(pageByID[chunk.PageID].Content, snippet, b.pageContextChars)

		quotes = append(quotes, model.Quote{
			ID:            uuid.New().String(),
			MessageID:     messageID,
			SourceID:      pageByID[chunk.PageID].SourceID,
			PageID:        chunk.PageID,
			ChunkID:       chunkID,
			Snippet:       snippet,
			PageTitle:     chunk.PageTitle,
			PagePath:      chunk.PagePath,
			Domain:        chunk.SourceDomain,
			PageURL:       pageByID[chunk.PageID].URL,
			ContextBefore: before,
			ContextAfter:  after,
			CitationOrder: k + 1,
		})
	}

	slog.Info("[FINAL] built answer", "chunk_count", len(chunks), "quote_count", len(quotes))
	return &FinalAnswer{Content: content, Quotes: quotes}, nil
}

// fairSelectAcrossSlots uses the Fair-Allocation Selector over per-slot
// evidence lists (modeled as single-element-distance lists in insertion
// order, since evidence ids within a slot have no inherent ranking here)
// so that late-found slots are represented against early-found ones.
func fairSelectAcrossSlots(bySlot map[string][]string, cap int) []string {
	var perSlot [][]idOnly
	for _, ids := range bySlot {
		list := make([]idOnly, len(ids))
		for i, id := range ids {
			list[i] = idOnly{id: id, rank: float64(i)}
		}
		perSlot = append(perSlot, list)
	}
	selected := SelectFair(perSlot, cap)
	out := make([]string, len(selected))
	for i, s := range selected {
		out[i] = s.id
	}
	return out
}

type idOnly struct {
	id   string
	rank float64
}

func (o idOnly) DistanceValue() float64 { return o.rank }
func (o idOnly) IDValue() string        { return o.id }

func buildFinalAnswerPrompt(question string, structuredState map[string]SlotStateView, chunks []model.Chunk) string {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(question)
	sb.WriteString("\n\n")

	if stateJSON, err := json.Marshal(structuredState); err == nil {
		sb.WriteString("Structured slot state (JSON):\n")
		sb.Write(stateJSON)
		sb.WriteString("\n\n")
	}

	sb.WriteString("Evidence:\n")
	for _, c := range chunks {
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", c.ID, c.Content)
	}
	return sb.String()
}

// rewriteCitations scans content for [[quote:<id>]] placeholders in source
// order, dedups by first appearance, accepts only ids present in offered,
// and replaces the k-th unique placeholder with [k]. Unresolved placeholders
// are stripped.
func rewriteCitations(content string, offered map[string]model.Chunk) (string, []string) {
	order := make([]string, 0)
	seen := make(map[string]int)

	result := quotePlaceholderRe.ReplaceAllStringFunc(content, func(match string) string {
		sub := quotePlaceholderRe.FindStringSubmatch(match)
		id := sub[1]
		if _, ok := offered[id]; !ok {
			return ""
		}
		if k, ok := seen[id]; ok {
			return fmt.Sprintf("[%d]", k+1)
		}
		order = append(order, id)
		seen[id] = len(order) - 1
		return fmt.Sprintf("[%d]", len(order))
	})

	return strings.TrimSpace(result), order
}

// appendFallbackCitations handles the case where final_answer has zero
// placeholders but evidence is non-empty, append [1]..[N] at the end.
func appendFallbackCitations(content string, chunks []model.Chunk) (string, []string) {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(content))
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
		fmt.Fprintf(&sb, " [%d]", i+1)
	}
	return sb.String(), ids
}

// sentenceBoundedExcerpt trims content to at most maxChars, preferring to
// end on a sentence boundary.
func sentenceBoundedExcerpt(content string, maxChars int) string {
	if len(content) <= maxChars {
		return content
	}
	truncated := content[:maxChars]
	if idx := strings.LastIndexAny(truncated, ".!?"); idx > maxChars/2 {
		return truncated[:idx+1]
	}
	return strings.TrimSpace(truncated) + "…"
}

// surroundingContext locates snippet within pageContent (exact match, then
// progressively shorter prefixes, then ellipsis-split segments >= 20 chars)
// and returns up to maxChars of context before/after, suppressing context
// within 80 chars of either page edge.
func surroundingContext(pageContent, snippet string, maxChars int) (before, after string) {
	if pageContent == "" || snippet == "" {
		return "", ""
	}

	idx := strings.Index(pageContent, snippet)
	matchLen := len(snippet)

	if idx < 0 {
		for _, prefixLen := range []int{80, 60, 40} {
			if len(snippet) < prefixLen {
				continue
			}
			if i := strings.Index(pageContent, snippet[:prefixLen]); i >= 0 {
				idx = i
				matchLen = prefixLen
				break
			}
		}
	}

	if idx < 0 {
		for _, seg := range strings.Split(snippet, "…") {
			seg = strings.TrimSpace(seg)
			if len(seg) < 20 {
				continue
			}
			if i := strings.Index(pageContent, seg); i >= 0 {
				idx = i
				matchLen = len(seg)
				break
			}
		}
	}

	if idx < 0 {
		return "", ""
	}

	if idx >= 80 {
		start := idx - maxChars
		if start < 0 {
			start = 0
		}
		before = strings.TrimSpace(pageContent[start:idx])
	}

	end := idx + matchLen
	if len(pageContent)-end >= 80 {
		stop := end + maxChars
		if stop > len(pageContent) {
			stop = len(pageContent)
		}
		after = strings.TrimSpace(pageContent[end:stop])
	}

	return before, after
}
