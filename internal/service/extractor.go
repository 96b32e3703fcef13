package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"reasonengine/internal/model"
)

// Claim is an extractor-proposed SlotItem plus the chunks it cites, before
// the Slot Store resolves slot names to ids.
type Claim struct {
	SlotName   string
	Value      json.RawMessage
	Key        *string
	Confidence float64
	ChunkIDs   []string
}

// ExtractResult is the Extractor/Decider's per-iteration output.
type ExtractResult struct {
	Claims                      []Claim
	NextAction                  string // retrieve | expand_corpus | clarify | answer
	Why                         string
	Subqueries                  []PlannedSubquery
	Questions                   []string
	SuggestedPageIndex          int // 1-based, 0 = none
	BroadQueryCompletedSlotFully []string
	ParseError                  bool
}

// ExtractorInput is everything the controller composes for one iteration's
// LLM call.
type ExtractorInput struct {
	Question             string
	Slots                 []model.Slot
	FinishedQueryingNames []string
	BroadModeNames        []string
	StructuredState       map[string]SlotStateView
	Evidence              []model.Chunk // every chunk collected so far this run
	CandidatePages        []CandidatePage
}

// CandidatePage is one dynamic-source-mode candidate offered to the decider
// for expand_corpus.
type CandidatePage struct {
	Index       int
	URL         string
	Title       string
	Snippet     string
	SourceID    string
	FromPageID  string
}

const extractorSystemPrompt = `You are the extraction and decision stage of an iterative research
assistant. Given the question, the current slot state, and retrieved evidence passages, extract
atomic claims that fill slots and decide the next action.

Every claim MUST cite at least one chunk id actually present in the evidence. Respond with JSON:
{
  "claims": [{"slot": "...", "value": <any>, "key": "<mapping only>", "confidence": 0.0-1.0, "chunkIds": ["..."]}],
  "next_action": "retrieve" | "expand_corpus" | "clarify" | "answer",
  "why": "short rationale",
  "subqueries": [{"slot": "...", "query": "...", "strategy": "broad"|"targeted"}],
  "questions": ["..."],
  "suggested_page_index": <1-10>,
  "broad_query_completed_slot_fully": ["slot name", ...]
}`

// Extractor runs one LLM call per iteration and coerces the output strictly,
// dropping anything that doesn't validate against the offered evidence.
type Extractor struct {
	chat ChatClient
}

// NewExtractor creates an Extractor.
func NewExtractor(chat ChatClient) *Extractor {
	return &Extractor{chat: chat}
}

func (e *Extractor) Extract(ctx context.Context, in ExtractorInput) (*ExtractResult, error) {
	userPrompt := buildExtractorPrompt(in)

	raw, err := e.chat.GenerateJSON(ctx, extractorSystemPrompt, userPrompt)
	if err != nil {
		slog.Warn("[EXTRACT] LLM call failed, parse-error fallback", "error", err)
		return parseErrorFallback(), nil
	}

	result, err := parseExtract(raw, in.Evidence)
	if err != nil {
		slog.Warn("[EXTRACT] parse failed, parse-error fallback", "error", err, "raw", raw)
		return parseErrorFallback(), nil
	}

	slog.Info("[EXTRACT] extracted", "claim_count", len(result.Claims), "next_action", result.NextAction)
	return result, nil
}

// parseErrorFallback is the UpstreamParseError behavior for the
// Extractor: empty claims, retrieve again, logged reason.
func parseErrorFallback() *ExtractResult {
	return &ExtractResult{
		Claims:     nil,
		NextAction: "retrieve",
		Why:        "Parse error",
		ParseError: true,
	}
}

type extractorJSON struct {
	Claims []struct {
		Slot       string          `json:"slot"`
		Value      json.RawMessage `json:"value"`
		Key        *string         `json:"key"`
		Confidence float64         `json:"confidence"`
		ChunkIDs   []string        `json:"chunkIds"`
	} `json:"claims"`
	NextAction                   string   `json:"next_action"`
	Why                          string   `json:"why"`
	Subqueries                   []struct {
		Slot     string `json:"slot"`
		Query    string `json:"query"`
		Strategy string `json:"strategy"`
	} `json:"subqueries"`
	Questions                    []string `json:"questions"`
	SuggestedPageIndex           int      `json:"suggested_page_index"`
	BroadQueryCompletedSlotFully []string `json:"broad_query_completed_slot_fully"`
}

func parseExtract(raw string, evidence []model.Chunk) (*ExtractResult, error) {
	cleaned := StripFence(raw)

	var parsed extractorJSON
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, fmt.Errorf("service.parseExtract: %w", err)
	}

	switch parsed.NextAction {
	case "retrieve", "expand_corpus", "clarify", "answer":
	default:
		return nil, fmt.Errorf("service.parseExtract: invalid next_action %q", parsed.NextAction)
	}

	evidenceIDs := make(map[string]bool, len(evidence))
	for i, c := range evidence {
		evidenceIDs[c.ID] = true
		_ = i
	}

	claims := make([]Claim, 0, len(parsed.Claims))
	for _, c := range parsed.Claims {
		if strings.TrimSpace(c.Slot) == "" {
			continue
		}
		chunkIDs := resolveChunkIDs(c.ChunkIDs, evidence, evidenceIDs)
		if len(chunkIDs) == 0 {
			continue // claims without a valid chunk reference are dropped
		}
		claims = append(claims, Claim{
			SlotName:   c.Slot,
			Value:      c.Value,
			Key:        c.Key,
			Confidence: c.Confidence,
			ChunkIDs:   chunkIDs,
		})
	}

	subqueries := make([]PlannedSubquery, 0, len(parsed.Subqueries))
	for _, sq := range parsed.Subqueries {
		if strings.TrimSpace(sq.Query) == "" || strings.TrimSpace(sq.Slot) == "" {
			continue
		}
		strategy := model.StrategyTargeted
		if sq.Strategy == string(model.StrategyBroad) {
			strategy = model.StrategyBroad
		}
		subqueries = append(subqueries, PlannedSubquery{SlotName: sq.Slot, Query: sq.Query, Strategy: strategy})
	}

	pageIdx := parsed.SuggestedPageIndex
	if pageIdx < 1 || pageIdx > 10 {
		pageIdx = 1 // out-of-range values fall back to index 1
	}

	return &ExtractResult{
		Claims:                      claims,
		NextAction:                  parsed.NextAction,
		Why:                         parsed.Why,
		Subqueries:                  subqueries,
		Questions:                   parsed.Questions,
		SuggestedPageIndex:          pageIdx,
		BroadQueryCompletedSlotFully: parsed.BroadQueryCompletedSlotFully,
	}, nil
}

// resolveChunkIDs validates chunk ids against the offered evidence, and
// falls back to interpreting numeric strings as 1-based indices into the
// evidence list.
func resolveChunkIDs(raw []string, evidence []model.Chunk, evidenceIDs map[string]bool) []string {
	var out []string
	seen := make(map[string]bool)
	for _, id := range raw {
		if evidenceIDs[id] {
			if !seen[id] {
				out = append(out, id)
				seen[id] = true
			}
			continue
		}
		if n, err := strconv.Atoi(id); err == nil && n >= 1 && n <= len(evidence) {
			resolved := evidence[n-1].ID
			if !seen[resolved] {
				out = append(out, resolved)
				seen[resolved] = true
			}
		}
	}
	return out
}

func buildExtractorPrompt(in ExtractorInput) string {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(in.Question)
	sb.WriteString("\n\nSlots:\n")
	for _, s := range in.Slots {
		fmt.Fprintf(&sb, "- %s (%s, required=%v, target=%d)\n", s.Name, s.Type, s.Required, s.TargetItemCount)
	}

	if len(in.FinishedQueryingNames) > 0 {
		sort.Strings(in.FinishedQueryingNames)
		sb.WriteString("\nFinished querying (do not request more subqueries for these): ")
		sb.WriteString(strings.Join(in.FinishedQueryingNames, ", "))
		sb.WriteString("\n")
	}
	if len(in.BroadModeNames) > 0 {
		sort.Strings(in.BroadModeNames)
		sb.WriteString("\nBroad mode this step: ")
		sb.WriteString(strings.Join(in.BroadModeNames, ", "))
		sb.WriteString("\n")
	}

	if stateJSON, err := json.Marshal(in.StructuredState); err == nil {
		sb.WriteString("\nCurrent slot state (JSON):\n")
		sb.Write(stateJSON)
		sb.WriteString("\n")
	}

	sb.WriteString("\nEvidence:\n")
	for _, c := range in.Evidence {
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", c.ID, c.Content)
	}

	if len(in.CandidatePages) > 0 {
		sb.WriteString("\nCandidate pages (for expand_corpus):\n")
		for _, p := range in.CandidatePages {
			fmt.Fprintf(&sb, "%d. %s — %s\n%s\n", p.Index, p.Title, p.URL, p.Snippet)
		}
	}

	return sb.String()
}
