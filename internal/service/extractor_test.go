package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"reasonengine/internal/model"
)

func TestExtractor_Extract_ParsesValidResponse(t *testing.T) {
	raw := `{
		"claims": [{"slot": "author", "value": "Jane Doe", "confidence": 0.9, "chunkIds": ["c1"]}],
		"next_action": "answer",
		"why": "enough evidence",
		"suggested_page_index": 3
	}`
	e := NewExtractor(&fakeChatClient{response: raw})

	result, err := e.Extract(context.Background(), ExtractorInput{
		Question: "who wrote it?",
		Evidence: []model.Chunk{{ID: "c1", Content: "Jane Doe wrote the book."}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NextAction != "answer" {
		t.Errorf("NextAction = %q, want answer", result.NextAction)
	}
	if len(result.Claims) != 1 || result.Claims[0].SlotName != "author" {
		t.Fatalf("Claims = %+v", result.Claims)
	}
	if result.SuggestedPageIndex != 3 {
		t.Errorf("SuggestedPageIndex = %d, want 3", result.SuggestedPageIndex)
	}
	if result.ParseError {
		t.Error("ParseError should be false on a valid response")
	}
}

func TestExtractor_Extract_DropsClaimsWithNoValidChunkReference(t *testing.T) {
	raw := `{
		"claims": [
			{"slot": "author", "value": "Jane Doe", "chunkIds": ["does-not-exist"]},
			{"slot": "year", "value": "2020", "chunkIds": ["c1"]}
		],
		"next_action": "retrieve",
		"why": "more needed"
	}`
	e := NewExtractor(&fakeChatClient{response: raw})

	result, err := e.Extract(context.Background(), ExtractorInput{
		Evidence: []model.Chunk{{ID: "c1", Content: "published 2020"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Claims) != 1 || result.Claims[0].SlotName != "year" {
		t.Fatalf("Claims = %+v, want only the year claim", result.Claims)
	}
}

func TestExtractor_Extract_FallsBackOnChatError(t *testing.T) {
	e := NewExtractor(&fakeChatClient{err: errors.New("down")})

	result, err := e.Extract(context.Background(), ExtractorInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.ParseError || result.NextAction != "retrieve" || len(result.Claims) != 0 {
		t.Errorf("result = %+v, want the parse-error fallback", result)
	}
}

func TestExtractor_Extract_FallsBackOnInvalidNextAction(t *testing.T) {
	e := NewExtractor(&fakeChatClient{response: `{"next_action": "fly_to_the_moon"}`})

	result, err := e.Extract(context.Background(), ExtractorInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.ParseError {
		t.Error("want ParseError true for an invalid next_action")
	}
}

func TestResolveChunkIDs_MatchesByIDAndDedupes(t *testing.T) {
	evidence := []model.Chunk{{ID: "c1"}, {ID: "c2"}}
	ids := map[string]bool{"c1": true, "c2": true}

	got := resolveChunkIDs([]string{"c1", "c1", "c2"}, evidence, ids)
	if len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Errorf("got %v, want [c1 c2]", got)
	}
}

func TestResolveChunkIDs_FallsBackToNumericIndex(t *testing.T) {
	evidence := []model.Chunk{{ID: "c1"}, {ID: "c2"}, {ID: "c3"}}
	ids := map[string]bool{"c1": true, "c2": true, "c3": true}

	got := resolveChunkIDs([]string{"2"}, evidence, ids)
	if len(got) != 1 || got[0] != "c2" {
		t.Errorf("got %v, want [c2] (1-based index 2 -> evidence[1])", got)
	}
}

func TestResolveChunkIDs_DropsOutOfRangeAndUnknown(t *testing.T) {
	evidence := []model.Chunk{{ID: "c1"}}
	ids := map[string]bool{"c1": true}

	got := resolveChunkIDs([]string{"0", "5", "not-a-number", "unknown-id"}, evidence, ids)
	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}

func TestParseExtract_SubqueryStrategyDefaultsToTargeted(t *testing.T) {
	raw := `{
		"next_action": "retrieve",
		"subqueries": [{"slot": "a", "query": "q", "strategy": "made-up"}]
	}`
	result, err := parseExtract(raw, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Subqueries[0].Strategy != model.StrategyTargeted {
		t.Errorf("Strategy = %v, want targeted (Extractor default differs from Planner's broad default)", result.Subqueries[0].Strategy)
	}
}

func TestParseExtract_BlankSubqueryOrSlotDropped(t *testing.T) {
	raw := `{
		"next_action": "retrieve",
		"subqueries": [{"slot": "", "query": "q"}, {"slot": "a", "query": "  "}]
	}`
	result, err := parseExtract(raw, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Subqueries) != 0 {
		t.Errorf("Subqueries = %+v, want empty", result.Subqueries)
	}
}

func TestParseExtract_SuggestedPageIndexOutOfRangeFallsBackToOne(t *testing.T) {
	for _, idx := range []int{0, -1, 11, 100} {
		raw := `{"next_action": "expand_corpus", "suggested_page_index": ` + strconv.Itoa(idx) + `}`
		result, err := parseExtract(raw, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.SuggestedPageIndex != 1 {
			t.Errorf("input %d: SuggestedPageIndex = %d, want 1", idx, result.SuggestedPageIndex)
		}
	}
}

func TestParseExtract_ClaimWithBlankSlotDropped(t *testing.T) {
	evidence := []model.Chunk{{ID: "c1"}}
	raw := `{"next_action": "retrieve", "claims": [{"slot": "  ", "chunkIds": ["c1"]}]}`
	result, err := parseExtract(raw, evidence)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Claims) != 0 {
		t.Errorf("Claims = %+v, want empty", result.Claims)
	}
}

func TestBuildExtractorPrompt_IncludesQuestionSlotsAndEvidence(t *testing.T) {
	in := ExtractorInput{
		Question: "who wrote it?",
		Slots:    []model.Slot{{Name: "author", Type: model.SlotScalar, Required: true}},
		Evidence: []model.Chunk{{ID: "c1", Content: "Jane Doe wrote the book."}},
		CandidatePages: []CandidatePage{
			{Index: 1, Title: "About", URL: "https://example.com/about", Snippet: "bio"},
		},
	}
	prompt := buildExtractorPrompt(in)

	for _, want := range []string{"who wrote it?", "author", "c1", "Jane Doe wrote the book.", "About", "https://example.com/about"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
