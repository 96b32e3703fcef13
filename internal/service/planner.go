package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"reasonengine/internal/model"
)

// PlannedSlot is one slot definition as produced by the Planner, before ids
// are resolved by the Slot Store.
type PlannedSlot struct {
	Name            string
	Type            model.SlotType
	Required        bool
	DependsOnName   string // resolved to DependsOnSlotID by SlotRepo.UpsertPlan
	TargetItemCount int
	ItemsPerKey     int
}

// PlanResult is the Planner's output: the action (never answer/expand_corpus
// on the first call), slots, and subqueries seeded only for dependency-free
// slots.
type PlanResult struct {
	Action     string // "retrieve" | "clarify"
	Why        string
	Slots      []PlannedSlot
	Subqueries []PlannedSubquery
	Questions  []string // populated only when Action == "clarify"
}

// PlannedSubquery ties a query to a slot by name, before the slot has an id.
type PlannedSubquery struct {
	SlotName string
	Query    string
	Strategy model.QueryStrategy
}

const plannerSystemPrompt = `You are the planning stage of a research assistant that answers
questions by searching a corpus of indexed web pages. Given the user's question, decompose it
into typed information "slots" the answer will require, and choose whether to start retrieving
evidence or to ask the user a clarifying question first.

Respond with a JSON object:
{
  "action": "retrieve" | "clarify",
  "why": "short rationale",
  "slots": [
    {"name": "...", "type": "scalar"|"list"|"mapping", "required": true, "dependsOn": "<slot name, mapping only>",
     "targetItemCount": <int, list only, 0 = open-ended>, "itemsPerKey": <int >= 1, mapping only}
  ],
  "subqueries": [{"slot": "...", "query": "...", "strategy": "broad"}],
  "questions": ["..."]
}

Only emit subqueries for slots with no dependency — dependent slots get their queries
synthesized later once their dependency is filled. A mapping slot must declare "dependsOn"
naming a list slot.`

type plannerJSON struct {
	Action string `json:"action"`
	Why    string `json:"why"`
	Slots  []struct {
		Name            string `json:"name"`
		Type            string `json:"type"`
		Required        bool   `json:"required"`
		DependsOn       string `json:"dependsOn"`
		TargetItemCount int    `json:"targetItemCount"`
		ItemsPerKey     int    `json:"itemsPerKey"`
	} `json:"slots"`
	Subqueries []struct {
		Slot     string `json:"slot"`
		Query    string `json:"query"`
		Strategy string `json:"strategy"`
	} `json:"subqueries"`
	Questions []string `json:"questions"`
}

// Planner turns the user's question into a slot graph and initial
// subqueries with a single LLM call.
type Planner struct {
	chat ChatClient
}

// NewPlanner creates a Planner.
func NewPlanner(chat ChatClient) *Planner {
	return &Planner{chat: chat}
}

// Plan calls the LLM once. On parse failure it falls back to a single
// scalar slot named "answer" with one subquery equal to the (truncated)
// user question.
func (p *Planner) Plan(ctx context.Context, question string) (*PlanResult, error) {
	raw, err := p.chat.GenerateJSON(ctx, plannerSystemPrompt, question)
	if err != nil {
		slog.Warn("[PLAN] LLM call failed, using fallback plan", "error", err)
		return fallbackPlan(question), nil
	}

	result, err := parsePlan(raw)
	if err != nil {
		slog.Warn("[PLAN] parse failed, using fallback plan", "error", err, "raw", raw)
		return fallbackPlan(question), nil
	}

	slog.Info("[PLAN] planned", "action", result.Action, "slot_count", len(result.Slots), "subquery_count", len(result.Subqueries))
	return result, nil
}

func fallbackPlan(question string) *PlanResult {
	q := question
	if len(q) > 300 {
		q = q[:300]
	}
	return &PlanResult{
		Action: "retrieve",
		Why:    "fallback: could not parse plan",
		Slots: []PlannedSlot{
			{Name: "answer", Type: model.SlotScalar, Required: true},
		},
		Subqueries: []PlannedSubquery{
			{SlotName: "answer", Query: q, Strategy: model.StrategyBroad},
		},
	}
}

func parsePlan(raw string) (*PlanResult, error) {
	cleaned := StripFence(raw)

	var parsed plannerJSON
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, fmt.Errorf("service.parsePlan: %w", err)
	}
	if parsed.Action != "retrieve" && parsed.Action != "clarify" {
		return nil, fmt.Errorf("service.parsePlan: invalid action %q", parsed.Action)
	}
	if len(parsed.Slots) == 0 {
		return nil, fmt.Errorf("service.parsePlan: no slots")
	}

	slotTypes := make(map[string]model.SlotType, len(parsed.Slots))
	slots := make([]PlannedSlot, 0, len(parsed.Slots))
	for _, s := range parsed.Slots {
		var t model.SlotType
		switch s.Type {
		case "scalar":
			t = model.SlotScalar
		case "list":
			t = model.SlotList
		case "mapping":
			t = model.SlotMapping
		default:
			continue // unknown type dropped
		}

		ps := PlannedSlot{
			Name:     s.Name,
			Type:     t,
			Required: s.Required,
		}
		if t == model.SlotMapping {
			if s.DependsOn == "" {
				continue // mapping slots without a dependsOn are discarded
			}
			ps.DependsOnName = s.DependsOn
			if s.ItemsPerKey < 1 {
				ps.ItemsPerKey = 1
			} else {
				ps.ItemsPerKey = s.ItemsPerKey
			}
		}
		if t == model.SlotList {
			ps.TargetItemCount = s.TargetItemCount
		}
		slotTypes[s.Name] = t
		slots = append(slots, ps)
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("service.parsePlan: no valid slots after normalization")
	}

	dependsOn := make(map[string]string, len(slots))
	for _, s := range slots {
		if s.DependsOnName != "" {
			dependsOn[s.Name] = s.DependsOnName
		}
	}

	subqueries := make([]PlannedSubquery, 0, len(parsed.Subqueries))
	for _, sq := range parsed.Subqueries {
		if _, ok := slotTypes[sq.Slot]; !ok {
			continue
		}
		if _, hasDep := dependsOn[sq.Slot]; hasDep {
			continue // subqueries for slots with dependencies are discarded
		}
		if strings.TrimSpace(sq.Query) == "" {
			continue
		}
		strategy := model.StrategyBroad
		if sq.Strategy == string(model.StrategyTargeted) {
			strategy = model.StrategyTargeted
		}
		subqueries = append(subqueries, PlannedSubquery{SlotName: sq.Slot, Query: sq.Query, Strategy: strategy})
	}

	return &PlanResult{
		Action:     parsed.Action,
		Why:        parsed.Why,
		Slots:      slots,
		Subqueries: subqueries,
		Questions:  parsed.Questions,
	}, nil
}

// StripFence removes a leading/trailing ``` or ```json code fence before
// json.Unmarshal.
func StripFence(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		lines := strings.Split(cleaned, "\n")
		if len(lines) >= 3 {
			cleaned = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}
	return strings.TrimSpace(cleaned)
}
