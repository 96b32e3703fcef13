package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"reasonengine/internal/model"
)

// Budgets are the iteration loop's termination limits.
type Budgets struct {
	MaxIterations        int
	MaxSubqueriesPerIter int
	MaxTotalSubqueries   int
	MaxExpansions        int
	StagnationThreshold  int
}

// RunResult summarizes how a run terminated, independent of the NDJSON lines
// already streamed through the EventEmitter — mainly so tests can assert on
// the outcome without parsing the wire format.
type RunResult struct {
	Terminal      string // "answer" | "clarify" | "expand_corpus" | "hard_stop" | "no_pages"
	MessageID     string
	Content       string
	Quotes        []model.Quote
	Suggestion    *Suggestion
	Iterations    int
	ExpansionUsed int
}

// Controller drives the retrieve/extract/decide loop, wiring every
// other service component together for one reasoning run.
type Controller struct {
	planner      *Planner
	retrieval    *RetrievalService
	extractor    *Extractor
	completeness *CompletenessEngine
	expander     *CorpusExpander
	answers      *AnswerBuilder
	slots        SlotRepo
	steps        StepRepo
	messages     MessageStore
	quotes       QuoteRepo
	budgets      Budgets
}

// NewController creates a Controller.
func NewController(
	planner *Planner,
	retrieval *RetrievalService,
	extractor *Extractor,
	completeness *CompletenessEngine,
	expander *CorpusExpander,
	answers *AnswerBuilder,
	slots SlotRepo,
	steps StepRepo,
	messages MessageStore,
	quotes QuoteRepo,
	budgets Budgets,
) *Controller {
	return &Controller{
		planner:      planner,
		retrieval:    retrieval,
		extractor:    extractor,
		completeness: completeness,
		expander:     expander,
		answers:      answers,
		slots:        slots,
		steps:        steps,
		messages:     messages,
		quotes:       quotes,
		budgets:      budgets,
	}
}

// runState carries everything that changes across iterations of one run.
type runState struct {
	rc             *RunContext
	emit           *EventEmitter
	slotsNow       []model.Slot
	pending        []Subquery
	evidence       *evidencePool
	executed       map[string]bool
	recentQueries  []string
	totalSubqueries int
	expansionCount int
	previousTotal  int
	iteration      int
	summaries      []StepSummary
	extractionGaps []string
}

// Run executes the full loop for one reasoning request and returns how it
// terminated. Exactly one terminal assistant message (or none, on a fatal
// no-persisted-state error) is written.
func (c *Controller) Run(ctx context.Context, rc *RunContext, emit *EventEmitter) (*RunResult, error) {
	if rc.NoPages {
		return c.finishNoPages(ctx, rc, emit)
	}

	st := &runState{
		rc:            rc,
		emit:          emit,
		evidence:      newEvidencePool(),
		executed:      make(map[string]bool),
		previousTotal: -1,
	}
	st.evidence.add(rc.LeadChunks)

	if rc.IsAppend {
		st.slotsNow = rc.RehydratedSlots
		st.pending = subqueriesFromModel(rc.RehydratedSubqueries)
		st.expansionCount = rc.ExpansionCount
	} else {
		plan, err := c.planner.Plan(ctx, rc.UserMessage)
		if err != nil {
			return nil, err
		}
		if err := emit.Plan(buildPlanLine(plan)); err != nil {
			return nil, err
		}
		if plan.Action == "clarify" {
			return c.finishClarify(ctx, st, plan.Questions)
		}

		planned := make(map[string]bool, len(plan.Slots))
		for _, s := range plan.Slots {
			planned[s.Name] = true
		}
		initial := make([]model.ReasoningSubquery, 0, len(plan.Subqueries))
		for _, sq := range plan.Subqueries {
			if planned[sq.SlotName] {
				initial = append(initial, model.ReasoningSubquery{SlotID: sq.SlotName, QueryText: sq.Query, Strategy: sq.Strategy})
			}
		}
		slots, err := c.slots.UpsertPlan(ctx, rc.RootMessageID, plan.Slots, initial)
		if err != nil {
			return nil, NewError(KindPersistenceFailure, "upsert plan", err)
		}
		st.slotsNow = slots
		st.pending = resolveSubqueriesByName(plan.Subqueries, slots)
	}

	for st.iteration < c.budgets.MaxIterations {
		st.iteration++

		filtered := c.filterSubqueries(st.pending, st.slotsNow, st.executed)
		if len(filtered) > c.budgets.MaxSubqueriesPerIter {
			filtered = filtered[:c.budgets.MaxSubqueriesPerIter]
		}
		remaining := c.budgets.MaxTotalSubqueries - st.totalSubqueries
		if remaining < 0 {
			remaining = 0
		}
		if len(filtered) > remaining {
			filtered = filtered[:remaining]
		}
		for _, sq := range filtered {
			st.executed[sq.SlotID+"|"+sq.Query] = true
			st.recentQueries = append(st.recentQueries, sq.Query)
		}
		st.totalSubqueries += len(filtered)

		chunksPerQuery := map[string]int{}
		if len(filtered) > 0 {
			retrieved, perQuery, err := c.retrieval.RetrieveChunks(ctx, filtered, rc.pageIDs())
			if err != nil {
				return nil, NewError(KindUpstreamTimeout, "retrieve chunks", err)
			}
			st.evidence.add(retrieved)
			chunksPerQuery = perQuery
		}

		structuredState, err := c.slots.GetStructuredState(ctx, rc.RootMessageID)
		if err != nil {
			return nil, NewError(KindPersistenceFailure, "structured state", err)
		}

		var candidates []CandidatePage
		if rc.Conversation.DynamicMode {
			candidates, err = c.buildCandidatePages(ctx, st)
			if err != nil {
				slog.Warn("[EXPAND] candidate lookup failed", "error", err)
			}
		}

		extractIn := ExtractorInput{
			Question:              rc.UserMessage,
			Slots:                  st.slotsNow,
			FinishedQueryingNames:  finishedQueryingNames(st.slotsNow),
			BroadModeNames:         broadModeNames(st.slotsNow),
			StructuredState:        structuredState,
			Evidence:               st.evidence.slice(),
			CandidatePages:         candidates,
		}
		result, err := c.extractor.Extract(ctx, extractIn)
		if err != nil {
			return nil, NewError(KindUpstreamTimeout, "extract", err)
		}
		if result.ParseError {
			st.extractionGaps = append(st.extractionGaps, result.Why)
		}

		allowedKeys, err := c.buildAllowedMappingKeys(ctx, st.slotsNow)
		if err != nil {
			return nil, NewError(KindPersistenceFailure, "allowed mapping keys", err)
		}
		claimCount, err := c.slots.RecordClaims(ctx, rc.RootMessageID, result.Claims, allowedKeys)
		if err != nil {
			return nil, NewError(KindPersistenceFailure, "record claims", err)
		}

		prevCounts := itemCountByID(st.slotsNow)
		st.slotsNow, err = c.slots.GetSlots(ctx, rc.RootMessageID)
		if err != nil {
			return nil, NewError(KindPersistenceFailure, "refresh slots", err)
		}

		if err := c.updateAttempts(ctx, filtered, st.slotsNow, prevCounts, result.BroadQueryCompletedSlotFully); err != nil {
			return nil, NewError(KindPersistenceFailure, "update attempt", err)
		}
		// attempts may have set finished_querying; pick up the change.
		st.slotsNow, err = c.slots.GetSlots(ctx, rc.RootMessageID)
		if err != nil {
			return nil, NewError(KindPersistenceFailure, "refresh slots", err)
		}

		overall := c.completeness.Overall(st.slotsNow)
		fillStatus := make(map[string]SlotFillStatus, len(st.slotsNow))
		for _, s := range st.slotsNow {
			fillStatus[s.Name] = c.completeness.FillStatus(c.completeness.SlotScore(s, st.slotsNow))
		}
		totalItems := c.completeness.TotalItems(st.slotsNow)
		stagnated := c.completeness.Stagnated(st.iteration, totalItems, st.previousTotal, c.budgets.StagnationThreshold)
		st.previousTotal = totalItems

		queryTexts := make([]string, len(filtered))
		for i, sq := range filtered {
			queryTexts[i] = sq.Query
		}
		summary := StepSummary{
			Iteration:        st.iteration,
			Action:           result.NextAction,
			Why:              result.Why,
			Subqueries:       queryTexts,
			ChunksPerQuery:   chunksPerQuery,
			Claims:           claimCount,
			Completeness:     overall,
			FillStatusBySlot: fillStatus,
		}
		st.summaries = append(st.summaries, summary)

		if err := emit.Step(StepLine{
			Step:             st.iteration,
			TotalSteps:       st.iteration,
			Iter:             st.iteration,
			Action:           result.NextAction,
			Label:            stepLabel(result.NextAction),
			Why:              result.Why,
			QuotesFound:      0,
			Claims:           claimCount,
			Completeness:     overall,
			FillStatusBySlot: fillStatus,
		}); err != nil {
			return nil, err
		}

		stepSubqueries := make([]model.ReasoningSubquery, len(filtered))
		for i, sq := range filtered {
			stepSubqueries[i] = model.ReasoningSubquery{SlotID: sq.SlotID, QueryText: sq.Query, Strategy: sq.Strategy}
		}
		action := model.StepAction(result.NextAction)
		if err := c.steps.InsertStep(ctx, model.ReasoningStep{
			RootMessageID:     rc.RootMessageID,
			IterationNumber:   st.iteration,
			Action:            action,
			Why:               result.Why,
			CompletenessScore: overall,
		}, stepSubqueries); err != nil {
			return nil, NewError(KindPersistenceFailure, "insert step", err)
		}

		switch result.NextAction {
		case "answer":
			return c.finishAnswer(ctx, st)

		case "clarify":
			return c.finishClarify(ctx, st, result.Questions)

		case "expand_corpus":
			if dependentSlotUnfilled(st.slotsNow) {
				st.pending = fallbackSubqueriesFromSlots(st.slotsNow)
				continue
			}
			if st.expansionCount >= c.budgets.MaxExpansions {
				return c.finishAnswer(ctx, st)
			}
			return c.finishExpandCorpus(ctx, st, result.SuggestedPageIndex)

		case "retrieve":
			st.pending = resolveSubqueriesByName(result.Subqueries, st.slotsNow)
			if st.totalSubqueries >= c.budgets.MaxTotalSubqueries || stagnated || overall == 0 {
				return c.finishHardStop(ctx, st, hardStopReason(st.totalSubqueries, c.budgets.MaxTotalSubqueries, stagnated, overall))
			}
			continue

		default:
			st.pending = nil
			continue
		}
	}

	return c.finishHardStop(ctx, st, "Reached maximum iterations")
}

func hardStopReason(used, maxTotal int, stagnated bool, overall float64) string {
	switch {
	case used >= maxTotal:
		return "Subquery budget exhausted"
	case stagnated:
		return "No new claims (stagnation)"
	case overall == 0:
		return "No evidence found"
	default:
		return "Hard stop"
	}
}

func stepLabel(action string) string {
	switch action {
	case "answer":
		return "Answering"
	case "clarify":
		return "Clarifying"
	case "expand_corpus":
		return "Expanding corpus"
	default:
		return "Retrieving"
	}
}

// finishNoPages handles the zero-indexed-pages short-circuit.
func (c *Controller) finishNoPages(ctx context.Context, rc *RunContext, emit *EventEmitter) (*RunResult, error) {
	msg := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: rc.Conversation.ID,
		Role:           model.RoleAssistant,
		Content:        NoPagesMessage,
	}
	if rc.IsAppend {
		msg.FollowsMessageID = &rc.RootMessageID
	}
	if err := c.messages.InsertMessage(ctx, msg); err != nil {
		return nil, NewError(KindPersistenceFailure, "insert message", err)
	}
	if err := emit.Done(DoneLine{Done: true, Message: NoPagesMessage}); err != nil {
		return nil, err
	}
	return &RunResult{Terminal: "no_pages", MessageID: msg.ID, Content: NoPagesMessage}, nil
}

func (c *Controller) finishClarify(ctx context.Context, st *runState, questions []string) (*RunResult, error) {
	msg := model.Message{
		ID:             uuid.New().String(),
		ConversationID: st.rc.Conversation.ID,
		Role:           model.RoleAssistant,
	}
	if tp, err := json.Marshal(map[string]any{"clarifyQuestions": questions}); err == nil {
		msg.ThoughtProcess = tp
	}
	if err := c.messages.InsertMessage(ctx, &msg); err != nil {
		return nil, NewError(KindPersistenceFailure, "insert message", err)
	}
	if err := st.emit.Clarify(questions); err != nil {
		return nil, err
	}
	return &RunResult{Terminal: "clarify", MessageID: msg.ID}, nil
}

func (c *Controller) finishExpandCorpus(ctx context.Context, st *runState, suggestedIndex int) (*RunResult, error) {
	rc := st.rc
	suggestion, err := c.expander.Expand(ctx, sourceIDs(rc.Sources), rc.UserMessage, st.recentQueries, pageTitleByID(rc.PageByID), suggestedIndex)
	if err != nil {
		return nil, NewError(KindPersistenceFailure, "expand corpus", err)
	}
	st.expansionCount++

	msg := model.Message{
		ID:             uuid.New().String(),
		ConversationID: rc.Conversation.ID,
		Role:           model.RoleAssistant,
	}
	var suggestedTitle, suggestedURL string
	if suggestion != nil {
		suggestedTitle = suggestion.Title
		suggestedURL = suggestion.URL
		if sp, err := json.Marshal(suggestion); err == nil {
			msg.SuggestedPage = sp
		}
	}
	if err := c.messages.InsertMessage(ctx, &msg); err != nil {
		return nil, NewError(KindPersistenceFailure, "insert message", err)
	}

	if err := st.emit.Done(DoneLine{
		Done:           true,
		Message:        "",
		SuggestedPage:  suggestedURL,
		SuggestedTitle: suggestedTitle,
		ThoughtProcess: st.thoughtProcess(),
	}); err != nil {
		return nil, err
	}
	return &RunResult{Terminal: "expand_corpus", MessageID: msg.ID, Suggestion: suggestion, Iterations: st.iteration, ExpansionUsed: st.expansionCount}, nil
}

func (c *Controller) finishAnswer(ctx context.Context, st *runState) (*RunResult, error) {
	rc := st.rc
	messageID := uuid.New().String()
	answer, err := c.answers.Build(ctx, rc.UserMessage, rc.RootMessageID, messageID, rc.PageByID)
	if err != nil {
		return nil, NewError(KindPersistenceFailure, "build answer", err)
	}
	if len(answer.Quotes) > 0 {
		if err := c.quotes.InsertQuotes(ctx, answer.Quotes); err != nil {
			return nil, NewError(KindPersistenceFailure, "insert quotes", err)
		}
	}

	msg := model.Message{
		ID:             messageID,
		ConversationID: rc.Conversation.ID,
		Role:           model.RoleAssistant,
		Content:        answer.Content,
	}
	if tp, err := json.Marshal(st.thoughtProcess()); err == nil {
		msg.ThoughtProcess = tp
	}
	if rc.IsAppend {
		msg.FollowsMessageID = &rc.RootMessageID
	}
	if err := c.messages.InsertMessage(ctx, &msg); err != nil {
		return nil, NewError(KindPersistenceFailure, "insert message", err)
	}

	if err := st.emit.Done(DoneLine{
		Done:           true,
		Message:        answer.Content,
		Quotes:         quotesOut(answer.Quotes),
		ThoughtProcess: st.thoughtProcess(),
	}); err != nil {
		return nil, err
	}

	return &RunResult{Terminal: "answer", MessageID: messageID, Content: answer.Content, Quotes: answer.Quotes, Iterations: st.iteration, ExpansionUsed: st.expansionCount}, nil
}

// finishHardStop implements the retrieve-branch termination: in dynamic
// mode, try to attach a suggestion; otherwise answer with whatever evidence
// exists, or emit the stock sentence if overall completeness is 0.
func (c *Controller) finishHardStop(ctx context.Context, st *runState, reason string) (*RunResult, error) {
	st.extractionGaps = append(st.extractionGaps, reason)

	if st.rc.Conversation.DynamicMode && st.expansionCount < c.budgets.MaxExpansions {
		result, err := c.finishExpandCorpus(ctx, st, 1)
		if err == nil {
			result.Terminal = "hard_stop"
			return result, nil
		}
		slog.Warn("[FINAL] hard-stop expand attempt failed, falling back to answer", "error", err)
	}

	overall := c.completeness.Overall(st.slotsNow)
	if overall == 0 {
		rc := st.rc
		msg := model.Message{
			ID:             uuid.New().String(),
			ConversationID: rc.Conversation.ID,
			Role:           model.RoleAssistant,
			Content:        "I could not find any evidence in the indexed pages to answer this question.",
		}
		if tp, err := json.Marshal(st.thoughtProcess()); err == nil {
			msg.ThoughtProcess = tp
		}
		if err := c.messages.InsertMessage(ctx, &msg); err != nil {
			return nil, NewError(KindPersistenceFailure, "insert message", err)
		}
		if err := st.emit.Done(DoneLine{Done: true, Message: msg.Content, ThoughtProcess: st.thoughtProcess()}); err != nil {
			return nil, err
		}
		return &RunResult{Terminal: "hard_stop", MessageID: msg.ID, Content: msg.Content, Iterations: st.iteration}, nil
	}

	result, err := c.finishAnswer(ctx, st)
	if err != nil {
		return nil, err
	}
	result.Terminal = "hard_stop"
	return result, nil
}

func (st *runState) thoughtProcess() *ThoughtProcess {
	names := make([]string, len(st.slotsNow))
	for i, s := range st.slotsNow {
		names[i] = s.Name
	}
	var reason string
	if len(st.extractionGaps) > 0 {
		reason = st.extractionGaps[len(st.extractionGaps)-1]
	}
	return &ThoughtProcess{
		Slots:          names,
		Steps:          st.summaries,
		HardStopReason: reason,
		ExtractionGaps: st.extractionGaps,
	}
}

func (rc *RunContext) pageIDs() []string {
	ids := make([]string, 0, len(rc.Pages))
	for _, p := range rc.Pages {
		ids = append(ids, p.ID)
	}
	return ids
}

func sourceIDs(sources []model.Source) []string {
	ids := make([]string, len(sources))
	for i, s := range sources {
		ids[i] = s.ID
	}
	return ids
}

func pageTitleByID(pageByID map[string]model.Page) map[string]string {
	out := make(map[string]string, len(pageByID))
	for id, p := range pageByID {
		out[id] = p.Title
	}
	return out
}

func quotesOut(quotes []model.Quote) []QuoteOut {
	out := make([]QuoteOut, len(quotes))
	for i, q := range quotes {
		out[i] = QuoteOut{
			ID:            q.ID,
			SourceID:      q.SourceID,
			PageID:        q.PageID,
			Snippet:       q.Snippet,
			PageTitle:     q.PageTitle,
			PagePath:      q.PagePath,
			Domain:        q.Domain,
			PageURL:       q.PageURL,
			ContextBefore: q.ContextBefore,
			ContextAfter:  q.ContextAfter,
		}
	}
	return out
}

func buildPlanLine(plan *PlanResult) PlanLine {
	var line PlanLine
	line.Plan.Action = plan.Action
	line.Plan.Why = plan.Why
	line.Plan.Slots = make([]string, len(plan.Slots))
	for i, s := range plan.Slots {
		line.Plan.Slots[i] = s.Name
	}
	line.Plan.Subqueries = make([]string, len(plan.Subqueries))
	for i, sq := range plan.Subqueries {
		line.Plan.Subqueries[i] = sq.Query
	}
	return line
}

func subqueriesFromModel(rs []model.ReasoningSubquery) []Subquery {
	out := make([]Subquery, len(rs))
	for i, r := range rs {
		out[i] = Subquery{SlotID: r.SlotID, Query: r.QueryText, Strategy: r.Strategy}
	}
	return out
}

func resolveSubqueriesByName(planned []PlannedSubquery, slots []model.Slot) []Subquery {
	nameToID := make(map[string]string, len(slots))
	for _, s := range slots {
		nameToID[s.Name] = s.ID
	}
	out := make([]Subquery, 0, len(planned))
	for _, p := range planned {
		id, ok := nameToID[p.SlotName]
		if !ok {
			continue
		}
		out = append(out, Subquery{SlotID: id, Query: p.Query, Strategy: p.Strategy})
	}
	return out
}

// filterSubqueries applies the planning loop's pruning rules.
func (c *Controller) filterSubqueries(pending []Subquery, slots []model.Slot, executed map[string]bool) []Subquery {
	byID := slotByID(slots)
	out := make([]Subquery, 0, len(pending))
	for _, sq := range pending {
		slot, ok := byID[sq.SlotID]
		if !ok {
			continue
		}
		if slot.FinishedQuerying {
			continue
		}
		if slot.Type == model.SlotScalar && slot.CurrentItemCount >= 1 {
			continue
		}
		if (slot.Type == model.SlotList || slot.Type == model.SlotMapping) && slot.TargetItemCount > 0 && slot.CurrentItemCount >= slot.TargetItemCount {
			continue
		}
		if slot.DependsOnSlotID != nil {
			parent, ok := byID[*slot.DependsOnSlotID]
			if !ok || parent.CurrentItemCount == 0 {
				continue
			}
		}
		if executed[sq.SlotID+"|"+sq.Query] {
			continue
		}
		out = append(out, sq)
	}
	return out
}

func dependentSlotUnfilled(slots []model.Slot) bool {
	byID := slotByID(slots)
	for _, s := range slots {
		if s.DependsOnSlotID == nil {
			continue
		}
		parent, ok := byID[*s.DependsOnSlotID]
		if !ok || parent.CurrentItemCount == 0 {
			continue
		}
		if s.TargetItemCount > 0 && s.CurrentItemCount < s.TargetItemCount {
			return true
		}
		if s.TargetItemCount == 0 && !s.FinishedQuerying {
			return true
		}
	}
	return false
}

// fallbackSubqueriesFromSlots synthesizes one targeted subquery per
// still-unfilled dependent slot from its name, used when expand_corpus is
// overridden back to retrieve.
func fallbackSubqueriesFromSlots(slots []model.Slot) []Subquery {
	byID := slotByID(slots)
	var out []Subquery
	for _, s := range slots {
		if s.DependsOnSlotID == nil {
			continue
		}
		parent, ok := byID[*s.DependsOnSlotID]
		if !ok || parent.CurrentItemCount == 0 {
			continue
		}
		filled := s.TargetItemCount > 0 && s.CurrentItemCount >= s.TargetItemCount
		if filled || s.FinishedQuerying {
			continue
		}
		out = append(out, Subquery{SlotID: s.ID, Query: s.Name, Strategy: model.StrategyTargeted})
	}
	return out
}

func finishedQueryingNames(slots []model.Slot) []string {
	var out []string
	for _, s := range slots {
		if s.FinishedQuerying {
			out = append(out, s.Name)
		}
	}
	return out
}

func broadModeNames(slots []model.Slot) []string {
	var out []string
	for _, s := range slots {
		if (s.Type == model.SlotList || s.Type == model.SlotMapping) && s.AttemptCount == 0 {
			out = append(out, s.Name)
		}
	}
	return out
}

func itemCountByID(slots []model.Slot) map[string]int {
	out := make(map[string]int, len(slots))
	for _, s := range slots {
		out[s.ID] = s.CurrentItemCount
	}
	return out
}

// updateAttempts bumps attempt_count/last_queries for every slot that had
// subqueries this step, and sets finished_querying.
func (c *Controller) updateAttempts(ctx context.Context, filtered []Subquery, slotsNow []model.Slot, prevCounts map[string]int, completedFully []string) error {
	if len(filtered) == 0 {
		return nil
	}
	completed := make(map[string]bool, len(completedFully))
	for _, name := range completedFully {
		completed[name] = true
	}
	byID := slotByID(slotsNow)

	queriesBySlot := make(map[string][]string)
	for _, sq := range filtered {
		queriesBySlot[sq.SlotID] = append(queriesBySlot[sq.SlotID], sq.Query)
	}

	for slotID, queries := range queriesBySlot {
		slot, ok := byID[slotID]
		if !ok {
			continue
		}
		finished := completed[slot.Name] || slot.CurrentItemCount == prevCounts[slotID]
		if err := c.slots.UpdateAttempt(ctx, slotID, queries, finished); err != nil {
			return err
		}
	}
	return nil
}

// buildAllowedMappingKeys resolves, for each mapping slot, the current
// values of its parent list slot.
func (c *Controller) buildAllowedMappingKeys(ctx context.Context, slots []model.Slot) (map[string][]string, error) {
	byID := slotByID(slots)
	out := make(map[string][]string)
	for _, s := range slots {
		if s.Type != model.SlotMapping || s.DependsOnSlotID == nil {
			continue
		}
		parent, ok := byID[*s.DependsOnSlotID]
		if !ok {
			continue
		}
		items, err := c.slots.GetSlotItems(ctx, parent.ID)
		if err != nil {
			return nil, fmt.Errorf("service.buildAllowedMappingKeys: %w", err)
		}
		keys := make([]string, 0, len(items))
		for _, item := range items {
			keys = append(keys, slotItemValueAsKey(item))
		}
		out[s.Name] = keys
	}
	return out, nil
}

func slotItemValueAsKey(item model.SlotItem) string {
	var s string
	if err := json.Unmarshal(item.ValueJSON, &s); err == nil {
		return s
	}
	return string(item.ValueJSON)
}

// buildCandidatePages ranks up to 10 not-yet-indexed links to offer the
// Extractor in dynamic-source mode.
func (c *Controller) buildCandidatePages(ctx context.Context, st *runState) ([]CandidatePage, error) {
	rc := st.rc
	ranked, err := c.expander.RankedCandidates(ctx, sourceIDs(rc.Sources), rc.UserMessage, st.recentQueries)
	if err != nil {
		return nil, err
	}
	if len(ranked) > 10 {
		ranked = ranked[:10]
	}
	out := make([]CandidatePage, len(ranked))
	for i, l := range ranked {
		out[i] = CandidatePage{
			Index:      i + 1,
			URL:        l.ToURL,
			Title:      l.AnchorText,
			Snippet:    l.Snippet,
			SourceID:   l.SourceID,
			FromPageID: l.FromPageID,
		}
	}
	return out, nil
}

// evidencePool accumulates distinct chunks by id across iterations, in
// first-seen order.
type evidencePool struct {
	order []string
	byID  map[string]model.Chunk
}

func newEvidencePool() *evidencePool {
	return &evidencePool{byID: make(map[string]model.Chunk)}
}

func (p *evidencePool) add(chunks []model.Chunk) {
	for _, ch := range chunks {
		if _, ok := p.byID[ch.ID]; !ok {
			p.order = append(p.order, ch.ID)
		}
		p.byID[ch.ID] = ch
	}
}

func (p *evidencePool) slice() []model.Chunk {
	out := make([]model.Chunk, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.byID[id])
	}
	return out
}
