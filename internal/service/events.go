package service

import (
	"encoding/json"
	"fmt"
	"io"
)

// ProgressRecorder persists each emitted NDJSON line so a reconnecting
// client can replay a run in progress (internal/cache.ProgressLog
// implements this; nil is valid and simply disables replay).
type ProgressRecorder interface {
	Append(rootMessageID string, line []byte)
}

// PlanLine is the `{plan: ...}` response shape.
type PlanLine struct {
	Plan struct {
		Action     string   `json:"action"`
		Why        string   `json:"why"`
		Slots      []string `json:"slots"`
		Subqueries []string `json:"subqueries"`
	} `json:"plan"`
}

// ThoughtProcessLine is the `{thoughtProcess: ...}` response shape.
type ThoughtProcessLine struct {
	ThoughtProcess ThoughtProcess `json:"thoughtProcess"`
}

// ThoughtProcess aggregates the whole run's narration, growing monotonically
// as append-only NDJSON.
type ThoughtProcess struct {
	Slots              []string      `json:"slots,omitempty"`
	PlanReason         string        `json:"planReason,omitempty"`
	Steps              []StepSummary `json:"steps"`
	HardStopReason     string        `json:"hardStopReason,omitempty"`
	ExtractionGaps     []string      `json:"extractionGaps,omitempty"`
	PartialAnswerNote  string        `json:"partialAnswerNote,omitempty"`
	ClarifyQuestions   []string      `json:"clarifyQuestions,omitempty"`
	ExpandCorpusReason string        `json:"expandCorpusReason,omitempty"`
}

// StepSummary is one step's narration within ThoughtProcess.steps.
type StepSummary struct {
	Iteration        int                       `json:"iteration"`
	Action           string                    `json:"action"`
	Why              string                    `json:"why"`
	Subqueries       []string                  `json:"subqueries"`
	ChunksPerQuery   map[string]int            `json:"chunksPerQuery"`
	Claims           int                       `json:"claims"`
	Completeness     float64                   `json:"completeness"`
	FillStatusBySlot map[string]SlotFillStatus `json:"fillStatusBySlot,omitempty"`
}

// StepLine is the `{step, totalSteps, iter, action, ...}` response shape.
type StepLine struct {
	Step             int                       `json:"step"`
	TotalSteps       int                       `json:"totalSteps"`
	Iter             int                       `json:"iter"`
	Action           string                    `json:"action"`
	Label            string                    `json:"label"`
	Why              string                    `json:"why,omitempty"`
	QuotesFound      int                       `json:"quotesFound"`
	Claims           int                       `json:"claims"`
	Completeness     float64                   `json:"completeness"`
	FillStatusBySlot map[string]SlotFillStatus `json:"fillStatusBySlot,omitempty"`
}

// ClarifyLine is the `{clarify: true, questions: [...]}` response shape.
type ClarifyLine struct {
	Clarify   bool     `json:"clarify"`
	Questions []string `json:"questions"`
}

// QuoteOut is the citation artifact shape sent to the caller; `id` is
// opaque to the core.
type QuoteOut struct {
	ID            string `json:"id"`
	SourceID      string `json:"sourceId"`
	PageID        string `json:"pageId"`
	Snippet       string `json:"snippet"`
	PageTitle     string `json:"pageTitle"`
	PagePath      string `json:"pagePath"`
	Domain        string `json:"domain"`
	PageURL       string `json:"pageUrl,omitempty"`
	ContextBefore string `json:"contextBefore,omitempty"`
	ContextAfter  string `json:"contextAfter,omitempty"`
}

// DoneLine is the terminal `{done: true, ...}` response shape.
type DoneLine struct {
	Done           bool            `json:"done"`
	Message        string          `json:"message"`
	Quotes         []QuoteOut      `json:"quotes"`
	SuggestedPage  string          `json:"suggestedPage,omitempty"`
	SuggestedTitle string          `json:"suggestedTitle,omitempty"`
	ThoughtProcess *ThoughtProcess `json:"thoughtProcess,omitempty"`
}

// ErrorLine is the `{error: string}` response shape — used only on fatal,
// no-persisted-state paths.
type ErrorLine struct {
	Error string `json:"error"`
}

// EventEmitter writes one NDJSON object per line to the caller, flushing
// after each write: bare `json.Marshal` + "\n" framing, no event:/data:
// envelope.
type EventEmitter struct {
	w             io.Writer
	flusher       flusher
	rootMessageID string
	recorder      ProgressRecorder
}

type flusher interface {
	Flush()
}

// NewEventEmitter creates an EventEmitter. flush may be nil if w does not
// support flushing (e.g. in tests); recorder may be nil to disable replay.
func NewEventEmitter(w io.Writer, flush flusher, rootMessageID string, recorder ProgressRecorder) *EventEmitter {
	return &EventEmitter{w: w, flusher: flush, rootMessageID: rootMessageID, recorder: recorder}
}

// emit marshals v, appends a newline, writes, flushes, and records.
func (e *EventEmitter) emit(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("service.EventEmitter: marshal: %w", err)
	}
	line = append(line, '\n')
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("service.EventEmitter: write: %w", err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	if e.recorder != nil {
		e.recorder.Append(e.rootMessageID, line)
	}
	return nil
}

func (e *EventEmitter) Plan(line PlanLine) error { return e.emit(line) }
func (e *EventEmitter) ThoughtProcess(tp ThoughtProcess) error {
	return e.emit(ThoughtProcessLine{ThoughtProcess: tp})
}
func (e *EventEmitter) Step(line StepLine) error { return e.emit(line) }
func (e *EventEmitter) Clarify(questions []string) error {
	return e.emit(ClarifyLine{Clarify: true, Questions: questions})
}
func (e *EventEmitter) Done(line DoneLine) error { return e.emit(line) }
func (e *EventEmitter) Error(msg string) error   { return e.emit(ErrorLine{Error: msg}) }
