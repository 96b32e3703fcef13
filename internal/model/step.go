package model

import "time"

// StepAction is the action a ReasoningStep recorded, chosen by the Planner
// (plan) or the Extractor/Decider (retrieve, answer, expand_corpus, clarify).
type StepAction string

const (
	ActionPlan         StepAction = "plan"
	ActionRetrieve     StepAction = "retrieve"
	ActionAnswer       StepAction = "answer"
	ActionExpandCorpus StepAction = "expand_corpus"
	ActionClarify      StepAction = "clarify"
)

// ReasoningStep is one iteration of the retrieve/extract/decide loop, keyed
// by (RootMessageID, IterationNumber).
type ReasoningStep struct {
	RootMessageID     string     `json:"rootMessageId"`
	IterationNumber   int        `json:"iterationNumber"`
	Action            StepAction `json:"action"`
	Why               string     `json:"why"`
	CompletenessScore float64    `json:"completenessScore"`
	CreatedAt         time.Time  `json:"createdAt"`
}
