package models

import "time"

type OutcomeKind string

const (
	OutcomeExecutionStarted   OutcomeKind = "execution_started"
	OutcomeStepCompleted      OutcomeKind = "step_completed"
	OutcomeExecutionCompleted OutcomeKind = "execution_completed"
	OutcomeExecutionFailed    OutcomeKind = "execution_failed"
	OutcomeMessageSent        OutcomeKind = "message_sent"
	OutcomeMessageFailed      OutcomeKind = "message_failed"
)

// Outcome is one entry of the append-only tracking stream.
type Outcome struct {
	AutomationID string      `json:"automation_id"`
	ExecutionID  string      `json:"execution_id"`
	SubjectID    string      `json:"subject_id,omitempty"`
	StepID       string      `json:"step_id,omitempty"`
	Kind         OutcomeKind `json:"kind"`
	Error        string      `json:"error,omitempty"`
	MessageID    string      `json:"message_id,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
	Snapshot     *Execution  `json:"snapshot,omitempty"`
}
