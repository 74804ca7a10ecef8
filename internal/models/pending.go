package models

import (
	"encoding/json"
	"time"
)

// DecisionStatus is the state of a pending action.
//
//	pending -> approved -> executed
//	pending -> rejected
//	pending -> expired
type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "pending"
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
	DecisionExpired  DecisionStatus = "expired"
	DecisionExecuted DecisionStatus = "executed"
)

func (s DecisionStatus) Terminal() bool {
	return s == DecisionRejected || s == DecisionExpired || s == DecisionExecuted
}

// ActionContext travels with a proposal into decisions, audit rows and jobs.
type ActionContext struct {
	SessionID string         `json:"session_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// StalledExecutionError is recorded on an approved action whose execution was
// never recorded within the stall window. Whether the tool ran is unknown.
const StalledExecutionError = "approved action has no recorded execution; outcome unknown"

// PendingAction is a tool call frozen while it waits for a human decision.
// Error is set when an approved action failed to execute; the row then stays
// approved and no later outcome is accepted.
type PendingAction struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	ToolName   string          `json:"tool_name"`
	ToolArgs   json.RawMessage `json:"tool_args"`
	ArgsHash   string          `json:"args_hash"`
	Tier       Tier            `json:"tier"`
	Status     DecisionStatus  `json:"status"`
	Context    ActionContext   `json:"context"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	JobID      string          `json:"job_id,omitempty"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
	Note       string          `json:"note,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	ExecutedAt *time.Time      `json:"executed_at,omitempty"`
}

// Resolvable reports whether approve/reject may still act on the record at now.
func (p PendingAction) Resolvable(now time.Time) bool {
	return p.Status == DecisionPending && now.Before(p.ExpiresAt)
}

// ExecutionOutcome is what a tool executor produced for an approved action.
type ExecutionOutcome struct {
	Result json.RawMessage
	Err    error
}

func (o ExecutionOutcome) Status() ExecutionStatus {
	if o.Err != nil {
		return ExecutionError
	}
	return ExecutionSuccess
}

func (o ExecutionOutcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
