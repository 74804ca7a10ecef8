package models

import (
	"encoding/json"
	"time"
)

// ApprovalStatus is the terminal approval outcome captured in the audit log.
type ApprovalStatus string

const (
	ApprovalAutoApproved ApprovalStatus = "auto_approved"
	ApprovalUserApproved ApprovalStatus = "user_approved"
	ApprovalUserRejected ApprovalStatus = "user_rejected"
	ApprovalExpired      ApprovalStatus = "expired"
)

// ExecutionStatus records whether the tool call ran.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionError   ExecutionStatus = "error"
	ExecutionSkipped ExecutionStatus = "skipped"
)

// AuditEntry is one immutable row per action that reached a terminal approval
// outcome. Arguments are stored only as a hash.
type AuditEntry struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	ToolName        string          `json:"tool_name"`
	ArgsHash        string          `json:"args_hash"`
	Tier            Tier            `json:"tier"`
	ApprovalStatus  ApprovalStatus  `json:"approval_status"`
	PendingActionID string          `json:"pending_action_id,omitempty"`
	JobID           string          `json:"job_id,omitempty"`
	ExecutionStatus ExecutionStatus `json:"execution_status"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	Context         ActionContext   `json:"context"`
	IdempotencyKey  string          `json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
}

// AuditFilter narrows audit listings and exports.
type AuditFilter struct {
	UserID   string
	ToolName string
	Since    time.Time
	Until    time.Time
	Limit    int
}
