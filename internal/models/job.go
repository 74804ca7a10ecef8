package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus enumerates lifecycle states of a queued job. Status only moves
// forward, except that a stale reclaim may return a claimed/running job to pending.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobClaimed  JobStatus = "claimed"
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobFailed
}

// JobType is the handler discriminator.
type JobType string

const (
	JobToolExecution        JobType = "tool_execution"
	JobNotificationDelivery JobType = "notification_delivery"
	JobAuditExport          JobType = "audit_export"
)

func ParseJobType(s string) (JobType, error) {
	switch t := JobType(s); t {
	case JobToolExecution, JobNotificationDelivery, JobAuditExport:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown job type %q", ErrInvalid, s)
}

// MaxJobPriority bounds Job.Priority in both directions.
const MaxJobPriority = 1000

// StaleClaimError is the error text recorded when a lease runs out.
const StaleClaimError = "stale claim: lease expired before completion"

// JobExpiredError is recorded for pending jobs that passed their hard expiry.
const JobExpiredError = "job expired before it could be claimed"

// Job represents a unit of deferred work.
type Job struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Type        JobType         `json:"type"`
	Status      JobStatus       `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Priority    int             `json:"priority"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	NotBefore   time.Time       `json:"not_before"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	ClaimedBy   string          `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	HeartbeatAt *time.Time      `json:"heartbeat_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RetriesLeft reports whether a failure now would return the job to pending.
func (j Job) RetriesLeft() bool {
	return j.RetryCount < j.MaxRetries
}

// ReclaimResult splits the jobs touched by a stale sweep. Requeued jobs went
// back to pending; Failed jobs hit a terminal failure, either because a lease
// ran out with no retries left or because a pending job passed its expiry.
type ReclaimResult struct {
	Requeued []Job
	Failed   []Job
}
