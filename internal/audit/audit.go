// Package audit builds and appends the immutable execution audit trail.
package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"approval-gate/internal/models"
	"approval-gate/internal/telemetry"
)

// Store is the append-only persistence contract. There is deliberately no
// update or delete.
type Store interface {
	AppendAudit(ctx context.Context, entry models.AuditEntry) (models.AuditEntry, bool, error)
}

// HashArgs returns the SHA-256 of the canonical JSON form of args, so that
// key order and whitespace do not change the hash. Invalid JSON is hashed raw.
func HashArgs(args json.RawMessage) string {
	canonical := []byte(args)
	var v any
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	if err := dec.Decode(&v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			canonical = b
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// DecisionKey and JobKey are idempotency keys that cap a decision or a queued
// execution at one audit row.
func DecisionKey(pendingActionID string) string { return "decision:" + pendingActionID }

func JobKey(jobID string) string { return "job:" + jobID }

// Record describes one terminal outcome.
type Record struct {
	UserID          string
	ToolName        string
	Args            json.RawMessage
	ArgsHash        string
	Tier            models.Tier
	ApprovalStatus  models.ApprovalStatus
	PendingActionID string
	JobID           string
	ExecutionStatus models.ExecutionStatus
	Result          json.RawMessage
	Error           string
	Context         models.ActionContext
}

// Entry converts a record into a row ready for insertion.
func (r Record) Entry(now time.Time) models.AuditEntry {
	hash := r.ArgsHash
	if hash == "" {
		hash = HashArgs(r.Args)
	}
	key := ""
	switch {
	case r.PendingActionID != "":
		key = DecisionKey(r.PendingActionID)
	case r.JobID != "":
		key = JobKey(r.JobID)
	}
	return models.AuditEntry{
		ID:              uuid.NewString(),
		UserID:          r.UserID,
		ToolName:        r.ToolName,
		ArgsHash:        hash,
		Tier:            r.Tier,
		ApprovalStatus:  r.ApprovalStatus,
		PendingActionID: r.PendingActionID,
		JobID:           r.JobID,
		ExecutionStatus: r.ExecutionStatus,
		Result:          r.Result,
		Error:           r.Error,
		Context:         r.Context,
		IdempotencyKey:  key,
		CreatedAt:       now.UTC(),
	}
}

// ForDecision builds the record for a terminal decision outcome.
func ForDecision(p models.PendingAction, approval models.ApprovalStatus, exec models.ExecutionStatus, result json.RawMessage, errText string) Record {
	return Record{
		UserID:          p.UserID,
		ToolName:        p.ToolName,
		ArgsHash:        p.ArgsHash,
		Tier:            p.Tier,
		ApprovalStatus:  approval,
		PendingActionID: p.ID,
		JobID:           p.JobID,
		ExecutionStatus: exec,
		Result:          result,
		Error:           errText,
		Context:         p.Context,
	}
}

// Recorder appends audit rows.
type Recorder struct {
	store Store
	now   func() time.Time
}

func NewRecorder(store Store, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{store: store, now: now}
}

// Record appends r. A duplicate idempotency key is not an error; the existing
// row wins and is returned.
func (rec *Recorder) Record(ctx context.Context, r Record) (models.AuditEntry, error) {
	entry, inserted, err := rec.store.AppendAudit(ctx, r.Entry(rec.now()))
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("append audit: %w", err)
	}
	if inserted {
		Observe(entry)
	}
	return entry, nil
}

// Observe counts a newly appended entry.
func Observe(entry models.AuditEntry) {
	telemetry.DecisionsTotal.WithLabelValues(string(entry.ApprovalStatus)).Inc()
	telemetry.ExecutionsTotal.WithLabelValues(string(entry.ExecutionStatus)).Inc()
}
