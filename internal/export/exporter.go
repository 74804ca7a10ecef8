// Package export writes audit entries as JSON lines to local disk or S3.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"approval-gate/internal/models"
)

// MaxEntries caps one export file.
const MaxEntries = 10000

type AuditReader interface {
	ListAudit(ctx context.Context, p models.Principal, f models.AuditFilter) ([]models.AuditEntry, error)
}

type Exporter struct {
	audit    AuditReader
	uploader Uploader
	logger   *zap.Logger
}

func NewExporter(audit AuditReader, uploader Uploader, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{audit: audit, uploader: uploader, logger: logger}
}

// Request is the input of an audit_export job.
type Request struct {
	UserID   string    `json:"user_id,omitempty"`
	ToolName string    `json:"tool_name,omitempty"`
	Since    time.Time `json:"since,omitempty"`
	Until    time.Time `json:"until,omitempty"`
}

type Result struct {
	Location  string `json:"location"`
	Entries   int    `json:"entries"`
	Truncated bool   `json:"truncated"`
}

// Export writes the entries visible to p that match req under key.
func (e *Exporter) Export(ctx context.Context, p models.Principal, key string, req Request) (Result, error) {
	if !req.Until.IsZero() && !req.Since.IsZero() && !req.Until.After(req.Since) {
		return Result{}, fmt.Errorf("%w: until must be after since", models.ErrInvalid)
	}
	entries, err := e.audit.ListAudit(ctx, p, models.AuditFilter{
		UserID:   req.UserID,
		ToolName: req.ToolName,
		Since:    req.Since,
		Until:    req.Until,
		Limit:    MaxEntries,
	})
	if err != nil {
		return Result{}, fmt.Errorf("read audit: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return Result{}, fmt.Errorf("encode entry %s: %w", entry.ID, err)
		}
	}
	loc, err := e.uploader.Upload(ctx, key, buf.Bytes(), "application/x-ndjson")
	if err != nil {
		return Result{}, fmt.Errorf("upload export: %w", err)
	}
	res := Result{Location: loc, Entries: len(entries), Truncated: len(entries) == MaxEntries}
	e.logger.Info("audit export written", zap.String("location", loc), zap.Int("entries", res.Entries))
	return res, nil
}

// HandleJob is the audit_export job handler. The export is scoped to the
// job's owner.
func (e *Exporter) HandleJob(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var req Request
	if err := json.Unmarshal(job.Input, &req); err != nil {
		return nil, fmt.Errorf("%w: export input: %v", models.ErrInvalid, err)
	}
	req.UserID = job.UserID
	res, err := e.Export(ctx, models.UserPrincipal(job.UserID), Key(job.UserID, job.ID), req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

// Key is the object key of an export.
func Key(userID, exportID string) string {
	if userID == "" {
		userID = "all"
	}
	return fmt.Sprintf("audit/%s/%s.jsonl", userID, exportID)
}
