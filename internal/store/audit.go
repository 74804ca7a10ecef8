package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"approval-gate/internal/models"
)

const auditColumns = `id, user_id, tool_name, args_hash, tier, approval_status, pending_action_id, job_id,
	execution_status, result, error, context, idempotency_key, created_at`

func scanAudit(row scanner) (models.AuditEntry, error) {
	var (
		e                          models.AuditEntry
		result, ctxJSON            []byte
		pending, job, errText, key pgtype.Text
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.ToolName, &e.ArgsHash, &e.Tier, &e.ApprovalStatus, &pending, &job,
		&e.ExecutionStatus, &result, &errText, &ctxJSON, &key, &e.CreatedAt); err != nil {
		return models.AuditEntry{}, err
	}
	c, err := unmarshalContext(ctxJSON)
	if err != nil {
		return models.AuditEntry{}, err
	}
	e.PendingActionID = textValue(pending)
	e.JobID = textValue(job)
	e.Result = rawJSON(result)
	e.Error = textValue(errText)
	e.Context = c
	e.IdempotencyKey = textValue(key)
	return e, nil
}

// insertAudit appends e unless a row with the same idempotency key exists.
func insertAudit(ctx context.Context, q querier, e models.AuditEntry) (bool, error) {
	ctxJSON, err := marshalContext(e.Context)
	if err != nil {
		return false, err
	}
	tag, err := q.Exec(ctx, `
		INSERT INTO audit_log (id, user_id, tool_name, args_hash, tier, approval_status, pending_action_id, job_id,
			execution_status, result, error, context, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, e.ID, e.UserID, e.ToolName, e.ArgsHash, e.Tier, e.ApprovalStatus, emptyToNil(e.PendingActionID), emptyToNil(e.JobID),
		e.ExecutionStatus, jsonArg(e.Result), emptyToNil(e.Error), ctxJSON, emptyToNil(e.IdempotencyKey), e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert audit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendAudit inserts e. When the idempotency key is already taken the stored
// row is returned with inserted=false.
func (s *Store) AppendAudit(ctx context.Context, e models.AuditEntry) (models.AuditEntry, bool, error) {
	inserted, err := insertAudit(ctx, s.pool, e)
	if err != nil {
		return models.AuditEntry{}, false, err
	}
	if inserted || e.IdempotencyKey == "" {
		return e, inserted, nil
	}
	existing, err := scanAudit(s.pool.QueryRow(ctx, `
		SELECT `+auditColumns+` FROM audit_log WHERE idempotency_key = $1
	`, e.IdempotencyKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AuditEntry{}, false, errors.New("audit idempotency conflict but no existing row found")
	}
	if err != nil {
		return models.AuditEntry{}, false, fmt.Errorf("load audit by key: %w", err)
	}
	return existing, false, nil
}

// ListAudit returns entries oldest first. A user principal only sees its own.
func (s *Store) ListAudit(ctx context.Context, p models.Principal, f models.AuditFilter) ([]models.AuditEntry, error) {
	userID := f.UserID
	if !p.IsService() {
		if userID != "" && userID != p.UserID {
			return nil, fmt.Errorf("%w: cannot read audit of %s", models.ErrForbidden, userID)
		}
		userID = p.UserID
	}
	var since, until pgtype.Timestamptz
	if !f.Since.IsZero() {
		since = pgtype.Timestamptz{Time: f.Since, Valid: true}
	}
	if !f.Until.IsZero() {
		until = pgtype.Timestamptz{Time: f.Until, Valid: true}
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+auditColumns+` FROM audit_log
		WHERE ($1 = '' OR user_id = $1)
		  AND ($2 = '' OR tool_name = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		  AND ($4::timestamptz IS NULL OR created_at < $4)
		ORDER BY created_at, id
		LIMIT $5
	`, userID, f.ToolName, since, until, clampLimit(f.Limit, 100, 10000))
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
