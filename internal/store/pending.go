package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"approval-gate/internal/models"
)

const pendingColumns = `id, user_id, tool_name, tool_args, args_hash, tier, status, context, result,
	error, job_id, resolved_by, note, created_at, expires_at, resolved_at, executed_at`

// expireBatch bounds how many rows one expiry transaction locks.
const expireBatch = 200

func scanPending(row scanner) (models.PendingAction, error) {
	var (
		p                        models.PendingAction
		args, ctxJSON, result    []byte
		errText, jobID, by, note pgtype.Text
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.ToolName, &args, &p.ArgsHash, &p.Tier, &p.Status, &ctxJSON, &result,
		&errText, &jobID, &by, &note, &p.CreatedAt, &p.ExpiresAt, &p.ResolvedAt, &p.ExecutedAt); err != nil {
		return models.PendingAction{}, err
	}
	c, err := unmarshalContext(ctxJSON)
	if err != nil {
		return models.PendingAction{}, err
	}
	p.ToolArgs = rawJSON(args)
	p.Result = rawJSON(result)
	p.Context = c
	p.Error = textValue(errText)
	p.JobID = textValue(jobID)
	p.ResolvedBy = textValue(by)
	p.Note = textValue(note)
	return p, nil
}

// CreatePendingAction inserts a new pending row.
func (s *Store) CreatePendingAction(ctx context.Context, p models.Principal, pa models.PendingAction) (models.PendingAction, error) {
	if !p.CanAccess(pa.UserID) {
		return models.PendingAction{}, fmt.Errorf("%w: cannot create actions for %s", models.ErrForbidden, pa.UserID)
	}
	ctxJSON, err := marshalContext(pa.Context)
	if err != nil {
		return models.PendingAction{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO pending_actions (id, user_id, tool_name, tool_args, args_hash, tier, status, context, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+pendingColumns,
		pa.ID, pa.UserID, pa.ToolName, jsonObject(pa.ToolArgs), pa.ArgsHash, pa.Tier, models.DecisionPending, ctxJSON, pa.CreatedAt, pa.ExpiresAt)
	created, err := scanPending(row)
	if err != nil {
		return models.PendingAction{}, fmt.Errorf("insert pending action: %w", err)
	}
	return created, nil
}

// GetPendingAction fetches one action visible to p.
func (s *Store) GetPendingAction(ctx context.Context, p models.Principal, id string) (models.PendingAction, error) {
	return s.getPending(ctx, s.pool, p, id, false)
}

func (s *Store) getPending(ctx context.Context, q querier, p models.Principal, id string, forUpdate bool) (models.PendingAction, error) {
	svc, uid := userScope(p)
	sql := `SELECT ` + pendingColumns + ` FROM pending_actions WHERE id = $1 AND ($2 OR user_id = $3)`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	pa, err := scanPending(q.QueryRow(ctx, sql, id, svc, uid))
	if err != nil {
		return models.PendingAction{}, notFound("pending action", id, err)
	}
	return pa, nil
}

// ListPendingActions returns the user's actions, newest first. An empty status
// lists every status.
func (s *Store) ListPendingActions(ctx context.Context, p models.Principal, userID string, status models.DecisionStatus, limit int) ([]models.PendingAction, error) {
	if !p.CanAccess(userID) {
		return nil, fmt.Errorf("%w: cannot list actions of %s", models.ErrForbidden, userID)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+pendingColumns+` FROM pending_actions
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, string(status), clampLimit(limit, 50, 500))
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	defer rows.Close()

	var out []models.PendingAction
	for rows.Next() {
		pa, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending action: %w", err)
		}
		out = append(out, pa)
	}
	return out, rows.Err()
}

// ApprovePendingAction moves pending to approved, only while unexpired.
func (s *Store) ApprovePendingAction(ctx context.Context, p models.Principal, id string, now time.Time) (models.PendingAction, error) {
	svc, uid := userScope(p)
	pa, err := scanPending(s.pool.QueryRow(ctx, `
		UPDATE pending_actions
		SET status = 'approved', resolved_at = $2, resolved_by = $3
		WHERE id = $1 AND status = 'pending' AND expires_at > $2 AND ($4 OR user_id = $5)
		RETURNING `+pendingColumns,
		id, now, p.Name(), svc, uid))
	if err == nil {
		return pa, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.PendingAction{}, fmt.Errorf("approve pending action: %w", err)
	}
	return models.PendingAction{}, s.resolveConflict(ctx, s.pool, p, id, now)
}

// RejectPendingAction moves pending to rejected and appends the audit row built
// by entry in the same transaction.
func (s *Store) RejectPendingAction(ctx context.Context, p models.Principal, id, note string, now time.Time, entry func(models.PendingAction) models.AuditEntry) (models.PendingAction, error) {
	svc, uid := userScope(p)
	var out models.PendingAction
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		pa, err := scanPending(tx.QueryRow(ctx, `
			UPDATE pending_actions
			SET status = 'rejected', resolved_at = $2, resolved_by = $3, note = $6
			WHERE id = $1 AND status = 'pending' AND expires_at > $2 AND ($4 OR user_id = $5)
			RETURNING `+pendingColumns,
			id, now, p.Name(), svc, uid, emptyToNil(note)))
		if errors.Is(err, pgx.ErrNoRows) {
			return s.resolveConflict(ctx, tx, p, id, now)
		}
		if err != nil {
			return fmt.Errorf("reject pending action: %w", err)
		}
		if _, err := insertAudit(ctx, tx, entry(pa)); err != nil {
			return err
		}
		out = pa
		return nil
	})
	return out, err
}

// resolveConflict explains why a conditional resolve matched no rows.
func (s *Store) resolveConflict(ctx context.Context, q querier, p models.Principal, id string, now time.Time) error {
	pa, err := s.getPending(ctx, q, p, id, false)
	if err != nil {
		return err
	}
	return &models.DecisionConflictError{
		ID:      id,
		Status:  pa.Status,
		Expired: pa.Status == models.DecisionExpired || (pa.Status == models.DecisionPending && !now.Before(pa.ExpiresAt)),
	}
}

// AttachJob records the job that will execute an approved action. It fails
// with ErrConflict once the action has an outcome.
func (s *Store) AttachJob(ctx context.Context, p models.Principal, id, jobID string) error {
	svc, uid := userScope(p)
	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_actions SET job_id = $2
		WHERE id = $1 AND status = 'approved' AND error IS NULL AND ($3 OR user_id = $4)
	`, id, jobID, svc, uid)
	if err != nil {
		return fmt.Errorf("attach job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pending action %s is not awaiting execution: %w", id, models.ErrConflict)
	}
	return nil
}

// FinishPendingAction records the execution outcome of an approved action.
// Success moves it to executed; an error leaves it approved with the error set.
// Only the first outcome is accepted. The audit row from entry is appended in
// the same transaction; the bool reports whether that row was new.
func (s *Store) FinishPendingAction(ctx context.Context, p models.Principal, id string, outcome models.ExecutionOutcome, now time.Time, entry func(models.PendingAction) models.AuditEntry) (models.PendingAction, bool, error) {
	svc, uid := userScope(p)
	var (
		out     models.PendingAction
		changed bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var row pgx.Row
		if outcome.Err == nil {
			row = tx.QueryRow(ctx, `
				UPDATE pending_actions
				SET status = 'executed', result = $2, executed_at = $3
				WHERE id = $1 AND status = 'approved' AND error IS NULL AND ($4 OR user_id = $5)
				RETURNING `+pendingColumns,
				id, jsonArg(outcome.Result), now, svc, uid)
		} else {
			row = tx.QueryRow(ctx, `
				UPDATE pending_actions
				SET result = $2, error = $3
				WHERE id = $1 AND status = 'approved' AND error IS NULL AND ($4 OR user_id = $5)
				RETURNING `+pendingColumns,
				id, jsonArg(outcome.Result), outcome.ErrorText(), svc, uid)
		}
		pa, err := scanPending(row)
		if errors.Is(err, pgx.ErrNoRows) {
			current, gerr := s.getPending(ctx, tx, p, id, false)
			if gerr != nil {
				return gerr
			}
			out = current
			return nil
		}
		if err != nil {
			return fmt.Errorf("finish pending action: %w", err)
		}
		inserted, err := insertAudit(ctx, tx, entry(pa))
		if err != nil {
			return err
		}
		out, changed = pa, inserted
		return nil
	})
	return out, changed, err
}

// ExpirePendingActions flips every pending row whose expiry has passed to
// expired and appends its audit row. It is safe to run concurrently: rows
// locked by another sweep are skipped, and a row already expired is never
// selected again.
func (s *Store) ExpirePendingActions(ctx context.Context, p models.Principal, now time.Time, entry func(models.PendingAction) models.AuditEntry) ([]models.PendingAction, error) {
	if err := requireService(p); err != nil {
		return nil, err
	}
	var expired []models.PendingAction
	for {
		var batch []models.PendingAction
		err := s.withTx(ctx, func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx, `
				UPDATE pending_actions
				SET status = 'expired', resolved_at = $1, resolved_by = $2
				WHERE status = 'pending' AND id IN (
					SELECT id FROM pending_actions
					WHERE status = 'pending' AND expires_at <= $1
					ORDER BY expires_at
					LIMIT $3
					FOR UPDATE SKIP LOCKED
				)
				RETURNING `+pendingColumns,
				now, p.Name(), expireBatch)
			if err != nil {
				return fmt.Errorf("expire pending actions: %w", err)
			}
			for rows.Next() {
				pa, err := scanPending(rows)
				if err != nil {
					rows.Close()
					return fmt.Errorf("scan expired action: %w", err)
				}
				batch = append(batch, pa)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}
			for _, pa := range batch {
				if _, err := insertAudit(ctx, tx, entry(pa)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return expired, err
		}
		expired = append(expired, batch...)
		if len(batch) < expireBatch {
			return expired, nil
		}
	}
}

// AbandonStalledApprovals closes approved actions that have neither a job nor
// an outcome and were approved at or before resolvedBefore. Each gets reason as
// its error and the audit row from entry in the same transaction. Rows held by
// a concurrent sweep or finish are skipped.
func (s *Store) AbandonStalledApprovals(ctx context.Context, p models.Principal, resolvedBefore time.Time, reason string, entry func(models.PendingAction) models.AuditEntry) ([]models.PendingAction, error) {
	if err := requireService(p); err != nil {
		return nil, err
	}
	var abandoned []models.PendingAction
	for {
		var batch []models.PendingAction
		err := s.withTx(ctx, func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx, `
				UPDATE pending_actions
				SET error = $2
				WHERE status = 'approved' AND job_id IS NULL AND error IS NULL AND id IN (
					SELECT id FROM pending_actions
					WHERE status = 'approved' AND job_id IS NULL AND error IS NULL AND resolved_at <= $1
					ORDER BY resolved_at
					LIMIT $3
					FOR UPDATE SKIP LOCKED
				)
				RETURNING `+pendingColumns,
				resolvedBefore, reason, expireBatch)
			if err != nil {
				return fmt.Errorf("abandon stalled approvals: %w", err)
			}
			for rows.Next() {
				pa, err := scanPending(rows)
				if err != nil {
					rows.Close()
					return fmt.Errorf("scan stalled action: %w", err)
				}
				batch = append(batch, pa)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}
			for _, pa := range batch {
				if _, err := insertAudit(ctx, tx, entry(pa)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return abandoned, err
		}
		abandoned = append(abandoned, batch...)
		if len(batch) < expireBatch {
			return abandoned, nil
		}
	}
}
