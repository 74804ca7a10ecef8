package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"approval-gate/internal/models"
)

const jobColumns = `id, user_id, type, status, input, output, error, priority, retry_count, max_retries,
	not_before, expires_at, claimed_by, claimed_at, started_at, heartbeat_at, completed_at, created_at, updated_at`

const reclaimBatch = 200

func scanJob(row scanner) (models.Job, error) {
	var (
		j              models.Job
		input, output  []byte
		errText, owner pgtype.Text
	)
	if err := row.Scan(&j.ID, &j.UserID, &j.Type, &j.Status, &input, &output, &errText, &j.Priority, &j.RetryCount, &j.MaxRetries,
		&j.NotBefore, &j.ExpiresAt, &owner, &j.ClaimedAt, &j.StartedAt, &j.HeartbeatAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	j.Input = rawJSON(input)
	j.Output = rawJSON(output)
	j.Error = textValue(errText)
	j.ClaimedBy = textValue(owner)
	return j, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// InsertJob stores a new pending job.
func (s *Store) InsertJob(ctx context.Context, j models.Job) (models.Job, error) {
	created, err := scanJob(s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, user_id, type, status, input, priority, retry_count, max_retries, not_before, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', $4, $5, 0, $6, $7, $8, $9, $9)
		RETURNING `+jobColumns,
		j.ID, j.UserID, j.Type, jsonObject(j.Input), j.Priority, j.MaxRetries, j.NotBefore, j.ExpiresAt, j.CreatedAt))
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return created, nil
}

// GetJob fetches a job visible to p.
func (s *Store) GetJob(ctx context.Context, p models.Principal, id string) (models.Job, error) {
	svc, uid := userScope(p)
	j, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND ($2 OR user_id = $3)
	`, id, svc, uid))
	if err != nil {
		return models.Job{}, notFound("job", id, err)
	}
	return j, nil
}

// ClaimJob atomically hands the best eligible pending job to workerID: highest
// priority first, then earliest not_before, then insertion order. Rows locked
// by a concurrent claim are skipped, so no two callers get the same job.
func (s *Store) ClaimJob(ctx context.Context, workerID string, now time.Time) (models.Job, bool, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'claimed', claimed_by = $1, claimed_at = $2, heartbeat_at = $2, updated_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND not_before <= $2 AND (expires_at IS NULL OR expires_at > $2)
			ORDER BY priority DESC, not_before, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		workerID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return j, true, nil
}

// StartJob moves a claimed job to running.
func (s *Store) StartJob(ctx context.Context, id, workerID string, now time.Time) (models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'running', started_at = $3, heartbeat_at = $3, updated_at = $3
		WHERE id = $1 AND claimed_by = $2 AND status = 'claimed'
		RETURNING `+jobColumns,
		id, workerID, now))
	if err != nil {
		return models.Job{}, s.claimLost(ctx, id, workerID, err)
	}
	return j, nil
}

// HeartbeatJob extends the lease held by workerID.
func (s *Store) HeartbeatJob(ctx context.Context, id, workerID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET heartbeat_at = $3, updated_at = $3
		WHERE id = $1 AND claimed_by = $2 AND status IN ('claimed', 'running')
	`, id, workerID, now)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.claimLost(ctx, id, workerID, pgx.ErrNoRows)
	}
	return nil
}

// CompleteJob stores output and marks the job complete.
func (s *Store) CompleteJob(ctx context.Context, id, workerID string, output json.RawMessage, now time.Time) (models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'complete', output = $3, error = NULL, completed_at = $4, updated_at = $4
		WHERE id = $1 AND claimed_by = $2 AND status IN ('claimed', 'running')
		RETURNING `+jobColumns,
		id, workerID, jsonArg(output), now))
	if err != nil {
		return models.Job{}, s.claimLost(ctx, id, workerID, err)
	}
	return j, nil
}

// FailJob records a failed attempt. With retries left the job returns to
// pending with retry_count incremented and not_before set to retryAt;
// otherwise it becomes failed. Both branches happen in one statement.
func (s *Store) FailJob(ctx context.Context, id, workerID, errText string, retryAt, now time.Time) (models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			status       = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
			retry_count  = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
			not_before   = CASE WHEN retry_count < max_retries THEN $4::timestamptz ELSE not_before END,
			completed_at = CASE WHEN retry_count < max_retries THEN NULL ELSE $5::timestamptz END,
			claimed_by   = CASE WHEN retry_count < max_retries THEN NULL ELSE claimed_by END,
			error        = $3,
			updated_at   = $5
		WHERE id = $1 AND claimed_by = $2 AND status IN ('claimed', 'running')
		RETURNING `+jobColumns,
		id, workerID, errText, retryAt, now))
	if err != nil {
		return models.Job{}, s.claimLost(ctx, id, workerID, err)
	}
	return j, nil
}

// ReclaimStaleJobs returns jobs whose lease has run out (heartbeat at or before
// staleBefore) to pending, counting the lost attempt, or fails them when no
// retries are left. Pending jobs past their hard expiry are failed as well.
func (s *Store) ReclaimStaleJobs(ctx context.Context, p models.Principal, staleBefore, now time.Time) (models.ReclaimResult, error) {
	var res models.ReclaimResult
	if err := requireService(p); err != nil {
		return res, err
	}
	for {
		rows, err := s.pool.Query(ctx, `
			WITH stale AS (
				SELECT id AS stale_id FROM jobs
				WHERE status IN ('claimed', 'running') AND heartbeat_at <= $1
				ORDER BY heartbeat_at
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)
			UPDATE jobs SET
				status       = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
				retry_count  = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
				not_before   = CASE WHEN retry_count < max_retries THEN $2::timestamptz ELSE not_before END,
				completed_at = CASE WHEN retry_count < max_retries THEN NULL ELSE $2::timestamptz END,
				claimed_by   = NULL,
				error        = $3,
				updated_at   = $2
			FROM stale
			WHERE id = stale.stale_id AND status IN ('claimed', 'running')
			RETURNING `+jobColumns,
			staleBefore, now, models.StaleClaimError, reclaimBatch)
		if err != nil {
			return res, fmt.Errorf("reclaim stale jobs: %w", err)
		}
		batch, err := collectJobs(rows)
		if err != nil {
			return res, err
		}
		for _, j := range batch {
			if j.Status == models.JobPending {
				res.Requeued = append(res.Requeued, j)
			} else {
				res.Failed = append(res.Failed, j)
			}
		}
		if len(batch) < reclaimBatch {
			break
		}
	}

	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET status = 'failed', error = $2, completed_at = $1, updated_at = $1
		WHERE status = 'pending' AND id IN (
			SELECT id FROM jobs
			WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		now, models.JobExpiredError)
	if err != nil {
		return res, fmt.Errorf("expire jobs: %w", err)
	}
	expired, err := collectJobs(rows)
	if err != nil {
		return res, err
	}
	res.Failed = append(res.Failed, expired...)
	return res, nil
}

// claimLost turns a no-row result into ErrNotFound or ErrConflict.
func (s *Store) claimLost(ctx context.Context, id, workerID string, err error) error {
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	var status models.JobStatus
	var owner pgtype.Text
	if qerr := s.pool.QueryRow(ctx, `SELECT status, claimed_by FROM jobs WHERE id = $1`, id).Scan(&status, &owner); qerr != nil {
		return notFound("job", id, qerr)
	}
	return fmt.Errorf("job %s is %s and held by %q, not %q: %w", id, status, textValue(owner), workerID, models.ErrConflict)
}
