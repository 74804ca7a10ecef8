// Package queue is the Redis job backend. Every state transition runs inside a
// Lua script so a claim, completion or reclaim is a single atomic step.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"approval-gate/internal/config"
	"approval-gate/internal/models"
)

const reclaimBatch = 500

// RedisStore keeps each job in a hash and indexes it in sorted sets:
// delayed (score not_before), ready (score -priority, member
// "<not_before>:<seq>:<id>" so ties break oldest first), leases
// (score heartbeat) and expiry (score expires_at, pending jobs only).
type RedisStore struct {
	client     *redis.Client
	jobPrefix  string
	seqKey     string
	delayedKey string
	readyKey   string
	leasesKey  string
	expiryKey  string
}

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisStore namespaces all keys under prefix (default "jobs:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "jobs:"
	}
	return &RedisStore{
		client:     client,
		jobPrefix:  prefix + "job:",
		seqKey:     prefix + "seq",
		delayedKey: prefix + "delayed",
		readyKey:   prefix + "ready",
		leasesKey:  prefix + "leases",
		expiryKey:  prefix + "expiry",
	}
}

func (q *RedisStore) jobKey(id string) string {
	return q.jobPrefix + id
}

func ms(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func optMs(t *time.Time) string {
	if t == nil {
		return ""
	}
	return ms(*t)
}

// InsertJob stores a pending job and indexes it as delayed or ready.
func (q *RedisStore) InsertJob(ctx context.Context, j models.Job) (models.Job, error) {
	if j.Priority > models.MaxJobPriority || j.Priority < -models.MaxJobPriority {
		return models.Job{}, fmt.Errorf("%w: priority %d out of range", models.ErrInvalid, j.Priority)
	}
	seq, err := q.client.Incr(ctx, q.seqKey).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("next job seq: %w", err)
	}
	input := j.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	seqKey := fmt.Sprintf("%012d:%s", seq, j.ID)
	score := strconv.Itoa(-j.Priority)
	notBefore := ms(j.NotBefore)

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(j.ID), map[string]any{
		"id":           j.ID,
		"user_id":      j.UserID,
		"type":         string(j.Type),
		"status":       string(models.JobPending),
		"input":        string(input),
		"output":       "",
		"error":        "",
		"priority":     j.Priority,
		"rank_score":   score,
		"seq_key":      seqKey,
		"retry_count":  0,
		"max_retries":  j.MaxRetries,
		"not_before":   notBefore,
		"expires_at":   optMs(j.ExpiresAt),
		"claimed_by":   "",
		"claimed_at":   "",
		"started_at":   "",
		"heartbeat_at": "",
		"completed_at": "",
		"created_at":   ms(j.CreatedAt),
		"updated_at":   ms(j.CreatedAt),
	})
	if j.NotBefore.After(j.CreatedAt) {
		pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(j.NotBefore.UnixMilli()), Member: j.ID})
	} else {
		pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: float64(-j.Priority), Member: notBefore + ":" + seqKey})
	}
	if j.ExpiresAt != nil {
		pipe.ZAdd(ctx, q.expiryKey, redis.Z{Score: float64(j.ExpiresAt.UnixMilli()), Member: j.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return q.load(ctx, j.ID)
}

// GetJob fetches a job visible to p.
func (q *RedisStore) GetJob(ctx context.Context, p models.Principal, id string) (models.Job, error) {
	j, err := q.load(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if !p.CanAccess(j.UserID) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return j, nil
}

// ClaimJob promotes due delayed jobs and hands the best ready job to workerID.
func (q *RedisStore) ClaimJob(ctx context.Context, workerID string, now time.Time) (models.Job, bool, error) {
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.delayedKey, q.readyKey, q.leasesKey, q.expiryKey},
		ms(now), workerID, q.jobPrefix).Result()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return models.Job{}, false, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	j, err := q.load(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return j, true, nil
}

func (q *RedisStore) StartJob(ctx context.Context, id, workerID string, now time.Time) (models.Job, error) {
	if err := q.runHeld(ctx, startScript, id, workerID, ms(now)); err != nil {
		return models.Job{}, err
	}
	return q.load(ctx, id)
}

func (q *RedisStore) HeartbeatJob(ctx context.Context, id, workerID string, now time.Time) error {
	return q.runHeld(ctx, heartbeatScript, id, workerID, ms(now))
}

func (q *RedisStore) CompleteJob(ctx context.Context, id, workerID string, output json.RawMessage, now time.Time) (models.Job, error) {
	if err := q.runHeld(ctx, completeScript, id, workerID, ms(now), string(output)); err != nil {
		return models.Job{}, err
	}
	return q.load(ctx, id)
}

// FailJob retries with not_before=retryAt while retries remain, else fails.
func (q *RedisStore) FailJob(ctx context.Context, id, workerID, errText string, retryAt, now time.Time) (models.Job, error) {
	if err := q.runHeld(ctx, failScript, id, workerID, ms(now), errText, ms(retryAt)); err != nil {
		return models.Job{}, err
	}
	return q.load(ctx, id)
}

// ReclaimStaleJobs requeues or fails jobs whose heartbeat is at or before
// staleBefore, and fails pending jobs past their expiry.
func (q *RedisStore) ReclaimStaleJobs(ctx context.Context, p models.Principal, staleBefore, now time.Time) (models.ReclaimResult, error) {
	var res models.ReclaimResult
	if !p.IsService() {
		return res, fmt.Errorf("%w: operation requires the service principal", models.ErrForbidden)
	}
	seen := map[string]bool{}
	for {
		raw, err := reclaimScript.Run(ctx, q.client,
			[]string{q.leasesKey, q.delayedKey, q.readyKey, q.expiryKey},
			ms(staleBefore), ms(now), q.jobPrefix, models.StaleClaimError, models.JobExpiredError, reclaimBatch).StringSlice()
		if err != nil && !errors.Is(err, redis.Nil) {
			return res, fmt.Errorf("reclaim stale jobs: %w", err)
		}
		for _, id := range raw {
			if seen[id] {
				continue
			}
			seen[id] = true
			j, err := q.load(ctx, id)
			if err != nil {
				return res, err
			}
			if j.Status == models.JobPending {
				res.Requeued = append(res.Requeued, j)
			} else {
				res.Failed = append(res.Failed, j)
			}
		}
		if len(raw) < reclaimBatch {
			return res, nil
		}
	}
}

func (q *RedisStore) runHeld(ctx context.Context, script *redis.Script, id, workerID string, args ...any) error {
	argv := append([]any{id, workerID}, args...)
	code, err := script.Run(ctx, q.client,
		[]string{q.jobKey(id), q.leasesKey, q.delayedKey, q.expiryKey}, argv...).Int()
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	switch code {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	default:
		return fmt.Errorf("job %s is not held by %q: %w", id, workerID, models.ErrConflict)
	}
}

func (q *RedisStore) load(ctx context.Context, id string) (models.Job, error) {
	h, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(h) == 0 {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return decodeJob(h)
}

func decodeJob(h map[string]string) (models.Job, error) {
	j := models.Job{
		ID:        h["id"],
		UserID:    h["user_id"],
		Type:      models.JobType(h["type"]),
		Status:    models.JobStatus(h["status"]),
		Error:     h["error"],
		ClaimedBy: h["claimed_by"],
	}
	if in := h["input"]; in != "" {
		j.Input = json.RawMessage(in)
	}
	if out := h["output"]; out != "" {
		j.Output = json.RawMessage(out)
	}
	var err error
	if j.Priority, err = atoi(h, "priority"); err != nil {
		return models.Job{}, err
	}
	if j.RetryCount, err = atoi(h, "retry_count"); err != nil {
		return models.Job{}, err
	}
	if j.MaxRetries, err = atoi(h, "max_retries"); err != nil {
		return models.Job{}, err
	}
	for field, dst := range map[string]*time.Time{
		"not_before": &j.NotBefore,
		"created_at": &j.CreatedAt,
		"updated_at": &j.UpdatedAt,
	} {
		t, err := parseMs(h[field])
		if err != nil || t == nil {
			return models.Job{}, fmt.Errorf("job %s: bad %s %q", j.ID, field, h[field])
		}
		*dst = *t
	}
	for field, dst := range map[string]**time.Time{
		"expires_at":   &j.ExpiresAt,
		"claimed_at":   &j.ClaimedAt,
		"started_at":   &j.StartedAt,
		"heartbeat_at": &j.HeartbeatAt,
		"completed_at": &j.CompletedAt,
	} {
		t, err := parseMs(h[field])
		if err != nil {
			return models.Job{}, fmt.Errorf("job %s: bad %s %q", j.ID, field, h[field])
		}
		*dst = t
	}
	return j, nil
}

func atoi(h map[string]string, field string) (int, error) {
	n, err := strconv.Atoi(h[field])
	if err != nil {
		return 0, fmt.Errorf("job %s: bad %s %q", h["id"], field, h[field])
	}
	return n, nil
}

func parseMs(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(n).UTC()
	return &t, nil
}
