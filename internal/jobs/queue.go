// Package jobs is the durable job queue: enqueue, claim with a lease,
// heartbeat, complete or fail with backoff, and reclaim of stale claims.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"approval-gate/internal/models"
	"approval-gate/internal/telemetry"
)

// Store is the backend contract, implemented by the Postgres store and the
// Redis store. ClaimJob must be a single atomic step.
type Store interface {
	InsertJob(ctx context.Context, j models.Job) (models.Job, error)
	GetJob(ctx context.Context, p models.Principal, id string) (models.Job, error)
	ClaimJob(ctx context.Context, workerID string, now time.Time) (models.Job, bool, error)
	StartJob(ctx context.Context, id, workerID string, now time.Time) (models.Job, error)
	HeartbeatJob(ctx context.Context, id, workerID string, now time.Time) error
	CompleteJob(ctx context.Context, id, workerID string, output json.RawMessage, now time.Time) (models.Job, error)
	FailJob(ctx context.Context, id, workerID, errText string, retryAt, now time.Time) (models.Job, error)
	ReclaimStaleJobs(ctx context.Context, p models.Principal, staleBefore, now time.Time) (models.ReclaimResult, error)
}

// FailureHook runs after a job reaches failed, whichever path got it there.
type FailureHook func(ctx context.Context, job models.Job)

type Options struct {
	Lease          time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Now            func() time.Time
	Logger         *zap.Logger
}

// Queue applies retry policy on top of a Store.
type Queue struct {
	store  Store
	opts   Options
	logger *zap.Logger

	mu    sync.RWMutex
	hooks []FailureHook
}

func NewQueue(store Store, opts Options) *Queue {
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: store, opts: opts, logger: logger}
}

// Lease is how long a claim survives without a heartbeat.
func (q *Queue) Lease() time.Duration {
	return q.opts.Lease
}

// OnTerminalFailure registers h to run for every job that becomes failed.
func (q *Queue) OnTerminalFailure(h FailureHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks = append(q.hooks, h)
}

// EnqueueParams describes a new job. A nil MaxRetries uses the queue default;
// a zero NotBefore means now; a zero TTL means no hard expiry.
type EnqueueParams struct {
	UserID     string
	Type       models.JobType
	Input      any
	Priority   int
	MaxRetries *int
	NotBefore  time.Time
	TTL        time.Duration
}

func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	if _, err := models.ParseJobType(string(p.Type)); err != nil {
		return models.Job{}, err
	}
	if p.UserID == "" {
		return models.Job{}, fmt.Errorf("%w: job needs a user", models.ErrInvalid)
	}
	if p.Priority > models.MaxJobPriority || p.Priority < -models.MaxJobPriority {
		return models.Job{}, fmt.Errorf("%w: priority %d out of range", models.ErrInvalid, p.Priority)
	}
	input, err := encodeInput(p.Input)
	if err != nil {
		return models.Job{}, err
	}
	now := q.opts.Now().UTC()
	maxRetries := q.opts.MaxRetries
	if p.MaxRetries != nil {
		maxRetries = *p.MaxRetries
	}
	if maxRetries < 0 {
		return models.Job{}, fmt.Errorf("%w: max retries must not be negative", models.ErrInvalid)
	}
	notBefore := p.NotBefore.UTC()
	if p.NotBefore.IsZero() || notBefore.Before(now) {
		notBefore = now
	}
	j := models.Job{
		ID:         uuid.NewString(),
		UserID:     p.UserID,
		Type:       p.Type,
		Status:     models.JobPending,
		Input:      input,
		Priority:   p.Priority,
		MaxRetries: maxRetries,
		NotBefore:  notBefore,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if p.TTL > 0 {
		exp := now.Add(p.TTL)
		j.ExpiresAt = &exp
	}
	created, err := q.store.InsertJob(ctx, j)
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsEnqueued.WithLabelValues(string(p.Type)).Inc()
	q.logger.Debug("job enqueued", zap.String("job_id", created.ID), zap.String("type", string(created.Type)))
	return created, nil
}

func (q *Queue) Get(ctx context.Context, p models.Principal, id string) (models.Job, error) {
	return q.store.GetJob(ctx, p, id)
}

// Claim hands the next eligible job to workerID, or reports false when none is
// eligible.
func (q *Queue) Claim(ctx context.Context, workerID string) (models.Job, bool, error) {
	j, ok, err := q.store.ClaimJob(ctx, workerID, q.opts.Now().UTC())
	if err != nil || !ok {
		return j, ok, err
	}
	telemetry.JobsClaimed.Inc()
	return j, true, nil
}

func (q *Queue) Start(ctx context.Context, id, workerID string) (models.Job, error) {
	return q.store.StartJob(ctx, id, workerID, q.opts.Now().UTC())
}

func (q *Queue) Heartbeat(ctx context.Context, id, workerID string) error {
	return q.store.HeartbeatJob(ctx, id, workerID, q.opts.Now().UTC())
}

func (q *Queue) Complete(ctx context.Context, id, workerID string, output json.RawMessage) (models.Job, error) {
	j, err := q.store.CompleteJob(ctx, id, workerID, output, q.opts.Now().UTC())
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsCompleted.Inc()
	return j, nil
}

// Fail records cause against the attempt that job represents. The retry is
// scheduled strictly after now with exponential backoff and jitter.
func (q *Queue) Fail(ctx context.Context, job models.Job, workerID string, cause error) (models.Job, error) {
	now := q.opts.Now().UTC()
	retryAt := now.Add(Backoff(q.opts.BackoffInitial, q.opts.BackoffMax, job.RetryCount+1))
	errText := "unknown error"
	if cause != nil {
		errText = cause.Error()
	}
	j, err := q.store.FailJob(ctx, job.ID, workerID, errText, retryAt, now)
	if err != nil {
		return models.Job{}, err
	}
	if j.Status == models.JobFailed {
		telemetry.JobsFailed.Inc()
		q.logger.Warn("job failed terminally", zap.String("job_id", j.ID), zap.Int("retries", j.RetryCount), zap.String("error", errText))
		q.fireFailure(ctx, j)
	} else {
		telemetry.JobsRetried.Inc()
		q.logger.Info("job scheduled for retry", zap.String("job_id", j.ID), zap.Int("retry_count", j.RetryCount), zap.Time("not_before", j.NotBefore))
	}
	return j, nil
}

// ReclaimStale returns expired claims to pending and fails what cannot be
// retried. It runs under the service principal.
func (q *Queue) ReclaimStale(ctx context.Context) (models.ReclaimResult, error) {
	now := q.opts.Now().UTC()
	res, err := q.store.ReclaimStaleJobs(ctx, models.ServicePrincipal("reclaimer"), now.Add(-q.opts.Lease), now)
	if err != nil {
		return res, err
	}
	res = dedupe(res)
	if n := len(res.Requeued) + len(res.Failed); n > 0 {
		telemetry.JobsReclaimed.Add(float64(n))
		q.logger.Info("reclaimed stale jobs", zap.Int("requeued", len(res.Requeued)), zap.Int("failed", len(res.Failed)))
	}
	for _, j := range res.Failed {
		telemetry.JobsFailed.Inc()
		q.fireFailure(ctx, j)
	}
	return res, nil
}

func (q *Queue) fireFailure(ctx context.Context, j models.Job) {
	q.mu.RLock()
	hooks := append([]FailureHook(nil), q.hooks...)
	q.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, j)
	}
}

// dedupe drops requeued entries that the same sweep later failed for expiry.
func dedupe(res models.ReclaimResult) models.ReclaimResult {
	failed := make(map[string]bool, len(res.Failed))
	var out models.ReclaimResult
	for _, j := range res.Failed {
		if failed[j.ID] {
			continue
		}
		failed[j.ID] = true
		out.Failed = append(out.Failed, j)
	}
	for _, j := range res.Requeued {
		if !failed[j.ID] {
			out.Requeued = append(out.Requeued, j)
		}
	}
	return out
}

func encodeInput(v any) (json.RawMessage, error) {
	switch in := v.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(in) == 0 {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid(in) {
			return nil, fmt.Errorf("%w: job input is not valid JSON", models.ErrInvalid)
		}
		return in, nil
	default:
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal job input: %w", err)
		}
		return b, nil
	}
}

// Backoff returns the delay before retry number attempt: base doubled per
// attempt up to max, with the upper half jittered. It is always positive.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		return time.Millisecond
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
