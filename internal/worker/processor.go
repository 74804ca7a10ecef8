// Package worker runs queued jobs: claim, start, heartbeat, then complete or
// fail.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"approval-gate/internal/jobs"
	"approval-gate/internal/models"
	"approval-gate/internal/telemetry"
)

// Handler executes a job and returns its output.
type Handler func(ctx context.Context, job models.Job) (json.RawMessage, error)

// Processor drives the worker execution loop.
type Processor struct {
	queue    *jobs.Queue
	handlers map[models.JobType]Handler
	workerID string
	poll     time.Duration
	logger   *zap.Logger
}

func NewProcessor(q *jobs.Queue, workerID string, poll time.Duration, logger *zap.Logger) *Processor {
	if poll <= 0 {
		poll = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		queue:    q,
		handlers: make(map[models.JobType]Handler),
		workerID: workerID,
		poll:     poll,
		logger:   logger.With(zap.String("worker_id", workerID)),
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType models.JobType, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run processes jobs until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed, err := p.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("worker iteration failed", zap.Error(err))
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.poll):
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job was
// claimed.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	job, ok, err := p.queue.Claim(ctx, p.workerID)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if !ok {
		return false, nil
	}
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("type", string(job.Type)), zap.Int("retry_count", job.RetryCount))

	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	if _, err := p.queue.Start(ctx, job.ID, p.workerID); err != nil {
		return true, fmt.Errorf("start job %s: %w", job.ID, err)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	lost := make(chan struct{})
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(jobCtx, job.ID, cancel, lost, log)
	}()

	output, runErr := p.runJob(jobCtx, job)
	cancel()
	<-hbDone

	select {
	case <-lost:
		log.Warn("claim lost while running; dropping result", zap.NamedError("run_error", runErr))
		return true, nil
	default:
	}
	if ctx.Err() != nil {
		// Shutting down: leave the claim to expire so another worker picks it up.
		return true, ctx.Err()
	}

	if runErr == nil {
		if _, err := p.queue.Complete(ctx, job.ID, p.workerID, output); err != nil {
			return true, fmt.Errorf("complete job %s: %w", job.ID, err)
		}
		log.Info("job completed")
		return true, nil
	}

	log.Warn("job attempt failed", zap.Error(runErr))
	if _, err := p.queue.Fail(ctx, job, p.workerID, runErr); err != nil {
		return true, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	return true, nil
}

// heartbeat extends the lease every third of it. When the claim has been
// taken over it cancels the running handler.
func (p *Processor) heartbeat(ctx context.Context, id string, cancel context.CancelFunc, lost chan<- struct{}, log *zap.Logger) {
	interval := p.queue.Lease() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.queue.Heartbeat(ctx, id, p.workerID)
			switch {
			case err == nil:
			case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrNotFound):
				close(lost)
				cancel()
				return
			case ctx.Err() != nil:
				return
			default:
				log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// runJob dispatches to the registered handler, turning a panic into an error.
func (p *Processor) runJob(ctx context.Context, job models.Job) (out json.RawMessage, err error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return nil, fmt.Errorf("no handler registered for type %q", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
