// Package sweep runs the periodic maintenance passes: decision expiry,
// stalled approvals and stale job reclaim.
package sweep

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"approval-gate/internal/models"
)

// Decisions is implemented by approval.Gate.
type Decisions interface {
	ExpirePending(ctx context.Context) (int, error)
	AbandonStalled(ctx context.Context) (int, error)
}

type Reclaimer interface {
	ReclaimStale(ctx context.Context) (models.ReclaimResult, error)
}

// Report counts what one pass changed.
type Report struct {
	Expired  int `json:"expired"`
	Stalled  int `json:"stalled"`
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
}

type Sweeper struct {
	decisions Decisions
	reclaimer Reclaimer
	interval  time.Duration
	logger    *zap.Logger
}

func New(decisions Decisions, reclaimer Reclaimer, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{decisions: decisions, reclaimer: reclaimer, interval: interval, logger: logger}
}

// RunOnce runs every pass. A failure in one does not skip the others; the
// next tick retries whatever was left.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var (
		rep  Report
		errs []error
	)
	n, err := s.decisions.ExpirePending(ctx)
	rep.Expired = n
	if err != nil {
		errs = append(errs, err)
	}
	n, err = s.decisions.AbandonStalled(ctx)
	rep.Stalled = n
	if err != nil {
		errs = append(errs, err)
	}
	res, err := s.reclaimer.ReclaimStale(ctx)
	rep.Requeued, rep.Failed = len(res.Requeued), len(res.Failed)
	if err != nil {
		errs = append(errs, err)
	}
	return rep, errors.Join(errs...)
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			rep, err := s.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("sweep failed", zap.Error(err))
			}
			if rep != (Report{}) {
				s.logger.Info("sweep", zap.Int("expired", rep.Expired), zap.Int("stalled", rep.Stalled), zap.Int("requeued", rep.Requeued), zap.Int("failed", rep.Failed))
			}
		}
	}
}
