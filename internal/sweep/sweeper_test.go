package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approval-gate/internal/models"
)

type fakeDecisions struct {
	n, stalled int
	err        error
	calls      atomic.Int32
}

func (f *fakeDecisions) ExpirePending(context.Context) (int, error) {
	f.calls.Add(1)
	return f.n, f.err
}

func (f *fakeDecisions) AbandonStalled(context.Context) (int, error) {
	return f.stalled, nil
}

type fakeReclaimer struct {
	res   models.ReclaimResult
	err   error
	calls atomic.Int32
}

func (f *fakeReclaimer) ReclaimStale(context.Context) (models.ReclaimResult, error) {
	f.calls.Add(1)
	return f.res, f.err
}

func TestRunOnceReports(t *testing.T) {
	exp := &fakeDecisions{n: 2, stalled: 1}
	rec := &fakeReclaimer{res: models.ReclaimResult{Requeued: make([]models.Job, 3), Failed: make([]models.Job, 1)}}
	rep, err := New(exp, rec, time.Second, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Expired: 2, Stalled: 1, Requeued: 3, Failed: 1}, rep)
}

func TestRunOnceContinuesAfterFailure(t *testing.T) {
	exp := &fakeDecisions{err: errors.New("db down"), stalled: 2}
	rec := &fakeReclaimer{res: models.ReclaimResult{Requeued: make([]models.Job, 1)}}
	rep, err := New(exp, rec, time.Second, nil).RunOnce(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 1, rec.calls.Load())
	assert.Equal(t, 1, rep.Requeued)
	assert.Equal(t, 2, rep.Stalled)
}

func TestRunStopsOnCancel(t *testing.T) {
	exp := &fakeDecisions{}
	rec := &fakeReclaimer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(exp, rec, 5*time.Millisecond, nil).Run(ctx) }()

	require.Eventually(t, func() bool { return exp.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
