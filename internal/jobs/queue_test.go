package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approval-gate/internal/jobs"
	"approval-gate/internal/models"
	"approval-gate/internal/queue"
	"approval-gate/internal/store"
	"approval-gate/internal/store/storetest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func backends(t *testing.T) map[string]jobs.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	out := map[string]jobs.Store{
		"memory": storetest.NewMemory(),
		"redis":  queue.NewRedisStore(client, "test:"),
	}
	if os.Getenv("TEST_POSTGRES_DSN") != "" {
		ctx := context.Background()
		st, err := store.New(ctx, storetest.PostgresDSN(t))
		require.NoError(t, err)
		t.Cleanup(st.Close)
		require.NoError(t, st.RunMigrations(ctx))
		out["postgres"] = st
	}
	return out
}

func newQueue(st jobs.Store, c *clock, maxRetries int) *jobs.Queue {
	return jobs.NewQueue(st, jobs.Options{
		Lease:          30 * time.Second,
		MaxRetries:     maxRetries,
		BackoffInitial: 2 * time.Second,
		BackoffMax:     time.Minute,
		Now:            c.Now,
	})
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	for attempt := 1; attempt <= 6; attempt++ {
		b := jobs.Backoff(base, max, attempt)
		assert.Greater(t, b, time.Duration(0))
		assert.LessOrEqual(t, b, max)
	}
	b3 := jobs.Backoff(base, max, 3)
	assert.GreaterOrEqual(t, b3, 2*time.Second)
}

func TestClaimOrder(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newClock()
			q := newQueue(st, c, 3)

			low, err := q.Enqueue(ctx, jobs.EnqueueParams{UserID: "u1", Type: models.JobToolExecution, Priority: 0})
			require.NoError(t, err)
			c.Advance(time.Second)
			high, err := q.Enqueue(ctx, jobs.EnqueueParams{UserID: "u1", Type: models.JobToolExecution, Priority: 5})
			require.NoError(t, err)
			c.Advance(time.Second)
			lowLater, err := q.Enqueue(ctx, jobs.EnqueueParams{UserID: "u1", Type: models.JobToolExecution, Priority: 0})
			require.NoError(t, err)
			_, err = q.Enqueue(ctx, jobs.EnqueueParams{UserID: "u1", Type: models.JobToolExecution, Priority: 9, NotBefore: c.Now().Add(time.Hour)})
			require.NoError(t, err)

			var got []string
			for i := 0; i < 3; i++ {
				j, ok, err := q.Claim(ctx, "w1")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, models.JobClaimed, j.Status)
				assert.Equal(t, "w1", j.ClaimedBy)
				got = append(got, j.ID)
			}
			assert.Equal(t, []string{high.ID, low.ID, lowLater.ID}, got)

			_, ok, err := q.Claim(ctx, "w1")
			require.NoError(t, err)
			assert.False(t, ok, "future job must not be claimable yet")

			c.Advance(time.Hour)
			j, ok, err := q.Claim(ctx, "w1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 9, j.Priority)
		})
	}
}

func TestFailRetriesThenFails(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newClock()
			q := newQueue(st, c, 2)

			var failed []models.Job
			q.OnTerminalFailure(func(_ context.Context, j models.Job) { failed = append(failed, j) })

			job, err := q.Enqueue(ctx, jobs.EnqueueParams{UserID: "u1", Type: models.JobNotificationDelivery, Input: map[string]string{"id": "n1"}})
			require.NoError(t, err)

			for attempt := 1; attempt <= 2; attempt++ {
				claimed, ok, err := q.Claim(ctx, "w1")
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, job.ID, claimed.ID)
				_, err = q.Start(ctx, claimed.ID, "w1")
				require.NoError(t, err)

				now := c.Now()
				after, err := q.Fail(ctx, claimed, "w1", errors.New("boom"))
				require.NoError(t, err)
				assert.Equal(t, models.JobPending, after.Status)
				assert.Equal(t, attempt, after.RetryCount)
				assert.True(t, after.NotBefore.After(now), "retry must be scheduled strictly later")
				assert.Equal(t, "boom", after.Error)

				_, ok, err = q.Claim(ctx, "w1")
				require.NoError(t, err)
				assert.False(t, ok, "job must wait for its backoff")
				c.Advance(2 * time.Minute)
			}

			claimed, ok, err := q.Claim(ctx, "w1")
			require.NoError(t, err)
			require.True(t, ok)
			final, err := q.Fail(ctx, claimed, "w1", errors.New("still broken"))
			require.NoError(t, err)
			assert.Equal(t, models.JobFailed, final.Status)
			assert.Equal(t, 2, final.RetryCount)
			require.NotNil(t, final.CompletedAt)
			require.Len(t, failed, 1)
			assert.Equal(t, job.ID, failed[0].ID)
		})
	}
}

func TestCompleteStoresOutput(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := newQueue(st, newClock(), 3)
			job, err := q.Enqueue(ctx, jobs.EnqueueParams{UserID: "u1", Type: models.JobAuditExport})
			require.NoError(t, err)

			claimed, ok, err := q.Claim(ctx, "w1")
			require.NoError(t, err)
			require.True(t, ok)
			done, err := q.Complete(ctx, claimed.ID, "w1", []byte(`{"rows":3}`))
			require.NoError(t, err)
			assert.Equal(t, models.JobComplete, done.Status)
			assert.JSONEq(t, `{"rows":3}`, string(done.Output))

			got, err := q.Get(ctx, models.UserPrincipal("u1"), job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.JobComplete, got.Status)

			_, err = q.Get(ctx, models.UserPrincipal("u2"), job.ID)
			assert.ErrorIs(t, err, models.ErrNotFound)
		})
	}
}

func TestReclaimStaleClaim(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newClock()
			q := newQueue(st, c, 3)

			job, err := q.Enqueue(ctx, jobs.EnqueueParams{UserID: "u1", Type: models.JobToolExecution})
			require.NoError(t, err)
			_, ok, err := q.Claim(ctx, "crashed")
			require.NoError(t, err)
			require.True(t, ok)

			c.Advance(10 * time.Second)
			res, err := q.ReclaimStale(ctx)
			require.NoError(t, err)
			assert.Empty(t, res.Requeued, "lease has not run out yet")

			c.Advance(25 * time.Second)
			res, err = q.ReclaimStale(ctx)
			require.NoError(t, err)
			require.Len(t, res.Requeued, 1)
			assert.Equal(t, job.ID, res.Requeued[0].ID)
			assert.Equal(t, 1, res.Requeued[0].RetryCount)
			assert.Equal(t, models.StaleClaimError, res.Requeued[0].Error)

			claimed, ok, err := q.Claim(ctx, "w2")
			require.NoError(t, err)
			require.True(t, ok, "reclaimed job is eligible immediately")
			assert.Equal(t, job.ID, claimed.ID)

			_, err = q.Complete(ctx, job.ID, "crashed", nil)
			assert.ErrorIs(t, err, models.ErrConflict, "the original holder lost its claim")
			assert.ErrorIs(t, q.Heartbeat(ctx, job.ID, "crashed"), models.ErrConflict)

			_, err = q.Complete(ctx, job.ID, "w2", []byte(`{}`))
			require.NoError(t, err)
		})
	}
}

func TestHeartbeatKeepsLease(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newClock()
			q := newQueue(st, c, 3)

			_, err := q.Enqueue(ctx, jobs.EnqueueParams{UserID: "u1", Type: models.JobToolExecution})
			require.NoError(t, err)
			claimed, _, err := q.Claim(ctx, "w1")
			require.NoError(t, err)
			_, err = q.Start(ctx, claimed.ID, "w1")
			require.NoError(t, err)

			for i := 0; i < 4; i++ {
				c.Advance(20 * time.Second)
				require.NoError(t, q.Heartbeat(ctx, claimed.ID, "w1"))
				res, err := q.ReclaimStale(ctx)
				require.NoError(t, err)
				assert.Empty(t, res.Requeued)
				assert.Empty(t, res.Failed)
			}
		})
	}
}

func TestReclaimWithoutRetriesFails(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newClock()
			q := newQueue(st, c, 0)
			var hooked int
			q.OnTerminalFailure(func(context.Context, models.Job) { hooked++ })

			_, err := q.Enqueue(ctx, jobs.EnqueueParams{UserID: "u1", Type: models.JobToolExecution})
			require.NoError(t, err)
			_, _, err = q.Claim(ctx, "w1")
			require.NoError(t, err)

			c.Advance(time.Minute)
			res, err := q.ReclaimStale(ctx)
			require.NoError(t, err)
			require.Len(t, res.Failed, 1)
			assert.Equal(t, models.JobFailed, res.Failed[0].Status)
			assert.Equal(t, 1, hooked)
		})
	}
}

func TestExpiredPendingJobFails(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newClock()
			q := newQueue(st, c, 3)

			job, err := q.Enqueue(ctx, jobs.EnqueueParams{UserID: "u1", Type: models.JobNotificationDelivery, TTL: time.Minute})
			require.NoError(t, err)
			c.Advance(2 * time.Minute)

			_, ok, err := q.Claim(ctx, "w1")
			require.NoError(t, err)
			assert.False(t, ok, "expired job must not be claimed")

			res, err := q.ReclaimStale(ctx)
			require.NoError(t, err)
			require.Len(t, res.Failed, 1)
			assert.Equal(t, job.ID, res.Failed[0].ID)
			assert.Equal(t, models.JobExpiredError, res.Failed[0].Error)
		})
	}
}

// N workers racing for M jobs: each job is claimed once and exactly min(N, M)
// claims succeed.
func TestConcurrentClaimsAreExclusive(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := newQueue(st, newClock(), 3)
			const jobCount, workers = 5, 12
			for i := 0; i < jobCount; i++ {
				_, err := q.Enqueue(ctx, jobs.EnqueueParams{UserID: "u1", Type: models.JobToolExecution})
				require.NoError(t, err)
			}

			var (
				mu     sync.Mutex
				wg     sync.WaitGroup
				claims = map[string]string{}
				errs   []error
			)
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(worker string) {
					defer wg.Done()
					j, ok, err := q.Claim(ctx, worker)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						errs = append(errs, err)
						return
					}
					if !ok {
						return
					}
					if prev, dup := claims[j.ID]; dup {
						errs = append(errs, fmt.Errorf("job %s claimed by %s and %s", j.ID, prev, worker))
					}
					claims[j.ID] = worker
				}(fmt.Sprintf("w%d", w))
			}
			wg.Wait()
			require.Empty(t, errs)
			assert.Len(t, claims, jobCount)
		})
	}
}

func TestEnqueueValidates(t *testing.T) {
	q := newQueue(storetest.NewMemory(), newClock(), 3)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, jobs.EnqueueParams{UserID: "u1", Type: "bogus"})
	assert.ErrorIs(t, err, models.ErrInvalid)
	_, err = q.Enqueue(ctx, jobs.EnqueueParams{Type: models.JobToolExecution})
	assert.ErrorIs(t, err, models.ErrInvalid)
	_, err = q.Enqueue(ctx, jobs.EnqueueParams{UserID: "u1", Type: models.JobToolExecution, Priority: models.MaxJobPriority + 1})
	assert.ErrorIs(t, err, models.ErrInvalid)
}
