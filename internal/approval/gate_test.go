package approval_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"approval-gate/internal/approval"
	"approval-gate/internal/audit"
	"approval-gate/internal/jobs"
	"approval-gate/internal/models"
	"approval-gate/internal/notify"
	"approval-gate/internal/policy"
	"approval-gate/internal/store/storetest"
	"approval-gate/internal/sweep"
	"approval-gate/internal/tools"
	"approval-gate/internal/worker"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
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

type harness struct {
	gate    *approval.Gate
	mem     *storetest.Memory
	queue   *jobs.Queue
	clock   *clock
	prefs   *policy.Preferences
	calls   atomic.Int32
	failing map[string]bool
	proc    *worker.Processor
	logs    *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		mem:     storetest.NewMemory(),
		clock:   &clock{now: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)},
		failing: map[string]bool{},
	}
	catalog := tools.DefaultCatalog()
	registry := tools.NewRegistry()
	for _, def := range catalog.Definitions() {
		name := def.Name
		registry.Register(name, tools.ExecutorFunc(func(_ context.Context, userID string, args json.RawMessage) (json.RawMessage, error) {
			h.calls.Add(1)
			if h.failing[name] {
				return nil, errors.New(name + " unavailable")
			}
			return json.RawMessage(`{"done":"` + name + `"}`), nil
		}))
	}
	h.queue = jobs.NewQueue(h.mem, jobs.Options{
		Lease:          time.Minute,
		MaxRetries:     1,
		BackoffInitial: time.Second,
		BackoffMax:     time.Second,
		Now:            h.clock.Now,
	})
	dispatcher := notify.NewDispatcher(h.mem, h.queue, nil).WithClock(h.clock.Now)
	core, logs := observer.New(zap.DebugLevel)
	h.logs = logs
	h.gate = approval.NewGate(approval.Deps{
		Classifier: policy.NewClassifier(catalog, h.mem, nil),
		Catalog:    catalog,
		Executor:   registry,
		Decisions:  h.mem,
		Audit:      audit.NewRecorder(h.mem, h.clock.Now),
		Jobs:       h.queue,
		Notifier:   dispatcher,
		TTL:        time.Hour,
		StallAfter: 10 * time.Minute,
		Now:        h.clock.Now,
		Logger:     zap.New(core),
	})
	h.queue.OnTerminalFailure(h.gate.AbandonJob)
	h.prefs = policy.NewPreferences(catalog, h.mem, h.clock.Now)

	h.proc = worker.NewProcessor(h.queue, "w1", time.Millisecond, nil)
	h.proc.RegisterHandler(models.JobToolExecution, h.gate.HandleToolJob)
	h.proc.RegisterHandler(models.JobNotificationDelivery, dispatcher.HandleDelivery)
	return h
}

// drain runs the worker until no job is eligible.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		processed, err := h.proc.RunOnce(context.Background())
		require.NoError(t, err)
		if !processed {
			return
		}
	}
	t.Fatal("queue did not drain")
}

var alice = models.UserPrincipal("alice")

func propose(t *testing.T, h *harness, tool string) approval.Outcome {
	t.Helper()
	out, err := h.gate.Propose(context.Background(), alice, approval.Proposal{
		UserID:   "alice",
		ToolName: tool,
		Args:     json.RawMessage(`{"to":"bob","text":"hi"}`),
		Context:  models.ActionContext{SessionID: "s1", AgentID: "agent-7"},
	})
	require.NoError(t, err)
	return out
}

func TestProposeRequiresApprovalThenApprove(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	out := propose(t, h, "send_message")
	assert.Equal(t, approval.StatusAwaitingUser, out.Status)
	assert.Equal(t, models.TierRequiresApproval, out.Tier)
	require.NotNil(t, out.Decision)
	require.NotNil(t, out.Notification)
	assert.Equal(t, models.DeliveryNotify, out.Notification.Type)
	assert.True(t, out.Notification.RequiresApproval)
	assert.Equal(t, out.Decision.ID, out.Notification.PendingActionID)
	assert.Equal(t, h.clock.Now().Add(time.Hour), out.Decision.ExpiresAt)

	pending, err := h.gate.List(ctx, alice, "alice", models.DecisionPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Zero(t, h.calls.Load())
	assert.Empty(t, h.mem.AuditEntries())

	approved, err := h.gate.Approve(ctx, alice, out.Decision.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusExecuted, approved.Status)
	assert.Equal(t, models.DecisionExecuted, approved.Decision.Status)
	assert.JSONEq(t, `{"done":"send_message"}`, string(approved.Result))
	assert.EqualValues(t, 1, h.calls.Load())

	entries := h.mem.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.ApprovalUserApproved, entries[0].ApprovalStatus)
	assert.Equal(t, models.ExecutionSuccess, entries[0].ExecutionStatus)
	assert.Equal(t, out.Decision.ID, entries[0].PendingActionID)
	assert.Equal(t, audit.HashArgs(json.RawMessage(`{"text":"hi","to":"bob"}`)), entries[0].ArgsHash)

	views, err := h.mem.ListNotifications(ctx, alice, "alice", models.NotificationFilter{})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, models.DecisionExecuted, views[0].DecisionStatus)

	_, err = h.gate.Approve(ctx, alice, out.Decision.ID)
	var conflict *models.DecisionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, models.DecisionExecuted, conflict.Status)
	assert.EqualValues(t, 1, h.calls.Load())
	assert.Len(t, h.mem.AuditEntries(), 1)
}

func TestProposeAutoPreferenceExecutesImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.prefs.Set(ctx, alice, "alice", "send_message", models.PreferenceAuto, "trusted contact")
	require.NoError(t, err)

	out := propose(t, h, "send_message")
	assert.Equal(t, approval.StatusExecuted, out.Status)
	assert.Equal(t, models.TierAuto, out.Tier)
	assert.Equal(t, policy.SourcePreference, out.Source)
	assert.Nil(t, out.Decision)
	assert.EqualValues(t, 1, h.calls.Load())

	all, err := h.gate.List(ctx, alice, "alice", "", 0)
	require.NoError(t, err)
	assert.Empty(t, all)

	entries := h.mem.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.ApprovalAutoApproved, entries[0].ApprovalStatus)
	assert.Equal(t, models.ExecutionSuccess, entries[0].ExecutionStatus)
	assert.Empty(t, entries[0].PendingActionID)
	assert.Equal(t, "s1", entries[0].Context.SessionID)
}

func TestAlwaysTierIgnoresPreferenceSetAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.prefs.Set(ctx, alice, "alice", "delete_record", models.PreferenceAuto, "")
	require.ErrorIs(t, err, models.ErrNotOverridable)

	out := propose(t, h, "delete_record")
	assert.Equal(t, models.TierAlwaysRequiresApproval, out.Tier)
	assert.Equal(t, approval.StatusAwaitingUser, out.Status)
	assert.Zero(t, h.calls.Load())
}

func TestUnknownToolFailsClosed(t *testing.T) {
	h := newHarness(t)
	out := propose(t, h, "wire_money")
	assert.Equal(t, models.TierRequiresApproval, out.Tier)
	assert.Equal(t, policy.SourceUnknownTool, out.Source)
	assert.Equal(t, approval.StatusAwaitingUser, out.Status)
	assert.Zero(t, h.calls.Load())
}

func TestMalformedArgsAreFrozenNotRun(t *testing.T) {
	h := newHarness(t)
	out, err := h.gate.Propose(context.Background(), alice, approval.Proposal{
		UserID:   "alice",
		ToolName: "read_calendar",
		Args:     json.RawMessage(`{"day":`),
	})
	require.NoError(t, err)
	assert.Equal(t, policy.SourceBadArgs, out.Source)
	require.NotNil(t, out.Decision)
	assert.JSONEq(t, `"{\"day\":"`, string(out.Decision.ToolArgs))
	assert.Zero(t, h.calls.Load())
}

func TestExpiredDecisionCannotBeApproved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	out := propose(t, h, "send_message")

	h.clock.Advance(time.Hour + time.Second)
	n, err := h.gate.ExpirePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.gate.ExpirePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.gate.Approve(ctx, alice, out.Decision.ID)
	require.ErrorIs(t, err, models.ErrConflict)
	var conflict *models.DecisionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.Expired)

	got, err := h.gate.Get(ctx, alice, out.Decision.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionExpired, got.Status)
	assert.Zero(t, h.calls.Load())

	entries := h.mem.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.ApprovalExpired, entries[0].ApprovalStatus)
	assert.Equal(t, models.ExecutionSkipped, entries[0].ExecutionStatus)
}

func TestApprovePastExpiryBeforeSweepConflicts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	out := propose(t, h, "send_message")
	h.clock.Advance(2 * time.Hour)

	_, err := h.gate.Approve(ctx, alice, out.Decision.ID)
	require.ErrorIs(t, err, models.ErrConflict)
	assert.Zero(t, h.calls.Load())

	got, err := h.gate.Get(ctx, alice, out.Decision.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionPending, got.Status)
}

func TestRejectSkipsExecution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	out := propose(t, h, "send_message")

	pa, err := h.gate.Reject(ctx, alice, out.Decision.ID, "wrong recipient")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRejected, pa.Status)
	assert.Equal(t, "wrong recipient", pa.Note)

	_, err = h.gate.Approve(ctx, alice, out.Decision.ID)
	require.ErrorIs(t, err, models.ErrConflict)
	_, err = h.gate.Reject(ctx, alice, out.Decision.ID, "")
	require.ErrorIs(t, err, models.ErrConflict)

	assert.Zero(t, h.calls.Load())
	entries := h.mem.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.ApprovalUserRejected, entries[0].ApprovalStatus)
	assert.Equal(t, models.ExecutionSkipped, entries[0].ExecutionStatus)
}

func TestOtherUserCannotResolve(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	out := propose(t, h, "send_message")

	_, err := h.gate.Approve(ctx, models.UserPrincipal("mallory"), out.Decision.ID)
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = h.gate.Propose(ctx, models.UserPrincipal("mallory"), approval.Proposal{UserID: "alice", ToolName: "send_message"})
	require.ErrorIs(t, err, models.ErrForbidden)
}

func TestConcurrentApproveExecutesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	out := propose(t, h, "send_message")

	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.gate.Approve(ctx, alice, out.Decision.ID)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, models.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, 7, conflicts.Load())
	assert.EqualValues(t, 1, h.calls.Load())
	assert.Len(t, h.mem.AuditEntries(), 1)
}

func TestAutoExecutionErrorIsAudited(t *testing.T) {
	h := newHarness(t)
	h.failing["read_calendar"] = true

	out := propose(t, h, "read_calendar")
	assert.Equal(t, approval.StatusExecutionFailed, out.Status)
	assert.Contains(t, out.Error, "unavailable")

	entries := h.mem.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.ApprovalAutoApproved, entries[0].ApprovalStatus)
	assert.Equal(t, models.ExecutionError, entries[0].ExecutionStatus)
}

func TestApprovedLongRunningToolRunsThroughQueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	out := propose(t, h, "bulk_export")

	approved, err := h.gate.Approve(ctx, alice, out.Decision.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusQueued, approved.Status)
	require.NotNil(t, approved.Job)
	assert.Zero(t, h.calls.Load())

	got, err := h.gate.Get(ctx, alice, out.Decision.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, got.Status)
	assert.Equal(t, approved.Job.ID, got.JobID)

	h.drain(t)

	got, err = h.gate.Get(ctx, alice, out.Decision.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionExecuted, got.Status)
	assert.JSONEq(t, `{"done":"bulk_export"}`, string(got.Result))
	assert.EqualValues(t, 1, h.calls.Load())

	job, err := h.queue.Get(ctx, alice, approved.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobComplete, job.Status)

	entries := h.mem.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.ApprovalUserApproved, entries[0].ApprovalStatus)
	assert.Equal(t, approved.Job.ID, entries[0].JobID)
}

func TestAbandonedLongRunningToolRecordsError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.failing["bulk_export"] = true
	out := propose(t, h, "bulk_export")
	_, err := h.gate.Approve(ctx, alice, out.Decision.ID)
	require.NoError(t, err)

	h.drain(t)
	h.clock.Advance(time.Minute)
	h.drain(t)

	assert.EqualValues(t, 2, h.calls.Load())
	got, err := h.gate.Get(ctx, alice, out.Decision.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, got.Status)
	assert.Contains(t, got.Error, "unavailable")

	entries := h.mem.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.ApprovalUserApproved, entries[0].ApprovalStatus)
	assert.Equal(t, models.ExecutionError, entries[0].ExecutionStatus)
}

func TestAutoLongRunningToolIsAuditedByJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	catalog, err := tools.NewCatalog("t1", []tools.Definition{{Name: "reindex", Tier: models.TierAuto, LongRunning: true}})
	require.NoError(t, err)
	registry := tools.NewRegistry()
	registry.Register("reindex", tools.ExecutorFunc(func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"indexed":3}`), nil
	}))
	gate := approval.NewGate(approval.Deps{
		Classifier: policy.NewClassifier(catalog, h.mem, nil),
		Catalog:    catalog,
		Executor:   registry,
		Decisions:  h.mem,
		Audit:      audit.NewRecorder(h.mem, h.clock.Now),
		Jobs:       h.queue,
		Notifier:   notify.NewDispatcher(h.mem, nil, nil),
		Now:        h.clock.Now,
	})
	proc := worker.NewProcessor(h.queue, "w2", time.Millisecond, nil)
	proc.RegisterHandler(models.JobToolExecution, gate.HandleToolJob)

	out, err := gate.Propose(ctx, alice, approval.Proposal{UserID: "alice", ToolName: "reindex", Args: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, approval.StatusQueued, out.Status)
	assert.Empty(t, h.mem.AuditEntries())

	processed, err := proc.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	entries := h.mem.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.ApprovalAutoApproved, entries[0].ApprovalStatus)
	assert.Equal(t, out.Job.ID, entries[0].JobID)
	assert.Equal(t, audit.JobKey(out.Job.ID), entries[0].IdempotencyKey)
}

// approveOnly moves a proposal to approved the way Approve does, then stops:
// the approving process is gone before it runs or queues anything.
func approveOnly(t *testing.T, h *harness, tool string) models.PendingAction {
	t.Helper()
	out := propose(t, h, tool)
	require.NotNil(t, out.Decision)
	pa, err := h.mem.ApprovePendingAction(context.Background(), alice, out.Decision.ID, h.clock.Now())
	require.NoError(t, err)
	return pa
}

func enqueueForDecision(t *testing.T, h *harness, pa models.PendingAction) models.Job {
	t.Helper()
	job, err := h.queue.Enqueue(context.Background(), jobs.EnqueueParams{
		UserID: pa.UserID,
		Type:   models.JobToolExecution,
		Input: map[string]any{
			"tool_name":         pa.ToolName,
			"args":              pa.ToolArgs,
			"tier":              pa.Tier,
			"pending_action_id": pa.ID,
		},
	})
	require.NoError(t, err)
	return job
}

func TestStalledApprovalIsClosedOnceBySweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pa := approveOnly(t, h, "send_message")
	sw := sweep.New(h.gate, h.queue, time.Second, nil)

	h.clock.Advance(5 * time.Minute)
	rep, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Stalled, "still inside the stall window")
	assert.Empty(t, h.mem.AuditEntries())

	h.clock.Advance(6 * time.Minute)
	rep, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Stalled)

	rep, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Stalled)

	entries := h.mem.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, pa.ID, entries[0].PendingActionID)
	assert.Equal(t, models.ApprovalUserApproved, entries[0].ApprovalStatus)
	assert.Equal(t, models.ExecutionError, entries[0].ExecutionStatus)
	assert.Equal(t, models.StalledExecutionError, entries[0].Error)

	got, err := h.gate.Get(ctx, alice, pa.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, got.Status)
	assert.Equal(t, models.StalledExecutionError, got.Error)
	assert.Zero(t, h.calls.Load(), "a stalled approval is never re-run")

	_, err = h.gate.Approve(ctx, alice, pa.ID)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestUnlinkedToolJobClaimsItsDecision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pa := approveOnly(t, h, "bulk_export")
	job := enqueueForDecision(t, h, pa)

	h.drain(t)

	got, err := h.gate.Get(ctx, alice, pa.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionExecuted, got.Status)
	assert.Equal(t, job.ID, got.JobID)

	h.clock.Advance(time.Hour)
	n, err := h.gate.AbandonStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	entries := h.mem.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.ExecutionSuccess, entries[0].ExecutionStatus)
}

func TestLateJobSkipsClosedDecision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pa := approveOnly(t, h, "bulk_export")
	job := enqueueForDecision(t, h, pa)

	h.clock.Advance(11 * time.Minute)
	n, err := h.gate.AbandonStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	h.drain(t)
	assert.Zero(t, h.calls.Load())
	done, err := h.queue.Get(ctx, alice, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobComplete, done.Status)
	assert.Contains(t, string(done.Output), `"skipped":true`)

	entries := h.mem.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.StalledExecutionError, entries[0].Error)
}

func TestSecondFailureOutcomeIsIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pa := approveOnly(t, h, "bulk_export")
	job := enqueueForDecision(t, h, pa)
	job.Error = "first failure"

	h.gate.AbandonJob(ctx, job)
	job.Error = "second failure"
	h.gate.AbandonJob(ctx, job)

	got, err := h.gate.Get(ctx, alice, pa.ID)
	require.NoError(t, err)
	assert.Equal(t, "first failure", got.Error)

	entries := h.mem.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "first failure", entries[0].Error)

	_, changed, err := h.mem.FinishPendingAction(ctx, models.ServicePrincipal("test"), pa.ID,
		models.ExecutionOutcome{Err: errors.New("third")}, h.clock.Now(),
		func(pa models.PendingAction) models.AuditEntry {
			return audit.ForDecision(pa, models.ApprovalUserApproved, models.ExecutionError, nil, pa.Error).Entry(h.clock.Now())
		})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestUnauditedAutoExecutionIsLogged(t *testing.T) {
	h := newHarness(t)
	h.mem.AuditErr = errors.New("audit table unavailable")

	_, err := h.gate.Propose(context.Background(), alice, approval.Proposal{
		UserID:   "alice",
		ToolName: "read_calendar",
		Args:     json.RawMessage(`{"day":"mon"}`),
	})
	require.Error(t, err)
	assert.EqualValues(t, 1, h.calls.Load(), "the tool ran before the audit write failed")

	logged := h.logs.FilterMessage("executed action not audited").All()
	require.Len(t, logged, 1)
	assert.Equal(t, zap.ErrorLevel, logged[0].Level)
	fields := logged[0].ContextMap()
	assert.Equal(t, "alice", fields["user_id"])
	assert.Equal(t, "read_calendar", fields["tool"])
	assert.Equal(t, audit.HashArgs(json.RawMessage(`{"day":"mon"}`)), fields["args_hash"])
	assert.Equal(t, audit.HashArgs(json.RawMessage(`{"done":"read_calendar"}`)), fields["result_digest"])
}
