package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approval-gate/internal/models"
	"approval-gate/internal/store/storetest"
)

// Runs against a real database when TEST_POSTGRES_DSN is set.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	st, err := New(ctx, storetest.PostgresDSN(t))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	return st
}

func newPending(userID string, now time.Time) models.PendingAction {
	return models.PendingAction{
		ID:        uuid.NewString(),
		UserID:    userID,
		ToolName:  "send_message",
		ToolArgs:  json.RawMessage(`{"to":"bob"}`),
		ArgsHash:  "hash",
		Tier:      models.TierRequiresApproval,
		Context:   models.ActionContext{SessionID: "s1"},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func auditFor(status models.ApprovalStatus, exec models.ExecutionStatus) func(models.PendingAction) models.AuditEntry {
	return func(pa models.PendingAction) models.AuditEntry {
		return models.AuditEntry{
			ID:              uuid.NewString(),
			UserID:          pa.UserID,
			ToolName:        pa.ToolName,
			ArgsHash:        pa.ArgsHash,
			Tier:            pa.Tier,
			ApprovalStatus:  status,
			PendingActionID: pa.ID,
			ExecutionStatus: exec,
			IdempotencyKey:  "decision:" + pa.ID,
			CreatedAt:       time.Now().UTC(),
		}
	}
}

func TestPendingLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	user := "it-" + uuid.NewString()
	p := models.UserPrincipal(user)
	now := time.Now().UTC().Truncate(time.Microsecond)

	pa, err := st.CreatePendingAction(ctx, p, newPending(user, now))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionPending, pa.Status)

	_, err = st.GetPendingAction(ctx, models.UserPrincipal("someone-else"), pa.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	approved, err := st.ApprovePendingAction(ctx, p, pa.ID, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, approved.Status)

	_, err = st.ApprovePendingAction(ctx, p, pa.ID, now.Add(2*time.Minute))
	var conflict *models.DecisionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, models.DecisionApproved, conflict.Status)

	outcome := models.ExecutionOutcome{Result: json.RawMessage(`{"ok":true}`)}
	done, changed, err := st.FinishPendingAction(ctx, p, pa.ID, outcome, now.Add(3*time.Minute),
		auditFor(models.ApprovalUserApproved, models.ExecutionSuccess))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.DecisionExecuted, done.Status)

	_, changed, err = st.FinishPendingAction(ctx, p, pa.ID, outcome, now.Add(4*time.Minute),
		auditFor(models.ApprovalUserApproved, models.ExecutionSuccess))
	require.NoError(t, err)
	assert.False(t, changed)

	entries, err := st.ListAudit(ctx, p, models.AuditFilter{UserID: user})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ApprovalUserApproved, entries[0].ApprovalStatus)
}

func TestStalledApprovalIsFinal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	user := "it-" + uuid.NewString()
	p := models.UserPrincipal(user)
	svc := models.ServicePrincipal("test")
	now := time.Now().UTC().Truncate(time.Microsecond)

	pa, err := st.CreatePendingAction(ctx, p, newPending(user, now))
	require.NoError(t, err)
	_, err = st.ApprovePendingAction(ctx, p, pa.ID, now)
	require.NoError(t, err)

	_, err = st.AbandonStalledApprovals(ctx, p, now, models.StalledExecutionError, auditFor(models.ApprovalUserApproved, models.ExecutionError))
	assert.ErrorIs(t, err, models.ErrForbidden)

	stalled, err := st.AbandonStalledApprovals(ctx, svc, now.Add(-time.Minute), models.StalledExecutionError, auditFor(models.ApprovalUserApproved, models.ExecutionError))
	require.NoError(t, err)
	assert.Empty(t, stalled, "approved after the cutoff")

	stalled, err = st.AbandonStalledApprovals(ctx, svc, now.Add(time.Minute), models.StalledExecutionError, auditFor(models.ApprovalUserApproved, models.ExecutionError))
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, models.StalledExecutionError, stalled[0].Error)

	assert.ErrorIs(t, st.AttachJob(ctx, svc, pa.ID, uuid.NewString()), models.ErrConflict)
	_, changed, err := st.FinishPendingAction(ctx, svc, pa.ID, models.ExecutionOutcome{Result: json.RawMessage(`{}`)}, now.Add(2*time.Minute),
		auditFor(models.ApprovalUserApproved, models.ExecutionSuccess))
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := st.GetPendingAction(ctx, p, pa.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, got.Status)
	assert.Equal(t, models.StalledExecutionError, got.Error)

	entries, err := st.ListAudit(ctx, p, models.AuditFilter{UserID: user})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ExecutionError, entries[0].ExecutionStatus)
}

func TestExpiredDecisionCannotBeApproved(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	user := "it-" + uuid.NewString()
	p := models.UserPrincipal(user)
	now := time.Now().UTC().Truncate(time.Microsecond)

	pa, err := st.CreatePendingAction(ctx, p, newPending(user, now.Add(-2*time.Hour)))
	require.NoError(t, err)

	_, err = st.ExpirePendingActions(ctx, p, now, auditFor(models.ApprovalExpired, models.ExecutionSkipped))
	assert.ErrorIs(t, err, models.ErrForbidden)

	expired, err := st.ExpirePendingActions(ctx, models.ServicePrincipal("test"), now, auditFor(models.ApprovalExpired, models.ExecutionSkipped))
	require.NoError(t, err)
	var ids []string
	for _, e := range expired {
		ids = append(ids, e.ID)
	}
	assert.Contains(t, ids, pa.ID)

	_, err = st.ApprovePendingAction(ctx, p, pa.ID, now)
	var conflict *models.DecisionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.Expired)
}

func TestAppendAuditIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	e := models.AuditEntry{
		ID:              uuid.NewString(),
		UserID:          "it-" + uuid.NewString(),
		ToolName:        "read_calendar",
		ArgsHash:        "hash",
		Tier:            models.TierAuto,
		ApprovalStatus:  models.ApprovalAutoApproved,
		ExecutionStatus: models.ExecutionSuccess,
		IdempotencyKey:  "job:" + uuid.NewString(),
		CreatedAt:       time.Now().UTC(),
	}
	_, inserted, err := st.AppendAudit(ctx, e)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := e
	dup.ID = uuid.NewString()
	got, inserted, err := st.AppendAudit(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, e.ID, got.ID)
}

func TestPreferenceTrail(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	user := "it-" + uuid.NewString()
	p := models.UserPrincipal(user)

	_, err := st.SetToolPreference(ctx, p, models.ToolPreference{
		UserID: user, ToolName: "send_message", Preference: models.PreferenceAuto, UpdatedAt: time.Now().UTC(),
	}, "trusted")
	require.NoError(t, err)

	tp, ok, err := st.GetToolPreference(ctx, p, user, "send_message")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.PreferenceAuto, tp.Preference)

	require.NoError(t, st.DeleteToolPreference(ctx, p, user, "send_message", "reset"))
	_, ok, err = st.GetToolPreference(ctx, p, user, "send_message")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.SetToolPreference(ctx, models.UserPrincipal("other"), models.ToolPreference{
		UserID: user, ToolName: "send_message", Preference: models.PreferenceAuto, UpdatedAt: time.Now().UTC(),
	}, "")
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestJobScoping(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	user := "it-" + uuid.NewString()
	now := time.Now().UTC()

	job, err := st.InsertJob(ctx, models.Job{
		ID:         uuid.NewString(),
		UserID:     user,
		Type:       models.JobAuditExport,
		Status:     models.JobPending,
		Input:      json.RawMessage(`{}`),
		MaxRetries: 3,
		NotBefore:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	require.NoError(t, err)

	got, err := st.GetJob(ctx, models.UserPrincipal(user), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobAuditExport, got.Type)

	_, err = st.GetJob(ctx, models.UserPrincipal("other"), job.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
