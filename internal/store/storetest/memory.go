// Package storetest provides an in-memory store with the same guards as the
// Postgres store, for package tests that do not need a database.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"approval-gate/internal/models"
)

type memJob struct {
	job models.Job
	seq int64
}

// Memory implements every store method the services use.
type Memory struct {
	mu sync.Mutex

	pending       map[string]models.PendingAction
	audit         []models.AuditEntry
	auditKeys     map[string]int
	prefs         map[string]models.ToolPreference
	defaults      map[string]models.Tier
	changes       []models.TierChange
	notifications map[string]models.Notification
	jobs          map[string]*memJob
	seq           int64

	// PreferenceErr, when set, is returned by GetToolPreference.
	PreferenceErr error
	// AuditErr, when set, is returned by every audit insert.
	AuditErr error
}

func NewMemory() *Memory {
	return &Memory{
		pending:       map[string]models.PendingAction{},
		auditKeys:     map[string]int{},
		prefs:         map[string]models.ToolPreference{},
		defaults:      map[string]models.Tier{},
		notifications: map[string]models.Notification{},
		jobs:          map[string]*memJob{},
	}
}

func forbidden(what string) error {
	return fmt.Errorf("%w: %s", models.ErrForbidden, what)
}

func ptr(t time.Time) *time.Time { return &t }

// --- pending actions ---

func (m *Memory) CreatePendingAction(_ context.Context, p models.Principal, pa models.PendingAction) (models.PendingAction, error) {
	if !p.CanAccess(pa.UserID) {
		return models.PendingAction{}, forbidden("create action")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.pending[pa.ID]; dup {
		return models.PendingAction{}, fmt.Errorf("pending action %s exists: %w", pa.ID, models.ErrConflict)
	}
	pa.Status = models.DecisionPending
	m.pending[pa.ID] = pa
	return pa, nil
}

func (m *Memory) GetPendingAction(_ context.Context, p models.Principal, id string) (models.PendingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getPending(p, id)
}

func (m *Memory) getPending(p models.Principal, id string) (models.PendingAction, error) {
	pa, ok := m.pending[id]
	if !ok || !p.CanAccess(pa.UserID) {
		return models.PendingAction{}, fmt.Errorf("pending action %s: %w", id, models.ErrNotFound)
	}
	return pa, nil
}

func (m *Memory) ListPendingActions(_ context.Context, p models.Principal, userID string, status models.DecisionStatus, limit int) ([]models.PendingAction, error) {
	if !p.CanAccess(userID) {
		return nil, forbidden("list actions")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PendingAction
	for _, pa := range m.pending {
		if pa.UserID == userID && (status == "" || pa.Status == status) {
			out = append(out, pa)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (m *Memory) resolve(p models.Principal, id string, now time.Time, to models.DecisionStatus, note string) (models.PendingAction, error) {
	pa, err := m.getPending(p, id)
	if err != nil {
		return models.PendingAction{}, err
	}
	if !pa.Resolvable(now) {
		return models.PendingAction{}, &models.DecisionConflictError{
			ID:      id,
			Status:  pa.Status,
			Expired: pa.Status == models.DecisionExpired || (pa.Status == models.DecisionPending && !now.Before(pa.ExpiresAt)),
		}
	}
	pa.Status = to
	pa.ResolvedAt = ptr(now)
	pa.ResolvedBy = p.Name()
	pa.Note = note
	return pa, nil
}

func (m *Memory) ApprovePendingAction(_ context.Context, p models.Principal, id string, now time.Time) (models.PendingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, err := m.resolve(p, id, now, models.DecisionApproved, "")
	if err != nil {
		return models.PendingAction{}, err
	}
	m.pending[id] = pa
	return pa, nil
}

func (m *Memory) RejectPendingAction(_ context.Context, p models.Principal, id, note string, now time.Time, entry func(models.PendingAction) models.AuditEntry) (models.PendingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, err := m.resolve(p, id, now, models.DecisionRejected, note)
	if err != nil {
		return models.PendingAction{}, err
	}
	if _, err := m.insertAudit(entry(pa)); err != nil {
		return models.PendingAction{}, err
	}
	m.pending[id] = pa
	return pa, nil
}

func (m *Memory) AttachJob(_ context.Context, p models.Principal, id, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, err := m.getPending(p, id)
	if err != nil {
		return err
	}
	if pa.Status != models.DecisionApproved || pa.Error != "" {
		return fmt.Errorf("pending action %s is not awaiting execution: %w", id, models.ErrConflict)
	}
	pa.JobID = jobID
	m.pending[id] = pa
	return nil
}

func (m *Memory) FinishPendingAction(_ context.Context, p models.Principal, id string, outcome models.ExecutionOutcome, now time.Time, entry func(models.PendingAction) models.AuditEntry) (models.PendingAction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, err := m.getPending(p, id)
	if err != nil {
		return models.PendingAction{}, false, err
	}
	if pa.Status != models.DecisionApproved || pa.Error != "" {
		return pa, false, nil
	}
	pa.Result = outcome.Result
	if outcome.Err == nil {
		pa.Status = models.DecisionExecuted
		pa.ExecutedAt = ptr(now)
	} else {
		pa.Error = outcome.ErrorText()
	}
	inserted, err := m.insertAudit(entry(pa))
	if err != nil {
		return models.PendingAction{}, false, err
	}
	m.pending[id] = pa
	return pa, inserted, nil
}

func (m *Memory) AbandonStalledApprovals(_ context.Context, p models.Principal, resolvedBefore time.Time, reason string, entry func(models.PendingAction) models.AuditEntry) ([]models.PendingAction, error) {
	if !p.IsService() {
		return nil, forbidden("abandoning stalled approvals requires the service principal")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PendingAction
	for id, pa := range m.pending {
		if pa.Status != models.DecisionApproved || pa.JobID != "" || pa.Error != "" {
			continue
		}
		if pa.ResolvedAt == nil || pa.ResolvedAt.After(resolvedBefore) {
			continue
		}
		pa.Error = reason
		if _, err := m.insertAudit(entry(pa)); err != nil {
			return out, err
		}
		m.pending[id] = pa
		out = append(out, pa)
	}
	return out, nil
}

func (m *Memory) ExpirePendingActions(_ context.Context, p models.Principal, now time.Time, entry func(models.PendingAction) models.AuditEntry) ([]models.PendingAction, error) {
	if !p.IsService() {
		return nil, forbidden("expire requires the service principal")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PendingAction
	for id, pa := range m.pending {
		if pa.Status != models.DecisionPending || now.Before(pa.ExpiresAt) {
			continue
		}
		pa.Status = models.DecisionExpired
		pa.ResolvedAt = ptr(now)
		pa.ResolvedBy = p.Name()
		if _, err := m.insertAudit(entry(pa)); err != nil {
			return out, err
		}
		m.pending[id] = pa
		out = append(out, pa)
	}
	return out, nil
}

// --- audit ---

func (m *Memory) insertAudit(e models.AuditEntry) (bool, error) {
	if m.AuditErr != nil {
		return false, m.AuditErr
	}
	if e.IdempotencyKey != "" {
		if _, dup := m.auditKeys[e.IdempotencyKey]; dup {
			return false, nil
		}
		m.auditKeys[e.IdempotencyKey] = len(m.audit)
	}
	m.audit = append(m.audit, e)
	return true, nil
}

func (m *Memory) AppendAudit(_ context.Context, e models.AuditEntry) (models.AuditEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted, err := m.insertAudit(e)
	if err != nil {
		return models.AuditEntry{}, false, err
	}
	if !inserted {
		return m.audit[m.auditKeys[e.IdempotencyKey]], false, nil
	}
	return e, true, nil
}

func (m *Memory) ListAudit(_ context.Context, p models.Principal, f models.AuditFilter) ([]models.AuditEntry, error) {
	userID := f.UserID
	if !p.IsService() {
		if userID != "" && userID != p.UserID {
			return nil, forbidden("read audit")
		}
		userID = p.UserID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEntry
	for _, e := range m.audit {
		if userID != "" && e.UserID != userID {
			continue
		}
		if f.ToolName != "" && e.ToolName != f.ToolName {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, f.Limit), nil
}

// AuditEntries returns every row for assertions.
func (m *Memory) AuditEntries() []models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditEntry(nil), m.audit...)
}

// --- preferences ---

func prefKey(userID, tool string) string { return userID + "\x00" + tool }

func (m *Memory) GetToolPreference(_ context.Context, p models.Principal, userID, toolName string) (models.ToolPreference, bool, error) {
	if !p.CanAccess(userID) {
		return models.ToolPreference{}, false, forbidden("read preferences")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PreferenceErr != nil {
		return models.ToolPreference{}, false, m.PreferenceErr
	}
	tp, ok := m.prefs[prefKey(userID, toolName)]
	return tp, ok, nil
}

func (m *Memory) ListToolPreferences(_ context.Context, p models.Principal, userID string) ([]models.ToolPreference, error) {
	if !p.CanAccess(userID) {
		return nil, forbidden("read preferences")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ToolPreference
	for _, tp := range m.prefs {
		if tp.UserID == userID {
			out = append(out, tp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolName < out[j].ToolName })
	return out, nil
}

func (m *Memory) SetToolPreference(_ context.Context, p models.Principal, pref models.ToolPreference, reason string) (models.ToolPreference, error) {
	if !p.CanAccess(pref.UserID) {
		return models.ToolPreference{}, forbidden("set preferences")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := prefKey(pref.UserID, pref.ToolName)
	old, had := m.prefs[key]
	m.prefs[key] = pref
	if had && old.Preference == pref.Preference {
		return pref, nil
	}
	c := models.TierChange{
		ID:        uuid.NewString(),
		ToolName:  pref.ToolName,
		UserID:    pref.UserID,
		NewTier:   pref.Preference.Tier(),
		Source:    models.TierChangePreference,
		Reason:    reason,
		ChangedBy: p.Name(),
		ChangedAt: pref.UpdatedAt,
	}
	if had {
		c.OldTier = old.Preference.Tier()
	}
	m.changes = append(m.changes, c)
	return pref, nil
}

func (m *Memory) DeleteToolPreference(_ context.Context, p models.Principal, userID, toolName, reason string) error {
	if !p.CanAccess(userID) {
		return forbidden("delete preferences")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := prefKey(userID, toolName)
	old, had := m.prefs[key]
	if !had {
		return nil
	}
	delete(m.prefs, key)
	m.changes = append(m.changes, models.TierChange{
		ID:        uuid.NewString(),
		ToolName:  toolName,
		UserID:    userID,
		OldTier:   old.Preference.Tier(),
		Source:    models.TierChangePreference,
		Reason:    reason,
		ChangedBy: p.Name(),
		ChangedAt: time.Now().UTC(),
	})
	return nil
}

func (m *Memory) ListTierChanges(_ context.Context, p models.Principal, toolName string, limit int) ([]models.TierChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TierChange
	for i := len(m.changes) - 1; i >= 0; i-- {
		c := m.changes[i]
		if c.ToolName != toolName {
			continue
		}
		if p.IsService() || c.UserID == "" || c.UserID == p.UserID {
			out = append(out, c)
		}
	}
	return truncate(out, limit), nil
}

func (m *Memory) SyncToolCatalog(_ context.Context, p models.Principal, version string, defaults []models.ToolDefault) (int, error) {
	if !p.IsService() {
		return 0, forbidden("catalog sync requires the service principal")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := 0
	for _, d := range defaults {
		old, had := m.defaults[d.ToolName]
		if had && old == d.Tier {
			continue
		}
		m.defaults[d.ToolName] = d.Tier
		m.changes = append(m.changes, models.TierChange{
			ID:        uuid.NewString(),
			ToolName:  d.ToolName,
			OldTier:   old,
			NewTier:   d.Tier,
			Source:    models.TierChangeCatalog,
			Reason:    "catalog " + version,
			ChangedBy: p.Name(),
			ChangedAt: time.Now().UTC(),
		})
		changed++
	}
	return changed, nil
}

// --- notifications ---

func (m *Memory) CreateNotification(_ context.Context, p models.Principal, n models.Notification) (models.Notification, error) {
	if !p.CanAccess(n.UserID) {
		return models.Notification{}, forbidden("notify")
	}
	if n.Category == models.CategoryApprovalNeeded && (!n.RequiresApproval || n.PendingActionID == "") {
		return models.Notification{}, fmt.Errorf("%w: approval_needed requires a pending action", models.ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = n
	return n, nil
}

func (m *Memory) GetNotification(_ context.Context, p models.Principal, id string) (models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getNotification(p, id)
}

func (m *Memory) getNotification(p models.Principal, id string) (models.Notification, error) {
	n, ok := m.notifications[id]
	if !ok || !p.CanAccess(n.UserID) {
		return models.Notification{}, fmt.Errorf("notification %s: %w", id, models.ErrNotFound)
	}
	return n, nil
}

func (m *Memory) ListNotifications(_ context.Context, p models.Principal, userID string, f models.NotificationFilter) ([]models.NotificationView, error) {
	if !p.CanAccess(userID) {
		return nil, forbidden("list notifications")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.NotificationView
	for _, n := range m.notifications {
		if n.UserID != userID {
			continue
		}
		if f.SessionID != "" && n.SessionID != f.SessionID {
			continue
		}
		if f.UnreadOnly && n.Read {
			continue
		}
		v := models.NotificationView{Notification: n}
		if pa, ok := m.pending[n.PendingActionID]; ok {
			v.DecisionStatus = pa.Status
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, f.Limit), nil
}

func (m *Memory) MarkNotificationRead(_ context.Context, p models.Principal, id string) (models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.getNotification(p, id)
	if err != nil {
		return models.Notification{}, err
	}
	n.Read = true
	m.notifications[id] = n
	return n, nil
}

func (m *Memory) SetNotificationFeedback(_ context.Context, p models.Principal, id string, fb models.Feedback, now time.Time) (models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.getNotification(p, id)
	if err != nil {
		return models.Notification{}, err
	}
	if n.Feedback != "" {
		return models.Notification{}, fmt.Errorf("notification %s already has feedback: %w", id, models.ErrConflict)
	}
	n.Feedback = fb
	n.FeedbackAt = ptr(now)
	m.notifications[id] = n
	return n, nil
}

// --- jobs ---

func (m *Memory) InsertJob(_ context.Context, j models.Job) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	j.Status = models.JobPending
	if len(j.Input) == 0 {
		j.Input = json.RawMessage("{}")
	}
	m.jobs[j.ID] = &memJob{job: j, seq: m.seq}
	return j, nil
}

func (m *Memory) GetJob(_ context.Context, p models.Principal, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[id]
	if !ok || !p.CanAccess(mj.job.UserID) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return mj.job, nil
}

func (m *Memory) ClaimJob(_ context.Context, workerID string, now time.Time) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *memJob
	for _, mj := range m.jobs {
		j := mj.job
		if j.Status != models.JobPending || j.NotBefore.After(now) {
			continue
		}
		if j.ExpiresAt != nil && !now.Before(*j.ExpiresAt) {
			continue
		}
		if best == nil || before(mj, best) {
			best = mj
		}
	}
	if best == nil {
		return models.Job{}, false, nil
	}
	best.job.Status = models.JobClaimed
	best.job.ClaimedBy = workerID
	best.job.ClaimedAt = ptr(now)
	best.job.HeartbeatAt = ptr(now)
	best.job.UpdatedAt = now
	return best.job, true, nil
}

func before(a, b *memJob) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.NotBefore.Equal(b.job.NotBefore) {
		return a.job.NotBefore.Before(b.job.NotBefore)
	}
	return a.seq < b.seq
}

func (m *Memory) held(id, workerID string, statuses ...models.JobStatus) (*memJob, error) {
	mj, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if mj.job.ClaimedBy == workerID {
		for _, s := range statuses {
			if mj.job.Status == s {
				return mj, nil
			}
		}
	}
	return nil, fmt.Errorf("job %s is %s and held by %q, not %q: %w", id, mj.job.Status, mj.job.ClaimedBy, workerID, models.ErrConflict)
}

func (m *Memory) StartJob(_ context.Context, id, workerID string, now time.Time) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, err := m.held(id, workerID, models.JobClaimed)
	if err != nil {
		return models.Job{}, err
	}
	mj.job.Status = models.JobRunning
	mj.job.StartedAt = ptr(now)
	mj.job.HeartbeatAt = ptr(now)
	mj.job.UpdatedAt = now
	return mj.job, nil
}

func (m *Memory) HeartbeatJob(_ context.Context, id, workerID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, err := m.held(id, workerID, models.JobClaimed, models.JobRunning)
	if err != nil {
		return err
	}
	mj.job.HeartbeatAt = ptr(now)
	mj.job.UpdatedAt = now
	return nil
}

func (m *Memory) CompleteJob(_ context.Context, id, workerID string, output json.RawMessage, now time.Time) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, err := m.held(id, workerID, models.JobClaimed, models.JobRunning)
	if err != nil {
		return models.Job{}, err
	}
	mj.job.Status = models.JobComplete
	mj.job.Output = output
	mj.job.Error = ""
	mj.job.CompletedAt = ptr(now)
	mj.job.UpdatedAt = now
	return mj.job, nil
}

func (m *Memory) FailJob(_ context.Context, id, workerID, errText string, retryAt, now time.Time) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, err := m.held(id, workerID, models.JobClaimed, models.JobRunning)
	if err != nil {
		return models.Job{}, err
	}
	mj.job.Error = errText
	mj.job.UpdatedAt = now
	if mj.job.RetriesLeft() {
		mj.job.Status = models.JobPending
		mj.job.RetryCount++
		mj.job.NotBefore = retryAt
		mj.job.ClaimedBy = ""
	} else {
		mj.job.Status = models.JobFailed
		mj.job.CompletedAt = ptr(now)
	}
	return mj.job, nil
}

func (m *Memory) ReclaimStaleJobs(_ context.Context, p models.Principal, staleBefore, now time.Time) (models.ReclaimResult, error) {
	var res models.ReclaimResult
	if !p.IsService() {
		return res, forbidden("reclaim requires the service principal")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mj := range m.ordered() {
		j := &mj.job
		switch {
		case (j.Status == models.JobClaimed || j.Status == models.JobRunning) && j.HeartbeatAt != nil && !j.HeartbeatAt.After(staleBefore):
			j.Error = models.StaleClaimError
			j.ClaimedBy = ""
			j.UpdatedAt = now
			if j.RetriesLeft() {
				j.Status = models.JobPending
				j.RetryCount++
				j.NotBefore = now
				res.Requeued = append(res.Requeued, *j)
			} else {
				j.Status = models.JobFailed
				j.CompletedAt = ptr(now)
				res.Failed = append(res.Failed, *j)
			}
		case j.Status == models.JobPending && j.ExpiresAt != nil && !now.Before(*j.ExpiresAt):
			j.Status = models.JobFailed
			j.Error = models.JobExpiredError
			j.CompletedAt = ptr(now)
			j.UpdatedAt = now
			res.Failed = append(res.Failed, *j)
		}
	}
	return res, nil
}

func (m *Memory) ordered() []*memJob {
	out := make([]*memJob, 0, len(m.jobs))
	for _, mj := range m.jobs {
		out = append(out, mj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Jobs returns every job in insertion order.
func (m *Memory) Jobs() []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, mj := range m.ordered() {
		out = append(out, mj.job)
	}
	return out
}

func truncate[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
