// Package approval is the gate between a proposed tool call and its execution.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"approval-gate/internal/audit"
	"approval-gate/internal/jobs"
	"approval-gate/internal/models"
	"approval-gate/internal/notify"
	"approval-gate/internal/policy"
	"approval-gate/internal/telemetry"
	"approval-gate/internal/tools"
)

// DecisionStore persists pending actions. Methods taking an entry builder
// append the audit row in the same transaction as the status change.
type DecisionStore interface {
	CreatePendingAction(ctx context.Context, p models.Principal, pa models.PendingAction) (models.PendingAction, error)
	GetPendingAction(ctx context.Context, p models.Principal, id string) (models.PendingAction, error)
	ListPendingActions(ctx context.Context, p models.Principal, userID string, status models.DecisionStatus, limit int) ([]models.PendingAction, error)
	ApprovePendingAction(ctx context.Context, p models.Principal, id string, now time.Time) (models.PendingAction, error)
	RejectPendingAction(ctx context.Context, p models.Principal, id, note string, now time.Time, entry func(models.PendingAction) models.AuditEntry) (models.PendingAction, error)
	AttachJob(ctx context.Context, p models.Principal, id, jobID string) error
	FinishPendingAction(ctx context.Context, p models.Principal, id string, outcome models.ExecutionOutcome, now time.Time, entry func(models.PendingAction) models.AuditEntry) (models.PendingAction, bool, error)
	ExpirePendingActions(ctx context.Context, p models.Principal, now time.Time, entry func(models.PendingAction) models.AuditEntry) ([]models.PendingAction, error)
	AbandonStalledApprovals(ctx context.Context, p models.Principal, resolvedBefore time.Time, reason string, entry func(models.PendingAction) models.AuditEntry) ([]models.PendingAction, error)
}

// Executor runs a cleared tool call; tools.Registry implements it.
type Executor interface {
	Execute(ctx context.Context, name, userID string, args json.RawMessage) (json.RawMessage, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, p jobs.EnqueueParams) (models.Job, error)
}

type Notifier interface {
	Raise(ctx context.Context, p models.Principal, req notify.Request) (models.Notification, error)
}

// DefaultTTL is how long a decision waits for a human.
const DefaultTTL = 24 * time.Hour

// DefaultStallAfter is how long an approved action may sit without a job or
// an outcome before AbandonStalled closes it.
const DefaultStallAfter = 10 * time.Minute

type Deps struct {
	Classifier *policy.Classifier
	Catalog    *tools.Catalog
	Executor   Executor
	Decisions  DecisionStore
	Audit      *audit.Recorder
	Jobs       Enqueuer
	Notifier   Notifier
	TTL        time.Duration
	StallAfter time.Duration
	Now        func() time.Time
	Logger     *zap.Logger
}

type Gate struct {
	classifier *policy.Classifier
	catalog    *tools.Catalog
	executor   Executor
	decisions  DecisionStore
	audit      *audit.Recorder
	jobs       Enqueuer
	notifier   Notifier
	ttl        time.Duration
	stallAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
	tracer     trace.Tracer
}

func NewGate(d Deps) *Gate {
	if d.TTL <= 0 {
		d.TTL = DefaultTTL
	}
	if d.StallAfter <= 0 {
		d.StallAfter = DefaultStallAfter
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Gate{
		classifier: d.Classifier,
		catalog:    d.Catalog,
		executor:   d.Executor,
		decisions:  d.Decisions,
		audit:      d.Audit,
		jobs:       d.Jobs,
		notifier:   d.Notifier,
		ttl:        d.TTL,
		stallAfter: d.StallAfter,
		now:        d.Now,
		logger:     d.Logger,
		tracer:     otel.Tracer("approval-gate/approval"),
	}
}

// Proposal is one intended tool call from the agent.
type Proposal struct {
	UserID   string
	ToolName string
	Args     json.RawMessage
	Context  models.ActionContext
}

// Status summarises what Propose or Approve did with the call.
type Status string

const (
	StatusExecuted        Status = "executed"
	StatusExecutionFailed Status = "execution_failed"
	StatusQueued          Status = "queued"
	StatusAwaitingUser    Status = "awaiting_approval"
)

// Outcome is returned to the proposing agent. Execution errors are reported
// here rather than as a Go error; the audit row has already been written.
type Outcome struct {
	Tier         models.Tier           `json:"tier"`
	Source       policy.Source         `json:"source"`
	Status       Status                `json:"status"`
	Decision     *models.PendingAction `json:"decision,omitempty"`
	Job          *models.Job           `json:"job,omitempty"`
	Result       json.RawMessage       `json:"result,omitempty"`
	Error        string                `json:"error,omitempty"`
	Notification *models.Notification  `json:"notification,omitempty"`
}

// toolJob is the input of a tool_execution job.
type toolJob struct {
	ToolName        string               `json:"tool_name"`
	Args            json.RawMessage      `json:"args"`
	Tier            models.Tier          `json:"tier"`
	PendingActionID string               `json:"pending_action_id,omitempty"`
	Context         models.ActionContext `json:"context"`
}

// Propose classifies the call and either runs it, queues it, or freezes it
// as a pending decision and asks the user.
func (g *Gate) Propose(ctx context.Context, p models.Principal, prop Proposal) (Outcome, error) {
	ctx, span := g.tracer.Start(ctx, "approval.propose", trace.WithAttributes(
		attribute.String("tool", prop.ToolName),
		attribute.String("user_id", prop.UserID),
	))
	defer span.End()

	if prop.UserID == "" || prop.ToolName == "" {
		return Outcome{}, fmt.Errorf("%w: proposal needs a user and a tool", models.ErrInvalid)
	}
	if !p.CanAccess(prop.UserID) {
		return Outcome{}, fmt.Errorf("%w: cannot propose for %s", models.ErrForbidden, prop.UserID)
	}

	cls := g.classifier.Classify(ctx, prop.UserID, prop.ToolName, prop.Args)
	telemetry.ProposalsTotal.WithLabelValues(string(cls.Tier)).Inc()
	span.SetAttributes(attribute.String("tier", string(cls.Tier)), attribute.String("tier_source", string(cls.Source)))
	log := g.logger.With(zap.String("user_id", prop.UserID), zap.String("tool", prop.ToolName), zap.String("tier", string(cls.Tier)))

	var (
		out Outcome
		err error
	)
	switch {
	case cls.Tier.RequiresApproval():
		out, err = g.freeze(ctx, p, prop, cls)
	case cls.Tool.LongRunning:
		out, err = g.queueAuto(ctx, prop, cls)
	default:
		out, err = g.runAuto(ctx, prop, cls)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}
	out.Tier, out.Source = cls.Tier, cls.Source
	log.Info("proposal handled", zap.String("status", string(out.Status)), zap.String("source", string(cls.Source)))
	return out, nil
}

func (g *Gate) runAuto(ctx context.Context, prop Proposal, cls policy.Classification) (Outcome, error) {
	result, execErr := g.execute(ctx, prop.ToolName, prop.UserID, prop.Args)
	outcome := models.ExecutionOutcome{Result: result, Err: execErr}
	_, err := g.audit.Record(ctx, audit.Record{
		UserID:          prop.UserID,
		ToolName:        prop.ToolName,
		Args:            prop.Args,
		Tier:            cls.Tier,
		ApprovalStatus:  models.ApprovalAutoApproved,
		ExecutionStatus: outcome.Status(),
		Result:          result,
		Error:           outcome.ErrorText(),
		Context:         prop.Context,
	})
	if err != nil {
		// The tool already ran. This line is the only trace left to reconcile from.
		g.logger.Error("executed action not audited",
			zap.String("user_id", prop.UserID),
			zap.String("tool", prop.ToolName),
			zap.String("args_hash", audit.HashArgs(prop.Args)),
			zap.String("execution_status", string(outcome.Status())),
			zap.String("result_digest", audit.HashArgs(result)),
			zap.String("execution_error", outcome.ErrorText()),
			zap.Error(err))
		return Outcome{}, fmt.Errorf("audit executed %s: %w", prop.ToolName, err)
	}
	return executedOutcome(outcome), nil
}

func (g *Gate) queueAuto(ctx context.Context, prop Proposal, cls policy.Classification) (Outcome, error) {
	job, err := g.jobs.Enqueue(ctx, jobs.EnqueueParams{
		UserID: prop.UserID,
		Type:   models.JobToolExecution,
		Input: toolJob{
			ToolName: prop.ToolName,
			Args:     storableArgs(prop.Args),
			Tier:     cls.Tier,
			Context:  prop.Context,
		},
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("queue %s: %w", prop.ToolName, err)
	}
	return Outcome{Status: StatusQueued, Job: &job}, nil
}

func (g *Gate) freeze(ctx context.Context, p models.Principal, prop Proposal, cls policy.Classification) (Outcome, error) {
	now := g.now().UTC()
	pa, err := g.decisions.CreatePendingAction(ctx, p, models.PendingAction{
		ID:        uuid.NewString(),
		UserID:    prop.UserID,
		ToolName:  prop.ToolName,
		ToolArgs:  storableArgs(prop.Args),
		ArgsHash:  audit.HashArgs(prop.Args),
		Tier:      cls.Tier,
		Context:   prop.Context,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("create pending action: %w", err)
	}
	out := Outcome{Status: StatusAwaitingUser, Decision: &pa}

	n, err := g.notifier.Raise(ctx, p, notify.Request{
		UserID:          pa.UserID,
		Title:           "Approval needed: " + pa.ToolName,
		Body:            approvalBody(pa),
		Category:        models.CategoryApprovalNeeded,
		Type:            models.DeliveryNotify,
		PendingActionID: pa.ID,
		SessionID:       pa.Context.SessionID,
		Metadata: map[string]any{
			"tool":       pa.ToolName,
			"tier":       string(pa.Tier),
			"expires_at": pa.ExpiresAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		// The decision is still listable; the user can find it without the push.
		g.logger.Error("approval notification failed", zap.String("decision_id", pa.ID), zap.Error(err))
		return out, nil
	}
	out.Notification = &n
	return out, nil
}

func approvalBody(pa models.PendingAction) string {
	if pa.Context.Summary != "" {
		return pa.Context.Summary
	}
	return fmt.Sprintf("The agent wants to run %s. It expires at %s.", pa.ToolName, pa.ExpiresAt.Format(time.RFC3339))
}

// Approve moves the decision to approved and runs it: inline for quick
// tools, through the job queue for long-running ones.
func (g *Gate) Approve(ctx context.Context, p models.Principal, id string) (Outcome, error) {
	ctx, span := g.tracer.Start(ctx, "approval.approve", trace.WithAttributes(attribute.String("decision_id", id)))
	defer span.End()

	pa, err := g.decisions.ApprovePendingAction(ctx, p, id, g.now().UTC())
	if err != nil {
		span.RecordError(err)
		return Outcome{}, err
	}
	log := g.logger.With(zap.String("decision_id", pa.ID), zap.String("tool", pa.ToolName))
	out := Outcome{Tier: pa.Tier, Decision: &pa}

	if def, _ := g.catalog.Lookup(pa.ToolName); def.LongRunning {
		job, err := g.jobs.Enqueue(ctx, jobs.EnqueueParams{
			UserID:   pa.UserID,
			Type:     models.JobToolExecution,
			Priority: 1,
			Input: toolJob{
				ToolName:        pa.ToolName,
				Args:            pa.ToolArgs,
				Tier:            pa.Tier,
				PendingActionID: pa.ID,
				Context:         pa.Context,
			},
		})
		if err != nil {
			// Record the failure so the approval is not left dangling without a trace.
			finished, _, ferr := g.finish(ctx, p, pa.ID, models.ExecutionOutcome{Err: fmt.Errorf("queue execution: %w", err)})
			if ferr != nil {
				log.Error("could not record failed enqueue", zap.Error(ferr))
			} else {
				out.Decision = &finished
			}
			span.RecordError(err)
			return out, fmt.Errorf("queue approved action: %w", err)
		}
		if err := g.decisions.AttachJob(ctx, p, pa.ID, job.ID); err != nil {
			log.Warn("could not link job to decision", zap.String("job_id", job.ID), zap.Error(err))
		} else {
			pa.JobID = job.ID
		}
		out.Status = StatusQueued
		out.Job = &job
		log.Info("approved action queued", zap.String("job_id", job.ID))
		return out, nil
	}

	// Cut off well before AbandonStalled could close the decision under us.
	execCtx, cancel := context.WithTimeout(ctx, g.stallAfter/2)
	result, execErr := g.execute(execCtx, pa.ToolName, pa.UserID, pa.ToolArgs)
	cancel()
	outcome := models.ExecutionOutcome{Result: result, Err: execErr}
	finished, _, err := g.finish(ctx, p, pa.ID, outcome)
	if err != nil {
		span.RecordError(err)
		return Outcome{}, err
	}
	exec := executedOutcome(outcome)
	exec.Tier, exec.Decision = finished.Tier, &finished
	log.Info("approved action executed", zap.String("status", string(exec.Status)))
	return exec, nil
}

// finish writes the execution outcome back to an approved decision together
// with its user_approved audit row.
func (g *Gate) finish(ctx context.Context, p models.Principal, id string, outcome models.ExecutionOutcome) (models.PendingAction, bool, error) {
	now := g.now().UTC()
	var entry models.AuditEntry
	pa, changed, err := g.decisions.FinishPendingAction(ctx, p, id, outcome, now, func(pa models.PendingAction) models.AuditEntry {
		entry = audit.ForDecision(pa, models.ApprovalUserApproved, outcome.Status(), outcome.Result, outcome.ErrorText()).Entry(now)
		return entry
	})
	if err != nil {
		return models.PendingAction{}, false, fmt.Errorf("finish decision %s: %w", id, err)
	}
	if changed {
		audit.Observe(entry)
	}
	return pa, changed, nil
}

// Reject discards a pending decision. Nothing is executed.
func (g *Gate) Reject(ctx context.Context, p models.Principal, id, note string) (models.PendingAction, error) {
	now := g.now().UTC()
	var entry models.AuditEntry
	pa, err := g.decisions.RejectPendingAction(ctx, p, id, note, now, func(pa models.PendingAction) models.AuditEntry {
		entry = audit.ForDecision(pa, models.ApprovalUserRejected, models.ExecutionSkipped, nil, "").Entry(now)
		return entry
	})
	if err != nil {
		return models.PendingAction{}, err
	}
	audit.Observe(entry)
	g.logger.Info("decision rejected", zap.String("decision_id", pa.ID), zap.String("by", pa.ResolvedBy))
	return pa, nil
}

// ExpirePending moves every overdue pending decision to expired. It is safe to
// run concurrently and repeatedly.
func (g *Gate) ExpirePending(ctx context.Context) (int, error) {
	now := g.now().UTC()
	var entries []models.AuditEntry
	expired, err := g.decisions.ExpirePendingActions(ctx, models.ServicePrincipal("expiry-sweep"), now, func(pa models.PendingAction) models.AuditEntry {
		e := audit.ForDecision(pa, models.ApprovalExpired, models.ExecutionSkipped, nil, "").Entry(now)
		entries = append(entries, e)
		return e
	})
	// Rows committed before a failing batch are still expired.
	for _, e := range entries[:min(len(entries), len(expired))] {
		audit.Observe(e)
	}
	telemetry.DecisionsExpired.Add(float64(len(expired)))
	if len(expired) > 0 {
		g.logger.Info("expired pending decisions", zap.Int("count", len(expired)))
	}
	if err != nil {
		return len(expired), fmt.Errorf("expire decisions: %w", err)
	}
	return len(expired), nil
}

func (g *Gate) Get(ctx context.Context, p models.Principal, id string) (models.PendingAction, error) {
	return g.decisions.GetPendingAction(ctx, p, id)
}

func (g *Gate) List(ctx context.Context, p models.Principal, userID string, status models.DecisionStatus, limit int) ([]models.PendingAction, error) {
	return g.decisions.ListPendingActions(ctx, p, userID, status, limit)
}

// HandleToolJob is the tool_execution job handler. A returned error leaves
// retry or terminal failure to the queue; the audit row for a terminal
// failure is written by AbandonJob.
func (g *Gate) HandleToolJob(ctx context.Context, job models.Job) (json.RawMessage, error) {
	in, err := decodeToolJob(job)
	if err != nil {
		return nil, err
	}
	ctx, span := g.tracer.Start(ctx, "approval.execute_job", trace.WithAttributes(
		attribute.String("job_id", job.ID), attribute.String("tool", in.ToolName)))
	defer span.End()

	svc := models.ServicePrincipal("tool-worker")
	if in.PendingActionID != "" {
		pa, err := g.decisions.GetPendingAction(ctx, svc, in.PendingActionID)
		if err != nil {
			return nil, err
		}
		if pa.Status != models.DecisionApproved || pa.Error != "" {
			// Already finished by an earlier attempt, or closed as stalled.
			return skippedJob(pa)
		}
		if pa.JobID == "" {
			// The approver died before linking us; claim the decision so the
			// stall sweep leaves it alone.
			if err := g.decisions.AttachJob(ctx, svc, pa.ID, job.ID); err != nil {
				if !errors.Is(err, models.ErrConflict) {
					return nil, err
				}
				if pa, err = g.decisions.GetPendingAction(ctx, svc, pa.ID); err != nil {
					return nil, err
				}
				return skippedJob(pa)
			}
		}
	}

	result, execErr := g.execute(ctx, in.ToolName, job.UserID, in.Args)
	if execErr != nil {
		span.RecordError(execErr)
		return nil, execErr
	}
	outcome := models.ExecutionOutcome{Result: result}
	if in.PendingActionID != "" {
		if _, _, err := g.finish(ctx, svc, in.PendingActionID, outcome); err != nil {
			return nil, err
		}
		return result, nil
	}
	if _, err := g.audit.Record(ctx, audit.Record{
		UserID:          job.UserID,
		ToolName:        in.ToolName,
		Args:            in.Args,
		Tier:            in.Tier,
		ApprovalStatus:  models.ApprovalAutoApproved,
		JobID:           job.ID,
		ExecutionStatus: models.ExecutionSuccess,
		Result:          result,
		Context:         in.Context,
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// AbandonJob records the final error of a tool_execution job that ran out of
// attempts. Register it with Queue.OnTerminalFailure.
func (g *Gate) AbandonJob(ctx context.Context, job models.Job) {
	if job.Type != models.JobToolExecution {
		return
	}
	log := g.logger.With(zap.String("job_id", job.ID))
	in, err := decodeToolJob(job)
	if err != nil {
		log.Error("abandoned job has unreadable input", zap.Error(err))
		return
	}
	cause := errors.New(job.Error)
	if job.Error == "" {
		cause = errors.New("job failed")
	}
	if in.PendingActionID != "" {
		if _, _, err := g.finish(ctx, models.ServicePrincipal("tool-worker"), in.PendingActionID, models.ExecutionOutcome{Err: cause}); err != nil {
			log.Error("could not record abandoned decision", zap.String("decision_id", in.PendingActionID), zap.Error(err))
		}
		return
	}
	if _, err := g.audit.Record(ctx, audit.Record{
		UserID:          job.UserID,
		ToolName:        in.ToolName,
		Args:            in.Args,
		Tier:            in.Tier,
		ApprovalStatus:  models.ApprovalAutoApproved,
		JobID:           job.ID,
		ExecutionStatus: models.ExecutionError,
		Error:           cause.Error(),
		Context:         in.Context,
	}); err != nil {
		log.Error("could not record abandoned job", zap.Error(err))
	}
}

func skippedJob(pa models.PendingAction) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"skipped": true, "decision_status": pa.Status, "decision_error": pa.Error})
}

// AbandonStalled closes approved decisions that never got a job or an
// outcome within the stall window, normally because the approving process
// died between the approval and the run. Each is recorded as a user_approved
// error; the tool is not retried because whether it ran is unknown.
func (g *Gate) AbandonStalled(ctx context.Context) (int, error) {
	now := g.now().UTC()
	var entries []models.AuditEntry
	stalled, err := g.decisions.AbandonStalledApprovals(ctx, models.ServicePrincipal("stall-sweep"), now.Add(-g.stallAfter), models.StalledExecutionError,
		func(pa models.PendingAction) models.AuditEntry {
			e := audit.ForDecision(pa, models.ApprovalUserApproved, models.ExecutionError, nil, pa.Error).Entry(now)
			entries = append(entries, e)
			return e
		})
	for _, e := range entries[:min(len(entries), len(stalled))] {
		audit.Observe(e)
	}
	telemetry.DecisionsStalled.Add(float64(len(stalled)))
	for _, pa := range stalled {
		g.logger.Warn("closed stalled approval", zap.String("decision_id", pa.ID), zap.String("tool", pa.ToolName), zap.String("user_id", pa.UserID))
	}
	if err != nil {
		return len(stalled), fmt.Errorf("abandon stalled approvals: %w", err)
	}
	return len(stalled), nil
}

func decodeToolJob(job models.Job) (toolJob, error) {
	var in toolJob
	if err := json.Unmarshal(job.Input, &in); err != nil {
		return in, fmt.Errorf("%w: tool job input: %v", models.ErrInvalid, err)
	}
	if in.ToolName == "" {
		return in, fmt.Errorf("%w: tool job without a tool", models.ErrInvalid)
	}
	return in, nil
}

// execute converts an executor panic into an execution error.
func (g *Gate) execute(ctx context.Context, name, userID string, args json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	out, err = g.executor.Execute(ctx, name, userID, args)
	if err == nil && len(out) > 0 && !json.Valid(out) {
		out, _ = json.Marshal(string(out))
	}
	return out, err
}

func executedOutcome(o models.ExecutionOutcome) Outcome {
	if o.Err != nil {
		return Outcome{Status: StatusExecutionFailed, Result: o.Result, Error: o.ErrorText()}
	}
	return Outcome{Status: StatusExecuted, Result: o.Result}
}

// storableArgs keeps arguments that are not valid JSON as a JSON string so the
// frozen call can still be inspected.
func storableArgs(args json.RawMessage) json.RawMessage {
	if len(args) == 0 || json.Valid(args) {
		return args
	}
	b, _ := json.Marshal(string(args))
	return b
}
