package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"approval-gate/internal/approval"
	"approval-gate/internal/export"
	"approval-gate/internal/jobs"
	"approval-gate/internal/models"
	"approval-gate/internal/notify"
	"approval-gate/internal/policy"
	"approval-gate/internal/ratelimit"
	"approval-gate/internal/telemetry"
)

// Limiter throttles proposals per user.
type Limiter interface {
	Allow(ctx context.Context, userID string) (ratelimit.Decision, error)
}

type AuditReader interface {
	ListAudit(ctx context.Context, p models.Principal, f models.AuditFilter) ([]models.AuditEntry, error)
}

// Pinger reports backing store health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Gate         *approval.Gate
	Notify       *notify.Dispatcher
	Preferences  *policy.Preferences
	Audit        AuditReader
	Jobs         *jobs.Queue
	Limiter      Limiter
	Health       Pinger
	ServiceToken string
	Logger       *zap.Logger
}

// Server wires HTTP handlers for agents, the approval UI and operators.
type Server struct {
	gate     *approval.Gate
	notify   *notify.Dispatcher
	prefs    *policy.Preferences
	audit    AuditReader
	jobs     *jobs.Queue
	limiter  Limiter
	health   Pinger
	token    string
	validate *validator.Validate
	logger   *zap.Logger
}

func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Server{
		gate:     d.Gate,
		notify:   d.Notify,
		prefs:    d.Preferences,
		audit:    d.Audit,
		jobs:     d.Jobs,
		limiter:  d.Limiter,
		health:   d.Health,
		token:    d.ServiceToken,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   d.Logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/actions", s.handlePropose)

		r.Get("/decisions", s.handleListDecisions)
		r.Get("/decisions/{id}", s.handleGetDecision)
		r.Post("/decisions/{id}/approve", s.handleApprove)
		r.Post("/decisions/{id}/reject", s.handleReject)

		r.Get("/notifications", s.handleListNotifications)
		r.Post("/notifications/{id}/read", s.handleMarkRead)
		r.Post("/notifications/{id}/feedback", s.handleFeedback)

		r.Get("/preferences", s.handleListPreferences)
		r.Put("/preferences/{tool}", s.handleSetPreference)
		r.Delete("/preferences/{tool}", s.handleDeletePreference)
		r.Get("/tools/{tool}/tier-changes", s.handleTierChanges)

		r.Get("/audit", s.handleListAudit)
		r.Post("/audit/exports", s.handleExport)
		r.Get("/jobs/{id}", s.handleGetJob)

		r.Group(func(r chi.Router) {
			r.Use(s.requireService)
			r.Post("/maintenance/expire", s.handleExpire)
			r.Post("/maintenance/reclaim", s.handleReclaim)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type proposeRequest struct {
	UserID   string               `json:"user_id" validate:"max=128"`
	ToolName string               `json:"tool_name" validate:"required,max=128"`
	Args     json.RawMessage      `json:"args"`
	Context  models.ActionContext `json:"context"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if !s.decode(w, r, &req) {
		return
	}
	p := principalFrom(r.Context())
	userID := targetUser(p, req.UserID)
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": map[string]string{"UserID": "required"}})
		return
	}

	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), userID)
		if err != nil {
			s.logger.Error("rate limiter failed", zap.Error(err))
			writeMessage(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int((d.RetryAfter+time.Second-1)/time.Second)))
			}
			writeMessage(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	out, err := s.gate.Propose(r.Context(), p, approval.Proposal{
		UserID:   userID,
		ToolName: req.ToolName,
		Args:     req.Args,
		Context:  req.Context,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	code := http.StatusOK
	if out.Status == approval.StatusAwaitingUser || out.Status == approval.StatusQueued {
		code = http.StatusAccepted
	}
	writeJSON(w, code, out)
}

type listDecisionsQuery struct {
	UserID string `validate:"max=128"`
	Status string `validate:"omitempty,oneof=pending approved rejected expired executed"`
	Limit  int    `validate:"gte=0,lte=500"`
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	q := listDecisionsQuery{
		UserID: r.URL.Query().Get("user_id"),
		Status: r.URL.Query().Get("status"),
	}
	var ok bool
	if q.Limit, ok = intParam(w, r, "limit"); !ok {
		return
	}
	if !s.valid(w, q) {
		return
	}
	p := principalFrom(r.Context())
	list, err := s.gate.List(r.Context(), p, targetUser(p, q.UserID), models.DecisionStatus(q.Status), q.Limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": nonNil(list)})
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	pa, err := s.gate.Get(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pa)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	out, err := s.gate.Approve(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		if out.Decision != nil {
			// approved, but the follow-up could not be scheduled
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "decision": out.Decision})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type rejectRequest struct {
	Note string `json:"note" validate:"max=1000"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	pa, err := s.gate.Reject(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pa)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	p := principalFrom(r.Context())
	list, err := s.notify.List(r.Context(), p, targetUser(p, r.URL.Query().Get("user_id")), models.NotificationFilter{
		SessionID:  r.URL.Query().Get("session_id"),
		UnreadOnly: r.URL.Query().Get("unread") == "true",
		Limit:      limit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": nonNil(list)})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.notify.MarkRead(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

type feedbackRequest struct {
	Feedback string `json:"feedback" validate:"required,oneof=useful not_useful"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.notify.Feedback(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"), models.Feedback(req.Feedback))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleListPreferences(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	list, err := s.prefs.List(r.Context(), p, targetUser(p, r.URL.Query().Get("user_id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"preferences": nonNil(list)})
}

type preferenceRequest struct {
	UserID     string `json:"user_id" validate:"max=128"`
	Preference string `json:"preference" validate:"required,oneof=auto requires_approval"`
	Reason     string `json:"reason" validate:"max=500"`
}

func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	var req preferenceRequest
	if !s.decode(w, r, &req) {
		return
	}
	p := principalFrom(r.Context())
	pref, err := s.prefs.Set(r.Context(), p, targetUser(p, req.UserID), chi.URLParam(r, "tool"), models.Preference(req.Preference), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pref)
}

func (s *Server) handleDeletePreference(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	q := r.URL.Query()
	if err := s.prefs.Clear(r.Context(), p, targetUser(p, q.Get("user_id")), chi.URLParam(r, "tool"), q.Get("reason")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTierChanges(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	list, err := s.prefs.TierChanges(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "tool"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": nonNil(list)})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	since, ok := timeParam(w, r, "since")
	if !ok {
		return
	}
	until, ok := timeParam(w, r, "until")
	if !ok {
		return
	}
	p := principalFrom(r.Context())
	list, err := s.audit.ListAudit(r.Context(), p, models.AuditFilter{
		UserID:   targetUser(p, q.Get("user_id")),
		ToolName: q.Get("tool"),
		Since:    since,
		Until:    until,
		Limit:    limit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(list)})
}

type exportRequest struct {
	UserID   string    `json:"user_id" validate:"max=128"`
	ToolName string    `json:"tool_name" validate:"max=128"`
	Since    time.Time `json:"since"`
	Until    time.Time `json:"until"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !s.decode(w, r, &req) {
		return
	}
	p := principalFrom(r.Context())
	userID := targetUser(p, req.UserID)
	if userID == "" {
		writeMessage(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if !p.CanAccess(userID) {
		s.writeError(w, models.ErrForbidden)
		return
	}
	job, err := s.jobs.Enqueue(r.Context(), jobs.EnqueueParams{
		UserID: userID,
		Type:   models.JobAuditExport,
		Input:  export.Request{ToolName: req.ToolName, Since: req.Since, Until: req.Until},
		TTL:    24 * time.Hour,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleExpire expires overdue decisions and closes stalled approvals.
func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	n, err := s.gate.ExpirePending(r.Context())
	stalled, serr := s.gate.AbandonStalled(r.Context())
	if err = errors.Join(err, serr); err != nil {
		s.logger.Warn("expire sweep failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"expired": n, "stalled": stalled, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n, "stalled": stalled})
}

func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	res, err := s.jobs.ReclaimStale(r.Context())
	if err != nil {
		s.logger.Warn("reclaim sweep failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": len(res.Requeued), "failed": len(res.Failed)})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return s.valid(w, v)
}

func (s *Server) valid(w http.ResponseWriter, v any) bool {
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": fields})
			return false
		}
		writeMessage(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var conflict *models.DecisionConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "status": conflict.Status, "expired": conflict.Expired})
	case errors.Is(err, models.ErrNotFound):
		writeMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrConflict):
		writeMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrForbidden):
		writeMessage(w, http.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrInvalid), errors.Is(err, models.ErrNotOverridable):
		writeMessage(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeMessage(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func timeParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, name+" must be RFC3339")
		return time.Time{}, false
	}
	return t, true
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
