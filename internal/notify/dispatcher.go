// Package notify raises user-facing notifications and pushes the urgent ones
// through external channels.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"approval-gate/internal/jobs"
	"approval-gate/internal/models"
	"approval-gate/internal/telemetry"
)

// Store persists notifications.
type Store interface {
	CreateNotification(ctx context.Context, p models.Principal, n models.Notification) (models.Notification, error)
	GetNotification(ctx context.Context, p models.Principal, id string) (models.Notification, error)
	ListNotifications(ctx context.Context, p models.Principal, userID string, f models.NotificationFilter) ([]models.NotificationView, error)
	MarkNotificationRead(ctx context.Context, p models.Principal, id string) (models.Notification, error)
	SetNotificationFeedback(ctx context.Context, p models.Principal, id string, fb models.Feedback, now time.Time) (models.Notification, error)
}

// Enqueuer schedules the delivery job for notify-type notifications.
type Enqueuer interface {
	Enqueue(ctx context.Context, p jobs.EnqueueParams) (models.Job, error)
}

// DeliveryTTL is how long a queued delivery stays worth attempting.
const DeliveryTTL = time.Hour

// Request is the input to Raise.
type Request struct {
	UserID          string
	Title           string
	Body            string
	Category        models.NotificationCategory
	Type            models.DeliveryType
	Metadata        map[string]any
	PendingActionID string
	SessionID       string
}

type Dispatcher struct {
	store    Store
	queue    Enqueuer
	channels []*breakerChannel
	now      func() time.Time
	logger   *zap.Logger
}

// NewDispatcher wires the store and delivery queue. With a nil queue, notify
// deliveries run inline after the row is stored.
func NewDispatcher(store Store, queue Enqueuer, logger *zap.Logger, channels ...Channel) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{store: store, queue: queue, now: time.Now, logger: logger}
	for _, ch := range channels {
		d.channels = append(d.channels, withBreaker(ch))
	}
	return d
}

// WithClock replaces the time source; used by tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Raise creates a notification. agent_only returns it without persisting;
// silent persists; notify persists and schedules channel delivery. A delivery
// problem never undoes the stored row.
func (d *Dispatcher) Raise(ctx context.Context, p models.Principal, req Request) (models.Notification, error) {
	if req.UserID == "" || req.Title == "" {
		return models.Notification{}, fmt.Errorf("%w: notification needs a user and a title", models.ErrInvalid)
	}
	if _, err := models.ParseCategory(string(req.Category)); err != nil {
		return models.Notification{}, err
	}
	if _, err := models.ParseDeliveryType(string(req.Type)); err != nil {
		return models.Notification{}, err
	}
	if !p.CanAccess(req.UserID) {
		return models.Notification{}, fmt.Errorf("%w: cannot notify %s", models.ErrForbidden, req.UserID)
	}
	n := models.Notification{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		Title:           req.Title,
		Body:            req.Body,
		Category:        req.Category,
		Type:            req.Type,
		Metadata:        req.Metadata,
		PendingActionID: req.PendingActionID,
		SessionID:       req.SessionID,
		CreatedAt:       d.now().UTC(),
	}
	if req.Category == models.CategoryApprovalNeeded {
		if req.PendingActionID == "" {
			return models.Notification{}, fmt.Errorf("%w: approval_needed requires a pending action", models.ErrInvalid)
		}
		n.RequiresApproval = true
	}
	telemetry.NotificationsTotal.WithLabelValues(string(n.Type)).Inc()

	if !n.Type.Persisted() {
		return n, nil
	}
	stored, err := d.store.CreateNotification(ctx, p, n)
	if err != nil {
		return models.Notification{}, fmt.Errorf("store notification: %w", err)
	}
	if stored.Type == models.DeliveryNotify {
		d.schedule(ctx, stored)
	}
	return stored, nil
}

type deliveryInput struct {
	NotificationID string `json:"notification_id"`
}

func (d *Dispatcher) schedule(ctx context.Context, n models.Notification) {
	if d.queue == nil {
		if err := d.Deliver(ctx, n); err != nil {
			d.logger.Warn("notification delivery failed", zap.String("notification_id", n.ID), zap.Error(err))
		}
		return
	}
	_, err := d.queue.Enqueue(ctx, jobs.EnqueueParams{
		UserID:   n.UserID,
		Type:     models.JobNotificationDelivery,
		Input:    deliveryInput{NotificationID: n.ID},
		Priority: priorityFor(n.Category),
		TTL:      DeliveryTTL,
	})
	if err != nil {
		d.logger.Warn("could not queue notification delivery", zap.String("notification_id", n.ID), zap.Error(err))
	}
}

func priorityFor(c models.NotificationCategory) int {
	switch c {
	case models.CategoryApprovalNeeded:
		return 10
	case models.CategoryError:
		return 5
	}
	return 0
}

// Deliver pushes n through every channel. It returns the joined channel
// errors; each failure is also counted and logged.
func (d *Dispatcher) Deliver(ctx context.Context, n models.Notification) error {
	var errs []error
	for _, ch := range d.channels {
		if err := ch.Deliver(ctx, n); err != nil {
			telemetry.ChannelFailures.WithLabelValues(ch.Name()).Inc()
			d.logger.Warn("channel delivery failed",
				zap.String("channel", ch.Name()), zap.String("notification_id", n.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// HandleDelivery is the notification_delivery job handler.
func (d *Dispatcher) HandleDelivery(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var in deliveryInput
	if err := json.Unmarshal(job.Input, &in); err != nil || in.NotificationID == "" {
		return nil, fmt.Errorf("%w: bad delivery input", models.ErrInvalid)
	}
	n, err := d.store.GetNotification(ctx, models.ServicePrincipal("notify-worker"), in.NotificationID)
	if err != nil {
		return nil, err
	}
	if err := d.Deliver(ctx, n); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]int{"channels": len(d.channels)})
}

func (d *Dispatcher) List(ctx context.Context, p models.Principal, userID string, f models.NotificationFilter) ([]models.NotificationView, error) {
	return d.store.ListNotifications(ctx, p, userID, f)
}

func (d *Dispatcher) MarkRead(ctx context.Context, p models.Principal, id string) (models.Notification, error) {
	return d.store.MarkNotificationRead(ctx, p, id)
}

// Feedback records the user's one-time verdict on a notification.
func (d *Dispatcher) Feedback(ctx context.Context, p models.Principal, id string, fb models.Feedback) (models.Notification, error) {
	if _, err := models.ParseFeedback(string(fb)); err != nil {
		return models.Notification{}, err
	}
	return d.store.SetNotificationFeedback(ctx, p, id, fb, d.now().UTC())
}
