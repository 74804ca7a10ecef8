package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"approval-gate/internal/models"
)

const notificationColumns = `n.id, n.user_id, n.title, n.body, n.category, n.type, n.metadata, n.requires_approval,
	n.pending_action_id, n.session_id, n.read, n.feedback, n.feedback_at, n.created_at`

func scanNotification(row scanner, extra ...any) (models.Notification, error) {
	var (
		n                          models.Notification
		meta                       []byte
		pending, session, feedback pgtype.Text
	)
	dest := []any{&n.ID, &n.UserID, &n.Title, &n.Body, &n.Category, &n.Type, &meta, &n.RequiresApproval,
		&pending, &session, &n.Read, &feedback, &n.FeedbackAt, &n.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return models.Notification{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &n.Metadata); err != nil {
			return models.Notification{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
		if len(n.Metadata) == 0 {
			n.Metadata = nil
		}
	}
	n.PendingActionID = textValue(pending)
	n.SessionID = textValue(session)
	n.Feedback = models.Feedback(textValue(feedback))
	return n, nil
}

// CreateNotification persists n. Agent-only notifications never reach here.
func (s *Store) CreateNotification(ctx context.Context, p models.Principal, n models.Notification) (models.Notification, error) {
	if !p.CanAccess(n.UserID) {
		return models.Notification{}, fmt.Errorf("%w: cannot notify %s", models.ErrForbidden, n.UserID)
	}
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return models.Notification{}, fmt.Errorf("marshal metadata: %w", err)
	}
	if n.Metadata == nil {
		meta = []byte("{}")
	}
	created, err := scanNotification(s.pool.QueryRow(ctx, `
		INSERT INTO notifications AS n (id, user_id, title, body, category, type, metadata, requires_approval,
			pending_action_id, session_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+notificationColumns,
		n.ID, n.UserID, n.Title, n.Body, n.Category, n.Type, meta, n.RequiresApproval,
		emptyToNil(n.PendingActionID), emptyToNil(n.SessionID), n.CreatedAt))
	if err != nil {
		return models.Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return created, nil
}

func (s *Store) GetNotification(ctx context.Context, p models.Principal, id string) (models.Notification, error) {
	svc, uid := userScope(p)
	n, err := scanNotification(s.pool.QueryRow(ctx, `
		SELECT `+notificationColumns+` FROM notifications n
		WHERE n.id = $1 AND ($2 OR n.user_id = $3)
	`, id, svc, uid))
	if err != nil {
		return models.Notification{}, notFound("notification", id, err)
	}
	return n, nil
}

// ListNotifications returns the user's notifications newest first, each with
// the current status of the decision it references.
func (s *Store) ListNotifications(ctx context.Context, p models.Principal, userID string, f models.NotificationFilter) ([]models.NotificationView, error) {
	if !p.CanAccess(userID) {
		return nil, fmt.Errorf("%w: cannot list notifications of %s", models.ErrForbidden, userID)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationColumns+`, COALESCE(pa.status, '')
		FROM notifications n
		LEFT JOIN pending_actions pa ON pa.id = n.pending_action_id
		WHERE n.user_id = $1
		  AND ($2 = '' OR n.session_id = $2)
		  AND (NOT $3 OR NOT n.read)
		ORDER BY n.created_at DESC, n.id
		LIMIT $4
	`, userID, f.SessionID, f.UnreadOnly, clampLimit(f.Limit, 50, 500))
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []models.NotificationView
	for rows.Next() {
		var status models.DecisionStatus
		n, err := scanNotification(rows, &status)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, models.NotificationView{Notification: n, DecisionStatus: status})
	}
	return out, rows.Err()
}

func (s *Store) MarkNotificationRead(ctx context.Context, p models.Principal, id string) (models.Notification, error) {
	svc, uid := userScope(p)
	n, err := scanNotification(s.pool.QueryRow(ctx, `
		UPDATE notifications n SET read = TRUE
		WHERE n.id = $1 AND ($2 OR n.user_id = $3)
		RETURNING `+notificationColumns,
		id, svc, uid))
	if err != nil {
		return models.Notification{}, notFound("notification", id, err)
	}
	return n, nil
}

// SetNotificationFeedback records feedback once. A second attempt returns
// ErrConflict and leaves the first value in place.
func (s *Store) SetNotificationFeedback(ctx context.Context, p models.Principal, id string, fb models.Feedback, now time.Time) (models.Notification, error) {
	svc, uid := userScope(p)
	n, err := scanNotification(s.pool.QueryRow(ctx, `
		UPDATE notifications n SET feedback = $4, feedback_at = $5
		WHERE n.id = $1 AND ($2 OR n.user_id = $3) AND n.feedback IS NULL
		RETURNING `+notificationColumns,
		id, svc, uid, fb, now))
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Notification{}, fmt.Errorf("set feedback: %w", err)
	}
	if _, gerr := s.GetNotification(ctx, p, id); gerr != nil {
		return models.Notification{}, gerr
	}
	return models.Notification{}, fmt.Errorf("notification %s already has feedback: %w", id, models.ErrConflict)
}
