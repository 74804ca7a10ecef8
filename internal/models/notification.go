package models

import (
	"fmt"
	"time"
)

type NotificationCategory string

const (
	CategoryHeartbeat      NotificationCategory = "heartbeat"
	CategoryApprovalNeeded NotificationCategory = "approval_needed"
	CategoryAgentResult    NotificationCategory = "agent_result"
	CategoryError          NotificationCategory = "error"
)

func ParseCategory(s string) (NotificationCategory, error) {
	switch c := NotificationCategory(s); c {
	case CategoryHeartbeat, CategoryApprovalNeeded, CategoryAgentResult, CategoryError:
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown category %q", ErrInvalid, s)
}

// DeliveryType decides how far a notification travels: agent_only is never
// persisted, silent is persisted only, notify is persisted and pushed.
type DeliveryType string

const (
	DeliveryAgentOnly DeliveryType = "agent_only"
	DeliverySilent    DeliveryType = "silent"
	DeliveryNotify    DeliveryType = "notify"
)

func ParseDeliveryType(s string) (DeliveryType, error) {
	switch d := DeliveryType(s); d {
	case DeliveryAgentOnly, DeliverySilent, DeliveryNotify:
		return d, nil
	}
	return "", fmt.Errorf("%w: unknown delivery type %q", ErrInvalid, s)
}

func (d DeliveryType) Persisted() bool {
	return d == DeliverySilent || d == DeliveryNotify
}

type Feedback string

const (
	FeedbackUseful    Feedback = "useful"
	FeedbackNotUseful Feedback = "not_useful"
)

func ParseFeedback(s string) (Feedback, error) {
	switch f := Feedback(s); f {
	case FeedbackUseful, FeedbackNotUseful:
		return f, nil
	}
	return "", fmt.Errorf("%w: unknown feedback %q", ErrInvalid, s)
}

// Notification is a user-facing surfaced event.
type Notification struct {
	ID               string               `json:"id"`
	UserID           string               `json:"user_id"`
	Title            string               `json:"title"`
	Body             string               `json:"body"`
	Category         NotificationCategory `json:"category"`
	Type             DeliveryType         `json:"type"`
	Metadata         map[string]any       `json:"metadata,omitempty"`
	RequiresApproval bool                 `json:"requires_approval"`
	PendingActionID  string               `json:"pending_action_id,omitempty"`
	SessionID        string               `json:"session_id,omitempty"`
	Read             bool                 `json:"read"`
	Feedback         Feedback             `json:"feedback,omitempty"`
	FeedbackAt       *time.Time           `json:"feedback_at,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
}

// NotificationView adds the current status of the referenced decision so a
// consumer can treat an approval request as resolved.
type NotificationView struct {
	Notification
	DecisionStatus DecisionStatus `json:"decision_status,omitempty"`
}

// NotificationFilter narrows a user's notification listing.
type NotificationFilter struct {
	SessionID  string
	UnreadOnly bool
	Limit      int
}
