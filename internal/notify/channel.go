package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"approval-gate/internal/models"
)

// Channel delivers a notify-type notification to an external surface.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, n models.Notification) error
}

// LogChannel writes deliveries to the log. It is the channel of last resort
// in development.
type LogChannel struct {
	Logger *zap.Logger
}

func (c LogChannel) Name() string { return "log" }

func (c LogChannel) Deliver(_ context.Context, n models.Notification) error {
	c.Logger.Info("notification delivered",
		zap.String("notification_id", n.ID),
		zap.String("user_id", n.UserID),
		zap.String("category", string(n.Category)),
		zap.String("title", n.Title))
	return nil
}

// RedisChannel publishes deliveries for an external relay (push, chat bot).
type RedisChannel struct {
	client  *redis.Client
	channel string
}

func NewRedisChannel(client *redis.Client, channel string) *RedisChannel {
	return &RedisChannel{client: client, channel: channel}
}

func (c *RedisChannel) Name() string { return "redis:" + c.channel }

type outbound struct {
	ID               string                      `json:"id"`
	UserID           string                      `json:"user_id"`
	Title            string                      `json:"title"`
	Body             string                      `json:"body"`
	Category         models.NotificationCategory `json:"category"`
	RequiresApproval bool                        `json:"requires_approval"`
	PendingActionID  string                      `json:"pending_action_id,omitempty"`
	SessionID        string                      `json:"session_id,omitempty"`
	Metadata         map[string]any              `json:"metadata,omitempty"`
}

func (c *RedisChannel) Deliver(ctx context.Context, n models.Notification) error {
	body, err := json.Marshal(outbound{
		ID:               n.ID,
		UserID:           n.UserID,
		Title:            n.Title,
		Body:             n.Body,
		Category:         n.Category,
		RequiresApproval: n.RequiresApproval,
		PendingActionID:  n.PendingActionID,
		SessionID:        n.SessionID,
		Metadata:         n.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	receivers, err := c.client.Publish(ctx, c.channel, body).Result()
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	if receivers == 0 {
		return fmt.Errorf("no subscriber on %s", c.channel)
	}
	return nil
}

// breakerChannel trips after repeated failures so a dead channel is not
// called for every queued delivery.
type breakerChannel struct {
	Channel
	cb *gobreaker.CircuitBreaker
}

func withBreaker(ch Channel) *breakerChannel {
	return &breakerChannel{
		Channel: ch,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ch.Name(),
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (b *breakerChannel) Deliver(ctx context.Context, n models.Notification) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Channel.Deliver(ctx, n)
	})
	return err
}
