package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"goldledger/internal/core/domain"

	goredis "github.com/redis/go-redis/v9"
)

// EventPublisher implements ports.Notifier by publishing events on a
// per-user Redis channel.
type EventPublisher struct {
	client *goredis.Client
	prefix string
}

// NewEventPublisher creates a publisher writing to goldledger:events:<user_id>.
func NewEventPublisher(client *goredis.Client) *EventPublisher {
	return &EventPublisher{
		client: client,
		prefix: keyPrefix + "events:",
	}
}

// Channel returns the channel userID's events are published on.
func (p *EventPublisher) Channel(userID string) string {
	return p.prefix + userID
}

// Notify publishes the JSON-encoded event.
func (p *EventPublisher) Notify(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(event.UserID.String()), body).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
