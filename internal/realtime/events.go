// Package realtime carries session lifecycle events between processes (Redis
// pub/sub) and fans them out to ops dashboard WebSocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-academy/backend/internal/models"
)

const (
	eventsChannel = "sessions:events"
	publishTTL    = 5 * time.Second
)

// Event types carried on the bus. Transition events use the state name;
// control events coordinate the engine with the HTTP edge.
const (
	EventSessionCreated = "session.created"
	EventStateChanged   = "session.state_changed"
)

// Event is one message on the session event bus.
type Event struct {
	Type        string              `json:"type"`
	SessionID   uuid.UUID           `json:"session_id"`
	State       models.SessionState `json:"state,omitempty"`
	ScheduledAt *time.Time          `json:"scheduled_at,omitempty"`
	At          int64               `json:"at"`
}

// Bus publishes and subscribes session events over a single Redis channel.
type Bus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewBus creates a Redis-backed session event bus.
func NewBus(client *redis.Client, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{client: client, logger: logger}
}

// Publish sends an event to the bus. Best-effort: delivery is bounded by a
// short timeout and the caller only logs failures.
func (b *Bus) Publish(ev Event) error {
	if ev.At == 0 {
		ev.At = time.Now().Unix()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTTL)
	defer cancel()
	return b.client.Publish(ctx, eventsChannel, body).Err()
}

// Subscribe starts consuming bus events and calls handler for each.
// Returns a cancel function to stop the subscription.
func (b *Bus) Subscribe(handler func(Event)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, eventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("invalid bus event", zap.Error(err))
					continue
				}
				handler(ev)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}
