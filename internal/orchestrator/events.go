package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const eventChannel = "sessions:events"

type EventType string

const (
	EventDeployed   EventType = "session.deployed"
	EventStopped    EventType = "session.stopped"
	EventError      EventType = "session.error"
	EventUnhealthy  EventType = "session.unhealthy"
	EventWorkerLost EventType = "session.worker_lost"
)

// BusEvent is the lifecycle notification fanned out over redis so other
// instances and edge gateways can react to sessions they do not host.
type BusEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	RoomName  string    `json:"room_name,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus publishes lifecycle events over redis pub/sub. A nil redis client
// turns publishing into a logged no-op, which keeps single-node setups and
// tests free of infrastructure.
type Bus struct {
	redis *redis.Client
	log   *slog.Logger
}

func NewBus(redisClient *redis.Client, log *slog.Logger) *Bus {
	return &Bus{
		redis: redisClient,
		log:   log.With("component", "event_bus"),
	}
}

func (b *Bus) Publish(ctx context.Context, evt BusEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	if b.redis == nil {
		b.log.Debug("event bus disabled, dropping event", "type", evt.Type, "session_id", evt.SessionID)
		return
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		b.log.Error("failed to marshal bus event", "type", evt.Type, "error", err)
		return
	}

	if err := b.redis.Publish(ctx, eventChannel, payload).Err(); err != nil {
		b.log.Error("failed to publish bus event", "type", evt.Type, "error", err)
	}
}

// Subscribe delivers bus events until the context is cancelled. Malformed
// payloads are logged and skipped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan BusEvent, error) {
	pubsub := b.redis.Subscribe(ctx, eventChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan BusEvent, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt BusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					b.log.Warn("discarding malformed bus event", "error", err)
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
