package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const HeartbeatChannel = "workers:heartbeat"

// HeartbeatSubscriber consumes fleet heartbeats from the redis channel and
// applies them to the registry. Subscription failure at startup is fatal:
// without heartbeats the registry would never see a worker and every deploy
// would report no capacity.
type HeartbeatSubscriber struct {
	redis    *redis.Client
	registry *Registry
	log      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHeartbeatSubscriber(redisClient *redis.Client, registry *Registry, log *slog.Logger) *HeartbeatSubscriber {
	if log == nil {
		log = slog.Default()
	}
	return &HeartbeatSubscriber{
		redis:    redisClient,
		registry: registry,
		log:      log.With("component", "heartbeat_subscriber"),
	}
}

func (s *HeartbeatSubscriber) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	pubsub := s.redis.Subscribe(runCtx, HeartbeatChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return fmt.Errorf("subscribe to %s: %w", HeartbeatChannel, err)
	}

	s.wg.Add(1)
	go s.receiveLoop(runCtx, pubsub)

	s.log.Info("listening for worker heartbeats", "channel", HeartbeatChannel)
	return nil
}

func (s *HeartbeatSubscriber) receiveLoop(ctx context.Context, pubsub *redis.PubSub) {
	defer s.wg.Done()
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

			var hb Heartbeat
			if err := json.Unmarshal([]byte(msg.Payload), &hb); err != nil {
				s.log.Error("unmarshal heartbeat", "error", err)
				continue
			}
			if hb.WorkerID == "" {
				s.log.Warn("heartbeat missing worker id, dropped")
				continue
			}

			s.registry.RecordHeartbeat(hb)
		}
	}
}

func (s *HeartbeatSubscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// PublishHeartbeat is the producer half of the fleet channel, used by worker
// processes and by integration tooling.
func PublishHeartbeat(ctx context.Context, redisClient *redis.Client, hb Heartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if err := redisClient.Publish(ctx, HeartbeatChannel, data).Err(); err != nil {
		return fmt.Errorf("publish heartbeat: %w", err)
	}
	return nil
}
