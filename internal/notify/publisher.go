package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agrimatch/backend/internal/domain"
	"github.com/agrimatch/backend/internal/infrastructure/redis"
	"github.com/agrimatch/backend/internal/reliability/circuitbreaker"
)

// RedisPublisher fans events out over Redis pub/sub channels. A circuit
// breaker keeps a dead Redis from being hammered on every dispatch tick;
// while open, publishes fail fast and the outbox holds the events.
type RedisPublisher struct {
	client  *redis.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewRedisPublisher creates a new redis publisher
func NewRedisPublisher(client *redis.Client, logger *slog.Logger) *RedisPublisher {
	breaker := circuitbreaker.NewCircuitBreaker(5, 2, 30*time.Second)
	breaker.SetStateChangeCallback(func(from, to circuitbreaker.State) {
		logger.Warn("event publisher circuit state changed",
			slog.Int("from", int(from)),
			slog.Int("to", int(to)),
		)
	})

	return &RedisPublisher{
		client:  client,
		breaker: breaker,
		logger:  logger,
	}
}

// wireEvent is the payload shape subscribers receive.
type wireEvent struct {
	ID      string         `json:"id"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	At      time.Time      `json:"at"`
}

// Publish sends one event to its channel.
func (p *RedisPublisher) Publish(ctx context.Context, event domain.Event) error {
	if !p.breaker.AllowRequest() {
		return fmt.Errorf("event publisher circuit open, dropping to outbox")
	}

	body, err := json.Marshal(wireEvent{
		ID:      event.ID,
		Event:   event.Name,
		Payload: event.Payload,
		At:      event.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}

	if err := p.client.Publish(ctx, event.Channel, body); err != nil {
		p.breaker.RecordFailure()
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}

	p.breaker.RecordSuccess()
	return nil
}
