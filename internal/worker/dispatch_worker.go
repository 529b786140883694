package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/agrimatch/backend/internal/domain"
	"github.com/agrimatch/backend/internal/observability/metrics"
	"github.com/agrimatch/backend/internal/reliability/retry"
)

// OutboxSource is the read side of the outbox the dispatcher drains.
type OutboxSource interface {
	NextBatch(ctx context.Context, limit int) ([]domain.Event, error)
	MarkPublished(ctx context.Context, id string) error
}

// DispatchWorker drains the outbox into the publisher. Events are picked up
// in insertion order; a publish failure stops the batch so ordering per
// channel is preserved and the remainder is retried next tick. Delivery is
// at-least-once from the outbox's point of view, at-most-once for
// subscribers, which is why every event carries a dedupe key.
type DispatchWorker struct {
	outbox    OutboxSource
	publisher domain.Publisher
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	retryCfg  *retry.Config
}

// NewDispatchWorker creates a new dispatch worker
func NewDispatchWorker(
	outbox OutboxSource,
	publisher domain.Publisher,
	logger *slog.Logger,
	interval time.Duration,
) *DispatchWorker {
	return &DispatchWorker{
		outbox:    outbox,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		batchSize: 100,
		retryCfg: &retry.Config{
			MaxAttempts:       3,
			InitialBackoff:    50 * time.Millisecond,
			MaxBackoff:        time.Second,
			BackoffMultiplier: 2.0,
		},
	}
}

// Start begins the dispatch loop
func (w *DispatchWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("dispatch worker started", slog.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("dispatch worker stopped")
			return
		case <-ticker.C:
			w.dispatchPending(ctx)
		}
	}
}

func (w *DispatchWorker) dispatchPending(ctx context.Context) {
	events, err := w.outbox.NextBatch(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("failed to read outbox", slog.String("error", err.Error()))
		return
	}
	if len(events) == 0 {
		return
	}

	published := 0
	for _, event := range events {
		_, err := retry.Do(ctx, w.retryCfg, w.logger, "publish "+event.Name, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, w.publisher.Publish(ctx, event)
		})
		if err != nil {
			metrics.ObserveEventPublish(event.Name, "failed")
			w.logger.Error("failed to publish event, batch deferred",
				slog.String("event_id", event.ID),
				slog.String("event", event.Name),
				slog.String("error", err.Error()),
			)
			break
		}

		if err := w.outbox.MarkPublished(ctx, event.ID); err != nil {
			// The event went out but stays in the outbox; subscribers will
			// see it again and must dedupe.
			w.logger.Error("failed to mark event published",
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()),
			)
			break
		}

		metrics.ObserveEventPublish(event.Name, "published")
		published++
	}

	if published > 0 {
		w.logger.Debug("dispatched events", slog.Int("count", published))
	}
}
