package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agrimatch/backend/internal/domain"
)

// Actor is the identity the auth collaborator attached to the call. The
// core trusts it without re-verifying.
type Actor struct {
	UserID string
	Role   domain.Role
}

// enqueueEvent hands an event to the outbox. Notification failure must not
// affect the mutation that produced it, so errors are logged and dropped.
func enqueueEvent(ctx context.Context, outbox domain.Outbox, logger *slog.Logger, name, channel, dedupe string, payload map[string]any) {
	if outbox == nil {
		return
	}
	event := domain.Event{
		ID:        uuid.NewString(),
		Name:      name,
		Channel:   channel,
		Payload:   payload,
		DedupeKey: dedupe,
		CreatedAt: time.Now(),
	}
	if err := outbox.Enqueue(ctx, event); err != nil {
		logger.Warn("failed to enqueue event",
			slog.String("event", name),
			slog.String("error", err.Error()),
		)
	}
}

// availabilityEvents emits the pair of events that accompany a party
// leaving the pool. dedupePrefix ties the events to the mutation so an
// idempotent retry does not re-emit.
func availabilityEvents(ctx context.Context, outbox domain.Outbox, logger *slog.Logger, party *domain.Party, dedupePrefix string) {
	enqueueEvent(ctx, outbox, logger,
		domain.EventAvailabilityUpdate,
		domain.ChannelBroadcast,
		dedupePrefix+":availability:"+party.ID,
		map[string]any{
			"entity":      string(party.Role),
			"id":          party.ID,
			"isAvailable": false,
		},
	)
	enqueueEvent(ctx, outbox, logger,
		domain.EventProfileStatusChanged,
		domain.ChannelBroadcast,
		dedupePrefix+":status:"+party.ID,
		map[string]any{
			"entity":      string(party.Role),
			"id":          party.ID,
			"status":      domain.PartyNotAvailable,
			"isAvailable": false,
		},
	)
}
