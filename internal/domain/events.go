package domain

import (
	"context"
	"time"
)

// Event names published by the core. Payloads carry the minimal fields a
// remote view needs (entity kind, id, new value).
const (
	EventAvailabilityUpdate   = "availability:update"
	EventProfileStatusChanged = "profileStatusChanged"
	EventContractCreated      = "contract:created"
	EventContractApproved     = "contract:approved"
	EventProgressUpdate       = "progress:update"
	EventProgressFilesUpdate  = "progress:files:update"
	EventContractCompleted    = "contract:completed"
	EventContractCancelled    = "contract:cancelled"
)

// Channel names. Availability and profile-status events go to the broadcast
// channel; contract and progress events go to a per-contract channel.
const (
	ChannelBroadcast      = "events:broadcast"
	channelContractPrefix = "events:contract:"
)

// ContractChannel returns the channel for one contract's events.
func ContractChannel(contractID string) string {
	return channelContractPrefix + contractID
}

// Event is one state-change notification. Delivery is at-most-once and
// best-effort: a failed publish never rolls back the mutation it describes.
type Event struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Channel string         `json:"channel"`
	Payload map[string]any `json:"payload"`
	// DedupeKey suppresses duplicate emission when an idempotent retry
	// replays a mutation that already produced this event.
	DedupeKey string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// Outbox accepts events from state-transition code. Implementations queue
// durably; a separate dispatcher delivers to the pub/sub transport so
// delivery failure is decoupled from business-logic success.
type Outbox interface {
	Enqueue(ctx context.Context, event Event) error
}

// Publisher is the pub/sub transport collaborator contract: fire-and-forget
// delivery of one event to a channel.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}
