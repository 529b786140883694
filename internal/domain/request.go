package domain

import (
	"context"
	"time"
)

// Request is the centralized match-request record. Unlike interest entries
// it is stored once, but acceptance still mutates both party records and a
// mirrored entry in the receiver's embedded request list.
type Request struct {
	ID              string
	SenderUserID    string
	SenderRole      Role
	SenderPartyID   string
	ReceiverUserID  string
	ReceiverRole    Role
	ReceiverPartyID string
	Status          InterestStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ReceiverEntry is the mirrored copy of a request kept in the receiver's own
// record, so the receiver's dashboard reads its inbox without a join.
type ReceiverEntry struct {
	OwnerPartyID string
	RequestID    string
	FromRole     Role
	FromPartyID  string
	Status       InterestStatus
	CreatedAt    time.Time
}

// RequestRepository defines data access for requests and their mirrored
// receiver entries.
type RequestRepository interface {
	Create(ctx context.Context, req *Request) error
	GetByID(ctx context.Context, id string) (*Request, error)
	// UpdateStatus transitions status only when the stored status equals
	// from; otherwise CodeConflict. Requests are immutable after a terminal
	// transition.
	UpdateStatus(ctx context.Context, id string, from, to InterestStatus) error
	ListByReceiverUser(ctx context.Context, userID string) ([]*Request, error)
	// ListPendingInvolving returns pending requests where the party is
	// sender or receiver, for auto-rejecting competitors on accept.
	ListPendingInvolving(ctx context.Context, partyID string) ([]*Request, error)

	AppendReceiverEntry(ctx context.Context, entry *ReceiverEntry) error
	GetReceiverEntry(ctx context.Context, ownerPartyID, requestID string) (*ReceiverEntry, error)
	UpdateReceiverEntryStatus(ctx context.Context, ownerPartyID, requestID string, status InterestStatus) error
	// ListMirrorDiverged returns requests whose receiver entry is missing or
	// disagrees with the central record, for the reconciliation worker.
	ListMirrorDiverged(ctx context.Context) ([]RequestMirror, error)
}

// RequestMirror pairs a central request with its mirrored receiver entry.
// Entry is nil when the mirror row is missing.
type RequestMirror struct {
	Request *Request
	Entry   *ReceiverEntry
}
