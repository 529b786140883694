package domain

import (
	"context"
	"fmt"
	"time"
)

// Role identifies the three participant kinds in the marketplace.
type Role string

const (
	RoleLandowner Role = "landowner"
	RoleFarmer    Role = "farmer"
	RoleBuyer     Role = "buyer"
)

// ParseRole validates a role string coming from a token or request body.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleLandowner, RoleFarmer, RoleBuyer:
		return Role(s), nil
	}
	return "", E(CodeNotFound, "unknown role %q", s)
}

// Party availability status strings as shown to clients.
const (
	PartyAvailable    = "Available"
	PartyNotAvailable = "Not Available"
)

// Party is one role-typed participant. A party is created on first profile
// access and never deleted. Once matched it stays out of the pool; there is
// no un-match path.
type Party struct {
	ID          string
	UserID      string
	Role        Role
	Name        string
	Status      string // PartyAvailable / PartyNotAvailable
	IsAvailable bool
	// Set on match acceptance, together with IsAvailable=false.
	MatchedCounterpartID   string
	MatchedCounterpartRole Role
	// Version guards availability writes. Incremented on every update;
	// conditional writes that lose the race fail with CodeConflict.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InterestStatus is shared by interest entries and requests.
type InterestStatus string

const (
	InterestPending  InterestStatus = "pending"
	InterestAccepted InterestStatus = "accepted"
	InterestRejected InterestStatus = "rejected"
)

// InterestEntry is one side of a mirrored interest relationship. The same
// logical edge is stored twice, once per participant, and the two copies
// must carry the same Status and ContractStatus at all times. Divergence is
// a first-class failure (CodeMirrorWriteFailed) repaired by the reconciler.
type InterestEntry struct {
	ID              string
	OwnerPartyID    string
	CounterpartID   string
	CounterpartRole Role
	Status          InterestStatus
	// Denormalized view of the contract between the two parties, written by
	// the contract lifecycle: "", "pending", "active", "completed".
	ContractStatus string
	ContractID     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MirrorPair holds both copies of one logical interest edge.
type MirrorPair struct {
	Left  *InterestEntry
	Right *InterestEntry
}

// Diverged reports whether the two copies disagree.
func (p MirrorPair) Diverged() bool {
	if p.Left == nil || p.Right == nil {
		return true
	}
	return p.Left.Status != p.Right.Status || p.Left.ContractStatus != p.Right.ContractStatus
}

// PartyRepository defines data access for parties.
type PartyRepository interface {
	Create(ctx context.Context, party *Party) error
	GetByID(ctx context.Context, id string) (*Party, error)
	GetByUser(ctx context.Context, role Role, userID string) (*Party, error)
	ListAvailable(ctx context.Context, role Role) ([]*Party, error)
	// UpdateAvailability writes availability, status and matched refs guarded
	// by the caller-observed version. Returns CodeConflict when the stored
	// version moved, CodeNotFound when the party does not exist.
	UpdateAvailability(ctx context.Context, id string, version int64, available bool, status string, matchedID string, matchedRole Role) error
	// ListHalfLocked returns parties marked unavailable whose matched
	// counterpart is missing or does not point back at them.
	ListHalfLocked(ctx context.Context) ([]*Party, error)
}

// InterestRepository defines data access for mirrored interest entries.
type InterestRepository interface {
	Append(ctx context.Context, entry *InterestEntry) error
	Get(ctx context.Context, ownerPartyID, counterpartID string) (*InterestEntry, error)
	UpdateStatus(ctx context.Context, ownerPartyID, counterpartID string, status InterestStatus) error
	SetContractStatus(ctx context.Context, ownerPartyID, counterpartID, contractID, contractStatus string) error
	ListByOwner(ctx context.Context, ownerPartyID string) ([]*InterestEntry, error)
	// ListDiverged returns every edge whose two copies disagree, for the
	// reconciliation worker.
	ListDiverged(ctx context.Context) ([]MirrorPair, error)
}

// MatchRef is the (id, role) pair a party holds for its matched counterpart.
type MatchRef struct {
	PartyID string
	Role    Role
}

func (r MatchRef) String() string {
	return fmt.Sprintf("%s/%s", r.Role, r.PartyID)
}
