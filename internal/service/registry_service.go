package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agrimatch/backend/internal/domain"
	"github.com/agrimatch/backend/pkg/cache"
)

// RegistryService owns party records: idempotent profile bootstrap and the
// availability lock used by the match protocol and contract lifecycle.
// Availability is monotonic in practice: once a party is locked into a match
// it never returns to the pool.
type RegistryService struct {
	parties   domain.PartyRepository
	directory *cache.Cache
	cacheTTL  time.Duration
	retries   int
	logger    *slog.Logger
}

// NewRegistryService creates a new registry service
func NewRegistryService(parties domain.PartyRepository, logger *slog.Logger, cacheTTL time.Duration, retries int) *RegistryService {
	if retries <= 0 {
		retries = 3
	}
	return &RegistryService{
		parties:   parties,
		directory: cache.New(),
		cacheTTL:  cacheTTL,
		retries:   retries,
		logger:    logger,
	}
}

// GetOrCreate returns the party record for (role, userID), creating a
// zero-value one on first access. Idempotent.
func (s *RegistryService) GetOrCreate(ctx context.Context, role domain.Role, userID, name string) (*domain.Party, error) {
	party, err := s.parties.GetByUser(ctx, role, userID)
	if err == nil {
		return party, nil
	}
	if !domain.IsCode(err, domain.CodeNotFound) {
		return nil, err
	}

	party = &domain.Party{
		ID:          uuid.NewString(),
		UserID:      userID,
		Role:        role,
		Name:        name,
		Status:      domain.PartyAvailable,
		IsAvailable: true,
	}
	if err := s.parties.Create(ctx, party); err != nil {
		// A concurrent first access may have won the insert.
		if existing, gerr := s.parties.GetByUser(ctx, role, userID); gerr == nil {
			return existing, nil
		}
		return nil, err
	}

	s.logger.Info("party created",
		slog.String("party_id", party.ID),
		slog.String("role", string(role)),
	)
	return party, nil
}

// Get returns a party by id.
func (s *RegistryService) Get(ctx context.Context, id string) (*domain.Party, error) {
	return s.parties.GetByID(ctx, id)
}

// Directory lists available parties of a role. Results are cached briefly;
// browse traffic vastly outnumbers match writes.
func (s *RegistryService) Directory(ctx context.Context, role domain.Role) ([]*domain.Party, error) {
	key := "directory:" + string(role)
	if cached, ok := s.directory.Get(key); ok {
		return cached.([]*domain.Party), nil
	}

	parties, err := s.parties.ListAvailable(ctx, role)
	if err != nil {
		return nil, err
	}

	s.directory.Set(key, parties, s.cacheTTL)
	return parties, nil
}

// Lock takes a party out of the pool and records its matched counterpart.
// Called only by the match protocol; parties cannot lock themselves.
//
// The write is retried through version conflicts. Locking a party that is
// already matched to the same counterpart is an idempotent success (changed
// is false); matched to anyone else is CodeUnavailable. changed reports
// whether this call performed the transition.
func (s *RegistryService) Lock(ctx context.Context, partyID string, matched domain.MatchRef) (changed bool, err error) {
	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		party, err := s.parties.GetByID(ctx, partyID)
		if err != nil {
			return false, err
		}

		if !party.IsAvailable {
			if party.MatchedCounterpartID == matched.PartyID {
				return false, nil // already locked to this counterpart
			}
			return false, domain.E(domain.CodeUnavailable, "party %s is no longer available", partyID)
		}

		err = s.parties.UpdateAvailability(ctx, partyID, party.Version, false, domain.PartyNotAvailable, matched.PartyID, matched.Role)
		if err == nil {
			s.directory.Invalidate("directory:")
			return true, nil
		}
		if !domain.IsCode(err, domain.CodeConflict) {
			return false, err
		}
		lastErr = err
	}

	return false, fmt.Errorf("lock of party %s did not settle: %w", partyID, lastErr)
}
