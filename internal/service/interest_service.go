package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agrimatch/backend/internal/domain"
	"github.com/agrimatch/backend/internal/observability/metrics"
)

// InterestService is the legacy per-role interest path: the same logical
// edge is written twice, once into each party's own list, with no central
// record to recover from. Every mutation therefore writes both copies in a
// fixed order (actor's side first) and re-reads the mirror to prove the
// write landed. A diverged mirror is surfaced as CodeMirrorWriteFailed and
// handed to the reconciler, never papered over.
type InterestService struct {
	interests domain.InterestRepository
	parties   domain.PartyRepository
	registry  *RegistryService
	outbox    domain.Outbox
	reconcile ReconcileTrigger
	logger    *slog.Logger
}

// NewInterestService creates a new interest service
func NewInterestService(
	interests domain.InterestRepository,
	parties domain.PartyRepository,
	registry *RegistryService,
	outbox domain.Outbox,
	reconcile ReconcileTrigger,
	logger *slog.Logger,
) *InterestService {
	return &InterestService{
		interests: interests,
		parties:   parties,
		registry:  registry,
		outbox:    outbox,
		reconcile: reconcile,
		logger:    logger,
	}
}

// Express records the actor's interest in a counterpart, appending one
// entry to each party's list.
func (s *InterestService) Express(ctx context.Context, actor Actor, counterpartID string) error {
	owner, err := s.parties.GetByUser(ctx, actor.Role, actor.UserID)
	if err != nil {
		return err
	}

	counterpart, err := s.parties.GetByID(ctx, counterpartID)
	if err != nil {
		return err
	}

	if _, err := s.interests.Get(ctx, owner.ID, counterpartID); err == nil {
		return domain.E(domain.CodePreconditionFailed, "already interested in %s", counterpartID)
	} else if !domain.IsCode(err, domain.CodeNotFound) {
		return err
	}

	ownEntry := &domain.InterestEntry{
		ID:              uuid.NewString(),
		OwnerPartyID:    owner.ID,
		CounterpartID:   counterpart.ID,
		CounterpartRole: counterpart.Role,
		Status:          domain.InterestPending,
	}
	if err := s.interests.Append(ctx, ownEntry); err != nil {
		return err
	}

	mirror := &domain.InterestEntry{
		ID:              uuid.NewString(),
		OwnerPartyID:    counterpart.ID,
		CounterpartID:   owner.ID,
		CounterpartRole: owner.Role,
		Status:          domain.InterestPending,
	}
	if err := s.interests.Append(ctx, mirror); err != nil {
		return s.mirrorFailed(ctx, err, owner.ID, counterpart.ID)
	}

	return s.verifyMirror(ctx, owner.ID, counterpart.ID)
}

// UpdateStatus transitions both copies of the edge between the actor and
// the counterpart. Accepting locks both parties out of the pool, exactly
// like the request protocol.
func (s *InterestService) UpdateStatus(ctx context.Context, actor Actor, counterpartID string, status domain.InterestStatus) error {
	switch status {
	case domain.InterestPending, domain.InterestAccepted, domain.InterestRejected:
	default:
		return domain.E(domain.CodePreconditionFailed, "invalid interest status %q", status)
	}

	owner, err := s.parties.GetByUser(ctx, actor.Role, actor.UserID)
	if err != nil {
		return err
	}

	entry, err := s.interests.Get(ctx, owner.ID, counterpartID)
	if err != nil {
		return err
	}

	counterpart, err := s.parties.GetByID(ctx, counterpartID)
	if err != nil {
		return err
	}

	// Both parties must still be lockable before either copy reads
	// accepted. An accepted copy without the locks behind it is exactly the
	// divergence the reconciler cannot undo.
	if status == domain.InterestAccepted {
		if !lockableTo(counterpart, owner.ID) || !lockableTo(owner, counterpart.ID) {
			return domain.E(domain.CodeUnavailable, "one of the parties is no longer available")
		}
	}

	if entry.Status != status {
		// Fixed order: the actor's own copy first, then the mirror.
		if err := s.interests.UpdateStatus(ctx, owner.ID, counterpartID, status); err != nil {
			return err
		}
		if err := s.interests.UpdateStatus(ctx, counterpartID, owner.ID, status); err != nil {
			return s.mirrorFailed(ctx, err, owner.ID, counterpartID)
		}
	}
	if err := s.verifyMirror(ctx, owner.ID, counterpartID); err != nil {
		return err
	}

	if status == domain.InterestAccepted {
		// Runs on retries too, so a half-completed accept finishes its locks.
		return s.finishAccept(ctx, owner, counterpart)
	}

	return nil
}

// finishAccept locks both parties once the copies read accepted. The
// counterpart goes first: if it was matched away in the window since the
// pre-check, the refusal lands before the actor is locked to a party that
// never reciprocated.
func (s *InterestService) finishAccept(ctx context.Context, owner, counterpart *domain.Party) error {
	dedupe := "interest:" + owner.ID + ":" + counterpart.ID + ":accepted"

	counterpartChanged, err := s.registry.Lock(ctx, counterpart.ID, domain.MatchRef{PartyID: owner.ID, Role: owner.Role})
	if err != nil {
		s.logger.Error("interest accept could not lock counterpart",
			slog.String("owner", owner.ID),
			slog.String("counterpart", counterpart.ID),
			slog.String("error", err.Error()),
		)
		metrics.ObserveMirrorWriteFailure("match")
		s.wakeReconciler()
		return domain.Wrap(domain.CodeMirrorWriteFailed, err, "interest accepted but counterpart lock failed")
	}
	ownerChanged, err := s.registry.Lock(ctx, owner.ID, domain.MatchRef{PartyID: counterpart.ID, Role: counterpart.Role})
	if err != nil {
		s.logger.Error("interest accept left parties half-locked",
			slog.String("owner", owner.ID),
			slog.String("counterpart", counterpart.ID),
			slog.String("error", err.Error()),
		)
		metrics.ObserveMirrorWriteFailure("match")
		s.wakeReconciler()
		return domain.Wrap(domain.CodeMirrorWriteFailed, err, "interest accepted but owner lock failed")
	}

	availabilityEvents(ctx, s.outbox, s.logger, owner, dedupe)
	availabilityEvents(ctx, s.outbox, s.logger, counterpart, dedupe)
	if ownerChanged {
		metrics.AddMatched(1)
	}
	if counterpartChanged {
		metrics.AddMatched(1)
	}
	return nil
}

// lockableTo reports whether the party can be locked to the counterpart:
// still in the pool, or already matched to that same counterpart.
func lockableTo(p *domain.Party, counterpartID string) bool {
	return p.IsAvailable || p.MatchedCounterpartID == counterpartID
}

// ListFor returns the entries embedded in the actor's own record.
func (s *InterestService) ListFor(ctx context.Context, actor Actor) ([]*domain.InterestEntry, error) {
	owner, err := s.parties.GetByUser(ctx, actor.Role, actor.UserID)
	if err != nil {
		return nil, err
	}
	return s.interests.ListByOwner(ctx, owner.ID)
}

// verifyMirror re-reads both copies after a write. Lookups can silently
// miss the mirror (historically: id type mismatches) and leave the two
// sides diverged, so equality is checked explicitly.
func (s *InterestService) verifyMirror(ctx context.Context, ownerID, counterpartID string) error {
	own, err := s.interests.Get(ctx, ownerID, counterpartID)
	if err != nil {
		return s.mirrorFailed(ctx, err, ownerID, counterpartID)
	}
	mirror, err := s.interests.Get(ctx, counterpartID, ownerID)
	if err != nil {
		return s.mirrorFailed(ctx, err, ownerID, counterpartID)
	}
	if own.Status != mirror.Status {
		return s.mirrorFailed(ctx, nil, ownerID, counterpartID)
	}
	return nil
}

func (s *InterestService) mirrorFailed(ctx context.Context, cause error, ownerID, counterpartID string) error {
	s.logger.Error("interest mirror diverged",
		slog.String("owner", ownerID),
		slog.String("counterpart", counterpartID),
	)
	metrics.ObserveMirrorWriteFailure("interest")
	s.wakeReconciler()
	return domain.Wrap(domain.CodeMirrorWriteFailed, cause, "interest mirror %s <-> %s diverged", ownerID, counterpartID)
}

func (s *InterestService) wakeReconciler() {
	if s.reconcile != nil {
		s.reconcile.Trigger()
	}
}
