package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agrimatch/backend/internal/domain"
	"github.com/agrimatch/backend/internal/observability/metrics"
)

// ReconcileService repairs the invariants the mirrored writes can break:
// interest edges whose two copies disagree, requests whose inbox mirror is
// missing or stale, and parties stuck half-locked. Repairs always roll the
// lagging copy forward to the more advanced state, never backward; an
// acceptance that reached either copy is an acceptance.
type ReconcileService struct {
	parties   domain.PartyRepository
	interests domain.InterestRepository
	requests  domain.RequestRepository
	logger    *slog.Logger
}

// NewReconcileService creates a new reconcile service
func NewReconcileService(
	parties domain.PartyRepository,
	interests domain.InterestRepository,
	requests domain.RequestRepository,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		parties:   parties,
		interests: interests,
		requests:  requests,
		logger:    logger,
	}
}

// interestRank orders statuses by progress through the protocol.
func interestRank(s domain.InterestStatus) int {
	switch s {
	case domain.InterestRejected:
		return 1
	case domain.InterestAccepted:
		return 2
	}
	return 0
}

// contractRank orders the denormalized contract statuses.
func contractRank(s string) int {
	switch s {
	case "pending":
		return 1
	case "active":
		return 2
	case "completed":
		return 3
	case "cancelled":
		return 3
	}
	return 0
}

// RunOnce performs a single reconciliation sweep and returns the number of
// repairs applied.
func (s *ReconcileService) RunOnce(ctx context.Context) (int, error) {
	repaired := 0

	n, err := s.repairInterestMirrors(ctx)
	repaired += n
	if err != nil {
		return repaired, err
	}

	n, err = s.repairRequestMirrors(ctx)
	repaired += n
	if err != nil {
		return repaired, err
	}

	n, err = s.repairHalfLockedParties(ctx)
	repaired += n
	if err != nil {
		return repaired, err
	}

	return repaired, nil
}

func (s *ReconcileService) repairInterestMirrors(ctx context.Context) (int, error) {
	pairs, err := s.interests.ListDiverged(ctx)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, pair := range pairs {
		if !pair.Diverged() {
			continue
		}

		if pair.Right == nil {
			// The mirror row never landed. Recreate it from the surviving
			// copy; the owner's role is read from the party record.
			owner, err := s.parties.GetByID(ctx, pair.Left.OwnerPartyID)
			if err != nil {
				s.observeInterest("failed", pair.Left, err)
				continue
			}
			mirror := &domain.InterestEntry{
				ID:              uuid.NewString(),
				OwnerPartyID:    pair.Left.CounterpartID,
				CounterpartID:   pair.Left.OwnerPartyID,
				CounterpartRole: owner.Role,
				Status:          pair.Left.Status,
				ContractStatus:  pair.Left.ContractStatus,
				ContractID:      pair.Left.ContractID,
			}
			if err := s.interests.Append(ctx, mirror); err != nil {
				s.observeInterest("failed", pair.Left, err)
				continue
			}
			s.observeInterest("repaired", pair.Left, nil)
			repaired++
			continue
		}

		ahead, behind := pair.Left, pair.Right
		if interestRank(behind.Status) > interestRank(ahead.Status) {
			ahead, behind = behind, ahead
		}
		if behind.Status != ahead.Status {
			if err := s.interests.UpdateStatus(ctx, behind.OwnerPartyID, behind.CounterpartID, ahead.Status); err != nil {
				s.observeInterest("failed", behind, err)
				continue
			}
			repaired++
		}

		cAhead, cBehind := pair.Left, pair.Right
		if contractRank(cBehind.ContractStatus) > contractRank(cAhead.ContractStatus) {
			cAhead, cBehind = cBehind, cAhead
		}
		if cBehind.ContractStatus != cAhead.ContractStatus {
			if err := s.interests.SetContractStatus(ctx, cBehind.OwnerPartyID, cBehind.CounterpartID, cAhead.ContractID, cAhead.ContractStatus); err != nil {
				s.observeInterest("failed", cBehind, err)
				continue
			}
			repaired++
		}
		s.observeInterest("repaired", pair.Left, nil)
	}

	return repaired, nil
}

func (s *ReconcileService) observeInterest(result string, entry *domain.InterestEntry, err error) {
	metrics.ObserveReconcileRepair("interest", result)
	if err != nil {
		s.logger.Error("interest mirror repair failed",
			slog.String("owner", entry.OwnerPartyID),
			slog.String("counterpart", entry.CounterpartID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("interest mirror repaired",
		slog.String("owner", entry.OwnerPartyID),
		slog.String("counterpart", entry.CounterpartID),
	)
}

func (s *ReconcileService) repairRequestMirrors(ctx context.Context) (int, error) {
	mirrors, err := s.requests.ListMirrorDiverged(ctx)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, m := range mirrors {
		req := m.Request
		// The central record is the source of truth for requests.
		if m.Entry == nil {
			entry := &domain.ReceiverEntry{
				OwnerPartyID: req.ReceiverPartyID,
				RequestID:    req.ID,
				FromRole:     req.SenderRole,
				FromPartyID:  req.SenderPartyID,
				Status:       req.Status,
				CreatedAt:    req.CreatedAt,
			}
			if err := s.requests.AppendReceiverEntry(ctx, entry); err != nil {
				metrics.ObserveReconcileRepair("request", "failed")
				s.logger.Error("request mirror repair failed",
					slog.String("request_id", req.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
		} else if err := s.requests.UpdateReceiverEntryStatus(ctx, req.ReceiverPartyID, req.ID, req.Status); err != nil {
			metrics.ObserveReconcileRepair("request", "failed")
			s.logger.Error("request mirror repair failed",
				slog.String("request_id", req.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		metrics.ObserveReconcileRepair("request", "repaired")
		s.logger.Info("request mirror repaired", slog.String("request_id", req.ID))
		repaired++
	}

	return repaired, nil
}

// repairHalfLockedParties fixes parties stuck out of the pool. A party
// locked with no matched counterpart is returned to the pool; a party
// whose counterpart never got locked has the counterpart locked to finish
// the acceptance.
func (s *ReconcileService) repairHalfLockedParties(ctx context.Context) (int, error) {
	parties, err := s.parties.ListHalfLocked(ctx)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, p := range parties {
		if p.MatchedCounterpartID == "" {
			err := s.parties.UpdateAvailability(ctx, p.ID, p.Version, true, domain.PartyAvailable, "", "")
			if err != nil {
				metrics.ObserveReconcileRepair("party", "failed")
				s.logger.Error("party unlock repair failed",
					slog.String("party_id", p.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			metrics.ObserveReconcileRepair("party", "repaired")
			s.logger.Info("released half-locked party", slog.String("party_id", p.ID))
			repaired++
			continue
		}

		counterpart, err := s.parties.GetByID(ctx, p.MatchedCounterpartID)
		if err != nil {
			metrics.ObserveReconcileRepair("party", "failed")
			s.logger.Error("party match repair failed",
				slog.String("party_id", p.ID),
				slog.String("counterpart", p.MatchedCounterpartID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if counterpart.MatchedCounterpartID == p.ID {
			continue
		}
		if counterpart.MatchedCounterpartID != "" {
			// Counterpart is locked to someone else. That needs a human;
			// rolling either side forward would clobber a real match.
			metrics.ObserveReconcileRepair("party", "skipped")
			s.logger.Warn("conflicting match refs, skipping",
				slog.String("party_id", p.ID),
				slog.String("counterpart", counterpart.ID),
				slog.String("counterpart_matched_to", counterpart.MatchedCounterpartID),
			)
			continue
		}

		err = s.parties.UpdateAvailability(ctx, counterpart.ID, counterpart.Version, false, domain.PartyNotAvailable, p.ID, p.Role)
		if err != nil {
			metrics.ObserveReconcileRepair("party", "failed")
			s.logger.Error("party match repair failed",
				slog.String("party_id", counterpart.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		metrics.ObserveReconcileRepair("party", "repaired")
		metrics.AddMatched(1)
		s.logger.Info("completed half-finished match",
			slog.String("party_id", p.ID),
			slog.String("counterpart", counterpart.ID),
		)
		repaired++
	}

	return repaired, nil
}
