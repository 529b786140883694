package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agrimatch/backend/internal/domain"
	"github.com/agrimatch/backend/internal/observability/metrics"
)

// ReconcileTrigger wakes the reconciliation worker after a suspected
// partial write. Safe to call from any goroutine; never blocks.
type ReconcileTrigger interface {
	Trigger()
}

// MatchService implements the unified send/accept/reject protocol. Accept
// is the only multi-record write in the system: the request, both party
// records and the receiver's mirrored inbox entry all change, in a fixed
// order (request, sender party, receiver party, mirror), so a partially
// completed accept is always recognizable and repairable.
type MatchService struct {
	requests  domain.RequestRepository
	parties   domain.PartyRepository
	registry  *RegistryService
	outbox    domain.Outbox
	reconcile ReconcileTrigger
	logger    *slog.Logger
}

// NewMatchService creates a new match service
func NewMatchService(
	requests domain.RequestRepository,
	parties domain.PartyRepository,
	registry *RegistryService,
	outbox domain.Outbox,
	reconcile ReconcileTrigger,
	logger *slog.Logger,
) *MatchService {
	return &MatchService{
		requests:  requests,
		parties:   parties,
		registry:  registry,
		outbox:    outbox,
		reconcile: reconcile,
		logger:    logger,
	}
}

// Send creates a pending request from the actor to the receiver party and
// mirrors it into the receiver's inbox. Availability is not touched yet.
func (s *MatchService) Send(ctx context.Context, actor Actor, receiverRole domain.Role, receiverPartyID string) (*domain.Request, error) {
	sender, err := s.parties.GetByUser(ctx, actor.Role, actor.UserID)
	if err != nil {
		metrics.ObserveMatchOperation("send", "error")
		return nil, err
	}

	receiver, err := s.parties.GetByID(ctx, receiverPartyID)
	if err != nil {
		metrics.ObserveMatchOperation("send", "not_found")
		return nil, err
	}
	if receiver.Role != receiverRole {
		metrics.ObserveMatchOperation("send", "not_found")
		return nil, domain.E(domain.CodeNotFound, "no %s profile %s", receiverRole, receiverPartyID)
	}
	if !receiver.IsAvailable {
		metrics.ObserveMatchOperation("send", "unavailable")
		return nil, domain.E(domain.CodeUnavailable, "receiver %s is not available", receiverPartyID)
	}

	req := &domain.Request{
		ID:              uuid.NewString(),
		SenderUserID:    actor.UserID,
		SenderRole:      actor.Role,
		SenderPartyID:   sender.ID,
		ReceiverUserID:  receiver.UserID,
		ReceiverRole:    receiver.Role,
		ReceiverPartyID: receiver.ID,
		Status:          domain.InterestPending,
	}
	if err := s.requests.Create(ctx, req); err != nil {
		metrics.ObserveMatchOperation("send", "error")
		return nil, err
	}

	entry := &domain.ReceiverEntry{
		OwnerPartyID: receiver.ID,
		RequestID:    req.ID,
		FromRole:     actor.Role,
		FromPartyID:  sender.ID,
		Status:       domain.InterestPending,
	}
	if err := s.requests.AppendReceiverEntry(ctx, entry); err != nil {
		s.logger.Error("request mirror write failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
		metrics.ObserveMirrorWriteFailure("request")
		s.wakeReconciler()
		return req, domain.Wrap(domain.CodeMirrorWriteFailed, err, "request %s created but inbox mirror write failed", req.ID)
	}

	metrics.ObserveMatchOperation("send", "success")
	return req, nil
}

// Accept transitions a pending request to accepted and locks both parties
// out of the pool. Only the receiver may accept. Retrying a half-completed
// accept is safe: every step tolerates having already happened.
func (s *MatchService) Accept(ctx context.Context, actor Actor, requestID string) error {
	start := time.Now()
	err := s.accept(ctx, actor, requestID)
	switch {
	case err == nil:
		metrics.ObserveAccept("success", time.Since(start))
		metrics.ObserveMatchOperation("accept", "success")
	case domain.IsCode(err, domain.CodeMirrorWriteFailed):
		metrics.ObserveAccept("mirror_failed", time.Since(start))
		metrics.ObserveMatchOperation("accept", "mirror_failed")
	default:
		metrics.ObserveAccept(string(domain.CodeOf(err)), time.Since(start))
		metrics.ObserveMatchOperation("accept", string(domain.CodeOf(err)))
	}
	return err
}

func (s *MatchService) accept(ctx context.Context, actor Actor, requestID string) error {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.ReceiverUserID != actor.UserID {
		return domain.E(domain.CodeForbidden, "only the receiver may accept request %s", requestID)
	}

	switch req.Status {
	case domain.InterestAccepted:
		// Idempotent retry of a completed or half-completed accept: finish
		// whatever is missing instead of double-toggling.
		return s.finishAccept(ctx, req)
	case domain.InterestRejected:
		return domain.E(domain.CodeConflict, "request %s was already rejected", requestID)
	}

	sender, err := s.parties.GetByID(ctx, req.SenderPartyID)
	if err != nil {
		return err
	}
	receiver, err := s.parties.GetByID(ctx, req.ReceiverPartyID)
	if err != nil {
		return err
	}

	// Availability may have flipped since the request was sent.
	if !sender.IsAvailable || !receiver.IsAvailable {
		return domain.E(domain.CodeUnavailable, "one of the parties is no longer available")
	}

	// Commit the decision first; the remaining writes are recoverable from
	// the accepted request record.
	if err := s.requests.UpdateStatus(ctx, req.ID, domain.InterestPending, domain.InterestAccepted); err != nil {
		return err
	}
	req.Status = domain.InterestAccepted

	return s.finishAccept(ctx, req)
}

// finishAccept performs (or re-performs) the side effects of an accepted
// request: locking both parties in sender-then-receiver order, mirroring
// the status into the receiver's inbox, auto-rejecting competitors and
// emitting events. Every step is idempotent.
func (s *MatchService) finishAccept(ctx context.Context, req *domain.Request) error {
	dedupe := "request:" + req.ID + ":accepted"

	senderChanged, err := s.registry.Lock(ctx, req.SenderPartyID, domain.MatchRef{PartyID: req.ReceiverPartyID, Role: req.ReceiverRole})
	if err != nil {
		if domain.IsCode(err, domain.CodeUnavailable) {
			// The sender was matched away between the availability check and
			// the status commit. This accept lost; close the request so it
			// cannot dangle accepted with no locks behind it.
			return s.loseAccept(ctx, req, err)
		}
		s.logger.Error("accept could not lock sender",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
		metrics.ObserveMirrorWriteFailure("match")
		s.wakeReconciler()
		return domain.Wrap(domain.CodeMirrorWriteFailed, err, "request %s accepted but sender lock failed", req.ID)
	}
	receiverChanged, err := s.registry.Lock(ctx, req.ReceiverPartyID, domain.MatchRef{PartyID: req.SenderPartyID, Role: req.SenderRole})
	if err != nil {
		// The sender is locked but the receiver write failed: a partial
		// accept. Surface it and let the reconciler finish the pair.
		s.logger.Error("accept left parties half-locked",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
		metrics.ObserveMirrorWriteFailure("match")
		s.wakeReconciler()
		return domain.Wrap(domain.CodeMirrorWriteFailed, err, "request %s accepted but receiver lock failed", req.ID)
	}

	sender := &domain.Party{ID: req.SenderPartyID, Role: req.SenderRole}
	receiver := &domain.Party{ID: req.ReceiverPartyID, Role: req.ReceiverRole}
	availabilityEvents(ctx, s.outbox, s.logger, sender, dedupe)
	availabilityEvents(ctx, s.outbox, s.logger, receiver, dedupe)
	if senderChanged {
		metrics.AddMatched(1)
	}
	if receiverChanged {
		metrics.AddMatched(1)
	}

	s.rejectCompetitors(ctx, req)

	if err := s.updateReceiverMirror(ctx, req.ReceiverPartyID, req.ID, domain.InterestAccepted); err != nil {
		return err
	}

	return nil
}

// loseAccept rolls an accepted request whose sender lock was refused back to
// rejected. Left accepted it would dangle forever: retries refuse the same
// lock, and the winning accept's competitor sweep only closes pending
// requests.
func (s *MatchService) loseAccept(ctx context.Context, req *domain.Request, cause error) error {
	if err := s.requests.UpdateStatus(ctx, req.ID, domain.InterestAccepted, domain.InterestRejected); err != nil {
		s.logger.Error("failed to close lost accept",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
		metrics.ObserveMirrorWriteFailure("request")
		s.wakeReconciler()
		return domain.Wrap(domain.CodeMirrorWriteFailed, err, "request %s lost its accept but could not be closed", req.ID)
	}
	if err := s.updateReceiverMirror(ctx, req.ReceiverPartyID, req.ID, domain.InterestRejected); err != nil {
		return err
	}
	s.logger.Info("closed lost accept",
		slog.String("request_id", req.ID),
		slog.String("sender_party_id", req.SenderPartyID),
	)
	return cause
}

// rejectCompetitors closes every other pending request involving either
// newly matched party. Their status would otherwise dangle until someone
// tried to accept them and hit the availability check.
func (s *MatchService) rejectCompetitors(ctx context.Context, accepted *domain.Request) {
	for _, partyID := range []string{accepted.SenderPartyID, accepted.ReceiverPartyID} {
		pending, err := s.requests.ListPendingInvolving(ctx, partyID)
		if err != nil {
			s.logger.Warn("failed to list competing requests",
				slog.String("party_id", partyID),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, other := range pending {
			if other.ID == accepted.ID {
				continue
			}
			if err := s.requests.UpdateStatus(ctx, other.ID, domain.InterestPending, domain.InterestRejected); err != nil {
				if !domain.IsCode(err, domain.CodeConflict) {
					s.logger.Warn("failed to auto-reject competing request",
						slog.String("request_id", other.ID),
						slog.String("error", err.Error()),
					)
				}
				continue
			}
			if err := s.updateReceiverMirror(ctx, other.ReceiverPartyID, other.ID, domain.InterestRejected); err != nil {
				s.logger.Warn("failed to mirror auto-reject",
					slog.String("request_id", other.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Reject transitions a pending request to rejected. Only the receiver may
// reject; availability is untouched.
func (s *MatchService) Reject(ctx context.Context, actor Actor, requestID string) error {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		metrics.ObserveMatchOperation("reject", "not_found")
		return err
	}
	if req.ReceiverUserID != actor.UserID {
		metrics.ObserveMatchOperation("reject", "forbidden")
		return domain.E(domain.CodeForbidden, "only the receiver may reject request %s", requestID)
	}

	if req.Status == domain.InterestRejected {
		// Idempotent; make sure the mirror agrees.
		return s.updateReceiverMirror(ctx, req.ReceiverPartyID, req.ID, domain.InterestRejected)
	}

	if err := s.requests.UpdateStatus(ctx, req.ID, domain.InterestPending, domain.InterestRejected); err != nil {
		metrics.ObserveMatchOperation("reject", string(domain.CodeOf(err)))
		return err
	}

	if err := s.updateReceiverMirror(ctx, req.ReceiverPartyID, req.ID, domain.InterestRejected); err != nil {
		metrics.ObserveMatchOperation("reject", "mirror_failed")
		return err
	}

	metrics.ObserveMatchOperation("reject", "success")
	return nil
}

// updateReceiverMirror writes the mirrored inbox entry and verifies the
// write landed. A silently missing mirror is the classic divergence mode,
// so the read-back is not optional.
func (s *MatchService) updateReceiverMirror(ctx context.Context, ownerPartyID, requestID string, status domain.InterestStatus) error {
	err := s.requests.UpdateReceiverEntryStatus(ctx, ownerPartyID, requestID, status)
	if err == nil {
		entry, verr := s.requests.GetReceiverEntry(ctx, ownerPartyID, requestID)
		if verr == nil && entry.Status == status {
			return nil
		}
		err = verr
	}

	s.logger.Error("request mirror diverged",
		slog.String("request_id", requestID),
		slog.String("owner_party_id", ownerPartyID),
	)
	metrics.ObserveMirrorWriteFailure("request")
	s.wakeReconciler()
	return domain.Wrap(domain.CodeMirrorWriteFailed, err, "inbox mirror for request %s diverged", requestID)
}

// Incoming returns the actor's request inbox, newest first.
func (s *MatchService) Incoming(ctx context.Context, actor Actor) ([]*domain.Request, error) {
	return s.requests.ListByReceiverUser(ctx, actor.UserID)
}

func (s *MatchService) wakeReconciler() {
	if s.reconcile != nil {
		s.reconcile.Trigger()
	}
}
