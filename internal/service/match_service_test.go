package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agrimatch/backend/internal/domain"
)

type matchFixture struct {
	parties   *memPartyRepo
	requests  *memRequestRepo
	outbox    *memOutbox
	trigger   *fakeTrigger
	registry  *RegistryService
	service   *MatchService
	landowner *domain.Party
	farmer    *domain.Party
}

func newMatchFixture(t *testing.T) *matchFixture {
	t.Helper()
	parties := newMemPartyRepo()
	requests := newMemRequestRepo()
	outbox := newMemOutbox()
	trigger := &fakeTrigger{}
	registry := NewRegistryService(parties, testLogger(), time.Millisecond, 3)
	svc := NewMatchService(requests, parties, registry, outbox, trigger, testLogger())
	return &matchFixture{
		parties:   parties,
		requests:  requests,
		outbox:    outbox,
		trigger:   trigger,
		registry:  registry,
		service:   svc,
		landowner: seedParty(parties, "lo1", domain.RoleLandowner, "lo-user"),
		farmer:    seedParty(parties, "f1", domain.RoleFarmer, "f-user"),
	}
}

func (f *matchFixture) send(t *testing.T) *domain.Request {
	t.Helper()
	req, err := f.service.Send(context.Background(), Actor{UserID: "f-user", Role: domain.RoleFarmer}, domain.RoleLandowner, "lo1")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	return req
}

func TestSendCreatesRequestAndInboxMirror(t *testing.T) {
	f := newMatchFixture(t)
	ctx := context.Background()

	req := f.send(t)
	if req.Status != domain.InterestPending {
		t.Fatalf("new request status = %s", req.Status)
	}
	if req.SenderPartyID != "f1" || req.ReceiverPartyID != "lo1" {
		t.Fatalf("party refs wrong: %+v", req)
	}

	entry, err := f.requests.GetReceiverEntry(ctx, "lo1", req.ID)
	if err != nil {
		t.Fatalf("inbox mirror missing: %v", err)
	}
	if entry.Status != domain.InterestPending || entry.FromPartyID != "f1" {
		t.Fatalf("mirror content wrong: %+v", entry)
	}

	inbox, err := f.service.Incoming(ctx, Actor{UserID: "lo-user", Role: domain.RoleLandowner})
	if err != nil {
		t.Fatalf("Incoming: %v", err)
	}
	if len(inbox) != 1 || inbox[0].ID != req.ID {
		t.Fatalf("receiver inbox wrong: %+v", inbox)
	}
}

func TestSendToUnavailableReceiverFails(t *testing.T) {
	f := newMatchFixture(t)
	f.landowner.IsAvailable = false
	f.landowner.Status = domain.PartyNotAvailable

	_, err := f.service.Send(context.Background(), Actor{UserID: "f-user", Role: domain.RoleFarmer}, domain.RoleLandowner, "lo1")
	if !domain.IsCode(err, domain.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestSendWithRoleMismatchIsNotFound(t *testing.T) {
	f := newMatchFixture(t)
	_, err := f.service.Send(context.Background(), Actor{UserID: "f-user", Role: domain.RoleFarmer}, domain.RoleBuyer, "lo1")
	if !domain.IsCode(err, domain.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestSendSurfacesMirrorWriteFailure(t *testing.T) {
	f := newMatchFixture(t)
	f.requests.failNext("AppendReceiverEntry", errors.New("disk full"))

	req, err := f.service.Send(context.Background(), Actor{UserID: "f-user", Role: domain.RoleFarmer}, domain.RoleLandowner, "lo1")
	if !domain.IsCode(err, domain.CodeMirrorWriteFailed) {
		t.Fatalf("expected mirror_write_failed, got %v", err)
	}
	if req == nil {
		t.Fatalf("central request must still be returned on mirror failure")
	}
	if _, gerr := f.requests.GetByID(context.Background(), req.ID); gerr != nil {
		t.Fatalf("central request must survive mirror failure: %v", gerr)
	}
	if f.trigger.triggered() == 0 {
		t.Fatalf("mirror failure must wake the reconciler")
	}
}

func TestAcceptLocksBothParties(t *testing.T) {
	f := newMatchFixture(t)
	ctx := context.Background()
	req := f.send(t)

	if err := f.service.Accept(ctx, Actor{UserID: "lo-user", Role: domain.RoleLandowner}, req.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	got, _ := f.requests.GetByID(ctx, req.ID)
	if got.Status != domain.InterestAccepted {
		t.Fatalf("request status = %s", got.Status)
	}

	farmer, _ := f.parties.GetByID(ctx, "f1")
	landowner, _ := f.parties.GetByID(ctx, "lo1")
	if farmer.IsAvailable || landowner.IsAvailable {
		t.Fatalf("both parties must leave the pool")
	}
	if farmer.MatchedCounterpartID != "lo1" || landowner.MatchedCounterpartID != "f1" {
		t.Fatalf("match refs not symmetric: farmer=%s landowner=%s",
			farmer.MatchedCounterpartID, landowner.MatchedCounterpartID)
	}

	entry, err := f.requests.GetReceiverEntry(ctx, "lo1", req.ID)
	if err != nil || entry.Status != domain.InterestAccepted {
		t.Fatalf("inbox mirror not accepted: %+v err=%v", entry, err)
	}

	if n := len(f.outbox.byName(domain.EventAvailabilityUpdate)); n != 2 {
		t.Fatalf("expected 2 availability events, got %d", n)
	}
	if n := len(f.outbox.byName(domain.EventProfileStatusChanged)); n != 2 {
		t.Fatalf("expected 2 profile status events, got %d", n)
	}
}

func TestAcceptByNonReceiverForbidden(t *testing.T) {
	f := newMatchFixture(t)
	req := f.send(t)

	err := f.service.Accept(context.Background(), Actor{UserID: "f-user", Role: domain.RoleFarmer}, req.ID)
	if !domain.IsCode(err, domain.CodeForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestAcceptIsIdempotent(t *testing.T) {
	f := newMatchFixture(t)
	ctx := context.Background()
	req := f.send(t)
	actor := Actor{UserID: "lo-user", Role: domain.RoleLandowner}

	if err := f.service.Accept(ctx, actor, req.ID); err != nil {
		t.Fatalf("first Accept: %v", err)
	}
	if err := f.service.Accept(ctx, actor, req.ID); err != nil {
		t.Fatalf("repeat Accept must succeed: %v", err)
	}

	// The retry must not re-emit availability events.
	if n := len(f.outbox.byName(domain.EventAvailabilityUpdate)); n != 2 {
		t.Fatalf("expected 2 availability events after retry, got %d", n)
	}
}

func TestAcceptAutoRejectsCompetingRequests(t *testing.T) {
	f := newMatchFixture(t)
	ctx := context.Background()
	seedParty(f.parties, "f2", domain.RoleFarmer, "f2-user")

	first := f.send(t)
	competitor, err := f.service.Send(ctx, Actor{UserID: "f2-user", Role: domain.RoleFarmer}, domain.RoleLandowner, "lo1")
	if err != nil {
		t.Fatalf("competitor Send: %v", err)
	}

	if err := f.service.Accept(ctx, Actor{UserID: "lo-user", Role: domain.RoleLandowner}, first.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	got, _ := f.requests.GetByID(ctx, competitor.ID)
	if got.Status != domain.InterestRejected {
		t.Fatalf("competing request should be auto-rejected, got %s", got.Status)
	}
	entry, err := f.requests.GetReceiverEntry(ctx, "lo1", competitor.ID)
	if err != nil || entry.Status != domain.InterestRejected {
		t.Fatalf("competitor mirror not rejected: %+v err=%v", entry, err)
	}

	// The losing farmer stays in the pool.
	f2, _ := f.parties.GetByID(ctx, "f2")
	if !f2.IsAvailable {
		t.Fatalf("rejected sender must remain available")
	}
}

func TestAcceptRefusesWhenReceiverNoLongerAvailable(t *testing.T) {
	f := newMatchFixture(t)
	ctx := context.Background()
	req := f.send(t)

	// The receiver got matched elsewhere after the request was sent.
	if _, err := f.registry.Lock(ctx, "lo1", domain.MatchRef{PartyID: "f9", Role: domain.RoleFarmer}); err != nil {
		t.Fatalf("out of band lock: %v", err)
	}

	err := f.service.Accept(ctx, Actor{UserID: "lo-user", Role: domain.RoleLandowner}, req.ID)
	if !domain.IsCode(err, domain.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	farmer, _ := f.parties.GetByID(ctx, "f1")
	if !farmer.IsAvailable {
		t.Fatalf("sender must not be locked when accept refuses upfront")
	}
	got, _ := f.requests.GetByID(ctx, req.ID)
	if got.Status != domain.InterestPending {
		t.Fatalf("refused accept must not change request status, got %s", got.Status)
	}
}

func TestAcceptRecoversHalfLockedPair(t *testing.T) {
	f := newMatchFixture(t)
	ctx := context.Background()
	req := f.send(t)
	actor := Actor{UserID: "lo-user", Role: domain.RoleLandowner}

	// Simulate a crash after the decision and the sender lock: request is
	// accepted, sender locked, receiver still available.
	if err := f.requests.UpdateStatus(ctx, req.ID, domain.InterestPending, domain.InterestAccepted); err != nil {
		t.Fatalf("seed accepted status: %v", err)
	}
	if _, err := f.registry.Lock(ctx, "f1", domain.MatchRef{PartyID: "lo1", Role: domain.RoleLandowner}); err != nil {
		t.Fatalf("seed sender lock: %v", err)
	}

	if err := f.service.Accept(ctx, actor, req.ID); err != nil {
		t.Fatalf("retried Accept must finish the pair: %v", err)
	}

	landowner, _ := f.parties.GetByID(ctx, "lo1")
	if landowner.IsAvailable || landowner.MatchedCounterpartID != "f1" {
		t.Fatalf("receiver not locked after recovery: %+v", landowner)
	}
	entry, err := f.requests.GetReceiverEntry(ctx, "lo1", req.ID)
	if err != nil || entry.Status != domain.InterestAccepted {
		t.Fatalf("mirror not repaired: %+v err=%v", entry, err)
	}
}

func TestAcceptLosesWhenSenderMatchedElsewhere(t *testing.T) {
	f := newMatchFixture(t)
	ctx := context.Background()
	req := f.send(t)
	actor := Actor{UserID: "lo-user", Role: domain.RoleLandowner}

	// The decision was committed, then the sender won a different match
	// before the locks landed.
	if err := f.requests.UpdateStatus(ctx, req.ID, domain.InterestPending, domain.InterestAccepted); err != nil {
		t.Fatalf("seed accepted status: %v", err)
	}
	if _, err := f.registry.Lock(ctx, "f1", domain.MatchRef{PartyID: "lo9", Role: domain.RoleLandowner}); err != nil {
		t.Fatalf("out of band lock: %v", err)
	}

	err := f.service.Accept(ctx, actor, req.ID)
	if !domain.IsCode(err, domain.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	// The lost accept must not dangle: the request closes and the mirror
	// follows, so retries and listings see a settled state.
	got, _ := f.requests.GetByID(ctx, req.ID)
	if got.Status != domain.InterestRejected {
		t.Fatalf("lost accept must close the request, got %s", got.Status)
	}
	entry, err := f.requests.GetReceiverEntry(ctx, "lo1", req.ID)
	if err != nil || entry.Status != domain.InterestRejected {
		t.Fatalf("mirror not closed: %+v err=%v", entry, err)
	}
	landowner, _ := f.parties.GetByID(ctx, "lo1")
	if !landowner.IsAvailable || landowner.MatchedCounterpartID != "" {
		t.Fatalf("receiver must stay in the pool: %+v", landowner)
	}
}

func TestAcceptMirrorFailureWakesReconciler(t *testing.T) {
	f := newMatchFixture(t)
	ctx := context.Background()
	req := f.send(t)
	f.requests.failNext("UpdateReceiverEntryStatus", errors.New("write timeout"))

	err := f.service.Accept(ctx, Actor{UserID: "lo-user", Role: domain.RoleLandowner}, req.ID)
	if !domain.IsCode(err, domain.CodeMirrorWriteFailed) {
		t.Fatalf("expected mirror_write_failed, got %v", err)
	}
	if f.trigger.triggered() == 0 {
		t.Fatalf("mirror failure must wake the reconciler")
	}

	// The decision itself is durable; only the mirror lagged.
	got, _ := f.requests.GetByID(ctx, req.ID)
	if got.Status != domain.InterestAccepted {
		t.Fatalf("central status must stay accepted, got %s", got.Status)
	}
}

func TestRejectLeavesAvailabilityUntouched(t *testing.T) {
	f := newMatchFixture(t)
	ctx := context.Background()
	req := f.send(t)
	actor := Actor{UserID: "lo-user", Role: domain.RoleLandowner}

	if err := f.service.Reject(ctx, actor, req.ID); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	got, _ := f.requests.GetByID(ctx, req.ID)
	if got.Status != domain.InterestRejected {
		t.Fatalf("request status = %s", got.Status)
	}

	farmer, _ := f.parties.GetByID(ctx, "f1")
	landowner, _ := f.parties.GetByID(ctx, "lo1")
	if !farmer.IsAvailable || !landowner.IsAvailable {
		t.Fatalf("reject must not change availability")
	}

	// Idempotent repeat.
	if err := f.service.Reject(ctx, actor, req.ID); err != nil {
		t.Fatalf("repeat Reject: %v", err)
	}
}

func TestAcceptAfterRejectConflicts(t *testing.T) {
	f := newMatchFixture(t)
	ctx := context.Background()
	req := f.send(t)
	actor := Actor{UserID: "lo-user", Role: domain.RoleLandowner}

	if err := f.service.Reject(ctx, actor, req.ID); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	err := f.service.Accept(ctx, actor, req.ID)
	if !domain.IsCode(err, domain.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
