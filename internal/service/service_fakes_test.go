package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agrimatch/backend/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// In-memory repositories for service tests. They reproduce the semantics
// the Postgres implementations promise, including version guards and the
// conditional status transitions, and support fault injection so the
// mirror-failure paths can be exercised.

type memPartyRepo struct {
	mu      sync.Mutex
	byID    map[string]*domain.Party
	failOps map[string]error // method name -> error to inject once
}

func newMemPartyRepo() *memPartyRepo {
	return &memPartyRepo{byID: map[string]*domain.Party{}, failOps: map[string]error{}}
}

func (m *memPartyRepo) failNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOps[op] = err
}

func (m *memPartyRepo) takeFault(op string) error {
	if err, ok := m.failOps[op]; ok {
		delete(m.failOps, op)
		return err
	}
	return nil
}

func (m *memPartyRepo) Create(ctx context.Context, party *domain.Party) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		if p.Role == party.Role && p.UserID == party.UserID {
			return domain.E(domain.CodeConflict, "party exists")
		}
	}
	cp := *party
	if cp.Version == 0 {
		cp.Version = 1
	}
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.byID[cp.ID] = &cp
	party.Version = cp.Version
	return nil
}

func (m *memPartyRepo) GetByID(ctx context.Context, id string) (*domain.Party, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "party %s not found", id)
	}
	cp := *p
	return &cp, nil
}

func (m *memPartyRepo) GetByUser(ctx context.Context, role domain.Role, userID string) (*domain.Party, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		if p.Role == role && p.UserID == userID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.E(domain.CodeNotFound, "no %s profile for user %s", role, userID)
}

func (m *memPartyRepo) ListAvailable(ctx context.Context, role domain.Role) ([]*domain.Party, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Party
	for _, p := range m.byID {
		if p.Role == role && p.IsAvailable {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memPartyRepo) UpdateAvailability(ctx context.Context, id string, version int64, available bool, status string, matchedID string, matchedRole domain.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFault("UpdateAvailability"); err != nil {
		return err
	}
	p, ok := m.byID[id]
	if !ok {
		return domain.E(domain.CodeNotFound, "party %s not found", id)
	}
	if p.Version != version {
		return domain.E(domain.CodeConflict, "party %s changed concurrently", id)
	}
	p.IsAvailable = available
	p.Status = status
	p.MatchedCounterpartID = matchedID
	p.MatchedCounterpartRole = matchedRole
	p.Version++
	p.UpdatedAt = time.Now()
	return nil
}

func (m *memPartyRepo) ListHalfLocked(ctx context.Context) ([]*domain.Party, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Party
	for _, p := range m.byID {
		if p.IsAvailable {
			continue
		}
		c, ok := m.byID[p.MatchedCounterpartID]
		if p.MatchedCounterpartID == "" || !ok || c.MatchedCounterpartID != p.ID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memPartyRepo) CountMatched(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.byID {
		if !p.IsAvailable {
			n++
		}
	}
	return n, nil
}

type memInterestRepo struct {
	mu      sync.Mutex
	entries map[string]*domain.InterestEntry // owner|counterpart
	failOps map[string]error
}

func newMemInterestRepo() *memInterestRepo {
	return &memInterestRepo{entries: map[string]*domain.InterestEntry{}, failOps: map[string]error{}}
}

func interestKey(owner, counterpart string) string { return owner + "|" + counterpart }

func (m *memInterestRepo) failNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOps[op] = err
}

func (m *memInterestRepo) takeFault(op string) error {
	if err, ok := m.failOps[op]; ok {
		delete(m.failOps, op)
		return err
	}
	return nil
}

func (m *memInterestRepo) Append(ctx context.Context, entry *domain.InterestEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFault("Append"); err != nil {
		return err
	}
	key := interestKey(entry.OwnerPartyID, entry.CounterpartID)
	if _, ok := m.entries[key]; ok {
		return domain.E(domain.CodeConflict, "interest exists")
	}
	cp := *entry
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.entries[key] = &cp
	return nil
}

func (m *memInterestRepo) Get(ctx context.Context, owner, counterpart string) (*domain.InterestEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[interestKey(owner, counterpart)]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "interest not found")
	}
	cp := *e
	return &cp, nil
}

func (m *memInterestRepo) UpdateStatus(ctx context.Context, owner, counterpart string, status domain.InterestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFault("UpdateStatus"); err != nil {
		return err
	}
	e, ok := m.entries[interestKey(owner, counterpart)]
	if !ok {
		return domain.E(domain.CodeNotFound, "interest not found")
	}
	e.Status = status
	e.UpdatedAt = time.Now()
	return nil
}

func (m *memInterestRepo) SetContractStatus(ctx context.Context, owner, counterpart, contractID, contractStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFault("SetContractStatus"); err != nil {
		return err
	}
	e, ok := m.entries[interestKey(owner, counterpart)]
	if !ok {
		return domain.E(domain.CodeNotFound, "interest not found")
	}
	e.ContractID = contractID
	e.ContractStatus = contractStatus
	e.UpdatedAt = time.Now()
	return nil
}

func (m *memInterestRepo) ListByOwner(ctx context.Context, owner string) ([]*domain.InterestEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.InterestEntry
	for _, e := range m.entries {
		if e.OwnerPartyID == owner {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CounterpartID < out[j].CounterpartID })
	return out, nil
}

func (m *memInterestRepo) ListDiverged(ctx context.Context) ([]domain.MirrorPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var pairs []domain.MirrorPair
	for _, e := range m.entries {
		a, b := e.OwnerPartyID, e.CounterpartID
		low, high := a, b
		if low > high {
			low, high = high, low
		}
		pairKey := low + "|" + high
		if seen[pairKey] {
			continue
		}
		seen[pairKey] = true

		left := m.entries[interestKey(low, high)]
		right := m.entries[interestKey(high, low)]
		if left == nil {
			left, right = right, nil
		}
		cpL := *left
		pair := domain.MirrorPair{Left: &cpL}
		if right != nil {
			cpR := *right
			pair.Right = &cpR
		}
		if pair.Diverged() {
			pairs = append(pairs, pair)
		}
	}
	return pairs, nil
}

type memRequestRepo struct {
	mu       sync.Mutex
	requests map[string]*domain.Request
	entries  map[string]*domain.ReceiverEntry // owner|requestID
	failOps  map[string]error
}

func newMemRequestRepo() *memRequestRepo {
	return &memRequestRepo{
		requests: map[string]*domain.Request{},
		entries:  map[string]*domain.ReceiverEntry{},
		failOps:  map[string]error{},
	}
}

func (m *memRequestRepo) failNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOps[op] = err
}

func (m *memRequestRepo) takeFault(op string) error {
	if err, ok := m.failOps[op]; ok {
		delete(m.failOps, op)
		return err
	}
	return nil
}

func (m *memRequestRepo) Create(ctx context.Context, req *domain.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.requests[cp.ID] = &cp
	return nil
}

func (m *memRequestRepo) GetByID(ctx context.Context, id string) (*domain.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "request %s not found", id)
	}
	cp := *req
	return &cp, nil
}

func (m *memRequestRepo) UpdateStatus(ctx context.Context, id string, from, to domain.InterestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return domain.E(domain.CodeNotFound, "request %s not found", id)
	}
	if req.Status != from {
		return domain.E(domain.CodeConflict, "request %s is %s, not %s", id, req.Status, from)
	}
	req.Status = to
	req.UpdatedAt = time.Now()
	return nil
}

func (m *memRequestRepo) ListByReceiverUser(ctx context.Context, userID string) ([]*domain.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Request
	for _, req := range m.requests {
		if req.ReceiverUserID == userID {
			cp := *req
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRequestRepo) ListPendingInvolving(ctx context.Context, partyID string) ([]*domain.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Request
	for _, req := range m.requests {
		if req.Status != domain.InterestPending {
			continue
		}
		if req.SenderPartyID == partyID || req.ReceiverPartyID == partyID {
			cp := *req
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRequestRepo) AppendReceiverEntry(ctx context.Context, entry *domain.ReceiverEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFault("AppendReceiverEntry"); err != nil {
		return err
	}
	cp := *entry
	cp.CreatedAt = time.Now()
	m.entries[entry.OwnerPartyID+"|"+entry.RequestID] = &cp
	return nil
}

func (m *memRequestRepo) GetReceiverEntry(ctx context.Context, owner, requestID string) (*domain.ReceiverEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[owner+"|"+requestID]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "receiver entry not found")
	}
	cp := *e
	return &cp, nil
}

func (m *memRequestRepo) UpdateReceiverEntryStatus(ctx context.Context, owner, requestID string, status domain.InterestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFault("UpdateReceiverEntryStatus"); err != nil {
		return err
	}
	e, ok := m.entries[owner+"|"+requestID]
	if !ok {
		return domain.E(domain.CodeNotFound, "receiver entry not found")
	}
	e.Status = status
	return nil
}

func (m *memRequestRepo) ListMirrorDiverged(ctx context.Context) ([]domain.RequestMirror, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RequestMirror
	for _, req := range m.requests {
		entry := m.entries[req.ReceiverPartyID+"|"+req.ID]
		if entry != nil && entry.Status == req.Status {
			continue
		}
		cp := *req
		mirror := domain.RequestMirror{Request: &cp}
		if entry != nil {
			cpE := *entry
			mirror.Entry = &cpE
		}
		out = append(out, mirror)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Request.ID < out[j].Request.ID })
	return out, nil
}

type memContractRepo struct {
	mu        sync.Mutex
	contracts map[string]*domain.Contract
}

func newMemContractRepo() *memContractRepo {
	return &memContractRepo{contracts: map[string]*domain.Contract{}}
}

func copyContract(c *domain.Contract) *domain.Contract {
	cp := *c
	cp.Stages = append([]domain.Stage(nil), c.Stages...)
	for i := range cp.Stages {
		cp.Stages[i].Files = append([]domain.FileRef(nil), cp.Stages[i].Files...)
	}
	return &cp
}

func (m *memContractRepo) Create(ctx context.Context, contract *domain.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contracts[contract.ID] = copyContract(contract)
	return nil
}

func (m *memContractRepo) GetByID(ctx context.Context, id string) (*domain.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[id]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "contract %s not found", id)
	}
	return copyContract(c), nil
}

func (m *memContractRepo) ListByParty(ctx context.Context, partyID string) ([]*domain.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Contract
	for _, c := range m.contracts {
		if c.PartyAID == partyID || c.PartyBID == partyID {
			out = append(out, copyContract(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memContractRepo) FindOpenBetween(ctx context.Context, partyAID, partyBID string) (*domain.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.contracts {
		if c.PartyAID == partyAID && c.PartyBID == partyBID &&
			(c.Status == domain.ContractPending || c.Status == domain.ContractActive) {
			return copyContract(c), nil
		}
	}
	return nil, nil
}

func (m *memContractRepo) SetApproval(ctx context.Context, id string, side domain.PartySide) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[id]
	if !ok {
		return domain.E(domain.CodeNotFound, "contract %s not found", id)
	}
	if side == domain.SideA {
		c.ApprovedByA = true
	} else {
		c.ApprovedByB = true
	}
	c.UpdatedAt = time.Now()
	return nil
}

func (m *memContractRepo) UpdateStatus(ctx context.Context, id string, version int64, status domain.ContractStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[id]
	if !ok {
		return domain.E(domain.CodeNotFound, "contract %s not found", id)
	}
	if c.Version != version {
		return domain.E(domain.CodeConflict, "contract %s changed concurrently", id)
	}
	c.Status = status
	c.Version++
	c.UpdatedAt = time.Now()
	return nil
}

func (m *memContractRepo) UpdateStage(ctx context.Context, contractID string, seq int, status domain.StageStatus, notes string) (*domain.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[contractID]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "contract %s not found", contractID)
	}
	for i := range c.Stages {
		if c.Stages[i].Seq == seq {
			c.Stages[i].Status = status
			c.Stages[i].Notes = notes
			c.Stages[i].UpdatedAt = time.Now()
			cp := c.Stages[i]
			return &cp, nil
		}
	}
	return nil, domain.E(domain.CodeNotFound, "stage %d not found", seq)
}

func (m *memContractRepo) AppendStage(ctx context.Context, stage *domain.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[stage.ContractID]
	if !ok {
		return domain.E(domain.CodeNotFound, "contract %s not found", stage.ContractID)
	}
	if stage.Seq == 0 {
		max := 0
		for _, s := range c.Stages {
			if s.Seq > max {
				max = s.Seq
			}
		}
		stage.Seq = max + 1
	}
	c.Stages = append(c.Stages, *stage)
	return nil
}

func (m *memContractRepo) AppendStageFiles(ctx context.Context, contractID string, seq int, files []domain.FileRef) (*domain.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[contractID]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "contract %s not found", contractID)
	}
	for i := range c.Stages {
		if c.Stages[i].Seq == seq {
			c.Stages[i].Files = append(c.Stages[i].Files, files...)
			c.Stages[i].UpdatedAt = time.Now()
			cp := c.Stages[i]
			return &cp, nil
		}
	}
	return nil, domain.E(domain.CodeNotFound, "stage %d not found", seq)
}

func (m *memContractRepo) RemoveStageFile(ctx context.Context, contractID string, seq int, name string) (*domain.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[contractID]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "contract %s not found", contractID)
	}
	for i := range c.Stages {
		if c.Stages[i].Seq != seq {
			continue
		}
		for j, f := range c.Stages[i].Files {
			if f.Name == name {
				c.Stages[i].Files = append(c.Stages[i].Files[:j], c.Stages[i].Files[j+1:]...)
				c.Stages[i].UpdatedAt = time.Now()
				cp := c.Stages[i]
				return &cp, nil
			}
		}
		return nil, domain.E(domain.CodeNotFound, "stage %d has no file %s", seq, name)
	}
	return nil, domain.E(domain.CodeNotFound, "stage %d not found", seq)
}

type memOutbox struct {
	mu     sync.Mutex
	events []domain.Event
	dedupe map[string]bool
}

func newMemOutbox() *memOutbox {
	return &memOutbox{dedupe: map[string]bool{}}
}

func (m *memOutbox) Enqueue(ctx context.Context, event domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.DedupeKey != "" {
		if m.dedupe[event.DedupeKey] {
			return nil
		}
		m.dedupe[event.DedupeKey] = true
	}
	m.events = append(m.events, event)
	return nil
}

func (m *memOutbox) byName(name string) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type fakeTrigger struct {
	mu    sync.Mutex
	count int
}

func (f *fakeTrigger) Trigger() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
}

func (f *fakeTrigger) triggered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// seedParty inserts an available party and returns it.
func seedParty(repo *memPartyRepo, id string, role domain.Role, userID string) *domain.Party {
	p := &domain.Party{
		ID:          id,
		UserID:      userID,
		Role:        role,
		Name:        fmt.Sprintf("%s-%s", role, userID),
		Status:      domain.PartyAvailable,
		IsAvailable: true,
		Version:     1,
	}
	repo.byID[id] = p
	return p
}
