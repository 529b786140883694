package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/agrimatch/backend/internal/domain"
	"github.com/agrimatch/backend/internal/security"
	"github.com/agrimatch/backend/internal/security/auth"
	"github.com/agrimatch/backend/internal/security/middleware"
	"github.com/agrimatch/backend/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Map-backed repositories, enough to drive the HTTP surface end to end.

type stubPartyRepo struct {
	byID map[string]*domain.Party
}

func newStubPartyRepo() *stubPartyRepo { return &stubPartyRepo{byID: map[string]*domain.Party{}} }

func (s *stubPartyRepo) add(id string, role domain.Role, userID string) *domain.Party {
	p := &domain.Party{
		ID: id, UserID: userID, Role: role, Name: userID,
		Status: domain.PartyAvailable, IsAvailable: true, Version: 1,
	}
	s.byID[id] = p
	return p
}

func (s *stubPartyRepo) Create(ctx context.Context, party *domain.Party) error {
	cp := *party
	if cp.Version == 0 {
		cp.Version = 1
	}
	s.byID[cp.ID] = &cp
	return nil
}

func (s *stubPartyRepo) GetByID(ctx context.Context, id string) (*domain.Party, error) {
	if p, ok := s.byID[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, domain.E(domain.CodeNotFound, "party %s not found", id)
}

func (s *stubPartyRepo) GetByUser(ctx context.Context, role domain.Role, userID string) (*domain.Party, error) {
	for _, p := range s.byID {
		if p.Role == role && p.UserID == userID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.E(domain.CodeNotFound, "no %s profile for %s", role, userID)
}

func (s *stubPartyRepo) ListAvailable(ctx context.Context, role domain.Role) ([]*domain.Party, error) {
	var out []*domain.Party
	for _, p := range s.byID {
		if p.Role == role && p.IsAvailable {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *stubPartyRepo) UpdateAvailability(ctx context.Context, id string, version int64, available bool, status string, matchedID string, matchedRole domain.Role) error {
	p, ok := s.byID[id]
	if !ok {
		return domain.E(domain.CodeNotFound, "party %s not found", id)
	}
	if p.Version != version {
		return domain.E(domain.CodeConflict, "version moved")
	}
	p.IsAvailable = available
	p.Status = status
	p.MatchedCounterpartID = matchedID
	p.MatchedCounterpartRole = matchedRole
	p.Version++
	return nil
}

func (s *stubPartyRepo) ListHalfLocked(ctx context.Context) ([]*domain.Party, error) {
	return nil, nil
}

type stubInterestRepo struct {
	entries map[string]*domain.InterestEntry
}

func newStubInterestRepo() *stubInterestRepo {
	return &stubInterestRepo{entries: map[string]*domain.InterestEntry{}}
}

func (s *stubInterestRepo) key(owner, cp string) string { return owner + "|" + cp }

func (s *stubInterestRepo) Append(ctx context.Context, e *domain.InterestEntry) error {
	k := s.key(e.OwnerPartyID, e.CounterpartID)
	if _, ok := s.entries[k]; ok {
		return domain.E(domain.CodeConflict, "exists")
	}
	cp := *e
	s.entries[k] = &cp
	return nil
}

func (s *stubInterestRepo) Get(ctx context.Context, owner, counterpart string) (*domain.InterestEntry, error) {
	if e, ok := s.entries[s.key(owner, counterpart)]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, domain.E(domain.CodeNotFound, "interest not found")
}

func (s *stubInterestRepo) UpdateStatus(ctx context.Context, owner, counterpart string, status domain.InterestStatus) error {
	e, ok := s.entries[s.key(owner, counterpart)]
	if !ok {
		return domain.E(domain.CodeNotFound, "interest not found")
	}
	e.Status = status
	return nil
}

func (s *stubInterestRepo) SetContractStatus(ctx context.Context, owner, counterpart, contractID, contractStatus string) error {
	e, ok := s.entries[s.key(owner, counterpart)]
	if !ok {
		return domain.E(domain.CodeNotFound, "interest not found")
	}
	e.ContractID = contractID
	e.ContractStatus = contractStatus
	return nil
}

func (s *stubInterestRepo) ListByOwner(ctx context.Context, owner string) ([]*domain.InterestEntry, error) {
	var out []*domain.InterestEntry
	for _, e := range s.entries {
		if e.OwnerPartyID == owner {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CounterpartID < out[j].CounterpartID })
	return out, nil
}

func (s *stubInterestRepo) ListDiverged(ctx context.Context) ([]domain.MirrorPair, error) {
	return nil, nil
}

type stubRequestRepo struct {
	requests map[string]*domain.Request
	entries  map[string]*domain.ReceiverEntry
}

func newStubRequestRepo() *stubRequestRepo {
	return &stubRequestRepo{requests: map[string]*domain.Request{}, entries: map[string]*domain.ReceiverEntry{}}
}

func (s *stubRequestRepo) Create(ctx context.Context, req *domain.Request) error {
	cp := *req
	s.requests[cp.ID] = &cp
	return nil
}

func (s *stubRequestRepo) GetByID(ctx context.Context, id string) (*domain.Request, error) {
	if r, ok := s.requests[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, domain.E(domain.CodeNotFound, "request %s not found", id)
}

func (s *stubRequestRepo) UpdateStatus(ctx context.Context, id string, from, to domain.InterestStatus) error {
	r, ok := s.requests[id]
	if !ok {
		return domain.E(domain.CodeNotFound, "request %s not found", id)
	}
	if r.Status != from {
		return domain.E(domain.CodeConflict, "request is %s", r.Status)
	}
	r.Status = to
	return nil
}

func (s *stubRequestRepo) ListByReceiverUser(ctx context.Context, userID string) ([]*domain.Request, error) {
	var out []*domain.Request
	for _, r := range s.requests {
		if r.ReceiverUserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *stubRequestRepo) ListPendingInvolving(ctx context.Context, partyID string) ([]*domain.Request, error) {
	var out []*domain.Request
	for _, r := range s.requests {
		if r.Status == domain.InterestPending && (r.SenderPartyID == partyID || r.ReceiverPartyID == partyID) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubRequestRepo) AppendReceiverEntry(ctx context.Context, e *domain.ReceiverEntry) error {
	cp := *e
	s.entries[e.OwnerPartyID+"|"+e.RequestID] = &cp
	return nil
}

func (s *stubRequestRepo) GetReceiverEntry(ctx context.Context, owner, requestID string) (*domain.ReceiverEntry, error) {
	if e, ok := s.entries[owner+"|"+requestID]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, domain.E(domain.CodeNotFound, "entry not found")
}

func (s *stubRequestRepo) UpdateReceiverEntryStatus(ctx context.Context, owner, requestID string, status domain.InterestStatus) error {
	e, ok := s.entries[owner+"|"+requestID]
	if !ok {
		return domain.E(domain.CodeNotFound, "entry not found")
	}
	e.Status = status
	return nil
}

func (s *stubRequestRepo) ListMirrorDiverged(ctx context.Context) ([]domain.RequestMirror, error) {
	return nil, nil
}

type stubContractRepo struct {
	contracts map[string]*domain.Contract
}

func newStubContractRepo() *stubContractRepo {
	return &stubContractRepo{contracts: map[string]*domain.Contract{}}
}

func cloneContract(c *domain.Contract) *domain.Contract {
	cp := *c
	cp.Stages = append([]domain.Stage(nil), c.Stages...)
	return &cp
}

func (s *stubContractRepo) Create(ctx context.Context, c *domain.Contract) error {
	s.contracts[c.ID] = cloneContract(c)
	return nil
}

func (s *stubContractRepo) GetByID(ctx context.Context, id string) (*domain.Contract, error) {
	if c, ok := s.contracts[id]; ok {
		return cloneContract(c), nil
	}
	return nil, domain.E(domain.CodeNotFound, "contract %s not found", id)
}

func (s *stubContractRepo) ListByParty(ctx context.Context, partyID string) ([]*domain.Contract, error) {
	var out []*domain.Contract
	for _, c := range s.contracts {
		if c.PartyAID == partyID || c.PartyBID == partyID {
			out = append(out, cloneContract(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *stubContractRepo) FindOpenBetween(ctx context.Context, a, b string) (*domain.Contract, error) {
	for _, c := range s.contracts {
		if c.PartyAID == a && c.PartyBID == b && (c.Status == domain.ContractPending || c.Status == domain.ContractActive) {
			return cloneContract(c), nil
		}
	}
	return nil, nil
}

func (s *stubContractRepo) SetApproval(ctx context.Context, id string, side domain.PartySide) error {
	c, ok := s.contracts[id]
	if !ok {
		return domain.E(domain.CodeNotFound, "contract %s not found", id)
	}
	if side == domain.SideA {
		c.ApprovedByA = true
	} else {
		c.ApprovedByB = true
	}
	return nil
}

func (s *stubContractRepo) UpdateStatus(ctx context.Context, id string, version int64, status domain.ContractStatus) error {
	c, ok := s.contracts[id]
	if !ok {
		return domain.E(domain.CodeNotFound, "contract %s not found", id)
	}
	if c.Version != version {
		return domain.E(domain.CodeConflict, "version moved")
	}
	c.Status = status
	c.Version++
	return nil
}

func (s *stubContractRepo) UpdateStage(ctx context.Context, contractID string, seq int, status domain.StageStatus, notes string) (*domain.Stage, error) {
	c, ok := s.contracts[contractID]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "contract %s not found", contractID)
	}
	for i := range c.Stages {
		if c.Stages[i].Seq == seq {
			c.Stages[i].Status = status
			c.Stages[i].Notes = notes
			cp := c.Stages[i]
			return &cp, nil
		}
	}
	return nil, domain.E(domain.CodeNotFound, "stage %d not found", seq)
}

func (s *stubContractRepo) AppendStage(ctx context.Context, stage *domain.Stage) error {
	c, ok := s.contracts[stage.ContractID]
	if !ok {
		return domain.E(domain.CodeNotFound, "contract %s not found", stage.ContractID)
	}
	if stage.Seq == 0 {
		stage.Seq = len(c.Stages) + 1
	}
	c.Stages = append(c.Stages, *stage)
	return nil
}

func (s *stubContractRepo) AppendStageFiles(ctx context.Context, contractID string, seq int, files []domain.FileRef) (*domain.Stage, error) {
	c, ok := s.contracts[contractID]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "contract %s not found", contractID)
	}
	for i := range c.Stages {
		if c.Stages[i].Seq == seq {
			c.Stages[i].Files = append(c.Stages[i].Files, files...)
			cp := c.Stages[i]
			return &cp, nil
		}
	}
	return nil, domain.E(domain.CodeNotFound, "stage %d not found", seq)
}

func (s *stubContractRepo) RemoveStageFile(ctx context.Context, contractID string, seq int, name string) (*domain.Stage, error) {
	c, ok := s.contracts[contractID]
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
				cp := c.Stages[i]
				return &cp, nil
			}
		}
		return nil, domain.E(domain.CodeNotFound, "stage %d has no file %s", seq, name)
	}
	return nil, domain.E(domain.CodeNotFound, "stage %d not found", seq)
}

type stubOutbox struct{ events []domain.Event }

func (s *stubOutbox) Enqueue(ctx context.Context, event domain.Event) error {
	s.events = append(s.events, event)
	return nil
}

// apiFixture wires the full HTTP surface over the stub repositories.
type apiFixture struct {
	mux       *http.ServeMux
	parties   *stubPartyRepo
	interests *stubInterestRepo
	requests  *stubRequestRepo
	contracts *stubContractRepo
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	log := testLogger()
	parties := newStubPartyRepo()
	interests := newStubInterestRepo()
	requests := newStubRequestRepo()
	contracts := newStubContractRepo()
	outbox := &stubOutbox{}

	registry := service.NewRegistryService(parties, log, time.Millisecond, 3)
	matches := service.NewMatchService(requests, parties, registry, outbox, nil, log)
	interestsSvc := service.NewInterestService(interests, parties, registry, outbox, nil, log)
	contractsSvc := service.NewContractService(contracts, parties, interests, outbox, nil, log, true, 10)
	authz := security.NewAuthorizationService(log)

	mux := http.NewServeMux()
	mux.Handle("GET /api/profile", NewProfileHandler(registry, log))
	mux.Handle("GET /api/directory/{role}", NewDirectoryHandler(registry, log))

	requestHandler := NewRequestHandler(matches, log)
	mux.HandleFunc("POST /api/requests", requestHandler.Send)
	mux.HandleFunc("GET /api/requests", requestHandler.Incoming)
	mux.HandleFunc("POST /api/requests/{id}/accept", requestHandler.Accept)
	mux.HandleFunc("POST /api/requests/{id}/reject", requestHandler.Reject)

	interestHandler := NewInterestHandler(interestsSvc, log)
	mux.HandleFunc("POST /api/interests", interestHandler.Express)
	mux.HandleFunc("GET /api/interests", interestHandler.List)
	mux.HandleFunc("PUT /api/interests/{counterpartId}", interestHandler.UpdateStatus)

	contractHandler := NewContractHandler(contractsSvc, authz, log)
	mux.HandleFunc("POST /api/contracts", contractHandler.Create)
	mux.HandleFunc("GET /api/contracts", contractHandler.List)
	mux.HandleFunc("GET /api/contracts/stats", contractHandler.Stats)
	mux.HandleFunc("GET /api/contracts/{id}", contractHandler.Get)
	mux.HandleFunc("POST /api/contracts/{id}/approve", contractHandler.Approve)
	mux.HandleFunc("POST /api/contracts/{id}/complete", contractHandler.Complete)
	mux.HandleFunc("POST /api/contracts/{id}/cancel", contractHandler.Cancel)
	mux.HandleFunc("POST /api/contracts/{id}/stages", contractHandler.AppendStage)
	mux.HandleFunc("PUT /api/contracts/{id}/stages/{seq}", contractHandler.UpdateStage)
	mux.HandleFunc("POST /api/contracts/{id}/stages/{seq}/files", contractHandler.AttachStageFiles)
	mux.HandleFunc("DELETE /api/contracts/{id}/stages/{seq}/files/{name}", contractHandler.RemoveStageFile)

	return &apiFixture{mux: mux, parties: parties, interests: interests, requests: requests, contracts: contracts}
}

// call performs a request as the given identity, mirroring what the JWT
// middleware would place in the context.
func (f *apiFixture) call(t *testing.T, userID, role, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		claims := &auth.Claims{UserID: userID, Role: role, Name: userID}
		req = req.WithContext(context.WithValue(req.Context(), middleware.ClaimsContextKey{}, claims))
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return out
}
