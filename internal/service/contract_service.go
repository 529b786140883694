package service

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agrimatch/backend/internal/domain"
	"github.com/agrimatch/backend/internal/observability/metrics"
)

// ContractService drives the contract lifecycle: creation against a signed
// document, dual approval into Active, and stage-by-stage progress
// tracking. The contract row is the source of truth; the status is also
// denormalized into both parties' interest mirrors so the legacy listing
// path stays readable without a join.
type ContractService struct {
	contracts domain.ContractRepository
	parties   domain.PartyRepository
	interests domain.InterestRepository
	outbox    domain.Outbox
	reconcile ReconcileTrigger
	logger    *slog.Logger

	strictStageOrder bool
	maxStageFiles    int
}

// NewContractService creates a new contract service
func NewContractService(
	contracts domain.ContractRepository,
	parties domain.PartyRepository,
	interests domain.InterestRepository,
	outbox domain.Outbox,
	reconcile ReconcileTrigger,
	logger *slog.Logger,
	strictStageOrder bool,
	maxStageFiles int,
) *ContractService {
	return &ContractService{
		contracts:        contracts,
		parties:          parties,
		interests:        interests,
		outbox:           outbox,
		reconcile:        reconcile,
		logger:           logger,
		strictStageOrder: strictStageOrder,
		maxStageFiles:    maxStageFiles,
	}
}

// CreateContractInput carries everything needed to open a contract with a
// counterpart. The signed document must already be uploaded; its reference
// is required.
type CreateContractInput struct {
	Kind              domain.ContractKind
	CounterpartID     string
	Title             string
	Description       string
	Terms             domain.Terms
	SignedDocumentRef string
}

// Create opens a Pending contract between the actor and the counterpart.
// Both parties must exist, hold the right roles for the kind, and have a
// mutually accepted relationship. At most one open contract may exist per
// pair.
func (s *ContractService) Create(ctx context.Context, actor Actor, input CreateContractInput) (*domain.Contract, error) {
	if strings.TrimSpace(input.SignedDocumentRef) == "" {
		return nil, domain.E(domain.CodeMissingDocument, "signed document reference is required")
	}

	farmerRole, otherRole, err := rolesFor(input.Kind)
	if err != nil {
		return nil, err
	}
	if actor.Role != farmerRole && actor.Role != otherRole {
		return nil, domain.E(domain.CodeForbidden, "role %s cannot open a %s contract", actor.Role, input.Kind)
	}

	self, err := s.parties.GetByUser(ctx, actor.Role, actor.UserID)
	if err != nil {
		return nil, err
	}
	counterpart, err := s.parties.GetByID(ctx, input.CounterpartID)
	if err != nil {
		return nil, err
	}

	wantCounterpartRole := otherRole
	if actor.Role == otherRole {
		wantCounterpartRole = farmerRole
	}
	if counterpart.Role != wantCounterpartRole {
		return nil, domain.E(domain.CodeNotFound, "no %s with id %s", wantCounterpartRole, input.CounterpartID)
	}

	ok, err := s.mutuallyAccepted(ctx, self, counterpart)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.E(domain.CodePreconditionFailed, "parties %s and %s have no accepted relationship", self.ID, counterpart.ID)
	}

	farmer, other := self, counterpart
	if self.Role != farmerRole {
		farmer, other = counterpart, self
	}

	if existing, err := s.contracts.FindOpenBetween(ctx, farmer.ID, other.ID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, domain.E(domain.CodePreconditionFailed, "open contract %s already exists between these parties", existing.ID)
	}

	now := time.Now()
	contract := &domain.Contract{
		ID:                uuid.NewString(),
		Kind:              input.Kind,
		Title:             input.Title,
		Description:       input.Description,
		PartyAID:          farmer.ID,
		PartyARole:        farmer.Role,
		PartyBID:          other.ID,
		PartyBRole:        other.Role,
		Terms:             input.Terms,
		SignedDocumentRef: input.SignedDocumentRef,
		Status:            domain.ContractPending,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if input.Kind == domain.KindCrop {
		for i, title := range domain.CropStageTitles {
			contract.Stages = append(contract.Stages, domain.Stage{
				ID:         uuid.NewString(),
				ContractID: contract.ID,
				Seq:        i + 1,
				Name:       title,
				Status:     domain.StagePending,
				UpdatedAt:  now,
			})
		}
	}

	if err := s.contracts.Create(ctx, contract); err != nil {
		return nil, err
	}
	metrics.ObserveContractTransition(string(contract.Kind), string(domain.ContractPending))

	s.propagateStatus(ctx, contract)

	enqueueEvent(ctx, s.outbox, s.logger,
		domain.EventContractCreated,
		domain.ChannelBroadcast,
		"contract:"+contract.ID+":created",
		map[string]any{
			"contractId": contract.ID,
			"kind":       string(contract.Kind),
			"partyA":     contract.PartyAID,
			"partyB":     contract.PartyBID,
			"status":     string(contract.Status),
		},
	)

	return contract, nil
}

// Approve records the actor's approval. Once both sides approved the
// contract transitions to Active. Approving twice is a no-op.
func (s *ContractService) Approve(ctx context.Context, actor Actor, contractID string) (*domain.Contract, error) {
	contract, _, side, err := s.loadForParticipant(ctx, actor, contractID)
	if err != nil {
		return nil, err
	}

	if contract.Status != domain.ContractPending && contract.Status != domain.ContractActive {
		return nil, domain.E(domain.CodePreconditionFailed, "contract %s is %s and cannot be approved", contractID, contract.Status)
	}

	already := (side == domain.SideA && contract.ApprovedByA) || (side == domain.SideB && contract.ApprovedByB)
	if !already {
		if err := s.contracts.SetApproval(ctx, contractID, side); err != nil {
			return nil, err
		}
	}

	contract, err = s.contracts.GetByID(ctx, contractID)
	if err != nil {
		return nil, err
	}

	if contract.Status == domain.ContractPending && contract.BothApproved() {
		err := s.contracts.UpdateStatus(ctx, contractID, contract.Version, domain.ContractActive)
		if domain.IsCode(err, domain.CodeConflict) {
			// Lost the race; the other side's approval call activated it.
			contract, err = s.contracts.GetByID(ctx, contractID)
			if err != nil {
				return nil, err
			}
			if contract.Status != domain.ContractActive {
				return nil, domain.E(domain.CodeConflict, "contract %s changed concurrently", contractID)
			}
			return contract, nil
		}
		if err != nil {
			return nil, err
		}

		contract.Status = domain.ContractActive
		contract.Version++
		metrics.ObserveContractTransition(string(contract.Kind), string(domain.ContractActive))
		s.propagateStatus(ctx, contract)

		enqueueEvent(ctx, s.outbox, s.logger,
			domain.EventContractApproved,
			domain.ContractChannel(contract.ID),
			"contract:"+contract.ID+":approved",
			map[string]any{
				"contractId": contract.ID,
				"status":     string(contract.Status),
			},
		)
	}

	return contract, nil
}

// UpdateStage sets the status and notes of one progress stage. Only Active
// contracts accept progress. On crop contracts only the farmer reports; on
// land contracts either party may.
func (s *ContractService) UpdateStage(ctx context.Context, actor Actor, contractID string, seq int, status domain.StageStatus, notes string) (*domain.Stage, error) {
	contract, self, _, err := s.loadForParticipant(ctx, actor, contractID)
	if err != nil {
		return nil, err
	}
	if err := s.stageWriteAllowed(contract, self); err != nil {
		return nil, err
	}

	switch status {
	case domain.StagePending, domain.StageInProgress, domain.StageCompleted:
	default:
		return nil, domain.E(domain.CodePreconditionFailed, "invalid stage status %q", status)
	}

	stage := contract.StageBySeq(seq)
	if stage == nil {
		return nil, domain.E(domain.CodeNotFound, "contract %s has no stage %d", contractID, seq)
	}

	if s.strictStageOrder && contract.Kind == domain.KindCrop && status != domain.StagePending {
		for i := range contract.Stages {
			prev := &contract.Stages[i]
			if prev.Seq < seq && prev.Status != domain.StageCompleted {
				return nil, domain.E(domain.CodePreconditionFailed, "stage %d (%s) is not completed yet", prev.Seq, prev.Name)
			}
		}
	}

	if stage.Status == status && stage.Notes == notes {
		// Identical retry, nothing to write and nothing to re-announce.
		return stage, nil
	}

	updated, err := s.contracts.UpdateStage(ctx, contractID, seq, status, notes)
	if err != nil {
		return nil, err
	}

	enqueueEvent(ctx, s.outbox, s.logger,
		domain.EventProgressUpdate,
		domain.ContractChannel(contractID),
		"contract:"+contractID+":stage:"+strconv.Itoa(seq)+":"+string(status),
		map[string]any{
			"contractId": contractID,
			"seq":        seq,
			"name":       updated.Name,
			"status":     string(updated.Status),
			"notes":      updated.Notes,
		},
	)

	return updated, nil
}

// AttachStageFiles appends file references to a stage's evidence list.
func (s *ContractService) AttachStageFiles(ctx context.Context, actor Actor, contractID string, seq int, files []domain.FileRef) (*domain.Stage, error) {
	contract, self, _, err := s.loadForParticipant(ctx, actor, contractID)
	if err != nil {
		return nil, err
	}
	if err := s.stageWriteAllowed(contract, self); err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, domain.E(domain.CodePreconditionFailed, "no files provided")
	}

	stage := contract.StageBySeq(seq)
	if stage == nil {
		return nil, domain.E(domain.CodeNotFound, "contract %s has no stage %d", contractID, seq)
	}
	if s.maxStageFiles > 0 && len(stage.Files)+len(files) > s.maxStageFiles {
		return nil, domain.E(domain.CodePreconditionFailed, "stage %d would exceed the limit of %d files", seq, s.maxStageFiles)
	}

	now := time.Now()
	for i := range files {
		if files[i].UploadedAt.IsZero() {
			files[i].UploadedAt = now
		}
	}

	updated, err := s.contracts.AppendStageFiles(ctx, contractID, seq, files)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	enqueueEvent(ctx, s.outbox, s.logger,
		domain.EventProgressFilesUpdate,
		domain.ContractChannel(contractID),
		"",
		map[string]any{
			"contractId": contractID,
			"seq":        seq,
			"files":      names,
		},
	)

	return updated, nil
}

// RemoveStageFile detaches one file reference from a stage's evidence list.
// Same gating as other progress writes; the stored file itself belongs to
// the file store collaborator and is not touched here.
func (s *ContractService) RemoveStageFile(ctx context.Context, actor Actor, contractID string, seq int, name string) (*domain.Stage, error) {
	contract, self, _, err := s.loadForParticipant(ctx, actor, contractID)
	if err != nil {
		return nil, err
	}
	if err := s.stageWriteAllowed(contract, self); err != nil {
		return nil, err
	}

	updated, err := s.contracts.RemoveStageFile(ctx, contractID, seq, name)
	if err != nil {
		return nil, err
	}

	enqueueEvent(ctx, s.outbox, s.logger,
		domain.EventProgressFilesUpdate,
		domain.ContractChannel(contractID),
		"",
		map[string]any{
			"contractId": contractID,
			"seq":        seq,
			"removed":    name,
		},
	)

	return updated, nil
}

// AppendLandStage adds a progress entry to a land contract. The name must
// come from the land phase vocabulary; entries are not strictly ordered.
func (s *ContractService) AppendLandStage(ctx context.Context, actor Actor, contractID, name, notes string) (*domain.Stage, error) {
	contract, self, _, err := s.loadForParticipant(ctx, actor, contractID)
	if err != nil {
		return nil, err
	}
	if contract.Kind != domain.KindLand {
		return nil, domain.E(domain.CodePreconditionFailed, "contract %s is not a land contract", contractID)
	}
	if err := s.stageWriteAllowed(contract, self); err != nil {
		return nil, err
	}
	if !domain.ValidLandPhase(name) {
		return nil, domain.E(domain.CodePreconditionFailed, "unknown land phase %q", name)
	}

	stage := &domain.Stage{
		ID:         uuid.NewString(),
		ContractID: contractID,
		Name:       name,
		Status:     domain.StageInProgress,
		Notes:      notes,
		UpdatedAt:  time.Now(),
	}
	if err := s.contracts.AppendStage(ctx, stage); err != nil {
		return nil, err
	}

	enqueueEvent(ctx, s.outbox, s.logger,
		domain.EventProgressUpdate,
		domain.ContractChannel(contractID),
		"",
		map[string]any{
			"contractId": contractID,
			"seq":        stage.Seq,
			"name":       stage.Name,
			"status":     string(stage.Status),
			"notes":      stage.Notes,
		},
	)

	return stage, nil
}

// Complete moves an Active contract to Completed. The parties stay matched;
// completion does not return anyone to the pool.
func (s *ContractService) Complete(ctx context.Context, actor Actor, contractID string) (*domain.Contract, error) {
	return s.close(ctx, actor, contractID, domain.ContractCompleted)
}

// Cancel abandons a Pending or Active contract. Like completion, the match
// between the parties survives.
func (s *ContractService) Cancel(ctx context.Context, actor Actor, contractID string) (*domain.Contract, error) {
	return s.close(ctx, actor, contractID, domain.ContractCancelled)
}

func (s *ContractService) close(ctx context.Context, actor Actor, contractID string, target domain.ContractStatus) (*domain.Contract, error) {
	contract, _, _, err := s.loadForParticipant(ctx, actor, contractID)
	if err != nil {
		return nil, err
	}

	if contract.Status == target {
		return contract, nil
	}
	switch target {
	case domain.ContractCompleted:
		if contract.Status != domain.ContractActive {
			return nil, domain.E(domain.CodeNotActive, "contract %s is %s, only Active contracts can be completed", contractID, contract.Status)
		}
	case domain.ContractCancelled:
		if contract.Status != domain.ContractPending && contract.Status != domain.ContractActive {
			return nil, domain.E(domain.CodePreconditionFailed, "contract %s is already %s", contractID, contract.Status)
		}
	}

	if err := s.contracts.UpdateStatus(ctx, contractID, contract.Version, target); err != nil {
		return nil, err
	}
	contract.Status = target
	contract.Version++
	metrics.ObserveContractTransition(string(contract.Kind), string(target))
	s.propagateStatus(ctx, contract)

	event := domain.EventContractCompleted
	if target == domain.ContractCancelled {
		event = domain.EventContractCancelled
	}
	enqueueEvent(ctx, s.outbox, s.logger,
		event,
		domain.ContractChannel(contract.ID),
		"contract:"+contract.ID+":"+strings.ToLower(string(target)),
		map[string]any{
			"contractId": contract.ID,
			"status":     string(target),
		},
	)

	return contract, nil
}

// Get returns a contract visible to the actor.
func (s *ContractService) Get(ctx context.Context, actor Actor, contractID string) (*domain.Contract, error) {
	contract, _, _, err := s.loadForParticipant(ctx, actor, contractID)
	return contract, err
}

// ListFor returns the contracts the actor participates in.
func (s *ContractService) ListFor(ctx context.Context, actor Actor) ([]*domain.Contract, error) {
	self, err := s.parties.GetByUser(ctx, actor.Role, actor.UserID)
	if err != nil {
		return nil, err
	}
	return s.contracts.ListByParty(ctx, self.ID)
}

// ContractStats summarizes the actor's contracts by lifecycle state.
type ContractStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
}

// Stats aggregates the actor's contracts.
func (s *ContractService) Stats(ctx context.Context, actor Actor) (*ContractStats, error) {
	contracts, err := s.ListFor(ctx, actor)
	if err != nil {
		return nil, err
	}
	stats := &ContractStats{Total: len(contracts)}
	for _, c := range contracts {
		switch c.Status {
		case domain.ContractPending:
			stats.Pending++
		case domain.ContractActive:
			stats.Active++
		case domain.ContractCompleted:
			stats.Completed++
		case domain.ContractCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// loadForParticipant resolves the actor's party, loads the contract, and
// verifies the actor is on it.
func (s *ContractService) loadForParticipant(ctx context.Context, actor Actor, contractID string) (*domain.Contract, *domain.Party, domain.PartySide, error) {
	self, err := s.parties.GetByUser(ctx, actor.Role, actor.UserID)
	if err != nil {
		return nil, nil, "", err
	}
	contract, err := s.contracts.GetByID(ctx, contractID)
	if err != nil {
		return nil, nil, "", err
	}
	side := contract.SideOf(self.ID)
	if side == "" {
		return nil, nil, "", domain.E(domain.CodeForbidden, "party %s is not on contract %s", self.ID, contractID)
	}
	return contract, self, side, nil
}

// stageWriteAllowed gates progress writes: Active contracts only, and on
// crop contracts only the farmer reports progress.
func (s *ContractService) stageWriteAllowed(contract *domain.Contract, self *domain.Party) error {
	if contract.Status != domain.ContractActive {
		return domain.E(domain.CodeNotActive, "contract %s is %s, progress requires Active", contract.ID, contract.Status)
	}
	if contract.Kind == domain.KindCrop && self.Role != domain.RoleFarmer {
		return domain.E(domain.CodeForbidden, "only the farmer reports crop progress")
	}
	return nil
}

// mutuallyAccepted reports whether the two parties have an accepted
// relationship: either they are matched to each other, or both copies of
// their interest edge are accepted.
func (s *ContractService) mutuallyAccepted(ctx context.Context, a, b *domain.Party) (bool, error) {
	if a.MatchedCounterpartID == b.ID && b.MatchedCounterpartID == a.ID {
		return true, nil
	}
	// Accepted interest copies do not count once either party has matched a
	// different party of the other's role; that edge is stale.
	if matchedElsewhere(a, b) || matchedElsewhere(b, a) {
		return false, nil
	}
	own, err := s.interests.Get(ctx, a.ID, b.ID)
	if domain.IsCode(err, domain.CodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	mirror, err := s.interests.Get(ctx, b.ID, a.ID)
	if domain.IsCode(err, domain.CodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return own.Status == domain.InterestAccepted && mirror.Status == domain.InterestAccepted, nil
}

// matchedElsewhere reports whether p is matched to a party of other's role
// that is not other.
func matchedElsewhere(p, other *domain.Party) bool {
	return p.MatchedCounterpartID != "" &&
		p.MatchedCounterpartRole == other.Role &&
		p.MatchedCounterpartID != other.ID
}

// propagateStatus denormalizes the contract status into both parties'
// interest mirrors. Parties matched through the request protocol may have
// no interest rows; that is fine and not an error. A genuine write failure
// only wakes the reconciler, it never fails the contract mutation.
func (s *ContractService) propagateStatus(ctx context.Context, contract *domain.Contract) {
	status := strings.ToLower(string(contract.Status))
	pairs := [][2]string{
		{contract.PartyAID, contract.PartyBID},
		{contract.PartyBID, contract.PartyAID},
	}
	for _, p := range pairs {
		err := s.interests.SetContractStatus(ctx, p[0], p[1], contract.ID, status)
		if err != nil && !domain.IsCode(err, domain.CodeNotFound) {
			s.logger.Error("failed to propagate contract status",
				slog.String("contract_id", contract.ID),
				slog.String("owner", p[0]),
				slog.String("error", err.Error()),
			)
			metrics.ObserveMirrorWriteFailure("contract_status")
			if s.reconcile != nil {
				s.reconcile.Trigger()
			}
		}
	}
}

// rolesFor returns the role pair a contract kind binds: the farmer side
// and the counterpart side.
func rolesFor(kind domain.ContractKind) (domain.Role, domain.Role, error) {
	switch kind {
	case domain.KindCrop:
		return domain.RoleFarmer, domain.RoleBuyer, nil
	case domain.KindLand:
		return domain.RoleFarmer, domain.RoleLandowner, nil
	}
	return "", "", domain.E(domain.CodePreconditionFailed, "unknown contract kind %q", kind)
}
