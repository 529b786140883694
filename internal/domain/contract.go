package domain

import (
	"context"
	"time"
)

// ContractKind selects between the two contract variants.
type ContractKind string

const (
	KindCrop ContractKind = "crop" // farmer <-> buyer
	KindLand ContractKind = "land" // farmer <-> landowner
)

// ContractStatus is the lifecycle state machine:
// Pending --(both approve)--> Active --(complete)--> Completed.
// Cancelled is reachable from Pending or Active.
type ContractStatus string

const (
	ContractPending   ContractStatus = "Pending"
	ContractActive    ContractStatus = "Active"
	ContractCompleted ContractStatus = "Completed"
	ContractCancelled ContractStatus = "Cancelled"
)

// StageStatus tracks one progress step.
type StageStatus string

const (
	StagePending    StageStatus = "Pending"
	StageInProgress StageStatus = "InProgress"
	StageCompleted  StageStatus = "Completed"
)

// CropStageTitles is the fixed 7-step sequence pre-populated on every crop
// contract, in order.
var CropStageTitles = []string{
	"Contract signed with Buyer",
	"Seeds purchased",
	"Seeds planted in the field",
	"Crop growth update (percentage grown / description)",
	"Fertilizer requirement update (type & quantity needed)",
	"Crop ready for harvesting",
	"Crop ready for delivery",
}

// LandPhases is the vocabulary land-contract progress entries are drawn
// from. Entries are appended free-form and are not strictly ordered.
var LandPhases = []string{
	"Land Preparation",
	"Seed Sowing",
	"Irrigation",
	"Fertilizer Application",
	"Pest Control",
	"Crop Growth",
	"Harvesting",
	"Land Restoration",
}

// ValidLandPhase reports whether name is in the land phase vocabulary.
func ValidLandPhase(name string) bool {
	for _, p := range LandPhases {
		if p == name {
			return true
		}
	}
	return false
}

// FileRef is an opaque reference into the file store collaborator. The core
// never interprets contents, it only keeps the path retrievable.
type FileRef struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Stage is one step of a contract's progress tracking. Mutable only while
// the owning contract is Active.
type Stage struct {
	ID         string
	ContractID string
	Seq        int    // crop: fixed 1..7; land: append order
	Name       string // crop stage title or land phase
	Status     StageStatus
	Notes      string
	Files      []FileRef
	UpdatedAt  time.Time
}

// Terms carries the kind-specific commercial terms. Crop and land fields are
// mutually exclusive; the zero values of the unused variant are omitted on
// the wire.
type Terms struct {
	// Crop contracts.
	CropName         string    `json:"cropName,omitempty"`
	Quantity         float64   `json:"quantity,omitempty"`
	Unit             string    `json:"unit,omitempty"`
	Price            float64   `json:"price,omitempty"`
	PriceUnit        string    `json:"priceUnit,omitempty"`
	ExpectedDelivery time.Time `json:"expectedDelivery,omitempty"`

	// Land contracts.
	LandSize       float64   `json:"landSize,omitempty"`
	LandUnit       string    `json:"landUnit,omitempty"`
	Location       string    `json:"location,omitempty"`
	RentAmount     float64   `json:"rentAmount,omitempty"`
	RentUnit       string    `json:"rentUnit,omitempty"`
	DurationMonths int       `json:"durationMonths,omitempty"`
	StartDate      time.Time `json:"startDate,omitempty"`
	EndDate        time.Time `json:"endDate,omitempty"`
}

// PartySide names one of the two contract sides.
type PartySide string

const (
	SideA PartySide = "A" // farmer on both kinds
	SideB PartySide = "B" // buyer (crop) or landowner (land)
)

// Contract binds two matched parties. It must not exist without a signed
// document reference, and becomes Active only once both sides approved.
type Contract struct {
	ID          string
	Kind        ContractKind
	Title       string
	Description string
	PartyAID    string
	PartyARole  Role
	PartyBID    string
	PartyBRole  Role
	Terms       Terms
	// Reference to the uploaded signed document; required at creation.
	SignedDocumentRef string
	ApprovedByA       bool
	ApprovedByB       bool
	Status            ContractStatus
	Stages            []Stage
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SideOf returns which side of the contract the party is on, or "" if the
// party is not a participant.
func (c *Contract) SideOf(partyID string) PartySide {
	switch partyID {
	case c.PartyAID:
		return SideA
	case c.PartyBID:
		return SideB
	}
	return ""
}

// BothApproved reports whether the contract is eligible for activation.
func (c *Contract) BothApproved() bool {
	return c.ApprovedByA && c.ApprovedByB
}

// StageBySeq finds a stage by sequence number.
func (c *Contract) StageBySeq(seq int) *Stage {
	for i := range c.Stages {
		if c.Stages[i].Seq == seq {
			return &c.Stages[i]
		}
	}
	return nil
}

// ContractRepository defines data access for contracts and their stages.
type ContractRepository interface {
	Create(ctx context.Context, contract *Contract) error
	GetByID(ctx context.Context, id string) (*Contract, error)
	ListByParty(ctx context.Context, partyID string) ([]*Contract, error)
	// FindOpenBetween returns a Pending or Active contract between the two
	// parties, nil when none exists.
	FindOpenBetween(ctx context.Context, partyAID, partyBID string) (*Contract, error)
	SetApproval(ctx context.Context, id string, side PartySide) error
	// UpdateStatus is version-guarded: CodeConflict when the stored version
	// moved since the caller read the contract.
	UpdateStatus(ctx context.Context, id string, version int64, status ContractStatus) error
	UpdateStage(ctx context.Context, contractID string, seq int, status StageStatus, notes string) (*Stage, error)
	AppendStage(ctx context.Context, stage *Stage) error
	AppendStageFiles(ctx context.Context, contractID string, seq int, files []FileRef) (*Stage, error)
	// RemoveStageFile detaches one file reference by name. CodeNotFound when
	// the stage or the file does not exist.
	RemoveStageFile(ctx context.Context, contractID string, seq int, name string) (*Stage, error)
}
