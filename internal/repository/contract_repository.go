package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agrimatch/backend/internal/domain"
)

// PostgresContractRepository implements domain.ContractRepository using
// PostgreSQL. Terms and stage files are stored as JSONB.
type PostgresContractRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresContractRepository creates a new contract repository
func NewPostgresContractRepository(db *sql.DB, logger *slog.Logger) *PostgresContractRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresContractRepository{
		db:     db,
		logger: logger,
	}
}

const contractColumns = `id, kind, title, description, party_a_id, party_a_role, party_b_id, party_b_role, terms, signed_document_ref, approved_by_a, approved_by_b, status, version, created_at, updated_at`

func scanContract(row interface{ Scan(...any) error }) (*domain.Contract, error) {
	c := &domain.Contract{}
	var terms []byte
	err := row.Scan(
		&c.ID,
		&c.Kind,
		&c.Title,
		&c.Description,
		&c.PartyAID,
		&c.PartyARole,
		&c.PartyBID,
		&c.PartyBRole,
		&terms,
		&c.SignedDocumentRef,
		&c.ApprovedByA,
		&c.ApprovedByB,
		&c.Status,
		&c.Version,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(terms, &c.Terms); err != nil {
		return nil, fmt.Errorf("failed to unmarshal terms: %w", err)
	}
	return c, nil
}

// Create inserts a contract and its pre-populated stages in one transaction
func (r *PostgresContractRepository) Create(ctx context.Context, contract *domain.Contract) error {
	terms, err := json.Marshal(contract.Terms)
	if err != nil {
		return fmt.Errorf("failed to marshal terms: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO contracts (id, kind, title, description, party_a_id, party_a_role, party_b_id, party_b_role, terms, signed_document_ref, approved_by_a, approved_by_b, status, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)
		RETURNING version, created_at, updated_at
	`

	err = tx.QueryRowContext(
		ctx,
		query,
		contract.ID,
		contract.Kind,
		contract.Title,
		contract.Description,
		contract.PartyAID,
		contract.PartyARole,
		contract.PartyBID,
		contract.PartyBRole,
		terms,
		contract.SignedDocumentRef,
		contract.ApprovedByA,
		contract.ApprovedByB,
		contract.Status,
	).Scan(&contract.Version, &contract.CreatedAt, &contract.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create contract",
			slog.String("kind", string(contract.Kind)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to create contract: %w", err)
	}

	for i := range contract.Stages {
		if err := insertStage(ctx, tx, &contract.Stages[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit contract: %w", err)
	}

	return nil
}

func insertStage(ctx context.Context, tx *sql.Tx, stage *domain.Stage) error {
	files, err := json.Marshal(stage.Files)
	if err != nil {
		return fmt.Errorf("failed to marshal stage files: %w", err)
	}
	if stage.Files == nil {
		files = []byte("[]")
	}

	query := `
		INSERT INTO contract_stages (id, contract_id, seq, name, status, notes, files)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING updated_at
	`

	err = tx.QueryRowContext(ctx, query, stage.ID, stage.ContractID, stage.Seq, stage.Name, stage.Status, stage.Notes, files).Scan(&stage.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert stage: %w", err)
	}
	return nil
}

// GetByID retrieves a contract with its stages
func (r *PostgresContractRepository) GetByID(ctx context.Context, id string) (*domain.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE id = $1`

	contract, err := scanContract(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.E(domain.CodeNotFound, "contract %s not found", id)
		}
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}

	stages, err := r.loadStages(ctx, id)
	if err != nil {
		return nil, err
	}
	contract.Stages = stages

	return contract, nil
}

func (r *PostgresContractRepository) loadStages(ctx context.Context, contractID string) ([]domain.Stage, error) {
	query := `
		SELECT id, contract_id, seq, name, status, notes, files, updated_at
		FROM contract_stages
		WHERE contract_id = $1
		ORDER BY seq
	`

	rows, err := r.db.QueryContext(ctx, query, contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stages: %w", err)
	}
	defer rows.Close()

	var stages []domain.Stage
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		stages = append(stages, *s)
	}

	return stages, rows.Err()
}

func scanStage(row interface{ Scan(...any) error }) (*domain.Stage, error) {
	s := &domain.Stage{}
	var files []byte
	if err := row.Scan(&s.ID, &s.ContractID, &s.Seq, &s.Name, &s.Status, &s.Notes, &files, &s.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan stage: %w", err)
	}
	if err := json.Unmarshal(files, &s.Files); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stage files: %w", err)
	}
	return s, nil
}

// ListByParty returns contracts where the party is on either side, newest
// first. Stages are loaded per contract.
func (r *PostgresContractRepository) ListByParty(ctx context.Context, partyID string) ([]*domain.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE party_a_id = $1 OR party_b_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, partyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	defer rows.Close()

	var contracts []*domain.Contract
	for rows.Next() {
		contract, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		contracts = append(contracts, contract)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, contract := range contracts {
		stages, err := r.loadStages(ctx, contract.ID)
		if err != nil {
			return nil, err
		}
		contract.Stages = stages
	}

	return contracts, nil
}

// FindOpenBetween returns a Pending or Active contract between two parties
func (r *PostgresContractRepository) FindOpenBetween(ctx context.Context, partyAID, partyBID string) (*domain.Contract, error) {
	query := `
		SELECT ` + contractColumns + `
		FROM contracts
		WHERE party_a_id = $1 AND party_b_id = $2 AND status IN ('Pending', 'Active')
		LIMIT 1
	`

	contract, err := scanContract(r.db.QueryRowContext(ctx, query, partyAID, partyBID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find open contract: %w", err)
	}

	return contract, nil
}

// SetApproval flips one side's approval flag
func (r *PostgresContractRepository) SetApproval(ctx context.Context, id string, side domain.PartySide) error {
	column := "approved_by_a"
	if side == domain.SideB {
		column = "approved_by_b"
	}

	query := fmt.Sprintf(`UPDATE contracts SET %s = true, version = version + 1, updated_at = now() WHERE id = $1`, column)

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to set approval: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return domain.E(domain.CodeNotFound, "contract %s not found", id)
	}

	return nil
}

// UpdateStatus transitions contract status guarded by the observed version
func (r *PostgresContractRepository) UpdateStatus(ctx context.Context, id string, version int64, status domain.ContractStatus) error {
	query := `
		UPDATE contracts
		SET status = $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND version = $3
	`

	result, err := r.db.ExecContext(ctx, query, status, id, version)
	if err != nil {
		return fmt.Errorf("failed to update contract status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}

	if rows == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM contracts WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check contract existence: %w", err)
		}
		if !exists {
			return domain.E(domain.CodeNotFound, "contract %s not found", id)
		}
		return domain.E(domain.CodeConflict, "contract %s changed concurrently", id)
	}

	return nil
}

// UpdateStage writes status and notes on one stage
func (r *PostgresContractRepository) UpdateStage(ctx context.Context, contractID string, seq int, status domain.StageStatus, notes string) (*domain.Stage, error) {
	query := `
		UPDATE contract_stages
		SET status = $1, notes = $2, updated_at = now()
		WHERE contract_id = $3 AND seq = $4
		RETURNING id, contract_id, seq, name, status, notes, files, updated_at
	`

	stage, err := scanStage(r.db.QueryRowContext(ctx, query, status, notes, contractID, seq))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.E(domain.CodeNotFound, "stage %d of contract %s not found", seq, contractID)
		}
		return nil, err
	}

	return stage, nil
}

// AppendStage inserts a free-form land contract progress entry
func (r *PostgresContractRepository) AppendStage(ctx context.Context, stage *domain.Stage) error {
	if stage.Seq == 0 {
		// Next free sequence for the contract.
		err := r.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM contract_stages WHERE contract_id = $1`,
			stage.ContractID,
		).Scan(&stage.Seq)
		if err != nil {
			return fmt.Errorf("failed to allocate stage seq: %w", err)
		}
	}

	files, err := json.Marshal(stage.Files)
	if err != nil {
		return fmt.Errorf("failed to marshal stage files: %w", err)
	}
	if stage.Files == nil {
		files = []byte("[]")
	}

	query := `
		INSERT INTO contract_stages (id, contract_id, seq, name, status, notes, files)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING updated_at
	`

	err = r.db.QueryRowContext(ctx, query, stage.ID, stage.ContractID, stage.Seq, stage.Name, stage.Status, stage.Notes, files).Scan(&stage.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to append stage: %w", err)
	}

	return nil
}

// AppendStageFiles merges new file refs into a stage's files array
func (r *PostgresContractRepository) AppendStageFiles(ctx context.Context, contractID string, seq int, files []domain.FileRef) (*domain.Stage, error) {
	added, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal file refs: %w", err)
	}

	query := `
		UPDATE contract_stages
		SET files = files || $1::jsonb, updated_at = now()
		WHERE contract_id = $2 AND seq = $3
		RETURNING id, contract_id, seq, name, status, notes, files, updated_at
	`

	stage, err := scanStage(r.db.QueryRowContext(ctx, query, added, contractID, seq))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.E(domain.CodeNotFound, "stage %d of contract %s not found", seq, contractID)
		}
		return nil, err
	}

	return stage, nil
}

// RemoveStageFile drops one file ref by name from a stage's files array
func (r *PostgresContractRepository) RemoveStageFile(ctx context.Context, contractID string, seq int, name string) (*domain.Stage, error) {
	query := `
		UPDATE contract_stages
		SET files = COALESCE(
			(SELECT jsonb_agg(f) FROM jsonb_array_elements(files) AS f WHERE f->>'name' <> $1),
			'[]'::jsonb
		), updated_at = now()
		WHERE contract_id = $2 AND seq = $3
		  AND EXISTS (SELECT 1 FROM jsonb_array_elements(files) AS f WHERE f->>'name' = $1)
		RETURNING id, contract_id, seq, name, status, notes, files, updated_at
	`

	stage, err := scanStage(r.db.QueryRowContext(ctx, query, name, contractID, seq))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			qerr := r.db.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM contract_stages WHERE contract_id = $1 AND seq = $2)`,
				contractID, seq,
			).Scan(&exists)
			if qerr != nil {
				return nil, fmt.Errorf("failed to check stage existence: %w", qerr)
			}
			if !exists {
				return nil, domain.E(domain.CodeNotFound, "stage %d of contract %s not found", seq, contractID)
			}
			return nil, domain.E(domain.CodeNotFound, "stage %d has no file %s", seq, name)
		}
		return nil, err
	}

	return stage, nil
}
