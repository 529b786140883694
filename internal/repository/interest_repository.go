package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agrimatch/backend/internal/domain"
)

// PostgresInterestRepository implements domain.InterestRepository using
// PostgreSQL. Each logical interest edge is stored as two rows, one per
// owning party, matching the embedded-list layout the dashboards read.
type PostgresInterestRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresInterestRepository creates a new interest repository
func NewPostgresInterestRepository(db *sql.DB, logger *slog.Logger) *PostgresInterestRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresInterestRepository{
		db:     db,
		logger: logger,
	}
}

const interestColumns = `id, owner_party_id, counterpart_id, counterpart_role, status, contract_status, contract_id, created_at, updated_at`

func scanInterest(row interface{ Scan(...any) error }) (*domain.InterestEntry, error) {
	e := &domain.InterestEntry{}
	err := row.Scan(
		&e.ID,
		&e.OwnerPartyID,
		&e.CounterpartID,
		&e.CounterpartRole,
		&e.Status,
		&e.ContractStatus,
		&e.ContractID,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Append inserts one side of an interest edge
func (r *PostgresInterestRepository) Append(ctx context.Context, entry *domain.InterestEntry) error {
	query := `
		INSERT INTO party_interests (id, owner_party_id, counterpart_id, counterpart_role, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRowContext(
		ctx,
		query,
		entry.ID,
		entry.OwnerPartyID,
		entry.CounterpartID,
		entry.CounterpartRole,
		entry.Status,
	).Scan(&entry.CreatedAt, &entry.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to append interest entry",
			slog.String("owner", entry.OwnerPartyID),
			slog.String("counterpart", entry.CounterpartID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to append interest entry: %w", err)
	}

	return nil
}

// Get retrieves the entry owned by ownerPartyID referencing counterpartID
func (r *PostgresInterestRepository) Get(ctx context.Context, ownerPartyID, counterpartID string) (*domain.InterestEntry, error) {
	query := `SELECT ` + interestColumns + ` FROM party_interests WHERE owner_party_id = $1 AND counterpart_id = $2`

	entry, err := scanInterest(r.db.QueryRowContext(ctx, query, ownerPartyID, counterpartID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.E(domain.CodeNotFound, "interest entry %s -> %s not found", ownerPartyID, counterpartID)
		}
		return nil, fmt.Errorf("failed to get interest entry: %w", err)
	}

	return entry, nil
}

// UpdateStatus updates one side's status
func (r *PostgresInterestRepository) UpdateStatus(ctx context.Context, ownerPartyID, counterpartID string, status domain.InterestStatus) error {
	query := `
		UPDATE party_interests
		SET status = $1, updated_at = now()
		WHERE owner_party_id = $2 AND counterpart_id = $3
	`

	result, err := r.db.ExecContext(ctx, query, status, ownerPartyID, counterpartID)
	if err != nil {
		return fmt.Errorf("failed to update interest status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return domain.E(domain.CodeNotFound, "interest entry %s -> %s not found", ownerPartyID, counterpartID)
	}

	return nil
}

// SetContractStatus writes the denormalized contract fields on one side
func (r *PostgresInterestRepository) SetContractStatus(ctx context.Context, ownerPartyID, counterpartID, contractID, contractStatus string) error {
	query := `
		UPDATE party_interests
		SET contract_status = $1, contract_id = $2, updated_at = now()
		WHERE owner_party_id = $3 AND counterpart_id = $4
	`

	result, err := r.db.ExecContext(ctx, query, contractStatus, contractID, ownerPartyID, counterpartID)
	if err != nil {
		return fmt.Errorf("failed to set contract status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return domain.E(domain.CodeNotFound, "interest entry %s -> %s not found", ownerPartyID, counterpartID)
	}

	return nil
}

// ListByOwner lists all interest entries embedded in a party's record
func (r *PostgresInterestRepository) ListByOwner(ctx context.Context, ownerPartyID string) ([]*domain.InterestEntry, error) {
	query := `SELECT ` + interestColumns + ` FROM party_interests WHERE owner_party_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, ownerPartyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list interest entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.InterestEntry
	for rows.Next() {
		entry, err := scanInterest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interest entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// ListDiverged returns edges whose two copies disagree on status or on the
// denormalized contract status. A missing mirror row also counts.
func (r *PostgresInterestRepository) ListDiverged(ctx context.Context) ([]domain.MirrorPair, error) {
	query := `
		SELECT a.id, a.owner_party_id, a.counterpart_id, a.counterpart_role, a.status, a.contract_status, a.contract_id, a.created_at, a.updated_at,
		       b.id, b.owner_party_id, b.counterpart_id, b.counterpart_role, b.status, b.contract_status, b.contract_id, b.created_at, b.updated_at
		FROM party_interests a
		LEFT JOIN party_interests b
		  ON b.owner_party_id = a.counterpart_id AND b.counterpart_id = a.owner_party_id
		WHERE a.owner_party_id < a.counterpart_id
		  AND (b.id IS NULL OR a.status <> b.status OR a.contract_status <> b.contract_status)
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list diverged mirrors: %w", err)
	}
	defer rows.Close()

	var pairs []domain.MirrorPair
	for rows.Next() {
		left := &domain.InterestEntry{}
		var rid, rowner, rcounterpart, rrole, rstatus, rcstatus, rcid sql.NullString
		var rcreated, rupdated sql.NullTime
		err := rows.Scan(
			&left.ID, &left.OwnerPartyID, &left.CounterpartID, &left.CounterpartRole,
			&left.Status, &left.ContractStatus, &left.ContractID, &left.CreatedAt, &left.UpdatedAt,
			&rid, &rowner, &rcounterpart, &rrole, &rstatus, &rcstatus, &rcid, &rcreated, &rupdated,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan diverged mirror: %w", err)
		}

		pair := domain.MirrorPair{Left: left}
		if rid.Valid {
			pair.Right = &domain.InterestEntry{
				ID:              rid.String,
				OwnerPartyID:    rowner.String,
				CounterpartID:   rcounterpart.String,
				CounterpartRole: domain.Role(rrole.String),
				Status:          domain.InterestStatus(rstatus.String),
				ContractStatus:  rcstatus.String,
				ContractID:      rcid.String,
				CreatedAt:       rcreated.Time,
				UpdatedAt:       rupdated.Time,
			}
		}
		pairs = append(pairs, pair)
	}

	return pairs, rows.Err()
}
