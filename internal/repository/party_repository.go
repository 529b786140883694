package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agrimatch/backend/internal/domain"
)

// PostgresPartyRepository implements domain.PartyRepository using PostgreSQL
type PostgresPartyRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresPartyRepository creates a new party repository
func NewPostgresPartyRepository(db *sql.DB, logger *slog.Logger) *PostgresPartyRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresPartyRepository{
		db:     db,
		logger: logger,
	}
}

const partyColumns = `id, user_id, role, name, status, is_available, matched_id, matched_role, version, created_at, updated_at`

func scanParty(row interface{ Scan(...any) error }) (*domain.Party, error) {
	p := &domain.Party{}
	var matchedRole string
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Role,
		&p.Name,
		&p.Status,
		&p.IsAvailable,
		&p.MatchedCounterpartID,
		&matchedRole,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.MatchedCounterpartRole = domain.Role(matchedRole)
	return p, nil
}

// Create inserts a new party record
func (r *PostgresPartyRepository) Create(ctx context.Context, party *domain.Party) error {
	query := `
		INSERT INTO parties (id, user_id, role, name, status, is_available, matched_id, matched_role, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		RETURNING version, created_at, updated_at
	`

	err := r.db.QueryRowContext(
		ctx,
		query,
		party.ID,
		party.UserID,
		party.Role,
		party.Name,
		party.Status,
		party.IsAvailable,
		party.MatchedCounterpartID,
		string(party.MatchedCounterpartRole),
	).Scan(&party.Version, &party.CreatedAt, &party.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create party",
			slog.String("role", string(party.Role)),
			slog.String("user_id", party.UserID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to create party: %w", err)
	}

	return nil
}

// GetByID retrieves a party by ID
func (r *PostgresPartyRepository) GetByID(ctx context.Context, id string) (*domain.Party, error) {
	query := `SELECT ` + partyColumns + ` FROM parties WHERE id = $1`

	party, err := scanParty(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.E(domain.CodeNotFound, "party %s not found", id)
		}
		return nil, fmt.Errorf("failed to get party: %w", err)
	}

	return party, nil
}

// GetByUser retrieves a party by (role, userID)
func (r *PostgresPartyRepository) GetByUser(ctx context.Context, role domain.Role, userID string) (*domain.Party, error) {
	query := `SELECT ` + partyColumns + ` FROM parties WHERE role = $1 AND user_id = $2`

	party, err := scanParty(r.db.QueryRowContext(ctx, query, role, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.E(domain.CodeNotFound, "%s profile for user %s not found", role, userID)
		}
		return nil, fmt.Errorf("failed to get party by user: %w", err)
	}

	return party, nil
}

// ListAvailable lists parties of a role that are still in the pool
func (r *PostgresPartyRepository) ListAvailable(ctx context.Context, role domain.Role) ([]*domain.Party, error) {
	query := `SELECT ` + partyColumns + ` FROM parties WHERE role = $1 AND is_available = true ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, role)
	if err != nil {
		r.logger.Error("failed to list available parties",
			slog.String("role", string(role)),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to list parties: %w", err)
	}
	defer rows.Close()

	var parties []*domain.Party
	for rows.Next() {
		party, err := scanParty(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan party: %w", err)
		}
		parties = append(parties, party)
	}

	return parties, rows.Err()
}

// UpdateAvailability writes availability guarded by the observed version.
// The write only lands when the stored version is unchanged; a concurrent
// writer surfaces as CodeConflict so the caller can re-read and retry.
func (r *PostgresPartyRepository) UpdateAvailability(ctx context.Context, id string, version int64, available bool, status string, matchedID string, matchedRole domain.Role) error {
	query := `
		UPDATE parties
		SET is_available = $1, status = $2, matched_id = $3, matched_role = $4,
		    version = version + 1, updated_at = now()
		WHERE id = $5 AND version = $6
	`

	result, err := r.db.ExecContext(ctx, query, available, status, matchedID, string(matchedRole), id, version)
	if err != nil {
		return fmt.Errorf("failed to update availability: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}

	if rows == 0 {
		// Distinguish a missing party from a lost version race.
		var exists bool
		if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM parties WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check party existence: %w", err)
		}
		if !exists {
			return domain.E(domain.CodeNotFound, "party %s not found", id)
		}
		return domain.E(domain.CodeConflict, "party %s changed concurrently", id)
	}

	return nil
}

// ListHalfLocked returns unavailable parties whose match is broken: either
// no matched counterpart is recorded, or the counterpart does not point
// back at them.
func (r *PostgresPartyRepository) ListHalfLocked(ctx context.Context) ([]*domain.Party, error) {
	query := `
		SELECT ` + qualifiedPartyColumns("p") + `
		FROM parties p
		LEFT JOIN parties c ON c.id = p.matched_id
		WHERE p.is_available = false
		  AND (p.matched_id = '' OR c.id IS NULL OR c.matched_id <> p.id)
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list half-locked parties: %w", err)
	}
	defer rows.Close()

	var parties []*domain.Party
	for rows.Next() {
		party, err := scanParty(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan party: %w", err)
		}
		parties = append(parties, party)
	}

	return parties, rows.Err()
}

func qualifiedPartyColumns(alias string) string {
	cols := strings.Split(partyColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// CountMatched returns how many parties are locked into a match, for the
// startup gauge.
func (r *PostgresPartyRepository) CountMatched(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM parties WHERE is_available = false`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count matched parties: %w", err)
	}
	return count, nil
}
