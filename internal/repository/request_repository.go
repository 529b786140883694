package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agrimatch/backend/internal/domain"
)

// PostgresRequestRepository implements domain.RequestRepository using
// PostgreSQL. The request itself is stored once; the receiver additionally
// holds a mirrored entry in party_requests.
type PostgresRequestRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRequestRepository creates a new request repository
func NewPostgresRequestRepository(db *sql.DB, logger *slog.Logger) *PostgresRequestRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresRequestRepository{
		db:     db,
		logger: logger,
	}
}

const requestColumns = `id, sender_user_id, sender_role, sender_party_id, receiver_user_id, receiver_role, receiver_party_id, status, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (*domain.Request, error) {
	req := &domain.Request{}
	err := row.Scan(
		&req.ID,
		&req.SenderUserID,
		&req.SenderRole,
		&req.SenderPartyID,
		&req.ReceiverUserID,
		&req.ReceiverRole,
		&req.ReceiverPartyID,
		&req.Status,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Create inserts a new request
func (r *PostgresRequestRepository) Create(ctx context.Context, req *domain.Request) error {
	query := `
		INSERT INTO requests (id, sender_user_id, sender_role, sender_party_id, receiver_user_id, receiver_role, receiver_party_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRowContext(
		ctx,
		query,
		req.ID,
		req.SenderUserID,
		req.SenderRole,
		req.SenderPartyID,
		req.ReceiverUserID,
		req.ReceiverRole,
		req.ReceiverPartyID,
		req.Status,
	).Scan(&req.CreatedAt, &req.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create request",
			slog.String("sender", req.SenderPartyID),
			slog.String("receiver", req.ReceiverPartyID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to create request: %w", err)
	}

	return nil
}

// GetByID retrieves a request by ID
func (r *PostgresRequestRepository) GetByID(ctx context.Context, id string) (*domain.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1`

	req, err := scanRequest(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.E(domain.CodeNotFound, "request %s not found", id)
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}

	return req, nil
}

// UpdateStatus transitions status conditionally on the current stored
// status. Terminal states are immutable; a lost race is CodeConflict.
func (r *PostgresRequestRepository) UpdateStatus(ctx context.Context, id string, from, to domain.InterestStatus) error {
	query := `
		UPDATE requests
		SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
	`

	result, err := r.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return fmt.Errorf("failed to update request status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}

	if rows == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM requests WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check request existence: %w", err)
		}
		if !exists {
			return domain.E(domain.CodeNotFound, "request %s not found", id)
		}
		return domain.E(domain.CodeConflict, "request %s is no longer %s", id, from)
	}

	return nil
}

// ListByReceiverUser returns the receiver's inbox, newest first
func (r *PostgresRequestRepository) ListByReceiverUser(ctx context.Context, userID string) ([]*domain.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE receiver_user_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var requests []*domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, req)
	}

	return requests, rows.Err()
}

// ListPendingInvolving returns pending requests where the party is sender or
// receiver
func (r *PostgresRequestRepository) ListPendingInvolving(ctx context.Context, partyID string) ([]*domain.Request, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM requests
		WHERE status = 'pending' AND (sender_party_id = $1 OR receiver_party_id = $1)
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, partyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	defer rows.Close()

	var requests []*domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, req)
	}

	return requests, rows.Err()
}

// AppendReceiverEntry inserts the mirrored inbox entry on the receiver side
func (r *PostgresRequestRepository) AppendReceiverEntry(ctx context.Context, entry *domain.ReceiverEntry) error {
	query := `
		INSERT INTO party_requests (owner_party_id, request_id, from_role, from_party_id, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	err := r.db.QueryRowContext(
		ctx,
		query,
		entry.OwnerPartyID,
		entry.RequestID,
		entry.FromRole,
		entry.FromPartyID,
		entry.Status,
	).Scan(&entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to append receiver entry: %w", err)
	}

	return nil
}

// GetReceiverEntry reads the mirrored inbox entry
func (r *PostgresRequestRepository) GetReceiverEntry(ctx context.Context, ownerPartyID, requestID string) (*domain.ReceiverEntry, error) {
	query := `
		SELECT owner_party_id, request_id, from_role, from_party_id, status, created_at
		FROM party_requests
		WHERE owner_party_id = $1 AND request_id = $2
	`

	entry := &domain.ReceiverEntry{}
	err := r.db.QueryRowContext(ctx, query, ownerPartyID, requestID).Scan(
		&entry.OwnerPartyID,
		&entry.RequestID,
		&entry.FromRole,
		&entry.FromPartyID,
		&entry.Status,
		&entry.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.E(domain.CodeNotFound, "receiver entry for request %s not found", requestID)
		}
		return nil, fmt.Errorf("failed to get receiver entry: %w", err)
	}

	return entry, nil
}

// UpdateReceiverEntryStatus updates the mirrored inbox entry status
func (r *PostgresRequestRepository) UpdateReceiverEntryStatus(ctx context.Context, ownerPartyID, requestID string, status domain.InterestStatus) error {
	query := `
		UPDATE party_requests
		SET status = $1
		WHERE owner_party_id = $2 AND request_id = $3
	`

	result, err := r.db.ExecContext(ctx, query, status, ownerPartyID, requestID)
	if err != nil {
		return fmt.Errorf("failed to update receiver entry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return domain.E(domain.CodeNotFound, "receiver entry for request %s not found", requestID)
	}

	return nil
}

// ListMirrorDiverged returns requests whose mirrored inbox entry is missing
// or out of step with the central record.
func (r *PostgresRequestRepository) ListMirrorDiverged(ctx context.Context) ([]domain.RequestMirror, error) {
	query := `
		SELECT r.id, r.sender_user_id, r.sender_role, r.sender_party_id,
		       r.receiver_user_id, r.receiver_role, r.receiver_party_id, r.status, r.created_at, r.updated_at,
		       e.owner_party_id, e.from_role, e.from_party_id, e.status, e.created_at
		FROM requests r
		LEFT JOIN party_requests e
		  ON e.owner_party_id = r.receiver_party_id AND e.request_id = r.id
		WHERE e.request_id IS NULL OR e.status <> r.status
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list diverged request mirrors: %w", err)
	}
	defer rows.Close()

	var mirrors []domain.RequestMirror
	for rows.Next() {
		req := &domain.Request{}
		var owner, fromRole, fromParty, status sql.NullString
		var created sql.NullTime
		err := rows.Scan(
			&req.ID, &req.SenderUserID, &req.SenderRole, &req.SenderPartyID,
			&req.ReceiverUserID, &req.ReceiverRole, &req.ReceiverPartyID, &req.Status, &req.CreatedAt, &req.UpdatedAt,
			&owner, &fromRole, &fromParty, &status, &created,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan diverged request mirror: %w", err)
		}

		mirror := domain.RequestMirror{Request: req}
		if owner.Valid {
			mirror.Entry = &domain.ReceiverEntry{
				OwnerPartyID: owner.String,
				RequestID:    req.ID,
				FromRole:     domain.Role(fromRole.String),
				FromPartyID:  fromParty.String,
				Status:       domain.InterestStatus(status.String),
				CreatedAt:    created.Time,
			}
		}
		mirrors = append(mirrors, mirror)
	}

	return mirrors, rows.Err()
}
