package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/agrimatch/backend/internal/domain"
	"github.com/lib/pq"
)

// PostgresOutboxRepository stores events durably until the dispatcher has
// handed them to the pub/sub transport. Implements domain.Outbox.
type PostgresOutboxRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresOutboxRepository creates a new outbox repository
func NewPostgresOutboxRepository(db *sql.DB, logger *slog.Logger) *PostgresOutboxRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresOutboxRepository{
		db:     db,
		logger: logger,
	}
}

// Enqueue inserts an event. Events sharing a dedupe key are stored once, so
// an idempotent retry of the producing mutation does not re-emit.
func (r *PostgresOutboxRepository) Enqueue(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	var dedupe sql.NullString
	if event.DedupeKey != "" {
		dedupe = sql.NullString{String: event.DedupeKey, Valid: true}
	}

	query := `
		INSERT INTO outbox_events (id, name, channel, payload, dedupe_key)
		VALUES ($1, $2, $3, $4, $5)
	`

	if _, err := r.db.ExecContext(ctx, query, event.ID, event.Name, event.Channel, payload, dedupe); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			// Replay of an already-recorded mutation; nothing to emit.
			return nil
		}
		return fmt.Errorf("failed to enqueue event: %w", err)
	}

	return nil
}

// NextBatch returns up to limit unpublished events, oldest first
func (r *PostgresOutboxRepository) NextBatch(ctx context.Context, limit int) ([]domain.Event, error) {
	query := `
		SELECT id, name, channel, payload, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var payload []byte
		if err := rows.Scan(&event.ID, &event.Name, &event.Channel, &payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		if err := json.Unmarshal(payload, &event.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// MarkPublished stamps an event as delivered
func (r *PostgresOutboxRepository) MarkPublished(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE outbox_events SET published_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to mark event published: %w", err)
	}
	return nil
}
