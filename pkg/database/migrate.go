package database

import (
	"context"
	"fmt"
)

// schema is applied idempotently at startup. Statements are ordered so that
// referenced tables exist before their dependents.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS parties (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		role          TEXT NOT NULL,
		name          TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'Available',
		is_available  BOOLEAN NOT NULL DEFAULT TRUE,
		matched_id    TEXT NOT NULL DEFAULT '',
		matched_role  TEXT NOT NULL DEFAULT '',
		version       BIGINT NOT NULL DEFAULT 1,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (role, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS party_interests (
		id               TEXT PRIMARY KEY,
		owner_party_id   TEXT NOT NULL REFERENCES parties(id),
		counterpart_id   TEXT NOT NULL,
		counterpart_role TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'pending',
		contract_status  TEXT NOT NULL DEFAULT '',
		contract_id      TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (owner_party_id, counterpart_id)
	)`,
	`CREATE TABLE IF NOT EXISTS requests (
		id                TEXT PRIMARY KEY,
		sender_user_id    TEXT NOT NULL,
		sender_role       TEXT NOT NULL,
		sender_party_id   TEXT NOT NULL,
		receiver_user_id  TEXT NOT NULL,
		receiver_role     TEXT NOT NULL,
		receiver_party_id TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'pending',
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_receiver ON requests (receiver_user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS party_requests (
		owner_party_id TEXT NOT NULL REFERENCES parties(id),
		request_id     TEXT NOT NULL REFERENCES requests(id),
		from_role      TEXT NOT NULL,
		from_party_id  TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (owner_party_id, request_id)
	)`,
	`CREATE TABLE IF NOT EXISTS contracts (
		id                  TEXT PRIMARY KEY,
		kind                TEXT NOT NULL,
		title               TEXT NOT NULL DEFAULT '',
		description         TEXT NOT NULL DEFAULT '',
		party_a_id          TEXT NOT NULL REFERENCES parties(id),
		party_a_role        TEXT NOT NULL,
		party_b_id          TEXT NOT NULL REFERENCES parties(id),
		party_b_role        TEXT NOT NULL,
		terms               JSONB NOT NULL DEFAULT '{}',
		signed_document_ref TEXT NOT NULL,
		approved_by_a       BOOLEAN NOT NULL DEFAULT FALSE,
		approved_by_b       BOOLEAN NOT NULL DEFAULT FALSE,
		status              TEXT NOT NULL DEFAULT 'Pending',
		version             BIGINT NOT NULL DEFAULT 1,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_contracts_parties ON contracts (party_a_id, party_b_id)`,
	`CREATE TABLE IF NOT EXISTS contract_stages (
		id          TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL REFERENCES contracts(id),
		seq         INTEGER NOT NULL,
		name        TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'Pending',
		notes       TEXT NOT NULL DEFAULT '',
		files       JSONB NOT NULL DEFAULT '[]',
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (contract_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		channel      TEXT NOT NULL,
		payload      JSONB NOT NULL DEFAULT '{}',
		dedupe_key   TEXT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		published_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_dedupe ON outbox_events (dedupe_key) WHERE dedupe_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON outbox_events (created_at) WHERE published_at IS NULL`,
}

// Migrate applies the schema. Safe to run on every startup.
func (cp *ConnectionPool) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := cp.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	cp.logger.Info("database schema up to date")
	return nil
}
