package data

import (
	"context"
	"fmt"
)

// Schema statements run in order inside one transaction at startup.
// All DDL is idempotent so restarts are safe.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS addr_book (
		host         TEXT        NOT NULL,
		port         INTEGER     NOT NULL,
		source_host  TEXT        NOT NULL DEFAULT '',
		source_port  INTEGER     NOT NULL DEFAULT 0,
		tried        BOOLEAN     NOT NULL DEFAULT FALSE,
		last_seen    TIMESTAMPTZ NOT NULL,
		last_success TIMESTAMPTZ NOT NULL,
		attempts     INTEGER     NOT NULL DEFAULT 0,
		updated_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (host, port)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_addr_book_tried ON addr_book (tried)`,

	`CREATE TABLE IF NOT EXISTS presence_windows (
		window_index BIGINT      NOT NULL,
		tier         INTEGER     NOT NULL,
		count        INTEGER     NOT NULL,
		closed_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (window_index, tier)
	)`,

	`CREATE TABLE IF NOT EXISTS identities (
		pubkey        BYTEA       PRIMARY KEY,
		tier          INTEGER     NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL,
		window_index  BIGINT      NOT NULL,
		user_present  BOOLEAN     NOT NULL DEFAULT FALSE,
		user_verified BOOLEAN     NOT NULL DEFAULT FALSE,
		eligible_at   TIMESTAMPTZ NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_identities_eligible ON identities (eligible_at)`,

	`CREATE TABLE IF NOT EXISTS node_state (
		key        TEXT        PRIMARY KEY,
		value      BYTEA       NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

func (r *PostgresRepository) initSchema(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing schema transaction: %w", err)
	}
	return nil
}
