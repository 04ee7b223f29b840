// Package data persists the state that must survive restarts: address
// book tables, presence window history, and identity records. Losing
// any of it resets Sybil-cost history to genesis defaults, so the
// store is treated as part of the defense, not an optimization.
package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"p2p_presence/pkg/utils"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Repository defines the interface for data persistence
type Repository interface {
	// Address book operations
	ReplaceAddresses(ctx context.Context, addrs []*Address) error
	ListAddresses(ctx context.Context) ([]*Address, error)

	// Presence window operations
	SaveWindow(ctx context.Context, w *PresenceWindow) error
	ListWindows(ctx context.Context, limit int) ([]*PresenceWindow, error)

	// Identity operations
	SaveIdentity(ctx context.Context, id *IdentityRecord) error
	GetIdentity(ctx context.Context, pubKey []byte) (*IdentityRecord, error)
	ListIdentities(ctx context.Context) ([]*IdentityRecord, error)

	// Node state operations (bucket secret, checkpoint cursor)
	SetNodeState(ctx context.Context, key string, value []byte) error
	GetNodeState(ctx context.Context, key string) ([]byte, error)

	Close()
}

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a new PostgreSQL repository instance
func NewPostgresRepository(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// The database may still be coming up alongside the node.
	err = utils.RetryWithBackoff(ctx, func() error {
		return pool.Ping(ctx)
	}, nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	repo := &PostgresRepository{
		pool:   pool,
		logger: logger,
	}
	if err := repo.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return repo, nil
}

// Close releases all database resources
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// ReplaceAddresses atomically swaps the persisted address book for the
// given snapshot.
func (r *PostgresRepository) ReplaceAddresses(ctx context.Context, addrs []*Address) error {
	for _, a := range addrs {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("validating address: %w", err)
		}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM addr_book`); err != nil {
		return fmt.Errorf("clearing address book: %w", err)
	}

	query := `
		INSERT INTO addr_book (
			host, port, source_host, source_port, tried,
			last_seen, last_success, attempts, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for _, a := range addrs {
		_, err := tx.Exec(ctx, query,
			a.Host, int(a.Port), a.SourceHost, int(a.SourcePort), a.Tried,
			a.LastSeen, a.LastSuccess, a.Attempts, time.Now())
		if err != nil {
			return fmt.Errorf("inserting address: %w", handlePgError(err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListAddresses loads the persisted address book.
func (r *PostgresRepository) ListAddresses(ctx context.Context) ([]*Address, error) {
	query := `
		SELECT host, port, source_host, source_port, tried,
		       last_seen, last_success, attempts, updated_at
		FROM addr_book
		ORDER BY tried DESC, last_seen DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying addresses: %w", err)
	}
	defer rows.Close()

	var addrs []*Address
	for rows.Next() {
		a := &Address{}
		var port, sourcePort int
		err := rows.Scan(&a.Host, &port, &a.SourceHost, &sourcePort, &a.Tried,
			&a.LastSeen, &a.LastSuccess, &a.Attempts, &a.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning address: %w", err)
		}
		a.Port = uint16(port)
		a.SourcePort = uint16(sourcePort)
		addrs = append(addrs, a)
	}
	return addrs, rows.Err()
}

// SaveWindow upserts one closed presence window.
func (r *PostgresRepository) SaveWindow(ctx context.Context, w *PresenceWindow) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("validating window: %w", err)
	}

	query := `
		INSERT INTO presence_windows (window_index, tier, count, closed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (window_index, tier)
		DO UPDATE SET count = EXCLUDED.count, closed_at = EXCLUDED.closed_at`

	_, err := r.pool.Exec(ctx, query, w.Window, w.Tier, w.Count, w.ClosedAt)
	if err != nil {
		return fmt.Errorf("saving window: %w", handlePgError(err))
	}
	return nil
}

// ListWindows returns the rows for the most recent closed windows,
// oldest first. The limit counts window indexes, not rows, so every
// tier's row for a kept window survives.
func (r *PostgresRepository) ListWindows(ctx context.Context, limit int) ([]*PresenceWindow, error) {
	query := `
		SELECT w.window_index, w.tier, w.count, w.closed_at
		FROM presence_windows w
		JOIN (
			SELECT DISTINCT window_index
			FROM presence_windows
			ORDER BY window_index DESC
			LIMIT $1
		) recent ON recent.window_index = w.window_index
		ORDER BY w.window_index ASC, w.tier ASC`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying windows: %w", err)
	}
	defer rows.Close()

	var windows []*PresenceWindow
	for rows.Next() {
		w := &PresenceWindow{}
		if err := rows.Scan(&w.Window, &w.Tier, &w.Count, &w.ClosedAt); err != nil {
			return nil, fmt.Errorf("scanning window: %w", err)
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// SaveIdentity persists one registered identity.
func (r *PostgresRepository) SaveIdentity(ctx context.Context, id *IdentityRecord) error {
	if err := id.Validate(); err != nil {
		return fmt.Errorf("validating identity: %w", err)
	}

	query := `
		INSERT INTO identities (
			pubkey, tier, registered_at, window_index,
			user_present, user_verified, eligible_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, query,
		id.PubKey, id.Tier, id.RegisteredAt, id.Window,
		id.UserPresent, id.UserVerified, id.EligibleAt, time.Now())
	if err != nil {
		return fmt.Errorf("saving identity: %w", handlePgError(err))
	}
	return nil
}

// GetIdentity retrieves an identity by public key.
func (r *PostgresRepository) GetIdentity(ctx context.Context, pubKey []byte) (*IdentityRecord, error) {
	query := `
		SELECT pubkey, tier, registered_at, window_index,
		       user_present, user_verified, eligible_at, created_at
		FROM identities
		WHERE pubkey = $1`

	id := &IdentityRecord{}
	err := r.pool.QueryRow(ctx, query, pubKey).Scan(
		&id.PubKey, &id.Tier, &id.RegisteredAt, &id.Window,
		&id.UserPresent, &id.UserVerified, &id.EligibleAt, &id.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting identity: %w", err)
	}
	return id, nil
}

// ListIdentities loads every registered identity.
func (r *PostgresRepository) ListIdentities(ctx context.Context) ([]*IdentityRecord, error) {
	query := `
		SELECT pubkey, tier, registered_at, window_index,
		       user_present, user_verified, eligible_at, created_at
		FROM identities
		ORDER BY registered_at ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying identities: %w", err)
	}
	defer rows.Close()

	var ids []*IdentityRecord
	for rows.Next() {
		id := &IdentityRecord{}
		err := rows.Scan(&id.PubKey, &id.Tier, &id.RegisteredAt, &id.Window,
			&id.UserPresent, &id.UserVerified, &id.EligibleAt, &id.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning identity: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetNodeState upserts one opaque node state value.
func (r *PostgresRepository) SetNodeState(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO node_state (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("saving node state: %w", err)
	}
	return nil
}

// GetNodeState retrieves one node state value.
func (r *PostgresRepository) GetNodeState(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.pool.QueryRow(ctx, `SELECT value FROM node_state WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting node state: %w", err)
	}
	return value, nil
}

// handlePgError maps unique violations onto the sentinel error.
func handlePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}
