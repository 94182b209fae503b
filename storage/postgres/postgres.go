// Package postgres provides a PostgreSQL implementation of the
// webhook.UserStore interface, for deployments whose user records live in a
// relational store instead of a document database. The set-if-blank guard is
// pushed into the UPDATE's WHERE clause so it stays a single atomic statement.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gskaplan/imweb-stripe-webhook/pkg/webhook"
)

// Store implements webhook.UserStore using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Table is the user table name (default: "webhook_users")
	Table string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Table:           "webhook_users",
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL user store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Table == "" {
		config.Table = "webhook_users"
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// InitSchema creates the user table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id                 TEXT PRIMARY KEY,
			email              TEXT NOT NULL,
			stripe_customer_id TEXT,
			stripe_account_id  TEXT
		);
		CREATE INDEX IF NOT EXISTS %s_email_idx ON %s (email);
	`, s.config.Table, s.config.Table, s.config.Table)

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) scanUser(row pgx.Row) (*webhook.UserRecord, error) {
	var rec webhook.UserRecord
	err := row.Scan(&rec.ID, &rec.Email, &rec.StripeMetadata.CustomerID, &rec.StripeMetadata.AccountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, webhook.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &rec, nil
}

// FindByEmail implements webhook.UserStore.
func (s *Store) FindByEmail(ctx context.Context, email string) (*webhook.UserRecord, error) {
	query := fmt.Sprintf(`
		SELECT id, email, COALESCE(stripe_customer_id, ''), COALESCE(stripe_account_id, '')
		FROM %s WHERE email = $1`, s.config.Table)
	return s.scanUser(s.pool.QueryRow(ctx, query, strings.TrimSpace(email)))
}

// FindByID implements webhook.UserStore.
func (s *Store) FindByID(ctx context.Context, id string) (*webhook.UserRecord, error) {
	query := fmt.Sprintf(`
		SELECT id, email, COALESCE(stripe_customer_id, ''), COALESCE(stripe_account_id, '')
		FROM %s WHERE id = $1`, s.config.Table)
	return s.scanUser(s.pool.QueryRow(ctx, query, id))
}

// Update implements webhook.UserStore. Cleared fields are stored as NULL;
// the blank-customer predicate lives in the WHERE clause, so matching zero
// rows is silently accepted and set-if-blank never races a duplicate event.
func (s *Store) Update(ctx context.Context, selector webhook.UserSelector, fields webhook.UserFields) error {
	sets := make([]string, 0, 2)
	args := []interface{}{selector.ID}
	if fields.CustomerID != nil {
		args = append(args, *fields.CustomerID)
		sets = append(sets, fmt.Sprintf("stripe_customer_id = NULLIF($%d, '')", len(args)))
	}
	if fields.AccountID != nil {
		args = append(args, *fields.AccountID)
		sets = append(sets, fmt.Sprintf("stripe_account_id = NULLIF($%d, '')", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $1", s.config.Table, strings.Join(sets, ", "))
	if selector.CustomerIDBlank {
		query += " AND (stripe_customer_id IS NULL OR stripe_customer_id = '')"
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

var _ webhook.UserStore = (*Store)(nil)
