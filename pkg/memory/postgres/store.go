package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/duet/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Store keeps conversations in PostgreSQL. Appends are announced with
// NOTIFY so subscribers in other processes see them too.
type Store struct {
	pool *pgxpool.Pool
}

// Option tunes the connection pool.
type Option func(*pgxpool.Config)

// WithMaxConns caps the pool size. Every live subscription holds one
// connection for LISTEN, so the cap must leave room for queries.
func WithMaxConns(n int32) Option {
	return func(c *pgxpool.Config) {
		if n > 0 {
			c.MaxConns = n
		}
	}
}

// WithConnectTimeout bounds establishing a single connection.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *pgxpool.Config) {
		if d > 0 {
			c.ConnConfig.ConnectTimeout = d
		}
	}
}

// NewStore connects to dsn, checks the connection and creates the schema.
// Connections identify themselves as application "duet" unless the DSN sets
// application_name.
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = "duet"
	}
	for _, o := range opts {
		o(cfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks database connectivity for the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool. Cancel subscriptions first; Close blocks until
// their connections are returned.
func (s *Store) Close() {
	s.pool.Close()
}
