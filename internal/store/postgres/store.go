// Package postgres implements the persistent collaborators on PostgreSQL:
// the session-record store, the token ledger and the profile store consulted
// on a cache miss.
//
// All three share a single [pgxpool.Pool]. The schema is managed by goose
// migrations embedded in the binary; [Migrate] runs them and is safe to call
// on every start.
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//
//	id, _ := s.Sessions().Create(ctx, rec)
//	left, _ := s.Ledger().Deduct(ctx, userID, 120)
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/zenc-ai/voicegate/internal/store"
)

// Compile-time interface checks.
var (
	_ store.SessionStore = (*Sessions)(nil)
	_ store.TokenLedger  = (*Ledger)(nil)
	_ store.ProfileStore = (*Profiles)(nil)
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store holds the connection pool shared by [Sessions], [Ledger] and
// [Profiles]. All operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	sessions *Sessions
	ledger   *Ledger
	profiles *Profiles
}

// NewStore opens a pool to dsn, verifies it with a ping and applies pending
// migrations.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{
		pool:     pool,
		sessions: &Sessions{pool: pool},
		ledger:   &Ledger{pool: pool},
		profiles: &Profiles{pool: pool},
	}, nil
}

// Migrate applies every embedded migration that has not run yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: migrations fs: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Sessions returns the session-record store.
func (s *Store) Sessions() *Sessions { return s.sessions }

// Ledger returns the token ledger.
func (s *Store) Ledger() *Ledger { return s.ledger }

// Profiles returns the profile store.
func (s *Store) Profiles() *Profiles { return s.profiles }

// Ping checks connectivity. It is used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
