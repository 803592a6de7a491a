// Package postgres persists room snapshots and accounts in PostgreSQL
// through a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/vdm/internal/config"
	"github.com/cory-johannsen/vdm/internal/storage"
)

const (
	healthTimeout = 3 * time.Second

	uniqueViolation = "23505"
)

// Store is the PostgreSQL implementation of storage.Store. Room snapshots
// are JSONB documents keyed by room id; accounts are rows.
type Store struct {
	db *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// Open connects a pool sized by cfg and verifies the database answers.
// The schema must already be migrated (see cmd/migrate).
//
// Postcondition: Returns a ready Store or an error wrapping storage.ErrUnavailable.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	s := &Store{db: db}
	if err := s.Health(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the pool for maintenance queries.
func (s *Store) DB() *pgxpool.Pool {
	return s.db
}

// Health pings the database within a short timeout.
//
// Postcondition: Returns nil if the database responds, or an error wrapping storage.ErrUnavailable.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return nil
}

// Close releases the pool. The store is unusable afterwards.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
