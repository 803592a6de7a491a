// Package storage defines the persistence contracts for room snapshots and
// player accounts, and an in-memory implementation of both.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cory-johannsen/vdm/internal/game/room"
)

var (
	// ErrNotFound is returned when no record exists for the requested key.
	ErrNotFound = errors.New("storage: not found")
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("storage: unavailable")
	// ErrAccountExists is returned when an account name is already taken.
	ErrAccountExists = errors.New("storage: account already exists")
)

// Gateway loads and saves room snapshots.
type Gateway interface {
	// Load returns the snapshot for roomID or ErrNotFound.
	Load(ctx context.Context, roomID string) (room.Record, error)
	// Save replaces the snapshot for roomID.
	Save(ctx context.Context, roomID string, rec room.Record) error
}

// Account is a registered player identity.
type Account struct {
	ID           string
	Name         string
	Avatar       string
	PasswordHash string
	CreatedAt    time.Time
}

// AccountStore persists accounts. Names are unique without regard to case.
type AccountStore interface {
	// CreateAccount inserts acct or returns ErrAccountExists.
	CreateAccount(ctx context.Context, acct Account) error
	// AccountByName returns the account whose name matches case-insensitively, or ErrNotFound.
	AccountByName(ctx context.Context, name string) (Account, error)
	// AccountByID returns the account with id, or ErrNotFound.
	AccountByID(ctx context.Context, id string) (Account, error)
}

// Store is a complete backend.
type Store interface {
	Gateway
	AccountStore
	// Health returns nil if the backend is reachable.
	Health(ctx context.Context) error
	Close() error
}
