// Package sqlite provides single-file persistence on the pure-Go
// modernc.org/sqlite driver. It suits a single server process; use the
// postgres store when several processes share state.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/cory-johannsen/vdm/internal/game/room"
	"github.com/cory-johannsen/vdm/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	avatar_style  TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_name ON accounts (name COLLATE NOCASE);

CREATE TABLE IF NOT EXISTS rooms (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL DEFAULT '',
	game_state    TEXT NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0,
	record        TEXT NOT NULL,
	saved_at      TIMESTAMP NOT NULL
);
`

// Store is the SQLite implementation of storage.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open opens or creates the database at path and ensures the schema exists.
// The path ":memory:" gives a private in-memory database.
//
// Postcondition: Returns a ready Store or a non-nil error.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	// One writer at a time; an in-memory database also exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Load implements storage.Gateway.
func (s *Store) Load(ctx context.Context, roomID string) (room.Record, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM rooms WHERE id = ?`, roomID).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return room.Record{}, storage.ErrNotFound
		}
		return room.Record{}, fmt.Errorf("querying room %s: %w", roomID, err)
	}
	var rec room.Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return room.Record{}, fmt.Errorf("decoding room %s: %w", roomID, err)
	}
	return rec, nil
}

// Save implements storage.Gateway.
func (s *Store) Save(ctx context.Context, roomID string, rec room.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding room %s: %w", roomID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, owner_id, game_state, message_count, record, saved_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   owner_id = excluded.owner_id,
		   game_state = excluded.game_state,
		   message_count = excluded.message_count,
		   record = excluded.record,
		   saved_at = excluded.saved_at`,
		roomID, rec.OwnerID, string(rec.GameState), len(rec.Messages), string(doc), s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving room %s: %w", roomID, err)
	}
	return nil
}

// CreateAccount implements storage.AccountStore.
func (s *Store) CreateAccount(ctx context.Context, acct storage.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, name, avatar_style, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		acct.ID, acct.Name, acct.Avatar, acct.PasswordHash, acct.CreatedAt.UTC(),
	)
	if err != nil {
		var se *sqlite.Error
		if errors.As(err, &se) && (se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY) {
			return storage.ErrAccountExists
		}
		return fmt.Errorf("inserting account: %w", err)
	}
	return nil
}

// AccountByName implements storage.AccountStore.
func (s *Store) AccountByName(ctx context.Context, name string) (storage.Account, error) {
	return s.queryAccount(ctx, `WHERE name = ? COLLATE NOCASE`, name)
}

// AccountByID implements storage.AccountStore.
func (s *Store) AccountByID(ctx context.Context, id string) (storage.Account, error) {
	return s.queryAccount(ctx, `WHERE id = ?`, id)
}

func (s *Store) queryAccount(ctx context.Context, where, arg string) (storage.Account, error) {
	var acct storage.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, avatar_style, password_hash, created_at FROM accounts `+where, arg,
	).Scan(&acct.ID, &acct.Name, &acct.Avatar, &acct.PasswordHash, &acct.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Account{}, storage.ErrNotFound
		}
		return storage.Account{}, fmt.Errorf("querying account: %w", err)
	}
	return acct, nil
}

// Health implements storage.Store.
func (s *Store) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return nil
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
