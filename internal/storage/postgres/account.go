package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cory-johannsen/vdm/internal/storage"
)

const accountColumns = `id, name, avatar_style, password_hash, created_at`

// CreateAccount inserts acct.
//
// Precondition: acct.ID must be a UUID; acct.Name must be non-empty.
// Postcondition: Returns storage.ErrAccountExists if the name is taken in any case.
func (s *Store) CreateAccount(ctx context.Context, acct storage.Account) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES ($1, $2, $3, $4, $5)`,
		acct.ID, acct.Name, acct.Avatar, acct.PasswordHash, acct.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrAccountExists
		}
		return fmt.Errorf("inserting account: %w", err)
	}
	return nil
}

// AccountByName looks an account up by name, ignoring case.
//
// Postcondition: Returns the Account or storage.ErrNotFound.
func (s *Store) AccountByName(ctx context.Context, name string) (storage.Account, error) {
	return s.queryAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE LOWER(name) = LOWER($1)`, name)
}

// AccountByID looks an account up by id.
//
// Postcondition: Returns the Account or storage.ErrNotFound.
func (s *Store) AccountByID(ctx context.Context, id string) (storage.Account, error) {
	return s.queryAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id::text = $1`, id)
}

func (s *Store) queryAccount(ctx context.Context, query, arg string) (storage.Account, error) {
	var acct storage.Account
	err := s.db.QueryRow(ctx, query, arg).
		Scan(&acct.ID, &acct.Name, &acct.Avatar, &acct.PasswordHash, &acct.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Account{}, storage.ErrNotFound
		}
		return storage.Account{}, fmt.Errorf("querying account: %w", err)
	}
	return acct, nil
}
