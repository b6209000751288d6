package auth

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"relic/internal/auth/migrations"
	"relic/internal/object"
)

// AccountStore is a sqlite-backed Gate for servers that host more
// than one account. Passwords are stored as hex BLAKE3 digests.
type AccountStore struct {
	db *sql.DB
}

// OpenAccountStore opens (and migrates) the accounts database at path.
func OpenAccountStore(path string) (*AccountStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening accounts database: %w", err)
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating accounts database: %w", err)
	}
	return &AccountStore{db: db}, nil
}

// Close closes the underlying database.
func (s *AccountStore) Close() error {
	return s.db.Close()
}

// CreateAccount registers an account. Creating an account that
// already exists is an error.
func (s *AccountStore) CreateAccount(account, password string) error {
	if account == "" {
		return fmt.Errorf("account name must not be empty")
	}
	_, err := s.db.Exec(
		"INSERT INTO accounts (account, password_digest) VALUES (?, ?)",
		account, digest(password),
	)
	if err != nil {
		return fmt.Errorf("creating account %q: %w", account, err)
	}
	return nil
}

// Authorize reports whether the credentials match a stored account.
// An unknown account is a rejection, not an error.
func (s *AccountStore) Authorize(account, password string) (bool, error) {
	var stored string
	err := s.db.QueryRow(
		"SELECT password_digest FROM accounts WHERE account = ?", account,
	).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up account %q: %w", account, err)
	}
	return stored == digest(password), nil
}

func digest(password string) string {
	return object.HashBytes([]byte(password)).String()
}

// Compile-time check that AccountStore implements Gate.
var _ Gate = (*AccountStore)(nil)
