// Package ledger is the bank's balance store: a single-file SQLite database
// holding one row per account, mutated under serializable transactions.
// Either a whole transfer applies or none of it, and no committed transaction
// leaves any balance negative.
package ledger

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // Import for register side-effects.

	"github.com/cipherbus/cipherbus/internal/fault"
)

const createAccountsTable = `
CREATE TABLE IF NOT EXISTS accounts (
	id      TEXT PRIMARY KEY,
	balance INTEGER NOT NULL CHECK (balance >= 0)
)`

// Concurrent bank processes on the same file are serialized by SQLite's
// locking; writers wait up to this long before failing.
const busyTimeoutMillis = 3000

// Store is an open accounts database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the accounts database at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", path, busyTimeoutMillis)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening accounts database %q: %w", path, err)
	}
	if _, err := db.Exec(createAccountsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating accounts table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateAccount inserts a new account row with an initial balance.
func (s *Store) CreateAccount(ctx context.Context, id string, balance int64) error {
	if balance < 0 {
		return fault.Newf("Account %s cannot be created with negative balance %d.", id, balance)
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO accounts (id, balance) VALUES (?, ?)", id, balance); err != nil {
		return fmt.Errorf("creating account %s: %w", id, err)
	}
	return nil
}

// EnsureAccount inserts an account row with an initial balance unless the
// account already exists. Used to seed a fresh database.
func (s *Store) EnsureAccount(ctx context.Context, id string, balance int64) error {
	if balance < 0 {
		return fault.Newf("Account %s cannot be created with negative balance %d.", id, balance)
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO accounts (id, balance) VALUES (?, ?) ON CONFLICT(id) DO NOTHING",
		id, balance); err != nil {
		return fmt.Errorf("seeding account %s: %w", id, err)
	}
	return nil
}

// Balance returns the current balance of an account.
func (s *Store) Balance(ctx context.Context, id string) (int64, error) {
	return balance(ctx, s.db, id)
}

// Withdraw removes amount from an account, failing without mutation when the
// amount is negative or exceeds the balance.
func (s *Store) Withdraw(ctx context.Context, id string, amount int64) error {
	if amount < 0 {
		return fault.Newf("Only positive amount of money can be withdrawn while requested %d.", amount)
	}
	return s.transact(ctx, func(tx *sql.Tx) error {
		current, err := balance(ctx, tx, id)
		if err != nil {
			return err
		}
		if current < amount {
			return fault.Newf("Account %s has only %d deposited, while requested to withdraw %d!",
				id, current, amount)
		}
		return adjust(ctx, tx, id, -amount)
	})
}

// Deposit adds amount to an account.
func (s *Store) Deposit(ctx context.Context, id string, amount int64) error {
	if amount < 0 {
		return fault.Newf("Only positive amount of money can be deposited while requested %d.", amount)
	}
	return s.transact(ctx, func(tx *sql.Tx) error {
		// The read pins the row and surfaces unknown accounts cleanly.
		if _, err := balance(ctx, tx, id); err != nil {
			return err
		}
		return adjust(ctx, tx, id, amount)
	})
}

// Transfer moves amount between two accounts inside one transaction. The sum
// of all balances is preserved.
func (s *Store) Transfer(ctx context.Context, from, to string, amount int64) error {
	if amount < 0 {
		return fault.Newf("Only positive amount of money can be transferred while requested %d.", amount)
	}
	return s.transact(ctx, func(tx *sql.Tx) error {
		current, err := balance(ctx, tx, from)
		if err != nil {
			return err
		}
		if current < amount {
			return fault.Newf("Account %s has only %d deposited, while requested to transfer %d!",
				from, current, amount)
		}
		if _, err := balance(ctx, tx, to); err != nil {
			return err
		}
		if err := adjust(ctx, tx, from, -amount); err != nil {
			return err
		}
		return adjust(ctx, tx, to, amount)
	})
}

func (s *Store) transact(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func balance(ctx context.Context, q querier, id string) (int64, error) {
	var b int64
	err := q.QueryRowContext(ctx, "SELECT balance FROM accounts WHERE id = ?", id).Scan(&b)
	if err == sql.ErrNoRows {
		return 0, fault.Newf("Account %s does not exist!", id)
	}
	if err != nil {
		return 0, fmt.Errorf("reading balance of %s: %w", id, err)
	}
	return b, nil
}

func adjust(ctx context.Context, tx *sql.Tx, id string, change int64) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE accounts SET balance = balance + ? WHERE id = ?", change, id); err != nil {
		return fmt.Errorf("updating balance of %s: %w", id, err)
	}
	return nil
}
