// Package store defines the persistence interface for the portfolio engine.
// Implementations include PostgreSQL and SQLite (durable), Redis (read-through
// cache over a durable store), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

var (
	// ErrNotFound is returned when an account or position row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when an atomic unit could not be serialized
	// against a concurrent unit. The whole unit was rolled back and may be
	// retried.
	ErrConflict = errors.New("store: serialization conflict")

	// ErrDuplicate is returned when creating a row whose key already exists.
	ErrDuplicate = errors.New("store: duplicate key")

	// ErrCorrupt is returned when a stored decimal column does not parse.
	ErrCorrupt = errors.New("store: corrupt decimal column")
)

// Unit is the handle passed to the function run by WithAtomicUnit. Every
// read observes the unit's own writes, and every write becomes visible to
// other units only if the unit commits.
type Unit interface {
	// ReadAccount returns the account or ErrNotFound.
	ReadAccount(ctx context.Context, accountID string) (*model.Account, error)

	// WriteAccount replaces the account row.
	WriteAccount(ctx context.Context, account *model.Account) error

	// ReadPosition returns the position for a symbol or ErrNotFound.
	ReadPosition(ctx context.Context, accountID, symbol string) (*model.Position, error)

	// ReadPositions returns all positions of the account.
	ReadPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// WritePosition inserts or replaces the position row.
	WritePosition(ctx context.Context, position *model.Position) error

	// DeletePosition removes the position row.
	DeletePosition(ctx context.Context, accountID, symbol string) error

	// AppendTransaction appends an immutable transaction row.
	AppendTransaction(ctx context.Context, tx *model.Transaction) error

	// LastTransactionAt returns the creation time of the account's newest
	// transaction, or the zero time when there is none.
	LastTransactionAt(ctx context.Context, accountID string) (time.Time, error)
}

// Store is the persistence interface. All mutations of accounts, positions
// and transactions go through WithAtomicUnit.
type Store interface {
	// WithAtomicUnit runs fn inside one serializable unit scoped to accountID.
	// Writes made through the Unit are committed together if fn returns nil
	// and ctx is still live, and discarded otherwise. Units on the same
	// account are serialized; units on different accounts are not.
	WithAtomicUnit(ctx context.Context, accountID string, fn func(Unit) error) error

	// --- Accounts ---

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, account *model.Account) error

	// GetAccount retrieves an account by its ID.
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)

	// --- Read-only queries ---

	// GetPosition retrieves one position or ErrNotFound.
	GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error)

	// ListPositions returns all open positions of an account ordered by symbol.
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// ListTransactions returns transactions newest first.
	ListTransactions(ctx context.Context, accountID string, offset, limit int) ([]model.Transaction, error)

	// CountTransactions returns the number of transactions of an account.
	CountTransactions(ctx context.Context, accountID string) (int, error)

	// Close releases resources held by the store.
	Close() error
}

// column pairs a decimal destination with its textual column value.
type column struct {
	name string
	raw  string
	dst  *decimal.Decimal
}

// parseColumns parses NUMERIC and TEXT decimal columns into their
// destinations. A row with a value that does not parse is rejected.
func parseColumns(cols ...column) error {
	for _, c := range cols {
		v, err := decimal.NewFromString(c.raw)
		if err != nil {
			return fmt.Errorf("%s %q: %w", c.name, c.raw, ErrCorrupt)
		}
		*c.dst = v
	}
	return nil
}
