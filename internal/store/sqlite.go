package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/atmx/portfolio-engine/internal/model"
)

// SQLiteStore implements Store on an embedded SQLite file.
//
// Transactions open with BEGIN IMMEDIATE (the _txlock DSN option), which
// takes the database write lock up front. Writers are therefore serialized
// across all accounts, not only per account.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteOptions configures NewSQLiteStore.
type SQLiteOptions struct {
	Path         string
	MaxOpenConns int
	BusyTimeout  time.Duration
}

// NewSQLiteStore opens (and creates, if needed) the database at opts.Path
// and applies the schema.
func NewSQLiteStore(opts SQLiteOptions) (*SQLiteStore, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 4
	}
	if dir := filepath.Dir(opts.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=%d&_foreign_keys=on",
		opts.Path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", opts.Path, err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(SQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) WithAtomicUnit(ctx context.Context, accountID string, fn func(Unit) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, accountID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
		return sqliteError(err)
	}

	if err := fn(&sqliteUnit{tx: tx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return sqliteError(err)
	}
	committed = true
	return nil
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, cash_balance, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		a.ID, a.CashBalance.String(), a.CreatedAt.UnixNano(), a.UpdatedAt.UnixNano(),
	)
	return sqliteError(err)
}

func (s *SQLiteStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return sqliteReadAccount(ctx, s.db, accountID)
}

func (s *SQLiteStore) GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	return sqliteReadPosition(ctx, s.db, accountID, symbol)
}

func (s *SQLiteStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	return sqliteReadPositions(ctx, s.db, accountID)
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, accountID string, offset, limit int) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, type, asset_type, symbol, quantity, price, total, created_at
		 FROM transactions WHERE account_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`, accountID, limit, offset)
	if err != nil {
		return nil, sqliteError(err)
	}
	defer rows.Close()

	txs := []model.Transaction{}
	for rows.Next() {
		var t model.Transaction
		var typ, assetType, qtyS, priceS, totalS string
		var created int64

		if err := rows.Scan(&t.ID, &t.AccountID, &typ, &assetType, &t.Symbol,
			&qtyS, &priceS, &totalS, &created); err != nil {
			return nil, err
		}
		t.Type = model.TxType(typ)
		t.AssetType = model.AssetType(assetType)
		if err := parseColumns(
			column{"quantity", qtyS, &t.Quantity},
			column{"price", priceS, &t.Price},
			column{"total", totalS, &t.Total},
		); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", t.ID, err)
		}
		t.CreatedAt = time.Unix(0, created).UTC()

		txs = append(txs, t)
	}
	return txs, sqliteError(rows.Err())
}

func (s *SQLiteStore) CountTransactions(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE account_id = ?`, accountID).Scan(&n)
	return n, sqliteError(err)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteUnit struct {
	tx *sql.Tx
}

func (u *sqliteUnit) ReadAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return sqliteReadAccount(ctx, u.tx, accountID)
}

func (u *sqliteUnit) WriteAccount(ctx context.Context, a *model.Account) error {
	res, err := u.tx.ExecContext(ctx,
		`UPDATE accounts SET cash_balance = ?, updated_at = ? WHERE id = ?`,
		a.CashBalance.String(), a.UpdatedAt.UnixNano(), a.ID,
	)
	if err != nil {
		return sqliteError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

func (u *sqliteUnit) ReadPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	return sqliteReadPosition(ctx, u.tx, accountID, symbol)
}

func (u *sqliteUnit) ReadPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	return sqliteReadPositions(ctx, u.tx, accountID)
}

func (u *sqliteUnit) WritePosition(ctx context.Context, p *model.Position) error {
	_, err := u.tx.ExecContext(ctx,
		`INSERT INTO positions (account_id, symbol, asset_type, quantity, avg_price, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, symbol) DO UPDATE
		 SET asset_type = excluded.asset_type,
		     quantity = excluded.quantity,
		     avg_price = excluded.avg_price,
		     updated_at = excluded.updated_at`,
		p.AccountID, p.Symbol, string(p.AssetType),
		p.Quantity.String(), p.AvgPrice.String(), p.UpdatedAt.UnixNano(),
	)
	return sqliteError(err)
}

func (u *sqliteUnit) DeletePosition(ctx context.Context, accountID, symbol string) error {
	_, err := u.tx.ExecContext(ctx,
		`DELETE FROM positions WHERE account_id = ? AND symbol = ?`, accountID, symbol)
	return sqliteError(err)
}

func (u *sqliteUnit) AppendTransaction(ctx context.Context, t *model.Transaction) error {
	_, err := u.tx.ExecContext(ctx,
		`INSERT INTO transactions (id, account_id, type, asset_type, symbol, quantity, price, total, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AccountID, string(t.Type), string(t.AssetType), t.Symbol,
		t.Quantity.String(), t.Price.String(), t.Total.String(), t.CreatedAt.UnixNano(),
	)
	return sqliteError(err)
}

func (u *sqliteUnit) LastTransactionAt(ctx context.Context, accountID string) (time.Time, error) {
	var last sql.NullInt64
	err := u.tx.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM transactions WHERE account_id = ?`, accountID).Scan(&last)
	if err != nil {
		return time.Time{}, sqliteError(err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return time.Unix(0, last.Int64).UTC(), nil
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func sqliteReadAccount(ctx context.Context, q sqlQuerier, accountID string) (*model.Account, error) {
	var a model.Account
	var cash string
	var created, updated int64

	err := q.QueryRowContext(ctx,
		`SELECT id, cash_balance, created_at, updated_at FROM accounts WHERE id = ?`, accountID).
		Scan(&a.ID, &cash, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
		return nil, sqliteError(err)
	}

	if err := parseColumns(column{"cash_balance", cash, &a.CashBalance}); err != nil {
		return nil, fmt.Errorf("account %s: %w", accountID, err)
	}
	a.CreatedAt = time.Unix(0, created).UTC()
	a.UpdatedAt = time.Unix(0, updated).UTC()
	return &a, nil
}

func sqliteReadPosition(ctx context.Context, q sqlQuerier, accountID, symbol string) (*model.Position, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT account_id, symbol, asset_type, quantity, avg_price, updated_at
		 FROM positions WHERE account_id = ? AND symbol = ?`, accountID, symbol)
	if err != nil {
		return nil, sqliteError(err)
	}
	defer rows.Close()

	positions, err := sqliteScanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("position %s/%s: %w", accountID, symbol, ErrNotFound)
	}
	return &positions[0], nil
}

func sqliteReadPositions(ctx context.Context, q sqlQuerier, accountID string) ([]model.Position, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT account_id, symbol, asset_type, quantity, avg_price, updated_at
		 FROM positions WHERE account_id = ? ORDER BY symbol`, accountID)
	if err != nil {
		return nil, sqliteError(err)
	}
	defer rows.Close()

	return sqliteScanPositions(rows)
}

func sqliteScanPositions(rows *sql.Rows) ([]model.Position, error) {
	positions := []model.Position{}
	for rows.Next() {
		var p model.Position
		var assetType, qtyS, avgS string
		var updated int64

		if err := rows.Scan(&p.AccountID, &p.Symbol, &assetType, &qtyS, &avgS, &updated); err != nil {
			return nil, err
		}
		p.AssetType = model.AssetType(assetType)
		if err := parseColumns(
			column{"quantity", qtyS, &p.Quantity},
			column{"avg_price", avgS, &p.AvgPrice},
		); err != nil {
			return nil, fmt.Errorf("position %s/%s: %w", p.AccountID, p.Symbol, err)
		}
		p.UpdatedAt = time.Unix(0, updated).UTC()

		positions = append(positions, p)
	}
	return positions, sqliteError(rows.Err())
}

// sqliteError maps busy/locked and constraint errors onto the store sentinels.
func sqliteError(err error) error {
	if err == nil {
		return nil
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %s", ErrConflict, sqErr.Error())
		case sqlite3.ErrConstraint:
			if sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqErr.ExtendedCode == sqlite3.ErrConstraintUnique {
				return fmt.Errorf("%w: %s", ErrDuplicate, sqErr.Error())
			}
		}
	}
	return err
}
