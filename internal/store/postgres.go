package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/portfolio-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Each unit locks its account row with SELECT ... FOR UPDATE before running,
// which serializes units per account while leaving other accounts free.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresSchema)
	return err
}

func (s *PostgresStore) WithAtomicUnit(ctx context.Context, accountID string, fn func(Unit) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return pgError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
		return pgError(err)
	}

	if err := fn(&pgUnit{tx: tx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return pgError(err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, cash_balance, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4)`,
		a.ID, a.CashBalance.String(), a.CreatedAt, a.UpdatedAt,
	)
	return pgError(err)
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return readAccount(ctx, s.pool, accountID)
}

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	return readPosition(ctx, s.pool, accountID, symbol)
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	return readPositions(ctx, s.pool, accountID)
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID string, offset, limit int) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, type, asset_type, symbol,
		        quantity::TEXT, price::TEXT, total::TEXT, created_at
		 FROM transactions WHERE account_id = $1
		 ORDER BY created_at DESC, id DESC
		 OFFSET $2 LIMIT $3`, accountID, offset, limit)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (s *PostgresStore) CountTransactions(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transactions WHERE account_id = $1`, accountID).Scan(&n)
	return n, pgError(err)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgUnit runs every statement inside the unit's transaction.
type pgUnit struct {
	tx pgx.Tx
}

func (u *pgUnit) ReadAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return readAccount(ctx, u.tx, accountID)
}

func (u *pgUnit) WriteAccount(ctx context.Context, a *model.Account) error {
	tag, err := u.tx.Exec(ctx,
		`UPDATE accounts SET cash_balance = $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		a.ID, a.CashBalance.String(), a.UpdatedAt,
	)
	if err != nil {
		return pgError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

func (u *pgUnit) ReadPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	return readPosition(ctx, u.tx, accountID, symbol)
}

func (u *pgUnit) ReadPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	return readPositions(ctx, u.tx, accountID)
}

func (u *pgUnit) WritePosition(ctx context.Context, p *model.Position) error {
	_, err := u.tx.Exec(ctx,
		`INSERT INTO positions (account_id, symbol, asset_type, quantity, avg_price, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (account_id, symbol) DO UPDATE
		 SET asset_type = EXCLUDED.asset_type,
		     quantity = EXCLUDED.quantity,
		     avg_price = EXCLUDED.avg_price,
		     updated_at = EXCLUDED.updated_at`,
		p.AccountID, p.Symbol, string(p.AssetType),
		p.Quantity.String(), p.AvgPrice.String(), p.UpdatedAt,
	)
	return pgError(err)
}

func (u *pgUnit) DeletePosition(ctx context.Context, accountID, symbol string) error {
	_, err := u.tx.Exec(ctx,
		`DELETE FROM positions WHERE account_id = $1 AND symbol = $2`, accountID, symbol)
	return pgError(err)
}

func (u *pgUnit) AppendTransaction(ctx context.Context, t *model.Transaction) error {
	_, err := u.tx.Exec(ctx,
		`INSERT INTO transactions (id, account_id, type, asset_type, symbol, quantity, price, total, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		t.ID, t.AccountID, string(t.Type), string(t.AssetType), t.Symbol,
		t.Quantity.String(), t.Price.String(), t.Total.String(),
		t.CreatedAt,
	)
	return pgError(err)
}

func (u *pgUnit) LastTransactionAt(ctx context.Context, accountID string) (time.Time, error) {
	var last *time.Time
	err := u.tx.QueryRow(ctx,
		`SELECT MAX(created_at) FROM transactions WHERE account_id = $1`, accountID).Scan(&last)
	if err != nil {
		return time.Time{}, pgError(err)
	}
	if last == nil {
		return time.Time{}, nil
	}
	return last.UTC(), nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func readAccount(ctx context.Context, q querier, accountID string) (*model.Account, error) {
	var a model.Account
	var cash string

	err := q.QueryRow(ctx,
		`SELECT id, cash_balance::TEXT, created_at, updated_at
		 FROM accounts WHERE id = $1`, accountID).
		Scan(&a.ID, &cash, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
		return nil, pgError(err)
	}

	if err := parseColumns(column{"cash_balance", cash, &a.CashBalance}); err != nil {
		return nil, fmt.Errorf("account %s: %w", accountID, err)
	}
	return &a, nil
}

func readPosition(ctx context.Context, q querier, accountID, symbol string) (*model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT account_id, symbol, asset_type, quantity::TEXT, avg_price::TEXT, updated_at
		 FROM positions WHERE account_id = $1 AND symbol = $2`, accountID, symbol)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("position %s/%s: %w", accountID, symbol, ErrNotFound)
	}
	return &positions[0], nil
}

func readPositions(ctx context.Context, q querier, accountID string) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT account_id, symbol, asset_type, quantity::TEXT, avg_price::TEXT, updated_at
		 FROM positions WHERE account_id = $1 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	positions := []model.Position{}
	for rows.Next() {
		var p model.Position
		var assetType, qtyS, avgS string

		if err := rows.Scan(&p.AccountID, &p.Symbol, &assetType, &qtyS, &avgS, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.AssetType = model.AssetType(assetType)
		if err := parseColumns(
			column{"quantity", qtyS, &p.Quantity},
			column{"avg_price", avgS, &p.AvgPrice},
		); err != nil {
			return nil, fmt.Errorf("position %s/%s: %w", p.AccountID, p.Symbol, err)
		}

		positions = append(positions, p)
	}
	return positions, pgError(rows.Err())
}

func scanTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	txs := []model.Transaction{}
	for rows.Next() {
		var t model.Transaction
		var typ, assetType, qtyS, priceS, totalS string

		if err := rows.Scan(&t.ID, &t.AccountID, &typ, &assetType, &t.Symbol,
			&qtyS, &priceS, &totalS, &t.CreatedAt); err != nil {
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

		txs = append(txs, t)
	}
	return txs, pgError(rows.Err())
}

// pgError maps PostgreSQL error codes onto the store sentinels.
func pgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.Message)
		}
	}
	return err
}
