package store_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type factory func(t *testing.T) store.Store

func TestMemoryStore(t *testing.T) {
	runSuite(t, func(t *testing.T) store.Store { return store.NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runSuite(t, func(t *testing.T) store.Store {
		st, err := store.NewSQLiteStore(store.SQLiteOptions{
			Path:        filepath.Join(t.TempDir(), "ledger.db"),
			BusyTimeout: 5 * time.Second,
		})
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		return st
	})
}

func TestSQLiteStore_CorruptDecimalsAreRejected(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	st, err := store.NewSQLiteStore(store.SQLiteOptions{Path: path, BusyTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	id := newAccount(t, st, "100")
	require.NoError(t, st.WithAtomicUnit(ctx, id, func(u store.Unit) error {
		return mutate(ctx, u, id, time.Now().UTC())
	}))

	raw, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000")
	require.NoError(t, err)
	defer raw.Close()
	for _, stmt := range []string{
		`UPDATE accounts SET cash_balance = 'n/a' WHERE id = ?`,
		`UPDATE positions SET avg_price = '1,5' WHERE account_id = ?`,
		`UPDATE transactions SET total = '' WHERE account_id = ?`,
	} {
		_, err := raw.ExecContext(ctx, stmt, id)
		require.NoError(t, err, stmt)
	}

	_, err = st.GetAccount(ctx, id)
	assert.ErrorIs(t, err, store.ErrCorrupt)
	_, err = st.ListPositions(ctx, id)
	assert.ErrorIs(t, err, store.ErrCorrupt)
	_, err = st.GetPosition(ctx, id, "AAPL")
	assert.ErrorIs(t, err, store.ErrCorrupt)
	_, err = st.ListTransactions(ctx, id, 0, 10)
	assert.ErrorIs(t, err, store.ErrCorrupt)
}

// The Postgres suite runs against PORTFOLIO_TEST_DATABASE_URL. Account IDs
// are random, so the database needs no cleanup between runs.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PORTFOLIO_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PORTFOLIO_TEST_DATABASE_URL not set")
	}
	runSuite(t, func(t *testing.T) store.Store {
		pool, err := pgxpool.New(context.Background(), dsn)
		require.NoError(t, err)
		st := store.NewPostgresStore(pool)
		require.NoError(t, st.Migrate(context.Background()))
		t.Cleanup(func() { st.Close() })
		return st
	})
}

// newRedis returns a client for PORTFOLIO_TEST_REDIS_URL when set and for an
// in-process miniredis otherwise.
func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	if url := os.Getenv("PORTFOLIO_TEST_REDIS_URL"); url != "" {
		opt, err := redis.ParseURL(url)
		require.NoError(t, err)
		rdb := redis.NewClient(opt)
		t.Cleanup(func() { rdb.Close() })
		return rdb, nil
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

func TestCachedStore(t *testing.T) {
	runSuite(t, func(t *testing.T) store.Store {
		rdb, _ := newRedis(t)
		return store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)
	})
}

// racingStore runs during once, right after its first GetAccount has read
// the row from the underlying store.
type racingStore struct {
	store.Store
	once   sync.Once
	during func()
}

func (r *racingStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	a, err := r.Store.GetAccount(ctx, accountID)
	r.once.Do(func() {
		if r.during != nil {
			r.during()
		}
	})
	return a, err
}

func TestCachedStore_CommitDuringMissIsNotCached(t *testing.T) {
	ctx := context.Background()
	rdb, _ := newRedis(t)
	primary := &racingStore{Store: store.NewMemoryStore()}
	cached := store.NewCachedStore(primary, rdb, time.Minute)
	id := newAccount(t, cached, "100")

	primary.during = func() {
		require.NoError(t, cached.WithAtomicUnit(ctx, id, func(u store.Unit) error {
			return mutate(ctx, u, id, time.Now().UTC())
		}))
	}

	raced, err := cached.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, raced.CashBalance.Equal(d("100")), "read started before the commit")

	for i := 0; i < 2; i++ {
		a, err := cached.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.True(t, a.CashBalance.Equal(d("60")), "read %d: cash %s", i, a.CashBalance)
	}
	positions, err := cached.ListPositions(ctx, id)
	require.NoError(t, err)
	assert.Len(t, positions, 1)
}

func TestCachedStore_EntriesKeyedByTransactionCount(t *testing.T) {
	rdb, mr := newRedis(t)
	if mr == nil {
		t.Skip("inspects miniredis keys")
	}
	ctx := context.Background()
	cached := store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)
	id := newAccount(t, cached, "100")

	_, err := cached.GetAccount(ctx, id)
	require.NoError(t, err)
	_, err = cached.ListPositions(ctx, id)
	require.NoError(t, err)
	assert.True(t, mr.Exists("account:"+id+":0"))
	assert.True(t, mr.Exists("positions:"+id+":0"))

	require.NoError(t, cached.WithAtomicUnit(ctx, id, func(u store.Unit) error {
		return mutate(ctx, u, id, time.Now().UTC())
	}))
	assert.False(t, mr.Exists("account:"+id+":0"), "superseded entry dropped")
	assert.False(t, mr.Exists("positions:"+id+":0"))

	n, err := cached.CountTransactions(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, mr.Exists("txcount:"+id), "count is never cached")

	a, err := cached.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.CashBalance.Equal(d("60")))
	assert.True(t, mr.Exists("account:"+id+":1"))
}

func runSuite(t *testing.T, newStore factory) {
	t.Run("CreateAndGetAccount", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("UnitCommits", func(t *testing.T) { testUnitCommits(t, newStore(t)) })
	t.Run("UnitRollsBackOnError", func(t *testing.T) { testUnitRollsBack(t, newStore(t)) })
	t.Run("UnitRollsBackOnCancel", func(t *testing.T) { testUnitCancel(t, newStore(t)) })
	t.Run("UnitReadsOwnWrites", func(t *testing.T) { testReadOwnWrites(t, newStore(t)) })
	t.Run("SameAccountSerialized", func(t *testing.T) { testSerialized(t, newStore(t)) })
	t.Run("TransactionsNewestFirst", func(t *testing.T) { testHistoryOrder(t, newStore(t)) })
}

func newAccount(t *testing.T, st store.Store, cash string) string {
	t.Helper()
	id := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, st.CreateAccount(context.Background(), &model.Account{
		ID: id, CashBalance: d(cash), CreatedAt: now, UpdatedAt: now,
	}))
	return id
}

func testCreateAndGet(t *testing.T, st store.Store) {
	ctx := context.Background()
	id := newAccount(t, st, "12.5")

	a, err := st.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.CashBalance.Equal(d("12.5")))

	err = st.CreateAccount(ctx, &model.Account{ID: id, CashBalance: decimal.Zero})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	_, err = st.GetAccount(ctx, uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func mutate(ctx context.Context, u store.Unit, id string, now time.Time) error {
	a, err := u.ReadAccount(ctx, id)
	if err != nil {
		return err
	}
	a.CashBalance = a.CashBalance.Sub(d("40"))
	a.UpdatedAt = now
	if err := u.WriteAccount(ctx, a); err != nil {
		return err
	}
	if err := u.WritePosition(ctx, &model.Position{
		AccountID: id, Symbol: "AAPL", AssetType: model.AssetStock,
		Quantity: d("0.8"), AvgPrice: d("50"), UpdatedAt: now,
	}); err != nil {
		return err
	}
	return u.AppendTransaction(ctx, &model.Transaction{
		ID: uuid.NewString(), AccountID: id, Type: model.TxBuy, AssetType: model.AssetStock,
		Symbol: "AAPL", Quantity: d("0.8"), Price: d("50"), Total: d("40"), CreatedAt: now,
	})
}

func testUnitCommits(t *testing.T, st store.Store) {
	ctx := context.Background()
	id := newAccount(t, st, "100")
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, st.WithAtomicUnit(ctx, id, func(u store.Unit) error { return mutate(ctx, u, id, now) }))

	a, err := st.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.CashBalance.Equal(d("60")), "cash %s", a.CashBalance)

	p, err := st.GetPosition(ctx, id, "AAPL")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(d("0.8")))
	assert.Equal(t, model.AssetStock, p.AssetType)

	n, err := st.CountTransactions(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Closing the position removes the row.
	require.NoError(t, st.WithAtomicUnit(ctx, id, func(u store.Unit) error {
		return u.DeletePosition(ctx, id, "AAPL")
	}))
	_, err = st.GetPosition(ctx, id, "AAPL")
	assert.ErrorIs(t, err, store.ErrNotFound)
	positions, err := st.ListPositions(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

var errAbort = errors.New("abort")

func assertUntouched(t *testing.T, st store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	a, err := st.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.CashBalance.Equal(d("100")), "cash %s", a.CashBalance)
	_, err = st.GetPosition(ctx, id, "AAPL")
	assert.ErrorIs(t, err, store.ErrNotFound)
	n, err := st.CountTransactions(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testUnitRollsBack(t *testing.T, st store.Store) {
	ctx := context.Background()
	id := newAccount(t, st, "100")

	err := st.WithAtomicUnit(ctx, id, func(u store.Unit) error {
		if err := mutate(ctx, u, id, time.Now().UTC()); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)
	assertUntouched(t, st, id)
}

func testUnitCancel(t *testing.T, st store.Store) {
	id := newAccount(t, st, "100")
	ctx, cancel := context.WithCancel(context.Background())

	err := st.WithAtomicUnit(ctx, id, func(u store.Unit) error {
		if err := mutate(ctx, u, id, time.Now().UTC()); err != nil {
			return err
		}
		cancel()
		return nil
	})
	require.Error(t, err)
	assertUntouched(t, st, id)
}

func testReadOwnWrites(t *testing.T, st store.Store) {
	ctx := context.Background()
	id := newAccount(t, st, "100")
	now := time.Now().UTC().Truncate(time.Microsecond)

	err := st.WithAtomicUnit(ctx, id, func(u store.Unit) error {
		if err := mutate(ctx, u, id, now); err != nil {
			return err
		}
		a, err := u.ReadAccount(ctx, id)
		require.NoError(t, err)
		assert.True(t, a.CashBalance.Equal(d("60")))

		positions, err := u.ReadPositions(ctx, id)
		require.NoError(t, err)
		require.Len(t, positions, 1)

		last, err := u.LastTransactionAt(ctx, id)
		require.NoError(t, err)
		assert.True(t, last.Equal(now), "last %s, want %s", last, now)

		require.NoError(t, u.DeletePosition(ctx, id, "AAPL"))
		_, err = u.ReadPosition(ctx, id, "AAPL")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)
}

// testSerialized runs read-modify-write units on one account concurrently;
// serialization means none of the increments is lost.
func testSerialized(t *testing.T, st store.Store) {
	ctx := context.Background()
	id := newAccount(t, st, "0")

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := st.WithAtomicUnit(ctx, id, func(u store.Unit) error {
					a, err := u.ReadAccount(ctx, id)
					if err != nil {
						return err
					}
					a.CashBalance = a.CashBalance.Add(d("1"))
					return u.WriteAccount(ctx, a)
				})
				if errors.Is(err, store.ErrConflict) {
					continue
				}
				assert.NoError(t, err)
				return
			}
		}()
	}
	wg.Wait()

	a, err := st.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.CashBalance.Equal(d("8")), "cash %s", a.CashBalance)
}

func testHistoryOrder(t *testing.T, st store.Store) {
	ctx := context.Background()
	id := newAccount(t, st, "0")
	base := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	ids := []string{"01A", "01B", "01C", "01D"}
	times := []time.Time{base, base.Add(time.Second), base.Add(time.Second), base.Add(2 * time.Second)}
	for i := range ids {
		require.NoError(t, st.WithAtomicUnit(ctx, id, func(u store.Unit) error {
			return u.AppendTransaction(ctx, &model.Transaction{
				ID: id + "-" + ids[i], AccountID: id, Type: model.TxDeposit, AssetType: model.AssetCash,
				Symbol: model.CashSymbol, Quantity: d("1"), Price: d("1"), Total: d("1"), CreatedAt: times[i],
			})
		}))
	}

	all, err := st.ListTransactions(ctx, id, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 4)
	got := make([]string, len(all))
	for i, tx := range all {
		got[i] = tx.ID[len(id)+1:]
	}
	assert.Equal(t, []string{"01D", "01C", "01B", "01A"}, got, "ties break on ID")

	page, err := st.ListTransactions(ctx, id, 3, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)

	page, err = st.ListTransactions(ctx, id, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}
