package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/portfolio-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Units on one account are serialized by a per-account lock held for the
// whole unit. Writes are staged inside the unit and applied under the
// store-wide lock only at commit, so the store-wide lock is never held
// while a unit runs.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	positions map[string]map[string]*model.Position // accountID → symbol → position
	txs       map[string][]model.Transaction        // accountID → append order

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		positions: make(map[string]map[string]*model.Position),
		txs:       make(map[string][]model.Transaction),
		locks:     make(map[string]chan struct{}),
	}
}

// accountLock returns the lock channel for an account. A buffered channel of
// size one is used instead of a sync.Mutex so that waiting honours ctx.
func (s *MemoryStore) accountLock(accountID string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[accountID]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[accountID] = l
	}
	return l
}

func (s *MemoryStore) WithAtomicUnit(ctx context.Context, accountID string, fn func(Unit) error) error {
	lock := s.accountLock(accountID)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock }()

	u := &memUnit{
		s:         s,
		accounts:  make(map[string]*model.Account),
		positions: make(map[posKey]*model.Position),
	}
	if err := fn(u); err != nil {
		return err
	}
	// Cancellation before commit discards the staged writes.
	if err := ctx.Err(); err != nil {
		return err
	}

	s.commit(u)
	return nil
}

func (s *MemoryStore) commit(u *memUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, a := range u.accounts {
		s.accounts[id] = a
	}
	for k, p := range u.positions {
		book := s.positions[k.accountID]
		if p == nil {
			delete(book, k.symbol)
			continue
		}
		if book == nil {
			book = make(map[string]*model.Position)
			s.positions[k.accountID] = book
		}
		book[k.symbol] = p
	}
	for _, t := range u.txs {
		s.txs[t.AccountID] = append(s.txs[t.AccountID], t)
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("account %s: %w", a.ID, ErrDuplicate)
	}
	// Store a copy to avoid external mutation.
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, accountID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, accountID, symbol string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[accountID][symbol]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", accountID, symbol, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.positionsLocked(accountID), nil
}

func (s *MemoryStore) positionsLocked(accountID string) []model.Position {
	book := s.positions[accountID]
	positions := make([]model.Position, 0, len(book))
	for _, p := range book {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions
}

func (s *MemoryStore) ListTransactions(_ context.Context, accountID string, offset, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	all := append([]model.Transaction(nil), s.txs[accountID]...)
	s.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool { return newerFirst(all[i], all[j]) })

	if offset >= len(all) {
		return []model.Transaction{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *MemoryStore) CountTransactions(_ context.Context, accountID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.txs[accountID]), nil
}

func (s *MemoryStore) Close() error { return nil }

// newerFirst orders by CreatedAt descending, then ID descending.
func newerFirst(a, b model.Transaction) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

type posKey struct {
	accountID string
	symbol    string
}

// memUnit stages writes until the enclosing WithAtomicUnit commits.
// A nil entry in positions marks a staged delete.
type memUnit struct {
	s         *MemoryStore
	accounts  map[string]*model.Account
	positions map[posKey]*model.Position
	txs       []model.Transaction
}

func (u *memUnit) ReadAccount(_ context.Context, accountID string) (*model.Account, error) {
	if a, ok := u.accounts[accountID]; ok {
		cp := *a
		return &cp, nil
	}
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()

	a, ok := u.s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (u *memUnit) WriteAccount(_ context.Context, a *model.Account) error {
	cp := *a
	u.accounts[a.ID] = &cp
	return nil
}

func (u *memUnit) ReadPosition(_ context.Context, accountID, symbol string) (*model.Position, error) {
	if p, ok := u.positions[posKey{accountID, symbol}]; ok {
		if p == nil {
			return nil, fmt.Errorf("position %s/%s: %w", accountID, symbol, ErrNotFound)
		}
		cp := *p
		return &cp, nil
	}
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()

	p, ok := u.s.positions[accountID][symbol]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", accountID, symbol, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (u *memUnit) ReadPositions(_ context.Context, accountID string) ([]model.Position, error) {
	u.s.mu.RLock()
	committed := u.s.positionsLocked(accountID)
	u.s.mu.RUnlock()

	merged := make(map[string]model.Position, len(committed))
	for _, p := range committed {
		merged[p.Symbol] = p
	}
	for k, p := range u.positions {
		if k.accountID != accountID {
			continue
		}
		if p == nil {
			delete(merged, k.symbol)
		} else {
			merged[k.symbol] = *p
		}
	}

	positions := make([]model.Position, 0, len(merged))
	for _, p := range merged {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

func (u *memUnit) WritePosition(_ context.Context, p *model.Position) error {
	cp := *p
	u.positions[posKey{p.AccountID, p.Symbol}] = &cp
	return nil
}

func (u *memUnit) DeletePosition(_ context.Context, accountID, symbol string) error {
	u.positions[posKey{accountID, symbol}] = nil
	return nil
}

func (u *memUnit) AppendTransaction(_ context.Context, t *model.Transaction) error {
	u.txs = append(u.txs, *t)
	return nil
}

func (u *memUnit) LastTransactionAt(_ context.Context, accountID string) (time.Time, error) {
	var last time.Time
	for _, t := range u.txs {
		if t.AccountID == accountID && t.CreatedAt.After(last) {
			last = t.CreatedAt
		}
	}

	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	// Committed rows are appended in CreatedAt order.
	if txs := u.s.txs[accountID]; len(txs) > 0 && txs[len(txs)-1].CreatedAt.After(last) {
		last = txs[len(txs)-1].CreatedAt
	}
	return last, nil
}
