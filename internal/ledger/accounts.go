// Package ledger holds the invariants of the three ledger entities: cash
// balances (Accounts), per-symbol holdings (Positions) and the append-only
// history (TxLog). Every operation works against a store.Unit so that reads
// and writes belong to the caller's atomic unit.
//
// All monetary values use shopspring/decimal, never float64.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/store"
)

// Accounts owns the cash-balance invariant: a balance is never negative at
// a commit boundary.
type Accounts struct {
	now func() time.Time
}

// NewAccounts creates the account ledger. A nil clock uses time.Now.
func NewAccounts(clock func() time.Time) *Accounts {
	if clock == nil {
		clock = time.Now
	}
	return &Accounts{now: clock}
}

// Deposit adds amount to the balance.
func (a *Accounts) Deposit(ctx context.Context, u store.Unit, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return a.Credit(ctx, u, accountID, amount)
}

// Withdraw removes amount from the balance. No partial withdrawal happens.
func (a *Accounts) Withdraw(ctx context.Context, u store.Unit, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return a.Debit(ctx, u, accountID, amount)
}

// Credit adds amount to the balance and returns the new balance.
func (a *Accounts) Credit(ctx context.Context, u store.Unit, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("credit %s: %w", amount, ErrInvalidAmount)
	}
	return a.apply(ctx, u, accountID, amount)
}

// Debit removes amount from the balance and returns the new balance. It
// fails with ErrInsufficientFunds if the balance is short.
func (a *Accounts) Debit(ctx context.Context, u store.Unit, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("debit %s: %w", amount, ErrInvalidAmount)
	}
	return a.apply(ctx, u, accountID, amount.Neg())
}

// apply adds a signed delta; callers have already checked its magnitude.
func (a *Accounts) apply(ctx context.Context, u store.Unit, accountID string, delta decimal.Decimal) (decimal.Decimal, error) {
	acct, err := u.ReadAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
		}
		return decimal.Zero, err
	}

	balance := acct.CashBalance.Add(delta)
	if balance.IsNegative() {
		return decimal.Zero, fmt.Errorf("balance %s, need %s: %w",
			acct.CashBalance, delta.Neg(), ErrInsufficientFunds)
	}

	acct.CashBalance = balance
	acct.UpdatedAt = a.now().UTC()
	if err := u.WriteAccount(ctx, acct); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}
