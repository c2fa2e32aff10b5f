// Package model defines the core domain types shared across the portfolio engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetType classifies what a position or transaction moves.
type AssetType string

const (
	AssetStock AssetType = "STOCK"
	AssetBond  AssetType = "BOND"
	AssetCash  AssetType = "CASH"
)

// Tradable reports whether positions can be held in the asset type.
func (a AssetType) Tradable() bool {
	return a == AssetStock || a == AssetBond
}

// TxType is the kind of state change a transaction records.
type TxType string

const (
	TxBuy      TxType = "BUY"
	TxSell     TxType = "SELL"
	TxDeposit  TxType = "DEPOSIT"
	TxWithdraw TxType = "WITHDRAW"
)

// CashSymbol is the symbol recorded on DEPOSIT and WITHDRAW transactions.
const CashSymbol = "CASH"

// Account holds a user's cash balance. CashBalance is never negative at a
// commit boundary.
type Account struct {
	ID          string          `json:"id" db:"id"`
	CashBalance decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is an account's holding in one symbol. A row exists only while
// Quantity is strictly positive.
type Position struct {
	AccountID string          `json:"account_id" db:"account_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	AssetType AssetType       `json:"asset_type" db:"asset_type"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	AvgPrice  decimal.Decimal `json:"avg_price" db:"avg_price"` // average-cost basis, buys only
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// CostBasis is quantity * average price.
func (p Position) CostBasis() decimal.Decimal {
	return p.Quantity.Mul(p.AvgPrice)
}

// Transaction is an immutable record of a committed operation.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	Type      TxType          `json:"type" db:"type"`
	AssetType AssetType       `json:"asset_type" db:"asset_type"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Total     decimal.Decimal `json:"total" db:"total"` // quantity * price
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// SignedCash returns the change to the cash balance this transaction implies.
func (t Transaction) SignedCash() decimal.Decimal {
	switch t.Type {
	case TxDeposit, TxSell:
		return t.Total
	case TxWithdraw, TxBuy:
		return t.Total.Neg()
	}
	return decimal.Zero
}

// Portfolio is the read-only view of an account: cash plus open positions.
type Portfolio struct {
	AccountID   string          `json:"account_id"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	Positions   []Position      `json:"positions"`
	Stocks      []Position      `json:"stocks"`
	Bonds       []Position      `json:"bonds"`
	CostBasis   decimal.Decimal `json:"cost_basis"`  // Σ quantity * avg price
	TotalValue  decimal.Decimal `json:"total_value"` // cash + cost basis
}

// TransactionPage is one page of an account's history, newest first.
type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	Page         int           `json:"page"`
	Limit        int           `json:"limit"`
	Total        int           `json:"total"`
	TotalPages   int           `json:"total_pages"`
}
