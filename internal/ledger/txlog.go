package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/id"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/store"
)

// TxLog appends immutable transaction rows. There is no update or delete;
// corrections are new offsetting transactions.
type TxLog struct {
	now   func() time.Time
	newID func() string
}

// NewTxLog creates the transaction log. A nil clock uses time.Now and a nil
// id source uses monotonic ULIDs.
func NewTxLog(clock func() time.Time, ids func() string) *TxLog {
	if clock == nil {
		clock = time.Now
	}
	if ids == nil {
		ids = id.New
	}
	return &TxLog{now: clock, newID: ids}
}

// Append writes one transaction with Total = quantity * price. CreatedAt is
// never earlier than the account's previous transaction.
func (l *TxLog) Append(
	ctx context.Context,
	u store.Unit,
	accountID string,
	typ model.TxType,
	assetType model.AssetType,
	symbol string,
	quantity, price decimal.Decimal,
) (*model.Transaction, error) {
	if !quantity.IsPositive() || !price.IsPositive() {
		return nil, fmt.Errorf("append %s %s: quantity %s at %s: %w", typ, symbol, quantity, price, ErrInvalidAmount)
	}

	last, err := u.LastTransactionAt(ctx, accountID)
	if err != nil {
		return nil, err
	}
	createdAt := l.now().UTC()
	if createdAt.Before(last) {
		createdAt = last
	}

	t := &model.Transaction{
		ID:        l.newID(),
		AccountID: accountID,
		Type:      typ,
		AssetType: assetType,
		Symbol:    symbol,
		Quantity:  quantity,
		Price:     price,
		Total:     quantity.Mul(price),
		CreatedAt: createdAt,
	}
	if err := u.AppendTransaction(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Holding is the quantity of one symbol implied by a replayed history.
type Holding struct {
	AssetType model.AssetType
	Quantity  decimal.Decimal
}

// Replay folds a history (in any order) into the cash balance and
// per-symbol quantities it implies, starting from zero.
func Replay(txs []model.Transaction) (decimal.Decimal, map[string]Holding) {
	cash := decimal.Zero
	holdings := make(map[string]Holding)
	for _, t := range txs {
		cash = cash.Add(t.SignedCash())

		h := holdings[t.Symbol]
		switch t.Type {
		case model.TxBuy:
			h.AssetType = t.AssetType
			h.Quantity = h.Quantity.Add(t.Quantity)
		case model.TxSell:
			h.Quantity = h.Quantity.Sub(t.Quantity)
		default:
			continue
		}
		if h.Quantity.IsZero() {
			delete(holdings, t.Symbol)
		} else {
			holdings[t.Symbol] = h
		}
	}
	return cash, holdings
}
