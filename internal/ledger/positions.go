package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/store"
)

// AvgPriceScale is the number of decimal places kept when the weighted
// average price is not an exact quotient.
var AvgPriceScale int32 = 12

// Positions owns the per-symbol position invariants: a row exists iff its
// quantity is strictly positive, and the average price moves only on buys.
type Positions struct {
	now func() time.Time
}

// NewPositions creates the position book. A nil clock uses time.Now.
func NewPositions(clock func() time.Time) *Positions {
	if clock == nil {
		clock = time.Now
	}
	return &Positions{now: clock}
}

// Open returns a new position with AvgPrice = price.
func Open(accountID, symbol string, assetType model.AssetType, quantity, price decimal.Decimal) (model.Position, error) {
	if !quantity.IsPositive() || !price.IsPositive() {
		return model.Position{}, fmt.Errorf("open %s: quantity %s at %s: %w", symbol, quantity, price, ErrInvalidAmount)
	}
	return model.Position{
		AccountID: accountID,
		Symbol:    symbol,
		AssetType: assetType,
		Quantity:  quantity,
		AvgPrice:  price,
	}, nil
}

// Extend adds quantity bought at price to an existing position:
//
//	avg' = (q0*p0 + q1*p1) / (q0+q1)
//
// The incoming pair is used as given; nothing is re-derived from stored
// totals, so rounding does not compound across trades beyond one rounding
// of the quotient to AvgPriceScale places.
func Extend(existing model.Position, quantity, price decimal.Decimal) (model.Position, error) {
	if !quantity.IsPositive() || !price.IsPositive() {
		return model.Position{}, fmt.Errorf("extend %s: quantity %s at %s: %w", existing.Symbol, quantity, price, ErrInvalidAmount)
	}
	q0, p0 := existing.Quantity, existing.AvgPrice
	newQty := q0.Add(quantity)
	cost := q0.Mul(p0).Add(quantity.Mul(price))

	next := existing
	next.Quantity = newQty
	next.AvgPrice = cost.DivRound(newQty, AvgPriceScale)
	return next, nil
}

// Reduce removes quantity from a position. The average price is unchanged.
// A zero result means the position is closed and its row must be deleted.
func Reduce(existing model.Position, quantity decimal.Decimal) (model.Position, error) {
	if !quantity.IsPositive() {
		return model.Position{}, fmt.Errorf("reduce %s: quantity %s: %w", existing.Symbol, quantity, ErrInvalidAmount)
	}
	if quantity.GreaterThan(existing.Quantity) {
		return model.Position{}, fmt.Errorf("sell %s of %s, hold %s: %w",
			quantity, existing.Symbol, existing.Quantity, ErrNotEnoughQuantity)
	}
	next := existing
	next.Quantity = existing.Quantity.Sub(quantity)
	return next, nil
}

// Lookup reads the position of symbol within the unit. A missing row is
// reported as ErrNoHoldings.
func (b *Positions) Lookup(ctx context.Context, u store.Unit, accountID, symbol string) (*model.Position, error) {
	p, err := u.ReadPosition(ctx, accountID, symbol)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", symbol, ErrNoHoldings)
		}
		return nil, err
	}
	return p, nil
}

// Buy opens a position or extends the existing one and writes it.
func (b *Positions) Buy(ctx context.Context, u store.Unit, accountID, symbol string, assetType model.AssetType, quantity, price decimal.Decimal) (*model.Position, error) {
	var next model.Position

	existing, err := b.Lookup(ctx, u, accountID, symbol)
	switch {
	case errors.Is(err, ErrNoHoldings):
		next, err = Open(accountID, symbol, assetType, quantity, price)
	case err != nil:
		return nil, err
	case existing.AssetType != assetType:
		return nil, fmt.Errorf("%s held as %s, bought as %s: %w",
			symbol, existing.AssetType, assetType, ErrAssetTypeMismatch)
	default:
		next, err = Extend(*existing, quantity, price)
	}
	if err != nil {
		return nil, err
	}

	next.UpdatedAt = b.now().UTC()
	if err := u.WritePosition(ctx, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// Sell reduces the position and writes it, deleting the row when the
// quantity reaches exactly zero. The returned position carries the
// remaining quantity, which may be zero.
func (b *Positions) Sell(ctx context.Context, u store.Unit, accountID, symbol string, quantity decimal.Decimal) (*model.Position, error) {
	existing, err := b.Lookup(ctx, u, accountID, symbol)
	if err != nil {
		return nil, err
	}
	next, err := Reduce(*existing, quantity)
	if err != nil {
		return nil, err
	}

	next.UpdatedAt = b.now().UTC()
	if next.Quantity.IsZero() {
		err = u.DeletePosition(ctx, accountID, symbol)
	} else {
		err = u.WritePosition(ctx, &next)
	}
	if err != nil {
		return nil, err
	}
	return &next, nil
}
