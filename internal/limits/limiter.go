// Package limits implements optional exposure caps checked before a buy is
// applied.
//
// Exposure is measured at cost basis (quantity * average price), so a cap
// bounds how much cash an account can commit to one symbol or to one asset
// class. Positions in the same asset class are treated as correlated.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

var (
	// ErrSymbolLimitExceeded is returned when a buy would push the cost
	// basis of a single symbol beyond MaxPerSymbol.
	ErrSymbolLimitExceeded = errors.New("limits: per-symbol exposure limit exceeded")

	// ErrAssetClassLimitExceeded is returned when a buy would push the
	// aggregate cost basis of an asset class beyond MaxPerAssetClass.
	ErrAssetClassLimitExceeded = errors.New("limits: asset class exposure limit exceeded")
)

// ExposureLimiter enforces exposure caps. A zero cap disables that check.
type ExposureLimiter struct {
	// MaxPerSymbol is the maximum cost basis held in any single symbol.
	MaxPerSymbol decimal.Decimal

	// MaxPerAssetClass is the maximum aggregate cost basis across all
	// symbols of one asset type.
	MaxPerAssetClass decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given caps.
func NewExposureLimiter(maxPerSymbol, maxPerAssetClass decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerSymbol:     maxPerSymbol,
		MaxPerAssetClass: maxPerAssetClass,
	}
}

// Enabled reports whether any cap is set.
func (l *ExposureLimiter) Enabled() bool {
	return l != nil && (l.MaxPerSymbol.IsPositive() || l.MaxPerAssetClass.IsPositive())
}

// CheckBuy validates whether buying notional worth of symbol respects the
// caps, given the account's current positions.
//
// Returns nil if the buy is within limits, or an error describing the violation.
func (l *ExposureLimiter) CheckBuy(
	symbol string,
	assetType model.AssetType,
	notional decimal.Decimal,
	positions []model.Position,
) error {
	if !l.Enabled() {
		return nil
	}

	inSymbol := notional
	inClass := notional
	for _, p := range positions {
		basis := p.CostBasis()
		if p.Symbol == symbol {
			inSymbol = inSymbol.Add(basis)
		}
		if p.AssetType == assetType {
			inClass = inClass.Add(basis)
		}
	}

	// 1. Per-symbol limit.
	if l.MaxPerSymbol.IsPositive() && inSymbol.GreaterThan(l.MaxPerSymbol) {
		return ErrSymbolLimitExceeded
	}

	// 2. Asset class (correlated) limit.
	if l.MaxPerAssetClass.IsPositive() && inClass.GreaterThan(l.MaxPerAssetClass) {
		return ErrAssetClassLimitExceeded
	}

	return nil
}
