package ledger

import (
	"context"
	"errors"

	"github.com/atmx/portfolio-engine/internal/store"
)

// Kind is the reported category of a failed operation. Callers receive the
// kind verbatim; kinds are never collapsed into a generic failure.
type Kind string

const (
	KindNone               Kind = ""
	KindAccountNotFound    Kind = "ACCOUNT_NOT_FOUND"
	KindInvalidAmount      Kind = "INVALID_AMOUNT"
	KindInsufficientFunds  Kind = "INSUFFICIENT_FUNDS"
	KindNoHoldings         Kind = "NO_HOLDINGS"
	KindNotEnoughQuantity  Kind = "NOT_ENOUGH_QUANTITY"
	KindInvalidMarketPrice Kind = "INVALID_MARKET_PRICE"
	KindPriceUnavailable   Kind = "PRICE_UNAVAILABLE"
	KindStoreConflict      Kind = "STORE_CONFLICT"
	KindInvalidInstrument  Kind = "INVALID_INSTRUMENT"
	KindAssetTypeMismatch  Kind = "ASSET_TYPE_MISMATCH"
	KindPositionLimit      Kind = "POSITION_LIMIT"
	KindCanceled           Kind = "CANCELED"
	KindInternal           Kind = "INTERNAL"
)

var (
	ErrAccountNotFound    = errors.New("ledger: account not found")
	ErrInvalidAmount      = errors.New("ledger: amount must be positive")
	ErrInsufficientFunds  = errors.New("ledger: insufficient funds")
	ErrNoHoldings         = errors.New("ledger: no holdings for symbol")
	ErrNotEnoughQuantity  = errors.New("ledger: not enough quantity")
	ErrInvalidMarketPrice = errors.New("ledger: invalid market price")
	ErrPriceUnavailable   = errors.New("ledger: market price unavailable")
	ErrStoreConflict      = errors.New("ledger: store conflict, retry the operation")
	ErrInvalidInstrument  = errors.New("ledger: invalid instrument")
	ErrAssetTypeMismatch  = errors.New("ledger: symbol already held under another asset type")
	ErrPositionLimit      = errors.New("ledger: position limit exceeded")
)

// kinds is checked in order; the first match wins.
var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrAccountNotFound, KindAccountNotFound},
	{ErrInvalidAmount, KindInvalidAmount},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrNoHoldings, KindNoHoldings},
	{ErrNotEnoughQuantity, KindNotEnoughQuantity},
	{ErrInvalidMarketPrice, KindInvalidMarketPrice},
	{ErrPriceUnavailable, KindPriceUnavailable},
	{ErrInvalidInstrument, KindInvalidInstrument},
	{ErrAssetTypeMismatch, KindAssetTypeMismatch},
	{ErrPositionLimit, KindPositionLimit},
	{ErrStoreConflict, KindStoreConflict},
	{store.ErrConflict, KindStoreConflict},
	{context.Canceled, KindCanceled},
	{context.DeadlineExceeded, KindCanceled},
}

// KindOf classifies err. It returns KindNone for nil and KindInternal for
// errors outside the taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
