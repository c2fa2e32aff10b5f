// Package oracle provides latest-price lookups for tradable symbols.
//
// The engine treats every Oracle as unreliable: any error, missing price
// or non-positive price aborts the operation that needed it.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned when the source has no price for a symbol.
var ErrNoPrice = errors.New("oracle: no price")

// Oracle returns the latest tradable price of a symbol.
type Oracle interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Func adapts a plain function to Oracle.
type Func func(ctx context.Context, symbol string) (decimal.Decimal, error)

func (f Func) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f(ctx, symbol)
}

// Static serves prices from an in-memory table. Used for development and
// tests; prices can be changed at runtime with Set.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic creates a static oracle seeded with prices.
func NewStatic(prices map[string]decimal.Decimal) *Static {
	s := &Static{prices: make(map[string]decimal.Decimal, len(prices))}
	for sym, p := range prices {
		s.prices[strings.ToUpper(sym)] = p
	}
	return s
}

// Set replaces the price of symbol.
func (s *Static) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[strings.ToUpper(symbol)] = price
}

// Delete removes symbol so that lookups return ErrNoPrice.
func (s *Static) Delete(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, strings.ToUpper(symbol))
}

func (s *Static) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
	}
	return p, nil
}
