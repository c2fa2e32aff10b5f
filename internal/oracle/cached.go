package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Cached wraps an Oracle with a short TTL cache and coalesces concurrent
// lookups of the same symbol into one upstream call. Errors are not cached.
type Cached struct {
	next  Oracle
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]cachedPrice
}

type cachedPrice struct {
	price   decimal.Decimal
	expires time.Time
}

// NewCached creates the wrapper. A non-positive ttl disables caching but
// keeps the coalescing.
func NewCached(next Oracle, ttl time.Duration) *Cached {
	return &Cached{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedPrice),
	}
}

func (c *Cached) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if p, ok := c.lookup(symbol); ok {
		return p, nil
	}

	// The shared call must not die with whichever caller started it; each
	// caller still stops waiting when its own ctx ends.
	ch := c.group.DoChan(symbol, func() (any, error) {
		p, err := c.next.GetPrice(context.WithoutCancel(ctx), symbol)
		if err != nil {
			return nil, err
		}
		c.store(symbol, p)
		return p, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return decimal.Zero, res.Err
		}
		return res.Val.(decimal.Decimal), nil
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	}
}

func (c *Cached) lookup(symbol string) (decimal.Decimal, bool) {
	if c.ttl <= 0 {
		return decimal.Zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[symbol]
	if !ok || c.now().After(e.expires) {
		return decimal.Zero, false
	}
	return e.price, true
}

func (c *Cached) store(symbol string, p decimal.Decimal) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[symbol] = cachedPrice{price: p, expires: c.now().Add(c.ttl)}
}
