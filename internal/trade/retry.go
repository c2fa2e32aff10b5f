package trade

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/portfolio-engine/internal/ledger"
	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/store"
)

// atomically runs fn in one atomic unit and reruns the whole unit when the
// store reports a serialization conflict. Any other error, domain or not,
// ends the operation. fn must be safe to rerun: it starts from the store's
// committed state each time.
func (s *Service) atomically(ctx context.Context, op model.TxType, accountID string, fn func(store.Unit) error) error {
	var err error
	for attempt := 0; attempt < s.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			metrics.ConflictRetries.WithLabelValues(string(op)).Inc()
			wait := backoff(attempt-1, s.opts.MinBackoff, s.opts.MaxBackoff)
			s.logger.Debug("store conflict, retrying unit",
				zap.String("type", string(op)),
				zap.String("account_id", accountID),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", wait),
			)
			if err := sleep(ctx, wait); err != nil {
				return err
			}
		}

		err = s.store.WithAtomicUnit(ctx, accountID, fn)
		if !errors.Is(err, store.ErrConflict) {
			return accountError(err)
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ledger.ErrStoreConflict, s.opts.MaxAttempts, err)
}

// accountError classifies a not-found raised by the store while opening the
// unit. Durable stores lock the account row before fn runs, so a missing
// account surfaces there instead of through ledger.Accounts.
func accountError(err error) error {
	if errors.Is(err, store.ErrNotFound) && ledger.KindOf(err) == ledger.KindInternal {
		return fmt.Errorf("%w: %v", ledger.ErrAccountNotFound, err)
	}
	return err
}

// snapshot reruns read until no transaction was committed on the account
// while it ran. Commits always append one transaction, so an unchanged
// count brackets a consistent view.
func (s *Service) snapshot(ctx context.Context, accountID string, read func() error) error {
	for attempt := 0; attempt < s.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, backoff(attempt-1, s.opts.MinBackoff, s.opts.MaxBackoff)); err != nil {
				return err
			}
		}

		before, err := s.store.CountTransactions(ctx, accountID)
		if err != nil {
			return err
		}
		if err := read(); err != nil {
			return err
		}
		after, err := s.store.CountTransactions(ctx, accountID)
		if err != nil {
			return err
		}
		if before == after {
			return nil
		}
	}
	return fmt.Errorf("read of %s kept racing writes: %w", accountID, ledger.ErrStoreConflict)
}

// backoff returns base * 2^attempt capped at limit, with the upper half
// randomised so that contending units do not retry in lockstep.
func backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := limit
	if attempt <= 30 {
		if b := base * time.Duration(1<<attempt); b > 0 && b < limit {
			d = b
		}
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half+1)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
