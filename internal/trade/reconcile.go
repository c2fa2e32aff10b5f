package trade

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/ledger"
	"github.com/atmx/portfolio-engine/internal/model"
)

// reconcilePageSize bounds each history read during a replay.
const reconcilePageSize = 500

// Drift is one symbol whose stored quantity disagrees with the log.
type Drift struct {
	Symbol         string          `json:"symbol"`
	StoredQuantity decimal.Decimal `json:"stored_quantity"`
	LoggedQuantity decimal.Decimal `json:"logged_quantity"`
}

// Reconciliation compares an account's stored state with the state its
// transaction log implies.
type Reconciliation struct {
	AccountID    string          `json:"account_id"`
	Transactions int             `json:"transactions"`
	StoredCash   decimal.Decimal `json:"stored_cash"`
	LoggedCash   decimal.Decimal `json:"logged_cash"`
	Drift        []Drift         `json:"drift"`
	Consistent   bool            `json:"consistent"`
}

// Reconcile replays the account's full history and reports any difference
// from the stored balance and positions. It performs no writes.
func (s *Service) Reconcile(ctx context.Context, accountID string) (*Reconciliation, error) {
	var (
		acct      *model.Account
		positions []model.Position
		history   []model.Transaction
	)
	err := s.snapshot(ctx, accountID, func() error {
		var err error
		if acct, err = s.getAccount(ctx, accountID); err != nil {
			return err
		}
		if positions, err = s.store.ListPositions(ctx, accountID); err != nil {
			return err
		}
		history = history[:0]
		for offset := 0; ; offset += reconcilePageSize {
			page, err := s.store.ListTransactions(ctx, accountID, offset, reconcilePageSize)
			if err != nil {
				return err
			}
			history = append(history, page...)
			if len(page) < reconcilePageSize {
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}

	cash, holdings := ledger.Replay(history)
	rep := &Reconciliation{
		AccountID:    accountID,
		Transactions: len(history),
		StoredCash:   acct.CashBalance,
		LoggedCash:   cash,
		Drift:        []Drift{},
	}

	stored := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		stored[p.Symbol] = p.Quantity
	}
	symbols := make(map[string]struct{}, len(stored)+len(holdings))
	for sym := range stored {
		symbols[sym] = struct{}{}
	}
	for sym := range holdings {
		symbols[sym] = struct{}{}
	}
	for sym := range symbols {
		have, logged := stored[sym], holdings[sym].Quantity
		if !have.Equal(logged) {
			rep.Drift = append(rep.Drift, Drift{Symbol: sym, StoredQuantity: have, LoggedQuantity: logged})
		}
	}
	sort.Slice(rep.Drift, func(i, j int) bool { return rep.Drift[i].Symbol < rep.Drift[j].Symbol })

	rep.Consistent = rep.StoredCash.Equal(rep.LoggedCash) && len(rep.Drift) == 0
	return rep, nil
}
