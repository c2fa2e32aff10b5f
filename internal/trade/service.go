// Package trade is the execution engine: it runs Deposit, Withdraw, Buy and
// Sell as one atomic unit per account, resolves executable prices through
// the oracle, and serves portfolio and history reads. The HTTP surface and
// the WebSocket hub in this package are thin callers of the engine.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/portfolio-engine/internal/id"
	"github.com/atmx/portfolio-engine/internal/instrument"
	"github.com/atmx/portfolio-engine/internal/ledger"
	"github.com/atmx/portfolio-engine/internal/limits"
	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/oracle"
	"github.com/atmx/portfolio-engine/internal/store"
)

// Pagination bounds for ListTransactions.
const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100
)

// Options tunes the engine. Zero values take the defaults below.
type Options struct {
	PriceTimeout time.Duration // default 3s
	MaxAttempts  int           // default 5
	MinBackoff   time.Duration // default 10ms
	MaxBackoff   time.Duration // default 500ms, never below MinBackoff

	Catalog *instrument.Catalog // default instrument.DefaultCatalog()
	Clock   func() time.Time    // default time.Now
	IDs     func() string       // default id.New
}

func (o *Options) setDefaults() {
	if o.PriceTimeout <= 0 {
		o.PriceTimeout = 3 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 10 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = o.MinBackoff
	}
	if o.Catalog == nil {
		o.Catalog = instrument.DefaultCatalog()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.IDs == nil {
		o.IDs = id.New
	}
}

// Service is the trade execution engine. It keeps no mutable state of its
// own; every account mutation goes through store.WithAtomicUnit, so
// operations on one account are serialized by the store and operations on
// different accounts run in parallel.
type Service struct {
	store     store.Store
	oracle    oracle.Oracle
	limiter   *limits.ExposureLimiter
	wsHub     *WSHub // optional WebSocket hub for committed transactions
	logger    *zap.Logger
	opts      Options
	accounts  *ledger.Accounts
	positions *ledger.Positions
	txlog     *ledger.TxLog
}

// NewService creates the engine. limiter, hub and logger may be nil.
func NewService(
	st store.Store,
	px oracle.Oracle,
	limiter *limits.ExposureLimiter,
	hub *WSHub,
	logger *zap.Logger,
	opts Options,
) *Service {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     st,
		oracle:    px,
		limiter:   limiter,
		wsHub:     hub,
		logger:    logger,
		opts:      opts,
		accounts:  ledger.NewAccounts(opts.Clock),
		positions: ledger.NewPositions(opts.Clock),
		txlog:     ledger.NewTxLog(opts.Clock, opts.IDs),
	}
}

// TradeRequest is a Buy or Sell command. Price is optional; when nil the
// executable price is resolved through the oracle before the unit opens.
// AssetType may be empty for catalog symbols, and for sells of a held symbol.
type TradeRequest struct {
	AccountID string           `json:"account_id"`
	Symbol    string           `json:"symbol"`
	AssetType string           `json:"asset_type"`
	Quantity  decimal.Decimal  `json:"quantity"`
	Price     *decimal.Decimal `json:"price,omitempty"`
}

type (
	BuyRequest  = TradeRequest
	SellRequest = TradeRequest
)

// OpenAccount creates an account with a zero balance.
func (s *Service) OpenAccount(ctx context.Context) (*model.Account, error) {
	now := s.opts.Clock().UTC()
	acct := &model.Account{
		ID:          id.NewAccountID(),
		CashBalance: decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	s.logger.Info("account opened", zap.String("account_id", acct.ID))
	return acct, nil
}

// Deposit adds amount to the cash balance and logs a DEPOSIT.
func (s *Service) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (tx *model.Transaction, err error) {
	start := time.Now()
	defer func() { s.observe(model.TxDeposit, accountID, start, tx, err) }()

	if !amount.IsPositive() {
		return nil, fmt.Errorf("deposit %s: %w", amount, ledger.ErrInvalidAmount)
	}

	err = s.atomically(ctx, model.TxDeposit, accountID, func(u store.Unit) error {
		if _, err := s.accounts.Deposit(ctx, u, accountID, amount); err != nil {
			return err
		}
		var err error
		tx, err = s.txlog.Append(ctx, u, accountID, model.TxDeposit, model.AssetCash, model.CashSymbol, amount, decimal.NewFromInt(1))
		return err
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Withdraw removes amount from the cash balance and logs a WITHDRAW. A short
// balance fails the whole operation; there is no partial withdrawal.
func (s *Service) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal) (tx *model.Transaction, err error) {
	start := time.Now()
	defer func() { s.observe(model.TxWithdraw, accountID, start, tx, err) }()

	if !amount.IsPositive() {
		return nil, fmt.Errorf("withdraw %s: %w", amount, ledger.ErrInvalidAmount)
	}

	err = s.atomically(ctx, model.TxWithdraw, accountID, func(u store.Unit) error {
		if _, err := s.accounts.Withdraw(ctx, u, accountID, amount); err != nil {
			return err
		}
		var err error
		tx, err = s.txlog.Append(ctx, u, accountID, model.TxWithdraw, model.AssetCash, model.CashSymbol, amount, decimal.NewFromInt(1))
		return err
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Buy debits quantity*price, opens or extends the position and logs a BUY.
func (s *Service) Buy(ctx context.Context, req BuyRequest) (tx *model.Transaction, err error) {
	start := time.Now()
	defer func() { s.observe(model.TxBuy, req.AccountID, start, tx, err) }()

	inst, err := s.validate(req, false)
	if err != nil {
		return nil, err
	}

	if req.Price == nil {
		// Avoid an oracle round trip for an account that does not exist.
		if err := s.precheckAccount(ctx, req.AccountID); err != nil {
			return nil, err
		}
	}
	price, err := s.executablePrice(ctx, inst.Symbol, req.Price)
	if err != nil {
		return nil, err
	}
	total := req.Quantity.Mul(price)

	err = s.atomically(ctx, model.TxBuy, req.AccountID, func(u store.Unit) error {
		if _, err := s.accounts.Debit(ctx, u, req.AccountID, total); err != nil {
			return err
		}
		if err := s.checkExposure(ctx, u, req.AccountID, inst, total); err != nil {
			return err
		}
		if _, err := s.positions.Buy(ctx, u, req.AccountID, inst.Symbol, inst.AssetType, req.Quantity, price); err != nil {
			return err
		}
		var err error
		tx, err = s.txlog.Append(ctx, u, req.AccountID, model.TxBuy, inst.AssetType, inst.Symbol, req.Quantity, price)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Sell reduces the position, credits quantity*price and logs a SELL. The
// average price of the remaining position is unchanged.
func (s *Service) Sell(ctx context.Context, req SellRequest) (tx *model.Transaction, err error) {
	start := time.Now()
	defer func() { s.observe(model.TxSell, req.AccountID, start, tx, err) }()

	inst, err := s.validate(req, true)
	if err != nil {
		return nil, err
	}

	if req.Price == nil {
		// Holdings failures are reported ahead of oracle failures. The
		// check is repeated inside the unit.
		if err := s.precheckSell(ctx, req.AccountID, inst, req.Quantity); err != nil {
			return nil, err
		}
	}
	price, err := s.executablePrice(ctx, inst.Symbol, req.Price)
	if err != nil {
		return nil, err
	}
	total := req.Quantity.Mul(price)

	err = s.atomically(ctx, model.TxSell, req.AccountID, func(u store.Unit) error {
		if _, err := u.ReadAccount(ctx, req.AccountID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("account %s: %w", req.AccountID, ledger.ErrAccountNotFound)
			}
			return err
		}
		remaining, err := s.positions.Sell(ctx, u, req.AccountID, inst.Symbol, req.Quantity)
		if err != nil {
			return err
		}
		if inst.AssetType != "" && remaining.AssetType != inst.AssetType {
			return fmt.Errorf("%s held as %s, sold as %s: %w",
				inst.Symbol, remaining.AssetType, inst.AssetType, ledger.ErrAssetTypeMismatch)
		}
		if _, err := s.accounts.Credit(ctx, u, req.AccountID, total); err != nil {
			return err
		}
		tx, err = s.txlog.Append(ctx, u, req.AccountID, model.TxSell, remaining.AssetType, inst.Symbol, req.Quantity, price)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// GetCash returns the current cash balance.
func (s *Service) GetCash(ctx context.Context, accountID string) (decimal.Decimal, error) {
	acct, err := s.getAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.CashBalance, nil
}

// GetPortfolio returns cash and open positions. It performs no writes.
//
// The account row and the positions are read separately; the transaction
// count is read before and after, and since every commit appends exactly one
// transaction an unchanged count means both reads saw the same commit.
func (s *Service) GetPortfolio(ctx context.Context, accountID string) (*model.Portfolio, error) {
	var (
		acct      *model.Account
		positions []model.Position
	)
	err := s.snapshot(ctx, accountID, func() error {
		var err error
		if acct, err = s.getAccount(ctx, accountID); err != nil {
			return err
		}
		positions, err = s.store.ListPositions(ctx, accountID)
		return err
	})
	if err != nil {
		return nil, err
	}

	p := &model.Portfolio{
		AccountID:   accountID,
		CashBalance: acct.CashBalance,
		Positions:   make([]model.Position, 0, len(positions)),
		Stocks:      []model.Position{},
		Bonds:       []model.Position{},
		CostBasis:   decimal.Zero,
	}
	for _, pos := range positions {
		p.Positions = append(p.Positions, pos)
		switch pos.AssetType {
		case model.AssetStock:
			p.Stocks = append(p.Stocks, pos)
		case model.AssetBond:
			p.Bonds = append(p.Bonds, pos)
		}
		p.CostBasis = p.CostBasis.Add(pos.CostBasis())
	}
	p.TotalValue = p.CashBalance.Add(p.CostBasis)
	return p, nil
}

// ListTransactions returns one page of history, newest first. page < 1 is
// treated as 1; limit < 1 takes DefaultLimit and is capped at MaxLimit.
func (s *Service) ListTransactions(ctx context.Context, accountID string, page, limit int) (*model.TransactionPage, error) {
	if page < 1 {
		page = DefaultPage
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	var (
		total int
		txs   []model.Transaction
	)
	err := s.snapshot(ctx, accountID, func() error {
		if _, err := s.getAccount(ctx, accountID); err != nil {
			return err
		}
		var err error
		if total, err = s.store.CountTransactions(ctx, accountID); err != nil {
			return err
		}
		txs, err = s.store.ListTransactions(ctx, accountID, (page-1)*limit, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []model.Transaction{}
	}

	return &model.TransactionPage{
		Transactions: txs,
		Page:         page,
		Limit:        limit,
		Total:        total,
		TotalPages:   (total + limit - 1) / limit,
	}, nil
}

// Quote returns the oracle price of a symbol with the engine's validation
// and timeout applied.
func (s *Service) Quote(ctx context.Context, symbol string) (string, decimal.Decimal, error) {
	sym, err := instrument.NormalizeSymbol(symbol)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("%w: %v", ledger.ErrInvalidInstrument, err)
	}
	price, err := s.executablePrice(ctx, sym, nil)
	if err != nil {
		return "", decimal.Zero, err
	}
	return sym, price, nil
}

// Instruments lists the catalog.
func (s *Service) Instruments() []instrument.Instrument {
	return s.opts.Catalog.List()
}

// validate runs the checks that need no store access. For sells an empty
// asset type on an unlisted symbol is left empty and taken from the position.
func (s *Service) validate(req TradeRequest, sell bool) (instrument.Instrument, error) {
	if !req.Quantity.IsPositive() {
		return instrument.Instrument{}, fmt.Errorf("quantity %s: %w", req.Quantity, ledger.ErrInvalidAmount)
	}
	if req.Price != nil && !req.Price.IsPositive() {
		return instrument.Instrument{}, fmt.Errorf("price %s: %w", req.Price, ledger.ErrInvalidAmount)
	}

	inst, err := s.opts.Catalog.Resolve(req.Symbol, req.AssetType)
	if err != nil && sell && req.AssetType == "" && errors.Is(err, instrument.ErrInvalidAssetType) {
		var sym string
		sym, err = instrument.NormalizeSymbol(req.Symbol)
		inst = instrument.Instrument{Symbol: sym}
	}
	if err != nil {
		return instrument.Instrument{}, fmt.Errorf("%w: %v", ledger.ErrInvalidInstrument, err)
	}
	return inst, nil
}

func (s *Service) getAccount(ctx context.Context, accountID string) (*model.Account, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("account %s: %w", accountID, ledger.ErrAccountNotFound)
		}
		return nil, err
	}
	return acct, nil
}

func (s *Service) precheckAccount(ctx context.Context, accountID string) error {
	_, err := s.getAccount(ctx, accountID)
	return err
}

// precheckSell is a read-only look at the position outside any unit.
func (s *Service) precheckSell(ctx context.Context, accountID string, inst instrument.Instrument, quantity decimal.Decimal) error {
	if err := s.precheckAccount(ctx, accountID); err != nil {
		return err
	}
	pos, err := s.store.GetPosition(ctx, accountID, inst.Symbol)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s: %w", inst.Symbol, ledger.ErrNoHoldings)
		}
		return err
	}
	if inst.AssetType != "" && pos.AssetType != inst.AssetType {
		return fmt.Errorf("%s held as %s, sold as %s: %w",
			inst.Symbol, pos.AssetType, inst.AssetType, ledger.ErrAssetTypeMismatch)
	}
	_, err = ledger.Reduce(*pos, quantity)
	return err
}

// executablePrice returns the caller's price or asks the oracle under
// PriceTimeout. It never falls back to a stale or zero price.
func (s *Service) executablePrice(ctx context.Context, symbol string, explicit *decimal.Decimal) (decimal.Decimal, error) {
	if explicit != nil {
		if !explicit.IsPositive() {
			return decimal.Zero, fmt.Errorf("price %s: %w", explicit, ledger.ErrInvalidAmount)
		}
		return *explicit, nil
	}
	if s.oracle == nil {
		return decimal.Zero, fmt.Errorf("%s: no price source: %w", symbol, ledger.ErrPriceUnavailable)
	}

	pctx, cancel := context.WithTimeout(ctx, s.opts.PriceTimeout)
	defer cancel()

	start := time.Now()
	price, err := s.oracle.GetPrice(pctx, symbol)
	metrics.OracleLatency.Observe(time.Since(start).Seconds())

	switch {
	case err == nil && price.IsPositive():
		return price, nil
	case err == nil:
		err = fmt.Errorf("%s: oracle returned %s: %w", symbol, price, ledger.ErrInvalidMarketPrice)
	case ctx.Err() != nil:
		// The caller went away; that is not an oracle failure.
		return decimal.Zero, ctx.Err()
	case errors.Is(err, oracle.ErrNoPrice):
		err = fmt.Errorf("%s: %w: %v", symbol, ledger.ErrInvalidMarketPrice, err)
	default:
		err = fmt.Errorf("%s: %w: %v", symbol, ledger.ErrPriceUnavailable, err)
	}
	metrics.OracleFailures.WithLabelValues(string(ledger.KindOf(err))).Inc()
	return decimal.Zero, err
}

func (s *Service) checkExposure(ctx context.Context, u store.Unit, accountID string, inst instrument.Instrument, notional decimal.Decimal) error {
	if !s.limiter.Enabled() {
		return nil
	}
	positions, err := u.ReadPositions(ctx, accountID)
	if err != nil {
		return err
	}
	if err := s.limiter.CheckBuy(inst.Symbol, inst.AssetType, notional, positions); err != nil {
		metrics.ExposureLimitRejections.Inc()
		return fmt.Errorf("%w: %v", ledger.ErrPositionLimit, err)
	}
	return nil
}

// observe records the outcome of one operation after it returns.
func (s *Service) observe(op model.TxType, accountID string, start time.Time, tx *model.Transaction, err error) {
	metrics.OperationLatency.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())

	if err != nil {
		kind := ledger.KindOf(err)
		metrics.OperationsTotal.WithLabelValues(string(op), string(kind)).Inc()

		fields := []zap.Field{
			zap.String("type", string(op)),
			zap.String("account_id", accountID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		}
		if kind == ledger.KindInternal {
			s.logger.Error("operation failed", fields...)
		} else {
			s.logger.Warn("operation aborted", fields...)
		}
		return
	}

	metrics.OperationsTotal.WithLabelValues(string(op), metrics.OutcomeOK).Inc()
	if op == model.TxBuy || op == model.TxSell {
		metrics.TradeVolume.WithLabelValues(tx.Symbol, string(op)).Add(tx.Quantity.InexactFloat64())
	}

	s.logger.Info("operation committed",
		zap.String("tx_id", tx.ID),
		zap.String("type", string(op)),
		zap.String("account_id", accountID),
		zap.String("symbol", tx.Symbol),
		zap.String("quantity", tx.Quantity.String()),
		zap.String("price", tx.Price.String()),
		zap.String("total", tx.Total.String()),
		zap.Duration("elapsed", time.Since(start)),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(NewTransactionMessage(tx))
	}
}
