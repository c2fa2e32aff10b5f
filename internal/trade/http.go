package trade

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/portfolio-engine/internal/ledger"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/store"
)

// codeBadRequest is reported for bodies that cannot be decoded.
const codeBadRequest = "BAD_REQUEST"

// --- Request/Response types ---

// AmountRequest is the JSON body for deposit and withdraw.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// CashRequest is the JSON body for POST /accounts/{accountID}/cash.
type CashRequest struct {
	Action string          `json:"action"` // DEPOSIT or WITHDRAW
	Amount decimal.Decimal `json:"amount"`
}

// CashResponse is returned by the cash routes.
type CashResponse struct {
	AccountID   string             `json:"account_id"`
	CashBalance decimal.Decimal    `json:"cash_balance"`
	Transaction *model.Transaction `json:"transaction,omitempty"`
}

// PriceResponse is returned by GET /prices/{symbol}.
type PriceResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Routes mounts the engine's HTTP surface on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/accounts", s.handleOpenAccount)
	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Get("/portfolio", s.handleGetPortfolio)
		r.Get("/cash", s.handleGetCash)
		r.Post("/cash", s.handleCash)
		r.Post("/deposit", s.handleDeposit)
		r.Post("/withdraw", s.handleWithdraw)
		r.Post("/buy", s.handleBuy)
		r.Post("/sell", s.handleSell)
		r.Get("/transactions", s.handleListTransactions)
		r.Get("/reconcile", s.handleReconcile)
	})
	r.Get("/prices/{symbol}", s.handleGetPrice)
	r.Get("/instruments", s.handleListInstruments)
}

// --- HTTP Handlers ---

// handleOpenAccount handles POST /api/v1/accounts
func (s *Service) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.OpenAccount(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// handleGetPortfolio handles GET /api/v1/accounts/{accountID}/portfolio
func (s *Service) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.GetPortfolio(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleGetCash handles GET /api/v1/accounts/{accountID}/cash
func (s *Service) handleGetCash(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	balance, err := s.GetCash(r.Context(), accountID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CashResponse{AccountID: accountID, CashBalance: balance})
}

// handleCash handles POST /api/v1/accounts/{accountID}/cash
func (s *Service) handleCash(w http.ResponseWriter, r *http.Request) {
	var req CashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, codeBadRequest, "invalid request body", http.StatusBadRequest)
		return
	}

	switch strings.ToUpper(strings.TrimSpace(req.Action)) {
	case string(model.TxDeposit):
		s.cashOperation(w, r, req.Amount, s.Deposit)
	case string(model.TxWithdraw):
		s.cashOperation(w, r, req.Amount, s.Withdraw)
	default:
		writeError(w, codeBadRequest, "action must be DEPOSIT or WITHDRAW", http.StatusBadRequest)
	}
}

// handleDeposit handles POST /api/v1/accounts/{accountID}/deposit
func (s *Service) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, codeBadRequest, "invalid request body", http.StatusBadRequest)
		return
	}
	s.cashOperation(w, r, req.Amount, s.Deposit)
}

// handleWithdraw handles POST /api/v1/accounts/{accountID}/withdraw
func (s *Service) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, codeBadRequest, "invalid request body", http.StatusBadRequest)
		return
	}
	s.cashOperation(w, r, req.Amount, s.Withdraw)
}

type cashFunc func(ctx context.Context, accountID string, amount decimal.Decimal) (*model.Transaction, error)

func (s *Service) cashOperation(w http.ResponseWriter, r *http.Request, amount decimal.Decimal, op cashFunc) {
	accountID := chi.URLParam(r, "accountID")
	tx, err := op(r.Context(), accountID, amount)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	// The balance is read after commit for display only.
	resp := CashResponse{AccountID: accountID, Transaction: tx}
	if balance, err := s.GetCash(r.Context(), accountID); err == nil {
		resp.CashBalance = balance
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBuy handles POST /api/v1/accounts/{accountID}/buy
func (s *Service) handleBuy(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTrade(w, r)
	if !ok {
		return
	}
	tx, err := s.Buy(r.Context(), req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// handleSell handles POST /api/v1/accounts/{accountID}/sell
func (s *Service) handleSell(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTrade(w, r)
	if !ok {
		return
	}
	tx, err := s.Sell(r.Context(), req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func decodeTrade(w http.ResponseWriter, r *http.Request) (TradeRequest, bool) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, codeBadRequest, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	// The URL names the account; a body account_id is ignored.
	req.AccountID = chi.URLParam(r, "accountID")
	return req, true
}

// handleListTransactions handles GET /api/v1/accounts/{accountID}/transactions?page=&limit=
// Unparseable page or limit values fall back to the defaults.
func (s *Service) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := strconv.Atoi(q.Get("page"))
	if err != nil {
		page = DefaultPage
	}
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil {
		limit = DefaultLimit
	}

	p, err := s.ListTransactions(r.Context(), chi.URLParam(r, "accountID"), page, limit)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleReconcile handles GET /api/v1/accounts/{accountID}/reconcile
func (s *Service) handleReconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Reconcile(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleGetPrice handles GET /api/v1/prices/{symbol}
func (s *Service) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	sym, price, err := s.Quote(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{Symbol: sym, Price: price})
}

// handleListInstruments handles GET /api/v1/instruments
func (s *Service) handleListInstruments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Instruments())
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(kind ledger.Kind) int {
	switch kind {
	case ledger.KindAccountNotFound:
		return http.StatusNotFound
	case ledger.KindInvalidAmount, ledger.KindInvalidInstrument:
		return http.StatusBadRequest
	case ledger.KindInsufficientFunds, ledger.KindNoHoldings, ledger.KindNotEnoughQuantity,
		ledger.KindPositionLimit, ledger.KindAssetTypeMismatch:
		return http.StatusUnprocessableEntity
	case ledger.KindInvalidMarketPrice:
		return http.StatusBadGateway
	case ledger.KindPriceUnavailable:
		return http.StatusServiceUnavailable
	case ledger.KindStoreConflict:
		return http.StatusConflict
	case ledger.KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure reports err with its kind. Internal errors are logged and
// their text is not sent to the client.
func (s *Service) writeFailure(w http.ResponseWriter, err error) {
	kind := ledger.KindOf(err)
	if errors.Is(err, store.ErrDuplicate) {
		writeError(w, string(ledger.KindStoreConflict), err.Error(), http.StatusConflict)
		return
	}

	status := StatusFor(kind)
	msg := err.Error()
	if kind == ledger.KindInternal {
		s.logger.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	if kind == ledger.KindStoreConflict {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, string(kind), msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
