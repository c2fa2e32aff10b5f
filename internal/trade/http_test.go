package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-engine/internal/instrument"
	"github.com/atmx/portfolio-engine/internal/ledger"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/oracle"
	"github.com/atmx/portfolio-engine/internal/store"
	"github.com/atmx/portfolio-engine/internal/trade"
)

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*trade.Service, *oracle.Static, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	px := oracle.NewStatic(map[string]decimal.Decimal{"AAPL": d(80)})
	svc := trade.NewService(ms, px, nil, nil, nil, fastOptions())

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return svc, px, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func openViaHTTP(t *testing.T, router chi.Router) string {
	t.Helper()
	w := do(t, router, http.MethodPost, "/api/v1/accounts", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBody[model.Account](t, w).ID
}

func TestHTTP_TradeRoundTrip(t *testing.T) {
	_, _, router := newTestEnv(t)
	acct := openViaHTTP(t, router)
	base := "/api/v1/accounts/" + acct

	w := do(t, router, http.MethodPost, base+"/deposit", map[string]string{"amount": "1000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cash := decodeBody[trade.CashResponse](t, w)
	assertDec(t, "1000", cash.CashBalance)
	require.NotNil(t, cash.Transaction)
	assert.Equal(t, model.TxDeposit, cash.Transaction.Type)

	w = do(t, router, http.MethodPost, base+"/buy", map[string]any{
		"symbol": "aapl", "quantity": "10", "price": "50",
		"account_id": "someone-else",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tx := decodeBody[model.Transaction](t, w)
	assert.Equal(t, acct, tx.AccountID, "the URL names the account")
	assert.Equal(t, "AAPL", tx.Symbol)
	assertDec(t, "500", tx.Total)

	w = do(t, router, http.MethodPost, base+"/sell", map[string]any{"symbol": "AAPL", "quantity": "4"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tx = decodeBody[model.Transaction](t, w)
	assertDec(t, "80", tx.Price)

	w = do(t, router, http.MethodGet, base+"/portfolio", nil)
	require.Equal(t, http.StatusOK, w.Code)
	p := decodeBody[model.Portfolio](t, w)
	assertDec(t, "820", p.CashBalance)
	require.Len(t, p.Stocks, 1)
	assertDec(t, "6", p.Stocks[0].Quantity)
	assert.NotNil(t, p.Bonds)

	w = do(t, router, http.MethodGet, base+"/transactions?page=1&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decodeBody[model.TransactionPage](t, w)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, model.TxSell, page.Transactions[0].Type)

	w = do(t, router, http.MethodGet, base+"/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[trade.Reconciliation](t, w).Consistent)
}

func TestHTTP_CashRoute(t *testing.T) {
	_, _, router := newTestEnv(t)
	acct := openViaHTTP(t, router)
	base := "/api/v1/accounts/" + acct + "/cash"

	w := do(t, router, http.MethodPost, base, trade.CashRequest{Action: "deposit", Amount: d(100)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, base, trade.CashRequest{Action: "WITHDRAW", Amount: d(30)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assertDec(t, "70", decodeBody[trade.CashResponse](t, w).CashBalance)

	w = do(t, router, http.MethodPost, base, trade.CashRequest{Action: "transfer", Amount: d(1)})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assertDec(t, "70", decodeBody[trade.CashResponse](t, w).CashBalance)
}

func TestHTTP_ErrorMapping(t *testing.T) {
	_, px, router := newTestEnv(t)
	acct := openViaHTTP(t, router)
	base := "/api/v1/accounts/" + acct

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   ledger.Kind
	}{
		{"unknown account", http.MethodGet, "/api/v1/accounts/nope/portfolio", nil, http.StatusNotFound, ledger.KindAccountNotFound},
		{"zero deposit", http.MethodPost, base + "/deposit", map[string]string{"amount": "0"}, http.StatusBadRequest, ledger.KindInvalidAmount},
		{"overdraw", http.MethodPost, base + "/withdraw", map[string]string{"amount": "1"}, http.StatusUnprocessableEntity, ledger.KindInsufficientFunds},
		{"no holdings", http.MethodPost, base + "/sell", map[string]string{"symbol": "AAPL", "quantity": "1"}, http.StatusUnprocessableEntity, ledger.KindNoHoldings},
		{"bad symbol", http.MethodPost, base + "/buy", map[string]string{"symbol": "$$$", "quantity": "1"}, http.StatusBadRequest, ledger.KindInvalidInstrument},
		{"no price", http.MethodGet, "/api/v1/prices/MSFT", nil, http.StatusBadGateway, ledger.KindInvalidMarketPrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, string(tt.code), decodeBody[trade.ErrorResponse](t, w).Code)
		})
	}

	w := do(t, router, http.MethodPost, base+"/deposit", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "empty body")

	px.Set("AAPL", d(81.5))
	w = do(t, router, http.MethodGet, "/api/v1/prices/aapl", nil)
	require.Equal(t, http.StatusOK, w.Code)
	price := decodeBody[trade.PriceResponse](t, w)
	assert.Equal(t, "AAPL", price.Symbol)
	assertDec(t, "81.5", price.Price)
}

func TestHTTP_ConflictSetsRetryAfter(t *testing.T) {
	ms := store.NewMemoryStore()
	seed := trade.NewService(ms, nil, nil, nil, nil, fastOptions())
	acct := openFunded(t, seed, 10)

	cs := &conflictStore{Store: ms}
	cs.remaining.Store(1000)
	opts := fastOptions()
	opts.MaxAttempts = 2
	svc := trade.NewService(cs, nil, nil, nil, nil, opts)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	w := do(t, r, http.MethodPost, "/api/v1/accounts/"+acct+"/withdraw", map[string]string{"amount": "1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, string(ledger.KindStoreConflict), decodeBody[trade.ErrorResponse](t, w).Code)
}

func TestHTTP_InternalErrorsAreNotLeaked(t *testing.T) {
	fs := &failingStore{Store: store.NewMemoryStore()}
	svc := trade.NewService(fs, nil, nil, nil, nil, fastOptions())
	acct := openFunded(t, svc, 10)
	fs.fail.Store(true)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	w := do(t, r, http.MethodPost, "/api/v1/accounts/"+acct+"/deposit", map[string]string{"amount": "1"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeBody[trade.ErrorResponse](t, w)
	assert.Equal(t, "internal error", resp.Error)
	assert.NotContains(t, w.Body.String(), errInjected.Error())
}

func TestHTTP_Instruments(t *testing.T) {
	_, _, router := newTestEnv(t)
	w := do(t, router, http.MethodGet, "/api/v1/instruments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[[]instrument.Instrument](t, w)
	require.Len(t, list, 5)
	assert.Equal(t, "AAPL", list[0].Symbol)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, trade.StatusFor(ledger.KindPriceUnavailable))
	assert.Equal(t, http.StatusUnprocessableEntity, trade.StatusFor(ledger.KindNotEnoughQuantity))
	assert.Equal(t, http.StatusUnprocessableEntity, trade.StatusFor(ledger.KindPositionLimit))
	assert.Equal(t, http.StatusRequestTimeout, trade.StatusFor(ledger.KindCanceled))
	assert.Equal(t, http.StatusInternalServerError, trade.StatusFor(ledger.KindInternal))
}

func TestWSHub_StreamsCommittedTransactions(t *testing.T) {
	hub := trade.NewWSHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	ms := store.NewMemoryStore()
	svc := trade.NewService(ms, nil, nil, hub, nil, fastOptions())
	acct := openFunded(t, svc, 0)
	other := openFunded(t, svc, 0)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?account_id=" + acct
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration is asynchronous; publish until the first message lands.
	got := make(chan trade.WSMessage, 1)
	go func() {
		var msg trade.WSMessage
		if err := conn.ReadJSON(&msg); err == nil {
			got <- msg
		}
	}()

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case msg := <-got:
			assert.Equal(t, "transaction_committed", msg.Type)
			assert.Equal(t, acct, msg.AccountID)
			assert.Equal(t, string(model.TxDeposit), msg.TxType)
			return
		case <-tick.C:
			_, err := svc.Deposit(context.Background(), other, d(1))
			require.NoError(t, err)
			_, err = svc.Deposit(context.Background(), acct, d(1))
			require.NoError(t, err)
		case <-deadline:
			t.Fatal("no message received")
		}
	}
}
