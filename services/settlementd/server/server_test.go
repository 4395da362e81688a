package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"atomintents/native/intents"
	"atomintents/services/settlementd/auction"
	"atomintents/services/settlementd/bond"
	"atomintents/services/settlementd/settlement"
	"atomintents/services/settlementd/solver"
	"atomintents/services/settlementd/storage"
)

const (
	testSecret     = "solver-secret"
	testAdminToken = "admin-token"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fixture struct {
	srv     *Server
	engine  *auction.Engine
	manager *settlement.Manager
	pool    *bond.Pool
	store   *storage.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
	pool, err := bond.NewPool(bond.Params{
		BondDenom:              "uatom",
		LockMultiplier:         decimal.RequireFromString("1.5"),
		LSMHaircut:             decimal.RequireFromString("0.10"),
		MaxConcurrentPerSolver: 10,
	})
	require.NoError(t, err)
	store := storage.NewMemoryStore()
	manager, err := settlement.NewManager(settlement.Config{BondChain: "cosmoshub-4", BondDenom: "uatom"}, store, pool)
	require.NoError(t, err)
	engine, err := auction.NewEngine(auction.Config{}, auction.WithClock(clock.Now))
	require.NoError(t, err)
	registry := prometheus.NewRegistry()
	srv, err := New(Config{
		Auctions:    engine,
		Settlements: manager,
		Store:       store,
		Bonds:       pool,
		Reputation:  solver.NewReputation(),
		Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Auth:        AuthConfig{SolverSecret: testSecret, AdminToken: testAdminToken},
	})
	require.NoError(t, err)
	return &fixture{srv: srv, engine: engine, manager: manager, pool: pool, store: store}
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func solverToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func intentBody(id string) map[string]interface{} {
	return map[string]interface{}{
		"id":     id,
		"owner":  "cosmos1user",
		"input":  map[string]string{"chain": "cosmoshub-4", "denom": "uatom", "amount": "100"},
		"output": map[string]string{"chain": "osmosis-1", "denom": "uosmo", "min_amount": "1400"},
		"fill":   map[string]interface{}{"allow_partial": false, "min_fill_pct": "0", "strategy": "all_or_nothing"},
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "ok")

	rr = f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestIntentLifecycle(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/v1/intents", "", intentBody("intent-1"))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var queued intents.Intent
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &queued))
	require.Equal(t, intents.StatusPending, queued.Status)

	rr = f.do(t, http.MethodPost, "/v1/intents", "", intentBody("intent-1"))
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/intents/intent-1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodDelete, "/v1/intents/intent-1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &queued))
	require.Equal(t, intents.StatusCancelled, queued.Status)

	rr = f.do(t, http.MethodGet, "/v1/intents/missing", "", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSubmitIntentRejectsInvalidPayloads(t *testing.T) {
	f := newFixture(t)
	body := intentBody("intent-1")
	body["input"] = map[string]string{"chain": "cosmoshub-4", "denom": "uatom", "amount": "0"}
	rr := f.do(t, http.MethodPost, "/v1/intents", "", body)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	body = intentBody("intent-2")
	body["liquidation"] = map[string]string{"source_settlement_id": "s-1"}
	rr = f.do(t, http.MethodPost, "/v1/intents", "", body)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestQuoteRequiresSolverToken(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/v1/intents", "", intentBody("intent-1"))
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.NoError(t, f.engine.Tick(context.Background()))
	current, ok := f.engine.Current()
	require.True(t, ok)

	quote := map[string]interface{}{
		"auction_id":    current.ID,
		"intent_ids":    []string{"intent-1"},
		"input_amount":  "100",
		"output_amount": "1500",
		"confidence":    0.9,
	}
	rr = f.do(t, http.MethodPost, "/v1/quotes", "", quote)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/quotes", "not-a-jwt", quote)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/quotes", solverToken(t, "solver-a"), quote)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var accepted intents.Quote
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &accepted))
	require.Equal(t, "solver-a", accepted.SolverID)
	require.NotEmpty(t, accepted.ID)

	quote["solver_id"] = "solver-b"
	rr = f.do(t, http.MethodPost, "/v1/quotes", solverToken(t, "solver-a"), quote)
	require.Equal(t, http.StatusForbidden, rr.Code)

	delete(quote, "solver_id")
	quote["auction_id"] = "stale-auction"
	rr = f.do(t, http.MethodPost, "/v1/quotes", solverToken(t, "solver-a"), quote)
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/auctions/current", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = f.do(t, http.MethodGet, "/v1/auctions/"+current.ID, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = f.do(t, http.MethodGet, "/v1/auctions/stats", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"quotes_accepted":1`)
}

func (f *fixture) startSettlement(t *testing.T) storage.Record {
	t.Helper()
	_, err := f.pool.Deposit("solver-a", bond.Native("uatom"), decimal.NewFromInt(1_000))
	require.NoError(t, err)
	rec, err := f.manager.StartSettlement(context.Background(), intents.Fill{
		AuctionID: "auction-1",
		Intent: &intents.Intent{
			ID:     "intent-9",
			Owner:  "cosmos1user",
			Input:  intents.Asset{Chain: "cosmoshub-4", Denom: "uatom", Amount: decimal.NewFromInt(100)},
			Output: intents.OutputSpec{Chain: "osmosis-1", Denom: "uosmo", MinAmount: decimal.NewFromInt(1_400)},
		},
		Quote:        intents.Quote{ID: "quote-9", SolverID: "solver-a", IntentIDs: []string{"intent-9"}},
		FillAmount:   decimal.NewFromInt(100),
		OutputAmount: decimal.NewFromInt(1_500),
	})
	require.NoError(t, err)
	return rec
}

func TestSettlementQueries(t *testing.T) {
	f := newFixture(t)
	rec := f.startSettlement(t)

	rr := f.do(t, http.MethodGet, "/v1/settlements/"+rec.ID, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), string(settlement.RecoveryRefundAndRetry))

	rr = f.do(t, http.MethodGet, "/v1/settlements/"+rec.ID+"/history", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/settlements?solver=solver-a", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var records []storage.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &records))
	require.Len(t, records, 1)

	rr = f.do(t, http.MethodGet, "/v1/settlements?status=bogus", "", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/settlements/stuck", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/settlements/missing", "", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/bonds/solver-a", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"active_locks":1`)
}

func TestAdminAdvancesSettlement(t *testing.T) {
	f := newFixture(t)
	rec := f.startSettlement(t)
	path := "/v1/admin/settlements/" + rec.ID + "/advance"

	rr := f.do(t, http.MethodPost, path, "", map[string]string{"event": "user_locked"})
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodPost, path, testAdminToken, map[string]interface{}{"event": "executing", "sequence": 4})
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodPost, path, testAdminToken, map[string]string{"event": "user_locked", "escrow_id": "escrow-1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodPost, path, testAdminToken, map[string]string{"event": "teleported"})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/admin/settlements/"+rec.ID+"/fail", testAdminToken, map[string]string{"reason": "operator abort"})
	require.Equal(t, http.StatusOK, rr.Code)
	var failed storage.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &failed))
	require.Equal(t, storage.StatusFailed, failed.Status)

	rr = f.do(t, http.MethodPost, "/v1/admin/settlements/"+rec.ID+"/complete", testAdminToken, map[string]string{"outcome": "success"})
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestAdminBondDeposits(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/v1/admin/bonds/solver-z/deposits", testAdminToken,
		map[string]string{"kind": "native", "denom": "uatom", "amount": "500"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var dep bond.Deposit
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &dep))

	rr = f.do(t, http.MethodPost, "/v1/admin/bonds/solver-z/deposits", testAdminToken,
		map[string]string{"kind": "native", "denom": "uatom", "amount": "-1"})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/admin/bonds/solver-z/deposits/"+dep.ID+"/withdraw", testAdminToken,
		map[string]string{"amount": "200"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/bonds/solver-z", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, strings.Contains(rr.Body.String(), `"total_value":"300"`), rr.Body.String())
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	engine, err := auction.NewEngine(auction.Config{})
	require.NoError(t, err)
	pool, err := bond.NewPool(bond.Params{BondDenom: "uatom", LockMultiplier: decimal.NewFromInt(1)})
	require.NoError(t, err)
	manager, err := settlement.NewManager(settlement.Config{}, storage.NewMemoryStore(), pool)
	require.NoError(t, err)
	srv, err := New(Config{Auctions: engine, Settlements: manager})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/settlements/x/fail", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/bonds/solver-a", nil)
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}
