package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"atomintents/native/intents"
	"atomintents/services/settlementd/bond"
	"atomintents/services/settlementd/settlement"
	"atomintents/services/settlementd/storage"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errRPC = errors.New("rpc unavailable")

func TestBreakerOpensAndRecovers(t *testing.T) {
	clock := &stepClock{now: time.Unix(1_700_000_000, 0)}
	b := NewCircuitBreaker(BreakerConfig{}, clock.Now, nil)
	fail := func() error { return errRPC }
	ok := func() error { return nil }

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, b.Call(fail), errRPC)
	}
	require.Equal(t, CircuitOpen, b.State())
	require.ErrorIs(t, b.Call(ok), ErrCircuitOpen)

	clock.Advance(59 * time.Second)
	require.Equal(t, CircuitOpen, b.State())
	clock.Advance(time.Second)
	require.Equal(t, CircuitHalfOpen, b.State())

	require.NoError(t, b.Call(ok))
	require.Equal(t, CircuitHalfOpen, b.State())
	require.NoError(t, b.Call(ok))
	require.Equal(t, CircuitClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &stepClock{now: time.Unix(1_700_000_000, 0)}
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Second}, clock.Now, nil)
	require.Error(t, b.Call(func() error { return errRPC }))
	clock.Advance(time.Second)
	require.Error(t, b.Call(func() error { return errRPC }))
	require.Equal(t, CircuitOpen, b.State())
}

func TestBreakerLimitsHalfOpenProbes(t *testing.T) {
	clock := &stepClock{now: time.Unix(1_700_000_000, 0)}
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 5, OpenTimeout: time.Second, HalfOpenProbes: 2}, clock.Now, nil)
	require.Error(t, b.Call(func() error { return errRPC }))
	clock.Advance(time.Second)
	require.NoError(t, b.Call(func() error { return nil }))
	require.NoError(t, b.Call(func() error { return nil }))
	require.ErrorIs(t, b.Call(func() error { return nil }), ErrCircuitOpen)
}

func TestSuccessResetsClosedFailures(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 2}, nil, nil)
	require.Error(t, b.Call(func() error { return errRPC }))
	require.NoError(t, b.Call(func() error { return nil }))
	require.Error(t, b.Call(func() error { return errRPC }))
	require.Equal(t, CircuitClosed, b.State())
}

func TestBackoffDoublesToCap(t *testing.T) {
	b := newBackOff(BackoffConfig{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, MaxAttempts: 6})
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		require.Equal(t, w, b.NextBackOff(), "attempt %d", i)
	}
	require.Equal(t, backoff.Stop, b.NextBackOff())
}

type flakyBackend struct {
	mu       sync.Mutex
	failures int
	calls    int
	feed     chan PhaseEvent
}

func (f *flakyBackend) ExecuteSettlement(_ context.Context, rec storage.Record) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return Receipt{}, errRPC
	}
	return Receipt{SettlementID: rec.ID, Reference: "ref-1"}, nil
}

func (f *flakyBackend) Events() <-chan PhaseEvent { return f.feed }

type errorLog struct {
	mu       sync.Mutex
	reported []error
}

type reportingSettler struct {
	Settler
	log *errorLog
}

func (r reportingSettler) ReportBackendError(_ context.Context, _ string, cause error) error {
	r.log.mu.Lock()
	r.log.reported = append(r.log.reported, cause)
	r.log.mu.Unlock()
	return nil
}

func fastRetry(attempts uint64) BackoffConfig {
	return BackoffConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2, MaxAttempts: attempts}
}

func TestDispatchRetriesUntilAccepted(t *testing.T) {
	backend := &flakyBackend{failures: 2}
	log := &errorLog{}
	pump, err := NewPump(backend, reportingSettler{log: log}, WithBackoff(fastRetry(5)))
	require.NoError(t, err)

	receipt, err := pump.Dispatch(context.Background(), storage.Record{ID: "s-1"})
	require.NoError(t, err)
	require.Equal(t, "ref-1", receipt.Reference)
	require.Equal(t, 3, backend.calls)
	require.Empty(t, log.reported)
}

func TestDispatchReportsExhaustedBackend(t *testing.T) {
	backend := &flakyBackend{failures: 100}
	log := &errorLog{}
	pump, err := NewPump(backend, reportingSettler{log: log}, WithBackoff(fastRetry(1)))
	require.NoError(t, err)

	_, err = pump.Dispatch(context.Background(), storage.Record{ID: "s-1"})
	require.ErrorIs(t, err, intents.ErrBackend)
	require.Equal(t, 2, backend.calls)
	require.Len(t, log.reported, 1)
}

func TestDispatchStopsWhenCircuitOpen(t *testing.T) {
	backend := &flakyBackend{failures: 100}
	log := &errorLog{}
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1}, nil, nil)
	pump, err := NewPump(backend, reportingSettler{log: log}, WithBackoff(fastRetry(10)), WithBreaker(breaker))
	require.NoError(t, err)

	_, err = pump.Dispatch(context.Background(), storage.Record{ID: "s-1"})
	require.ErrorIs(t, err, intents.ErrBackend)
	require.Equal(t, 1, backend.calls)
	require.Equal(t, CircuitOpen, breaker.State())
}

func TestNewPumpRequiresCollaborators(t *testing.T) {
	_, err := NewPump(nil, reportingSettler{})
	require.ErrorIs(t, err, intents.ErrConfig)
}

type managerFixture struct {
	mgr  *settlement.Manager
	pool *bond.Pool
}

func newManagerFixture(t *testing.T) managerFixture {
	t.Helper()
	pool, err := bond.NewPool(bond.Params{
		BondDenom:              "uatom",
		LockMultiplier:         decimal.RequireFromString("1.5"),
		LSMHaircut:             decimal.RequireFromString("0.10"),
		MaxConcurrentPerSolver: 10,
	})
	require.NoError(t, err)
	_, err = pool.Deposit("solver-a", bond.Native("uatom"), decimal.NewFromInt(1_000))
	require.NoError(t, err)
	mgr, err := settlement.NewManager(settlement.Config{
		DefaultTimeout: time.Hour,
		StuckThreshold: time.Hour,
		BondChain:      "cosmoshub-4",
		BondDenom:      "uatom",
		Slashing:       settlement.DefaultSlashPolicy(),
	}, storage.NewMemoryStore(), pool)
	require.NoError(t, err)
	return managerFixture{mgr: mgr, pool: pool}
}

func startSettlement(t *testing.T, mgr *settlement.Manager) storage.Record {
	t.Helper()
	intent := &intents.Intent{
		ID:     "intent-1",
		Owner:  "cosmos1user",
		Input:  intents.Asset{Chain: "cosmoshub-4", Denom: "uatom", Amount: decimal.NewFromInt(100)},
		Output: intents.OutputSpec{Chain: "osmosis-1", Denom: "uosmo", MinAmount: decimal.NewFromInt(1_400)},
		Status: intents.StatusAuctioning,
	}
	rec, err := mgr.StartSettlement(context.Background(), intents.Fill{
		AuctionID: "auction-1",
		Intent:    intent,
		Quote: intents.Quote{
			ID:           "quote-1",
			SolverID:     "solver-a",
			IntentIDs:    []string{"intent-1"},
			InputAmount:  decimal.NewFromInt(100),
			OutputAmount: decimal.NewFromInt(1_500),
		},
		FillAmount:   decimal.NewFromInt(100),
		OutputAmount: decimal.NewFromInt(1_500),
	})
	require.NoError(t, err)
	return rec
}

func TestApplyDrivesLifecycle(t *testing.T) {
	fx := newManagerFixture(t)
	rec := startSettlement(t, fx.mgr)
	pump, err := NewPump(&flakyBackend{}, fx.mgr)
	require.NoError(t, err)
	ctx := context.Background()

	err = pump.Apply(ctx, PhaseEvent{SettlementID: rec.ID, Kind: PhasePacketRelayed, Sequence: 9})
	require.ErrorIs(t, err, intents.ErrInvalidStateTransition)

	require.NoError(t, pump.Apply(ctx, PhaseEvent{SettlementID: rec.ID, Kind: PhaseEscrowLocked, EscrowID: "escrow-9"}))
	require.NoError(t, pump.Apply(ctx, PhaseEvent{SettlementID: rec.ID, Kind: PhaseSolverCommitted, BondID: "bond-9"}))
	require.NoError(t, pump.Apply(ctx, PhaseEvent{SettlementID: rec.ID, Kind: PhasePacketRelayed, Sequence: 9}))
	require.NoError(t, pump.Apply(ctx, PhaseEvent{SettlementID: rec.ID, Kind: PhaseFinalized, Output: "1500", TxHash: "0xff"}))

	got, err := fx.mgr.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusComplete, got.Status)
	require.Equal(t, "escrow-9", got.EscrowID)
	require.NotNil(t, got.IBCPacketSequence)
	require.Equal(t, uint64(9), *got.IBCPacketSequence)
	_, locked := fx.pool.LockFor(rec.ID)
	require.False(t, locked)

	require.Error(t, pump.Apply(ctx, PhaseEvent{SettlementID: rec.ID, Kind: "bogus"}))
}

func TestLoopbackSettlesEndToEnd(t *testing.T) {
	fx := newManagerFixture(t)
	rec := startSettlement(t, fx.mgr)
	backend := NewLoopbackBackend(time.Millisecond, 16)
	pump, err := NewPump(backend, fx.mgr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- pump.Run(ctx) }()

	_, err = pump.Dispatch(ctx, rec)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := fx.mgr.Get(context.Background(), rec.ID)
		return err == nil && got.Status == storage.StatusComplete
	}, 2*time.Second, 5*time.Millisecond)

	backend.Close()
	require.NoError(t, <-done)
}

func TestLoopbackFailureSlashes(t *testing.T) {
	fx := newManagerFixture(t)
	rec := startSettlement(t, fx.mgr)
	backend := NewLoopbackBackend(time.Millisecond, 16)
	backend.FailAfterCommit(rec.ID, "packet timeout")
	pump, err := NewPump(backend, fx.mgr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pump.Run(ctx) }()

	_, err = pump.Dispatch(ctx, rec)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := fx.mgr.Get(context.Background(), rec.ID)
		return err == nil && got.Status == storage.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	snap, err := fx.pool.Snapshot("solver-a")
	require.NoError(t, err)
	require.True(t, snap.TotalValue.LessThan(decimal.NewFromInt(1_000)))
}

func TestLoopbackRecordsSharePayouts(t *testing.T) {
	backend := NewLoopbackBackend(time.Millisecond, 4)
	shares := []intents.LSMShare{{Denom: "cosmosvaloper1abc/7", Amount: decimal.NewFromInt(40)}}

	require.Error(t, backend.PayoutShares(context.Background(), "", shares))
	require.Error(t, backend.PayoutShares(context.Background(), "cosmos1user", nil))
	require.NoError(t, backend.PayoutShares(context.Background(), "cosmos1user", shares))

	payouts := backend.Payouts()
	require.Len(t, payouts, 1)
	require.Equal(t, "cosmos1user", payouts[0].Beneficiary)
	require.True(t, payouts[0].Shares[0].Amount.Equal(decimal.NewFromInt(40)))

	backend.Close()
	require.Error(t, backend.PayoutShares(context.Background(), "cosmos1user", shares))
}

type observation struct {
	outcome  string
	attempts int
	circuit  string
}

type recordingObserver struct {
	mu   sync.Mutex
	seen []observation
}

func (o *recordingObserver) ObserveDispatch(outcome string, attempts int, _ time.Duration) {
	o.mu.Lock()
	o.seen = append(o.seen, observation{outcome: outcome, attempts: attempts})
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveCircuit(state string) {
	o.mu.Lock()
	o.seen[len(o.seen)-1].circuit = state
	o.mu.Unlock()
}

func TestDispatchReportsOutcomesToObserver(t *testing.T) {
	observer := &recordingObserver{}
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1}, nil, nil)
	backend := &flakyBackend{failures: 1}
	pump, err := NewPump(backend, reportingSettler{log: &errorLog{}},
		WithBackoff(fastRetry(3)), WithBreaker(breaker), WithObserver(observer))
	require.NoError(t, err)

	_, err = pump.Dispatch(context.Background(), storage.Record{ID: "s-1"})
	require.ErrorIs(t, err, intents.ErrBackend)

	ok := &flakyBackend{}
	pump, err = NewPump(ok, reportingSettler{log: &errorLog{}}, WithObserver(observer))
	require.NoError(t, err)
	_, err = pump.Dispatch(context.Background(), storage.Record{ID: "s-2"})
	require.NoError(t, err)

	require.Equal(t, []observation{
		{outcome: OutcomeCircuitOpen, attempts: 2, circuit: string(CircuitOpen)},
		{outcome: OutcomeAccepted, attempts: 1, circuit: string(CircuitClosed)},
	}, observer.seen)
}
