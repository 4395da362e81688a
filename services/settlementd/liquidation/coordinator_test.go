package liquidation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"atomintents/native/intents"
	"atomintents/services/settlementd/bond"
	"atomintents/services/settlementd/events"
	"atomintents/services/settlementd/settlement"
	"atomintents/services/settlementd/storage"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

const (
	shareA = "cosmosvaloper1alpha/1"
	shareB = "cosmosvaloper1beta/7"
)

type recordingInjector struct {
	mu      sync.Mutex
	intents []*intents.Intent
	err     error
}

func (r *recordingInjector) InjectLiquidation(_ context.Context, in *intents.Intent) (*intents.Intent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.intents = append(r.intents, in.Clone())
	return in, nil
}

func (r *recordingInjector) last(denom string) *intents.Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.intents) - 1; i >= 0; i-- {
		if r.intents[i].Input.Denom == denom {
			return r.intents[i]
		}
	}
	return nil
}

type recordingPayout struct {
	mu     sync.Mutex
	paid   map[string][]intents.LSMShare
	failed bool
}

func (p *recordingPayout) PayoutShares(_ context.Context, beneficiary string, shares []intents.LSMShare) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed {
		return errors.New("ibc transfer rejected")
	}
	if p.paid == nil {
		p.paid = make(map[string][]intents.LSMShare)
	}
	p.paid[beneficiary] = append(p.paid[beneficiary], shares...)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func slashEvent() settlement.SlashEvent {
	return settlement.SlashEvent{
		SettlementID: "settle-1",
		Solver:       "solver-a",
		Beneficiary:  "cosmos1user",
		OutputChain:  "cosmoshub-4",
		OutputDenom:  "uatom",
		Seized: bond.SeizedLsm{
			Shares: []intents.LSMShare{
				{Denom: shareA, Amount: d("60")},
				{Denom: shareB, Amount: d("40")},
			},
			MinOutput: d("50"),
		},
	}
}

func newCoordinator(t *testing.T, cfg Config, opts ...Option) (*Coordinator, *recordingInjector, *testClock, *events.Recorder) {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
	inj := &recordingInjector{}
	rec := &events.Recorder{}
	base := []Option{WithClock(clock.Now), WithSink(rec)}
	c, err := NewCoordinator(cfg, inj, append(base, opts...)...)
	require.NoError(t, err)
	return c, inj, clock, rec
}

func TestHandleSeizedSplitsMinimumPerShare(t *testing.T) {
	c, inj, clock, rec := newCoordinator(t, Config{Timeout: 10 * time.Second})
	require.NoError(t, c.HandleSeized(context.Background(), slashEvent()))

	jobs := c.Jobs()
	require.Len(t, jobs, 2)
	require.True(t, jobs[0].OriginalMinOutput.Equal(d("30")), jobs[0].OriginalMinOutput.String())
	require.True(t, jobs[1].OriginalMinOutput.Equal(d("20")), jobs[1].OriginalMinOutput.String())

	in := inj.last(shareA)
	require.NotNil(t, in)
	require.True(t, in.IsLiquidation())
	require.Equal(t, "settle-1", in.Liquidation.SourceSettlementID)
	require.Equal(t, "solver-a", in.Liquidation.SlashedSolver)
	require.Equal(t, 0, in.Liquidation.Attempt)
	require.Equal(t, "uatom", in.Output.Denom)
	require.True(t, in.Input.Amount.Equal(d("60")))
	require.True(t, in.Fill.PartialAllowed())
	require.Equal(t, clock.Now().Add(10*time.Second), in.ExpiresAt)
	require.Equal(t, 2, rec.Count(events.KindLiquidationStarted))

	err := c.HandleSeized(context.Background(), slashEvent())
	require.ErrorIs(t, err, intents.ErrDuplicateID)
}

func TestHandleSeizedRejectsEmptySeizure(t *testing.T) {
	c, _, _, _ := newCoordinator(t, Config{})
	ev := slashEvent()
	ev.Seized.Shares = nil
	require.Error(t, c.HandleSeized(context.Background(), ev))
}

func finished(in *intents.Intent, status storage.Status, sold, received string) storage.Record {
	return storage.Record{
		ID:          "s-" + in.ID + "-" + sold,
		IntentID:    in.ID,
		Status:      status,
		InputAsset:  intents.Asset{Denom: in.Input.Denom, Amount: d(sold)},
		OutputAsset: intents.Asset{Denom: in.Output.Denom, Amount: d(received)},
	}
}

func TestCompletedSettlementsFillJob(t *testing.T) {
	c, inj, _, rec := newCoordinator(t, Config{Timeout: 10 * time.Second})
	ctx := context.Background()
	require.NoError(t, c.HandleSeized(ctx, slashEvent()))
	in := inj.last(shareB)

	require.NoError(t, c.OnFill(ctx, intents.Fill{Intent: in, FillAmount: d("15"), OutputAmount: d("8")}))
	require.NoError(t, c.OnFill(ctx, intents.Fill{Intent: in, FillAmount: d("25"), OutputAmount: d("14")}))
	job, err := c.Job("settle-1/" + shareB)
	require.NoError(t, err)
	require.Equal(t, JobActive, job.Status)
	require.Equal(t, 2, job.InFlight)
	require.True(t, job.Remaining().IsZero())
	require.True(t, job.Received.IsZero(), "nothing credited before settlement")

	c.SettlementFinished(ctx, finished(in, storage.StatusComplete, "15", "8"))
	job, err = c.Job("settle-1/" + shareB)
	require.NoError(t, err)
	require.Equal(t, JobActive, job.Status)

	c.SettlementFinished(ctx, finished(in, storage.StatusComplete, "25", "14"))
	job, err = c.Job("settle-1/" + shareB)
	require.NoError(t, err)
	require.Equal(t, JobFilled, job.Status)
	require.Zero(t, job.InFlight)
	require.True(t, job.Received.Equal(d("22")))
	require.Equal(t, 1, rec.Count(events.KindLiquidationFilled))

	require.NoError(t, c.OnFill(ctx, intents.Fill{Intent: &intents.Intent{ID: "user-swap"}}))
	c.SettlementFinished(ctx, storage.Record{ID: "s-user", IntentID: "user-swap", Status: storage.StatusFailed})
}

func TestFailedSettlementReturnsSharesForRetry(t *testing.T) {
	c, inj, clock, rec := newCoordinator(t, Config{Timeout: 10 * time.Second, MaxRetries: 1, RelaxStepBps: 1000})
	ctx := context.Background()
	require.NoError(t, c.HandleSeized(ctx, slashEvent()))
	in := inj.last(shareA)
	require.NoError(t, c.OnFill(ctx, intents.Fill{Intent: in, FillAmount: d("60"), OutputAmount: d("30")}))

	clock.Advance(10 * time.Second)
	require.NoError(t, c.Tick(ctx))
	require.Equal(t, in.ID, inj.last(shareA).ID, "no retry while a settlement is in flight")

	c.SettlementFinished(ctx, finished(in, storage.StatusTimedOut, "60", "30"))
	job, err := c.Job("settle-1/" + shareA)
	require.NoError(t, err)
	require.Equal(t, JobActive, job.Status)
	require.True(t, job.Remaining().Equal(d("60")))
	require.True(t, job.Received.IsZero())

	require.NoError(t, c.Tick(ctx))
	retry := inj.last(shareA)
	require.NotEqual(t, in.ID, retry.ID)
	require.Equal(t, 1, retry.Liquidation.Attempt)
	require.True(t, retry.Input.Amount.Equal(d("60")))
	require.True(t, retry.Output.MinAmount.Equal(d("27")), retry.Output.MinAmount.String())
	require.Zero(t, rec.Count(events.KindLiquidationFilled))
}

func TestFailedSettlementFallsBackWhenRetriesExhausted(t *testing.T) {
	treasury := NewReserveTreasury(d("100"), nil)
	c, inj, clock, rec := newCoordinator(t, Config{Timeout: 10 * time.Second}, WithTreasury(treasury))
	ctx := context.Background()
	require.NoError(t, c.HandleSeized(ctx, slashEvent()))
	in := inj.last(shareA)
	require.NoError(t, c.OnFill(ctx, intents.Fill{Intent: in, FillAmount: d("60"), OutputAmount: d("30")}))
	c.SettlementFinished(ctx, finished(in, storage.StatusFailed, "60", "30"))

	clock.Advance(10 * time.Second)
	require.NoError(t, c.Tick(ctx))
	job, err := c.Job("settle-1/" + shareA)
	require.NoError(t, err)
	require.Equal(t, JobTreasury, job.Status)
	require.True(t, treasury.Holdings()[shareA].Equal(d("60")))
	require.Equal(t, 2, rec.Count(events.KindLiquidationFallback))
}

func TestRetryRelaxesMinimumAndStretchesTimeout(t *testing.T) {
	c, inj, clock, rec := newCoordinator(t, Config{
		Timeout:       10 * time.Second,
		MaxRetries:    2,
		RelaxStepBps:  500,
		TimeoutGrowth: 2,
		Fallback:      FallbackRawShares,
	}, WithSharePayout(&recordingPayout{}))
	require.NoError(t, c.HandleSeized(context.Background(), slashEvent()))

	clock.Advance(9 * time.Second)
	require.NoError(t, c.Tick(context.Background()))
	require.Zero(t, rec.Count(events.KindLiquidationRetried))

	clock.Advance(time.Second)
	require.NoError(t, c.Tick(context.Background()))
	in := inj.last(shareA)
	require.Equal(t, 1, in.Liquidation.Attempt)
	require.True(t, in.Output.MinAmount.Equal(d("28.5")), in.Output.MinAmount.String())
	require.Equal(t, clock.Now().Add(20*time.Second), in.ExpiresAt)

	clock.Advance(20 * time.Second)
	require.NoError(t, c.Tick(context.Background()))
	in = inj.last(shareA)
	require.Equal(t, 2, in.Liquidation.Attempt)
	require.True(t, in.Output.MinAmount.Equal(d("27")), in.Output.MinAmount.String())
	require.Equal(t, clock.Now().Add(40*time.Second), in.ExpiresAt)
	require.Equal(t, 4, rec.Count(events.KindLiquidationRetried))
}

func TestRetryRelaxesOnlyWhatIsStillOwed(t *testing.T) {
	c, inj, clock, _ := newCoordinator(t, Config{Timeout: 10 * time.Second, MaxRetries: 1, RelaxStepBps: 1000})
	require.NoError(t, c.HandleSeized(context.Background(), slashEvent()))
	in := inj.last(shareA)
	require.NoError(t, c.OnFill(context.Background(), intents.Fill{Intent: in, FillAmount: d("20"), OutputAmount: d("10")}))
	c.SettlementFinished(context.Background(), finished(in, storage.StatusComplete, "20", "10"))

	clock.Advance(10 * time.Second)
	require.NoError(t, c.Tick(context.Background()))
	retry := inj.last(shareA)
	require.True(t, retry.Input.Amount.Equal(d("40")))
	require.True(t, retry.Output.MinAmount.Equal(d("18")), retry.Output.MinAmount.String())
}

func TestTreasuryFallbackAfterRetries(t *testing.T) {
	treasury := NewReserveTreasury(d("100"), nil)
	c, _, clock, rec := newCoordinator(t, Config{Timeout: 10 * time.Second}, WithTreasury(treasury))
	require.NoError(t, c.HandleSeized(context.Background(), slashEvent()))

	clock.Advance(10 * time.Second)
	require.NoError(t, c.Tick(context.Background()))

	for _, job := range c.Jobs() {
		require.Equal(t, JobTreasury, job.Status)
	}
	require.True(t, treasury.Balance().Equal(d("50")))
	require.True(t, treasury.Holdings()[shareA].Equal(d("60")))
	require.Len(t, treasury.Absorptions(), 2)
	require.Equal(t, 2, rec.Count(events.KindLiquidationFallback))
}

func TestTreasuryShortfallPaysRawShares(t *testing.T) {
	treasury := NewReserveTreasury(d("25"), nil)
	payout := &recordingPayout{}
	c, _, clock, _ := newCoordinator(t, Config{Timeout: time.Second},
		WithTreasury(treasury), WithSharePayout(payout))
	require.NoError(t, c.HandleSeized(context.Background(), slashEvent()))

	clock.Advance(time.Second)
	require.NoError(t, c.Tick(context.Background()))

	a, err := c.Job("settle-1/" + shareA)
	require.NoError(t, err)
	require.Equal(t, JobRawShares, a.Status)
	b, err := c.Job("settle-1/" + shareB)
	require.NoError(t, err)
	require.Equal(t, JobTreasury, b.Status)
	require.True(t, treasury.Balance().Equal(d("5")))
	require.Len(t, payout.paid["cosmos1user"], 1)
	require.Equal(t, shareA, payout.paid["cosmos1user"][0].Denom)
}

func TestRawSharesFallbackFailureMarksJob(t *testing.T) {
	c, _, clock, _ := newCoordinator(t, Config{Timeout: time.Second, Fallback: FallbackRawShares},
		WithSharePayout(&recordingPayout{failed: true}))
	require.NoError(t, c.HandleSeized(context.Background(), slashEvent()))
	clock.Advance(time.Second)
	require.Error(t, c.Tick(context.Background()))
	for _, job := range c.Jobs() {
		require.Equal(t, JobFailed, job.Status)
		require.NotEmpty(t, job.Error)
	}
}

func TestInjectFailureMarksJob(t *testing.T) {
	c, inj, _, _ := newCoordinator(t, Config{})
	inj.err = errors.New("engine stopped")
	require.Error(t, c.HandleSeized(context.Background(), slashEvent()))
	for _, job := range c.Jobs() {
		require.Equal(t, JobFailed, job.Status)
	}
}

func TestUnknownFallbackRejected(t *testing.T) {
	_, err := NewCoordinator(Config{Fallback: "burn"}, &recordingInjector{})
	require.ErrorIs(t, err, intents.ErrConfig)
	_, err = NewCoordinator(Config{}, nil)
	require.ErrorIs(t, err, intents.ErrConfig)
}
