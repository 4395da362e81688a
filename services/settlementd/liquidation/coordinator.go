package liquidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"atomintents/native/intents"
	"atomintents/services/settlementd/events"
	"atomintents/services/settlementd/settlement"
	"atomintents/services/settlementd/storage"
)

// Fallback names what happens to shares left unsold after every retry.
type Fallback string

const (
	FallbackTreasury  Fallback = "treasury"
	FallbackRawShares Fallback = "raw_shares"
)

// JobStatus is the lifecycle state of a liquidation.
type JobStatus string

const (
	JobActive    JobStatus = "active"
	JobFilled    JobStatus = "filled"
	JobTreasury  JobStatus = "absorbed_by_treasury"
	JobRawShares JobStatus = "paid_in_shares"
	JobFailed    JobStatus = "failed"
)

// Injector accepts liquidation intents for auction.
type Injector interface {
	InjectLiquidation(ctx context.Context, intent *intents.Intent) (*intents.Intent, error)
}

// SharePayout transfers raw LSM shares to a beneficiary.
type SharePayout interface {
	PayoutShares(ctx context.Context, beneficiary string, shares []intents.LSMShare) error
}

// Treasury compensates a beneficiary and keeps the shares.
type Treasury interface {
	Absorb(ctx context.Context, jobID, beneficiary string, shares []intents.LSMShare, owed decimal.Decimal) (Absorption, error)
}

// Config tunes retries and the exhaustion fallback.
type Config struct {
	Timeout       time.Duration
	MaxRetries    int
	RelaxStepBps  int
	TimeoutGrowth float64
	Fallback      Fallback
}

// Job tracks the disposal of one seized share denomination.
type Job struct {
	ID                 string           `json:"id"`
	SourceSettlementID string           `json:"source_settlement_id"`
	SlashedSolver      string           `json:"slashed_solver"`
	Beneficiary        string           `json:"beneficiary"`
	Share              intents.LSMShare `json:"share"`
	OutputChain        string           `json:"output_chain"`
	OutputDenom        string           `json:"output_denom"`
	OriginalMinOutput  decimal.Decimal  `json:"original_min_output"`
	MinOutput          decimal.Decimal  `json:"min_output"`
	Sold               decimal.Decimal  `json:"sold"`
	Settled            decimal.Decimal  `json:"settled"`
	Received           decimal.Decimal  `json:"received"`
	InFlight           int              `json:"in_flight"`
	Attempt            int              `json:"attempt"`
	IntentID           string           `json:"intent_id"`
	Timeout            time.Duration    `json:"timeout"`
	Deadline           time.Time        `json:"deadline"`
	Status             JobStatus        `json:"status"`
	Error              string           `json:"error,omitempty"`
}

// Remaining returns share units not yet assigned to a settlement.
func (j Job) Remaining() decimal.Decimal {
	rem := j.Share.Amount.Sub(j.Sold)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Owed returns how much of the unrelaxed minimum the beneficiary has not yet
// received.
func (j Job) Owed() decimal.Decimal {
	owed := j.OriginalMinOutput.Sub(j.Received)
	if owed.IsNegative() {
		return decimal.Zero
	}
	return owed
}

// Coordinator turns seized LSM shares into liquidation intents and sees each
// one through to a fill or a fallback.
type Coordinator struct {
	cfg      Config
	injector Injector
	treasury Treasury
	payout   SharePayout

	mu       sync.Mutex
	jobs     map[string]*Job
	byIntent map[string]string

	sink   events.Sink
	logger *slog.Logger
	clock  func() time.Time
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSink sets the event sink.
func WithSink(sink events.Sink) Option {
	return func(c *Coordinator) { c.sink = events.OrNoop(sink) }
}

// WithTreasury sets the reserve used by the treasury fallback.
func WithTreasury(t Treasury) Option {
	return func(c *Coordinator) { c.treasury = t }
}

// WithSharePayout sets the collaborator used by the raw shares fallback.
func WithSharePayout(p SharePayout) Option {
	return func(c *Coordinator) { c.payout = p }
}

// NewCoordinator constructs a coordinator injecting into injector.
func NewCoordinator(cfg Config, injector Injector, opts ...Option) (*Coordinator, error) {
	if injector == nil {
		return nil, fmt.Errorf("liquidation injector required: %w", intents.ErrConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 600 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.TimeoutGrowth < 1 {
		cfg.TimeoutGrowth = 1
	}
	switch cfg.Fallback {
	case "":
		cfg.Fallback = FallbackTreasury
	case FallbackTreasury, FallbackRawShares:
	default:
		return nil, fmt.Errorf("unknown liquidation fallback %q: %w", cfg.Fallback, intents.ErrConfig)
	}
	c := &Coordinator{
		cfg:      cfg,
		injector: injector,
		jobs:     make(map[string]*Job),
		byIntent: make(map[string]string),
		sink:     events.NoopSink{},
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// HandleSeized implements settlement.SlashHandler. Each share denomination
// becomes its own job with a pro-rata share of the minimum output.
func (c *Coordinator) HandleSeized(ctx context.Context, ev settlement.SlashEvent) error {
	if c == nil {
		return fmt.Errorf("liquidation coordinator not configured")
	}
	total := decimal.Zero
	for _, share := range ev.Seized.Shares {
		total = total.Add(share.Amount)
	}
	if !total.IsPositive() {
		return fmt.Errorf("settlement %s: no shares seized", ev.SettlementID)
	}
	now := c.clock().UTC()
	var errs []error
	for _, share := range ev.Seized.Shares {
		if !share.Amount.IsPositive() {
			continue
		}
		minOut := ev.Seized.MinOutput.Mul(share.Amount).Div(total)
		job := &Job{
			ID:                 ev.SettlementID + "/" + share.Denom,
			SourceSettlementID: ev.SettlementID,
			SlashedSolver:      ev.Solver,
			Beneficiary:        ev.Beneficiary,
			Share:              share,
			OutputChain:        ev.OutputChain,
			OutputDenom:        ev.OutputDenom,
			OriginalMinOutput:  minOut,
			MinOutput:          minOut,
			Timeout:            c.cfg.Timeout,
			Status:             JobActive,
		}
		c.mu.Lock()
		if _, exists := c.jobs[job.ID]; exists {
			c.mu.Unlock()
			errs = append(errs, fmt.Errorf("liquidation %s: %w", job.ID, intents.ErrDuplicateID))
			continue
		}
		c.jobs[job.ID] = job
		c.mu.Unlock()

		if err := c.inject(ctx, job, now); err != nil {
			errs = append(errs, err)
			continue
		}
		c.sink.Emit(events.New(events.KindLiquidationStarted, now,
			"job_id", job.ID, "settlement_id", ev.SettlementID, "solver", ev.Solver, "denom", share.Denom).
			WithValue(minOut.InexactFloat64()))
	}
	return errors.Join(errs...)
}

// inject submits the job's current attempt as a liquidation intent.
func (c *Coordinator) inject(ctx context.Context, job *Job, now time.Time) error {
	c.mu.Lock()
	intent := &intents.Intent{
		ID:    uuid.NewString(),
		Owner: job.Beneficiary,
		Input: intents.Asset{Chain: job.OutputChain, Denom: job.Share.Denom, Amount: job.Remaining()},
		Output: intents.OutputSpec{
			Chain:     job.OutputChain,
			Denom:     job.OutputDenom,
			MinAmount: job.MinOutput,
		},
		Fill:      intents.FillPolicy{AllowPartial: true, MinFillPct: decimal.Zero, Strategy: intents.FillEager},
		CreatedAt: now,
		ExpiresAt: now.Add(job.Timeout),
		Liquidation: &intents.LiquidationTerms{
			SourceSettlementID: job.SourceSettlementID,
			SlashedSolver:      job.SlashedSolver,
			Beneficiary:        job.Beneficiary,
			Attempt:            job.Attempt,
		},
	}
	job.IntentID = intent.ID
	job.Deadline = intent.ExpiresAt
	c.byIntent[intent.ID] = job.ID
	c.mu.Unlock()

	if _, err := c.injector.InjectLiquidation(ctx, intent); err != nil {
		c.mu.Lock()
		job.Status = JobFailed
		job.Error = err.Error()
		c.mu.Unlock()
		c.logger.Error("settlementd/liquidation: inject failed", "job_id", job.ID, "error", err)
		return fmt.Errorf("inject liquidation %s: %w", job.ID, err)
	}
	c.logger.Info("settlementd/liquidation: intent injected", "job_id", job.ID, "intent_id", intent.ID,
		"attempt", job.Attempt, "amount", intent.Input.Amount.String(), "min_output", job.MinOutput.String(),
		"deadline", job.Deadline)
	return nil
}

// OnFill reserves the shares of a fill whose settlement has opened. Nothing
// is credited to the beneficiary until that settlement completes. Fills for
// other intents are ignored.
func (c *Coordinator) OnFill(ctx context.Context, fill intents.Fill) error {
	if c == nil || fill.Intent == nil || !fill.Intent.IsLiquidation() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	jobID, ok := c.byIntent[fill.Intent.ID]
	if !ok {
		return fmt.Errorf("liquidation intent %s: %w", fill.Intent.ID, intents.ErrNotFound)
	}
	job := c.jobs[jobID]
	job.Sold = job.Sold.Add(fill.FillAmount)
	job.InFlight++
	return nil
}

// SettlementFinished implements settlement.OutcomeObserver. A completed
// settlement credits its job; any other outcome hands the shares back so the
// next deadline retries or falls back for them.
func (c *Coordinator) SettlementFinished(ctx context.Context, rec storage.Record) {
	if c == nil {
		return
	}
	c.mu.Lock()
	jobID, ok := c.byIntent[rec.IntentID]
	if !ok {
		c.mu.Unlock()
		return
	}
	job := c.jobs[jobID]
	if job.InFlight > 0 {
		job.InFlight--
	}
	completed := rec.Status == storage.StatusComplete
	if completed {
		job.Settled = job.Settled.Add(rec.InputAsset.Amount)
		job.Received = job.Received.Add(rec.OutputAsset.Amount)
	} else {
		job.Sold = job.Sold.Sub(rec.InputAsset.Amount)
		if job.Sold.IsNegative() {
			job.Sold = decimal.Zero
		}
	}
	done := completed && job.Status == JobActive && !job.Share.Amount.GreaterThan(job.Settled)
	if done {
		job.Status = JobFilled
	}
	snapshot := *job
	c.mu.Unlock()

	if !completed {
		c.logger.Warn("settlementd/liquidation: settlement failed, shares returned", "job_id", snapshot.ID,
			"settlement_id", rec.ID, "status", rec.Status, "returned", rec.InputAsset.Amount.String(),
			"remaining", snapshot.Remaining().String())
		return
	}
	if done {
		now := c.clock().UTC()
		c.logger.Info("settlementd/liquidation: filled", "job_id", snapshot.ID,
			"received", snapshot.Received.String(), "attempt", snapshot.Attempt)
		c.sink.Emit(events.New(events.KindLiquidationFilled, now,
			"job_id", snapshot.ID, "settlement_id", snapshot.SourceSettlementID,
			"attempt", fmt.Sprint(snapshot.Attempt)).
			WithValue(snapshot.Received.InexactFloat64()))
	}
}

// Run checks deadlines every interval until ctx ends.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				c.logger.Error("settlementd/liquidation: tick failed", "error", err)
			}
		}
	}
}

// Tick retries or falls back every active job past its deadline once none of
// its settlements are in flight. Each retry relaxes the minimum output by
// RelaxStepBps per attempt and stretches the timeout by TimeoutGrowth.
func (c *Coordinator) Tick(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("liquidation coordinator not configured")
	}
	now := c.clock().UTC()
	c.mu.Lock()
	var due []*Job
	for _, job := range c.jobs {
		if job.Status == JobActive && job.InFlight == 0 && !now.Before(job.Deadline) {
			due = append(due, job)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })

	var errs []error
	for _, job := range due {
		c.mu.Lock()
		retry := job.Attempt < c.cfg.MaxRetries
		if retry {
			job.Attempt++
			relax := decimal.NewFromInt(int64(c.cfg.RelaxStepBps * job.Attempt))
			if relax.GreaterThan(bpsScale) {
				relax = bpsScale
			}
			job.MinOutput = job.Owed().Mul(bpsScale.Sub(relax)).Div(bpsScale)
			job.Timeout = time.Duration(float64(job.Timeout) * c.cfg.TimeoutGrowth)
		}
		attempt := job.Attempt
		c.mu.Unlock()

		if retry {
			if err := c.inject(ctx, job, now); err != nil {
				errs = append(errs, err)
				continue
			}
			c.sink.Emit(events.New(events.KindLiquidationRetried, now,
				"job_id", job.ID, "attempt", fmt.Sprint(attempt)).
				WithValue(job.MinOutput.InexactFloat64()))
			continue
		}
		if err := c.fallback(ctx, job, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var bpsScale = decimal.NewFromInt(10_000)

func (c *Coordinator) fallback(ctx context.Context, job *Job, now time.Time) error {
	c.mu.Lock()
	remaining := job.Share
	remaining.Amount = job.Remaining()
	owed := job.Owed()
	c.mu.Unlock()
	shares := []intents.LSMShare{remaining}

	mode := c.cfg.Fallback
	if mode == FallbackTreasury {
		if c.treasury == nil {
			mode = FallbackRawShares
		} else if _, err := c.treasury.Absorb(ctx, job.ID, job.Beneficiary, shares, owed); err != nil {
			c.logger.Warn("settlementd/liquidation: treasury fallback unavailable, paying shares",
				"job_id", job.ID, "owed", owed.String(), "error", err)
			mode = FallbackRawShares
		}
	}
	status := JobTreasury
	if mode == FallbackRawShares {
		status = JobRawShares
		if c.payout == nil {
			return c.failJob(job, fmt.Errorf("liquidation %s: no share payout configured", job.ID))
		}
		if err := c.payout.PayoutShares(ctx, job.Beneficiary, shares); err != nil {
			return c.failJob(job, fmt.Errorf("liquidation %s: pay shares: %w", job.ID, err))
		}
	}
	c.mu.Lock()
	job.Status = status
	c.mu.Unlock()
	c.logger.Warn("settlementd/liquidation: fallback", "job_id", job.ID, "mode", string(mode),
		"remaining", remaining.Amount.String(), "owed", owed.String())
	c.sink.Emit(events.New(events.KindLiquidationFallback, now,
		"job_id", job.ID, "settlement_id", job.SourceSettlementID, "mode", string(mode)).
		WithValue(owed.InexactFloat64()))
	return nil
}

func (c *Coordinator) failJob(job *Job, err error) error {
	c.mu.Lock()
	job.Status = JobFailed
	job.Error = err.Error()
	c.mu.Unlock()
	c.logger.Error("settlementd/liquidation: job failed", "job_id", job.ID, "error", err)
	return err
}

// Job returns a liquidation job by id.
func (c *Coordinator) Job(id string) (Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("liquidation %s: %w", id, intents.ErrNotFound)
	}
	return *job, nil
}

// Jobs returns every job ordered by id.
func (c *Coordinator) Jobs() []Job {
	c.mu.Lock()
	out := make([]Job, 0, len(c.jobs))
	for _, job := range c.jobs {
		out = append(out, *job)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
