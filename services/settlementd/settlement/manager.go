package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"atomintents/native/intents"
	"atomintents/services/settlementd/bond"
	"atomintents/services/settlementd/events"
	"atomintents/services/settlementd/storage"
)

// settlementNamespace scopes deterministic settlement ids.
var settlementNamespace = uuid.MustParse("4f1d7c8e-2a7b-5c3e-9d14-6b0e8f3a2c51")

// BondPool is the collateral ledger the manager locks, releases and slashes.
type BondPool interface {
	Lock(solver, settlementID string, fillValue decimal.Decimal) (bond.Lock, error)
	Unlock(settlementID string) error
	Slash(settlementID string, slashBps int) (bond.SlashResult, error)
	LockFor(settlementID string) (bond.Lock, bool)
}

// Valuer prices fills in bond denom units.
type Valuer interface {
	Value(denom string, amount decimal.Decimal) (decimal.Decimal, error)
}

// FailureHistory reports how often a solver has failed before.
type FailureHistory interface {
	Failures(solver string) int
}

// SlashEvent carries LSM shares seized from a failed settlement.
type SlashEvent struct {
	SettlementID string
	Solver       string
	Beneficiary  string
	OutputChain  string
	OutputDenom  string
	Seized       bond.SeizedLsm
	At           time.Time
}

// SlashHandler disposes of seized shares.
type SlashHandler interface {
	HandleSeized(ctx context.Context, ev SlashEvent) error
}

// OutcomeObserver is told about every settlement that reaches a terminal
// status.
type OutcomeObserver interface {
	SettlementFinished(ctx context.Context, rec storage.Record)
}

// Config tunes the settlement lifecycle.
type Config struct {
	DefaultTimeout time.Duration
	StuckThreshold time.Duration
	BondChain      string
	BondDenom      string
	Slashing       SlashPolicy
}

// Manager owns the settlement state machine. Operations on one settlement are
// serialized; different settlements proceed concurrently.
type Manager struct {
	cfg   Config
	store storage.Store
	bonds BondPool

	valuer     Valuer
	history    FailureHistory
	liquidator SlashHandler
	outcomes   []OutcomeObserver
	sink       events.Sink
	logger     *slog.Logger
	tracer     trace.Tracer
	clock      func() time.Time

	locks      *keyedMutex
	expirePage int
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the manager clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSink sets the event sink.
func WithSink(sink events.Sink) Option {
	return func(m *Manager) { m.sink = events.OrNoop(sink) }
}

// WithValuer prices fills. Without one, fill amounts are taken as bond value.
func WithValuer(v Valuer) Option {
	return func(m *Manager) { m.valuer = v }
}

// WithFailureHistory feeds repeat-offender slashing.
func WithFailureHistory(h FailureHistory) Option {
	return func(m *Manager) { m.history = h }
}

// WithSlashHandler receives seized LSM shares.
func WithSlashHandler(h SlashHandler) Option {
	return func(m *Manager) { m.liquidator = h }
}

// WithOutcomeObserver receives terminal settlements.
func WithOutcomeObserver(o OutcomeObserver) Option {
	return func(m *Manager) {
		if o != nil {
			m.outcomes = append(m.outcomes, o)
		}
	}
}

// NewManager constructs a manager over store and bonds.
func NewManager(cfg Config, store storage.Store, bonds BondPool, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("settlement store required: %w", intents.ErrConfig)
	}
	if bonds == nil {
		return nil, fmt.Errorf("bond pool required: %w", intents.ErrConfig)
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 1800 * time.Second
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 3600 * time.Second
	}
	m := &Manager{
		cfg:    cfg,
		store:  store,
		bonds:  bonds,
		sink:   events.NoopSink{},
		logger: slog.Default(),
		tracer: otel.Tracer("settlementd/settlement"),
		clock:  time.Now,
		locks:  newKeyedMutex(),

		expirePage: storage.MaxListLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// SettlementID derives the settlement id for a fill. The auction id is part
// of the key so a partially filled intent gets a fresh settlement per round.
func SettlementID(auctionID, intentID, quoteID string) string {
	return uuid.NewSHA1(settlementNamespace, []byte(auctionID+"|"+intentID+"|"+quoteID)).String()
}

// HandleFill opens a settlement for an auction fill.
func (m *Manager) HandleFill(ctx context.Context, fill intents.Fill) error {
	_, err := m.StartSettlement(ctx, fill)
	return err
}

// StartSettlement locks the solver bond for fill and persists a pending
// settlement. Retrying the same fill returns the stored record; a different
// fill that maps onto an existing id fails with ErrDuplicateID.
func (m *Manager) StartSettlement(ctx context.Context, fill intents.Fill) (storage.Record, error) {
	if m == nil {
		return storage.Record{}, fmt.Errorf("settlement manager not configured")
	}
	if fill.Intent == nil {
		return storage.Record{}, fmt.Errorf("fill intent required")
	}
	if strings.TrimSpace(fill.Quote.SolverID) == "" {
		return storage.Record{}, fmt.Errorf("intent %s: fill has no solver", fill.Intent.ID)
	}
	if !fill.FillAmount.IsPositive() {
		return storage.Record{}, fmt.Errorf("intent %s: fill amount must be positive", fill.Intent.ID)
	}
	id := SettlementID(fill.AuctionID, fill.Intent.ID, fill.Quote.ID)
	ctx, span := m.tracer.Start(ctx, "settlement.start",
		trace.WithAttributes(
			attribute.String("settlement.id", id),
			attribute.String("intent.id", fill.Intent.ID),
			attribute.String("solver.id", fill.Quote.SolverID),
		))
	defer span.End()

	unlock := m.locks.lock(id)
	defer unlock()

	existing, err := m.store.Get(ctx, id)
	if err == nil {
		if !sameFill(existing, fill) {
			return storage.Record{}, m.spanError(span,
				fmt.Errorf("settlement %s already holds a different fill: %w", id, intents.ErrDuplicateID))
		}
		span.SetStatus(codes.Ok, "existing settlement")
		return existing, nil
	}
	if !errors.Is(err, intents.ErrNotFound) {
		return storage.Record{}, m.spanError(span, err)
	}

	fillValue, err := m.fillValue(fill)
	if err != nil {
		return storage.Record{}, m.spanError(span, err)
	}
	lock, err := m.bonds.Lock(fill.Quote.SolverID, id, fillValue)
	if err != nil {
		m.sink.Emit(events.New(events.KindIntentFailed, m.clock(),
			"intent_id", fill.Intent.ID, "solver", fill.Quote.SolverID, "reason", err.Error()))
		return storage.Record{}, m.spanError(span, fmt.Errorf("lock bond for %s: %w", id, err))
	}

	now := m.clock().UTC()
	rec := storage.Record{
		ID:          id,
		IntentID:    fill.Intent.ID,
		QuoteID:     fill.Quote.ID,
		SolverID:    fill.Quote.SolverID,
		UserAddress: fill.Intent.Owner,
		InputAsset: intents.Asset{
			Chain:  fill.Intent.Input.Chain,
			Denom:  fill.Intent.Input.Denom,
			Amount: fill.FillAmount,
		},
		OutputAsset: intents.Asset{
			Chain:  fill.Intent.Output.Chain,
			Denom:  fill.Intent.Output.Denom,
			Amount: fill.OutputAmount,
		},
		Status:           storage.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(m.cfg.DefaultTimeout),
		LockedBondAmount: lock.Required,
		LockedBondAssets: lock.Denoms(),
	}
	if err := m.store.Create(ctx, rec); err != nil {
		if unlockErr := m.bonds.Unlock(id); unlockErr != nil {
			m.logger.Error("settlementd/settlement: rollback bond lock failed",
				"settlement_id", id, "error", unlockErr)
		}
		return storage.Record{}, m.spanError(span, fmt.Errorf("persist settlement %s: %w", id, err))
	}

	m.logger.Info("settlementd/settlement: started", "settlement_id", id, "intent_id", rec.IntentID,
		"solver", rec.SolverID, "fill_value", fillValue.String(), "locked", lock.Required.String())
	m.sink.Emit(events.New(events.KindSettlementStarted, now,
		"settlement_id", id, "intent_id", rec.IntentID, "solver", rec.SolverID).
		WithValue(fillValue.InexactFloat64()))
	span.SetStatus(codes.Ok, "settlement started")
	return rec, nil
}

func sameFill(rec storage.Record, fill intents.Fill) bool {
	return rec.IntentID == fill.Intent.ID &&
		rec.QuoteID == fill.Quote.ID &&
		rec.SolverID == fill.Quote.SolverID &&
		rec.InputAsset.Amount.Equal(fill.FillAmount)
}

func (m *Manager) fillValue(fill intents.Fill) (decimal.Decimal, error) {
	if m.valuer == nil {
		return fill.FillAmount, nil
	}
	value, err := m.valuer.Value(fill.Intent.Input.Denom, fill.FillAmount)
	if err == nil {
		return value, nil
	}
	if fill.OutputAmount.IsPositive() {
		if out, outErr := m.valuer.Value(fill.Intent.Output.Denom, fill.OutputAmount); outErr == nil {
			return out, nil
		}
	}
	return decimal.Zero, fmt.Errorf("price fill for intent %s: %v: %w", fill.Intent.ID, err, intents.ErrInvalidAsset)
}

// AdvanceSettlement applies an external confirmation. Events that arrive out
// of order are rejected with ErrInvalidStateTransition.
func (m *Manager) AdvanceSettlement(ctx context.Context, id string, ev Event) (storage.Record, error) {
	if m == nil {
		return storage.Record{}, fmt.Errorf("settlement manager not configured")
	}
	if timeout, ok := ev.(TimedOut); ok {
		return m.finish(ctx, id, timeoutOutcome(timeout.Reason))
	}
	ctx, span := m.tracer.Start(ctx, "settlement.advance",
		trace.WithAttributes(attribute.String("settlement.id", id)))
	defer span.End()

	unlock := m.locks.lock(id)
	defer unlock()

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return storage.Record{}, m.spanError(span, err)
	}
	next, err := Transition(rec.Status, ev)
	if err != nil {
		return rec, m.spanError(span, fmt.Errorf("settlement %s: %w", id, err))
	}
	details := ev.details()
	details.ExpectFrom = rec.Status
	now := m.clock().UTC()
	details.At = now
	if err := m.store.UpdateStatus(ctx, id, next, details); err != nil {
		return rec, m.spanError(span, err)
	}
	updated, err := m.store.Get(ctx, id)
	if err != nil {
		return rec, m.spanError(span, err)
	}
	m.logger.Info("settlementd/settlement: advanced", "settlement_id", id,
		"from", rec.Status, "to", next, "tx_hash", details.TxHash)
	m.sink.Emit(events.New(events.KindSettlementAdvanced, now,
		"settlement_id", id, "solver", rec.SolverID, "from", string(rec.Status), "to", string(next)).
		WithDuration(now.Sub(rec.UpdatedAt)))
	span.SetStatus(codes.Ok, ev.name())
	return updated, nil
}

// CompleteSettlement records the terminal result of a settlement. Success
// releases the bond; failure and timeout slash it.
func (m *Manager) CompleteSettlement(ctx context.Context, id string, result Result) (storage.Record, error) {
	if m == nil {
		return storage.Record{}, fmt.Errorf("settlement manager not configured")
	}
	switch r := result.(type) {
	case Success:
		return m.finish(ctx, id, outcome{
			status:  storage.StatusComplete,
			details: storage.Details{TxHash: r.TxHash, Note: deliveredNote(r.OutputDelivered)},
			release: true,
		})
	case Failure:
		reason := r.Reason
		if reason == "" {
			reason = "settlement failed"
		}
		return m.finish(ctx, id, outcome{
			status:  storage.StatusFailed,
			details: storage.Details{ErrorMessage: reason, Note: reason},
			slash:   true,
		})
	case Timeout:
		return m.finish(ctx, id, timeoutOutcome(""))
	default:
		return storage.Record{}, fmt.Errorf("settlement %s: unsupported result %T", id, result)
	}
}

// FailSettlement marks a settlement failed on operator or automation request.
// The solver is slashed only once it had committed its side.
func (m *Manager) FailSettlement(ctx context.Context, id, reason string) (storage.Record, error) {
	if m == nil {
		return storage.Record{}, fmt.Errorf("settlement manager not configured")
	}
	if strings.TrimSpace(reason) == "" {
		reason = "failed by operator"
	}
	return m.finish(ctx, id, outcome{
		status:        storage.StatusFailed,
		details:       storage.Details{ErrorMessage: reason, Note: reason},
		slashIfBonded: true,
	})
}

type outcome struct {
	status        storage.Status
	details       storage.Details
	release       bool
	slash         bool
	slashIfBonded bool
}

func timeoutOutcome(reason string) outcome {
	details := TimedOut{Reason: reason}.details()
	return outcome{status: storage.StatusTimedOut, details: details, slash: true}
}

func deliveredNote(output string) string {
	if output == "" {
		return "output delivered"
	}
	return "output delivered: " + output
}

func (m *Manager) finish(ctx context.Context, id string, out outcome) (storage.Record, error) {
	ctx, span := m.tracer.Start(ctx, "settlement.finish",
		trace.WithAttributes(
			attribute.String("settlement.id", id),
			attribute.String("settlement.status", string(out.status)),
		))
	defer span.End()

	unlock := m.locks.lock(id)
	defer unlock()

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return storage.Record{}, m.spanError(span, err)
	}
	if err := ValidateTransition(rec.Status, out.status); err != nil {
		return rec, m.spanError(span, fmt.Errorf("settlement %s: %w", id, err))
	}
	now := m.clock().UTC()
	details := out.details
	details.ExpectFrom = rec.Status
	details.At = now
	if err := m.store.UpdateStatus(ctx, id, out.status, details); err != nil {
		return rec, m.spanError(span, err)
	}

	slash := out.slash
	if out.slashIfBonded {
		slash = rec.Status == storage.StatusSolverLocked || rec.Status == storage.StatusExecuting
	}
	switch {
	case out.release:
		if err := m.bonds.Unlock(id); err != nil {
			m.logger.Error("settlementd/settlement: release bond failed", "settlement_id", id, "error", err)
		}
	case slash:
		m.slash(ctx, rec, now)
	default:
		if err := m.bonds.Unlock(id); err != nil {
			m.logger.Error("settlementd/settlement: release bond failed", "settlement_id", id, "error", err)
		}
	}

	updated, err := m.store.Get(ctx, id)
	if err != nil {
		return rec, m.spanError(span, err)
	}
	m.emitTerminal(updated, rec.Status, now)
	for _, o := range m.outcomes {
		o.SettlementFinished(ctx, updated.Clone())
	}
	span.SetStatus(codes.Ok, string(out.status))
	return updated, nil
}

func (m *Manager) emitTerminal(rec storage.Record, from storage.Status, now time.Time) {
	kind := events.KindSettlementFailed
	switch rec.Status {
	case storage.StatusComplete:
		kind = events.KindSettlementCompleted
	case storage.StatusTimedOut:
		kind = events.KindSettlementTimedOut
	}
	level := slog.LevelWarn
	if rec.Status == storage.StatusComplete {
		level = slog.LevelInfo
	}
	m.logger.Log(context.Background(), level, "settlementd/settlement: finished",
		"settlement_id", rec.ID, "from", from, "status", rec.Status, "solver", rec.SolverID,
		"error", rec.ErrorMessage)
	m.sink.Emit(events.New(kind, now,
		"settlement_id", rec.ID, "intent_id", rec.IntentID, "solver", rec.SolverID,
		"from", string(from), "reason", rec.ErrorMessage).
		WithDuration(now.Sub(rec.CreatedAt)))
}

func (m *Manager) slash(ctx context.Context, rec storage.Record, now time.Time) {
	failures := 0
	if m.history != nil {
		failures = m.history.Failures(rec.SolverID)
	}
	lock, ok := m.bonds.LockFor(rec.ID)
	if !ok {
		m.logger.Warn("settlementd/settlement: no bond lock to slash", "settlement_id", rec.ID,
			"solver", rec.SolverID)
		return
	}
	fillValue := lock.FillValue
	bps := m.cfg.Slashing.Bps(fillValue, failures)
	result, err := m.bonds.Slash(rec.ID, bps)
	if err != nil {
		m.logger.Error("settlementd/settlement: slash failed", "settlement_id", rec.ID,
			"solver", rec.SolverID, "slash_bps", bps, "error", err)
		return
	}
	m.sink.Emit(events.New(events.KindBondSlashed, now,
		"settlement_id", rec.ID, "solver", rec.SolverID).
		WithValue(result.SlashAmount.InexactFloat64()))
	if result.Seized == nil || len(result.Seized.Shares) == 0 {
		return
	}
	if m.liquidator == nil {
		m.logger.Warn("settlementd/settlement: seized shares without liquidator",
			"settlement_id", rec.ID, "min_output", result.Seized.MinOutput.String())
		return
	}
	ev := SlashEvent{
		SettlementID: rec.ID,
		Solver:       rec.SolverID,
		Beneficiary:  rec.UserAddress,
		OutputChain:  m.cfg.BondChain,
		OutputDenom:  m.cfg.BondDenom,
		Seized:       *result.Seized,
		At:           now,
	}
	if err := m.liquidator.HandleSeized(ctx, ev); err != nil {
		m.logger.Error("settlementd/settlement: liquidation hand-off failed",
			"settlement_id", rec.ID, "error", err)
	}
}

// ReportBackendError records a chain-layer failure without changing status.
func (m *Manager) ReportBackendError(ctx context.Context, id string, cause error) error {
	if m == nil {
		return fmt.Errorf("settlement manager not configured")
	}
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	m.logger.Warn("settlementd/settlement: backend error", "settlement_id", id,
		"status", rec.Status, "error", reason)
	m.sink.Emit(events.New(events.KindBackendError, m.clock(),
		"settlement_id", id, "solver", rec.SolverID, "status", string(rec.Status), "reason", reason))
	return nil
}

// FindStuckSettlements returns non-terminal settlements not updated within
// the stuck threshold. Detection is advisory.
func (m *Manager) FindStuckSettlements(ctx context.Context) ([]storage.Record, error) {
	if m == nil {
		return nil, fmt.Errorf("settlement manager not configured")
	}
	return m.store.ListStuck(ctx, m.clock().Add(-m.cfg.StuckThreshold))
}

// ExpireOverdue times out settlements past their deadline. Pending ones have
// no escrow yet and are failed with their bond released. Each status is read
// in pages until a page comes back short or expires nothing.
func (m *Manager) ExpireOverdue(ctx context.Context) (int, error) {
	if m == nil {
		return 0, fmt.Errorf("settlement manager not configured")
	}
	now := m.clock()
	expired := 0
	for _, status := range []storage.Status{
		storage.StatusPending, storage.StatusUserLocked, storage.StatusSolverLocked, storage.StatusExecuting,
	} {
		for {
			n, full, err := m.expirePageOf(ctx, status, now)
			expired += n
			if err != nil {
				return expired, err
			}
			if !full || n == 0 {
				break
			}
		}
	}
	return expired, nil
}

func (m *Manager) expirePageOf(ctx context.Context, status storage.Status, now time.Time) (int, bool, error) {
	records, err := m.store.ListByStatus(ctx, status, m.expirePage)
	if err != nil {
		return 0, false, err
	}
	expired := 0
	for _, rec := range records {
		if rec.ExpiresAt.IsZero() || now.Before(rec.ExpiresAt) {
			continue
		}
		var finishErr error
		if rec.Status == storage.StatusPending {
			_, finishErr = m.finish(ctx, rec.ID, outcome{
				status:  storage.StatusFailed,
				details: storage.Details{ErrorMessage: "expired before escrow lock", Note: "expired"},
			})
		} else {
			_, finishErr = m.finish(ctx, rec.ID, timeoutOutcome("deadline exceeded in "+string(rec.Status)))
		}
		if finishErr != nil {
			if errors.Is(finishErr, intents.ErrInvalidStateTransition) {
				continue
			}
			return expired, false, finishErr
		}
		expired++
	}
	return expired, len(records) >= m.expirePage, nil
}

// Sweep runs ExpireOverdue and stuck detection every interval until ctx ends.
func (m *Manager) Sweep(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := m.ExpireOverdue(ctx); err != nil {
				m.logger.Error("settlementd/settlement: expire overdue", "error", err)
			} else if n > 0 {
				m.logger.Info("settlementd/settlement: expired overdue", "count", n)
			}
			stuck, err := m.FindStuckSettlements(ctx)
			if err != nil {
				m.logger.Error("settlementd/settlement: stuck scan", "error", err)
				continue
			}
			for _, rec := range stuck {
				m.logger.Warn("settlementd/settlement: stuck", "settlement_id", rec.ID,
					"status", rec.Status, "updated_at", rec.UpdatedAt,
					"recommendation", RecommendRecovery(rec))
			}
		}
	}
}

// Get returns a settlement.
func (m *Manager) Get(ctx context.Context, id string) (storage.Record, error) {
	return m.store.Get(ctx, id)
}

// History returns a settlement's transitions.
func (m *Manager) History(ctx context.Context, id string) ([]storage.Transition, error) {
	return m.store.GetHistory(ctx, id)
}

// Verify replays the stored history and checks it reproduces the status.
func (m *Manager) Verify(ctx context.Context, id string) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	history, err := m.store.GetHistory(ctx, id)
	if err != nil {
		return err
	}
	replayed, err := Replay(history)
	if err != nil {
		return err
	}
	if replayed != rec.Status {
		return fmt.Errorf("settlement %s: history replays to %s, record is %s: %w",
			id, replayed, rec.Status, intents.ErrInvalidStateTransition)
	}
	return nil
}

func (m *Manager) spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
