package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"atomintents/native/intents"
	"atomintents/services/settlementd/settlement"
	"atomintents/services/settlementd/storage"
)

// Settler is the part of the settlement manager driven by chain events.
type Settler interface {
	AdvanceSettlement(ctx context.Context, id string, ev settlement.Event) (storage.Record, error)
	CompleteSettlement(ctx context.Context, id string, result settlement.Result) (storage.Record, error)
	ReportBackendError(ctx context.Context, id string, cause error) error
}

// DispatchObserver is told the outcome of every Dispatch.
type DispatchObserver interface {
	ObserveDispatch(outcome string, attempts int, elapsed time.Duration)
	ObserveCircuit(state string)
}

// Dispatch outcomes reported to a DispatchObserver.
const (
	OutcomeAccepted    = "accepted"
	OutcomeExhausted   = "exhausted"
	OutcomeCircuitOpen = "circuit_open"
)

// Pump submits new settlements to a backend and feeds its confirmations back
// into the manager.
type Pump struct {
	backend Backend
	settler Settler
	breaker *CircuitBreaker
	retry   BackoffConfig

	observer DispatchObserver
	logger   *slog.Logger
	tracer   trace.Tracer
	clock    func() time.Time
}

// PumpOption customises a Pump.
type PumpOption func(*Pump)

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *CircuitBreaker) PumpOption {
	return func(p *Pump) {
		if b != nil {
			p.breaker = b
		}
	}
}

// WithBackoff sets the retry policy for ExecuteSettlement.
func WithBackoff(cfg BackoffConfig) PumpOption {
	return func(p *Pump) { p.retry = cfg }
}

// WithObserver reports dispatch outcomes and breaker state, typically to
// metrics.
func WithObserver(o DispatchObserver) PumpOption {
	return func(p *Pump) { p.observer = o }
}

// WithPumpLogger sets the structured logger.
func WithPumpLogger(logger *slog.Logger) PumpOption {
	return func(p *Pump) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPumpClock overrides the clock.
func WithPumpClock(clock func() time.Time) PumpOption {
	return func(p *Pump) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// NewPump wires a backend to a settler.
func NewPump(backend Backend, settler Settler, opts ...PumpOption) (*Pump, error) {
	if backend == nil || settler == nil {
		return nil, fmt.Errorf("execution pump requires backend and settler: %w", intents.ErrConfig)
	}
	p := &Pump{
		backend: backend,
		settler: settler,
		retry:   DefaultBackoffConfig(),
		logger:  slog.Default(),
		tracer:  otel.Tracer("settlementd/execution"),
		clock:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.breaker == nil {
		p.breaker = NewCircuitBreaker(DefaultBreakerConfig(), p.clock, p.logger)
	}
	return p, nil
}

// Dispatch hands a freshly created settlement to the backend, retrying with
// exponential backoff behind the circuit breaker. A backend that stays
// unavailable is reported to the manager; the settlement itself is left for
// the expiry sweep.
func (p *Pump) Dispatch(ctx context.Context, rec storage.Record) (Receipt, error) {
	if p == nil {
		return Receipt{}, fmt.Errorf("execution pump not configured")
	}
	ctx, span := p.tracer.Start(ctx, "execution.dispatch",
		trace.WithAttributes(attribute.String("settlement.id", rec.ID)))
	defer span.End()

	var receipt Receipt
	attempts := 0
	started := p.clock()
	op := func() error {
		attempts++
		err := p.breaker.Call(func() error {
			var execErr error
			receipt, execErr = p.backend.ExecuteSettlement(ctx, rec)
			return execErr
		})
		if errors.Is(err, ErrCircuitOpen) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("settlementd/execution: execute failed, retrying", "settlement_id", rec.ID,
			"attempt", attempts, "wait", wait, "error", err)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(newBackOff(p.retry), ctx), notify)
	if err != nil {
		outcome := OutcomeExhausted
		if errors.Is(err, ErrCircuitOpen) {
			outcome = OutcomeCircuitOpen
		}
		p.observe(outcome, attempts, started)
		wrapped := fmt.Errorf("execute settlement %s after %d attempts: %v: %w", rec.ID, attempts, err, intents.ErrBackend)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		if reportErr := p.settler.ReportBackendError(ctx, rec.ID, wrapped); reportErr != nil {
			p.logger.Error("settlementd/execution: report backend error failed", "settlement_id", rec.ID, "error", reportErr)
		}
		return Receipt{}, wrapped
	}
	p.observe(OutcomeAccepted, attempts, started)
	span.SetStatus(codes.Ok, "accepted")
	p.logger.Info("settlementd/execution: settlement dispatched", "settlement_id", rec.ID,
		"reference", receipt.Reference, "attempts", attempts)
	return receipt, nil
}

func (p *Pump) observe(outcome string, attempts int, started time.Time) {
	if p.observer == nil {
		return
	}
	p.observer.ObserveDispatch(outcome, attempts, p.clock().Sub(started))
	p.observer.ObserveCircuit(string(p.breaker.State()))
}

// Run applies backend events until ctx ends or the event channel closes.
func (p *Pump) Run(ctx context.Context) error {
	if p == nil {
		return fmt.Errorf("execution pump not configured")
	}
	feed := p.backend.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-feed:
			if !ok {
				return nil
			}
			if err := p.Apply(ctx, ev); err != nil {
				p.logger.Warn("settlementd/execution: event not applied", "settlement_id", ev.SettlementID,
					"kind", string(ev.Kind), "error", err)
			}
		}
	}
}

// Apply maps one phase event onto the manager. Out-of-order events are
// returned as ErrInvalidStateTransition and leave the settlement unchanged.
func (p *Pump) Apply(ctx context.Context, ev PhaseEvent) error {
	var err error
	switch ev.Kind {
	case PhaseEscrowLocked:
		_, err = p.settler.AdvanceSettlement(ctx, ev.SettlementID, settlement.UserLocked{EscrowID: ev.EscrowID, TxHash: ev.TxHash})
	case PhaseSolverCommitted:
		_, err = p.settler.AdvanceSettlement(ctx, ev.SettlementID, settlement.SolverLocked{BondID: ev.BondID, TxHash: ev.TxHash})
	case PhasePacketRelayed:
		_, err = p.settler.AdvanceSettlement(ctx, ev.SettlementID, settlement.Executing{Sequence: ev.Sequence, TxHash: ev.TxHash})
	case PhaseFinalized:
		_, err = p.settler.CompleteSettlement(ctx, ev.SettlementID, settlement.Success{OutputDelivered: ev.Output, TxHash: ev.TxHash})
	case PhaseFailed:
		_, err = p.settler.CompleteSettlement(ctx, ev.SettlementID, settlement.Failure{Reason: ev.Reason, Recoverable: ev.Recoverable})
	default:
		return fmt.Errorf("settlement %s: unknown phase %q", ev.SettlementID, ev.Kind)
	}
	return err
}
