package execution

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("execution: circuit breaker open")

// CircuitState is the breaker position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	HalfOpenProbes   int
}

// DefaultBreakerConfig opens after 5 failures, probes 3 calls after 60s and
// closes after 2 successes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
		HalfOpenProbes:   3,
	}
}

// CircuitBreaker stops calling a failing backend until it has had time to
// recover.
type CircuitBreaker struct {
	cfg    BreakerConfig
	clock  func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

// NewCircuitBreaker returns a closed breaker. Zero config fields take the
// defaults.
func NewCircuitBreaker(cfg BreakerConfig, clock func() time.Time, logger *slog.Logger) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{cfg: cfg, clock: clock, logger: logger, state: CircuitClosed}
}

// State returns the current position, moving an expired open breaker to
// half-open.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

func (b *CircuitBreaker) refreshLocked() {
	if b.state == CircuitOpen && !b.clock().Before(b.openedAt.Add(b.cfg.OpenTimeout)) {
		b.state = CircuitHalfOpen
		b.successes = 0
		b.probes = 0
		b.logger.Info("settlementd/execution: circuit half-open")
	}
}

// Call runs fn unless the breaker is open or out of half-open probes.
func (b *CircuitBreaker) Call(fn func() error) error {
	b.mu.Lock()
	b.refreshLocked()
	switch b.state {
	case CircuitOpen:
		b.mu.Unlock()
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failureLocked()
		return err
	}
	b.successLocked()
	return nil
}

func (b *CircuitBreaker) failureLocked() {
	switch b.state {
	case CircuitClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openLocked()
			b.logger.Warn("settlementd/execution: circuit opened", "failures", b.failures)
		}
	case CircuitHalfOpen:
		b.openLocked()
		b.logger.Warn("settlementd/execution: circuit reopened from half-open")
	}
}

func (b *CircuitBreaker) successLocked() {
	switch b.state {
	case CircuitClosed:
		b.failures = 0
	case CircuitHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = CircuitClosed
			b.failures = 0
			b.successes = 0
			b.probes = 0
			b.logger.Info("settlementd/execution: circuit closed")
		}
	}
}

func (b *CircuitBreaker) openLocked() {
	b.state = CircuitOpen
	b.openedAt = b.clock()
	b.successes = 0
	b.probes = 0
}
