package execution

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig shapes retries of ExecuteSettlement.
type BackoffConfig struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts uint64
}

// DefaultBackoffConfig doubles from 100ms up to 30s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:     100 * time.Millisecond,
		Max:         30 * time.Second,
		Multiplier:  2,
		MaxAttempts: 5,
	}
}

// newBackOff builds a deterministic exponential policy. MaxAttempts counts
// retries after the first call.
func newBackOff(cfg BackoffConfig) backoff.BackOff {
	def := DefaultBackoffConfig()
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.Initial
	exp.MaxInterval = cfg.Max
	exp.Multiplier = cfg.Multiplier
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	if cfg.MaxAttempts == 0 {
		return exp
	}
	return backoff.WithMaxRetries(exp, cfg.MaxAttempts)
}
