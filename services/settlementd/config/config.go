package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"atomintents/native/intents"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Liquidation fallback policies applied once retries are exhausted.
const (
	FallbackTreasury  = "treasury"
	FallbackRawShares = "raw_shares"
)

// Database drivers understood by the storage layer.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config captures runtime configuration for settlementd. It is read once at
// startup and never reloaded while settlements are in flight.
type Config struct {
	ListenAddress string            `yaml:"listen"`
	Database      DatabaseConfig    `yaml:"database"`
	Logging       LoggingConfig     `yaml:"logging"`
	Bond          BondConfig        `yaml:"bond"`
	Settlement    SettlementConfig  `yaml:"settlement"`
	Auction       AuctionConfig     `yaml:"auction"`
	Liquidation   LiquidationConfig `yaml:"liquidation"`
	Pricing       PricingConfig     `yaml:"pricing"`
	Execution     ExecutionConfig   `yaml:"execution"`
	Events        EventsConfig      `yaml:"events"`
	Auth          AuthConfig        `yaml:"auth"`
	Telemetry     TelemetryConfig   `yaml:"telemetry"`
}

// DatabaseConfig selects the settlement store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// BondConfig tunes solver collateral accounting.
type BondConfig struct {
	Chain                  string           `yaml:"chain"`
	Denom                  string           `yaml:"denom"`
	LockMultiplier         float64          `yaml:"lock_multiplier"`
	LSMHaircut             float64          `yaml:"lsm_haircut"`
	AcceptedLSMDenoms      []string         `yaml:"accepted_lsm_denoms"`
	MaxConcurrentPerSolver int              `yaml:"max_concurrent_per_solver"`
	LSTRates               map[string]int64 `yaml:"lst_exchange_rate_bps"`
}

// SettlementConfig tunes the settlement lifecycle.
type SettlementConfig struct {
	DefaultTimeoutSecs int            `yaml:"default_timeout_secs"`
	StuckThresholdSecs int            `yaml:"stuck_threshold_secs"`
	SweepInterval      Duration       `yaml:"sweep_interval"`
	Slashing           SlashingConfig `yaml:"slashing"`
}

// DefaultTimeout returns the settlement expiry window.
func (c SettlementConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSecs) * time.Second
}

// StuckThreshold returns the staleness threshold for stuck detection.
func (c SettlementConfig) StuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdSecs) * time.Second
}

// SlashingConfig parameterises solver penalties. Amounts are in the bond denom.
type SlashingConfig struct {
	BaseBps          int     `yaml:"base_bps"`
	MinSlash         int64   `yaml:"min_slash"`
	MaxSlash         int64   `yaml:"max_slash"`
	RepeatMultiplier float64 `yaml:"repeat_multiplier"`
}

// AuctionConfig tunes the batch auction cadence.
type AuctionConfig struct {
	IntervalMs         int     `yaml:"auction_interval_ms"`
	QuoteWindowMs      int     `yaml:"quote_window_ms"`
	QuoteRatePerSecond float64 `yaml:"quote_rate_per_second"`
	QuoteBurst         int     `yaml:"quote_burst"`
	ArchiveSize        int     `yaml:"archive_size"`
}

// Interval returns the batch tick interval.
func (c AuctionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// QuoteWindow returns the quote collection window.
func (c AuctionConfig) QuoteWindow() time.Duration {
	return time.Duration(c.QuoteWindowMs) * time.Millisecond
}

// LiquidationConfig tunes the disposal of seized LSM shares.
type LiquidationConfig struct {
	TimeoutSeconds int      `yaml:"liquidation_timeout_seconds"`
	MaxRetries     int      `yaml:"max_liquidation_retries"`
	RelaxStepBps   int      `yaml:"relax_step_bps"`
	TimeoutGrowth  float64  `yaml:"timeout_growth"`
	Fallback       string   `yaml:"fallback"`
	ReserveBalance int64    `yaml:"reserve_balance"`
	CheckInterval  Duration `yaml:"check_interval"`
}

// Timeout returns the first-attempt liquidation timeout.
func (c LiquidationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PricingConfig seeds the fill-value pricing book. Prices are expressed in
// bond denom units per unit of the keyed denom.
type PricingConfig struct {
	StaticPrices map[string]float64 `yaml:"static_prices"`
}

// ExecutionConfig tunes calls into the chain execution backend.
type ExecutionConfig struct {
	Backend      string        `yaml:"backend"`
	LoopbackStep Duration      `yaml:"loopback_step"`
	Backoff      BackoffConfig `yaml:"backoff"`
	Breaker      BreakerConfig `yaml:"circuit_breaker"`
}

// BackoffConfig configures exponential retry delays.
type BackoffConfig struct {
	Initial     Duration `yaml:"initial"`
	Max         Duration `yaml:"max"`
	Multiplier  float64  `yaml:"multiplier"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// BreakerConfig configures the backend circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold"`
	Timeout          Duration `yaml:"timeout"`
	HalfOpenRequests int      `yaml:"half_open_requests"`
}

// EventsConfig selects where structured event records are published.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	SolverJWTSecret string `yaml:"solver_jwt_secret"`
	Issuer          string `yaml:"issuer"`
	AdminToken      string `yaml:"admin_token"`
}

// TelemetryConfig configures OTLP export. The OTEL_EXPORTER_OTLP_* variables
// override the endpoint and headers when set.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Traces      bool    `yaml:"traces"`
	Metrics     bool    `yaml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio"`
	// ResourceAttributes are added to every exported span and metric.
	ResourceAttributes map[string]string `yaml:"resource_attributes"`
	// DisabledScopes lists tracer scopes, such as settlementd/auction, whose
	// spans are dropped.
	DisabledScopes []string `yaml:"disabled_scopes"`
	BatchTimeout   Duration `yaml:"batch_timeout"`
	MetricInterval Duration `yaml:"metric_interval"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Default returns a configuration populated with defaults only.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.Driver == DriverSQLite && cfg.Database.Path == "" && cfg.Database.DSN == "" {
		cfg.Database.Path = "/var/data/settlementd.sqlite"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Bond.Chain == "" {
		cfg.Bond.Chain = "cosmoshub-4"
	}
	if cfg.Bond.Denom == "" {
		cfg.Bond.Denom = "uatom"
	}
	if cfg.Bond.LockMultiplier == 0 {
		cfg.Bond.LockMultiplier = 1.5
	}
	if cfg.Bond.LSMHaircut == 0 {
		cfg.Bond.LSMHaircut = 0.10
	}
	if cfg.Bond.MaxConcurrentPerSolver == 0 {
		cfg.Bond.MaxConcurrentPerSolver = 10
	}
	if cfg.Settlement.DefaultTimeoutSecs == 0 {
		cfg.Settlement.DefaultTimeoutSecs = 1800
	}
	if cfg.Settlement.StuckThresholdSecs == 0 {
		cfg.Settlement.StuckThresholdSecs = 3600
	}
	if cfg.Settlement.SweepInterval.Duration == 0 {
		cfg.Settlement.SweepInterval.Duration = 30 * time.Second
	}
	if cfg.Settlement.Slashing.BaseBps == 0 {
		cfg.Settlement.Slashing.BaseBps = 200
	}
	if cfg.Settlement.Slashing.MinSlash == 0 {
		cfg.Settlement.Slashing.MinSlash = 10_000_000
	}
	if cfg.Settlement.Slashing.MaxSlash == 0 {
		cfg.Settlement.Slashing.MaxSlash = 1_000_000_000
	}
	if cfg.Settlement.Slashing.RepeatMultiplier == 0 {
		cfg.Settlement.Slashing.RepeatMultiplier = 2
	}
	if cfg.Auction.IntervalMs == 0 {
		cfg.Auction.IntervalMs = 500
	}
	if cfg.Auction.QuoteWindowMs == 0 {
		cfg.Auction.QuoteWindowMs = 500
	}
	if cfg.Auction.QuoteRatePerSecond == 0 {
		cfg.Auction.QuoteRatePerSecond = 50
	}
	if cfg.Auction.QuoteBurst == 0 {
		cfg.Auction.QuoteBurst = 100
	}
	if cfg.Auction.ArchiveSize == 0 {
		cfg.Auction.ArchiveSize = 10_000
	}
	if cfg.Liquidation.TimeoutSeconds == 0 {
		cfg.Liquidation.TimeoutSeconds = 600
	}
	if cfg.Liquidation.MaxRetries == 0 {
		cfg.Liquidation.MaxRetries = 3
	}
	if cfg.Liquidation.RelaxStepBps == 0 {
		cfg.Liquidation.RelaxStepBps = 200
	}
	if cfg.Liquidation.TimeoutGrowth == 0 {
		cfg.Liquidation.TimeoutGrowth = 1.5
	}
	if cfg.Liquidation.Fallback == "" {
		cfg.Liquidation.Fallback = FallbackTreasury
	}
	if cfg.Liquidation.CheckInterval.Duration == 0 {
		cfg.Liquidation.CheckInterval.Duration = 5 * time.Second
	}
	if cfg.Telemetry.BatchTimeout.Duration == 0 {
		cfg.Telemetry.BatchTimeout.Duration = 2 * time.Second
	}
	if cfg.Telemetry.MetricInterval.Duration == 0 {
		cfg.Telemetry.MetricInterval.Duration = 15 * time.Second
	}
	if cfg.Execution.Backend == "" {
		cfg.Execution.Backend = "loopback"
	}
	if cfg.Execution.LoopbackStep.Duration == 0 {
		cfg.Execution.LoopbackStep.Duration = 2 * time.Second
	}
	if cfg.Execution.Backoff.Initial.Duration == 0 {
		cfg.Execution.Backoff.Initial.Duration = 100 * time.Millisecond
	}
	if cfg.Execution.Backoff.Max.Duration == 0 {
		cfg.Execution.Backoff.Max.Duration = 30 * time.Second
	}
	if cfg.Execution.Backoff.Multiplier == 0 {
		cfg.Execution.Backoff.Multiplier = 2
	}
	if cfg.Execution.Backoff.MaxAttempts == 0 {
		cfg.Execution.Backoff.MaxAttempts = 5
	}
	if cfg.Execution.Breaker.FailureThreshold == 0 {
		cfg.Execution.Breaker.FailureThreshold = 5
	}
	if cfg.Execution.Breaker.SuccessThreshold == 0 {
		cfg.Execution.Breaker.SuccessThreshold = 2
	}
	if cfg.Execution.Breaker.Timeout.Duration == 0 {
		cfg.Execution.Breaker.Timeout.Duration = time.Minute
	}
	if cfg.Execution.Breaker.HalfOpenRequests == 0 {
		cfg.Execution.Breaker.HalfOpenRequests = 3
	}
	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "settlementd.events"
	}
}

func validate(cfg Config) error {
	switch cfg.Database.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(cfg.Database.DSN) == "" {
			return fmt.Errorf("%w: database.dsn required for postgres", intents.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported database driver %q", intents.ErrConfig, cfg.Database.Driver)
	}
	if cfg.Bond.LockMultiplier < 1 {
		return fmt.Errorf("%w: lock_multiplier must be at least 1", intents.ErrConfig)
	}
	if cfg.Bond.LSMHaircut < 0 || cfg.Bond.LSMHaircut >= 1 {
		return fmt.Errorf("%w: lsm_haircut must be within [0, 1)", intents.ErrConfig)
	}
	for _, denom := range cfg.Bond.AcceptedLSMDenoms {
		if strings.TrimSpace(denom) == "" {
			return fmt.Errorf("%w: accepted_lsm_denoms contains an empty denom", intents.ErrConfig)
		}
	}
	if cfg.Bond.MaxConcurrentPerSolver < 0 {
		return fmt.Errorf("%w: max_concurrent_per_solver must be non-negative", intents.ErrConfig)
	}
	if cfg.Settlement.DefaultTimeoutSecs < 0 || cfg.Settlement.StuckThresholdSecs < 0 {
		return fmt.Errorf("%w: settlement timeouts must be non-negative", intents.ErrConfig)
	}
	slashing := cfg.Settlement.Slashing
	if slashing.BaseBps < 0 || slashing.BaseBps > 10_000 {
		return fmt.Errorf("%w: slashing.base_bps out of range", intents.ErrConfig)
	}
	if slashing.MaxSlash < slashing.MinSlash {
		return fmt.Errorf("%w: slashing.max_slash below min_slash", intents.ErrConfig)
	}
	if cfg.Auction.IntervalMs < 0 || cfg.Auction.QuoteWindowMs < 0 {
		return fmt.Errorf("%w: auction intervals must be non-negative", intents.ErrConfig)
	}
	if cfg.Liquidation.MaxRetries < 0 {
		return fmt.Errorf("%w: max_liquidation_retries must be non-negative", intents.ErrConfig)
	}
	if cfg.Liquidation.RelaxStepBps < 0 || cfg.Liquidation.RelaxStepBps >= 10_000 {
		return fmt.Errorf("%w: relax_step_bps out of range", intents.ErrConfig)
	}
	if cfg.Liquidation.TimeoutGrowth < 1 {
		return fmt.Errorf("%w: timeout_growth must be at least 1", intents.ErrConfig)
	}
	if cfg.Execution.Backend != "loopback" {
		return fmt.Errorf("%w: unsupported execution backend %q", intents.ErrConfig, cfg.Execution.Backend)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("%w: telemetry.sample_ratio must be within [0, 1]", intents.ErrConfig)
	}
	for _, scope := range cfg.Telemetry.DisabledScopes {
		if strings.TrimSpace(scope) == "" {
			return fmt.Errorf("%w: telemetry.disabled_scopes entries must not be empty", intents.ErrConfig)
		}
	}
	switch cfg.Liquidation.Fallback {
	case FallbackTreasury, FallbackRawShares:
	default:
		return fmt.Errorf("%w: unsupported liquidation fallback %q", intents.ErrConfig, cfg.Liquidation.Fallback)
	}
	for denom, price := range cfg.Pricing.StaticPrices {
		if price <= 0 {
			return fmt.Errorf("%w: static price for %s must be positive", intents.ErrConfig, denom)
		}
	}
	return nil
}
