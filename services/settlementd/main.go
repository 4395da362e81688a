package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"atomintents/native/intents"
	"atomintents/observability"
	"atomintents/observability/logging"
	obsmetrics "atomintents/observability/metrics"
	telemetry "atomintents/observability/otel"
	"atomintents/services/settlementd/auction"
	"atomintents/services/settlementd/bond"
	"atomintents/services/settlementd/config"
	"atomintents/services/settlementd/events"
	"atomintents/services/settlementd/execution"
	"atomintents/services/settlementd/liquidation"
	"atomintents/services/settlementd/pricing"
	"atomintents/services/settlementd/server"
	"atomintents/services/settlementd/settlement"
	"atomintents/services/settlementd/solver"
	"atomintents/services/settlementd/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settlementd/config.yaml", "path to settlementd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("settlementd: load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("SETTLEMENTD_ENV"))
	logOpts := []logging.Option{logging.WithLevel(cfg.Logging.Level)}
	if cfg.Logging.File != "" {
		logOpts = append(logOpts, logging.WithRotatingFile(cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays))
	}
	logger := logging.Setup("settlementd", env, logOpts...)

	telemetryCfg := telemetry.Config{
		ServiceName:    "settlementd",
		Environment:    env,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		Attributes:     cfg.Telemetry.ResourceAttributes,
		DisabledScopes: cfg.Telemetry.DisabledScopes,
		BatchTimeout:   cfg.Telemetry.BatchTimeout.Duration,
		MetricInterval: cfg.Telemetry.MetricInterval.Duration,
	}.WithEnv(os.Getenv)
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		log.Fatalf("settlementd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, closeStore, err := openStore(cfg.Database)
	if err != nil {
		log.Fatalf("settlementd: open storage: %v", err)
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	settlementMetrics, err := observability.NewSettlementMetrics(registry)
	if err != nil {
		log.Fatalf("settlementd: metrics: %v", err)
	}
	executionMetrics, err := obsmetrics.NewExecutionMetrics(registry)
	if err != nil {
		log.Fatalf("settlementd: metrics: %v", err)
	}

	reputation := solver.NewReputation()
	sinks := events.Fanout{events.NewLogSink(logger), settlementMetrics, reputation}
	if cfg.Events.NATSURL != "" {
		natsSink, err := events.DialNATS(cfg.Events.NATSURL, cfg.Events.Subject, logger)
		if err != nil {
			log.Fatalf("settlementd: connect nats: %v", err)
		}
		defer natsSink.Close()
		sinks = append(sinks, natsSink)
	}

	pool, err := bond.NewPool(bond.Params{
		BondDenom:              cfg.Bond.Denom,
		LockMultiplier:         decimal.NewFromFloat(cfg.Bond.LockMultiplier),
		LSMHaircut:             decimal.NewFromFloat(cfg.Bond.LSMHaircut),
		AcceptedLSMDenoms:      cfg.Bond.AcceptedLSMDenoms,
		MaxConcurrentPerSolver: cfg.Bond.MaxConcurrentPerSolver,
	}, bond.WithLogger(logger))
	if err != nil {
		log.Fatalf("settlementd: bond pool: %v", err)
	}
	if _, err := observability.NewBondCollector(registry, pool); err != nil {
		log.Fatalf("settlementd: metrics: %v", err)
	}
	book := pricing.NewBook(cfg.Bond.Denom, cfg.Pricing.StaticPrices, cfg.Bond.LSTRates)

	var (
		manager     *settlement.Manager
		coordinator *liquidation.Coordinator
		router      *settlement.FillRouter
		dispatch    = make(chan storage.Record, 256)
	)
	onFill := auction.FillHandlerFunc(func(ctx context.Context, fill intents.Fill) error {
		return router.HandleFill(ctx, fill)
	})

	engine, err := auction.NewEngine(auction.Config{
		Interval:    cfg.Auction.Interval(),
		QuoteWindow: cfg.Auction.QuoteWindow(),
		ArchiveSize: cfg.Auction.ArchiveSize,
	},
		auction.WithLogger(logger),
		auction.WithSink(sinks),
		auction.WithFillHandler(onFill),
		auction.WithQuoteLimiter(solver.NewQuoteLimiter(cfg.Auction.QuoteRatePerSecond, cfg.Auction.QuoteBurst, time.Now)),
		auction.WithTradeRecorder(book),
	)
	if err != nil {
		log.Fatalf("settlementd: auction engine: %v", err)
	}

	backend := execution.NewLoopbackBackend(cfg.Execution.LoopbackStep.Duration, 0)
	coordinator, err = liquidation.NewCoordinator(liquidation.Config{
		Timeout:       cfg.Liquidation.Timeout(),
		MaxRetries:    cfg.Liquidation.MaxRetries,
		RelaxStepBps:  cfg.Liquidation.RelaxStepBps,
		TimeoutGrowth: cfg.Liquidation.TimeoutGrowth,
		Fallback:      liquidation.Fallback(cfg.Liquidation.Fallback),
	}, engine,
		liquidation.WithLogger(logger),
		liquidation.WithSink(sinks),
		liquidation.WithTreasury(liquidation.NewReserveTreasury(decimal.NewFromInt(cfg.Liquidation.ReserveBalance), logger)),
		liquidation.WithSharePayout(backend),
	)
	if err != nil {
		log.Fatalf("settlementd: liquidation coordinator: %v", err)
	}

	manager, err = settlement.NewManager(settlement.Config{
		DefaultTimeout: cfg.Settlement.DefaultTimeout(),
		StuckThreshold: cfg.Settlement.StuckThreshold(),
		BondChain:      cfg.Bond.Chain,
		BondDenom:      cfg.Bond.Denom,
		Slashing: settlement.SlashPolicy{
			BaseBps:          cfg.Settlement.Slashing.BaseBps,
			MinSlash:         decimal.NewFromInt(cfg.Settlement.Slashing.MinSlash),
			MaxSlash:         decimal.NewFromInt(cfg.Settlement.Slashing.MaxSlash),
			RepeatMultiplier: cfg.Settlement.Slashing.RepeatMultiplier,
		},
	}, store, pool,
		settlement.WithLogger(logger),
		settlement.WithSink(sinks),
		settlement.WithValuer(book),
		settlement.WithFailureHistory(reputation),
		settlement.WithSlashHandler(coordinator),
		settlement.WithOutcomeObserver(coordinator),
	)
	if err != nil {
		log.Fatalf("settlementd: settlement manager: %v", err)
	}
	router, err = settlement.NewFillRouter(manager, dispatch, logger, coordinator)
	if err != nil {
		log.Fatalf("settlementd: fill router: %v", err)
	}

	pump, err := execution.NewPump(backend, manager,
		execution.WithPumpLogger(logger),
		execution.WithObserver(executionMetrics),
		execution.WithBackoff(execution.BackoffConfig{
			Initial:     cfg.Execution.Backoff.Initial.Duration,
			Max:         cfg.Execution.Backoff.Max.Duration,
			Multiplier:  cfg.Execution.Backoff.Multiplier,
			MaxAttempts: uint64(cfg.Execution.Backoff.MaxAttempts),
		}),
		execution.WithBreaker(execution.NewCircuitBreaker(execution.BreakerConfig{
			FailureThreshold: cfg.Execution.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Execution.Breaker.SuccessThreshold,
			OpenTimeout:      cfg.Execution.Breaker.Timeout.Duration,
			HalfOpenProbes:   cfg.Execution.Breaker.HalfOpenRequests,
		}, time.Now, logger)),
	)
	if err != nil {
		log.Fatalf("settlementd: execution pump: %v", err)
	}

	srv, err := server.New(server.Config{
		Auctions:     engine,
		Settlements:  manager,
		Store:        store,
		Bonds:        pool,
		Reputation:   reputation,
		Liquidations: coordinator,
		Metrics:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Auth: server.AuthConfig{
			SolverSecret: cfg.Auth.SolverJWTSecret,
			Issuer:       cfg.Auth.Issuer,
			AdminToken:   cfg.Auth.AdminToken,
			ClockSkew:    30 * time.Second,
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("settlementd: http server: %v", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return engine.Run(groupCtx) })
	group.Go(func() error { return manager.Sweep(groupCtx, cfg.Settlement.SweepInterval.Duration) })
	group.Go(func() error { return coordinator.Run(groupCtx, cfg.Liquidation.CheckInterval.Duration) })
	group.Go(func() error { return pump.Run(groupCtx) })
	group.Go(func() error { return dispatchLoop(groupCtx, pump, dispatch, logger) })
	group.Go(func() error {
		logger.Info("settlementd: listening", "address", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("settlementd: stopped with error", "error", err)
	}
	backend.Close()
	logger.Info("settlementd: shutdown complete")
}

func dispatchLoop(ctx context.Context, pump *execution.Pump, queue <-chan storage.Record, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-queue:
			if _, err := pump.Dispatch(ctx, rec); err != nil {
				logger.Warn("settlementd: dispatch failed", "settlement_id", rec.ID, "error", err)
			}
		}
	}
}

func openStore(cfg config.DatabaseConfig) (storage.Store, func(), error) {
	var dsn string
	switch cfg.Driver {
	case config.DriverMemory:
		return storage.NewMemoryStore(), func() {}, nil
	case config.DriverSQLite:
		resolved, err := storage.FileDSN(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		dsn = resolved
	default:
		dsn = cfg.DSN
	}
	db, err := storage.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.NewSQLStore(db)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}
