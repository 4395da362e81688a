package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"atomintents/native/intents"
	"atomintents/services/settlementd/auction"
	"atomintents/services/settlementd/bond"
	"atomintents/services/settlementd/liquidation"
	"atomintents/services/settlementd/settlement"
	"atomintents/services/settlementd/solver"
	"atomintents/services/settlementd/storage"
)

// Auctions is the auction engine surface exposed over HTTP.
type Auctions interface {
	SubmitIntent(ctx context.Context, intent *intents.Intent) (*intents.Intent, error)
	CancelIntent(ctx context.Context, id string) (*intents.Intent, error)
	Intent(id string) (*intents.Intent, error)
	SubmitQuote(ctx context.Context, quote intents.Quote) (intents.Quote, error)
	Current() (auction.Auction, bool)
	Auction(id string) (auction.Auction, error)
	Stats() auction.EngineStats
}

// Settlements is the settlement manager surface exposed over HTTP.
type Settlements interface {
	Get(ctx context.Context, id string) (storage.Record, error)
	History(ctx context.Context, id string) ([]storage.Transition, error)
	FindStuckSettlements(ctx context.Context) ([]storage.Record, error)
	AdvanceSettlement(ctx context.Context, id string, ev settlement.Event) (storage.Record, error)
	CompleteSettlement(ctx context.Context, id string, result settlement.Result) (storage.Record, error)
	FailSettlement(ctx context.Context, id, reason string) (storage.Record, error)
}

// Bonds is the bond pool surface exposed over HTTP.
type Bonds interface {
	Snapshot(solver string) (bond.Snapshot, error)
	Deposit(solver string, asset bond.Asset, amount decimal.Decimal) (bond.Deposit, error)
	Withdraw(solver, depositID string, amount decimal.Decimal) (bond.Deposit, error)
}

// Reputations lists solver track records.
type Reputations interface {
	Top(limit int) []solver.Stats
	Get(solverID string) (solver.Stats, bool)
}

// Liquidations lists liquidation jobs.
type Liquidations interface {
	Jobs() []liquidation.Job
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Auctions     Auctions
	Settlements  Settlements
	Store        storage.Store
	Bonds        Bonds
	Reputation   Reputations
	Liquidations Liquidations
	Metrics      http.Handler
	Auth         AuthConfig
	Logger       *slog.Logger
}

// Server serves the settlementd HTTP API.
type Server struct {
	auctions     Auctions
	settlements  Settlements
	store        storage.Store
	bonds        Bonds
	reputation   Reputations
	liquidations Liquidations
	metrics      http.Handler
	auth         *authenticator
	logger       *slog.Logger

	router http.Handler
}

// New constructs the router. Auction and settlement collaborators are
// required; the rest are optional and their routes answer 404 when absent.
func New(cfg Config) (*Server, error) {
	if cfg.Auctions == nil || cfg.Settlements == nil {
		return nil, errors.New("server: auctions and settlements required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		auctions:     cfg.Auctions,
		settlements:  cfg.Settlements,
		store:        cfg.Store,
		bonds:        cfg.Bonds,
		reputation:   cfg.Reputation,
		liquidations: cfg.Liquidations,
		metrics:      cfg.Metrics,
		auth:         newAuthenticator(cfg.Auth, logger),
		logger:       logger,
	}
	s.router = otelhttp.NewHandler(s.buildRouter(), "settlementd.http")
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(api chi.Router) {
		api.Post("/intents", s.submitIntent)
		api.Get("/intents/{id}", s.getIntent)
		api.Delete("/intents/{id}", s.cancelIntent)
		api.With(s.auth.requireSolver).Post("/quotes", s.submitQuote)

		api.Get("/auctions/current", s.currentAuction)
		api.Get("/auctions/stats", s.auctionStats)
		api.Get("/auctions/{id}", s.getAuction)

		api.Get("/settlements", s.listSettlements)
		api.Get("/settlements/stuck", s.stuckSettlements)
		api.Get("/settlements/{id}", s.getSettlement)
		api.Get("/settlements/{id}/history", s.settlementHistory)

		api.Get("/bonds/{solver}", s.bondSnapshot)
		api.Get("/solvers", s.listSolvers)
		api.Get("/solvers/{solver}", s.getSolver)
		api.Get("/liquidations", s.listLiquidations)

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(s.auth.requireAdmin)
			admin.Post("/settlements/{id}/advance", s.advanceSettlement)
			admin.Post("/settlements/{id}/complete", s.completeSettlement)
			admin.Post("/settlements/{id}/fail", s.failSettlement)
			admin.Post("/bonds/{solver}/deposits", s.depositBond)
			admin.Post("/bonds/{solver}/deposits/{deposit}/withdraw", s.withdrawBond)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("settlementd/server: encode response", "error", err)
	}
}

// writeError maps sentinel errors onto status codes. Errors matching no
// sentinel are answered with fallback.
func (s *Server) writeError(w http.ResponseWriter, err error, fallback int) {
	status := fallback
	switch {
	case errors.Is(err, intents.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, intents.ErrDuplicateID),
		errors.Is(err, intents.ErrInvalidStateTransition),
		errors.Is(err, intents.ErrAuctionClosed):
		status = http.StatusConflict
	case errors.Is(err, intents.ErrInsufficientBond),
		errors.Is(err, intents.ErrFillTooSmall):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, intents.ErrInvalidAsset),
		errors.Is(err, bond.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, auction.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, intents.ErrBackend):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("settlementd/server: request failed", "status", status, "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
