package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"atomintents/native/intents"
	"atomintents/services/settlementd/events"
)

// Status is the lifecycle state of an auction round.
type Status string

const (
	StatusOpen       Status = "open"
	StatusCollecting Status = "collecting"
	StatusClearing   Status = "clearing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Auction is one batch round.
type Auction struct {
	ID             string                     `json:"id"`
	IntentIDs      []string                   `json:"intent_ids"`
	Status         Status                     `json:"status"`
	Quotes         []intents.Quote            `json:"quotes"`
	WinningQuotes  []string                   `json:"winning_quotes,omitempty"`
	DirectMatches  []intents.DirectMatch      `json:"direct_matches,omitempty"`
	ClearingPrices map[string]decimal.Decimal `json:"clearing_prices,omitempty"`
	StartedAt      time.Time                  `json:"started_at"`
	Deadline       time.Time                  `json:"deadline"`
	CompletedAt    *time.Time                 `json:"completed_at,omitempty"`
	Stats          Stats                      `json:"stats"`
}

func (a *Auction) clone() Auction {
	out := *a
	out.IntentIDs = append([]string(nil), a.IntentIDs...)
	out.Quotes = append([]intents.Quote(nil), a.Quotes...)
	out.WinningQuotes = append([]string(nil), a.WinningQuotes...)
	out.DirectMatches = append([]intents.DirectMatch(nil), a.DirectMatches...)
	if a.ClearingPrices != nil {
		out.ClearingPrices = make(map[string]decimal.Decimal, len(a.ClearingPrices))
		for k, v := range a.ClearingPrices {
			out.ClearingPrices[k] = v
		}
	}
	if a.CompletedAt != nil {
		at := *a.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

// FillHandler opens settlements for winning fills.
type FillHandler interface {
	HandleFill(ctx context.Context, fill intents.Fill) error
}

// FillHandlerFunc adapts a function into a FillHandler.
type FillHandlerFunc func(ctx context.Context, fill intents.Fill) error

// HandleFill implements FillHandler.
func (f FillHandlerFunc) HandleFill(ctx context.Context, fill intents.Fill) error {
	return f(ctx, fill)
}

// QuoteLimiter throttles quote submission per solver.
type QuoteLimiter interface {
	Allow(solverID string) bool
}

// TradeRecorder receives executed prices.
type TradeRecorder interface {
	RecordTrade(inDenom string, inAmount decimal.Decimal, outDenom string, outAmount decimal.Decimal)
}

// ErrRateLimited indicates a solver exceeded its quote budget.
var ErrRateLimited = errors.New("auction: quote rate limited")

// Config tunes the engine cadence.
type Config struct {
	Interval    time.Duration
	QuoteWindow time.Duration
	ArchiveSize int
}

// EngineStats are cumulative counters since start.
type EngineStats struct {
	Auctions        uint64 `json:"auctions"`
	IntentsReceived uint64 `json:"intents_received"`
	QuotesAccepted  uint64 `json:"quotes_accepted"`
	QuotesRejected  uint64 `json:"quotes_rejected"`
	DirectMatches   uint64 `json:"direct_matches"`
	SolverFills     uint64 `json:"solver_fills"`
	Expired         uint64 `json:"expired"`
	QueueDepth      int    `json:"queue_depth"`
}

// Engine batches pending intents into periodic auctions. Tick drives it; all
// clearing happens on the ticking goroutine.
type Engine struct {
	cfg Config

	mu       sync.Mutex
	live     map[string]*intents.Intent
	queue    []string
	current  *Auction
	last     *Auction
	archive  *lru.Cache[string, *intents.Intent]
	auctions *lru.Cache[string, *Auction]
	quoteIDs *lru.Cache[string, string]
	stats    EngineStats

	handler FillHandler
	limiter QuoteLimiter
	trades  TradeRecorder
	sink    events.Sink
	logger  *slog.Logger
	tracer  trace.Tracer
	clock   func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSink sets the event sink.
func WithSink(sink events.Sink) Option {
	return func(e *Engine) { e.sink = events.OrNoop(sink) }
}

// WithFillHandler receives winning fills.
func WithFillHandler(h FillHandler) Option {
	return func(e *Engine) { e.handler = h }
}

// WithQuoteLimiter throttles solvers.
func WithQuoteLimiter(l QuoteLimiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithTradeRecorder receives clearing prices.
func WithTradeRecorder(r TradeRecorder) Option {
	return func(e *Engine) { e.trades = r }
}

// NewEngine constructs an engine.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.QuoteWindow <= 0 {
		cfg.QuoteWindow = 500 * time.Millisecond
	}
	if cfg.ArchiveSize <= 0 {
		cfg.ArchiveSize = 10_000
	}
	archive, err := lru.New[string, *intents.Intent](cfg.ArchiveSize)
	if err != nil {
		return nil, fmt.Errorf("intent archive: %w", err)
	}
	auctions, err := lru.New[string, *Auction](cfg.ArchiveSize)
	if err != nil {
		return nil, fmt.Errorf("auction archive: %w", err)
	}
	quoteIDs, err := lru.New[string, string](4 * cfg.ArchiveSize)
	if err != nil {
		return nil, fmt.Errorf("quote id archive: %w", err)
	}
	e := &Engine{
		cfg:      cfg,
		live:     make(map[string]*intents.Intent),
		archive:  archive,
		auctions: auctions,
		quoteIDs: quoteIDs,
		sink:     events.NoopSink{},
		logger:   slog.Default(),
		tracer:   otel.Tracer("settlementd/auction"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// SubmitIntent queues an intent for the next auction.
func (e *Engine) SubmitIntent(ctx context.Context, intent *intents.Intent) (*intents.Intent, error) {
	if e == nil {
		return nil, fmt.Errorf("auction engine not configured")
	}
	if intent != nil && strings.TrimSpace(intent.ID) == "" {
		intent.ID = uuid.NewString()
	}
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	now := e.clock().UTC()
	queued := intent.Clone()
	queued.Status = intents.StatusPending
	queued.FilledAmount = decimal.Zero
	if queued.CreatedAt.IsZero() {
		queued.CreatedAt = now
	}
	if queued.Fill.Strategy == "" {
		queued.Fill.Strategy = intents.FillEager
	}
	if queued.Expired(now) {
		return nil, fmt.Errorf("intent %s already expired", queued.ID)
	}

	e.mu.Lock()
	if _, ok := e.live[queued.ID]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("intent %s: %w", queued.ID, intents.ErrDuplicateID)
	}
	if e.archive.Contains(queued.ID) {
		e.mu.Unlock()
		return nil, fmt.Errorf("intent %s: %w", queued.ID, intents.ErrDuplicateID)
	}
	e.live[queued.ID] = queued
	e.queue = append(e.queue, queued.ID)
	e.stats.IntentsReceived++
	depth := len(e.queue)
	e.stats.QueueDepth = depth
	e.mu.Unlock()

	kind := "user"
	if queued.IsLiquidation() {
		kind = "liquidation"
	}
	e.logger.Info("settlementd/auction: intent queued", "intent_id", queued.ID, "kind", kind,
		"input", queued.Input.Ref().String(), "amount", queued.Input.Amount.String())
	e.sink.Emit(events.New(events.KindIntentReceived, now,
		"intent_id", queued.ID, "kind", kind, "pair", PairKey(queued.Input.Ref(), queued.Output.Ref())).
		WithValue(float64(depth)))
	return queued.Clone(), nil
}

// InjectLiquidation queues a system liquidation intent.
func (e *Engine) InjectLiquidation(ctx context.Context, intent *intents.Intent) (*intents.Intent, error) {
	if !intent.IsLiquidation() {
		return nil, fmt.Errorf("intent is not a liquidation: %w", intents.ErrInvalidAsset)
	}
	return e.SubmitIntent(ctx, intent)
}

// CancelIntent withdraws an intent that is not part of a running auction.
func (e *Engine) CancelIntent(ctx context.Context, id string) (*intents.Intent, error) {
	if e == nil {
		return nil, fmt.Errorf("auction engine not configured")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.live[id]
	if !ok {
		if archived, found := e.archive.Get(id); found {
			return nil, fmt.Errorf("intent %s is %s: %w", id, archived.Status, intents.ErrInvalidStateTransition)
		}
		return nil, fmt.Errorf("intent %s: %w", id, intents.ErrNotFound)
	}
	if in.Status == intents.StatusAuctioning {
		return nil, fmt.Errorf("intent %s is in auction: %w", id, intents.ErrInvalidStateTransition)
	}
	in.Status = intents.StatusCancelled
	e.retireLocked(in)
	e.logger.Info("settlementd/auction: intent cancelled", "intent_id", id)
	return in.Clone(), nil
}

// SubmitQuote records a solver quote for the collecting auction. Quotes for
// any other round, or arriving after the window, fail with ErrAuctionClosed.
// Quote ids are single use across rounds.
func (e *Engine) SubmitQuote(ctx context.Context, quote intents.Quote) (intents.Quote, error) {
	if e == nil {
		return intents.Quote{}, fmt.Errorf("auction engine not configured")
	}
	now := e.clock().UTC()
	if err := quote.Validate(); err != nil {
		e.rejectQuote(quote, now, err)
		return intents.Quote{}, err
	}
	if e.limiter != nil && !e.limiter.Allow(quote.SolverID) {
		e.rejectQuote(quote, now, ErrRateLimited)
		return intents.Quote{}, ErrRateLimited
	}

	e.mu.Lock()
	cur := e.current
	if cur == nil || cur.ID != quote.AuctionID || cur.Status != StatusCollecting || !now.Before(cur.Deadline) {
		e.mu.Unlock()
		err := fmt.Errorf("auction %s: %w", quote.AuctionID, intents.ErrAuctionClosed)
		e.rejectQuote(quote, now, err)
		return intents.Quote{}, err
	}
	members := make(map[string]struct{}, len(cur.IntentIDs))
	for _, id := range cur.IntentIDs {
		members[id] = struct{}{}
	}
	for _, id := range quote.IntentIDs {
		if _, ok := members[id]; !ok {
			e.mu.Unlock()
			err := fmt.Errorf("intent %s is not in auction %s: %w", id, cur.ID, intents.ErrNotFound)
			e.rejectQuote(quote, now, err)
			return intents.Quote{}, err
		}
	}
	if strings.TrimSpace(quote.ID) == "" {
		quote.ID = uuid.NewString()
	}
	if prior, seen := e.quoteIDs.Get(quote.ID); seen {
		e.mu.Unlock()
		err := fmt.Errorf("quote %s already used in auction %s: %w", quote.ID, prior, intents.ErrDuplicateID)
		e.rejectQuote(quote, now, err)
		return intents.Quote{}, err
	}
	e.quoteIDs.Add(quote.ID, cur.ID)
	quote.IntentIDs = append([]string(nil), quote.IntentIDs...)
	quote.SubmittedAt = now
	cur.Quotes = append(cur.Quotes, quote)
	e.stats.QuotesAccepted++
	latency := now.Sub(cur.StartedAt)
	e.mu.Unlock()

	e.sink.Emit(events.New(events.KindQuoteAccepted, now,
		"auction_id", quote.AuctionID, "quote_id", quote.ID, "solver", quote.SolverID).
		WithDuration(latency))
	return quote, nil
}

func (e *Engine) rejectQuote(quote intents.Quote, now time.Time, err error) {
	e.mu.Lock()
	e.stats.QuotesRejected++
	e.mu.Unlock()
	e.logger.Debug("settlementd/auction: quote rejected", "auction_id", quote.AuctionID,
		"solver", quote.SolverID, "error", err)
	e.sink.Emit(events.New(events.KindQuoteRejected, now,
		"auction_id", quote.AuctionID, "solver", quote.SolverID, "reason", err.Error()))
}

// Run ticks the engine until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.logger.Error("settlementd/auction: tick failed", "error", err)
			}
		}
	}
}

// Tick clears the collecting auction once its window has elapsed and then
// opens a new auction over every pending intent.
func (e *Engine) Tick(ctx context.Context) error {
	if e == nil {
		return fmt.Errorf("auction engine not configured")
	}
	now := e.clock().UTC()
	e.mu.Lock()
	cur := e.current
	due := cur != nil && cur.Status == StatusCollecting && !now.Before(cur.Deadline)
	var batch []*intents.Intent
	var quotes []intents.Quote
	if due {
		cur.Status = StatusClearing
		for _, id := range cur.IntentIDs {
			if in, ok := e.live[id]; ok {
				batch = append(batch, in.Clone())
			}
		}
		quotes = append([]intents.Quote(nil), cur.Quotes...)
	}
	e.mu.Unlock()

	if due {
		e.clear(ctx, cur, batch, quotes, now)
	}
	e.open(now)
	return nil
}

func (e *Engine) open(now time.Time) {
	e.mu.Lock()
	if e.current != nil {
		e.mu.Unlock()
		return
	}
	var ids []string
	for _, id := range e.queue {
		in, ok := e.live[id]
		if !ok {
			continue
		}
		if in.Expired(now) {
			in.Status = intents.StatusExpired
			e.stats.Expired++
			e.archiveLocked(in)
			e.sink.Emit(events.New(events.KindIntentExpired, now, "intent_id", id))
			continue
		}
		in.Status = intents.StatusAuctioning
		ids = append(ids, id)
	}
	e.queue = nil
	e.stats.QueueDepth = 0
	if len(ids) == 0 {
		e.mu.Unlock()
		return
	}
	auction := &Auction{
		ID:        uuid.NewString(),
		IntentIDs: ids,
		Status:    StatusCollecting,
		StartedAt: now,
		Deadline:  now.Add(e.cfg.QuoteWindow),
	}
	e.current = auction
	e.stats.Auctions++
	e.auctions.Add(auction.ID, auction)
	e.mu.Unlock()

	e.logger.Debug("settlementd/auction: opened", "auction_id", auction.ID, "intents", len(ids),
		"deadline", auction.Deadline)
	e.sink.Emit(events.New(events.KindAuctionOpened, now, "auction_id", auction.ID).
		WithValue(float64(len(ids))))
}

func (e *Engine) clear(ctx context.Context, auction *Auction, batch []*intents.Intent, quotes []intents.Quote, now time.Time) {
	ctx, span := e.tracer.Start(ctx, "auction.clear",
		trace.WithAttributes(
			attribute.String("auction.id", auction.ID),
			attribute.Int("auction.intents", len(batch)),
			attribute.Int("auction.quotes", len(quotes)),
		))
	defer span.End()

	result := Clear(batch, quotes, Params{AuctionID: auction.ID, Now: now})
	for _, rej := range result.Rejections {
		if errors.Is(rej.Err, intents.ErrFillTooSmall) {
			e.sink.Emit(events.New(events.KindQuoteRejected, now,
				"auction_id", auction.ID, "quote_id", rej.QuoteID, "solver", rej.SolverID,
				"intent_id", rej.IntentID, "reason", rej.Err.Error()))
		}
	}

	reverted := make(map[string]decimal.Decimal)
	var winners []string
	for _, fill := range result.Fills {
		if e.handler != nil {
			if err := e.handler.HandleFill(ctx, fill); err != nil {
				reverted[fill.Intent.ID] = reverted[fill.Intent.ID].Add(fill.FillAmount)
				span.RecordError(err)
				e.logger.Warn("settlementd/auction: fill rejected by handler", "auction_id", auction.ID,
					"intent_id", fill.Intent.ID, "quote_id", fill.Quote.ID, "error", err)
				e.sink.Emit(events.New(events.KindIntentFailed, now,
					"intent_id", fill.Intent.ID, "solver", fill.Quote.SolverID, "reason", err.Error()))
				continue
			}
		}
		winners = append(winners, fill.Quote.ID)
		if e.trades != nil {
			e.trades.RecordTrade(fill.Intent.Input.Denom, fill.FillAmount, fill.Intent.Output.Denom, fill.OutputAmount)
		}
		e.sink.Emit(events.New(events.KindIntentMatched, now,
			"intent_id", fill.Intent.ID, "auction_id", auction.ID, "mode", "solver",
			"solver", fill.Quote.SolverID, "quote_id", fill.Quote.ID).
			WithValue(fill.FillAmount.InexactFloat64()))
	}
	directIDs := make(map[string]struct{}, 2*len(result.Direct))
	for _, m := range result.Direct {
		directIDs[m.A.ID] = struct{}{}
		directIDs[m.B.ID] = struct{}{}
		if e.trades != nil {
			e.trades.RecordTrade(m.A.Input.Denom, m.AmountA, m.B.Input.Denom, m.AmountB)
		}
		for _, id := range []string{m.A.ID, m.B.ID} {
			e.sink.Emit(events.New(events.KindIntentMatched, now,
				"intent_id", id, "auction_id", auction.ID, "mode", "direct").
				WithValue(m.AmountA.InexactFloat64()))
		}
	}

	e.mu.Lock()
	for _, id := range auction.IntentIDs {
		in, ok := e.live[id]
		if !ok {
			continue
		}
		filled := result.Filled[id].Sub(reverted[id])
		in.FilledAmount = in.FilledAmount.Add(filled)
		switch {
		case !in.Remaining().IsPositive():
			if _, direct := directIDs[id]; direct && !hasSolverFill(result.Fills, id) {
				in.Status = intents.StatusCompleted
			} else {
				in.Status = intents.StatusFilled
			}
			e.retireLocked(in)
		case in.Expired(now):
			in.Status = intents.StatusExpired
			e.stats.Expired++
			e.retireLocked(in)
			e.sink.Emit(events.New(events.KindIntentExpired, now, "intent_id", id))
		default:
			if in.FilledAmount.IsPositive() {
				in.Status = intents.StatusPartiallyFilled
			} else {
				in.Status = intents.StatusPending
			}
			if !filled.IsPositive() {
				e.sink.Emit(events.New(events.KindIntentFailed, now,
					"intent_id", id, "auction_id", auction.ID, "reason", "no qualifying match"))
			}
			e.queue = append(e.queue, id)
		}
	}
	completed := now
	auction.Status = StatusCompleted
	if len(result.Fills) == 0 && len(result.Direct) == 0 {
		auction.Status = StatusFailed
	}
	auction.CompletedAt = &completed
	auction.WinningQuotes = dedupe(winners)
	auction.DirectMatches = result.Direct
	auction.ClearingPrices = result.ClearingPrices
	auction.Stats = result.Stats
	e.stats.DirectMatches += uint64(len(result.Direct))
	e.stats.SolverFills += uint64(len(winners))
	e.stats.QueueDepth = len(e.queue)
	e.last = auction
	e.current = nil
	depth := len(e.queue)
	e.mu.Unlock()

	e.logger.Info("settlementd/auction: cleared", "auction_id", auction.ID,
		"intents", result.Stats.Intents, "quotes", result.Stats.Quotes,
		"direct", result.Stats.DirectMatches, "fills", len(winners), "requeued", depth)
	e.sink.Emit(events.New(events.KindAuctionCleared, now,
		"auction_id", auction.ID, "status", string(auction.Status)).
		WithDuration(now.Sub(auction.StartedAt)).
		WithValue(float64(depth)))
	span.SetStatus(codes.Ok, string(auction.Status))
}

func hasSolverFill(fills []intents.Fill, id string) bool {
	for _, f := range fills {
		if f.Intent.ID == id {
			return true
		}
	}
	return false
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// retireLocked moves a terminal intent out of the queue and into the
// archive. Caller holds e.mu.
func (e *Engine) retireLocked(in *intents.Intent) {
	for i, id := range e.queue {
		if id == in.ID {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	e.archiveLocked(in)
}

func (e *Engine) archiveLocked(in *intents.Intent) {
	delete(e.live, in.ID)
	e.archive.Add(in.ID, in)
}

// Current returns the collecting auction, if any.
func (e *Engine) Current() (Auction, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return Auction{}, false
	}
	return e.current.clone(), true
}

// Last returns the most recently cleared auction.
func (e *Engine) Last() (Auction, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Auction{}, false
	}
	return e.last.clone(), true
}

// Auction returns a recent auction by id.
func (e *Engine) Auction(id string) (Auction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.auctions.Get(id)
	if !ok {
		return Auction{}, fmt.Errorf("auction %s: %w", id, intents.ErrNotFound)
	}
	return a.clone(), nil
}

// Intent returns a live or archived intent.
func (e *Engine) Intent(id string) (*intents.Intent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if in, ok := e.live[id]; ok {
		return in.Clone(), nil
	}
	if in, ok := e.archive.Get(id); ok {
		return in.Clone(), nil
	}
	return nil, fmt.Errorf("intent %s: %w", id, intents.ErrNotFound)
}

// Stats returns cumulative counters.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := e.stats
	stats.QueueDepth = len(e.queue)
	return stats
}
