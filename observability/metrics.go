package observability

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"atomintents/services/settlementd/events"
)

// SettlementMetrics aggregates settlement event records into Prometheus
// collectors. It is constructed by the composition root against an explicit
// registerer and handed to components as an events.Sink.
type SettlementMetrics struct {
	intents       *prometheus.CounterVec
	quotes        *prometheus.CounterVec
	quoteLatency  *prometheus.HistogramVec
	queueDepth    prometheus.Gauge
	auctions      *prometheus.CounterVec
	matchedVolume prometheus.Counter
	settlements   *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	backendErrors *prometheus.CounterVec
	slashed       *prometheus.CounterVec
	liquidations  *prometheus.CounterVec
}

// NewSettlementMetrics builds and registers the settlement collectors.
func NewSettlementMetrics(reg prometheus.Registerer) (*SettlementMetrics, error) {
	if reg == nil {
		return nil, fmt.Errorf("metrics registerer required")
	}
	m := &SettlementMetrics{
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atomintents",
			Subsystem: "auction",
			Name:      "intents_total",
			Help:      "Intents observed by the auction engine segmented by outcome.",
		}, []string{"outcome"}),
		quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atomintents",
			Subsystem: "auction",
			Name:      "quotes_total",
			Help:      "Solver quotes segmented by outcome and rejection reason.",
		}, []string{"outcome", "reason"}),
		quoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "atomintents",
			Subsystem: "auction",
			Name:      "quote_latency_seconds",
			Help:      "Delay between auction open and quote submission per solver.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 1},
		}, []string{"solver"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "atomintents",
			Subsystem: "auction",
			Name:      "queue_depth",
			Help:      "Pending intents included in the most recently opened auction.",
		}),
		auctions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atomintents",
			Subsystem: "auction",
			Name:      "rounds_total",
			Help:      "Auction rounds segmented by lifecycle step.",
		}, []string{"step"}),
		matchedVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atomintents",
			Subsystem: "auction",
			Name:      "matched_input_volume",
			Help:      "Input volume matched across all cleared auctions.",
		}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atomintents",
			Subsystem: "settlement",
			Name:      "events_total",
			Help:      "Settlement lifecycle events segmented by event.",
		}, []string{"event"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "atomintents",
			Subsystem: "settlement",
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each settlement phase before transitioning.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"phase"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atomintents",
			Subsystem: "settlement",
			Name:      "backend_errors_total",
			Help:      "Execution backend failures recorded against in-flight settlements.",
		}, []string{"phase"}),
		slashed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atomintents",
			Subsystem: "bond",
			Name:      "slashed_value_total",
			Help:      "Bond value slashed from solvers in bond denom units.",
		}, []string{"solver"}),
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atomintents",
			Subsystem: "liquidation",
			Name:      "events_total",
			Help:      "Liquidation coordinator events segmented by stage.",
		}, []string{"stage"}),
	}
	collectors := []prometheus.Collector{
		m.intents, m.quotes, m.quoteLatency, m.queueDepth, m.auctions, m.matchedVolume,
		m.settlements, m.phaseDuration, m.backendErrors, m.slashed, m.liquidations,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// Emit implements events.Sink.
func (m *SettlementMetrics) Emit(rec events.Record) {
	if m == nil {
		return
	}
	switch rec.Kind {
	case events.KindIntentReceived:
		m.intents.WithLabelValues("received").Inc()
	case events.KindIntentMatched:
		m.intents.WithLabelValues("matched").Inc()
	case events.KindIntentFailed:
		m.intents.WithLabelValues("failed").Inc()
	case events.KindIntentExpired:
		m.intents.WithLabelValues("expired").Inc()
	case events.KindQuoteAccepted:
		m.quotes.WithLabelValues("accepted", "").Inc()
		if rec.Duration > 0 {
			m.quoteLatency.WithLabelValues(labelOrUnknown(rec.Attr("solver_id"))).Observe(rec.Duration.Seconds())
		}
	case events.KindQuoteRejected:
		m.quotes.WithLabelValues("rejected", labelOrUnknown(rec.Attr("reason"))).Inc()
	case events.KindAuctionOpened:
		m.auctions.WithLabelValues("opened").Inc()
		m.queueDepth.Set(rec.Value)
	case events.KindAuctionCleared:
		m.auctions.WithLabelValues("cleared").Inc()
		if rec.Value > 0 {
			m.matchedVolume.Add(rec.Value)
		}
	case events.KindSettlementStarted:
		m.settlements.WithLabelValues("started").Inc()
	case events.KindSettlementAdvanced:
		m.settlements.WithLabelValues("advanced").Inc()
		m.observePhase(rec)
	case events.KindSettlementCompleted:
		m.settlements.WithLabelValues("completed").Inc()
		m.observePhase(rec)
	case events.KindSettlementFailed:
		m.settlements.WithLabelValues("failed").Inc()
		m.observePhase(rec)
	case events.KindSettlementTimedOut:
		m.settlements.WithLabelValues("timed_out").Inc()
		m.observePhase(rec)
	case events.KindBackendError:
		m.backendErrors.WithLabelValues(labelOrUnknown(rec.Attr("status"))).Inc()
	case events.KindBondSlashed:
		if rec.Value > 0 {
			m.slashed.WithLabelValues(labelOrUnknown(rec.Attr("solver_id"))).Add(rec.Value)
		}
	case events.KindLiquidationStarted:
		m.liquidations.WithLabelValues("started").Inc()
	case events.KindLiquidationRetried:
		m.liquidations.WithLabelValues("retried").Inc()
	case events.KindLiquidationFilled:
		m.liquidations.WithLabelValues("filled").Inc()
	case events.KindLiquidationFallback:
		m.liquidations.WithLabelValues("fallback_" + labelOrUnknown(rec.Attr("policy"))).Inc()
	}
}

func (m *SettlementMetrics) observePhase(rec events.Record) {
	if rec.Duration <= 0 {
		return
	}
	m.phaseDuration.WithLabelValues(labelOrUnknown(rec.Attr("from"))).Observe(rec.Duration.Seconds())
}

func labelOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
