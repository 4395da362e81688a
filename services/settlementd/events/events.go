package events

import (
	"sync"
	"time"
)

// Kind names a discrete event emitted by the settlement core.
type Kind string

const (
	KindIntentReceived      Kind = "intent.received"
	KindIntentMatched       Kind = "intent.matched"
	KindIntentFailed        Kind = "intent.failed"
	KindIntentExpired       Kind = "intent.expired"
	KindQuoteAccepted       Kind = "quote.accepted"
	KindQuoteRejected       Kind = "quote.rejected"
	KindAuctionOpened       Kind = "auction.opened"
	KindAuctionCleared      Kind = "auction.cleared"
	KindSettlementStarted   Kind = "settlement.started"
	KindSettlementAdvanced  Kind = "settlement.advanced"
	KindSettlementCompleted Kind = "settlement.completed"
	KindSettlementFailed    Kind = "settlement.failed"
	KindSettlementTimedOut  Kind = "settlement.timed_out"
	KindBackendError        Kind = "settlement.backend_error"
	KindBondSlashed         Kind = "bond.slashed"
	KindLiquidationStarted  Kind = "liquidation.started"
	KindLiquidationRetried  Kind = "liquidation.retried"
	KindLiquidationFilled   Kind = "liquidation.filled"
	KindLiquidationFallback Kind = "liquidation.fallback"
)

// Record is a plain structured event. Aggregation and exposition belong to
// whichever Sink consumes it.
type Record struct {
	Kind       Kind              `json:"kind"`
	At         time.Time         `json:"at"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Duration   time.Duration     `json:"duration,omitempty"`
	Value      float64           `json:"value,omitempty"`
}

// New builds a record from alternating key/value attribute pairs.
func New(kind Kind, at time.Time, kv ...string) Record {
	rec := Record{Kind: kind, At: at.UTC()}
	if len(kv) > 1 {
		rec.Attributes = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			rec.Attributes[kv[i]] = kv[i+1]
		}
	}
	return rec
}

// WithDuration attaches a phase or latency duration.
func (r Record) WithDuration(d time.Duration) Record {
	r.Duration = d
	return r
}

// WithValue attaches a numeric observation such as queue depth.
func (r Record) WithValue(v float64) Record {
	r.Value = v
	return r
}

// Attr returns the named attribute or an empty string.
func (r Record) Attr(key string) string {
	if r.Attributes == nil {
		return ""
	}
	return r.Attributes[key]
}

// Sink consumes event records. Implementations must be safe for concurrent
// use.
type Sink interface {
	Emit(Record)
}

// NoopSink discards every record.
type NoopSink struct{}

// Emit implements Sink.
func (NoopSink) Emit(Record) {}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(Record)

// Emit implements Sink.
func (f SinkFunc) Emit(rec Record) {
	if f != nil {
		f(rec)
	}
}

// Fanout delivers every record to each non-nil sink in order.
type Fanout []Sink

// Emit implements Sink.
func (f Fanout) Emit(rec Record) {
	for _, sink := range f {
		if sink != nil {
			sink.Emit(rec)
		}
	}
}

// OrNoop substitutes NoopSink for nil.
func OrNoop(sink Sink) Sink {
	if sink == nil {
		return NoopSink{}
	}
	return sink
}

// Recorder keeps every record in memory.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

// Emit implements Sink.
func (r *Recorder) Emit(rec Record) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

// Records returns a copy of the captured records.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// Count returns how many records of the given kind were captured.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Kind == kind {
			n++
		}
	}
	return n
}
