package solver

import (
	"sort"
	"sync"
	"time"

	"atomintents/services/settlementd/events"
)

// Stats summarises a solver's track record.
type Stats struct {
	SolverID              string        `json:"solver_id"`
	QuotesAccepted        uint64        `json:"quotes_accepted"`
	QuotesRejected        uint64        `json:"quotes_rejected"`
	Fills                 uint64        `json:"fills"`
	Completed             uint64        `json:"completed"`
	Failed                uint64        `json:"failed"`
	TimedOut              uint64        `json:"timed_out"`
	Slashes               uint64        `json:"slashes"`
	Volume                float64       `json:"volume"`
	AverageSettlementTime time.Duration `json:"average_settlement_time"`
	LastUpdated           time.Time     `json:"last_updated"`
}

// SuccessRate is the share of finished settlements that completed.
func (s Stats) SuccessRate() float64 {
	finished := s.Completed + s.Failed + s.TimedOut
	if finished == 0 {
		return 1
	}
	return float64(s.Completed) / float64(finished)
}

// Score maps the record onto 0..10000: success rate in basis points less 500
// per slash.
func (s Stats) Score() int {
	score := int(s.SuccessRate()*10_000) - 500*int(s.Slashes)
	if score < 0 {
		return 0
	}
	return score
}

// Reputation tracks solver outcomes from the event stream.
type Reputation struct {
	mu     sync.RWMutex
	stats  map[string]*Stats
	totals map[string]time.Duration
}

// NewReputation returns an empty tracker.
func NewReputation() *Reputation {
	return &Reputation{
		stats:  make(map[string]*Stats),
		totals: make(map[string]time.Duration),
	}
}

// Emit implements events.Sink.
func (r *Reputation) Emit(rec events.Record) {
	solverID := rec.Attr("solver")
	if solverID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[solverID]
	if !ok {
		s = &Stats{SolverID: solverID}
		r.stats[solverID] = s
	}
	switch rec.Kind {
	case events.KindQuoteAccepted:
		s.QuotesAccepted++
	case events.KindQuoteRejected:
		s.QuotesRejected++
	case events.KindSettlementStarted:
		s.Fills++
		s.Volume += rec.Value
	case events.KindSettlementCompleted:
		s.Completed++
		r.totals[solverID] += rec.Duration
		s.AverageSettlementTime = r.totals[solverID] / time.Duration(s.Completed)
	case events.KindSettlementFailed:
		s.Failed++
	case events.KindSettlementTimedOut:
		s.TimedOut++
	case events.KindBondSlashed:
		s.Slashes++
	default:
		return
	}
	s.LastUpdated = rec.At
}

// Failures returns how many times the solver has been slashed. The
// settlement manager uses it to escalate repeat offenders.
func (r *Reputation) Failures(solverID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.stats[solverID]; ok {
		return int(s.Slashes)
	}
	return 0
}

// Get returns one solver's stats.
func (r *Reputation) Get(solverID string) (Stats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stats[solverID]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// Top returns up to limit solvers ordered by score, then volume.
func (r *Reputation) Top(limit int) []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.stats))
	for _, s := range r.stats {
		out = append(out, *s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score() != out[j].Score() {
			return out[i].Score() > out[j].Score()
		}
		if out[i].Volume != out[j].Volume {
			return out[i].Volume > out[j].Volume
		}
		return out[i].SolverID < out[j].SolverID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
