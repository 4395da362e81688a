package auction

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"atomintents/native/intents"
)

var bpsScale = decimal.NewFromInt(10_000)

// Rejection records a quote passed over for an intent.
type Rejection struct {
	IntentID string
	QuoteID  string
	SolverID string
	Err      error
}

// Stats summarises one clearing round.
type Stats struct {
	Intents             int             `json:"intents"`
	Quotes              int             `json:"quotes"`
	DirectMatches       int             `json:"direct_matches"`
	SolverFills         int             `json:"solver_fills"`
	MatchedVolume       decimal.Decimal `json:"matched_volume"`
	PriceImprovementBps int64           `json:"price_improvement_bps"`
	CompetingSolvers    int             `json:"competing_solvers"`
}

// Result is the outcome of clearing a batch. Filled holds the input volume
// assigned per intent in this round.
type Result struct {
	Direct         []intents.DirectMatch
	Fills          []intents.Fill
	Rejections     []Rejection
	Filled         map[string]decimal.Decimal
	ClearingPrices map[string]decimal.Decimal
	Stats          Stats
}

// Params carries the inputs of a clearing round besides intents and quotes.
type Params struct {
	AuctionID string
	Now       time.Time
}

// PairKey names a directed trading pair.
func PairKey(in, out intents.AssetRef) string {
	return in.String() + "->" + out.String()
}

type candidate struct {
	a, b        *intents.Intent
	amountA     decimal.Decimal
	amountB     decimal.Decimal
	improvement decimal.Decimal
}

// Clear matches intents against each other and then against quotes. It is
// deterministic for a given input and never mutates its arguments.
func Clear(batch []*intents.Intent, quotes []intents.Quote, params Params) Result {
	res := Result{
		Filled:         make(map[string]decimal.Decimal, len(batch)),
		ClearingPrices: make(map[string]decimal.Decimal),
	}
	live := make([]*intents.Intent, 0, len(batch))
	for _, in := range batch {
		if in == nil || in.Expired(params.Now) || !in.Remaining().IsPositive() {
			continue
		}
		live = append(live, in.Clone())
	}
	sort.SliceStable(live, func(i, j int) bool {
		if !live[i].CreatedAt.Equal(live[j].CreatedAt) {
			return live[i].CreatedAt.Before(live[j].CreatedAt)
		}
		return live[i].ID < live[j].ID
	})
	res.Stats.Intents = len(live)
	res.Stats.Quotes = len(quotes)

	volume := make(map[string][2]decimal.Decimal)
	improvements := make([]decimal.Decimal, 0)

	for _, cand := range directCandidates(live) {
		if cand.a.Remaining().LessThan(cand.amountA) || cand.b.Remaining().LessThan(cand.amountB) {
			continue
		}
		if matchedThisRound(res.Direct, cand.a.ID) || matchedThisRound(res.Direct, cand.b.ID) {
			continue
		}
		cand.a.FilledAmount = cand.a.FilledAmount.Add(cand.amountA)
		cand.b.FilledAmount = cand.b.FilledAmount.Add(cand.amountB)
		res.Filled[cand.a.ID] = res.Filled[cand.a.ID].Add(cand.amountA)
		res.Filled[cand.b.ID] = res.Filled[cand.b.ID].Add(cand.amountB)
		res.Direct = append(res.Direct, intents.DirectMatch{
			AuctionID: params.AuctionID,
			A:         cand.a.Clone(),
			B:         cand.b.Clone(),
			AmountA:   cand.amountA,
			AmountB:   cand.amountB,
		})
		addVolume(volume, PairKey(cand.a.Input.Ref(), cand.a.Output.Ref()), cand.amountA, cand.amountB)
		addVolume(volume, PairKey(cand.b.Input.Ref(), cand.b.Output.Ref()), cand.amountB, cand.amountA)
		res.Stats.MatchedVolume = res.Stats.MatchedVolume.Add(cand.amountA).Add(cand.amountB)
		improvements = append(improvements, cand.improvement)
	}
	res.Stats.DirectMatches = len(res.Direct)

	ranked := rankQuotes(quotes)
	capacity := make(map[string]decimal.Decimal, len(ranked))
	solvers := make(map[string]struct{})
	for _, q := range ranked {
		capacity[q.ID] = q.InputAmount
		solvers[q.SolverID] = struct{}{}
	}
	res.Stats.CompetingSolvers = len(solvers)

	for _, in := range live {
		for _, q := range ranked {
			rem := in.Remaining()
			if !rem.IsPositive() {
				break
			}
			if !q.Covers(in.ID) || !capacity[q.ID].IsPositive() {
				continue
			}
			if err := eligible(in, q); err != nil {
				res.Rejections = append(res.Rejections, Rejection{IntentID: in.ID, QuoteID: q.ID, SolverID: q.SolverID, Err: err})
				continue
			}
			fill := decimal.Min(rem, capacity[q.ID])
			if fill.LessThan(rem) {
				if err := partialAllowed(in, fill); err != nil {
					res.Rejections = append(res.Rejections, Rejection{IntentID: in.ID, QuoteID: q.ID, SolverID: q.SolverID, Err: err})
					continue
				}
			}
			output := fill.Mul(q.OutputAmount).Div(q.InputAmount)
			capacity[q.ID] = capacity[q.ID].Sub(fill)
			in.FilledAmount = in.FilledAmount.Add(fill)
			res.Filled[in.ID] = res.Filled[in.ID].Add(fill)
			res.Fills = append(res.Fills, intents.Fill{
				AuctionID:    params.AuctionID,
				Intent:       in.Clone(),
				Quote:        q,
				FillAmount:   fill,
				OutputAmount: output,
			})
			addVolume(volume, PairKey(in.Input.Ref(), in.Output.Ref()), fill, output)
			res.Stats.MatchedVolume = res.Stats.MatchedVolume.Add(fill)
			if limit := in.LimitPrice(); limit.IsPositive() {
				improvements = append(improvements, q.Rate().Div(limit).Sub(decimal.NewFromInt(1)).Mul(bpsScale))
			}
		}
	}
	res.Stats.SolverFills = len(res.Fills)

	for pair, v := range volume {
		if v[0].IsPositive() {
			res.ClearingPrices[pair] = v[1].Div(v[0])
		}
	}
	if len(improvements) > 0 {
		total := decimal.Zero
		for _, imp := range improvements {
			total = total.Add(imp)
		}
		res.Stats.PriceImprovementBps = total.Div(decimal.NewFromInt(int64(len(improvements)))).IntPart()
	}
	return res
}

func matchedThisRound(direct []intents.DirectMatch, id string) bool {
	for _, m := range direct {
		if m.A.ID == id || m.B.ID == id {
			return true
		}
	}
	return false
}

func addVolume(volume map[string][2]decimal.Decimal, pair string, in, out decimal.Decimal) {
	v := volume[pair]
	v[0] = v[0].Add(in)
	v[1] = v[1].Add(out)
	volume[pair] = v
}

// directCandidates lists crossing intent pairs ordered by combined price
// improvement. Liquidation intents never match directly.
func directCandidates(live []*intents.Intent) []candidate {
	var out []candidate
	for i := 0; i < len(live); i++ {
		a := live[i]
		if a.IsLiquidation() {
			continue
		}
		for j := i + 1; j < len(live); j++ {
			b := live[j]
			if b.IsLiquidation() {
				continue
			}
			if a.Input.Ref() != b.Output.Ref() || a.Output.Ref() != b.Input.Ref() {
				continue
			}
			if cand, ok := crossPair(a, b); ok {
				out = append(out, cand)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].improvement.Equal(out[j].improvement) {
			return out[i].improvement.GreaterThan(out[j].improvement)
		}
		if out[i].a.ID != out[j].a.ID {
			return out[i].a.ID < out[j].a.ID
		}
		return out[i].b.ID < out[j].b.ID
	})
	return out
}

// crossPair sizes a direct match between a and b. Full remaining volume is
// exchanged when both minimums hold; otherwise the larger side is filled
// partially at the midpoint of the two limit prices.
func crossPair(a, b *intents.Intent) (candidate, bool) {
	remA, remB := a.Remaining(), b.Remaining()
	if acceptsRate(a, remB, remA) && acceptsRate(b, remA, remB) {
		return candidate{a: a, b: b, amountA: remA, amountB: remB, improvement: improvement(a, remA, remB).Add(improvement(b, remB, remA))}, true
	}
	if c, ok := partialCross(a, b); ok {
		return c, true
	}
	if c, ok := partialCross(b, a); ok {
		return candidate{a: a, b: b, amountA: c.amountB, amountB: c.amountA, improvement: c.improvement}, true
	}
	return candidate{}, false
}

// partialCross consumes all of small and part of large.
func partialCross(large, small *intents.Intent) (candidate, bool) {
	if !large.Fill.PartialAllowed() {
		return candidate{}, false
	}
	remSmall := small.Remaining()
	lo := small.MinOutputFor(remSmall)
	hi := large.Remaining()
	if limit := large.LimitPrice(); limit.IsPositive() {
		hi = decimal.Min(hi, remSmall.Div(limit))
	}
	if lo.GreaterThan(hi) || !hi.IsPositive() {
		return candidate{}, false
	}
	amount := lo.Add(hi).Div(decimal.NewFromInt(2))
	if !amount.IsPositive() || !amount.LessThan(large.Remaining()) {
		return candidate{}, false
	}
	if partialAllowed(large, amount) != nil {
		return candidate{}, false
	}
	if !acceptsRate(large, remSmall, amount) || !acceptsRate(small, amount, remSmall) {
		return candidate{}, false
	}
	return candidate{
		a:           large,
		b:           small,
		amountA:     amount,
		amountB:     remSmall,
		improvement: improvement(large, amount, remSmall).Add(improvement(small, remSmall, amount)),
	}, true
}

// acceptsRate reports whether in receives at least its pro-rata minimum when
// giving input and receiving output, within its max price.
func acceptsRate(in *intents.Intent, output, input decimal.Decimal) bool {
	if !input.IsPositive() || !output.IsPositive() {
		return false
	}
	if output.LessThan(in.MinOutputFor(input)) {
		return false
	}
	if in.Output.MaxPrice != nil && input.Div(output).GreaterThan(*in.Output.MaxPrice) {
		return false
	}
	return true
}

func improvement(in *intents.Intent, input, output decimal.Decimal) decimal.Decimal {
	floor := in.MinOutputFor(input)
	if !floor.IsPositive() {
		return decimal.Zero
	}
	return output.Div(floor).Sub(decimal.NewFromInt(1)).Mul(bpsScale)
}

// rankQuotes orders quotes best first: highest output per input, then lowest
// gas, then earliest submission, then id.
func rankQuotes(quotes []intents.Quote) []intents.Quote {
	ranked := append([]intents.Quote(nil), quotes...)
	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := ranked[i].Rate(), ranked[j].Rate()
		if !ri.Equal(rj) {
			return ri.GreaterThan(rj)
		}
		if ranked[i].EstimatedGas != ranked[j].EstimatedGas {
			return ranked[i].EstimatedGas < ranked[j].EstimatedGas
		}
		if !ranked[i].SubmittedAt.Equal(ranked[j].SubmittedAt) {
			return ranked[i].SubmittedAt.Before(ranked[j].SubmittedAt)
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}

// eligible checks a quote against an intent's price, routing and liquidation
// restrictions.
func eligible(in *intents.Intent, q intents.Quote) error {
	if in.IsLiquidation() && q.SolverID == in.Liquidation.SlashedSolver {
		return fmt.Errorf("solver %s is excluded from its own liquidation", q.SolverID)
	}
	if !q.Satisfies(in.Constraints) {
		return fmt.Errorf("execution plan violates intent constraints")
	}
	rate := q.Rate()
	if rate.LessThan(in.LimitPrice()) {
		return fmt.Errorf("rate %s below limit %s", rate, in.LimitPrice())
	}
	if in.Output.MaxPrice != nil && rate.IsPositive() && decimal.NewFromInt(1).Div(rate).GreaterThan(*in.Output.MaxPrice) {
		return fmt.Errorf("price above max price %s", in.Output.MaxPrice)
	}
	return nil
}

// partialAllowed checks a partial fill of amount against the intent's fill
// policy.
func partialAllowed(in *intents.Intent, amount decimal.Decimal) error {
	if !in.Fill.PartialAllowed() {
		return fmt.Errorf("intent %s requires a full fill: %w", in.ID, intents.ErrFillTooSmall)
	}
	switch in.Fill.Strategy {
	case intents.FillSolverDiscretion:
		return nil
	case intents.FillMinimumThenEager:
		if in.FilledAmount.IsPositive() {
			return nil
		}
	}
	floor := in.Fill.MinFillPct.Mul(in.Input.Amount)
	if amount.LessThan(floor) {
		return fmt.Errorf("fill %s below minimum %s: %w", amount, floor, intents.ErrFillTooSmall)
	}
	return nil
}
