package auction

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"atomintents/native/intents"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func swapIntent(id, inChain, inDenom, inAmt, outChain, outDenom, minOut string) *intents.Intent {
	return &intents.Intent{
		ID:        id,
		Owner:     "owner-" + id,
		Input:     intents.Asset{Chain: inChain, Denom: inDenom, Amount: d(inAmt)},
		Output:    intents.OutputSpec{Chain: outChain, Denom: outDenom, MinAmount: d(minOut)},
		Fill:      intents.FillPolicy{Strategy: intents.FillEager},
		Status:    intents.StatusAuctioning,
		CreatedAt: t0,
		ExpiresAt: t0.Add(time.Hour),
	}
}

func atomToOsmo(id, amount, minOut string) *intents.Intent {
	return swapIntent(id, "cosmoshub-4", "uatom", amount, "osmosis-1", "uosmo", minOut)
}

func quote(id, solver string, input, output string, intentIDs ...string) intents.Quote {
	return intents.Quote{
		ID:           id,
		SolverID:     solver,
		IntentIDs:    intentIDs,
		InputAmount:  d(input),
		OutputAmount: d(output),
		SubmittedAt:  t0,
	}
}

func TestClearDirectMatchUsesNoQuotes(t *testing.T) {
	a := atomToOsmo("a", "100", "1400")
	b := swapIntent("b", "osmosis-1", "uosmo", "1500", "cosmoshub-4", "uatom", "100")
	q := quote("q1", "solver-1", "100", "1450", "a")

	res := Clear([]*intents.Intent{a, b}, []intents.Quote{q}, Params{AuctionID: "auc", Now: t0})
	require.Len(t, res.Direct, 1)
	require.Empty(t, res.Fills)
	require.True(t, res.Filled["a"].Equal(d("100")))
	require.True(t, res.Filled["b"].Equal(d("1500")))
	require.Equal(t, 1, res.Stats.DirectMatches)
	require.True(t, res.ClearingPrices["cosmoshub-4:uatom->osmosis-1:uosmo"].Equal(d("15")))
	require.True(t, a.FilledAmount.IsZero(), "inputs must not be mutated")
}

func TestClearDirectMatchRequiresBothMinimums(t *testing.T) {
	a := atomToOsmo("a", "100", "1600")
	b := swapIntent("b", "osmosis-1", "uosmo", "1500", "cosmoshub-4", "uatom", "100")

	res := Clear([]*intents.Intent{a, b}, nil, Params{Now: t0})
	require.Empty(t, res.Direct)
	require.Empty(t, res.Filled)
}

func TestClearPartialDirectMatch(t *testing.T) {
	large := atomToOsmo("large", "200", "2800")
	large.Fill = intents.FillPolicy{AllowPartial: true, MinFillPct: d("0.25"), Strategy: intents.FillEager}
	small := swapIntent("small", "osmosis-1", "uosmo", "1500", "cosmoshub-4", "uatom", "100")

	res := Clear([]*intents.Intent{large, small}, nil, Params{Now: t0})
	require.Len(t, res.Direct, 1)
	m := res.Direct[0]
	require.Equal(t, "large", m.A.ID)
	require.True(t, m.AmountB.Equal(d("1500")))
	require.True(t, m.AmountA.GreaterThanOrEqual(d("100")))
	require.True(t, m.AmountA.LessThan(d("200")))
	require.True(t, d("1500").GreaterThanOrEqual(large.MinOutputFor(m.AmountA)))
}

func TestClearBestQuoteTieBreaks(t *testing.T) {
	in := atomToOsmo("a", "100", "1400")
	best := quote("q-best", "solver-1", "100", "1500", "a")
	cheaperGas := quote("q-gas", "solver-2", "100", "1500", "a")
	cheaperGas.EstimatedGas = 10
	best.EstimatedGas = 20
	worse := quote("q-worse", "solver-3", "100", "1450", "a")

	res := Clear([]*intents.Intent{in}, []intents.Quote{worse, best, cheaperGas}, Params{Now: t0})
	require.Len(t, res.Fills, 1)
	require.Equal(t, "q-gas", res.Fills[0].Quote.ID)
	require.True(t, res.Fills[0].OutputAmount.Equal(d("1500")))

	early := quote("q-early", "solver-4", "100", "1500", "a")
	late := quote("q-late", "solver-5", "100", "1500", "a")
	late.SubmittedAt = t0.Add(time.Millisecond)
	res = Clear([]*intents.Intent{in}, []intents.Quote{late, early}, Params{Now: t0})
	require.Len(t, res.Fills, 1)
	require.Equal(t, "q-early", res.Fills[0].Quote.ID)
}

func TestClearSplitsPartialFillsAcrossQuotes(t *testing.T) {
	in := atomToOsmo("a", "1000", "14000")
	in.Fill = intents.FillPolicy{AllowPartial: true, MinFillPct: d("0.3"), Strategy: intents.FillEager}
	q1 := quote("q1", "solver-1", "600", "9000", "a")
	q2 := quote("q2", "solver-2", "500", "7250", "a")

	res := Clear([]*intents.Intent{in}, []intents.Quote{q2, q1}, Params{Now: t0})
	require.Len(t, res.Fills, 2)
	require.Equal(t, "q1", res.Fills[0].Quote.ID)
	require.True(t, res.Fills[0].FillAmount.Equal(d("600")))
	require.Equal(t, "q2", res.Fills[1].Quote.ID)
	require.True(t, res.Fills[1].FillAmount.Equal(d("400")))
	require.True(t, res.Fills[1].OutputAmount.Equal(d("5800")))
	require.True(t, res.Filled["a"].Equal(d("1000")))
}

func TestClearRejectsFillTooSmall(t *testing.T) {
	in := atomToOsmo("a", "1000", "14000")
	in.Fill = intents.FillPolicy{AllowPartial: true, MinFillPct: d("0.5"), Strategy: intents.FillEager}
	small := quote("q-small", "solver-1", "300", "4500", "a")

	res := Clear([]*intents.Intent{in}, []intents.Quote{small}, Params{Now: t0})
	require.Empty(t, res.Fills)
	require.Len(t, res.Rejections, 1)
	require.True(t, errors.Is(res.Rejections[0].Err, intents.ErrFillTooSmall))
}

func TestClearAllOrNothingSkipsPartialQuotes(t *testing.T) {
	in := atomToOsmo("a", "1000", "14000")
	in.Fill = intents.FillPolicy{AllowPartial: true, Strategy: intents.FillAllOrNothing}
	partial := quote("q-partial", "solver-1", "600", "9600", "a")
	full := quote("q-full", "solver-2", "1000", "14500", "a")

	res := Clear([]*intents.Intent{in}, []intents.Quote{partial, full}, Params{Now: t0})
	require.Len(t, res.Fills, 1)
	require.Equal(t, "q-full", res.Fills[0].Quote.ID)
	require.True(t, errors.Is(res.Rejections[0].Err, intents.ErrFillTooSmall))
}

func TestClearMinimumThenEager(t *testing.T) {
	in := atomToOsmo("a", "1000", "14000")
	in.Fill = intents.FillPolicy{AllowPartial: true, MinFillPct: d("0.5"), Strategy: intents.FillMinimumThenEager}
	first := quote("q1", "solver-1", "600", "9000", "a")
	tail := quote("q2", "solver-2", "100", "1450", "a")

	res := Clear([]*intents.Intent{in}, []intents.Quote{first, tail}, Params{Now: t0})
	require.Len(t, res.Fills, 2)
	require.True(t, res.Filled["a"].Equal(d("700")))
}

func TestClearFiltersByConstraintsAndPrice(t *testing.T) {
	in := atomToOsmo("a", "100", "1400")
	in.Constraints = intents.Constraints{MaxHops: 1, DeniedVenues: []string{"shadyswap"}}
	tooManyHops := quote("q-hops", "solver-1", "100", "1600", "a")
	tooManyHops.Plan.Hops = []intents.Hop{{Venue: "osmosis"}, {Venue: "astroport"}}
	denied := quote("q-denied", "solver-2", "100", "1550", "a")
	denied.Plan.Hops = []intents.Hop{{Venue: "ShadySwap"}}
	belowLimit := quote("q-low", "solver-3", "100", "1300", "a")
	ok := quote("q-ok", "solver-4", "100", "1410", "a")
	ok.Plan.Hops = []intents.Hop{{Venue: "osmosis"}}

	res := Clear([]*intents.Intent{in}, []intents.Quote{tooManyHops, denied, belowLimit, ok}, Params{Now: t0})
	require.Len(t, res.Fills, 1)
	require.Equal(t, "q-ok", res.Fills[0].Quote.ID)
	require.Len(t, res.Rejections, 2)
}

func TestClearQuoteCapacityIsShared(t *testing.T) {
	a := atomToOsmo("a", "100", "1400")
	b := atomToOsmo("b", "100", "1400")
	b.CreatedAt = t0.Add(time.Second)
	shared := quote("q-shared", "solver-1", "150", "2250", "a", "b")

	res := Clear([]*intents.Intent{b, a}, []intents.Quote{shared}, Params{Now: t0})
	require.Len(t, res.Fills, 1)
	require.Equal(t, "a", res.Fills[0].Intent.ID)
	require.True(t, res.Filled["b"].IsZero())
}

func TestClearLiquidationSkipsDirectAndSlashedSolver(t *testing.T) {
	liq := swapIntent("liq", "cosmoshub-4", "stuatom", "55", "cosmoshub-4", "uatom", "50")
	liq.Liquidation = &intents.LiquidationTerms{SourceSettlementID: "s-1", SlashedSolver: "solver-bad", Beneficiary: "cosmos1user"}
	counter := swapIntent("counter", "cosmoshub-4", "uatom", "60", "cosmoshub-4", "stuatom", "50")
	slashed := quote("q-bad", "solver-bad", "55", "60", "liq")
	honest := quote("q-good", "solver-good", "55", "52", "liq")

	res := Clear([]*intents.Intent{liq, counter}, []intents.Quote{slashed, honest}, Params{Now: t0})
	require.Empty(t, res.Direct)
	require.Len(t, res.Fills, 1)
	require.Equal(t, "solver-good", res.Fills[0].Quote.SolverID)
	require.Equal(t, "q-bad", res.Rejections[0].QuoteID)
}

func TestClearSkipsExpiredIntents(t *testing.T) {
	in := atomToOsmo("a", "100", "1400")
	in.ExpiresAt = t0
	res := Clear([]*intents.Intent{in}, []intents.Quote{quote("q", "s", "100", "1500", "a")}, Params{Now: t0})
	require.Empty(t, res.Fills)
	require.Zero(t, res.Stats.Intents)
}
