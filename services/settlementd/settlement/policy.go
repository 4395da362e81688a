package settlement

import (
	"math"

	"github.com/shopspring/decimal"
)

// SlashPolicy converts a failed fill into a slash rate for the bond pool.
// Amounts are in bond denom units.
type SlashPolicy struct {
	BaseBps          int
	MinSlash         decimal.Decimal
	MaxSlash         decimal.Decimal
	RepeatMultiplier float64
}

// DefaultSlashPolicy returns 2% with a 10 ATOM floor, 1000 ATOM cap and
// doubling for every prior failure.
func DefaultSlashPolicy() SlashPolicy {
	return SlashPolicy{
		BaseBps:          200,
		MinSlash:         decimal.NewFromInt(10_000_000),
		MaxSlash:         decimal.NewFromInt(1_000_000_000),
		RepeatMultiplier: 2,
	}
}

// Amount returns the penalty for a fill, before the bond pool caps it at the
// locked value.
func (p SlashPolicy) Amount(fillValue decimal.Decimal, priorFailures int) decimal.Decimal {
	if !fillValue.IsPositive() || p.BaseBps <= 0 {
		return decimal.Zero
	}
	amount := fillValue.Mul(decimal.NewFromInt(int64(p.BaseBps))).Div(decimal.NewFromInt(10_000))
	if priorFailures > 0 && p.RepeatMultiplier > 1 {
		factor := math.Pow(p.RepeatMultiplier, float64(priorFailures))
		amount = amount.Mul(decimal.NewFromFloat(factor))
	}
	if p.MinSlash.IsPositive() && amount.LessThan(p.MinSlash) {
		amount = p.MinSlash
	}
	if p.MaxSlash.IsPositive() && amount.GreaterThan(p.MaxSlash) {
		amount = p.MaxSlash
	}
	return amount
}

// Bps expresses Amount as basis points of the fill value, rounded up and
// clamped to [0, 10000].
func (p SlashPolicy) Bps(fillValue decimal.Decimal, priorFailures int) int {
	if !fillValue.IsPositive() {
		return 0
	}
	amount := p.Amount(fillValue, priorFailures)
	bps := amount.Mul(decimal.NewFromInt(10_000)).Div(fillValue).Ceil().IntPart()
	if bps > 10_000 {
		return 10_000
	}
	if bps < 0 {
		return 0
	}
	return int(bps)
}
