package intents

import "github.com/shopspring/decimal"

// Fill assigns part or all of an intent to a winning quote. FillAmount is in
// input units and OutputAmount in output units.
type Fill struct {
	AuctionID    string          `json:"auction_id"`
	Intent       *Intent         `json:"intent"`
	Quote        Quote           `json:"quote"`
	FillAmount   decimal.Decimal `json:"fill_amount"`
	OutputAmount decimal.Decimal `json:"output_amount"`
}

// Partial reports whether the fill leaves input volume unassigned.
func (f Fill) Partial() bool {
	if f.Intent == nil {
		return false
	}
	return f.FillAmount.LessThan(f.Intent.Input.Amount)
}

// DirectMatch pairs two crossing intents settled against each other without
// a solver. Each side delivers its matched input to the other.
type DirectMatch struct {
	AuctionID string          `json:"auction_id"`
	A         *Intent         `json:"a"`
	B         *Intent         `json:"b"`
	AmountA   decimal.Decimal `json:"amount_a"`
	AmountB   decimal.Decimal `json:"amount_b"`
}
