package intents

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AssetRef identifies a denomination on a specific chain.
type AssetRef struct {
	Chain string `json:"chain"`
	Denom string `json:"denom"`
}

func (r AssetRef) String() string {
	return r.Chain + ":" + r.Denom
}

// Asset is an amount of a denomination on a specific chain, expressed in the
// denomination's base unit.
type Asset struct {
	Chain  string          `json:"chain"`
	Denom  string          `json:"denom"`
	Amount decimal.Decimal `json:"amount"`
}

// Ref strips the amount.
func (a Asset) Ref() AssetRef {
	return AssetRef{Chain: a.Chain, Denom: a.Denom}
}

// OutputSpec describes what the intent owner expects to receive.
type OutputSpec struct {
	Chain     string           `json:"chain"`
	Denom     string           `json:"denom"`
	MinAmount decimal.Decimal  `json:"min_amount"`
	MaxPrice  *decimal.Decimal `json:"max_price,omitempty"`
}

// Ref strips the amounts.
func (o OutputSpec) Ref() AssetRef {
	return AssetRef{Chain: o.Chain, Denom: o.Denom}
}

// FillStrategy controls how partial fills are accepted for an intent.
type FillStrategy string

const (
	FillEager            FillStrategy = "eager"
	FillAllOrNothing     FillStrategy = "all_or_nothing"
	FillMinimumThenEager FillStrategy = "minimum_then_eager"
	FillSolverDiscretion FillStrategy = "solver_discretion"
)

// Valid reports whether the strategy is one of the supported values.
func (s FillStrategy) Valid() bool {
	switch s {
	case FillEager, FillAllOrNothing, FillMinimumThenEager, FillSolverDiscretion:
		return true
	default:
		return false
	}
}

// FillPolicy captures the owner's tolerance for partial execution. MinFillPct
// is a fraction of the original input amount in [0, 1].
type FillPolicy struct {
	AllowPartial bool            `json:"allow_partial"`
	MinFillPct   decimal.Decimal `json:"min_fill_pct"`
	Strategy     FillStrategy    `json:"strategy"`
}

// PartialAllowed folds the strategy into the allow flag.
func (p FillPolicy) PartialAllowed() bool {
	return p.AllowPartial && p.Strategy != FillAllOrNothing
}

// Constraints restrict which execution plans may serve an intent.
type Constraints struct {
	MaxHops        int      `json:"max_hops"`
	AllowedVenues  []string `json:"allowed_venues,omitempty"`
	DeniedVenues   []string `json:"denied_venues,omitempty"`
	MaxSlippageBps int      `json:"max_slippage_bps"`
}

// AllowsVenue reports whether a venue passes the allow and deny lists. An empty
// allow list admits every venue that is not denied.
func (c Constraints) AllowsVenue(venue string) bool {
	venue = strings.ToLower(strings.TrimSpace(venue))
	for _, denied := range c.DeniedVenues {
		if strings.EqualFold(strings.TrimSpace(denied), venue) {
			return false
		}
	}
	if len(c.AllowedVenues) == 0 {
		return true
	}
	for _, allowed := range c.AllowedVenues {
		if strings.EqualFold(strings.TrimSpace(allowed), venue) {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of an intent.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAuctioning      Status = "auctioning"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusExpired         Status = "expired"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether the intent can no longer be auctioned.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCompleted, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// LiquidationTerms marks an intent as a system-generated disposal of seized
// collateral.
type LiquidationTerms struct {
	SourceSettlementID string `json:"source_settlement_id"`
	SlashedSolver      string `json:"slashed_solver"`
	Beneficiary        string `json:"beneficiary"`
	Attempt            int    `json:"attempt"`
}

// Intent is a signed request to swap an input asset for a minimum output.
type Intent struct {
	ID           string            `json:"id"`
	Owner        string            `json:"owner"`
	Input        Asset             `json:"input"`
	Output       OutputSpec        `json:"output"`
	Fill         FillPolicy        `json:"fill"`
	Constraints  Constraints       `json:"constraints"`
	Status       Status            `json:"status"`
	FilledAmount decimal.Decimal   `json:"filled_amount"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Liquidation  *LiquidationTerms `json:"liquidation,omitempty"`
}

// Clone returns a deep copy so callers can mutate fill progress without
// touching the queued instance.
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	clone := *i
	if i.Output.MaxPrice != nil {
		price := *i.Output.MaxPrice
		clone.Output.MaxPrice = &price
	}
	clone.Constraints.AllowedVenues = append([]string(nil), i.Constraints.AllowedVenues...)
	clone.Constraints.DeniedVenues = append([]string(nil), i.Constraints.DeniedVenues...)
	if i.Liquidation != nil {
		terms := *i.Liquidation
		clone.Liquidation = &terms
	}
	return &clone
}

// Remaining returns the input volume not yet assigned to a fill.
func (i *Intent) Remaining() decimal.Decimal {
	rem := i.Input.Amount.Sub(i.FilledAmount)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Expired reports whether the intent deadline has passed at now.
func (i *Intent) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// IsLiquidation reports whether the intent disposes of seized bond shares.
func (i *Intent) IsLiquidation() bool {
	return i != nil && i.Liquidation != nil
}

// LimitPrice is the minimum output per unit of input the owner accepts.
func (i *Intent) LimitPrice() decimal.Decimal {
	if i.Input.Amount.IsZero() {
		return decimal.Zero
	}
	return i.Output.MinAmount.Div(i.Input.Amount)
}

// MinOutputFor scales the minimum output to a partial input amount.
func (i *Intent) MinOutputFor(input decimal.Decimal) decimal.Decimal {
	if i.Input.Amount.IsZero() {
		return decimal.Zero
	}
	return i.Output.MinAmount.Mul(input).Div(i.Input.Amount)
}

// Validate checks the structural requirements of an intent before it is
// admitted to the auction queue.
func (i *Intent) Validate() error {
	if i == nil {
		return fmt.Errorf("nil intent")
	}
	if strings.TrimSpace(i.ID) == "" {
		return fmt.Errorf("intent id required")
	}
	if strings.TrimSpace(i.Input.Chain) == "" || strings.TrimSpace(i.Input.Denom) == "" {
		return fmt.Errorf("intent %s: input asset required: %w", i.ID, ErrInvalidAsset)
	}
	if strings.TrimSpace(i.Output.Chain) == "" || strings.TrimSpace(i.Output.Denom) == "" {
		return fmt.Errorf("intent %s: output asset required: %w", i.ID, ErrInvalidAsset)
	}
	if !i.Input.Amount.IsPositive() {
		return fmt.Errorf("intent %s: input amount must be positive", i.ID)
	}
	if i.Output.MinAmount.IsNegative() {
		return fmt.Errorf("intent %s: min output must be non-negative", i.ID)
	}
	if i.Fill.MinFillPct.IsNegative() || i.Fill.MinFillPct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("intent %s: min fill pct out of range: %s", i.ID, i.Fill.MinFillPct)
	}
	if i.Fill.Strategy != "" && !i.Fill.Strategy.Valid() {
		return fmt.Errorf("intent %s: unsupported fill strategy %q", i.ID, i.Fill.Strategy)
	}
	if i.Constraints.MaxSlippageBps < 0 || i.Constraints.MaxSlippageBps > 10_000 {
		return fmt.Errorf("intent %s: max slippage bps out of range: %d", i.ID, i.Constraints.MaxSlippageBps)
	}
	return nil
}

// Hop is a single leg of a solver execution plan.
type Hop struct {
	Venue string `json:"venue"`
	Chain string `json:"chain"`
}

// ExecutionPlan describes how a solver intends to deliver the output.
type ExecutionPlan struct {
	Hops                []Hop `json:"hops"`
	ExpectedSlippageBps int   `json:"expected_slippage_bps"`
}

// Quote is a solver's proposed fill for one or more intents. Quotes are scoped
// to a single auction round and never mutated after submission.
type Quote struct {
	ID           string          `json:"id"`
	AuctionID    string          `json:"auction_id"`
	SolverID     string          `json:"solver_id"`
	IntentIDs    []string        `json:"intent_ids"`
	InputAmount  decimal.Decimal `json:"input_amount"`
	OutputAmount decimal.Decimal `json:"output_amount"`
	Plan         ExecutionPlan   `json:"execution_plan"`
	EstimatedGas uint64          `json:"estimated_gas"`
	Confidence   float64         `json:"confidence"`
	SubmittedAt  time.Time       `json:"submitted_at"`
}

// Rate is the output delivered per unit of input.
func (q Quote) Rate() decimal.Decimal {
	if q.InputAmount.IsZero() {
		return decimal.Zero
	}
	return q.OutputAmount.Div(q.InputAmount)
}

// Covers reports whether the quote bids on the intent.
func (q Quote) Covers(intentID string) bool {
	for _, id := range q.IntentIDs {
		if id == intentID {
			return true
		}
	}
	return false
}

// Satisfies reports whether the execution plan honours the constraints.
func (q Quote) Satisfies(c Constraints) bool {
	if c.MaxHops > 0 && len(q.Plan.Hops) > c.MaxHops {
		return false
	}
	if q.Plan.ExpectedSlippageBps > c.MaxSlippageBps && c.MaxSlippageBps > 0 {
		return false
	}
	for _, hop := range q.Plan.Hops {
		if !c.AllowsVenue(hop.Venue) {
			return false
		}
	}
	return true
}

// Validate checks the structural requirements of a quote.
func (q Quote) Validate() error {
	if strings.TrimSpace(q.SolverID) == "" {
		return fmt.Errorf("quote solver id required")
	}
	if len(q.IntentIDs) == 0 {
		return fmt.Errorf("quote must reference at least one intent")
	}
	if !q.InputAmount.IsPositive() || !q.OutputAmount.IsPositive() {
		return fmt.Errorf("quote amounts must be positive")
	}
	if q.Confidence < 0 || q.Confidence > 1 {
		return fmt.Errorf("quote confidence out of range: %v", q.Confidence)
	}
	return nil
}
