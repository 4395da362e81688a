package bond

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"atomintents/native/intents"
)

// AssetKind distinguishes liquid native collateral from tokenized staking
// shares.
type AssetKind string

const (
	KindNative   AssetKind = "native"
	KindLSMShare AssetKind = "lsm_share"
)

// Asset identifies a bond collateral denomination.
type Asset struct {
	Kind      AssetKind `json:"kind"`
	Denom     string    `json:"denom"`
	Validator string    `json:"validator,omitempty"`
}

// Native returns a native collateral asset.
func Native(denom string) Asset {
	return Asset{Kind: KindNative, Denom: denom}
}

// LSMShare returns a tokenized share collateral asset.
func LSMShare(validator, denom string) Asset {
	return Asset{Kind: KindLSMShare, Denom: denom, Validator: validator}
}

// Deposit is one unit of solver collateral. LockedValue is expressed in
// normalized (post-haircut) bond value.
type Deposit struct {
	ID              string          `json:"id"`
	Asset           Asset           `json:"asset"`
	Amount          decimal.Decimal `json:"amount"`
	NormalizedValue decimal.Decimal `json:"normalized_value"`
	LockedValue     decimal.Decimal `json:"locked_value"`
	DepositedAt     time.Time       `json:"deposited_at"`
}

// Available returns the unlocked normalized value.
func (d Deposit) Available() decimal.Decimal {
	return d.NormalizedValue.Sub(d.LockedValue)
}

// rawFor converts normalized value back into raw deposit units.
func (d Deposit) rawFor(value decimal.Decimal) decimal.Decimal {
	if d.NormalizedValue.IsZero() {
		return decimal.Zero
	}
	return value.Mul(d.Amount).Div(d.NormalizedValue)
}

// Portion is the slice of a deposit backing one settlement.
type Portion struct {
	DepositID string          `json:"deposit_id"`
	Asset     Asset           `json:"asset"`
	Value     decimal.Decimal `json:"value"`
}

// Lock records the collateral committed to a settlement.
type Lock struct {
	SettlementID string          `json:"settlement_id"`
	Solver       string          `json:"solver"`
	FillValue    decimal.Decimal `json:"fill_value"`
	Required     decimal.Decimal `json:"required"`
	Portions     []Portion       `json:"portions"`
	LockedAt     time.Time       `json:"locked_at"`
}

// Denoms lists the collateral denominations backing the lock.
func (l Lock) Denoms() []string {
	seen := make(map[string]struct{}, len(l.Portions))
	out := make([]string, 0, len(l.Portions))
	for _, p := range l.Portions {
		if _, ok := seen[p.Asset.Denom]; ok {
			continue
		}
		seen[p.Asset.Denom] = struct{}{}
		out = append(out, p.Asset.Denom)
	}
	return out
}

// SeizedLsm describes tokenized shares taken from a slashed solver that must
// be liquidated for at least MinOutput bond denom units.
type SeizedLsm struct {
	Shares    []intents.LSMShare `json:"shares"`
	MinOutput decimal.Decimal    `json:"min_output"`
}

// SlashResult summarises the outcome of a slash.
type SlashResult struct {
	SettlementID string          `json:"settlement_id"`
	Solver       string          `json:"solver"`
	SlashAmount  decimal.Decimal `json:"slash_amount"`
	NativePayout decimal.Decimal `json:"native_payout"`
	Seized       *SeizedLsm      `json:"seized,omitempty"`
	Released     decimal.Decimal `json:"released"`
}

// Snapshot is a point-in-time view of a solver pool.
type Snapshot struct {
	Solver      string          `json:"solver"`
	TotalValue  decimal.Decimal `json:"total_value"`
	LockedValue decimal.Decimal `json:"locked_value"`
	Deposits    []Deposit       `json:"deposits"`
	ActiveLocks int             `json:"active_locks"`
}

// Available returns the unlocked value.
func (s Snapshot) Available() decimal.Decimal {
	return s.TotalValue.Sub(s.LockedValue)
}

// Params configures the pool.
type Params struct {
	BondDenom              string
	LockMultiplier         decimal.Decimal
	LSMHaircut             decimal.Decimal
	AcceptedLSMDenoms      []string
	MaxConcurrentPerSolver int
}

var (
	ErrSolverAtCapacity = errors.New("bond: solver at max concurrent settlements")
	ErrLockNotFound     = errors.New("bond: lock not found")
	ErrInvalidAmount    = errors.New("bond: amount must be positive")
)

// Pool is the per-solver collateral ledger. Operations on one solver are
// serialized; different solvers proceed independently.
type Pool struct {
	params   Params
	accepted map[string]struct{}

	mu      sync.Mutex
	solvers map[string]*solverPool
	locks   map[string]string

	clock  func() time.Time
	logger *slog.Logger
}

type solverPool struct {
	mu       sync.Mutex
	deposits []*Deposit
	locks    map[string]*Lock
}

// Option customises a Pool.
type Option func(*Pool)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(p *Pool) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool validates params and returns an empty pool.
func NewPool(params Params, opts ...Option) (*Pool, error) {
	params.BondDenom = strings.TrimSpace(params.BondDenom)
	if params.BondDenom == "" {
		return nil, fmt.Errorf("%w: bond denom required", intents.ErrConfig)
	}
	if params.LockMultiplier.IsZero() {
		params.LockMultiplier = decimal.RequireFromString("1.5")
	}
	if params.LockMultiplier.LessThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: lock multiplier below 1", intents.ErrConfig)
	}
	if params.LSMHaircut.IsNegative() || params.LSMHaircut.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: lsm haircut out of range", intents.ErrConfig)
	}
	p := &Pool{
		params:   params,
		accepted: make(map[string]struct{}, len(params.AcceptedLSMDenoms)),
		solvers:  make(map[string]*solverPool),
		locks:    make(map[string]string),
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, denom := range params.AcceptedLSMDenoms {
		p.accepted[strings.TrimSpace(denom)] = struct{}{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Params returns the pool configuration.
func (p *Pool) Params() Params {
	return p.params
}

// RequiredValue returns the collateral a fill of fillValue must lock.
func (p *Pool) RequiredValue(fillValue decimal.Decimal) decimal.Decimal {
	return p.params.LockMultiplier.Mul(fillValue)
}

func (p *Pool) solver(id string) *solverPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.solvers[id]
	if !ok {
		sp = &solverPool{locks: make(map[string]*Lock)}
		p.solvers[id] = sp
	}
	return sp
}

func (p *Pool) lookupSolver(id string) (*solverPool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.solvers[id]
	return sp, ok
}

// normalize validates the asset and returns its canonical form together with
// the value of amount after the haircut.
func (p *Pool) normalize(asset Asset, amount decimal.Decimal) (Asset, decimal.Decimal, error) {
	asset.Denom = strings.TrimSpace(asset.Denom)
	switch asset.Kind {
	case KindNative:
		if asset.Denom != p.params.BondDenom {
			return asset, decimal.Zero, fmt.Errorf("native denom %q is not the bond denom: %w", asset.Denom, intents.ErrInvalidAsset)
		}
		return asset, amount, nil
	case KindLSMShare:
		if asset.Validator == "" {
			if validator, ok := intents.LSMValidator(asset.Denom); ok {
				asset.Validator = validator
			}
		}
		if !p.lsmAccepted(asset) {
			return asset, decimal.Zero, fmt.Errorf("lsm denom %q not accepted: %w", asset.Denom, intents.ErrInvalidAsset)
		}
		return asset, amount.Mul(decimal.NewFromInt(1).Sub(p.params.LSMHaircut)), nil
	default:
		return asset, decimal.Zero, fmt.Errorf("unknown asset kind %q: %w", asset.Kind, intents.ErrInvalidAsset)
	}
}

func (p *Pool) lsmAccepted(asset Asset) bool {
	if _, ok := p.accepted[asset.Denom]; ok {
		return true
	}
	if asset.Validator != "" {
		_, ok := p.accepted[asset.Validator]
		return ok
	}
	return false
}

// Deposit adds collateral for solver.
func (p *Pool) Deposit(solver string, asset Asset, amount decimal.Decimal) (Deposit, error) {
	solver = strings.TrimSpace(solver)
	if solver == "" {
		return Deposit{}, fmt.Errorf("bond: solver required")
	}
	if !amount.IsPositive() {
		return Deposit{}, ErrInvalidAmount
	}
	canonical, normalized, err := p.normalize(asset, amount)
	if err != nil {
		return Deposit{}, err
	}
	dep := &Deposit{
		ID:              uuid.NewString(),
		Asset:           canonical,
		Amount:          amount,
		NormalizedValue: normalized,
		LockedValue:     decimal.Zero,
		DepositedAt:     p.clock().UTC(),
	}
	sp := p.solver(solver)
	sp.mu.Lock()
	sp.deposits = append(sp.deposits, dep)
	sp.mu.Unlock()
	p.logger.Info("settlementd/bond: deposit", "solver", solver, "denom", canonical.Denom,
		"amount", amount.String(), "normalized", normalized.String())
	return *dep, nil
}

// Withdraw removes up to amount raw units from an unlocked deposit.
func (p *Pool) Withdraw(solver, depositID string, amount decimal.Decimal) (Deposit, error) {
	if !amount.IsPositive() {
		return Deposit{}, ErrInvalidAmount
	}
	sp, ok := p.lookupSolver(solver)
	if !ok {
		return Deposit{}, fmt.Errorf("solver %s: %w", solver, intents.ErrNotFound)
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for i, dep := range sp.deposits {
		if dep.ID != depositID {
			continue
		}
		if amount.GreaterThan(dep.Amount) {
			return Deposit{}, fmt.Errorf("withdraw %s exceeds deposit %s: %w", amount, dep.Amount, intents.ErrInsufficientBond)
		}
		value := dep.NormalizedValue.Mul(amount).Div(dep.Amount)
		if value.GreaterThan(dep.Available()) {
			return Deposit{}, fmt.Errorf("withdraw would release locked collateral: %w", intents.ErrInsufficientBond)
		}
		dep.Amount = dep.Amount.Sub(amount)
		dep.NormalizedValue = dep.NormalizedValue.Sub(value)
		out := *dep
		if dep.Amount.IsZero() {
			sp.deposits = append(sp.deposits[:i], sp.deposits[i+1:]...)
		}
		return out, nil
	}
	return Deposit{}, fmt.Errorf("deposit %s: %w", depositID, intents.ErrNotFound)
}

// Lock commits lock_multiplier × fillValue of solver collateral to the
// settlement. Native deposits are consumed before LSM shares.
func (p *Pool) Lock(solver, settlementID string, fillValue decimal.Decimal) (Lock, error) {
	if !fillValue.IsPositive() {
		return Lock{}, ErrInvalidAmount
	}
	p.mu.Lock()
	_, dup := p.locks[settlementID]
	p.mu.Unlock()
	if dup {
		return Lock{}, fmt.Errorf("lock for settlement %s: %w", settlementID, intents.ErrDuplicateID)
	}
	sp, ok := p.lookupSolver(solver)
	if !ok {
		return Lock{}, fmt.Errorf("solver %s has no bond: %w", solver, intents.ErrInsufficientBond)
	}
	required := p.RequiredValue(fillValue)

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if limit := p.params.MaxConcurrentPerSolver; limit > 0 && len(sp.locks) >= limit {
		return Lock{}, fmt.Errorf("solver %s has %d active settlements: %w", solver, len(sp.locks), ErrSolverAtCapacity)
	}
	available := decimal.Zero
	for _, dep := range sp.deposits {
		available = available.Add(dep.Available())
	}
	if available.LessThan(required) {
		return Lock{}, fmt.Errorf("solver %s available %s below required %s: %w", solver, available, required, intents.ErrInsufficientBond)
	}

	p.mu.Lock()
	if _, dup := p.locks[settlementID]; dup {
		p.mu.Unlock()
		return Lock{}, fmt.Errorf("lock for settlement %s: %w", settlementID, intents.ErrDuplicateID)
	}
	p.locks[settlementID] = solver
	p.mu.Unlock()

	lock := &Lock{
		SettlementID: settlementID,
		Solver:       solver,
		FillValue:    fillValue,
		Required:     required,
		LockedAt:     p.clock().UTC(),
	}
	remaining := required
	for _, dep := range orderForLock(sp.deposits) {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(dep.Available(), remaining)
		if !take.IsPositive() {
			continue
		}
		dep.LockedValue = dep.LockedValue.Add(take)
		remaining = remaining.Sub(take)
		lock.Portions = append(lock.Portions, Portion{DepositID: dep.ID, Asset: dep.Asset, Value: take})
	}
	sp.locks[settlementID] = lock
	return cloneLock(lock), nil
}

// orderForLock returns deposits with native collateral first, preserving
// deposit order within each kind.
func orderForLock(deposits []*Deposit) []*Deposit {
	ordered := append([]*Deposit(nil), deposits...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Asset.Kind == KindNative && ordered[j].Asset.Kind != KindNative
	})
	return ordered
}

// Unlock releases the lock held by settlementID. Unknown or already released
// settlements are a no-op.
func (p *Pool) Unlock(settlementID string) error {
	p.mu.Lock()
	solver, ok := p.locks[settlementID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	sp, ok := p.lookupSolver(solver)
	if !ok {
		return nil
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	lock, ok := sp.locks[settlementID]
	if !ok {
		return nil
	}
	for _, portion := range lock.Portions {
		if dep := findDeposit(sp.deposits, portion.DepositID); dep != nil {
			dep.LockedValue = dep.LockedValue.Sub(portion.Value)
		}
	}
	p.release(sp, settlementID)
	return nil
}

// Slash penalises the solver backing settlementID by slashBps of the fill
// value. Native portions are paid out directly; LSM portions are seized for
// liquidation. Whatever remains locked is released back to the solver.
func (p *Pool) Slash(settlementID string, slashBps int) (SlashResult, error) {
	if slashBps < 0 || slashBps > 10_000 {
		return SlashResult{}, fmt.Errorf("bond: slash bps out of range: %d", slashBps)
	}
	p.mu.Lock()
	solver, ok := p.locks[settlementID]
	p.mu.Unlock()
	if !ok {
		return SlashResult{}, fmt.Errorf("settlement %s: %w", settlementID, ErrLockNotFound)
	}
	sp, ok := p.lookupSolver(solver)
	if !ok {
		return SlashResult{}, fmt.Errorf("solver %s: %w", solver, intents.ErrNotFound)
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	lock, ok := sp.locks[settlementID]
	if !ok {
		return SlashResult{}, fmt.Errorf("settlement %s: %w", settlementID, ErrLockNotFound)
	}

	lockedTotal := decimal.Zero
	for _, portion := range lock.Portions {
		lockedTotal = lockedTotal.Add(portion.Value)
	}
	slash := lock.FillValue.Mul(decimal.NewFromInt(int64(slashBps))).Div(decimal.NewFromInt(10_000))
	if slash.GreaterThan(lockedTotal) {
		slash = lockedTotal
	}

	result := SlashResult{
		SettlementID: settlementID,
		Solver:       solver,
		SlashAmount:  slash,
		NativePayout: decimal.Zero,
	}
	var seized *SeizedLsm
	remaining := slash
	for _, portion := range lock.Portions {
		dep := findDeposit(sp.deposits, portion.DepositID)
		if dep == nil {
			continue
		}
		take := decimal.Min(portion.Value, remaining)
		if take.IsPositive() {
			raw := dep.rawFor(take)
			if dep.Asset.Kind == KindNative {
				result.NativePayout = result.NativePayout.Add(take)
			} else {
				if seized == nil {
					seized = &SeizedLsm{MinOutput: decimal.Zero}
				}
				seized.Shares = append(seized.Shares, intents.LSMShare{
					Denom:     dep.Asset.Denom,
					Validator: dep.Asset.Validator,
					Amount:    raw,
				})
				seized.MinOutput = seized.MinOutput.Add(take)
			}
			dep.Amount = dep.Amount.Sub(raw)
			dep.NormalizedValue = dep.NormalizedValue.Sub(take)
			remaining = remaining.Sub(take)
		}
		dep.LockedValue = dep.LockedValue.Sub(portion.Value)
	}
	result.Seized = seized
	result.Released = lockedTotal.Sub(slash)
	sp.deposits = pruneEmpty(sp.deposits)
	p.release(sp, settlementID)

	p.logger.Warn("settlementd/bond: slashed", "solver", solver, "settlement_id", settlementID,
		"slash_bps", slashBps, "amount", slash.String(), "native_payout", result.NativePayout.String(),
		"seized_lsm", seized != nil)
	return result, nil
}

// release drops the lock from both indexes. Caller holds sp.mu.
func (p *Pool) release(sp *solverPool, settlementID string) {
	delete(sp.locks, settlementID)
	p.mu.Lock()
	delete(p.locks, settlementID)
	p.mu.Unlock()
}

// LockFor returns the lock held by settlementID.
func (p *Pool) LockFor(settlementID string) (Lock, bool) {
	p.mu.Lock()
	solver, ok := p.locks[settlementID]
	p.mu.Unlock()
	if !ok {
		return Lock{}, false
	}
	sp, ok := p.lookupSolver(solver)
	if !ok {
		return Lock{}, false
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	lock, ok := sp.locks[settlementID]
	if !ok {
		return Lock{}, false
	}
	return cloneLock(lock), true
}

// Snapshot returns the current state of a solver pool.
func (p *Pool) Snapshot(solver string) (Snapshot, error) {
	sp, ok := p.lookupSolver(solver)
	if !ok {
		return Snapshot{}, fmt.Errorf("solver %s: %w", solver, intents.ErrNotFound)
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	snap := Snapshot{
		Solver:      solver,
		TotalValue:  decimal.Zero,
		LockedValue: decimal.Zero,
		Deposits:    make([]Deposit, 0, len(sp.deposits)),
		ActiveLocks: len(sp.locks),
	}
	for _, dep := range sp.deposits {
		snap.TotalValue = snap.TotalValue.Add(dep.NormalizedValue)
		snap.LockedValue = snap.LockedValue.Add(dep.LockedValue)
		snap.Deposits = append(snap.Deposits, *dep)
	}
	return snap, nil
}

// Solvers lists solvers with a pool, sorted.
func (p *Pool) Solvers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.solvers))
	for id := range p.solvers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func findDeposit(deposits []*Deposit, id string) *Deposit {
	for _, dep := range deposits {
		if dep.ID == id {
			return dep
		}
	}
	return nil
}

func pruneEmpty(deposits []*Deposit) []*Deposit {
	out := deposits[:0]
	for _, dep := range deposits {
		if dep.Amount.IsPositive() || dep.LockedValue.IsPositive() {
			out = append(out, dep)
		}
	}
	return out
}

func cloneLock(lock *Lock) Lock {
	out := *lock
	out.Portions = append([]Portion(nil), lock.Portions...)
	return out
}
