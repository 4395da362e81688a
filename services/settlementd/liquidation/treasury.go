package liquidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"atomintents/native/intents"
)

// ErrReserveInsufficient indicates the reserve cannot fully compensate a
// beneficiary.
var ErrReserveInsufficient = errors.New("liquidation: reserve balance insufficient")

// Absorption is the reserve's record of taking over unsold shares.
type Absorption struct {
	JobID       string             `json:"job_id"`
	Beneficiary string             `json:"beneficiary"`
	Shares      []intents.LSMShare `json:"shares"`
	Compensated decimal.Decimal    `json:"compensated"`
}

// ReserveTreasury pays beneficiaries out of a protocol reserve and keeps the
// unsold shares. Coverage is all or nothing.
type ReserveTreasury struct {
	mu       sync.Mutex
	balance  decimal.Decimal
	holdings map[string]decimal.Decimal
	absorbed []Absorption
	logger   *slog.Logger
}

// NewReserveTreasury returns a reserve holding balance bond denom units.
func NewReserveTreasury(balance decimal.Decimal, logger *slog.Logger) *ReserveTreasury {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReserveTreasury{
		balance:  balance,
		holdings: make(map[string]decimal.Decimal),
		logger:   logger,
	}
}

// CanCover reports whether the reserve can pay owed.
func (t *ReserveTreasury) CanCover(owed decimal.Decimal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance.GreaterThanOrEqual(owed)
}

// Absorb compensates the beneficiary with owed and takes custody of shares.
func (t *ReserveTreasury) Absorb(_ context.Context, jobID, beneficiary string, shares []intents.LSMShare, owed decimal.Decimal) (Absorption, error) {
	if owed.IsNegative() {
		return Absorption{}, fmt.Errorf("liquidation: negative compensation %s", owed)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.balance.LessThan(owed) {
		return Absorption{}, fmt.Errorf("reserve %s below owed %s: %w", t.balance, owed, ErrReserveInsufficient)
	}
	t.balance = t.balance.Sub(owed)
	for _, share := range shares {
		t.holdings[share.Denom] = t.holdings[share.Denom].Add(share.Amount)
	}
	record := Absorption{
		JobID:       jobID,
		Beneficiary: beneficiary,
		Shares:      append([]intents.LSMShare(nil), shares...),
		Compensated: owed,
	}
	t.absorbed = append(t.absorbed, record)
	t.logger.Warn("settlementd/liquidation: reserve absorbed shares", "job_id", jobID,
		"beneficiary", beneficiary, "compensated", owed.String(), "balance", t.balance.String())
	return record, nil
}

// Balance returns the remaining reserve.
func (t *ReserveTreasury) Balance() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance
}

// Holdings returns the shares held per denom.
func (t *ReserveTreasury) Holdings() map[string]decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(t.holdings))
	for k, v := range t.holdings {
		out[k] = v
	}
	return out
}

// Absorptions returns every absorption so far.
func (t *ReserveTreasury) Absorptions() []Absorption {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Absorption(nil), t.absorbed...)
}
