package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"atomintents/native/intents"
)

// Status is a settlement lifecycle state, persisted as a plain string.
type Status string

const (
	StatusPending      Status = "pending"
	StatusUserLocked   Status = "user_locked"
	StatusSolverLocked Status = "solver_locked"
	StatusExecuting    Status = "executing"
	StatusComplete     Status = "complete"
	StatusFailed       Status = "failed"
	StatusTimedOut     Status = "timed_out"
)

// Valid reports whether the status is known.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusUserLocked, StatusSolverLocked, StatusExecuting,
		StatusComplete, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusTimedOut
}

// Record is a persisted settlement. Only the settlement manager mutates it.
type Record struct {
	ID                string          `json:"id"`
	IntentID          string          `json:"intent_id"`
	QuoteID           string          `json:"quote_id,omitempty"`
	SolverID          string          `json:"solver_id,omitempty"`
	UserAddress       string          `json:"user_address"`
	InputAsset        intents.Asset   `json:"input_asset"`
	OutputAsset       intents.Asset   `json:"output_asset"`
	Status            Status          `json:"status"`
	EscrowID          string          `json:"escrow_id,omitempty"`
	SolverBondID      string          `json:"solver_bond_id,omitempty"`
	IBCPacketSequence *uint64         `json:"ibc_packet_sequence,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	LockedBondAmount  decimal.Decimal `json:"locked_bond_amount"`
	LockedBondAssets  []string        `json:"locked_bond_assets,omitempty"`
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	if r.IBCPacketSequence != nil {
		seq := *r.IBCPacketSequence
		out.IBCPacketSequence = &seq
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		out.CompletedAt = &at
	}
	out.LockedBondAssets = append([]string(nil), r.LockedBondAssets...)
	return out
}

// Transition is one append-only row of a settlement's audit trail.
type Transition struct {
	SettlementID string    `json:"settlement_id"`
	FromStatus   Status    `json:"from_status"`
	ToStatus     Status    `json:"to_status"`
	Timestamp    time.Time `json:"timestamp"`
	Details      string    `json:"details,omitempty"`
	TxHash       string    `json:"tx_hash,omitempty"`
}

// Details accompanies a status update. Empty fields leave the record
// unchanged. When ExpectFrom is set the update only applies if the stored
// status still equals it.
type Details struct {
	ExpectFrom        Status
	Note              string
	TxHash            string
	EscrowID          string
	SolverBondID      string
	IBCPacketSequence *uint64
	ErrorMessage      string
	At                time.Time
}

// Store persists settlement records and their transition history.
type Store interface {
	Create(ctx context.Context, rec Record) error
	UpdateStatus(ctx context.Context, id string, status Status, details Details) error
	Get(ctx context.Context, id string) (Record, error)
	GetByIntent(ctx context.Context, intentID string) ([]Record, error)
	GetHistory(ctx context.Context, id string) ([]Transition, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Record, error)
	ListBySolver(ctx context.Context, solverID string, limit int) ([]Record, error)
	ListStuck(ctx context.Context, threshold time.Time) ([]Record, error)
}

// apply mutates rec per the update and returns the transition row to append.
func apply(rec *Record, status Status, details Details, now time.Time) Transition {
	at := details.At
	if at.IsZero() {
		at = now
	}
	at = at.UTC()
	from := rec.Status
	rec.Status = status
	rec.UpdatedAt = at
	if details.EscrowID != "" {
		rec.EscrowID = details.EscrowID
	}
	if details.SolverBondID != "" {
		rec.SolverBondID = details.SolverBondID
	}
	if details.IBCPacketSequence != nil {
		seq := *details.IBCPacketSequence
		rec.IBCPacketSequence = &seq
	}
	if details.ErrorMessage != "" {
		rec.ErrorMessage = details.ErrorMessage
	}
	if status == StatusComplete {
		completed := at
		rec.CompletedAt = &completed
	}
	return Transition{
		SettlementID: rec.ID,
		FromStatus:   from,
		ToStatus:     status,
		Timestamp:    at,
		Details:      details.Note,
		TxHash:       details.TxHash,
	}
}

// MaxListLimit caps a single list query.
const MaxListLimit = 1000

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
