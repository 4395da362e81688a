package execution

import (
	"context"
	"time"

	"atomintents/services/settlementd/storage"
)

// PhaseKind names a chain-layer confirmation reported by a backend.
type PhaseKind string

const (
	PhaseEscrowLocked    PhaseKind = "escrow_locked"
	PhaseSolverCommitted PhaseKind = "solver_committed"
	PhasePacketRelayed   PhaseKind = "packet_relayed"
	PhaseFinalized       PhaseKind = "finalized"
	PhaseFailed          PhaseKind = "failed"
)

// PhaseEvent is a confirmation observed on chain for one settlement.
type PhaseEvent struct {
	SettlementID string    `json:"settlement_id"`
	Kind         PhaseKind `json:"kind"`
	TxHash       string    `json:"tx_hash,omitempty"`
	EscrowID     string    `json:"escrow_id,omitempty"`
	BondID       string    `json:"bond_id,omitempty"`
	Sequence     uint64    `json:"sequence,omitempty"`
	Output       string    `json:"output,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Recoverable  bool      `json:"recoverable,omitempty"`
	At           time.Time `json:"at"`
}

// Receipt acknowledges that a backend accepted a settlement for execution.
type Receipt struct {
	SettlementID string    `json:"settlement_id"`
	Reference    string    `json:"reference"`
	AcceptedAt   time.Time `json:"accepted_at"`
}

// Backend executes settlements on the connected chains. Wallets, RPC clients
// and relayers live behind it.
type Backend interface {
	ExecuteSettlement(ctx context.Context, rec storage.Record) (Receipt, error)
	Events() <-chan PhaseEvent
}
