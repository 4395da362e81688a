package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"atomintents/native/intents"
	"atomintents/services/settlementd/storage"
)

// LoopbackBackend confirms every settlement phase locally after a fixed
// delay. It stands in for chain clients during development.
type LoopbackBackend struct {
	step  time.Duration
	feed  chan PhaseEvent
	clock func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	fail   map[string]string

	payouts []SharePayout
}

// SharePayout records LSM shares transferred to a beneficiary.
type SharePayout struct {
	Beneficiary string             `json:"beneficiary"`
	Shares      []intents.LSMShare `json:"shares"`
	At          time.Time          `json:"at"`
}

// NewLoopbackBackend emits one phase every step.
func NewLoopbackBackend(step time.Duration, buffer int) *LoopbackBackend {
	if buffer <= 0 {
		buffer = 256
	}
	return &LoopbackBackend{
		step:  step,
		feed:  make(chan PhaseEvent, buffer),
		clock: time.Now,
		fail:  make(map[string]string),
	}
}

// FailAfterCommit makes the settlement fail once the solver has committed.
func (b *LoopbackBackend) FailAfterCommit(settlementID, reason string) {
	b.mu.Lock()
	b.fail[settlementID] = reason
	b.mu.Unlock()
}

// ExecuteSettlement implements Backend.
func (b *LoopbackBackend) ExecuteSettlement(ctx context.Context, rec storage.Record) (Receipt, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Receipt{}, fmt.Errorf("loopback backend closed")
	}
	reason, fails := b.fail[rec.ID]
	b.wg.Add(1)
	b.mu.Unlock()

	ref := uuid.NewString()
	go func() {
		defer b.wg.Done()
		phases := []PhaseEvent{
			{Kind: PhaseEscrowLocked, EscrowID: "escrow-" + ref[:8]},
			{Kind: PhaseSolverCommitted, BondID: "bond-" + ref[:8]},
		}
		if fails {
			phases = append(phases, PhaseEvent{Kind: PhaseFailed, Reason: reason})
		} else {
			phases = append(phases,
				PhaseEvent{Kind: PhasePacketRelayed, Sequence: uint64(b.clock().UnixNano())},
				PhaseEvent{Kind: PhaseFinalized, Output: rec.OutputAsset.Amount.String()})
		}
		for i, ev := range phases {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.step):
			}
			ev.SettlementID = rec.ID
			ev.TxHash = fmt.Sprintf("%s-%d", ref, i)
			ev.At = b.clock().UTC()
			select {
			case <-ctx.Done():
				return
			case b.feed <- ev:
			}
		}
	}()
	return Receipt{SettlementID: rec.ID, Reference: ref, AcceptedAt: b.clock().UTC()}, nil
}

// Events implements Backend.
func (b *LoopbackBackend) Events() <-chan PhaseEvent {
	return b.feed
}

// Close waits for in-flight settlements and closes the event channel.
func (b *LoopbackBackend) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
	close(b.feed)
}

// PayoutShares transfers raw LSM shares to beneficiary. The loopback backend
// only records the transfer.
func (b *LoopbackBackend) PayoutShares(_ context.Context, beneficiary string, shares []intents.LSMShare) error {
	if beneficiary == "" {
		return fmt.Errorf("share payout: beneficiary required")
	}
	if len(shares) == 0 {
		return fmt.Errorf("share payout to %s: no shares", beneficiary)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("loopback backend closed")
	}
	b.payouts = append(b.payouts, SharePayout{
		Beneficiary: beneficiary,
		Shares:      append([]intents.LSMShare(nil), shares...),
		At:          b.clock().UTC(),
	})
	return nil
}

// Payouts returns the recorded share transfers.
func (b *LoopbackBackend) Payouts() []SharePayout {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SharePayout(nil), b.payouts...)
}
