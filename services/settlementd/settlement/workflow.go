package settlement

import (
	"fmt"

	"atomintents/native/intents"
	"atomintents/services/settlementd/storage"
)

var allowedTransitions = map[storage.Status][]storage.Status{
	storage.StatusPending:      {storage.StatusUserLocked, storage.StatusFailed},
	storage.StatusUserLocked:   {storage.StatusSolverLocked, storage.StatusFailed, storage.StatusTimedOut},
	storage.StatusSolverLocked: {storage.StatusExecuting, storage.StatusFailed, storage.StatusTimedOut},
	storage.StatusExecuting:    {storage.StatusComplete, storage.StatusFailed, storage.StatusTimedOut},
}

// ValidateTransition ensures a status change follows the settlement state
// machine. Self transitions are rejected.
func ValidateTransition(current, next storage.Status) error {
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("no transitions allowed from %s: %w", current, intents.ErrInvalidStateTransition)
	}
	for _, state := range allowed {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("transition from %s to %s is not permitted: %w", current, next, intents.ErrInvalidStateTransition)
}

// Event is an external confirmation that moves a settlement forward.
type Event interface {
	target() storage.Status
	details() storage.Details
	name() string
}

// UserLocked confirms the user's funds are held in escrow.
type UserLocked struct {
	EscrowID string
	TxHash   string
}

func (UserLocked) target() storage.Status { return storage.StatusUserLocked }
func (e UserLocked) details() storage.Details {
	return storage.Details{EscrowID: e.EscrowID, TxHash: e.TxHash, Note: "escrow locked"}
}
func (UserLocked) name() string { return "user_locked" }

// SolverLocked confirms the solver committed its side on chain.
type SolverLocked struct {
	BondID string
	TxHash string
}

func (SolverLocked) target() storage.Status { return storage.StatusSolverLocked }
func (e SolverLocked) details() storage.Details {
	return storage.Details{SolverBondID: e.BondID, TxHash: e.TxHash, Note: "solver committed"}
}
func (SolverLocked) name() string { return "solver_locked" }

// Executing confirms the cross-chain packet was sent.
type Executing struct {
	Sequence uint64
	TxHash   string
}

func (Executing) target() storage.Status { return storage.StatusExecuting }
func (e Executing) details() storage.Details {
	seq := e.Sequence
	return storage.Details{IBCPacketSequence: &seq, TxHash: e.TxHash, Note: "packet relayed"}
}
func (Executing) name() string { return "executing" }

// TimedOut reports that a phase exceeded its deadline.
type TimedOut struct {
	Reason string
}

func (TimedOut) target() storage.Status { return storage.StatusTimedOut }
func (e TimedOut) details() storage.Details {
	reason := e.Reason
	if reason == "" {
		reason = "settlement timed out"
	}
	return storage.Details{ErrorMessage: reason, Note: reason}
}
func (TimedOut) name() string { return "timed_out" }

// Transition computes the next status for an event without side effects.
func Transition(current storage.Status, ev Event) (storage.Status, error) {
	if ev == nil {
		return current, fmt.Errorf("nil event: %w", intents.ErrInvalidStateTransition)
	}
	next := ev.target()
	if err := ValidateTransition(current, next); err != nil {
		return current, err
	}
	return next, nil
}

// Replay folds a transition history from pending and returns the resulting
// status. Each row must start where the previous one ended.
func Replay(history []storage.Transition) (storage.Status, error) {
	current := storage.StatusPending
	for i, tr := range history {
		if tr.FromStatus != current {
			return current, fmt.Errorf("history row %d starts at %s, expected %s: %w", i, tr.FromStatus, current, intents.ErrInvalidStateTransition)
		}
		if err := ValidateTransition(tr.FromStatus, tr.ToStatus); err != nil {
			return current, fmt.Errorf("history row %d: %w", i, err)
		}
		current = tr.ToStatus
	}
	return current, nil
}
