package settlement

import (
	"strings"

	"atomintents/services/settlementd/storage"
)

// RecoveryAction is an advisory next step for a stuck or failed settlement.
type RecoveryAction string

const (
	RecoveryNone                     RecoveryAction = "none"
	RecoveryRefundAndRetry           RecoveryAction = "refund_and_retry"
	RecoveryManualIntervention       RecoveryAction = "manual_intervention"
	RecoverySlashSolver              RecoveryAction = "slash_solver"
	RecoveryRetryWithDifferentSolver RecoveryAction = "retry_with_different_solver"
)

// RecommendRecovery suggests how an operator should resolve rec. It never
// acts on its own.
func RecommendRecovery(rec storage.Record) RecoveryAction {
	switch rec.Status {
	case storage.StatusPending, storage.StatusUserLocked:
		return RecoveryRefundAndRetry
	case storage.StatusSolverLocked, storage.StatusExecuting:
		return RecoveryManualIntervention
	case storage.StatusTimedOut:
		return RecoverySlashSolver
	case storage.StatusFailed:
		if strings.Contains(strings.ToLower(rec.ErrorMessage), "solver") {
			return RecoveryRetryWithDifferentSolver
		}
		return RecoveryRefundAndRetry
	default:
		return RecoveryNone
	}
}
