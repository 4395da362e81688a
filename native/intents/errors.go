package intents

import "errors"

// Error taxonomy shared by the settlement service components. Callers wrap
// these with context and match them with errors.Is.
var (
	ErrNotFound               = errors.New("not found")
	ErrDuplicateID            = errors.New("duplicate id")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInsufficientBond       = errors.New("insufficient bond")
	ErrInvalidAsset           = errors.New("invalid asset")
	ErrFillTooSmall           = errors.New("fill too small")
	ErrAuctionClosed          = errors.New("auction closed")
	ErrBackend                = errors.New("backend error")
	ErrConfig                 = errors.New("config error")
)
