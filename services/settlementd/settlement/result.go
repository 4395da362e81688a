package settlement

// Result is the terminal outcome reported for a settlement.
type Result interface {
	isResult()
}

// Success reports that the output reached the user.
type Success struct {
	OutputDelivered string
	TxHash          string
}

// Failure reports that delivery failed. Recoverable marks failures where a
// retry with another solver may succeed.
type Failure struct {
	Reason      string
	Recoverable bool
}

// Timeout reports that the settlement exceeded its deadline.
type Timeout struct{}

func (Success) isResult() {}
func (Failure) isResult() {}
func (Timeout) isResult() {}
