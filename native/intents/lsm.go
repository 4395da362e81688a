package intents

import (
	"strings"

	"github.com/shopspring/decimal"
)

const lsmValidatorPrefix = "cosmosvaloper"

// LSMShare identifies a tokenized staking position. Denoms minted by the
// liquid staking module take the form cosmosvaloper<addr>/<record>.
type LSMShare struct {
	Denom     string          `json:"denom"`
	Validator string          `json:"validator,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
}

// IsLSMShareDenom reports whether the denom carries a validator-scoped share
// record.
func IsLSMShareDenom(denom string) bool {
	validator, record, ok := strings.Cut(denom, "/")
	return ok && strings.HasPrefix(validator, lsmValidatorPrefix) && len(validator) > len(lsmValidatorPrefix) && record != ""
}

// LSMValidator extracts the validator operator address from an LSM denom.
func LSMValidator(denom string) (string, bool) {
	if !IsLSMShareDenom(denom) {
		return "", false
	}
	validator, _, _ := strings.Cut(denom, "/")
	return validator, true
}

// LSMRecordID extracts the tokenize-share record id from an LSM denom.
func LSMRecordID(denom string) (string, bool) {
	if !IsLSMShareDenom(denom) {
		return "", false
	}
	_, record, _ := strings.Cut(denom, "/")
	return record, true
}

// LSTRate converts liquid staking token amounts into the underlying staked
// asset using an exchange rate expressed in basis points.
type LSTRate struct {
	Denom           string `json:"denom"`
	ExchangeRateBps int64  `json:"exchange_rate_bps"`
}

// Underlying returns the staked amount represented by amount LST units.
func (r LSTRate) Underlying(amount decimal.Decimal) decimal.Decimal {
	bps := r.ExchangeRateBps
	if bps <= 0 {
		bps = 10_000
	}
	return amount.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(10_000))
}
