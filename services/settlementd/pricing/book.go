package pricing

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"atomintents/native/intents"
)

// ErrPriceUnavailable is returned when no source can price a denom.
var ErrPriceUnavailable = errors.New("pricing: price unavailable")

// Source labels where a price came from.
type Source string

const (
	SourceBond     Source = "bond"
	SourceClearing Source = "clearing"
	SourceStatic   Source = "static"
	SourceLST      Source = "lst"
	SourceLSM      Source = "lsm_par"
)

// Quote is a price in bond denom units per unit of Denom.
type Quote struct {
	Denom     string          `json:"denom"`
	Price     decimal.Decimal `json:"price"`
	Source    Source          `json:"source"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type point struct {
	price     decimal.Decimal
	updatedAt time.Time
}

// Book values assets in the bond denom. Last clearing prices win over the
// static table; LSM shares are valued at par with the staked asset and LSTs at
// their exchange rate.
type Book struct {
	bondDenom string

	mu       sync.RWMutex
	clearing map[string]point
	static   map[string]decimal.Decimal
	lst      map[string]intents.LSTRate
	maxAge   time.Duration
	clock    func() time.Time
}

// Option customises a Book.
type Option func(*Book)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(b *Book) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithMaxAge ignores clearing prices older than age.
func WithMaxAge(age time.Duration) Option {
	return func(b *Book) {
		b.maxAge = age
	}
}

// NewBook constructs a pricing book for bondDenom.
func NewBook(bondDenom string, static map[string]float64, lstRates map[string]int64, opts ...Option) *Book {
	b := &Book{
		bondDenom: strings.TrimSpace(bondDenom),
		clearing:  make(map[string]point),
		static:    make(map[string]decimal.Decimal, len(static)),
		lst:       make(map[string]intents.LSTRate, len(lstRates)),
		clock:     time.Now,
	}
	for denom, price := range static {
		b.static[denom] = decimal.NewFromFloat(price)
	}
	for denom, bps := range lstRates {
		b.lst[denom] = intents.LSTRate{Denom: denom, ExchangeRateBps: bps}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// BondDenom returns the unit prices are expressed in.
func (b *Book) BondDenom() string {
	return b.bondDenom
}

// Price returns the bond-denominated price of one unit of denom.
func (b *Book) Price(denom string) (Quote, error) {
	if b == nil {
		return Quote{}, fmt.Errorf("pricing book not configured")
	}
	now := b.clock()
	if denom == b.bondDenom {
		return Quote{Denom: denom, Price: decimal.NewFromInt(1), Source: SourceBond, UpdatedAt: now}, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if pt, ok := b.clearing[denom]; ok && (b.maxAge <= 0 || now.Sub(pt.updatedAt) <= b.maxAge) {
		return Quote{Denom: denom, Price: pt.price, Source: SourceClearing, UpdatedAt: pt.updatedAt}, nil
	}
	if price, ok := b.static[denom]; ok {
		return Quote{Denom: denom, Price: price, Source: SourceStatic, UpdatedAt: now}, nil
	}
	if rate, ok := b.lst[denom]; ok {
		return Quote{Denom: denom, Price: rate.Underlying(decimal.NewFromInt(1)), Source: SourceLST, UpdatedAt: now}, nil
	}
	if intents.IsLSMShareDenom(denom) {
		return Quote{Denom: denom, Price: decimal.NewFromInt(1), Source: SourceLSM, UpdatedAt: now}, nil
	}
	return Quote{}, fmt.Errorf("%s: %w", denom, ErrPriceUnavailable)
}

// Value converts amount of denom into bond denom units.
func (b *Book) Value(denom string, amount decimal.Decimal) (decimal.Decimal, error) {
	quote, err := b.Price(denom)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(quote.Price), nil
}

// RecordTrade derives a clearing price from an executed exchange of
// inAmount inDenom for outAmount outDenom. When one side is already priced the
// other side's price is implied from it.
func (b *Book) RecordTrade(inDenom string, inAmount decimal.Decimal, outDenom string, outAmount decimal.Decimal) {
	if b == nil || !inAmount.IsPositive() || !outAmount.IsPositive() || inDenom == outDenom {
		return
	}
	switch {
	case outDenom == b.bondDenom:
		b.record(inDenom, outAmount.Div(inAmount))
	case inDenom == b.bondDenom:
		b.record(outDenom, inAmount.Div(outAmount))
	default:
		if q, err := b.Price(outDenom); err == nil {
			b.record(inDenom, outAmount.Mul(q.Price).Div(inAmount))
		} else if q, err := b.Price(inDenom); err == nil {
			b.record(outDenom, inAmount.Mul(q.Price).Div(outAmount))
		}
	}
}

func (b *Book) record(denom string, price decimal.Decimal) {
	if denom == b.bondDenom || !price.IsPositive() {
		return
	}
	b.mu.Lock()
	b.clearing[denom] = point{price: price, updatedAt: b.clock()}
	b.mu.Unlock()
}
