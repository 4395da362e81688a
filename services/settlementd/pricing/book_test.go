package pricing

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPriceSources(t *testing.T) {
	book := NewBook("uatom", map[string]float64{"uosmo": 0.07}, map[string]int64{"stuatom": 10_500})

	q, err := book.Price("uatom")
	if err != nil || q.Source != SourceBond || !q.Price.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected bond price: %+v %v", q, err)
	}
	q, err = book.Price("uosmo")
	if err != nil || q.Source != SourceStatic || !q.Price.Equal(decimal.RequireFromString("0.07")) {
		t.Fatalf("unexpected static price: %+v %v", q, err)
	}
	q, err = book.Price("stuatom")
	if err != nil || q.Source != SourceLST || !q.Price.Equal(decimal.RequireFromString("1.05")) {
		t.Fatalf("unexpected lst price: %+v %v", q, err)
	}
	q, err = book.Price("cosmosvaloper1abc/3")
	if err != nil || q.Source != SourceLSM {
		t.Fatalf("unexpected lsm price: %+v %v", q, err)
	}
	if _, err := book.Price("uunknown"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestRecordTradeOverridesStatic(t *testing.T) {
	book := NewBook("uatom", map[string]float64{"uosmo": 0.07}, nil)
	book.RecordTrade("uatom", decimal.NewFromInt(100), "uosmo", decimal.NewFromInt(1500))
	q, err := book.Price("uosmo")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if q.Source != SourceClearing {
		t.Fatalf("expected clearing source, got %s", q.Source)
	}
	value, err := book.Value("uosmo", decimal.NewFromInt(1500))
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if !value.Round(6).Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected value: %s", value)
	}
}

func TestRecordTradeImpliesThroughKnownLeg(t *testing.T) {
	book := NewBook("uatom", map[string]float64{"uosmo": 0.1}, nil)
	book.RecordTrade("ujuno", decimal.NewFromInt(10), "uosmo", decimal.NewFromInt(20))
	q, err := book.Price("ujuno")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !q.Price.Equal(decimal.RequireFromString("0.2")) {
		t.Fatalf("unexpected implied price: %s", q.Price)
	}
}

func TestStaleClearingPriceFallsBack(t *testing.T) {
	now := time.Unix(1700000000, 0)
	book := NewBook("uatom", map[string]float64{"uosmo": 0.07}, nil,
		WithClock(func() time.Time { return now }), WithMaxAge(time.Minute))
	book.RecordTrade("uosmo", decimal.NewFromInt(10), "uatom", decimal.NewFromInt(1))
	now = now.Add(2 * time.Minute)
	q, err := book.Price("uosmo")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if q.Source != SourceStatic {
		t.Fatalf("expected static fallback, got %s", q.Source)
	}
}
