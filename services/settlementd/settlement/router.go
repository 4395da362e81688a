package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"atomintents/native/intents"
	"atomintents/services/settlementd/storage"
)

// Starter opens bonded settlements for fills.
type Starter interface {
	StartSettlement(ctx context.Context, fill intents.Fill) (storage.Record, error)
}

// FillObserver learns about fills whose settlement has been opened.
type FillObserver interface {
	OnFill(ctx context.Context, fill intents.Fill) error
}

// FillRouter is the auction fill handler. A fill is accepted only once its
// settlement holds a bond lock; observers and the dispatch queue never see
// fills the engine is about to revert.
type FillRouter struct {
	starter   Starter
	observers []FillObserver
	queue     chan<- storage.Record
	logger    *slog.Logger
}

// NewFillRouter routes fills through starter and hands opened settlements to
// queue. A nil queue skips dispatch.
func NewFillRouter(starter Starter, queue chan<- storage.Record, logger *slog.Logger, observers ...FillObserver) (*FillRouter, error) {
	if starter == nil {
		return nil, fmt.Errorf("settlement starter required: %w", intents.ErrConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &FillRouter{starter: starter, queue: queue, logger: logger}
	for _, obs := range observers {
		if obs != nil {
			r.observers = append(r.observers, obs)
		}
	}
	return r, nil
}

// HandleFill implements auction.FillHandler. The enqueue blocks until the
// dispatcher takes the record or ctx ends. A record that is never queued stays
// pending until ExpireOverdue times it out.
func (r *FillRouter) HandleFill(ctx context.Context, fill intents.Fill) error {
	rec, err := r.starter.StartSettlement(ctx, fill)
	if err != nil {
		return err
	}
	for _, obs := range r.observers {
		if err := obs.OnFill(ctx, fill); err != nil {
			r.logger.Warn("settlementd/settlement: fill observer failed", "settlement_id", rec.ID,
				"intent_id", rec.IntentID, "error", err)
		}
	}
	if r.queue == nil {
		return nil
	}
	select {
	case r.queue <- rec:
	case <-ctx.Done():
		r.logger.Warn("settlementd/settlement: dispatch not queued", "settlement_id", rec.ID,
			"error", ctx.Err())
	}
	return nil
}
