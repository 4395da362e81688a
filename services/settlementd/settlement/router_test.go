package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"atomintents/native/intents"
	"atomintents/services/settlementd/bond"
	"atomintents/services/settlementd/storage"
)

type fillLog struct {
	mu    sync.Mutex
	fills []intents.Fill
}

func (f *fillLog) OnFill(_ context.Context, fill intents.Fill) error {
	f.mu.Lock()
	f.fills = append(f.fills, fill)
	f.mu.Unlock()
	return nil
}

func (f *fillLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fills)
}

func TestFillRouterSkipsObserversWhenLockFails(t *testing.T) {
	h := newHarness(t)
	observer := &fillLog{}
	queue := make(chan storage.Record, 1)
	router, err := NewFillRouter(h.mgr, queue, nil, observer)
	require.NoError(t, err)

	err = router.HandleFill(context.Background(), testFill("liq-1", "quote-1", "solver-unbonded", 100))
	require.ErrorIs(t, err, intents.ErrInsufficientBond)
	require.Zero(t, observer.count())
	require.Empty(t, queue)
}

func TestFillRouterNotifiesAndQueuesOpenedSettlement(t *testing.T) {
	h := newHarness(t)
	_, err := h.pool.Deposit("solver-a", bond.Native("uatom"), d("1000"))
	require.NoError(t, err)
	observer := &fillLog{}
	queue := make(chan storage.Record, 1)
	router, err := NewFillRouter(h.mgr, queue, nil, observer)
	require.NoError(t, err)

	require.NoError(t, router.HandleFill(context.Background(), testFill("intent-1", "quote-1", "solver-a", 100)))
	require.Equal(t, 1, observer.count())
	rec := <-queue
	require.Equal(t, storage.StatusPending, rec.Status)
	_, ok := h.pool.LockFor(rec.ID)
	require.True(t, ok)
}

func TestFillRouterWaitsForQueueSpace(t *testing.T) {
	h := newHarness(t)
	_, err := h.pool.Deposit("solver-a", bond.Native("uatom"), d("1000"))
	require.NoError(t, err)
	queue := make(chan storage.Record, 1)
	queue <- storage.Record{ID: "earlier"}
	router, err := NewFillRouter(h.mgr, queue, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- router.HandleFill(context.Background(), testFill("intent-1", "quote-1", "solver-a", 100))
	}()

	require.Equal(t, "earlier", (<-queue).ID)
	select {
	case rec := <-queue:
		require.Equal(t, SettlementID("auction-1", "intent-1", "quote-1"), rec.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("settlement was not queued")
	}
	require.NoError(t, <-done)
}

func TestFillRouterGivesUpOnCancelledContext(t *testing.T) {
	h := newHarness(t)
	_, err := h.pool.Deposit("solver-a", bond.Native("uatom"), d("1000"))
	require.NoError(t, err)
	router, err := NewFillRouter(h.mgr, make(chan storage.Record), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, router.HandleFill(ctx, testFill("intent-1", "quote-1", "solver-a", 100)))

	rec, err := h.store.Get(context.Background(), SettlementID("auction-1", "intent-1", "quote-1"))
	require.NoError(t, err)
	require.Equal(t, storage.StatusPending, rec.Status)
}

func TestNewFillRouterRequiresStarter(t *testing.T) {
	_, err := NewFillRouter(nil, nil, nil)
	require.ErrorIs(t, err, intents.ErrConfig)
}
