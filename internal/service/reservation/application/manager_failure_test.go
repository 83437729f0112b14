package application

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockhold/internal/service/reservation/domain"
	"stockhold/internal/service/reservation/infrastructure"
)

var errBackend = errors.New("backend unavailable")

type erroringPolicy struct{ failOn string }

func (p erroringPolicy) Limit(_ context.Context, _, productID string, requested uint) (uint, error) {
	if productID == p.failOn {
		return 0, errBackend
	}
	return requested, nil
}

// brokenLedger 对指定商品的 TryReserve 返回错误。
type brokenLedger struct {
	*infrastructure.MemoryLedger
	failOn string
}

func (l *brokenLedger) TryReserve(ctx context.Context, productID string, qty uint) (bool, error) {
	if productID == l.failOn {
		return false, errBackend
	}
	return l.MemoryLedger.TryReserve(ctx, productID, qty)
}

func TestHoldPolicyErrorReservesNothing(t *testing.T) {
	f := newFixture(t, map[string]uint{"A": 10, "B": 10}, WithPolicy(erroringPolicy{failOn: "B"}))

	_, err := f.m.Hold(f.ctx, "cart-1", []domain.HoldItem{{ProductID: "A", Quantity: 3}, {ProductID: "B", Quantity: 1}})
	require.ErrorIs(t, err, errBackend)

	assert.Equal(t, uint(10), f.available(t, "A"))
	view, err := f.m.Cart(f.ctx, "cart-1")
	require.NoError(t, err)
	assert.True(t, view.Empty())
	assert.Empty(t, f.pub.types())
	f.assertInvariant(t, "A", "B")
}

func TestHoldLedgerErrorRollsBackEarlierLines(t *testing.T) {
	ledger := &brokenLedger{MemoryLedger: infrastructure.NewMemoryLedger()}
	ctx := context.Background()
	require.NoError(t, ledger.SetTotal(ctx, "A", 10))
	require.NoError(t, ledger.SetTotal(ctx, "B", 10))
	clock := &fakeClock{now: t0}
	m := NewManager(ledger, infrastructure.NewLocalLocker(),
		WithClock(clock.Now), WithTTL(func() time.Duration { return ttl }))

	_, err := m.Hold(ctx, "cart-1", hold("A", 2))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	ledger.failOn = "B"
	_, err = m.Hold(ctx, "cart-1", []domain.HoldItem{{ProductID: "A", Quantity: 5}, {ProductID: "B", Quantity: 1}})
	require.ErrorIs(t, err, errBackend)

	view, err := m.Cart(ctx, "cart-1")
	require.NoError(t, err)
	require.Len(t, view.Reservations, 1)
	assert.Equal(t, uint(2), view.Reservations[0].Quantity)
	assert.Equal(t, t0.Add(ttl), view.ExpiresAt, "expiry is not refreshed by a failed hold")

	rec, err := ledger.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, uint(2), rec.Reserved)
	rec, err = ledger.Get(ctx, "B")
	require.NoError(t, err)
	assert.Zero(t, rec.Reserved)
}

func TestHoldRejectsOverflowingDuplicates(t *testing.T) {
	f := newFixture(t, map[string]uint{"P": 10})

	_, err := f.m.Hold(f.ctx, "cart-1", []domain.HoldItem{
		{ProductID: "P", Quantity: math.MaxUint},
		{ProductID: "P", Quantity: 1},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Equal(t, uint(10), f.available(t, "P"))

	merged, err := mergeItems([]domain.HoldItem{
		{ProductID: "P", Quantity: math.MaxUint - 1},
		{ProductID: "P", Quantity: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, uint(math.MaxUint), merged[0].Quantity)
}

func TestProductIDsMustBePathSafe(t *testing.T) {
	f := newFixture(t, map[string]uint{"P": 10})

	for _, pid := range []string{".", "..", "a/b", "/abs", "sku 1", ""} {
		_, err := f.m.Hold(f.ctx, "cart-1", hold(pid, 1))
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, "hold %q", pid)
		_, err = f.m.Adjust(f.ctx, "cart-1", pid, 1)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, "adjust %q", pid)
		_, err = f.m.Available(f.ctx, pid)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, "available %q", pid)
	}

	for _, pid := range []string{"sku.1", "a..b", "SKU-9:red", "..x"} {
		assert.NoError(t, validateProductID(pid), pid)
	}
}
