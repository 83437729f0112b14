package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockhold/internal/pkg/redis"
)

func newRedisHoldStore(t *testing.T) (*RedisHoldStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store, err := NewRedisHoldStore(redis.Wrap(rdb))
	require.NoError(t, err)
	return store, mr
}

func TestRedisHoldStorePutAndCart(t *testing.T) {
	store, mr := newRedisHoldStore(t)
	ctx := context.Background()
	exp := time.Date(2026, 1, 1, 12, 0, 0, 123456789, time.UTC)

	require.NoError(t, store.Put(ctx, "cart-1", "sku-b", 2, exp))
	require.NoError(t, store.Put(ctx, "cart-1", "sku-a", 3, exp))

	view, err := store.Cart(ctx, "cart-1")
	require.NoError(t, err)
	require.Len(t, view.Reservations, 2)
	assert.Equal(t, "sku-a", view.Reservations[0].ProductID)
	assert.Equal(t, uint(3), view.Reservations[0].Quantity)
	assert.Equal(t, "sku-b", view.Reservations[1].ProductID)
	assert.True(t, exp.Equal(view.ExpiresAt))
	assert.True(t, exp.Equal(view.Reservations[1].ExpiresAt))

	holds, err := store.ProductHolds(ctx, "sku-a")
	require.NoError(t, err)
	assert.Equal(t, map[string]uint{"cart-1": 3}, holds)

	assert.Equal(t, "3", mr.HGet("holds:{holds}:cart:cart-1", "sku-a"))
	assert.Equal(t, "3", mr.HGet("holds:{holds}:product:sku-a", "cart-1"))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisHoldStoreDeletesEmptyCart(t *testing.T) {
	store, mr := newRedisHoldStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	require.NoError(t, store.Put(ctx, "cart-1", "sku-a", 3, exp))
	require.NoError(t, store.Put(ctx, "cart-1", "sku-b", 1, exp))
	require.NoError(t, store.Put(ctx, "cart-1", "sku-a", 0, exp))

	view, err := store.Cart(ctx, "cart-1")
	require.NoError(t, err)
	require.Len(t, view.Reservations, 1)

	holds, err := store.ProductHolds(ctx, "sku-a")
	require.NoError(t, err)
	assert.Empty(t, holds)

	require.NoError(t, store.Put(ctx, "cart-1", "sku-b", 0, time.Time{}))
	view, err = store.Cart(ctx, "cart-1")
	require.NoError(t, err)
	assert.True(t, view.Empty())
	assert.False(t, mr.Exists("holds:{holds}:cart:cart-1"))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisHoldStoreDueAndExpiry(t *testing.T) {
	store, _ := newRedisHoldStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Put(ctx, "cart-late", "sku-a", 1, t0.Add(2*time.Minute)))
	require.NoError(t, store.Put(ctx, "cart-early", "sku-a", 1, t0.Add(time.Minute)))
	require.NoError(t, store.Put(ctx, "cart-future", "sku-a", 1, t0.Add(time.Hour)))

	due, err := store.Due(ctx, t0.Add(5*time.Minute), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"cart-early", "cart-late"}, due)

	due, err = store.Due(ctx, t0.Add(5*time.Minute), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"cart-early"}, due)

	require.NoError(t, store.SetExpiry(ctx, "cart-early", t0.Add(3*time.Hour)))
	due, err = store.Due(ctx, t0.Add(5*time.Minute), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"cart-late"}, due)

	view, err := store.Cart(ctx, "cart-early")
	require.NoError(t, err)
	assert.True(t, t0.Add(3*time.Hour).Equal(view.ExpiresAt))
}

func TestRedisHoldStoreSetExpiryOnMissingCart(t *testing.T) {
	store, mr := newRedisHoldStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetExpiry(ctx, "ghost", time.Now()))
	assert.False(t, mr.Exists("holds:{holds}:cart:ghost"))
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisLedgerProducts(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ledger, err := NewRedisLedger(redis.Wrap(rdb))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, ledger.SetTotal(ctx, "sku-2", 1))
	require.NoError(t, ledger.SetTotal(ctx, "sku-1", 1))
	mr.Set("unrelated", "x")

	ids, err := ledger.Products(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sku-1", "sku-2"}, ids)
}

func TestMemoryLedgerProducts(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, ledger.SetTotal(ctx, "b", 1))
	require.NoError(t, ledger.SetTotal(ctx, "a", 1))

	ids, err := ledger.Products(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}
