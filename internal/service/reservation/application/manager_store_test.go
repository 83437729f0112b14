package application

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockhold/internal/pkg/redis"
	"stockhold/internal/service/reservation/domain"
	"stockhold/internal/service/reservation/infrastructure"
	"stockhold/internal/service/reservation/port"
)

// redisBackend 是多个 Manager 共享的 Redis 账本和占用存储，模拟重启或多实例部署。
type redisBackend struct {
	ctx    context.Context
	ledger *infrastructure.RedisLedger
	store  *infrastructure.RedisHoldStore
	clock  *fakeClock
}

func newRedisBackend(t *testing.T, stock map[string]uint) *redisBackend {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := redis.Wrap(rdb)

	ledger, err := infrastructure.NewRedisLedger(client)
	require.NoError(t, err)
	store, err := infrastructure.NewRedisHoldStore(client)
	require.NoError(t, err)

	b := &redisBackend{ctx: context.Background(), ledger: ledger, store: store, clock: &fakeClock{now: t0}}
	for pid, total := range stock {
		require.NoError(t, ledger.SetTotal(b.ctx, pid, total))
	}
	return b
}

// instance 创建一个全新的 Manager（新的本地表和本地锁），相当于一次进程重启。
func (b *redisBackend) instance(opts ...Option) *Manager {
	return b.instanceWith(b.store, opts...)
}

func (b *redisBackend) instanceWith(store port.HoldStore, opts ...Option) *Manager {
	base := []Option{
		WithClock(b.clock.Now),
		WithTTL(func() time.Duration { return ttl }),
		WithHoldStore(store),
	}
	return NewManager(b.ledger, infrastructure.NewLocalLocker(), append(base, opts...)...)
}

func (b *redisBackend) reserved(t *testing.T, pid string) uint {
	t.Helper()
	rec, err := b.ledger.Get(b.ctx, pid)
	require.NoError(t, err)
	return rec.Reserved
}

func TestReleaseAfterRestart(t *testing.T) {
	b := newRedisBackend(t, map[string]uint{"P": 5})

	m1 := b.instance()
	res, err := m1.Hold(b.ctx, "cartA", hold("P", 5))
	require.NoError(t, err)
	require.Equal(t, uint(5), res.Items[0].Granted)

	m2 := b.instance()
	view, err := m2.Cart(b.ctx, "cartA")
	require.NoError(t, err)
	require.Len(t, view.Reservations, 1)
	assert.Equal(t, uint(5), view.Reservations[0].Quantity)
	assert.True(t, res.ExpiresAt.Equal(view.ExpiresAt))

	require.NoError(t, m2.Release(b.ctx, "cartA"))
	assert.Zero(t, b.reserved(t, "P"))

	res, err = m2.Hold(b.ctx, "cartB", hold("P", 5))
	require.NoError(t, err)
	assert.False(t, res.Items[0].Shortage)
}

func TestExpiryAfterRestart(t *testing.T) {
	b := newRedisBackend(t, map[string]uint{"P": 5})

	_, err := b.instance().Hold(b.ctx, "cartA", hold("P", 5))
	require.NoError(t, err)

	m2 := b.instance()
	n, err := m2.ActiveCarts(b.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b.clock.Advance(time.Hour)
	s := NewExpiryScheduler(m2, func() time.Duration { return time.Second }, 0, nil)
	assert.Equal(t, 1, s.Sweep(b.ctx))
	assert.Zero(t, b.reserved(t, "P"))

	n, err = m2.ActiveCarts(b.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	res, err := m2.Hold(b.ctx, "cartB", hold("P", 5))
	require.NoError(t, err)
	assert.Equal(t, uint(5), res.Items[0].Granted)
}

func TestLazyExpiryAfterRestart(t *testing.T) {
	b := newRedisBackend(t, map[string]uint{"P": 5})

	_, err := b.instance().Hold(b.ctx, "cartA", hold("P", 4))
	require.NoError(t, err)

	b.clock.Advance(ttl + time.Second)
	rec, err := b.instance().Available(b.ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, uint(5), rec.Available())
}

func TestInstancesShareHolds(t *testing.T) {
	b := newRedisBackend(t, map[string]uint{"P": 10, "Q": 10})
	m1, m2 := b.instance(), b.instance()

	_, err := m1.Hold(b.ctx, "cartA", hold("P", 2))
	require.NoError(t, err)

	granted, err := m2.Adjust(b.ctx, "cartA", "P", 1)
	require.NoError(t, err)
	assert.True(t, granted)
	_, err = m2.Hold(b.ctx, "cartA", hold("Q", 1))
	require.NoError(t, err)

	b.clock.Advance(time.Minute)
	until, ok, err := m2.Extend(b.ctx, "cartA")
	require.NoError(t, err)
	require.True(t, ok)

	view, err := m1.Cart(b.ctx, "cartA")
	require.NoError(t, err)
	require.Len(t, view.Reservations, 2)
	assert.Equal(t, uint(3), view.Reservations[0].Quantity)
	assert.True(t, until.Equal(view.ExpiresAt))

	// m1 的本地表还停留在 2，释放时必须按共享的 3 归还
	require.NoError(t, m1.Release(b.ctx, "cartA"))
	assert.Zero(t, b.reserved(t, "P"))
	assert.Zero(t, b.reserved(t, "Q"))

	holds, err := b.store.ProductHolds(b.ctx, "P")
	require.NoError(t, err)
	assert.Empty(t, holds)
}

func TestReconcileReclaimsLeakedReserve(t *testing.T) {
	b := newRedisBackend(t, map[string]uint{"P": 5, "Q": 5})
	m := b.instance()

	_, err := m.Hold(b.ctx, "cartA", hold("P", 1))
	require.NoError(t, err)
	// 进程在预占账本之后、写入占用之前退出
	ok, err := b.ledger.TryReserve(b.ctx, "P", 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint(3), b.reserved(t, "P"))

	require.NoError(t, b.instance().Reconcile(b.ctx, []string{"P", "Q"}))
	assert.Equal(t, uint(1), b.reserved(t, "P"))
	assert.Zero(t, b.reserved(t, "Q"))

	err = m.Reconcile(b.ctx, []string{"missing"})
	assert.ErrorIs(t, err, domain.ErrProductNotFound)
}

// flakyHoldStore 在 failPut 为 true 时拒绝写入。
type flakyHoldStore struct {
	port.HoldStore
	failPut bool
}

func (s *flakyHoldStore) Put(ctx context.Context, cartID, productID string, qty uint, expiresAt time.Time) error {
	if s.failPut {
		return errBackend
	}
	return s.HoldStore.Put(ctx, cartID, productID, qty, expiresAt)
}

func TestHoldStoreWriteFailureUndoesReserve(t *testing.T) {
	b := newRedisBackend(t, map[string]uint{"P": 5})
	store := &flakyHoldStore{HoldStore: b.store}
	m := b.instanceWith(store)

	_, err := m.Hold(b.ctx, "cartA", hold("P", 2))
	require.NoError(t, err)

	store.failPut = true
	_, err = m.Hold(b.ctx, "cartA", hold("P", 4))
	require.ErrorIs(t, err, errBackend)
	assert.Equal(t, uint(2), b.reserved(t, "P"))
	assert.Equal(t, uint(2), m.Table().Quantity("cartA", "P"))

	err = m.Release(b.ctx, "cartA")
	require.ErrorIs(t, err, errBackend)
	assert.Equal(t, uint(2), b.reserved(t, "P"), "hold stays when it cannot be removed")

	store.failPut = false
	require.NoError(t, m.Release(b.ctx, "cartA"))
	assert.Zero(t, b.reserved(t, "P"))
}
