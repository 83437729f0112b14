package infrastructure

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"stockhold/internal/pkg/redis"
	"stockhold/internal/service/reservation/domain"
)

type restockableLedger interface {
	domain.StockLedger
	domain.StockRestocker
}

// LedgerSuite 对所有 StockLedger 实现运行同一组行为测试。
type LedgerSuite struct {
	suite.Suite
	newLedger func(t *testing.T) restockableLedger
	ledger    restockableLedger
	ctx       context.Context
}

func (s *LedgerSuite) SetupTest() {
	s.ctx = context.Background()
	s.ledger = s.newLedger(s.T())
	s.Require().NoError(s.ledger.SetTotal(s.ctx, "sku-1", 5))
}

func (s *LedgerSuite) TestGetUnknownProduct() {
	_, err := s.ledger.Get(s.ctx, "nope")
	s.ErrorIs(err, domain.ErrProductNotFound)

	_, err = s.ledger.TryReserve(s.ctx, "nope", 1)
	s.ErrorIs(err, domain.ErrProductNotFound)

	s.ErrorIs(s.ledger.Release(s.ctx, "nope", 1), domain.ErrProductNotFound)
}

func (s *LedgerSuite) TestReserveUpToTotal() {
	ok, err := s.ledger.TryReserve(s.ctx, "sku-1", 3)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.ledger.TryReserve(s.ctx, "sku-1", 3)
	s.Require().NoError(err)
	s.False(ok, "only 2 left")

	ok, err = s.ledger.TryReserve(s.ctx, "sku-1", 2)
	s.Require().NoError(err)
	s.True(ok)

	rec, err := s.ledger.Get(s.ctx, "sku-1")
	s.Require().NoError(err)
	s.Equal(domain.StockRecord{ProductID: "sku-1", TotalStock: 5, Reserved: 5}, rec)
	s.Equal(uint(0), rec.Available())
}

func (s *LedgerSuite) TestReleaseUnderflow() {
	ok, err := s.ledger.TryReserve(s.ctx, "sku-1", 2)
	s.Require().NoError(err)
	s.Require().True(ok)

	s.ErrorIs(s.ledger.Release(s.ctx, "sku-1", 3), domain.ErrLedgerUnderflow)
	s.Require().NoError(s.ledger.Release(s.ctx, "sku-1", 2))

	rec, err := s.ledger.Get(s.ctx, "sku-1")
	s.Require().NoError(err)
	s.Equal(uint(0), rec.Reserved)
}

func (s *LedgerSuite) TestSetTotalRefusesBelowReserved() {
	ok, err := s.ledger.TryReserve(s.ctx, "sku-1", 4)
	s.Require().NoError(err)
	s.Require().True(ok)

	s.ErrorIs(s.ledger.SetTotal(s.ctx, "sku-1", 3), domain.ErrInvalidArgument)
	s.Require().NoError(s.ledger.SetTotal(s.ctx, "sku-1", 10))

	rec, err := s.ledger.Get(s.ctx, "sku-1")
	s.Require().NoError(err)
	s.Equal(uint(10), rec.TotalStock)
	s.Equal(uint(4), rec.Reserved)
}

func (s *LedgerSuite) TestConcurrentReserveNeverOversells() {
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ledger.TryReserve(s.ctx, "sku-1", 1)
			if err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(5), granted.Load())
	rec, err := s.ledger.Get(s.ctx, "sku-1")
	s.Require().NoError(err)
	s.Equal(uint(5), rec.Reserved)
}

func TestMemoryLedger(t *testing.T) {
	suite.Run(t, &LedgerSuite{newLedger: func(*testing.T) restockableLedger {
		return NewMemoryLedger()
	}})
}

func TestRedisLedger(t *testing.T) {
	suite.Run(t, &LedgerSuite{newLedger: func(t *testing.T) restockableLedger {
		mr := miniredis.RunT(t)
		rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		ledger, err := NewRedisLedger(redis.Wrap(rdb))
		require.NoError(t, err)
		return ledger
	}})
}

func TestRedisLedgerKeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ledger, err := NewRedisLedger(redis.Wrap(rdb))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ledger.SetTotal(ctx, "sku-9", 7))
	ok, err := ledger.TryReserve(ctx, "sku-9", 2)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "7", mr.HGet("stock:{sku-9}", "total"))
	assert.Equal(t, "2", mr.HGet("stock:{sku-9}", "reserved"))
}
