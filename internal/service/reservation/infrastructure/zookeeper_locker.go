// internal/service/reservation/infrastructure/zookeeper_locker.go
package infrastructure

import (
	"context"
	"errors"

	pkgerrors "github.com/pkg/errors"

	"stockhold/internal/pkg/logger"
	"stockhold/internal/pkg/zookeeper"
	"stockhold/internal/service/reservation/domain"
)

// ZookeeperLocker 用 ZooKeeper 分布式锁实现跨实例的商品互斥，
// 配合 RedisLedger / GormLedger 在多个服务实例之间共享库存。
type ZookeeperLocker struct {
	conn *zookeeper.Conn
}

func NewZookeeperLocker(conn *zookeeper.Conn) *ZookeeperLocker {
	return &ZookeeperLocker{conn: conn}
}

func (z *ZookeeperLocker) Acquire(ctx context.Context, keys []string) (func(), error) {
	held := make([]*zookeeper.DistributedLock, 0, len(keys))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Unlock(); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("Failed to release zookeeper lock")
			}
		}
	}

	for _, key := range keys {
		lock, err := zookeeper.NewDistributedLock(z.conn, key)
		if err != nil {
			releaseAll()
			if errors.Is(err, zookeeper.ErrInvalidResource) {
				return nil, pkgerrors.Wrapf(domain.ErrInvalidArgument, "product %s", key)
			}
			return nil, err
		}
		if err := lock.Lock(ctx); err != nil {
			releaseAll()
			if errors.Is(err, zookeeper.ErrLockTimeout) {
				return nil, pkgerrors.Wrapf(domain.ErrLockTimeout, "product %s", key)
			}
			return nil, err
		}
		held = append(held, lock)
	}
	return releaseAll, nil
}
