// internal/service/reservation/port/ports.go
package port

import (
	"context"
	"time"

	"stockhold/internal/service/reservation/domain"
)

// Locker 提供按商品粒度的互斥。
type Locker interface {
	// Acquire 按调用方给定的顺序依次获取 keys 上的锁（调用方负责排序以避免死锁）。
	// 超过等待时间返回 domain.ErrLockTimeout，已获取的锁会被全部释放。
	Acquire(ctx context.Context, keys []string) (release func(), err error)
}

// EventPublisher 是占用状态变化事件的出站端口。
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.ReservationEvent) error
}

// HoldPolicy 决定某个购物车对某个商品最多能占用多少（限购）。
type HoldPolicy interface {
	// Limit 返回允许占用的总量上限，不大于 requested。
	Limit(ctx context.Context, cartID, productID string, requested uint) (uint, error)
}

// HoldStore 是占用表的持久化副本，重启后和多个实例之间共享同一份占用。
// 对某个 (cart, product) 的写入总在该商品的锁内进行。
type HoldStore interface {
	// Cart 读取购物车的全部占用（按商品 ID 排序），没有占用时返回空视图。
	Cart(ctx context.Context, cartID string) (domain.CartView, error)
	// Put 把购物车对商品的占用设为 qty（0 表示删除），并把购物车的过期时间设为 expiresAt。
	// 购物车变空时连同过期索引一起删除。
	Put(ctx context.Context, cartID, productID string, qty uint, expiresAt time.Time) error
	// SetExpiry 更新购物车的过期时间，购物车没有占用时什么也不做。
	SetExpiry(ctx context.Context, cartID string, expiresAt time.Time) error
	// ProductHolds 返回商品上的全部占用（cartID -> quantity）。
	ProductHolds(ctx context.Context, productID string) (map[string]uint, error)
	// Due 按过期时间升序返回最多 limit 个过期时间不晚于 now 的购物车，limit <= 0 表示不限。
	// 调用方需要在锁内重新判断是否真的过期。
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
	// Count 返回持有占用的购物车数量。
	Count(ctx context.Context) (int, error)
}
