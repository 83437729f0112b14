// internal/service/reservation/application/scheduler.go
package application

import (
	"context"
	"time"

	"stockhold/internal/pkg/logger"
	"stockhold/internal/pkg/metrics"
)

// Expirer 是 ExpiryScheduler 对 Manager 的依赖。
type Expirer interface {
	DueCarts(ctx context.Context, limit int) ([]string, error)
	ExpireCart(ctx context.Context, cartID string) (bool, error)
	ActiveCarts(ctx context.Context) (int, error)
}

// ExpiryScheduler 按固定周期释放已过期的购物车，保证即使没人再访问的购物车也能在有限时间内归还库存。
type ExpiryScheduler struct {
	expirer  Expirer
	interval func() time.Duration
	batch    int
	metrics  *metrics.Reservation
}

// NewExpiryScheduler interval 每轮读取一次，配置热更新后下一轮生效。batch <= 0 表示每轮不限数量。
func NewExpiryScheduler(expirer Expirer, interval func() time.Duration, batch int, m *metrics.Reservation) *ExpiryScheduler {
	if m == nil {
		m = metrics.NewReservation(nil)
	}
	return &ExpiryScheduler{expirer: expirer, interval: interval, batch: batch, metrics: m}
}

// Run 阻塞直到 ctx 结束。
func (s *ExpiryScheduler) Run(ctx context.Context) error {
	interval := s.interval()
	logger.Ctx(ctx).Info().Dur("interval", interval).Msg("✅ Expiry scheduler started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
			if next := s.interval(); next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("🛑 Expiry scheduler stopped")
			return nil
		}
	}
}

// Sweep 执行一轮过期扫描，返回释放的购物车数。单个购物车失败只记录日志，不影响其他购物车。
func (s *ExpiryScheduler) Sweep(ctx context.Context) int {
	var released, failed int
	due, err := s.expirer.DueCarts(ctx, s.batch)
	if err != nil {
		failed++
		logger.Ctx(ctx).Error().Err(err).Msg("Failed to list due carts")
	}
	for _, cartID := range due {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.expirer.ExpireCart(ctx, cartID)
		if err != nil {
			failed++
			logger.Ctx(ctx).Error().Err(err).Str("cart_id", cartID).Msg("Failed to expire cart, skipping")
			continue
		}
		if ok {
			released++
		}
	}

	s.metrics.Sweep(failed)
	if n, err := s.expirer.ActiveCarts(ctx); err == nil {
		s.metrics.ActiveCarts(n)
	}
	if released > 0 || failed > 0 {
		logger.Ctx(ctx).Info().Int("released", released).Int("failed", failed).Msg("Expiry sweep finished")
	}
	return released
}
