// internal/service/reservation/application/manager.go
package application

import (
	"context"
	"math"
	"regexp"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockhold/internal/pkg/logger"
	"stockhold/internal/pkg/metrics"
	"stockhold/internal/service/reservation/domain"
	"stockhold/internal/service/reservation/port"
)

const (
	DefaultHoldTTL  = 15 * time.Minute
	DefaultLockWait = 2 * time.Second

	// 外部账本在持锁期间仍可能被其他节点修改，TryReserve 失败后重新读取可用量的次数
	maxReserveAttempts = 3
	// 购物车在等锁期间新增了商品时，重新计算锁集合的次数
	maxCartLockAttempts = 3
)

var (
	cartIDPattern    = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
	productIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

var errCartChanged = errors.New("cart products changed while locking")

// Manager 是预占子系统唯一的写入方：所有对 StockLedger 和 Table 的修改都经过这里，
// 并在商品锁（按 productID 排序获取）内成对完成，保证 reserved == Σ 占用数量。
//
// 配置了 HoldStore 时，Table 只是本实例的缓存：每次拿到购物车的商品锁后先从 HoldStore 同步，
// 每次修改同时写回 HoldStore，因此重启和多实例下占用与账本仍然一致。
type Manager struct {
	ledger    domain.StockLedger
	locker    port.Locker
	table     *Table
	store     port.HoldStore
	policy    port.HoldPolicy
	publisher port.EventPublisher
	metrics   *metrics.Reservation
	tracer    trace.Tracer

	now      func() time.Time
	ttl      func() time.Duration
	lockWait time.Duration
}

type Option func(*Manager)

func WithPolicy(p port.HoldPolicy) Option { return func(m *Manager) { m.policy = p } }

func WithPublisher(p port.EventPublisher) Option { return func(m *Manager) { m.publisher = p } }

func WithMetrics(r *metrics.Reservation) Option { return func(m *Manager) { m.metrics = r } }

func WithTracer(t trace.Tracer) Option { return func(m *Manager) { m.tracer = t } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithTTL 每次操作都会调用 ttl，配置热更新后立即生效。
func WithTTL(ttl func() time.Duration) Option { return func(m *Manager) { m.ttl = ttl } }

func WithLockWait(d time.Duration) Option { return func(m *Manager) { m.lockWait = d } }

// WithHoldStore 持久化占用，账本是 Redis / MySQL 这类共享存储时必须配置。
func WithHoldStore(s port.HoldStore) Option { return func(m *Manager) { m.store = s } }

func NewManager(ledger domain.StockLedger, locker port.Locker, opts ...Option) *Manager {
	m := &Manager{
		ledger:   ledger,
		locker:   locker,
		table:    NewTable(),
		metrics:  metrics.NewReservation(nil),
		tracer:   otel.Tracer("reservation-manager"),
		now:      time.Now,
		ttl:      func() time.Duration { return DefaultHoldTTL },
		lockWait: DefaultLockWait,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Table 暴露只读查询（测试和过期调度使用）。
func (m *Manager) Table() *Table { return m.table }

// Hold 为购物车占用一组商品。每一行以"替换"语义处理：该商品在购物车中的占用变为本次授予的数量。
// 库存不足时按可用量贪心截断并标记 Shortage。只要购物车仍持有占用，全部占用的过期时间统一刷新为 now+TTL。
func (m *Manager) Hold(ctx context.Context, cartID string, items []domain.HoldItem) (domain.HoldResult, error) {
	ctx, span := m.tracer.Start(ctx, "reservation.Hold", trace.WithAttributes(
		attribute.String("cart.id", cartID),
		attribute.Int("items.count", len(items)),
	))
	defer span.End()

	var result domain.HoldResult
	if err := validateCartID(cartID); err != nil {
		return result, m.fail(span, err)
	}
	merged, err := mergeItems(items)
	if err != nil {
		return result, m.fail(span, err)
	}

	keys := make([]string, len(merged))
	for i, it := range merged {
		keys[i] = it.ProductID
	}

	var events []*domain.ReservationEvent
	err = m.withCartLocks(ctx, cartID, keys, func() error {
		events = m.expireLocked(ctx, cartID, events)

		// 先确认所有商品都存在、算出每一行的限购上限，再开始占用
		for _, pid := range keys {
			if _, err := m.ledger.Get(ctx, pid); err != nil {
				return err
			}
		}
		targets := make([]uint, len(merged))
		for i, it := range merged {
			targets[i] = it.Quantity
			if m.policy == nil {
				continue
			}
			limit, err := m.policy.Limit(ctx, cartID, it.ProductID, it.Quantity)
			if err != nil {
				return errors.Wrapf(err, "hold limit for %s", it.ProductID)
			}
			targets[i] = min(targets[i], limit)
		}

		now := m.now()
		expiresAt := now.Add(m.ttl())
		prevExpiry, _ := m.table.ExpiresAt(cartID)
		prev := make([]uint, len(merged))
		for i, it := range merged {
			prev[i] = m.table.Quantity(cartID, it.ProductID)
		}

		items := make([]domain.ItemResult, 0, len(merged))
		for i, it := range merged {
			granted, err := m.reserveUpTo(ctx, cartID, it.ProductID, targets[i], expiresAt)
			if err != nil {
				m.rollbackHold(ctx, cartID, merged[:i+1], prev, prevExpiry)
				return err
			}
			items = append(items, domain.ItemResult{
				ProductID: it.ProductID,
				Requested: it.Quantity,
				Granted:   granted,
				Shortage:  granted < it.Quantity,
			})
		}

		ok, err := m.setExpiry(ctx, cartID, expiresAt)
		if err != nil {
			m.rollbackHold(ctx, cartID, merged, prev, prevExpiry)
			return err
		}
		for i, it := range items {
			m.metrics.HoldItem(it.Requested, it.Granted)
			if it.Granted < prev[i] {
				m.metrics.Released(domain.ReasonExplicit, prev[i]-it.Granted)
			}
		}
		result.Items = items
		if ok {
			result.ExpiresAt = expiresAt
			view, _ := m.table.Cart(cartID)
			events = append(events, domain.NewReservationEvent(domain.EventHeld, cartID, expiresAt, view.Reservations, now))
		}
		return nil
	})
	m.publish(ctx, events)
	if err != nil {
		return domain.HoldResult{}, m.fail(span, err)
	}

	span.SetAttributes(attribute.Bool("cart.holding", !result.ExpiresAt.IsZero()))
	logger.Ctx(ctx).Info().Str("cart_id", cartID).Interface("items", result.Items).Msg("Hold processed")
	return result, nil
}

// reserveUpTo 把购物车对商品的占用调整为不超过 target 的最大可行值，返回最终占用量。
// 调用方持有该商品的锁。
func (m *Manager) reserveUpTo(ctx context.Context, cartID, productID string, target uint, expiresAt time.Time) (uint, error) {
	existing := m.table.Quantity(cartID, productID)
	if target <= existing {
		if target < existing {
			if _, err := m.setHold(ctx, cartID, productID, target, expiresAt); err != nil {
				return existing, err
			}
		}
		return target, nil
	}

	want := target - existing
	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		rec, err := m.ledger.Get(ctx, productID)
		if err != nil {
			return existing, err
		}
		take := min(want, rec.Available())
		if take == 0 {
			break
		}
		ok, err := m.setHold(ctx, cartID, productID, existing+take, expiresAt)
		if err != nil {
			return existing, err
		}
		if ok {
			return existing + take, nil
		}
	}
	return existing, nil
}

// rollbackHold 把本次 Hold 已处理的行恢复为调用前的数量，尽力而为，失败只记录日志。
func (m *Manager) rollbackHold(ctx context.Context, cartID string, items []domain.HoldItem, prev []uint, prevExpiry time.Time) {
	for i := len(items) - 1; i >= 0; i-- {
		pid := items[i].ProductID
		if m.table.Quantity(cartID, pid) == prev[i] {
			continue
		}
		ok, err := m.setHold(ctx, cartID, pid, prev[i], prevExpiry)
		if err != nil || !ok {
			logger.Ctx(ctx).Error().Err(err).Str("cart_id", cartID).Str("product_id", pid).
				Uint("quantity", prev[i]).Msg("Failed to roll back hold")
		}
	}
	if !prevExpiry.IsZero() {
		if _, err := m.setExpiry(ctx, cartID, prevExpiry); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("cart_id", cartID).Msg("Failed to restore cart expiry")
		}
	}
}

// Adjust 按 delta 增减购物车对商品的占用，不改变过期时间。
// 增加时只有可用量足够（且不超过限购）才会授予；减少总是成功，减到 0 时删除占用。
func (m *Manager) Adjust(ctx context.Context, cartID, productID string, delta int) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "reservation.Adjust", trace.WithAttributes(
		attribute.String("cart.id", cartID),
		attribute.String("product.id", productID),
		attribute.Int("delta", delta),
	))
	defer span.End()

	if err := validateCartID(cartID); err != nil {
		return false, m.fail(span, err)
	}
	if err := validateProductID(productID); err != nil {
		return false, m.fail(span, err)
	}
	if delta == 0 {
		if _, err := m.ledger.Get(ctx, productID); err != nil {
			return false, m.fail(span, err)
		}
		return true, nil
	}

	var (
		granted bool
		events  []*domain.ReservationEvent
	)
	err := m.withCartLocks(ctx, cartID, []string{productID}, func() error {
		events = m.expireLocked(ctx, cartID, events)
		if _, err := m.ledger.Get(ctx, productID); err != nil {
			return err
		}

		now := m.now()
		existing := m.table.Quantity(cartID, productID)
		if delta > 0 {
			target := existing + uint(delta)
			if m.policy != nil {
				limit, err := m.policy.Limit(ctx, cartID, productID, target)
				if err != nil {
					return errors.Wrapf(err, "hold limit for %s", productID)
				}
				if limit < target {
					return nil
				}
			}
			ok, err := m.setHold(ctx, cartID, productID, target, now.Add(m.ttl()))
			if err != nil || !ok {
				return err
			}
		} else {
			dec := min(uint(-delta), existing)
			if dec == 0 {
				granted = true
				return nil
			}
			if _, err := m.setHold(ctx, cartID, productID, existing-dec, time.Time{}); err != nil {
				return err
			}
			m.metrics.Released(domain.ReasonExplicit, dec)
		}
		granted = true

		view, _ := m.table.Cart(cartID)
		events = append(events, domain.NewReservationEvent(domain.EventAdjusted, cartID, view.ExpiresAt, view.Reservations, now))
		return nil
	})
	m.publish(ctx, events)
	if err != nil {
		return false, m.fail(span, err)
	}

	m.metrics.Adjust(delta, granted)
	span.SetAttributes(attribute.Bool("granted", granted))
	return granted, nil
}

// Extend 把购物车全部占用的过期时间重置为 now+TTL。购物车没有占用（已过期或从未占用）时返回 ok=false。
func (m *Manager) Extend(ctx context.Context, cartID string) (time.Time, bool, error) {
	ctx, span := m.tracer.Start(ctx, "reservation.Extend", trace.WithAttributes(attribute.String("cart.id", cartID)))
	defer span.End()

	if err := validateCartID(cartID); err != nil {
		return time.Time{}, false, m.fail(span, err)
	}

	var (
		expiresAt time.Time
		events    []*domain.ReservationEvent
	)
	err := m.withCartLocks(ctx, cartID, nil, func() error {
		events = m.expireLocked(ctx, cartID, events)
		now := m.now()
		at := now.Add(m.ttl())
		ok, err := m.setExpiry(ctx, cartID, at)
		if err != nil || !ok {
			return err
		}
		expiresAt = at
		view, _ := m.table.Cart(cartID)
		events = append(events, domain.NewReservationEvent(domain.EventExtended, cartID, at, view.Reservations, now))
		return nil
	})
	m.publish(ctx, events)
	if err != nil {
		return time.Time{}, false, m.fail(span, err)
	}
	return expiresAt, !expiresAt.IsZero(), nil
}

// Release 释放购物车的全部占用。幂等：没有占用时什么也不做。
func (m *Manager) Release(ctx context.Context, cartID string) error {
	return m.ReleaseWithReason(ctx, cartID, domain.ReasonExplicit)
}

// ReleaseWithReason 与 Release 相同，reason 记录在事件和指标中（例如 checkout）。
func (m *Manager) ReleaseWithReason(ctx context.Context, cartID, reason string) error {
	ctx, span := m.tracer.Start(ctx, "reservation.Release", trace.WithAttributes(
		attribute.String("cart.id", cartID),
		attribute.String("reason", reason),
	))
	defer span.End()

	if err := validateCartID(cartID); err != nil {
		return m.fail(span, err)
	}

	var events []*domain.ReservationEvent
	err := m.withCartLocks(ctx, cartID, nil, func() error {
		events = m.expireLocked(ctx, cartID, events)
		released, err := m.releaseLocked(ctx, cartID, reason)
		if len(released) > 0 {
			ev := domain.NewReservationEvent(domain.EventReleased, cartID, time.Time{}, released, m.now())
			ev.Reason = reason
			events = append(events, ev)
		}
		return err
	})
	m.publish(ctx, events)
	if err != nil {
		return m.fail(span, err)
	}
	return nil
}

// Cart 返回购物车当前的占用（先做惰性过期）。
func (m *Manager) Cart(ctx context.Context, cartID string) (domain.CartView, error) {
	if err := validateCartID(cartID); err != nil {
		return domain.CartView{}, err
	}
	if _, err := m.expireIfDue(ctx, cartID); err != nil {
		return domain.CartView{}, err
	}
	return m.currentCart(ctx, cartID)
}

// Available 返回商品的库存记录。读取前会先释放该商品上已过期的购物车，使结果不包含过期占用。
func (m *Manager) Available(ctx context.Context, productID string) (domain.StockRecord, error) {
	if err := validateProductID(productID); err != nil {
		return domain.StockRecord{}, err
	}
	holds, err := m.productHolds(ctx, productID)
	if err != nil {
		return domain.StockRecord{}, err
	}
	for cartID := range holds {
		if _, err := m.expireIfDue(ctx, cartID); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("cart_id", cartID).Msg("Lazy expiry failed")
		}
	}
	return m.ledger.Get(ctx, productID)
}

// DueCarts 返回最多 limit 个已过期的购物车，供 ExpiryScheduler 使用。
func (m *Manager) DueCarts(ctx context.Context, limit int) ([]string, error) {
	if m.store == nil {
		return m.table.Due(m.now(), limit), nil
	}
	due, err := m.store.Due(ctx, m.now(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list due carts")
	}
	return due, nil
}

// ActiveCarts 返回持有占用的购物车数量。
func (m *Manager) ActiveCarts(ctx context.Context) (int, error) {
	if m.store == nil {
		return m.table.Len(), nil
	}
	n, err := m.store.Count(ctx)
	return n, errors.Wrap(err, "count active carts")
}

// Reconcile 在商品锁内比对账本的 reserved 与全部占用之和。
// 写入顺序保证进程异常退出只会留下多余的 reserved，这里把它归还给可用库存。
func (m *Manager) Reconcile(ctx context.Context, productIDs []string) error {
	var firstErr error
	for _, pid := range productIDs {
		err := m.withProductLocks(ctx, []string{pid}, func() error {
			rec, err := m.ledger.Get(ctx, pid)
			if err != nil {
				return err
			}
			holds, err := m.productHolds(ctx, pid)
			if err != nil {
				return err
			}
			var sum uint
			for _, q := range holds {
				sum += q
			}
			switch {
			case rec.Reserved > sum:
				leaked := rec.Reserved - sum
				if err := m.ledger.Release(ctx, pid, leaked); err != nil {
					return err
				}
				m.metrics.Released(domain.ReasonReconciled, leaked)
				logger.Ctx(ctx).Warn().Str("product_id", pid).Uint("units", leaked).Msg("Reclaimed reserved units without holds")
			case rec.Reserved < sum:
				logger.Ctx(ctx).Error().Str("product_id", pid).Uint("reserved", rec.Reserved).Uint("holds", sum).
					Msg("Ledger reserved is below active holds")
			}
			return nil
		})
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("product_id", pid).Msg("Reconcile failed")
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "reconcile %s", pid)
			}
		}
	}
	return firstErr
}

// ExpireCart 在购物车确实过期时释放它，返回是否发生了释放。
// 是否过期在持锁后重新判断，因此与显式 Release / Extend 并发时只会生效一次。
func (m *Manager) ExpireCart(ctx context.Context, cartID string) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "reservation.Expire", trace.WithAttributes(attribute.String("cart.id", cartID)))
	defer span.End()

	var events []*domain.ReservationEvent
	err := m.withCartLocks(ctx, cartID, nil, func() error {
		var err error
		events, err = m.expireLockedErr(ctx, cartID, events)
		return err
	})
	m.publish(ctx, events)
	if err != nil {
		return false, m.fail(span, err)
	}
	return len(events) > 0, nil
}

// expireIfDue 是惰性过期的快速路径：只有购物车看起来已过期时才去拿锁。
func (m *Manager) expireIfDue(ctx context.Context, cartID string) (bool, error) {
	view, err := m.currentCart(ctx, cartID)
	if err != nil {
		return false, err
	}
	if view.Empty() || !isExpired(view.ExpiresAt, m.now()) {
		return false, nil
	}
	return m.ExpireCart(ctx, cartID)
}

// expireLocked 在持有购物车全部商品锁时调用，失败只记录日志，调用方继续处理。
func (m *Manager) expireLocked(ctx context.Context, cartID string, events []*domain.ReservationEvent) []*domain.ReservationEvent {
	events, err := m.expireLockedErr(ctx, cartID, events)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("cart_id", cartID).Msg("Failed to release expired cart")
	}
	return events
}

func (m *Manager) expireLockedErr(ctx context.Context, cartID string, events []*domain.ReservationEvent) ([]*domain.ReservationEvent, error) {
	at, ok := m.table.ExpiresAt(cartID)
	if !ok || !isExpired(at, m.now()) {
		return events, nil
	}
	released, err := m.releaseLocked(ctx, cartID, domain.ReasonExpired)
	if len(released) > 0 {
		ev := domain.NewReservationEvent(domain.EventExpired, cartID, at, released, m.now())
		ev.Reason = domain.ReasonExpired
		events = append(events, ev)
		logger.Ctx(ctx).Info().Str("cart_id", cartID).Time("expired_at", at).Int("items", len(released)).Msg("⏰ Cart hold expired")
	}
	return events, err
}

// releaseLocked 逐个商品归还账本并删除占用；某个商品归还失败时保留该占用并返回错误。
func (m *Manager) releaseLocked(ctx context.Context, cartID, reason string) ([]domain.Reservation, error) {
	view, ok := m.table.Cart(cartID)
	if !ok {
		return nil, nil
	}
	released := make([]domain.Reservation, 0, len(view.Reservations))
	for _, r := range view.Reservations {
		if _, err := m.setHold(ctx, cartID, r.ProductID, 0, time.Time{}); err != nil {
			return released, errors.Wrapf(err, "release %d of %s for cart %s", r.Quantity, r.ProductID, cartID)
		}
		m.metrics.Released(reason, r.Quantity)
		released = append(released, r)
	}
	return released, nil
}

// withCartLocks 锁住 extra 和购物车当前所有商品（按 productID 排序），同步购物车后执行 fn。
// 等锁期间购物车新增了商品时重新计算锁集合。
func (m *Manager) withCartLocks(ctx context.Context, cartID string, extra []string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		view, err := m.currentCart(ctx, cartID)
		if err != nil {
			return err
		}
		keys := unionSorted(unionSorted(m.table.CartProducts(cartID), productIDs(view)), extra)
		err = m.withProductLocks(ctx, keys, func() error {
			view, err := m.currentCart(ctx, cartID)
			if err != nil {
				return err
			}
			if !containsAll(keys, m.table.CartProducts(cartID)) || !containsAll(keys, productIDs(view)) {
				return errCartChanged
			}
			if m.store != nil {
				m.table.Replace(view)
			}
			return fn()
		})
		if !errors.Is(err, errCartChanged) {
			return err
		}
		if attempt >= maxCartLockAttempts {
			return errors.Wrapf(domain.ErrUnavailable, "cart %s kept changing while locking", cartID)
		}
	}
}

// currentCart 读取购物车的权威视图：配置了 HoldStore 时来自持久化副本，否则来自本地表。
func (m *Manager) currentCart(ctx context.Context, cartID string) (domain.CartView, error) {
	if m.store == nil {
		view, _ := m.table.Cart(cartID)
		return view, nil
	}
	view, err := m.store.Cart(ctx, cartID)
	if err != nil {
		return domain.CartView{}, errors.Wrapf(err, "load cart %s", cartID)
	}
	view.CartID = cartID
	return view, nil
}

func (m *Manager) productHolds(ctx context.Context, productID string) (map[string]uint, error) {
	if m.store == nil {
		return m.table.ProductReservations(productID), nil
	}
	holds, err := m.store.ProductHolds(ctx, productID)
	if err != nil {
		return nil, errors.Wrapf(err, "load holds of %s", productID)
	}
	return holds, nil
}

// setHold 把购物车对商品的占用改为 qty，账本和占用成对修改。调用方持有该商品的锁。
// 增加时先预占账本再记录占用，减少时先记录占用再归还账本，任一步失败都回滚前一步；
// 进程在两步之间退出只会留下多余的 reserved，由 Reconcile 收回。
// 增加的部分库存不足时返回 false，不做任何修改。
func (m *Manager) setHold(ctx context.Context, cartID, productID string, qty uint, newCartExpiry time.Time) (bool, error) {
	prev := m.table.Quantity(cartID, productID)
	prevExpiry, _ := m.table.ExpiresAt(cartID)
	switch {
	case qty > prev:
		ok, err := m.ledger.TryReserve(ctx, productID, qty-prev)
		if err != nil || !ok {
			return false, err
		}
		if err := m.record(ctx, cartID, productID, qty, newCartExpiry); err != nil {
			if rerr := m.ledger.Release(ctx, productID, qty-prev); rerr != nil {
				logger.Ctx(ctx).Error().Err(rerr).Str("product_id", productID).Msg("Failed to undo ledger reserve")
			}
			return false, err
		}
	case qty < prev:
		if err := m.record(ctx, cartID, productID, qty, newCartExpiry); err != nil {
			return false, err
		}
		if err := m.ledger.Release(ctx, productID, prev-qty); err != nil {
			if rerr := m.record(ctx, cartID, productID, prev, prevExpiry); rerr != nil {
				logger.Ctx(ctx).Error().Err(rerr).Str("cart_id", cartID).Str("product_id", productID).
					Msg("Failed to restore hold after ledger release error")
			}
			return false, err
		}
	}
	return true, nil
}

// record 修改本地表并写回 HoldStore，写回失败时恢复本地表。
func (m *Manager) record(ctx context.Context, cartID, productID string, qty uint, newCartExpiry time.Time) error {
	prevExpiry, _ := m.table.ExpiresAt(cartID)
	prev := m.table.Set(cartID, productID, qty, newCartExpiry)
	if m.store == nil {
		return nil
	}
	expiresAt, _ := m.table.ExpiresAt(cartID)
	if err := m.store.Put(ctx, cartID, productID, qty, expiresAt); err != nil {
		m.table.Set(cartID, productID, prev, prevExpiry)
		return errors.Wrapf(err, "persist hold %s/%s", cartID, productID)
	}
	return nil
}

// setExpiry 设置购物车的过期时间并写回 HoldStore。购物车没有占用时返回 false。
func (m *Manager) setExpiry(ctx context.Context, cartID string, at time.Time) (bool, error) {
	prev, ok := m.table.ExpiresAt(cartID)
	if !ok || !m.table.SetExpiry(cartID, at) {
		return false, nil
	}
	if m.store == nil {
		return true, nil
	}
	if err := m.store.SetExpiry(ctx, cartID, at); err != nil {
		m.table.SetExpiry(cartID, prev)
		return false, errors.Wrapf(err, "persist expiry of %s", cartID)
	}
	return true, nil
}

// withProductLocks 获取 keys 上的锁后执行 fn。锁等待超时会重试一次，仍失败则返回 ErrUnavailable。
func (m *Manager) withProductLocks(ctx context.Context, keys []string, fn func() error) error {
	if len(keys) == 0 {
		return fn()
	}

	release, err := m.acquire(ctx, keys)
	if errors.Is(err, domain.ErrLockTimeout) {
		m.metrics.LockTimeout()
		logger.Ctx(ctx).Warn().Strs("products", keys).Msg("Lock wait timed out, retrying once")
		release, err = m.acquire(ctx, keys)
	}
	if err != nil {
		if errors.Is(err, domain.ErrLockTimeout) {
			m.metrics.LockTimeout()
			return errors.Wrapf(domain.ErrUnavailable, "lock products %v: %v", keys, err)
		}
		return err
	}
	defer release()
	return fn()
}

func (m *Manager) acquire(ctx context.Context, keys []string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, m.lockWait)
	defer cancel()
	return m.locker.Acquire(lockCtx, keys)
}

// publish 在锁外发布事件，失败只记录日志。
func (m *Manager) publish(ctx context.Context, events []*domain.ReservationEvent) {
	if m.publisher == nil {
		return
	}
	for _, ev := range events {
		if err := m.publisher.Publish(ctx, ev); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("cart_id", ev.CartID).Str("type", string(ev.Type)).
				Msg("Failed to publish reservation event")
		}
	}
}

func (m *Manager) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func isExpired(expiresAt, now time.Time) bool {
	return expiresAt.Before(now)
}

func validateCartID(cartID string) error {
	if !cartIDPattern.MatchString(cartID) {
		return errors.Wrapf(domain.ErrInvalidArgument, "malformed cart id %q", cartID)
	}
	return nil
}

// validateProductID 商品 ID 会出现在 Redis 键和 ZooKeeper 节点名中，"." 与 ".." 不是合法节点名。
func validateProductID(productID string) error {
	if !productIDPattern.MatchString(productID) || productID == "." || productID == ".." {
		return errors.Wrapf(domain.ErrInvalidArgument, "malformed product id %q", productID)
	}
	return nil
}

// mergeItems 校验并合并同一商品的多行，保持首次出现的顺序。
func mergeItems(items []domain.HoldItem) ([]domain.HoldItem, error) {
	if len(items) == 0 {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "hold needs at least one item")
	}
	merged := make([]domain.HoldItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, it := range items {
		if err := validateProductID(it.ProductID); err != nil {
			return nil, err
		}
		if it.Quantity == 0 {
			return nil, errors.Wrapf(domain.ErrInvalidArgument, "quantity for %s must be positive", it.ProductID)
		}
		if i, ok := index[it.ProductID]; ok {
			if merged[i].Quantity > math.MaxUint-it.Quantity {
				return nil, errors.Wrapf(domain.ErrInvalidArgument, "total quantity for %s overflows", it.ProductID)
			}
			merged[i].Quantity += it.Quantity
			continue
		}
		index[it.ProductID] = len(merged)
		merged = append(merged, it)
	}
	return merged, nil
}

func unionSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// containsAll 判断 sub 中的元素是否都在已排序的 keys 中。
func containsAll(keys, sub []string) bool {
	for _, s := range sub {
		i := sort.SearchStrings(keys, s)
		if i >= len(keys) || keys[i] != s {
			return false
		}
	}
	return true
}

func productIDs(view domain.CartView) []string {
	ids := make([]string, len(view.Reservations))
	for i, r := range view.Reservations {
		ids[i] = r.ProductID
	}
	return ids
}
