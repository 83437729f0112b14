// internal/service/reservation/application/table.go
package application

import (
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	cmap "github.com/orcaman/concurrent-map/v2"

	"stockhold/internal/service/reservation/domain"
)

// cartEntry 保存一个购物车的全部占用，以及共享的过期时间。
type cartEntry struct {
	mu        sync.Mutex
	items     map[string]uint
	expiresAt time.Time
	removed   bool // 已从 carts 中摘除，持有旧指针的写者需要重新获取
}

type expiryItem struct {
	at     time.Time
	cartID string
}

func lessExpiry(a, b expiryItem) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.cartID < b.cartID
}

// Table 是活跃占用的内存索引：
//   - carts:    cartID -> 该购物车的占用
//   - products: productID -> {cartID: quantity}，写时复制，读到的总是某次单商品修改后的完整快照
//   - expiry:   按 (expiresAt, cartID) 排序的 B 树，供过期扫描使用
//
// 只有 Manager 会写 Table，且对某个商品的写入总是在该商品的锁内完成。
// 锁顺序：商品锁 -> cartEntry.mu -> expiryMu。
type Table struct {
	carts    cmap.ConcurrentMap[string, *cartEntry]
	products cmap.ConcurrentMap[string, map[string]uint]

	expiryMu sync.Mutex
	expiry   *btree.BTreeG[expiryItem]
}

func NewTable() *Table {
	return &Table{
		carts:    cmap.New[*cartEntry](),
		products: cmap.New[map[string]uint](),
		expiry:   btree.NewG[expiryItem](16, lessExpiry),
	}
}

// Quantity 返回购物车对商品的当前占用数量。
func (t *Table) Quantity(cartID, productID string) uint {
	e, ok := t.carts.Get(cartID)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return 0
	}
	return e.items[productID]
}

// Set 把购物车对商品的占用设置为 qty，返回原来的数量。
// qty 为 0 时删除该占用，购物车变空时整体移除。
// 购物车此前没有任何占用时，newCartExpiry 成为它的过期时间。
func (t *Table) Set(cartID, productID string, qty uint, newCartExpiry time.Time) uint {
	for {
		e := t.carts.Upsert(cartID, nil, func(exist bool, cur, _ *cartEntry) *cartEntry {
			if exist {
				return cur
			}
			return &cartEntry{items: make(map[string]uint)}
		})

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}

		prev := e.items[productID]
		if qty == 0 {
			delete(e.items, productID)
		} else {
			if len(e.items) == 0 {
				t.moveExpiry(cartID, e.expiresAt, newCartExpiry)
				e.expiresAt = newCartExpiry
			}
			e.items[productID] = qty
		}
		t.indexProduct(productID, cartID, qty)

		if len(e.items) == 0 {
			e.removed = true
			t.carts.RemoveCb(cartID, func(_ string, v *cartEntry, exists bool) bool {
				return exists && v == e
			})
			t.moveExpiry(cartID, e.expiresAt, time.Time{})
		}
		e.mu.Unlock()
		return prev
	}
}

// SetExpiry 为购物车的全部占用设置新的过期时间。购物车没有占用时返回 false。
func (t *Table) SetExpiry(cartID string, at time.Time) bool {
	e, ok := t.carts.Get(cartID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || len(e.items) == 0 {
		return false
	}
	t.moveExpiry(cartID, e.expiresAt, at)
	e.expiresAt = at
	return true
}

// Replace 用 view 覆盖购物车在表中的全部占用和过期时间（view 来自持久化副本）。
// 调用方持有新旧两组商品的锁。
func (t *Table) Replace(view domain.CartView) {
	keep := make(map[string]struct{}, len(view.Reservations))
	for _, r := range view.Reservations {
		keep[r.ProductID] = struct{}{}
	}
	for _, pid := range t.CartProducts(view.CartID) {
		if _, ok := keep[pid]; !ok {
			t.Set(view.CartID, pid, 0, time.Time{})
		}
	}
	for _, r := range view.Reservations {
		if r.Quantity > 0 {
			t.Set(view.CartID, r.ProductID, r.Quantity, view.ExpiresAt)
		}
	}
	if len(view.Reservations) > 0 {
		t.SetExpiry(view.CartID, view.ExpiresAt)
	}
}

// Cart 返回购物车占用的快照，按商品 ID 排序。
func (t *Table) Cart(cartID string) (domain.CartView, bool) {
	view := domain.CartView{CartID: cartID}
	e, ok := t.carts.Get(cartID)
	if !ok {
		return view, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || len(e.items) == 0 {
		return view, false
	}
	view.ExpiresAt = e.expiresAt
	view.Reservations = make([]domain.Reservation, 0, len(e.items))
	for pid, qty := range e.items {
		view.Reservations = append(view.Reservations, domain.Reservation{
			CartID:    cartID,
			ProductID: pid,
			Quantity:  qty,
			ExpiresAt: e.expiresAt,
		})
	}
	sort.Slice(view.Reservations, func(i, j int) bool {
		return view.Reservations[i].ProductID < view.Reservations[j].ProductID
	})
	return view, true
}

// CartProducts 返回购物车当前占用的商品 ID（已排序）。
func (t *Table) CartProducts(cartID string) []string {
	view, ok := t.Cart(cartID)
	if !ok {
		return nil
	}
	ids := make([]string, len(view.Reservations))
	for i, r := range view.Reservations {
		ids[i] = r.ProductID
	}
	return ids
}

// ExpiresAt 返回购物车的过期时间，购物车没有占用时 ok 为 false。
func (t *Table) ExpiresAt(cartID string) (time.Time, bool) {
	e, ok := t.carts.Get(cartID)
	if !ok {
		return time.Time{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || len(e.items) == 0 {
		return time.Time{}, false
	}
	return e.expiresAt, true
}

// ProductReservations 返回商品上所有占用的快照（cartID -> quantity）。
// 返回的 map 不会再被修改，调用方不得写入。
func (t *Table) ProductReservations(productID string) map[string]uint {
	m, ok := t.products.Get(productID)
	if !ok {
		return map[string]uint{}
	}
	return m
}

// Due 按过期时间升序返回最多 limit 个 expiresAt < now 的购物车。limit <= 0 表示不限。
func (t *Table) Due(now time.Time, limit int) []string {
	t.expiryMu.Lock()
	defer t.expiryMu.Unlock()

	var due []string
	t.expiry.AscendLessThan(expiryItem{at: now}, func(it expiryItem) bool {
		due = append(due, it.cartID)
		return limit <= 0 || len(due) < limit
	})
	return due
}

// Len 返回持有占用的购物车数量。
func (t *Table) Len() int {
	return t.carts.Count()
}

// indexProduct 以写时复制的方式更新商品索引，调用方持有该商品的锁。
func (t *Table) indexProduct(productID, cartID string, qty uint) {
	next := t.products.Upsert(productID, nil, func(exist bool, cur, _ map[string]uint) map[string]uint {
		cp := make(map[string]uint, len(cur)+1)
		for k, v := range cur {
			cp[k] = v
		}
		if qty == 0 {
			delete(cp, cartID)
		} else {
			cp[cartID] = qty
		}
		return cp
	})
	if len(next) == 0 {
		t.products.RemoveCb(productID, func(_ string, v map[string]uint, exists bool) bool {
			return exists && len(v) == 0
		})
	}
}

// moveExpiry 调用方持有 cartEntry.mu。零值时间表示不在索引中。
func (t *Table) moveExpiry(cartID string, from, to time.Time) {
	t.expiryMu.Lock()
	defer t.expiryMu.Unlock()
	if !from.IsZero() {
		t.expiry.Delete(expiryItem{at: from, cartID: cartID})
	}
	if !to.IsZero() {
		t.expiry.ReplaceOrInsert(expiryItem{at: to, cartID: cartID})
	}
}
