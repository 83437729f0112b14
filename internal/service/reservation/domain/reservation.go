// internal/service/reservation/domain/reservation.go
package domain

import "time"

// Reservation 表示某个购物车对某个商品的一次临时占用。
// 同一个购物车的所有 Reservation 共享一个过期时间。
type Reservation struct {
	CartID    string    `json:"cartId"`
	ProductID string    `json:"productId"`
	Quantity  uint      `json:"quantity"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HoldItem 是 Hold 请求中的一行。
type HoldItem struct {
	ProductID string `json:"productId"`
	Quantity  uint   `json:"quantity"`
}

// ItemResult 是 Hold 对单行的处理结果。库存不足不是错误，通过 Shortage 体现。
type ItemResult struct {
	ProductID string `json:"productId"`
	Requested uint   `json:"requested"`
	Granted   uint   `json:"granted"`
	Shortage  bool   `json:"shortage"`
}

// HoldResult 汇总一次 Hold 的结果。购物车没有任何占用时 ExpiresAt 为零值。
type HoldResult struct {
	ExpiresAt time.Time    `json:"expiresAt"`
	Items     []ItemResult `json:"items"`
}

// CartView 是对外暴露的购物车占用快照，驱动结算页倒计时。
type CartView struct {
	CartID       string        `json:"cartId"`
	ExpiresAt    time.Time     `json:"expiresAt"`
	Reservations []Reservation `json:"reservations"`
}

// Empty 表示购物车当前没有任何占用。
func (v CartView) Empty() bool {
	return len(v.Reservations) == 0
}
