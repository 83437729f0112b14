// internal/service/reservation/domain/event.go
package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventHeld     EventType = "HELD"
	EventAdjusted EventType = "ADJUSTED"
	EventExtended EventType = "EXTENDED"
	EventReleased EventType = "RELEASED"
	EventExpired  EventType = "EXPIRED"
)

// 释放原因
const (
	ReasonExplicit = "explicit"
	ReasonExpired  = "expired"
	ReasonCheckout = "checkout"
	// 账本中没有对应占用的预占（进程在两步写入之间退出遗留），由对账收回
	ReasonReconciled = "reconciled"
)

// ReservationEvent 描述购物车占用状态的一次变化，发布到 Kafka 并推送给前端倒计时。
// Items 为变化后购物车的完整占用；RELEASED/EXPIRED 时为被释放的占用。
type ReservationEvent struct {
	EventID    string        `json:"eventId"`
	Type       EventType     `json:"type"`
	CartID     string        `json:"cartId"`
	ExpiresAt  *time.Time    `json:"expiresAt,omitempty"`
	Items      []Reservation `json:"items"`
	Reason     string        `json:"reason,omitempty"`
	OccurredAt time.Time     `json:"occurredAt"`
}

func NewReservationEvent(t EventType, cartID string, expiresAt time.Time, items []Reservation, now time.Time) *ReservationEvent {
	ev := &ReservationEvent{
		EventID:    uuid.NewString(),
		Type:       t,
		CartID:     cartID,
		Items:      items,
		OccurredAt: now,
	}
	if !expiresAt.IsZero() {
		ev.ExpiresAt = &expiresAt
	}
	return ev
}

// CheckoutClosedEvent 由订单服务发布：订单已创建或购物车被放弃，占用应当立即释放。
type CheckoutClosedEvent struct {
	CartID     string    `json:"cartId"`
	Reason     string    `json:"reason"` // ORDER_PLACED | CART_ABANDONED
	OccurredAt time.Time `json:"occurredAt"`
}
