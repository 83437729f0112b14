package adapter

import (
	"context"
	"errors"

	"stockhold/internal/service/reservation/domain"
	"stockhold/internal/service/reservation/port"
)

// MultiPublisher 把同一个事件依次交给多个发布者（例如 Kafka 和 WebSocket 推送），
// 某个发布者失败不影响其余发布者。
type MultiPublisher []port.EventPublisher

func (m MultiPublisher) Publish(ctx context.Context, event *domain.ReservationEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
