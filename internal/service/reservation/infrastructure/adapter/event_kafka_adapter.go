package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"stockhold/internal/pkg/mq"
	"stockhold/internal/service/reservation/domain"
)

// EventKafkaAdapter 实现了 port.EventPublisher 接口，把占用事件写入 Kafka。
// 以 cartID 作为消息 Key，同一购物车的事件落在同一分区，消费方看到的顺序与发生顺序一致。
type EventKafkaAdapter struct {
	writer mq.Writer
}

func NewEventKafkaAdapter(writer mq.Writer) *EventKafkaAdapter {
	return &EventKafkaAdapter{writer: writer}
}

func (a *EventKafkaAdapter) Publish(ctx context.Context, event *domain.ReservationEvent) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal reservation event: %w", err)
	}
	// mq.ProduceMessage 会自动注入追踪上下文
	return mq.ProduceMessage(ctx, a.writer, []byte(event.CartID), eventBytes)
}
