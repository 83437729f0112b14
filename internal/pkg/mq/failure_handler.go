package mq

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"stockhold/internal/pkg/logger"
)

// 死信消息头，记录原始位置与失败原因，方便人工排查和重放。
const (
	HeaderOriginalTopic     = "dlt-original-topic"
	HeaderOriginalPartition = "dlt-original-partition"
	HeaderOriginalOffset    = "dlt-original-offset"
	HeaderExceptionFqcn     = "dlt-exception-fqcn"
	HeaderExceptionMessage  = "dlt-exception-message"
)

// FailureHandler 把处理失败的消息转投到死信主题。
type FailureHandler struct {
	dlt Writer
}

func NewFailureHandler(dlt Writer) *FailureHandler {
	return &FailureHandler{dlt: dlt}
}

// Handle 不会返回错误：投递死信失败只能记录日志，调用方照常提交 offset。
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, cause error) {
	if h == nil || h.dlt == nil {
		logger.Ctx(ctx).Error().Err(cause).Str("topic", msg.Topic).Int64("offset", msg.Offset).
			Msg("Message processing failed and no dead letter topic is configured")
		return
	}

	dead := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(append([]kafka.Header{}, msg.Headers...),
			kafka.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
			kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
			kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
			kafka.Header{Key: HeaderExceptionFqcn, Value: []byte(fmt.Sprintf("%T", cause))},
			kafka.Header{Key: HeaderExceptionMessage, Value: []byte(cause.Error())},
		),
	}
	InjectTraceContext(ctx, &dead.Headers)

	if err := h.dlt.WriteMessages(ctx, dead); err != nil {
		logger.Ctx(ctx).Error().Err(err).AnErr("cause", cause).Str("topic", msg.Topic).
			Msg("🚨 Failed to publish message to dead letter topic")
		return
	}
	logger.Ctx(ctx).Warn().Err(cause).Str("topic", msg.Topic).Int64("offset", msg.Offset).
		Msg("Message moved to dead letter topic")
}
