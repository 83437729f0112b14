package interfaces

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockhold/internal/pkg/logger"
	"stockhold/internal/pkg/mq"
	"stockhold/internal/service/reservation/domain"
)

const maxReleaseAttempts = 3

// Releaser 是 CheckoutConsumerAdapter 对 Manager 的依赖。
type Releaser interface {
	ReleaseWithReason(ctx context.Context, cartID, reason string) error
}

// CheckoutConsumerAdapter 监听订单服务的 checkout-closed 事件（下单成功或购物车放弃），立即释放购物车的占用。
// 无法处理的消息转投死信主题，offset 总是提交。
type CheckoutConsumerAdapter struct {
	reader   mq.Reader
	releaser Releaser
	failures *mq.FailureHandler
	tracer   trace.Tracer
	backoff  time.Duration
}

func NewCheckoutConsumerAdapter(reader mq.Reader, releaser Releaser, failures *mq.FailureHandler) *CheckoutConsumerAdapter {
	return &CheckoutConsumerAdapter{
		reader:   reader,
		releaser: releaser,
		failures: failures,
		tracer:   otel.Tracer(serviceName),
		backoff:  200 * time.Millisecond,
	}
}

// Run 持续消费直到 ctx 结束。
func (a *CheckoutConsumerAdapter) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Msg("✅ Checkout consumer started.")
	defer a.reader.Close()
	for {
		// 使用 FetchMessage 而不是 ReadMessage，以便处理完成后再提交
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Msg("🛑 Checkout consumer shutting down.")
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("Could not read checkout message, retrying")
			select {
			case <-time.After(time.Second): // 避免快速失败循环
			case <-ctx.Done():
				return nil
			}
			continue
		}

		if err := a.processMessage(ctx, msg); err != nil {
			a.failures.Handle(mq.ExtractTraceContext(ctx, msg.Headers), msg, err)
		}
		if err := a.reader.CommitMessages(ctx, msg); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("Failed to commit checkout message")
		}
	}
}

func (a *CheckoutConsumerAdapter) processMessage(parentCtx context.Context, msg kafka.Message) error {
	ctx := mq.ExtractTraceContext(parentCtx, msg.Headers)
	ctx, span := a.tracer.Start(ctx, "reservation-service.CheckoutClosed", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	var event domain.CheckoutClosedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed checkout event")
		return fmt.Errorf("unmarshal checkout event: %w", err)
	}
	span.SetAttributes(attribute.String("cart.id", event.CartID), attribute.String("checkout.reason", event.Reason))

	var err error
	for attempt := 1; attempt <= maxReleaseAttempts; attempt++ {
		err = a.releaser.ReleaseWithReason(ctx, event.CartID, domain.ReasonCheckout)
		if err == nil || !errors.Is(err, domain.ErrUnavailable) {
			break
		}
		select {
		case <-time.After(a.backoff * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logger.Ctx(ctx).Info().Str("cart_id", event.CartID).Str("reason", event.Reason).Msg("Released cart after checkout closed")
	return nil
}
