package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"stockhold/internal/pkg/logger"
)

type settings struct {
	sampleRatio float64
	attrs       []attribute.KeyValue
}

// Option 调整 TracerProvider 的采样与资源属性。
type Option func(*settings)

// WithSampleRatio 设置根 span 的采样比例，取值 (0, 1]；上游已采样的请求始终跟随上游。
func WithSampleRatio(ratio float64) Option {
	return func(s *settings) {
		if ratio > 0 && ratio <= 1 {
			s.sampleRatio = ratio
		}
	}
}

// WithAttributes 追加资源属性，例如部署环境。
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(s *settings) { s.attrs = append(s.attrs, attrs...) }
}

// InitTracerProvider 创建并注册全局 TracerProvider 和 W3C 传播器。
// endpoint 为空时不导出 span，只保留上下文传播，便于本地运行。
func InitTracerProvider(serviceName, endpoint string, opts ...Option) (*sdktrace.TracerProvider, error) {
	s := settings{sampleRatio: 1}
	for _, opt := range opts {
		opt(&s)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(append([]attribute.KeyValue{semconv.ServiceName(serviceName)}, s.attrs...)...),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, err
	}

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.sampleRatio))),
		sdktrace.WithResource(res),
	}
	if endpoint != "" {
		exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
		if err != nil {
			return nil, err
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.Ctx(context.Background()).Info().
		Str("service", serviceName).
		Str("endpoint", endpoint).
		Float64("sample_ratio", s.sampleRatio).
		Bool("exporting", endpoint != "").
		Msg("🔭 Tracing initialized")
	return tp, nil
}
