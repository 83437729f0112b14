// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var base atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stdout).With().Timestamp().Logger()
	base.Store(&l)
}

// Init 初始化全局日志器，所有日志都会带上 service 字段。
// level 为空或无法解析时使用 info。
func Init(serviceName, level string) {
	InitWithWriter(os.Stdout, serviceName, level)
}

// InitWithWriter 与 Init 相同，但允许指定输出（测试时可以写到 buffer）。
func InitWithWriter(w io.Writer, serviceName, level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	l := zerolog.New(w).Level(lvl).With().Timestamp().Str("service", serviceName).Logger()
	base.Store(&l)
}

// Ctx 返回一个绑定了追踪信息的日志器。
// 如果 ctx 中存在有效的 Span，会自动附加 trace_id 和 span_id，便于在 Jaeger 中关联日志。
func Ctx(ctx context.Context) *zerolog.Logger {
	l := *base.Load()
	if ctx == nil {
		return &l
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		l = l.With().
			Str("trace_id", sc.TraceID().String()).
			Str("span_id", sc.SpanID().String()).
			Logger()
	}
	return &l
}
