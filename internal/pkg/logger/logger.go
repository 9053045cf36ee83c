// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var base zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	base = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
}

// Init 根据配置调整全局日志级别和服务名字段。
// 在服务启动时调用一次即可。
func Init(serviceName, level string) {
	lv, err := zerolog.ParseLevel(level)
	if err != nil {
		lv = zerolog.InfoLevel
	}
	base = base.Level(lv).With().Str("service", serviceName).Logger()
}

// Logger 返回全局 logger，用于没有上下文的场景（如 main 函数）。
func Logger() *zerolog.Logger {
	return &base
}

// Ctx 返回一个绑定了链路追踪信息的 logger。
// 如果 ctx 中存在有效的 Span，则自动附加 trace_id / span_id 字段，
// 便于在日志系统中和 Jaeger 链路互相跳转。
func Ctx(ctx context.Context) *zerolog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return &base
	}
	l := base.With().
		Str("trace_id", sc.TraceID().String()).
		Str("span_id", sc.SpanID().String()).
		Logger()
	return &l
}
