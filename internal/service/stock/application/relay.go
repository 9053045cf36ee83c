// internal/service/stock/application/relay.go
package application

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stocknexus/internal/pkg/logger"
	"stocknexus/internal/service/stock/domain"
)

// EventSink 是中继的发布出口，由 Kafka 适配器实现。
type EventSink interface {
	Publish(ctx context.Context, key string, payload []byte) error
}

// EventObserver 在事件成功发布后收到回调，用于进程内的旁路订阅
// （比如 WebSocket 运维推送）。不得阻塞。
type EventObserver interface {
	Notify(payload []byte)
}

// OutboxRelay 把发件箱里的事件搬运到消息总线。
// 账本事务提交之后事件才可能被发布；发布失败只会累积重试次数，
// 绝不反向影响账本。消费方按 eventId 去重，投递语义是至少一次。
type OutboxRelay struct {
	outbox domain.OutboxRepository
	sink   EventSink
	tracer trace.Tracer

	interval    time.Duration
	batchSize   int
	maxAttempts int

	// 可为 nil
	observer EventObserver

	wg sync.WaitGroup
}

func NewOutboxRelay(outbox domain.OutboxRepository, sink EventSink, tracer trace.Tracer,
	interval time.Duration, batchSize, maxAttempts int, observer EventObserver) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &OutboxRelay{
		outbox: outbox, sink: sink, tracer: tracer,
		interval: interval, batchSize: batchSize, maxAttempts: maxAttempts,
		observer: observer,
	}
}

// Start 启动后台搬运循环，随 ctx 取消而退出。
func (r *OutboxRelay) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		logger.Ctx(ctx).Info().Dur("interval", r.interval).Msg("outbox relay started")

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Ctx(ctx).Info().Msg("outbox relay shutting down")
				return
			case <-ticker.C:
				if _, err := r.RelayOnce(ctx); err != nil {
					logger.Ctx(ctx).Error().Err(err).Msg("outbox relay run failed")
				}
			}
		}
	}()
}

// Wait 阻塞直到搬运循环退出。
func (r *OutboxRelay) Wait() {
	r.wg.Wait()
}

// RelayOnce 搬运一批未发布事件，返回成功发布的数量。
// 按创建顺序逐条发布，保证同一库存行的事件顺序。
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "relay.RelayOnce")
	defer span.End()

	records, err := r.outbox.FindUnpublished(ctx, r.batchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	outboxBacklog.Set(float64(len(records)))
	if len(records) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("relay.batch", len(records)))

	published := 0
	for _, record := range records {
		if record.Attempts >= r.maxAttempts {
			// 不丢事件，只降噪：超限后继续留在发件箱，等人工处理
			if record.Attempts == r.maxAttempts {
				logger.Ctx(ctx).Error().
					Str("event_id", record.ID).
					Str("event_type", record.EventType).
					Int("attempts", record.Attempts).
					Msg("CRITICAL: outbox event exceeded max publish attempts")
			}
			continue
		}

		if err := r.sink.Publish(ctx, record.Key, record.Payload); err != nil {
			logger.Ctx(ctx).Warn().Err(err).
				Str("event_id", record.ID).
				Str("event_type", record.EventType).
				Msg("event publish failed, will retry")
			if markErr := r.outbox.MarkAttempt(ctx, record.ID); markErr != nil {
				logger.Ctx(ctx).Error().Err(markErr).Str("event_id", record.ID).Msg("failed to record publish attempt")
			}
			// 总线大概率整体不可用，本轮剩下的留给下一轮
			break
		}

		if err := r.outbox.MarkPublished(ctx, record.ID); err != nil {
			// 事件已经上了总线但标记失败，下一轮会重发同一 eventId，
			// 由消费方去重兜底
			logger.Ctx(ctx).Error().Err(err).Str("event_id", record.ID).Msg("failed to mark event published")
			break
		}
		published++
		outboxPublished.Inc()

		if r.observer != nil {
			r.observer.Notify(record.Payload)
		}
	}
	return published, nil
}
