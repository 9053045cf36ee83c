// internal/service/stock/infrastructure/kafka_consumer.go
package infrastructure

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"stocknexus/internal/pkg/logger"
	"stocknexus/internal/pkg/mq"
	"stocknexus/internal/service/stock/application"
	"stocknexus/internal/service/stock/domain"
)

// OrderConsumerAdapter 是驱动适配器：监听订单域的事件主题，
// 把 order.created / payment.* / order.cancelled 映射到应用服务。
// 用 FetchMessage + 手动 CommitMessages，处理失败的消息进 DLQ 后照常
// 提交 Offset，保证消费进度不被坏消息卡死。
type OrderConsumerAdapter struct {
	reader         *kafka.Reader
	appSvc         *application.StockApplicationService
	failureHandler *mq.FailureHandler
	wg             sync.WaitGroup
	stopped        bool
}

func NewOrderConsumerAdapter(reader *kafka.Reader, appSvc *application.StockApplicationService, failureHandler *mq.FailureHandler) *OrderConsumerAdapter {
	return &OrderConsumerAdapter{
		reader:         reader,
		appSvc:         appSvc,
		failureHandler: failureHandler,
	}
}

// Start 开始监听订单事件主题。这是一个长期运行的方法。
func (a *OrderConsumerAdapter) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", a.reader.Config().Topic).Msg("order event consumer started")
		for {
			if a.stopped {
				return
			}
			// 用 FetchMessage 而不是 ReadMessage，以便手动控制 Offset 提交
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Ctx(ctx).Info().Msg("order event consumer shutting down")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Msg("could not fetch message, retrying")
				time.Sleep(1 * time.Second) // 避免快速失败循环
				continue
			}

			a.processMessage(ctx, msg)

			if err := a.reader.CommitMessages(ctx, msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("failed to commit offset")
			}
		}
	}()
}

// Stop 优雅地停止消费者。
func (a *OrderConsumerAdapter) Stop() {
	a.stopped = true
	a.reader.Close()
	a.wg.Wait()
}

// processMessage 重建链路上下文、按事件类型分发，失败的消息交给 DLQ。
func (a *OrderConsumerAdapter) processMessage(parentCtx context.Context, msg kafka.Message) {
	propagator := otel.GetTextMapPropagator()
	headerCarrier := mq.KafkaHeaderCarrier(msg.Headers)
	ctx := propagator.Extract(parentCtx, &headerCarrier)

	var envelope domain.EventEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		// 信封都解不开的消息没有重试价值，直接进 DLQ
		a.failureHandler.Handle(ctx, msg, err)
		return
	}

	if err := a.dispatch(ctx, &envelope); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("event_id", envelope.EventID).
			Str("event_type", envelope.Type).
			Msg("failed to handle order event")
		a.failureHandler.Handle(ctx, msg, err)
	}
}

func (a *OrderConsumerAdapter) dispatch(ctx context.Context, envelope *domain.EventEnvelope) error {
	switch envelope.Type {
	case domain.EventOrderCreated:
		var payload domain.OrderCreatedPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return err
		}
		return a.appSvc.HandleOrderCreated(ctx, &payload)

	case domain.EventPaymentSuccessful:
		var payload domain.OrderRefPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return err
		}
		return a.appSvc.HandlePaymentSuccessful(ctx, &payload)

	case domain.EventPaymentFailed:
		var payload domain.OrderRefPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return err
		}
		return a.appSvc.HandleOrderReleased(ctx, &payload, "payment failed")

	case domain.EventOrderCancelled:
		var payload domain.OrderRefPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return err
		}
		return a.appSvc.HandleOrderReleased(ctx, &payload, "order cancelled")

	default:
		// 同一主题上可能还有本服务不关心的事件，忽略即可
		logger.Ctx(ctx).Debug().Str("event_type", envelope.Type).Msg("ignoring unrelated event")
		return nil
	}
}
