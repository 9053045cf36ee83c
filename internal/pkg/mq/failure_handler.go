// internal/pkg/mq/failure_handler.go
package mq

import (
	"context"

	"github.com/segmentio/kafka-go"

	"stocknexus/internal/pkg/logger"
)

// FailureHandler 把处理失败的消息转发到死信队列（DLQ），
// 避免一条坏消息阻塞整个分区的消费。
type FailureHandler struct {
	dlqWriter *kafka.Writer
}

func NewFailureHandler(dlqWriter *kafka.Writer) *FailureHandler {
	return &FailureHandler{dlqWriter: dlqWriter}
}

// Handle 将原始消息连同失败原因写入 DLQ。
// DLQ 本身写入失败时只能记日志，由运维介入。
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, processingErr error) {
	headers := append(msg.Headers,
		kafka.Header{Key: "x-original-topic", Value: []byte(msg.Topic)},
		kafka.Header{Key: "x-failure-reason", Value: []byte(processingErr.Error())},
	)

	err := h.dlqWriter.WriteMessages(ctx, kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("original_topic", msg.Topic).
			Msg("CRITICAL: failed to forward message to DLQ, message is lost")
		return
	}
	logger.Ctx(ctx).Warn().
		Str("original_topic", msg.Topic).
		Err(processingErr).
		Msg("message forwarded to DLQ")
}
