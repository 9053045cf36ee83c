// internal/service/stock/infrastructure/kafka_producer.go
package infrastructure

import (
	"context"

	"github.com/segmentio/kafka-go"

	"stocknexus/internal/pkg/mq"
)

// KafkaEventSink 把发件箱中继的发布请求落到 stock-events 主题。
// 消息 Key 用库存行 ID，经 Hash Balancer 保证同一库存行的事件有序。
type KafkaEventSink struct {
	writer *kafka.Writer
}

func NewKafkaEventSink(writer *kafka.Writer) *KafkaEventSink {
	return &KafkaEventSink{writer: writer}
}

func (s *KafkaEventSink) Publish(ctx context.Context, key string, payload []byte) error {
	return mq.ProduceMessage(ctx, s.writer, []byte(key), payload)
}
