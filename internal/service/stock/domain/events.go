// internal/service/stock/domain/events.go
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// 出站事件类型，发布到 stock-events 主题。
// 消费方按 eventId 去重（at-least-once 投递）。
const (
	EventStockReserved  = "stock.reserved"
	EventStockCommitted = "stock.committed"
	EventStockReleased  = "stock.released"
	EventStockLow       = "stock.low"
)

// 入站事件类型，从 order-events 主题消费。
const (
	EventOrderCreated      = "order.created"
	EventPaymentSuccessful = "payment.successful"
	EventPaymentFailed     = "payment.failed"
	EventOrderCancelled    = "order.cancelled"
)

// EventEnvelope 是消息总线上统一的信封格式。
type EventEnvelope struct {
	EventID    string          `json:"eventId"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// StockReservedPayload 库存预占成功
type StockReservedPayload struct {
	ReservationID string    `json:"reservationId"`
	OrderID       string    `json:"orderId"`
	StockRecordID string    `json:"stockRecordId"`
	Quantity      int       `json:"quantity"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// StockCommittedPayload 预占已提交，数量永久出库
type StockCommittedPayload struct {
	ReservationID string `json:"reservationId"`
}

// StockReleasedPayload 预占被取消或过期，数量已归还
type StockReleasedPayload struct {
	ReservationID string `json:"reservationId"`
	Reason        string `json:"reason"`
}

// StockLowPayload 可用库存触达补货点
type StockLowPayload struct {
	StockRecordID string `json:"stockRecordId"`
	Available     int    `json:"available"`
	ReorderPoint  int    `json:"reorderPoint"`
}

// OrderCreatedPayload 订单创建，驱动规划 + 预占
type OrderCreatedPayload struct {
	OrderID string             `json:"orderId"`
	Items   []OrderCreatedItem `json:"items"`
	Region  string             `json:"region"`
}

type OrderCreatedItem struct {
	ProductVariant string `json:"productVariant"`
	Quantity       int    `json:"quantity"`
}

// OrderRefPayload 只携带订单号的生命周期事件（支付结果、订单取消）
type OrderRefPayload struct {
	OrderID string `json:"orderId"`
}

// OutboxRecord 是发件箱的一行：和账本变更写在同一个事务里，
// 由后台中继发布到消息总线后标记 published。
// 事务提交之前事件绝不可见；发布失败只影响重试，绝不回滚账本。
type OutboxRecord struct {
	ID          string
	EventType   string
	Key         string // Kafka 分区键，通常是 stockRecordID
	Payload     []byte
	Attempts    int
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// NewOutboxRecord 打包一条待发布事件。payload 序列化失败视为编程错误。
func NewOutboxRecord(eventType, key string, payload interface{}) (*OutboxRecord, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	envelope := EventEnvelope{
		EventID:    uuid.New().String(),
		Type:       eventType,
		OccurredAt: time.Now(),
		Payload:    body,
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	return &OutboxRecord{
		ID:        envelope.EventID,
		EventType: eventType,
		Key:       key,
		Payload:   raw,
		CreatedAt: envelope.OccurredAt,
	}, nil
}
