// internal/service/stock/application/dto.go
package application

import (
	"time"

	"stocknexus/internal/service/stock/domain"
)

// AvailabilityResponse 是 checkAvailability 查询的输出。
// 可用量不足时 Available 为 false，Plan 为空。
type AvailabilityResponse struct {
	Available bool                   `json:"available"`
	Plan      *domain.AllocationPlan `json:"plan,omitempty"`
}

// ReservationView 是对外暴露的预占视图。
type ReservationView struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"orderId"`
	StockRecordID string     `json:"stockRecordId"`
	Quantity      int        `json:"quantity"`
	Status        string     `json:"status"`
	ReservedAt    time.Time  `json:"reservedAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	CommittedAt   *time.Time `json:"committedAt,omitempty"`
	CancelledAt   *time.Time `json:"cancelledAt,omitempty"`
}

// ToReservationView 把领域实体转换为对外视图。
func ToReservationView(r *domain.Reservation) *ReservationView {
	view := &ReservationView{
		ID:            r.ID,
		OrderID:       r.OrderID,
		StockRecordID: r.StockRecordID,
		Quantity:      r.Quantity,
		Status:        string(r.Status),
		ReservedAt:    r.ReservedAt,
		ExpiresAt:     r.ExpiresAt,
	}
	if r.CommittedAt.Valid {
		t := r.CommittedAt.Time
		view.CommittedAt = &t
	}
	if r.CancelledAt.Valid {
		t := r.CancelledAt.Time
		view.CancelledAt = &t
	}
	return view
}

// AdjustStockRequest 是人工账本变更的输入。
type AdjustStockRequest struct {
	StockRecordID string `json:"stockRecordId"`
	Type          string `json:"type"` // INBOUND / ADJUSTMENT / RETURN / DAMAGE / TRANSFER
	Delta         int    `json:"delta"`
	Reference     string `json:"reference"`
	PerformedBy   string `json:"performedBy"`
}

// AdjustStockResponse 返回变更后的计数器。
type AdjustStockResponse struct {
	StockRecordID string `json:"stockRecordId"`
	Available     int    `json:"available"`
	Reserved      int    `json:"reserved"`
	Total         int    `json:"total"`
}
