// internal/service/stock/infrastructure/mapper.go
package infrastructure

import (
	"database/sql"

	"stocknexus/internal/service/stock/domain"
)

func toDomainStockRecord(m *StockRecordModel) *domain.StockRecord {
	return &domain.StockRecord{
		ID:              m.ID,
		ProductVariant:  m.ProductVariant,
		WarehouseID:     m.WarehouseID,
		Region:          m.Region,
		Priority:        m.Priority,
		Available:       m.Available,
		Reserved:        m.Reserved,
		Total:           m.Total,
		ReorderPoint:    m.ReorderPoint,
		ReorderQuantity: m.ReorderQuantity,
		UpdatedAt:       m.UpdatedAt,
	}
}

func toStockRecordModel(r *domain.StockRecord) *StockRecordModel {
	return &StockRecordModel{
		ID:              r.ID,
		ProductVariant:  r.ProductVariant,
		WarehouseID:     r.WarehouseID,
		Region:          r.Region,
		Priority:        r.Priority,
		Available:       r.Available,
		Reserved:        r.Reserved,
		Total:           r.Total,
		ReorderPoint:    r.ReorderPoint,
		ReorderQuantity: r.ReorderQuantity,
		UpdatedAt:       r.UpdatedAt,
	}
}

func toDomainReservation(m *ReservationModel) *domain.Reservation {
	return &domain.Reservation{
		ID:            m.ID,
		OrderID:       m.OrderID,
		StockRecordID: m.StockRecordID,
		Quantity:      m.Quantity,
		Status:        domain.ReservationStatus(m.Status),
		ReservedAt:    m.ReservedAt,
		ExpiresAt:     m.ExpiresAt,
		CommittedAt:   m.CommittedAt,
		CancelledAt:   m.CancelledAt,
		ReleaseReason: m.ReleaseReason,
	}
}

func toReservationModel(r *domain.Reservation) *ReservationModel {
	return &ReservationModel{
		ID:            r.ID,
		OrderID:       r.OrderID,
		StockRecordID: r.StockRecordID,
		Quantity:      r.Quantity,
		Status:        string(r.Status),
		Active:        activeFlag(r),
		ReservedAt:    r.ReservedAt,
		ExpiresAt:     r.ExpiresAt,
		CommittedAt:   r.CommittedAt,
		CancelledAt:   r.CancelledAt,
		ReleaseReason: r.ReleaseReason,
	}
}

// activeFlag 把活跃状态映射到唯一索引参与列：
// 活跃(PENDING/COMMITTED)为 1，终态为 NULL（NULL 不参与唯一性去重）。
func activeFlag(r *domain.Reservation) *uint8 {
	if r.IsActive() {
		one := uint8(1)
		return &one
	}
	return nil
}

func toOutboxModel(r *domain.OutboxRecord) *OutboxModel {
	m := &OutboxModel{
		ID:         r.ID,
		EventType:  r.EventType,
		MessageKey: r.Key,
		Payload:    r.Payload,
		Attempts:   r.Attempts,
		CreatedAt:  r.CreatedAt,
	}
	if r.PublishedAt != nil {
		m.PublishedAt = sql.NullTime{Time: *r.PublishedAt, Valid: true}
	}
	return m
}

func toDomainOutboxRecord(m *OutboxModel) *domain.OutboxRecord {
	r := &domain.OutboxRecord{
		ID:        m.ID,
		EventType: m.EventType,
		Key:       m.MessageKey,
		Payload:   m.Payload,
		Attempts:  m.Attempts,
		CreatedAt: m.CreatedAt,
	}
	if m.PublishedAt.Valid {
		t := m.PublishedAt.Time
		r.PublishedAt = &t
	}
	return r
}
