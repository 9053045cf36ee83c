// internal/service/stock/domain/reservation.go
package domain

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ReservationStatus 定义了预占的生命周期状态
type ReservationStatus string

const (
	StatusPending   ReservationStatus = "PENDING"   // 持有中，等待支付结果
	StatusCommitted ReservationStatus = "COMMITTED" // 已提交，数量永久出库
	StatusCancelled ReservationStatus = "CANCELLED" // 已取消，数量已归还
	StatusExpired   ReservationStatus = "EXPIRED"   // 超时过期，数量已归还
)

// Reservation 是对某条 StockRecord 的限时持有，和一个外部订单绑定。
// 状态机是封闭的: PENDING -> COMMITTED | CANCELLED | EXPIRED，
// 终态一旦写入不可再变。所有流转方法都要求起始状态仍为 PENDING，
// 配合仓储层的条件更新构成对 status 字段的 CAS。
type Reservation struct {
	ID            string
	OrderID       string
	StockRecordID string
	Quantity      int
	Status        ReservationStatus

	ReservedAt  time.Time
	ExpiresAt   time.Time
	CommittedAt sql.NullTime
	CancelledAt sql.NullTime

	// 取消或过期的原因，写进释放流水的 reference
	ReleaseReason string
}

// NewReservation 创建一个新的 PENDING 预占。
func NewReservation(orderID, stockRecordID string, quantity int, ttl time.Duration) (*Reservation, error) {
	if orderID == "" || stockRecordID == "" {
		return nil, errors.New("orderID and stockRecordID are required")
	}
	if quantity <= 0 {
		return nil, errors.New("reservation quantity must be positive")
	}
	if ttl <= 0 {
		return nil, errors.New("reservation ttl must be positive")
	}
	now := time.Now()
	return &Reservation{
		ID:            uuid.New().String(),
		OrderID:       orderID,
		StockRecordID: stockRecordID,
		Quantity:      quantity,
		Status:        StatusPending,
		ReservedAt:    now,
		ExpiresAt:     now.Add(ttl),
	}, nil
}

// Commit 将预占流转为 COMMITTED。只允许从 PENDING 出发。
func (r *Reservation) Commit(now time.Time) error {
	if r.Status != StatusPending {
		return errors.Wrapf(ErrInvalidState, "reservation %s: commit from %s", r.ID, r.Status)
	}
	r.Status = StatusCommitted
	r.CommittedAt = sql.NullTime{Time: now, Valid: true}
	return nil
}

// Cancel 将预占流转为 CANCELLED。只允许从 PENDING 出发。
func (r *Reservation) Cancel(now time.Time, reason string) error {
	if r.Status != StatusPending {
		return errors.Wrapf(ErrInvalidState, "reservation %s: cancel from %s", r.ID, r.Status)
	}
	r.Status = StatusCancelled
	r.CancelledAt = sql.NullTime{Time: now, Valid: true}
	r.ReleaseReason = reason
	return nil
}

// Expire 将预占流转为 EXPIRED，只由清理器调用。只允许从 PENDING 出发。
func (r *Reservation) Expire(now time.Time) error {
	if r.Status != StatusPending {
		return errors.Wrapf(ErrInvalidState, "reservation %s: expire from %s", r.ID, r.Status)
	}
	r.Status = StatusExpired
	r.CancelledAt = sql.NullTime{Time: now, Valid: true}
	r.ReleaseReason = "ttl expired"
	return nil
}

// IsTerminal 判断预占是否已到终态。
func (r *Reservation) IsTerminal() bool {
	return r.Status != StatusPending
}

// IsActive 判断预占是否还占着唯一性约束的坑位。
// PENDING 和 COMMITTED 都算活跃：同一订单对同一库存行不允许再开新预占。
func (r *Reservation) IsActive() bool {
	return r.Status == StatusPending || r.Status == StatusCommitted
}
