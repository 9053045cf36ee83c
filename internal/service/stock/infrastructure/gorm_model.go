// internal/service/stock/infrastructure/gorm_model.go
package infrastructure

import (
	"database/sql"
	"time"
)

// StockRecordModel 对应数据库中的 stock_record 表
type StockRecordModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	ProductVariant string `gorm:"size:64;index:idx_variant;uniqueIndex:uniq_variant_warehouse,priority:1"`
	WarehouseID    string `gorm:"size:64;uniqueIndex:uniq_variant_warehouse,priority:2"`
	Region         string `gorm:"size:32"`
	Priority       int

	Available int
	Reserved  int
	Total     int

	ReorderPoint    int
	ReorderQuantity int

	UpdatedAt time.Time
}

// TableName 指定 GORM 应该使用的表名
func (StockRecordModel) TableName() string {
	return "stock_record"
}

// ReservationModel 对应数据库中的 stock_reservation 表。
// Active 列是活跃预占唯一性约束的实现手段：MySQL 没有部分索引，
// 复合唯一索引里的 NULL 不参与去重，所以终态预占把 Active 置 NULL，
// 同一 (order_id, stock_record_id) 就可以再次预占。
type ReservationModel struct {
	ID            string `gorm:"primaryKey;size:64"`
	OrderID       string `gorm:"size:64;uniqueIndex:uniq_order_record,priority:1;index:idx_order"`
	StockRecordID string `gorm:"size:64;uniqueIndex:uniq_order_record,priority:2"`
	Quantity      int
	Status        string `gorm:"size:16;index:idx_status_expiry,priority:1"`
	Active        *uint8 `gorm:"uniqueIndex:uniq_order_record,priority:3"`

	ReservedAt    time.Time
	ExpiresAt     time.Time `gorm:"index:idx_status_expiry,priority:2"`
	CommittedAt   sql.NullTime
	CancelledAt   sql.NullTime
	ReleaseReason string `gorm:"size:191"`
}

// TableName 指定 GORM 应该使用的表名
func (ReservationModel) TableName() string {
	return "stock_reservation"
}

// StockMovementModel 对应数据库中的 stock_movement 表。
// 只追加，不更新，不删除。
type StockMovementModel struct {
	ID            string `gorm:"primaryKey;size:64"`
	StockRecordID string `gorm:"size:64;index:idx_record_time,priority:1"`
	Type          string `gorm:"size:16"`
	Quantity      int
	Reference     string    `gorm:"size:191"`
	PerformedBy   string    `gorm:"size:64"`
	RecordedAt    time.Time `gorm:"index:idx_record_time,priority:2"`
}

// TableName 指定 GORM 应该使用的表名
func (StockMovementModel) TableName() string {
	return "stock_movement"
}

// OutboxModel 对应数据库中的 stock_outbox 表
type OutboxModel struct {
	ID          string `gorm:"primaryKey;size:64"`
	EventType   string `gorm:"size:32"`
	MessageKey  string `gorm:"size:64"`
	Payload     []byte `gorm:"type:blob"`
	Attempts    int
	CreatedAt   time.Time    `gorm:"index:idx_unpublished,priority:2"`
	PublishedAt sql.NullTime `gorm:"index:idx_unpublished,priority:1"`
}

// TableName 指定 GORM 应该使用的表名
func (OutboxModel) TableName() string {
	return "stock_outbox"
}
