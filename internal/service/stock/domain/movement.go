// internal/service/stock/domain/movement.go
package domain

import (
	"time"

	"github.com/google/uuid"
)

// MovementType 标识一条库存流水的业务语义
type MovementType string

const (
	MovementInbound    MovementType = "INBOUND"    // 进货入库
	MovementOutbound   MovementType = "OUTBOUND"   // 出库（预占及其提交）
	MovementAdjustment MovementType = "ADJUSTMENT" // 盘点修正
	MovementTransfer   MovementType = "TRANSFER"   // 仓库间调拨
	MovementReturn     MovementType = "RETURN"     // 退回（含预占释放）
	MovementDamage     MovementType = "DAMAGE"     // 破损核销
)

// StockMovement 是追加写入的库存流水，账本的审计轨迹。
// 一旦写入永不更新、永不删除；每次 StockRecord 变更都必须伴随一条流水。
type StockMovement struct {
	ID            string
	StockRecordID string
	Type          MovementType
	Quantity      int // 带符号，正数增加可用量，负数减少
	Reference     string
	PerformedBy   string
	RecordedAt    time.Time
}

// NewMovement 创建一条新的流水记录。
func NewMovement(stockRecordID string, typ MovementType, quantity int, reference, performedBy string) *StockMovement {
	return &StockMovement{
		ID:            uuid.New().String(),
		StockRecordID: stockRecordID,
		Type:          typ,
		Quantity:      quantity,
		Reference:     reference,
		PerformedBy:   performedBy,
		RecordedAt:    time.Now(),
	}
}
