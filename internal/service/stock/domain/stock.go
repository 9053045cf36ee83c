// internal/service/stock/domain/stock.go
package domain

import (
	"time"

	"github.com/pkg/errors"
)

// StockRecord 是库存账本的根实体，每个 (商品规格, 仓库) 一行。
// 不变式: Available + Reserved == Total，且两者永远非负。
// 所有计数变更必须通过下面的方法完成，并且只能发生在协调器的事务内。
type StockRecord struct {
	ID             string
	ProductVariant string
	WarehouseID    string

	// 仓库属性，分配器排序时使用
	Region   string
	Priority int // 数值越小优先级越高

	Available int
	Reserved  int
	Total     int

	ReorderPoint    int
	ReorderQuantity int

	UpdatedAt time.Time
}

// Hold 预占 qty 个可用库存：Available -> Reserved。
func (r *StockRecord) Hold(qty int) error {
	if qty <= 0 {
		return errors.New("hold quantity must be positive")
	}
	if r.Available < qty {
		return errors.Wrapf(ErrInsufficientStock, "record %s: available %d, requested %d", r.ID, r.Available, qty)
	}
	r.Available -= qty
	r.Reserved += qty
	r.touch()
	return nil
}

// Release 归还 qty 个预占库存：Reserved -> Available。
// 取消和过期走这条路。
func (r *StockRecord) Release(qty int) error {
	if qty <= 0 {
		return errors.New("release quantity must be positive")
	}
	if r.Reserved < qty {
		return errors.Errorf("record %s: cannot release %d, only %d reserved", r.ID, qty, r.Reserved)
	}
	r.Reserved -= qty
	r.Available += qty
	r.touch()
	return nil
}

// Consume 将 qty 个预占库存变为已出库：Reserved 和 Total 同时扣减。
// 提交预占时调用，数量从此离开账本，Available 不受影响。
func (r *StockRecord) Consume(qty int) error {
	if qty <= 0 {
		return errors.New("consume quantity must be positive")
	}
	if r.Reserved < qty {
		return errors.Errorf("record %s: cannot consume %d, only %d reserved", r.ID, qty, r.Reserved)
	}
	r.Reserved -= qty
	r.Total -= qty
	r.touch()
	return nil
}

// Receive 入库 qty 个库存：Available 和 Total 同时增加。
// 进货、退货、调拨入库走这条路。
func (r *StockRecord) Receive(qty int) error {
	if qty <= 0 {
		return errors.New("receive quantity must be positive")
	}
	r.Available += qty
	r.Total += qty
	r.touch()
	return nil
}

// Adjust 按带符号的 delta 修正可用库存（盘点修正、破损核销）。
func (r *StockRecord) Adjust(delta int) error {
	if delta == 0 {
		return errors.New("adjustment delta must be non-zero")
	}
	if r.Available+delta < 0 {
		return errors.Wrapf(ErrInsufficientStock, "record %s: adjustment %d would drive available %d negative", r.ID, delta, r.Available)
	}
	r.Available += delta
	r.Total += delta
	r.touch()
	return nil
}

// IsLow 判断是否触达补货点。
func (r *StockRecord) IsLow() bool {
	return r.Available <= r.ReorderPoint
}

// CheckInvariant 校验账本不变式，仅用于测试和防御性断言。
func (r *StockRecord) CheckInvariant() error {
	if r.Available < 0 || r.Reserved < 0 {
		return errors.Errorf("record %s: negative counters (available=%d reserved=%d)", r.ID, r.Available, r.Reserved)
	}
	if r.Available+r.Reserved != r.Total {
		return errors.Errorf("record %s: available(%d) + reserved(%d) != total(%d)", r.ID, r.Available, r.Reserved, r.Total)
	}
	return nil
}

func (r *StockRecord) touch() {
	r.UpdatedAt = time.Now()
}
