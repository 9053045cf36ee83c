// internal/service/stock/domain/repository.go
package domain

import (
	"context"
	"time"
)

// UnitOfWork 把一段读改写逻辑包进一个数据库事务。
// fn 返回错误时整个事务回滚，账本、预占、流水、发件箱要么全部落库要么全不落库。
type UnitOfWork interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// StockRepository 定义了库存账本的持久化接口。
// 它位于领域层，但由基础设施层实现。
type StockRepository interface {
	// FindByID 普通读取，不加锁。
	FindByID(ctx context.Context, id string) (*StockRecord, error)

	// FindByIDForUpdate 行锁读取（SELECT ... FOR UPDATE 或等价物）。
	// 只能在 UnitOfWork.Execute 内调用，这是账本唯一的串行化点。
	FindByIDForUpdate(ctx context.Context, id string) (*StockRecord, error)

	// FindByVariant 返回某个商品规格在所有仓库的记录，分配器规划用。
	FindByVariant(ctx context.Context, productVariant string) ([]*StockRecord, error)

	// Save 回写计数器变更。
	Save(ctx context.Context, record *StockRecord) error

	// AppendMovement 追加一条流水，与 Save 处于同一事务。
	AppendMovement(ctx context.Context, movement *StockMovement) error
}

// ReservationRepository 定义了预占的持久化接口。
type ReservationRepository interface {
	FindByID(ctx context.Context, id string) (*Reservation, error)

	// FindActiveByOrder 查找该订单在该库存行上的活跃预占（PENDING/COMMITTED），
	// 幂等 reserve 的第一道防线；第二道是 (order_id, stock_record_id) 唯一索引。
	FindActiveByOrder(ctx context.Context, orderID, stockRecordID string) (*Reservation, error)

	// FindByOrder 返回该订单的全部预占，支付结果处理时逐条提交或取消。
	FindByOrder(ctx context.Context, orderID string) ([]*Reservation, error)

	Create(ctx context.Context, reservation *Reservation) error

	// UpdateWithStatusCheck 条件更新：只有数据库中的状态仍为 expect 时才写入，
	// 返回 false 表示已被并发流转抢先。这是状态机 CAS 的持久化形态。
	UpdateWithStatusCheck(ctx context.Context, reservation *Reservation, expect ReservationStatus) (bool, error)

	// FindExpired 返回 expires_at <= now 的 PENDING 预占，限量，清理器用。
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*Reservation, error)
}

// OutboxRepository 定义了发件箱的持久化接口。
type OutboxRepository interface {
	// Enqueue 在当前事务中写入一条待发布事件。
	Enqueue(ctx context.Context, record *OutboxRecord) error

	// FindUnpublished 返回尚未发布的事件，按创建时间排序。
	FindUnpublished(ctx context.Context, limit int) ([]*OutboxRecord, error)

	// MarkPublished 标记发布成功。
	MarkPublished(ctx context.Context, id string) error

	// MarkAttempt 记录一次失败的发布尝试。
	MarkAttempt(ctx context.Context, id string) error
}
