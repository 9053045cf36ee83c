// internal/service/stock/infrastructure/gorm_repository.go
package infrastructure

import (
	"context"
	"errors"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	pkgerrors "github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"stocknexus/internal/service/stock/domain"
)

// MySQL 错误码：行锁竞争映射为可重试的 ErrContention，
// 唯一键冲突映射为幂等处理路径。
const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// OpenDB 建立 MySQL 连接并迁移表结构。
func OpenDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to connect to mysql")
	}
	if err := db.AutoMigrate(&StockRecordModel{}, &ReservationModel{}, &StockMovementModel{}, &OutboxModel{}); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to migrate schema")
	}
	return db, nil
}

// txKey 在 context 中携带当前事务，让仓储方法对事务边界无感。
type txKey struct{}

// GormUnitOfWork 用一个 GORM 事务包住 fn 的全部读写。
type GormUnitOfWork struct {
	db *gorm.DB
}

func NewGormUnitOfWork(db *gorm.DB) *GormUnitOfWork {
	return &GormUnitOfWork{db: db}
}

func (u *GormUnitOfWork) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// dbFrom 返回当前应使用的句柄：事务内用事务句柄，事务外用根句柄。
func dbFrom(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return fallback.WithContext(ctx)
}

// translateError 把驱动层错误翻译成领域错误。
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.WithStack(domain.ErrNotFound)
	}
	var mysqlErr *mysqldriver.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrLockWaitTimeout, mysqlErrDeadlock:
			return pkgerrors.Wrap(domain.ErrContention, mysqlErr.Message)
		case mysqlErrDuplicateEntry:
			return pkgerrors.Wrap(domain.ErrDuplicateReservation, mysqlErr.Message)
		}
	}
	return err
}

// GormStockRepository 是 StockRepository 的 GORM 实现
type GormStockRepository struct {
	db *gorm.DB
}

func NewGormStockRepository(db *gorm.DB) *GormStockRepository {
	return &GormStockRepository{db: db}
}

func (r *GormStockRepository) FindByID(ctx context.Context, id string) (*domain.StockRecord, error) {
	var model StockRecordModel
	if err := dbFrom(ctx, r.db).First(&model, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return toDomainStockRecord(&model), nil
}

// FindByIDForUpdate 行锁读取，账本读改写的串行化点。
// 必须在 UnitOfWork.Execute 的事务内调用，否则锁没有意义。
func (r *GormStockRepository) FindByIDForUpdate(ctx context.Context, id string) (*domain.StockRecord, error) {
	var model StockRecordModel
	err := dbFrom(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&model, "id = ?", id).Error
	if err != nil {
		return nil, translateError(err)
	}
	return toDomainStockRecord(&model), nil
}

func (r *GormStockRepository) FindByVariant(ctx context.Context, productVariant string) ([]*domain.StockRecord, error) {
	var models []StockRecordModel
	err := dbFrom(ctx, r.db).
		Where("product_variant = ?", productVariant).
		Order("warehouse_id").
		Find(&models).Error
	if err != nil {
		return nil, translateError(err)
	}
	records := make([]*domain.StockRecord, 0, len(models))
	for i := range models {
		records = append(records, toDomainStockRecord(&models[i]))
	}
	return records, nil
}

func (r *GormStockRepository) Save(ctx context.Context, record *domain.StockRecord) error {
	err := dbFrom(ctx, r.db).
		Model(&StockRecordModel{}).
		Where("id = ?", record.ID).
		Updates(map[string]interface{}{
			"available":  record.Available,
			"reserved":   record.Reserved,
			"total":      record.Total,
			"updated_at": record.UpdatedAt,
		}).Error
	return translateError(err)
}

// Create 建档一条新的库存行（管理/初始化路径）。
func (r *GormStockRepository) Create(ctx context.Context, record *domain.StockRecord) error {
	return translateError(dbFrom(ctx, r.db).Create(toStockRecordModel(record)).Error)
}

func (r *GormStockRepository) AppendMovement(ctx context.Context, movement *domain.StockMovement) error {
	model := &StockMovementModel{
		ID:            movement.ID,
		StockRecordID: movement.StockRecordID,
		Type:          string(movement.Type),
		Quantity:      movement.Quantity,
		Reference:     movement.Reference,
		PerformedBy:   movement.PerformedBy,
		RecordedAt:    movement.RecordedAt,
	}
	return translateError(dbFrom(ctx, r.db).Create(model).Error)
}

// GormReservationRepository 是 ReservationRepository 的 GORM 实现
type GormReservationRepository struct {
	db *gorm.DB
}

func NewGormReservationRepository(db *gorm.DB) *GormReservationRepository {
	return &GormReservationRepository{db: db}
}

func (r *GormReservationRepository) FindByID(ctx context.Context, id string) (*domain.Reservation, error) {
	var model ReservationModel
	if err := dbFrom(ctx, r.db).First(&model, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return toDomainReservation(&model), nil
}

func (r *GormReservationRepository) FindActiveByOrder(ctx context.Context, orderID, stockRecordID string) (*domain.Reservation, error) {
	var model ReservationModel
	err := dbFrom(ctx, r.db).
		Where("order_id = ? AND stock_record_id = ? AND status IN ?",
			orderID, stockRecordID, []string{string(domain.StatusPending), string(domain.StatusCommitted)}).
		First(&model).Error
	if err != nil {
		return nil, translateError(err)
	}
	return toDomainReservation(&model), nil
}

func (r *GormReservationRepository) FindByOrder(ctx context.Context, orderID string) ([]*domain.Reservation, error) {
	var models []ReservationModel
	err := dbFrom(ctx, r.db).
		Where("order_id = ?", orderID).
		Order("reserved_at").
		Find(&models).Error
	if err != nil {
		return nil, translateError(err)
	}
	reservations := make([]*domain.Reservation, 0, len(models))
	for i := range models {
		reservations = append(reservations, toDomainReservation(&models[i]))
	}
	return reservations, nil
}

func (r *GormReservationRepository) Create(ctx context.Context, reservation *domain.Reservation) error {
	return translateError(dbFrom(ctx, r.db).Create(toReservationModel(reservation)).Error)
}

// UpdateWithStatusCheck 条件更新：WHERE status = expect。
// RowsAffected == 0 说明状态已被并发流转抢先，这就是状态机的持久化 CAS。
func (r *GormReservationRepository) UpdateWithStatusCheck(ctx context.Context, reservation *domain.Reservation, expect domain.ReservationStatus) (bool, error) {
	var active interface{}
	if flag := activeFlag(reservation); flag != nil {
		active = *flag
	}
	result := dbFrom(ctx, r.db).
		Model(&ReservationModel{}).
		Where("id = ? AND status = ?", reservation.ID, string(expect)).
		Updates(map[string]interface{}{
			"status":         string(reservation.Status),
			"active":         active,
			"committed_at":   reservation.CommittedAt,
			"cancelled_at":   reservation.CancelledAt,
			"release_reason": reservation.ReleaseReason,
		})
	if result.Error != nil {
		return false, translateError(result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *GormReservationRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	var models []ReservationModel
	err := dbFrom(ctx, r.db).
		Where("status = ? AND expires_at <= ?", string(domain.StatusPending), now).
		Order("expires_at").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, translateError(err)
	}
	reservations := make([]*domain.Reservation, 0, len(models))
	for i := range models {
		reservations = append(reservations, toDomainReservation(&models[i]))
	}
	return reservations, nil
}

// GormOutboxRepository 是 OutboxRepository 的 GORM 实现
type GormOutboxRepository struct {
	db *gorm.DB
}

func NewGormOutboxRepository(db *gorm.DB) *GormOutboxRepository {
	return &GormOutboxRepository{db: db}
}

func (r *GormOutboxRepository) Enqueue(ctx context.Context, record *domain.OutboxRecord) error {
	return translateError(dbFrom(ctx, r.db).Create(toOutboxModel(record)).Error)
}

func (r *GormOutboxRepository) FindUnpublished(ctx context.Context, limit int) ([]*domain.OutboxRecord, error) {
	var models []OutboxModel
	err := dbFrom(ctx, r.db).
		Where("published_at IS NULL").
		Order("created_at").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, translateError(err)
	}
	records := make([]*domain.OutboxRecord, 0, len(models))
	for i := range models {
		records = append(records, toDomainOutboxRecord(&models[i]))
	}
	return records, nil
}

func (r *GormOutboxRepository) MarkPublished(ctx context.Context, id string) error {
	err := dbFrom(ctx, r.db).
		Model(&OutboxModel{}).
		Where("id = ?", id).
		Update("published_at", time.Now()).Error
	return translateError(err)
}

func (r *GormOutboxRepository) MarkAttempt(ctx context.Context, id string) error {
	err := dbFrom(ctx, r.db).
		Model(&OutboxModel{}).
		Where("id = ?", id).
		Update("attempts", gorm.Expr("attempts + 1")).Error
	return translateError(err)
}
