// internal/service/stock/application/coordinator.go
package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stocknexus/internal/pkg/logger"
	"stocknexus/internal/service/stock/domain"
	"stocknexus/internal/service/stock/domain/port"
)

const systemActor = "stock-coordinator"

// Coordinator 是预占协调器，账本的唯一写入方。
// 每个公开操作都是一个完整的数据库事务：行锁读取 StockRecord，
// 校验并应用计数变更，写预占、流水和发件箱，一起提交。
// 锁只覆盖本地读改写，绝不跨外部 I/O 持有。
type Coordinator struct {
	uow          domain.UnitOfWork
	stocks       domain.StockRepository
	reservations domain.ReservationRepository
	outbox       domain.OutboxRepository
	cache        port.AvailabilityCache // 可为 nil，账本变更后失效对应缓存
	tracer       trace.Tracer

	holdTTL    time.Duration
	maxRetries int // 行锁竞争的最大重试次数
}

func NewCoordinator(
	uow domain.UnitOfWork,
	stocks domain.StockRepository,
	reservations domain.ReservationRepository,
	outbox domain.OutboxRepository,
	cache port.AvailabilityCache,
	tracer trace.Tracer,
	holdTTL time.Duration,
	maxRetries int,
) *Coordinator {
	return &Coordinator{
		uow: uow, stocks: stocks, reservations: reservations, outbox: outbox,
		cache: cache, tracer: tracer, holdTTL: holdTTL, maxRetries: maxRetries,
	}
}

// HoldTTL 返回默认的预占保留时长。
func (c *Coordinator) HoldTTL() time.Duration { return c.holdTTL }

// Reserve 为订单在某条库存行上创建预占。
// 同一 (orderID, stockRecordID) 重复调用是幂等的：已有活跃预占时原样返回，
// 不会重复扣减。可用量不足返回 ErrInsufficientStock，库存行原样不动。
func (c *Coordinator) Reserve(ctx context.Context, orderID, stockRecordID string, quantity int, ttl time.Duration) (*domain.Reservation, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.Reserve")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("stock_record.id", stockRecordID),
		attribute.Int("quantity", quantity),
	)

	if ttl <= 0 {
		ttl = c.holdTTL
	}

	var result *domain.Reservation
	var variant string

	err := c.withContentionRetry(ctx, func(ctx context.Context) error {
		result, variant = nil, ""
		return c.uow.Execute(ctx, func(ctx context.Context) error {
			// 幂等检查：该订单在这条库存行上是否已有活跃预占
			existing, err := c.reservations.FindActiveByOrder(ctx, orderID, stockRecordID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			if existing != nil {
				result = existing
				return nil
			}

			record, err := c.stocks.FindByIDForUpdate(ctx, stockRecordID)
			if err != nil {
				return err
			}
			if err := record.Hold(quantity); err != nil {
				return err
			}

			reservation, err := domain.NewReservation(orderID, stockRecordID, quantity, ttl)
			if err != nil {
				return err
			}

			if err := c.stocks.Save(ctx, record); err != nil {
				return err
			}
			movement := domain.NewMovement(record.ID, domain.MovementOutbound, -quantity,
				"reservation-hold:"+reservation.ID, systemActor)
			if err := c.stocks.AppendMovement(ctx, movement); err != nil {
				return err
			}
			if err := c.reservations.Create(ctx, reservation); err != nil {
				return err
			}

			if err := c.enqueueEvent(ctx, domain.EventStockReserved, record.ID, domain.StockReservedPayload{
				ReservationID: reservation.ID,
				OrderID:       reservation.OrderID,
				StockRecordID: record.ID,
				Quantity:      reservation.Quantity,
				ExpiresAt:     reservation.ExpiresAt,
			}); err != nil {
				return err
			}
			if err := c.enqueueLowStockEvent(ctx, record); err != nil {
				return err
			}

			result = reservation
			variant = record.ProductVariant
			return nil
		})
	})

	// 两个并发请求同时穿过了幂等检查时，唯一索引会拦下后到的一个。
	// 此时事务已回滚，改为读出先到者创建的预占返回。
	if errors.Is(err, domain.ErrDuplicateReservation) {
		existing, lookupErr := c.reservations.FindActiveByOrder(ctx, orderID, stockRecordID)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return existing, nil
	}
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrInsufficientStock) {
			insufficientStockRejections.Inc()
			span.SetStatus(codes.Error, "insufficient stock")
		}
		return nil, err
	}

	if variant != "" {
		// 新预占落库成功，缓存里的可用量已经过期
		c.invalidateCache(ctx, variant)
		reservationsCreated.Inc()
		span.AddEvent("reservation created")
	}
	return result, nil
}

// Commit 把 PENDING 预占提交为 COMMITTED，数量永久出库。
// 对已 COMMITTED 的预占重复提交静默成功（幂等）；
// 对 CANCELLED/EXPIRED 返回 ErrInvalidState。
func (c *Coordinator) Commit(ctx context.Context, reservationID string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.Commit")
	defer span.End()
	span.SetAttributes(attribute.String("reservation.id", reservationID))

	var variant string
	var committed bool

	err := c.withContentionRetry(ctx, func(ctx context.Context) error {
		variant, committed = "", false
		return c.uow.Execute(ctx, func(ctx context.Context) error {
			reservation, err := c.reservations.FindByID(ctx, reservationID)
			if err != nil {
				return err
			}
			if reservation.Status == domain.StatusCommitted {
				// 重试提交直接成功，不再动账本
				return nil
			}

			record, err := c.stocks.FindByIDForUpdate(ctx, reservation.StockRecordID)
			if err != nil {
				return err
			}

			if err := reservation.Commit(time.Now()); err != nil {
				return err
			}
			ok, err := c.reservations.UpdateWithStatusCheck(ctx, reservation, domain.StatusPending)
			if err != nil {
				return err
			}
			if !ok {
				// 状态被并发流转抢先，重试后会观察到终态
				return errors.Wrap(domain.ErrContention, "reservation status changed concurrently")
			}

			if err := record.Consume(reservation.Quantity); err != nil {
				return err
			}
			if err := c.stocks.Save(ctx, record); err != nil {
				return err
			}
			movement := domain.NewMovement(record.ID, domain.MovementOutbound, -reservation.Quantity,
				"reservation-commit:"+reservation.ID, systemActor)
			if err := c.stocks.AppendMovement(ctx, movement); err != nil {
				return err
			}

			if err := c.enqueueEvent(ctx, domain.EventStockCommitted, record.ID, domain.StockCommittedPayload{
				ReservationID: reservation.ID,
			}); err != nil {
				return err
			}

			variant = record.ProductVariant
			committed = true
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	if committed {
		c.invalidateCache(ctx, variant)
		reservationsCommitted.Inc()
	}
	return nil
}

// Cancel 取消一个 PENDING 预占并归还数量。
// 已处于终态的预占是安全的 no-op，不会对账本做负向修正。
func (c *Coordinator) Cancel(ctx context.Context, reservationID, reason string) error {
	return c.release(ctx, reservationID, reason, false)
}

// Expire 把超时的 PENDING 预占流转为 EXPIRED 并归还数量，只由清理器调用。
// CAS 语义保证多个清理实例重复处理同一条预占时只有一次生效。
func (c *Coordinator) Expire(ctx context.Context, reservationID string) error {
	return c.release(ctx, reservationID, "ttl expired", true)
}

func (c *Coordinator) release(ctx context.Context, reservationID, reason string, expire bool) error {
	spanName := "coordinator.Cancel"
	if expire {
		spanName = "coordinator.Expire"
	}
	ctx, span := c.tracer.Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(attribute.String("reservation.id", reservationID))

	var variant string
	var released bool

	err := c.withContentionRetry(ctx, func(ctx context.Context) error {
		variant, released = "", false
		return c.uow.Execute(ctx, func(ctx context.Context) error {
			reservation, err := c.reservations.FindByID(ctx, reservationID)
			if err != nil {
				return err
			}
			if reservation.Status == domain.StatusCancelled || reservation.Status == domain.StatusExpired {
				// 重复的取消/过期信号，安全忽略
				return nil
			}
			if reservation.Status == domain.StatusCommitted {
				// 已提交的数量已经离开账本，不能再归还
				return errors.Wrapf(domain.ErrInvalidState, "reservation %s is already committed", reservationID)
			}

			record, err := c.stocks.FindByIDForUpdate(ctx, reservation.StockRecordID)
			if err != nil {
				return err
			}

			now := time.Now()
			if expire {
				err = reservation.Expire(now)
			} else {
				err = reservation.Cancel(now, reason)
			}
			if err != nil {
				return err
			}
			ok, err := c.reservations.UpdateWithStatusCheck(ctx, reservation, domain.StatusPending)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Wrap(domain.ErrContention, "reservation status changed concurrently")
			}

			if err := record.Release(reservation.Quantity); err != nil {
				return err
			}
			if err := c.stocks.Save(ctx, record); err != nil {
				return err
			}
			movement := domain.NewMovement(record.ID, domain.MovementReturn, reservation.Quantity,
				"reservation-release:"+reservation.ID+" ("+reason+")", systemActor)
			if err := c.stocks.AppendMovement(ctx, movement); err != nil {
				return err
			}

			if err := c.enqueueEvent(ctx, domain.EventStockReleased, record.ID, domain.StockReleasedPayload{
				ReservationID: reservation.ID,
				Reason:        reason,
			}); err != nil {
				return err
			}

			variant = record.ProductVariant
			released = true
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	if released {
		c.invalidateCache(ctx, variant)
		cause := "cancel"
		if expire {
			cause = "expire"
			sweepExpired.Inc()
		}
		reservationsReleased.WithLabelValues(cause).Inc()
	}
	return nil
}

// ApplyMovement 执行一次人工账本变更（进货、盘点、破损、调拨、退货）。
// delta 带符号；会让可用量变负的变更以 ErrInsufficientStock 拒绝。
func (c *Coordinator) ApplyMovement(ctx context.Context, stockRecordID string, typ domain.MovementType, delta int, reference, performedBy string) (*domain.StockRecord, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.ApplyMovement")
	defer span.End()
	span.SetAttributes(
		attribute.String("stock_record.id", stockRecordID),
		attribute.String("movement.type", string(typ)),
		attribute.Int("movement.delta", delta),
	)

	var result *domain.StockRecord
	err := c.withContentionRetry(ctx, func(ctx context.Context) error {
		return c.uow.Execute(ctx, func(ctx context.Context) error {
			record, err := c.stocks.FindByIDForUpdate(ctx, stockRecordID)
			if err != nil {
				return err
			}

			switch {
			case delta > 0:
				err = record.Receive(delta)
			default:
				err = record.Adjust(delta)
			}
			if err != nil {
				return err
			}

			if err := c.stocks.Save(ctx, record); err != nil {
				return err
			}
			if err := c.stocks.AppendMovement(ctx, domain.NewMovement(record.ID, typ, delta, reference, performedBy)); err != nil {
				return err
			}
			if err := c.enqueueLowStockEvent(ctx, record); err != nil {
				return err
			}
			result = record
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	c.invalidateCache(ctx, result.ProductVariant)
	return result, nil
}

// GetReservation 查询单条预占。
func (c *Coordinator) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	return c.reservations.FindByID(ctx, reservationID)
}

// FindReservationsByOrder 返回订单名下的全部预占。
func (c *Coordinator) FindReservationsByOrder(ctx context.Context, orderID string) ([]*domain.Reservation, error) {
	return c.reservations.FindByOrder(ctx, orderID)
}

// enqueueLowStockEvent 在可用量触达补货点时入队 stock.low。
func (c *Coordinator) enqueueLowStockEvent(ctx context.Context, record *domain.StockRecord) error {
	if !record.IsLow() {
		return nil
	}
	return c.enqueueEvent(ctx, domain.EventStockLow, record.ID, domain.StockLowPayload{
		StockRecordID: record.ID,
		Available:     record.Available,
		ReorderPoint:  record.ReorderPoint,
	})
}

func (c *Coordinator) enqueueEvent(ctx context.Context, eventType, key string, payload interface{}) error {
	record, err := domain.NewOutboxRecord(eventType, key, payload)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s event", eventType)
	}
	return c.outbox.Enqueue(ctx, record)
}

// invalidateCache 在事务提交后使可用量缓存失效。
// 缓存失败只影响读取的新鲜度，记日志即可，不影响调用方。
func (c *Coordinator) invalidateCache(ctx context.Context, productVariant string) {
	if c.cache == nil || productVariant == "" {
		return
	}
	if err := c.cache.Invalidate(ctx, productVariant); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("variant", productVariant).Msg("failed to invalidate availability cache")
	}
}

// withContentionRetry 对行锁竞争（锁等待超时、死锁回滚）做有界退避重试。
// 其他错误原样透出。
func (c *Coordinator) withContentionRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := 50 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !errors.Is(err, domain.ErrContention) {
			return err
		}
		if attempt >= c.maxRetries {
			logger.Ctx(ctx).Warn().Err(err).Int("attempts", attempt+1).Msg("giving up after repeated row contention")
			return err
		}
		contentionRetries.Inc()

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}
