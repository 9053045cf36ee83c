// internal/service/stock/application/service.go
package application

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stocknexus/internal/pkg/logger"
	"stocknexus/internal/service/stock/domain"
)

// StockApplicationService 负责业务流程编排：
// 入站订单事件到协调器操作的映射，以及对外的查询面。
// 所有处理器都按至少一次投递设计，重复消费是安全的。
type StockApplicationService struct {
	coordinator *Coordinator
	allocator   *Allocator
	tracer      trace.Tracer
}

func NewStockApplicationService(coordinator *Coordinator, allocator *Allocator, tracer trace.Tracer) *StockApplicationService {
	return &StockApplicationService{coordinator: coordinator, allocator: allocator, tracer: tracer}
}

// HandleOrderCreated 处理 order.created：先规划，再逐腿预占。
// 跨仓库没有单一 ACID 事务，采用 Saga 补偿：任何一腿失败时，
// 把已经成功的腿逐个取消后返回错误。
func (s *StockApplicationService) HandleOrderCreated(ctx context.Context, payload *domain.OrderCreatedPayload) error {
	ctx, span := s.tracer.Start(ctx, "app.HandleOrderCreated", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", payload.OrderID),
		attribute.Int("order.items", len(payload.Items)),
	)

	if payload.OrderID == "" || len(payload.Items) == 0 {
		return errors.New("order.created event missing orderId or items")
	}

	// 补偿栈：每预占成功一腿就压入对应的取消动作，后进先出执行
	var compensations []func(ctx context.Context)
	compensate := func(ctx context.Context) {
		logger.Ctx(ctx).Info().Str("order_id", payload.OrderID).
			Int("legs", len(compensations)).Msg("triggering saga compensation")
		for i := len(compensations) - 1; i >= 0; i-- {
			compensations[i](ctx)
		}
	}

	for _, item := range payload.Items {
		plan, err := s.allocator.Plan(ctx, item.ProductVariant, item.Quantity, payload.Region, "")
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "allocation planning failed")
			compensate(ctx)
			return err
		}

		for _, leg := range plan.Legs {
			reservation, err := s.coordinator.Reserve(ctx, payload.OrderID, leg.StockRecordID, leg.Quantity, 0)
			if err != nil {
				// 规划和预占之间没有锁，别的订单可能抢走了这一腿的库存
				span.RecordError(err)
				span.SetStatus(codes.Error, "leg reservation failed")
				compensate(ctx)
				return err
			}

			reservationID := reservation.ID
			compensations = append(compensations, func(compCtx context.Context) {
				// 补偿失败需要记录严重错误，Sweeper 最终会兜底过期这条预占
				if err := s.coordinator.Cancel(compCtx, reservationID, "saga compensation"); err != nil {
					logger.Ctx(compCtx).Error().Err(err).
						Str("reservation_id", reservationID).
						Msg("CRITICAL: saga compensation failed")
				}
			})
		}
	}

	span.AddEvent("all legs reserved")
	logger.Ctx(ctx).Info().Str("order_id", payload.OrderID).Msg("stock reserved for order")
	return nil
}

// HandlePaymentSuccessful 处理 payment.successful：提交订单名下的全部预占。
// Commit 自身幂等，消息重投不会产生二次变更。
func (s *StockApplicationService) HandlePaymentSuccessful(ctx context.Context, payload *domain.OrderRefPayload) error {
	ctx, span := s.tracer.Start(ctx, "app.HandlePaymentSuccessful", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(attribute.String("order.id", payload.OrderID))

	reservations, err := s.coordinator.FindReservationsByOrder(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	if len(reservations) == 0 {
		logger.Ctx(ctx).Warn().Str("order_id", payload.OrderID).Msg("payment confirmed for order without reservations")
		return nil
	}

	for _, reservation := range reservations {
		if reservation.Status == domain.StatusCancelled || reservation.Status == domain.StatusExpired {
			// 支付赶在预占过期之后到达。数量已归还，不能再出库，
			// 上游订单服务会收到 stock.released 并走退款/重下单流程。
			logger.Ctx(ctx).Warn().
				Str("order_id", payload.OrderID).
				Str("reservation_id", reservation.ID).
				Str("status", string(reservation.Status)).
				Msg("payment arrived after reservation was released")
			continue
		}
		if err := s.coordinator.Commit(ctx, reservation.ID); err != nil {
			span.RecordError(err)
			return err
		}
	}
	return nil
}

// HandleOrderReleased 处理 payment.failed / order.cancelled：取消订单名下的预占。
// Cancel 对终态预占是 no-op，重复信号安全。
func (s *StockApplicationService) HandleOrderReleased(ctx context.Context, payload *domain.OrderRefPayload, reason string) error {
	ctx, span := s.tracer.Start(ctx, "app.HandleOrderReleased", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", payload.OrderID),
		attribute.String("reason", reason),
	)

	reservations, err := s.coordinator.FindReservationsByOrder(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	for _, reservation := range reservations {
		if err := s.coordinator.Cancel(ctx, reservation.ID, reason); err != nil {
			if errors.Is(err, domain.ErrInvalidState) {
				// 已提交的预占不能取消，按设计忽略
				continue
			}
			span.RecordError(err)
			return err
		}
	}
	return nil
}

// CheckAvailability 是给结算/购物车协作方的同步查询面。
func (s *StockApplicationService) CheckAvailability(ctx context.Context, productVariant string, quantity int, region string) (*AvailabilityResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.CheckAvailability")
	defer span.End()

	plan, err := s.allocator.Plan(ctx, productVariant, quantity, region, "")
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientStock) {
			return &AvailabilityResponse{Available: false}, nil
		}
		return nil, err
	}
	return &AvailabilityResponse{Available: true, Plan: plan}, nil
}

// GetReservation 查询单条预占的对外视图。
func (s *StockApplicationService) GetReservation(ctx context.Context, reservationID string) (*ReservationView, error) {
	reservation, err := s.coordinator.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	return ToReservationView(reservation), nil
}

// AdjustStock 执行人工账本变更。
func (s *StockApplicationService) AdjustStock(ctx context.Context, req *AdjustStockRequest) (*AdjustStockResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.AdjustStock")
	defer span.End()

	typ, err := parseMovementType(req.Type)
	if err != nil {
		return nil, err
	}
	if req.PerformedBy == "" {
		return nil, errors.New("performedBy is required for manual stock movements")
	}

	record, err := s.coordinator.ApplyMovement(ctx, req.StockRecordID, typ, req.Delta, req.Reference, req.PerformedBy)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &AdjustStockResponse{
		StockRecordID: record.ID,
		Available:     record.Available,
		Reserved:      record.Reserved,
		Total:         record.Total,
	}, nil
}

func parseMovementType(raw string) (domain.MovementType, error) {
	switch domain.MovementType(raw) {
	case domain.MovementInbound, domain.MovementAdjustment, domain.MovementTransfer,
		domain.MovementReturn, domain.MovementDamage:
		return domain.MovementType(raw), nil
	case domain.MovementOutbound:
		// 出库只能通过预占流程发生，不开放人工写入
		return "", errors.Errorf("movement type %s is reserved for the reservation flow", raw)
	default:
		return "", errors.Errorf("unknown movement type %q", raw)
	}
}
