// internal/service/stock/application/service_test.go
package application_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"stocknexus/internal/service/stock/application"
	"stocknexus/internal/service/stock/domain"
	"stocknexus/internal/service/stock/infrastructure/memory"
	"stocknexus/internal/service/stock/infrastructure/rule"
)

type serviceEnv struct {
	store       *memory.Store
	coordinator *application.Coordinator
	service     *application.StockApplicationService
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	store := memory.NewStore()
	tracer := noop.NewTracerProvider().Tracer("test")
	coordinator := application.NewCoordinator(
		memory.NewUnitOfWork(store),
		memory.NewStockRepository(store),
		memory.NewReservationRepository(store),
		memory.NewOutboxRepository(store),
		nil,
		tracer,
		15*time.Minute,
		3,
	)
	ruleEngine, err := rule.NewCELRuleEngine()
	require.NoError(t, err)
	allocator := application.NewAllocator(memory.NewStockRepository(store), nil, ruleEngine, tracer, "")
	return &serviceEnv{
		store:       store,
		coordinator: coordinator,
		service:     application.NewStockApplicationService(coordinator, allocator, tracer),
	}
}

func (e *serviceEnv) seed(id, variant, warehouse string, priority, available int) {
	e.store.SeedStock(&domain.StockRecord{
		ID:             id,
		ProductVariant: variant,
		WarehouseID:    warehouse,
		Region:         "EU",
		Priority:       priority,
		Available:      available,
		Total:          available,
	})
}

func TestHandleOrderCreatedReservesAllLegs(t *testing.T) {
	env := newServiceEnv(t)
	env.seed("rec-a", "tshirt-red-m", "wh-a", 1, 3)
	env.seed("rec-b", "tshirt-red-m", "wh-b", 2, 4)
	ctx := context.Background()

	err := env.service.HandleOrderCreated(ctx, &domain.OrderCreatedPayload{
		OrderID: "order-1",
		Items:   []domain.OrderCreatedItem{{ProductVariant: "tshirt-red-m", Quantity: 5}},
	})
	require.NoError(t, err)

	// 5 件拆成 wh-a 3 + wh-b 2
	assert.Equal(t, 0, env.store.StockSnapshot("rec-a").Available)
	assert.Equal(t, 3, env.store.StockSnapshot("rec-a").Reserved)
	assert.Equal(t, 2, env.store.StockSnapshot("rec-b").Available)
	assert.Equal(t, 2, env.store.StockSnapshot("rec-b").Reserved)

	reservations, err := env.coordinator.FindReservationsByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Len(t, reservations, 2)
}

func TestHandleOrderCreatedCompensatesOnFailure(t *testing.T) {
	env := newServiceEnv(t)
	env.seed("rec-a", "tshirt-red-m", "wh-a", 1, 10)
	env.seed("rec-b", "mug-blue", "wh-a", 1, 1)
	ctx := context.Background()

	// 第二个条目库存不足，第一个条目已预占的腿必须被补偿回来
	err := env.service.HandleOrderCreated(ctx, &domain.OrderCreatedPayload{
		OrderID: "order-1",
		Items: []domain.OrderCreatedItem{
			{ProductVariant: "tshirt-red-m", Quantity: 4},
			{ProductVariant: "mug-blue", Quantity: 5},
		},
	})
	require.Error(t, err)

	recA := env.store.StockSnapshot("rec-a")
	assert.Equal(t, 10, recA.Available, "compensation must return the first leg")
	assert.Equal(t, 0, recA.Reserved)
	assert.Equal(t, 1, env.store.StockSnapshot("rec-b").Available)

	reservations, err := env.coordinator.FindReservationsByOrder(ctx, "order-1")
	require.NoError(t, err)
	for _, reservation := range reservations {
		assert.Equal(t, domain.StatusCancelled, reservation.Status)
		assert.Equal(t, "saga compensation", reservation.ReleaseReason)
	}
}

func TestHandleOrderCreatedIsReplaySafe(t *testing.T) {
	env := newServiceEnv(t)
	env.seed("rec-a", "tshirt-red-m", "wh-a", 1, 10)
	ctx := context.Background()

	payload := &domain.OrderCreatedPayload{
		OrderID: "order-1",
		Items:   []domain.OrderCreatedItem{{ProductVariant: "tshirt-red-m", Quantity: 3}},
	}
	require.NoError(t, env.service.HandleOrderCreated(ctx, payload))
	require.NoError(t, env.service.HandleOrderCreated(ctx, payload), "redelivered event must not double-reserve")

	assert.Equal(t, 7, env.store.StockSnapshot("rec-a").Available)
}

func TestHandlePaymentSuccessfulCommitsReservations(t *testing.T) {
	env := newServiceEnv(t)
	env.seed("rec-a", "tshirt-red-m", "wh-a", 1, 3)
	env.seed("rec-b", "tshirt-red-m", "wh-b", 2, 4)
	ctx := context.Background()

	require.NoError(t, env.service.HandleOrderCreated(ctx, &domain.OrderCreatedPayload{
		OrderID: "order-1",
		Items:   []domain.OrderCreatedItem{{ProductVariant: "tshirt-red-m", Quantity: 5}},
	}))
	require.NoError(t, env.service.HandlePaymentSuccessful(ctx, &domain.OrderRefPayload{OrderID: "order-1"}))

	assert.Equal(t, 0, env.store.StockSnapshot("rec-a").Total)
	assert.Equal(t, 2, env.store.StockSnapshot("rec-b").Total)

	reservations, err := env.coordinator.FindReservationsByOrder(ctx, "order-1")
	require.NoError(t, err)
	for _, reservation := range reservations {
		assert.Equal(t, domain.StatusCommitted, reservation.Status)
	}
}

func TestHandlePaymentAfterExpiryDoesNotShip(t *testing.T) {
	env := newServiceEnv(t)
	env.seed("rec-a", "tshirt-red-m", "wh-a", 1, 10)
	ctx := context.Background()

	require.NoError(t, env.service.HandleOrderCreated(ctx, &domain.OrderCreatedPayload{
		OrderID: "order-1",
		Items:   []domain.OrderCreatedItem{{ProductVariant: "tshirt-red-m", Quantity: 3}},
	}))
	reservations, err := env.coordinator.FindReservationsByOrder(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	require.NoError(t, env.coordinator.Expire(ctx, reservations[0].ID))

	// 迟到的支付确认：预占已过期，不能再出库
	require.NoError(t, env.service.HandlePaymentSuccessful(ctx, &domain.OrderRefPayload{OrderID: "order-1"}))

	record := env.store.StockSnapshot("rec-a")
	assert.Equal(t, 10, record.Available)
	assert.Equal(t, 10, record.Total)

	stored, err := env.coordinator.GetReservation(ctx, reservations[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, stored.Status)
}

func TestHandleOrderReleasedCancelsPending(t *testing.T) {
	env := newServiceEnv(t)
	env.seed("rec-a", "tshirt-red-m", "wh-a", 1, 10)
	ctx := context.Background()

	require.NoError(t, env.service.HandleOrderCreated(ctx, &domain.OrderCreatedPayload{
		OrderID: "order-1",
		Items:   []domain.OrderCreatedItem{{ProductVariant: "tshirt-red-m", Quantity: 3}},
	}))
	require.NoError(t, env.service.HandleOrderReleased(ctx, &domain.OrderRefPayload{OrderID: "order-1"}, "payment failed"))

	assert.Equal(t, 10, env.store.StockSnapshot("rec-a").Available)

	reservations, err := env.coordinator.FindReservationsByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, reservations[0].Status)
	assert.Equal(t, "payment failed", reservations[0].ReleaseReason)
}

func TestHandleOrderReleasedSkipsCommitted(t *testing.T) {
	env := newServiceEnv(t)
	env.seed("rec-a", "tshirt-red-m", "wh-a", 1, 10)
	ctx := context.Background()

	require.NoError(t, env.service.HandleOrderCreated(ctx, &domain.OrderCreatedPayload{
		OrderID: "order-1",
		Items:   []domain.OrderCreatedItem{{ProductVariant: "tshirt-red-m", Quantity: 3}},
	}))
	require.NoError(t, env.service.HandlePaymentSuccessful(ctx, &domain.OrderRefPayload{OrderID: "order-1"}))

	// 已提交的预占不可取消，事件处理器按设计忽略
	require.NoError(t, env.service.HandleOrderReleased(ctx, &domain.OrderRefPayload{OrderID: "order-1"}, "order cancelled"))
	assert.Equal(t, 7, env.store.StockSnapshot("rec-a").Total)
}

func TestCheckAvailability(t *testing.T) {
	env := newServiceEnv(t)
	env.seed("rec-a", "tshirt-red-m", "wh-a", 1, 3)
	ctx := context.Background()

	resp, err := env.service.CheckAvailability(ctx, "tshirt-red-m", 2, "")
	require.NoError(t, err)
	assert.True(t, resp.Available)
	require.NotNil(t, resp.Plan)
	assert.Equal(t, 2, resp.Plan.TotalPlanned())

	resp, err = env.service.CheckAvailability(ctx, "tshirt-red-m", 5, "")
	require.NoError(t, err)
	assert.False(t, resp.Available)
	assert.Nil(t, resp.Plan)
}

func TestAdjustStockValidation(t *testing.T) {
	env := newServiceEnv(t)
	env.seed("rec-a", "tshirt-red-m", "wh-a", 1, 5)
	ctx := context.Background()

	_, err := env.service.AdjustStock(ctx, &application.AdjustStockRequest{
		StockRecordID: "rec-a", Type: "OUTBOUND", Delta: -1, PerformedBy: "alice",
	})
	require.Error(t, err, "manual outbound movements are not allowed")

	_, err = env.service.AdjustStock(ctx, &application.AdjustStockRequest{
		StockRecordID: "rec-a", Type: "INBOUND", Delta: 5,
	})
	require.Error(t, err, "performedBy is mandatory")

	resp, err := env.service.AdjustStock(ctx, &application.AdjustStockRequest{
		StockRecordID: "rec-a", Type: "INBOUND", Delta: 5, Reference: "po-1", PerformedBy: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, 10, resp.Available)
	assert.Equal(t, 10, resp.Total)
}
