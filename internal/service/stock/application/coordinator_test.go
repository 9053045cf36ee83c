// internal/service/stock/application/coordinator_test.go
package application_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"stocknexus/internal/service/stock/application"
	"stocknexus/internal/service/stock/domain"
	"stocknexus/internal/service/stock/infrastructure/memory"
)

type coordinatorEnv struct {
	store       *memory.Store
	coordinator *application.Coordinator
}

func newCoordinatorEnv(t *testing.T) *coordinatorEnv {
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
	return &coordinatorEnv{store: store, coordinator: coordinator}
}

func seedRecord(store *memory.Store, id string, available int) {
	store.SeedStock(&domain.StockRecord{
		ID:             id,
		ProductVariant: "tshirt-red-m",
		WarehouseID:    "wh-" + id,
		Available:      available,
		Total:          available,
	})
}

func TestReserveHoldsQuantity(t *testing.T) {
	env := newCoordinatorEnv(t)
	seedRecord(env.store, "rec-1", 10)
	ctx := context.Background()

	reservation, err := env.coordinator.Reserve(ctx, "order-1", "rec-1", 3, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, reservation.Status)
	assert.Equal(t, 3, reservation.Quantity)

	record := env.store.StockSnapshot("rec-1")
	assert.Equal(t, 7, record.Available)
	assert.Equal(t, 3, record.Reserved)
	assert.Equal(t, 10, record.Total)
	require.NoError(t, record.CheckInvariant())

	// 预占、流水、事件在同一事务内落库
	assert.Len(t, env.store.Movements(), 1)
	assert.Equal(t, 1, env.store.OutboxEvents(domain.EventStockReserved))
}

func TestReserveIsIdempotentPerOrderAndRecord(t *testing.T) {
	env := newCoordinatorEnv(t)
	seedRecord(env.store, "rec-1", 10)
	ctx := context.Background()

	first, err := env.coordinator.Reserve(ctx, "order-1", "rec-1", 3, 0)
	require.NoError(t, err)
	second, err := env.coordinator.Reserve(ctx, "order-1", "rec-1", 3, 0)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same (order, record) must return the existing reservation")

	record := env.store.StockSnapshot("rec-1")
	assert.Equal(t, 7, record.Available, "quantity must be held exactly once")
	assert.Equal(t, 3, record.Reserved)
	assert.Equal(t, 1, env.store.OutboxEvents(domain.EventStockReserved))
}

func TestReserveInsufficientStockRollsBack(t *testing.T) {
	env := newCoordinatorEnv(t)
	seedRecord(env.store, "rec-1", 2)
	ctx := context.Background()

	_, err := env.coordinator.Reserve(ctx, "order-1", "rec-1", 5, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientStock))

	record := env.store.StockSnapshot("rec-1")
	assert.Equal(t, 2, record.Available)
	assert.Equal(t, 0, record.Reserved)
	assert.Empty(t, env.store.Movements(), "failed transaction must leave no trace")
	assert.Equal(t, 0, env.store.OutboxEvents(domain.EventStockReserved))
}

func TestCommitConsumesReservedQuantity(t *testing.T) {
	env := newCoordinatorEnv(t)
	seedRecord(env.store, "rec-1", 10)
	ctx := context.Background()

	reservation, err := env.coordinator.Reserve(ctx, "order-1", "rec-1", 3, 0)
	require.NoError(t, err)
	require.NoError(t, env.coordinator.Commit(ctx, reservation.ID))

	record := env.store.StockSnapshot("rec-1")
	assert.Equal(t, 7, record.Available)
	assert.Equal(t, 0, record.Reserved)
	assert.Equal(t, 7, record.Total, "committed quantity leaves the ledger")
	require.NoError(t, record.CheckInvariant())

	stored, err := env.coordinator.GetReservation(ctx, reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitted, stored.Status)
	assert.Equal(t, 1, env.store.OutboxEvents(domain.EventStockCommitted))
}

func TestCommitIsIdempotent(t *testing.T) {
	env := newCoordinatorEnv(t)
	seedRecord(env.store, "rec-1", 10)
	ctx := context.Background()

	reservation, err := env.coordinator.Reserve(ctx, "order-1", "rec-1", 3, 0)
	require.NoError(t, err)
	require.NoError(t, env.coordinator.Commit(ctx, reservation.ID))
	require.NoError(t, env.coordinator.Commit(ctx, reservation.ID), "repeated commit must silently succeed")

	record := env.store.StockSnapshot("rec-1")
	assert.Equal(t, 7, record.Total, "second commit must not touch the ledger")
	assert.Equal(t, 1, env.store.OutboxEvents(domain.EventStockCommitted))
}

func TestCancelReturnsQuantity(t *testing.T) {
	env := newCoordinatorEnv(t)
	seedRecord(env.store, "rec-1", 10)
	ctx := context.Background()

	reservation, err := env.coordinator.Reserve(ctx, "order-1", "rec-1", 3, 0)
	require.NoError(t, err)
	require.NoError(t, env.coordinator.Cancel(ctx, reservation.ID, "payment failed"))

	record := env.store.StockSnapshot("rec-1")
	assert.Equal(t, 10, record.Available)
	assert.Equal(t, 0, record.Reserved)
	assert.Equal(t, 10, record.Total)

	stored, err := env.coordinator.GetReservation(ctx, reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, stored.Status)
	assert.Equal(t, "payment failed", stored.ReleaseReason)

	// 重复取消是安全的 no-op
	require.NoError(t, env.coordinator.Cancel(ctx, reservation.ID, "payment failed"))
	assert.Equal(t, 10, env.store.StockSnapshot("rec-1").Available)
	assert.Equal(t, 1, env.store.OutboxEvents(domain.EventStockReleased))
}

func TestCancelAfterCommitIsRejected(t *testing.T) {
	env := newCoordinatorEnv(t)
	seedRecord(env.store, "rec-1", 10)
	ctx := context.Background()

	reservation, err := env.coordinator.Reserve(ctx, "order-1", "rec-1", 3, 0)
	require.NoError(t, err)
	require.NoError(t, env.coordinator.Commit(ctx, reservation.ID))

	err = env.coordinator.Cancel(ctx, reservation.ID, "too late")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidState))

	record := env.store.StockSnapshot("rec-1")
	assert.Equal(t, 7, record.Total, "committed quantity must never come back")
}

func TestExpireIsIdempotent(t *testing.T) {
	env := newCoordinatorEnv(t)
	seedRecord(env.store, "rec-1", 10)
	ctx := context.Background()

	reservation, err := env.coordinator.Reserve(ctx, "order-1", "rec-1", 4, time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, env.coordinator.Expire(ctx, reservation.ID))
	require.NoError(t, env.coordinator.Expire(ctx, reservation.ID), "second expiry must be a no-op")

	record := env.store.StockSnapshot("rec-1")
	assert.Equal(t, 10, record.Available, "quantity returned exactly once")
	assert.Equal(t, 1, env.store.OutboxEvents(domain.EventStockReleased))

	stored, err := env.coordinator.GetReservation(ctx, reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, stored.Status)
}

func TestReserveAgainAfterRelease(t *testing.T) {
	env := newCoordinatorEnv(t)
	seedRecord(env.store, "rec-1", 10)
	ctx := context.Background()

	first, err := env.coordinator.Reserve(ctx, "order-1", "rec-1", 3, 0)
	require.NoError(t, err)
	require.NoError(t, env.coordinator.Cancel(ctx, first.ID, "retry"))

	// 终态释放唯一性坑位，同一订单可以重新预占
	second, err := env.coordinator.Reserve(ctx, "order-1", "rec-1", 2, 0)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 8, env.store.StockSnapshot("rec-1").Available)
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	env := newCoordinatorEnv(t)
	seedRecord(env.store, "rec-1", 10)

	var wg sync.WaitGroup
	results := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.coordinator.Reserve(context.Background(), fmt.Sprintf("order-%d", i), "rec-1", 1, 0)
			results[i] = err
		}(i)
	}
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrInsufficientStock):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 10, rejected)

	record := env.store.StockSnapshot("rec-1")
	assert.Equal(t, 0, record.Available)
	assert.Equal(t, 10, record.Reserved)
	require.NoError(t, record.CheckInvariant())
}

func TestApplyMovement(t *testing.T) {
	env := newCoordinatorEnv(t)
	env.store.SeedStock(&domain.StockRecord{
		ID:             "rec-1",
		ProductVariant: "tshirt-red-m",
		WarehouseID:    "wh-east",
		Available:      5,
		Total:          5,
		ReorderPoint:   3,
	})
	ctx := context.Background()

	record, err := env.coordinator.ApplyMovement(ctx, "rec-1", domain.MovementInbound, 20, "po-77", "alice")
	require.NoError(t, err)
	assert.Equal(t, 25, record.Available)
	assert.Equal(t, 25, record.Total)

	record, err = env.coordinator.ApplyMovement(ctx, "rec-1", domain.MovementDamage, -23, "water damage", "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, record.Available)
	assert.Equal(t, 2, record.Total)
	// 跌破补货点触发低库存事件
	assert.Equal(t, 1, env.store.OutboxEvents(domain.EventStockLow))

	_, err = env.coordinator.ApplyMovement(ctx, "rec-1", domain.MovementAdjustment, -5, "bad count", "alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientStock))
	assert.Equal(t, 2, env.store.StockSnapshot("rec-1").Available)
}

func TestReserveEmitsLowStockEvent(t *testing.T) {
	env := newCoordinatorEnv(t)
	env.store.SeedStock(&domain.StockRecord{
		ID:             "rec-1",
		ProductVariant: "tshirt-red-m",
		WarehouseID:    "wh-east",
		Available:      5,
		Total:          5,
		ReorderPoint:   3,
	})

	_, err := env.coordinator.Reserve(context.Background(), "order-1", "rec-1", 4, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, env.store.OutboxEvents(domain.EventStockLow))
}
