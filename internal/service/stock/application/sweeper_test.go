// internal/service/stock/application/sweeper_test.go
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
)

func newSweeperEnv(t *testing.T, batchSize int) (*coordinatorEnv, *application.Sweeper) {
	t.Helper()
	env := newCoordinatorEnv(t)
	tracer := noop.NewTracerProvider().Tracer("test")
	sweeper := application.NewSweeper(
		memory.NewReservationRepository(env.store),
		env.coordinator,
		tracer,
		time.Minute, batchSize, 4, nil,
	)
	return env, sweeper
}

func TestSweepExpiresOverdueReservations(t *testing.T) {
	env, sweeper := newSweeperEnv(t, 100)
	seedRecord(env.store, "rec-1", 10)
	ctx := context.Background()

	// 三条立刻过期，一条还有充足的 TTL
	var overdue []*domain.Reservation
	for _, orderID := range []string{"order-1", "order-2", "order-3"} {
		r, err := env.coordinator.Reserve(ctx, orderID, "rec-1", 1, time.Nanosecond)
		require.NoError(t, err)
		overdue = append(overdue, r)
	}
	fresh, err := env.coordinator.Reserve(ctx, "order-4", "rec-1", 2, time.Hour)
	require.NoError(t, err)

	expired, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, expired)

	record := env.store.StockSnapshot("rec-1")
	assert.Equal(t, 8, record.Available, "overdue quantity returned, fresh hold untouched")
	assert.Equal(t, 2, record.Reserved)
	require.NoError(t, record.CheckInvariant())

	for _, r := range overdue {
		stored, err := env.coordinator.GetReservation(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusExpired, stored.Status)
	}
	stored, err := env.coordinator.GetReservation(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestSweepTwiceExpiresOnlyOnce(t *testing.T) {
	env, sweeper := newSweeperEnv(t, 100)
	seedRecord(env.store, "rec-1", 10)
	ctx := context.Background()

	_, err := env.coordinator.Reserve(ctx, "order-1", "rec-1", 4, time.Nanosecond)
	require.NoError(t, err)

	expired, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	expired, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, expired, "second sweep finds nothing to do")

	assert.Equal(t, 10, env.store.StockSnapshot("rec-1").Available, "quantity returned exactly once")
	assert.Equal(t, 1, env.store.OutboxEvents(domain.EventStockReleased))
}

func TestSweepHonoursBatchSize(t *testing.T) {
	env, sweeper := newSweeperEnv(t, 2)
	seedRecord(env.store, "rec-1", 10)
	ctx := context.Background()

	for _, orderID := range []string{"order-1", "order-2", "order-3"} {
		_, err := env.coordinator.Reserve(ctx, orderID, "rec-1", 1, time.Nanosecond)
		require.NoError(t, err)
	}

	expired, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, expired)

	expired, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired, "remainder picked up by the next run")
}
