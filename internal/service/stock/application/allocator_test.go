// internal/service/stock/application/allocator_test.go
package application_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"stocknexus/internal/service/stock/application"
	"stocknexus/internal/service/stock/domain"
	"stocknexus/internal/service/stock/infrastructure/memory"
	"stocknexus/internal/service/stock/infrastructure/rule"
)

func newAllocator(t *testing.T, store *memory.Store, eligibilityRule string) *application.Allocator {
	t.Helper()
	ruleEngine, err := rule.NewCELRuleEngine()
	require.NoError(t, err)
	tracer := noop.NewTracerProvider().Tracer("test")
	return application.NewAllocator(memory.NewStockRepository(store), nil, ruleEngine, tracer, eligibilityRule)
}

func seedWarehouse(store *memory.Store, id, warehouse, region string, priority, available int) {
	store.SeedStock(&domain.StockRecord{
		ID:             id,
		ProductVariant: "tshirt-red-m",
		WarehouseID:    warehouse,
		Region:         region,
		Priority:       priority,
		Available:      available,
		Total:          available,
	})
}

func TestPlanSingleWarehouse(t *testing.T) {
	store := memory.NewStore()
	seedWarehouse(store, "rec-a", "wh-a", "EU", 1, 10)
	allocator := newAllocator(t, store, "")

	plan, err := allocator.Plan(context.Background(), "tshirt-red-m", 5, "", "")
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)
	assert.Equal(t, "rec-a", plan.Legs[0].StockRecordID)
	assert.Equal(t, 5, plan.Legs[0].Quantity)
	assert.Equal(t, 5, plan.TotalPlanned())
}

func TestPlanSplitsAcrossWarehouses(t *testing.T) {
	store := memory.NewStore()
	seedWarehouse(store, "rec-a", "wh-a", "EU", 1, 3)
	seedWarehouse(store, "rec-b", "wh-b", "EU", 2, 4)
	allocator := newAllocator(t, store, "")

	plan, err := allocator.Plan(context.Background(), "tshirt-red-m", 5, "", "")
	require.NoError(t, err)
	require.Len(t, plan.Legs, 2)
	// 高优先级仓库先吃满，剩余量落到下一个
	assert.Equal(t, domain.AllocationLeg{StockRecordID: "rec-a", WarehouseID: "wh-a", Quantity: 3}, plan.Legs[0])
	assert.Equal(t, domain.AllocationLeg{StockRecordID: "rec-b", WarehouseID: "wh-b", Quantity: 2}, plan.Legs[1])
}

func TestPlanInsufficientAcrossAllWarehouses(t *testing.T) {
	store := memory.NewStore()
	seedWarehouse(store, "rec-a", "wh-a", "EU", 1, 3)
	seedWarehouse(store, "rec-b", "wh-b", "EU", 2, 4)
	allocator := newAllocator(t, store, "")

	_, err := allocator.Plan(context.Background(), "tshirt-red-m", 8, "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientStock))
}

func TestPlanPrefersRequestedRegion(t *testing.T) {
	store := memory.NewStore()
	seedWarehouse(store, "rec-us", "wh-us", "US", 1, 10)
	seedWarehouse(store, "rec-eu", "wh-eu", "EU", 5, 10)
	allocator := newAllocator(t, store, "")

	plan, err := allocator.Plan(context.Background(), "tshirt-red-m", 2, "EU", "")
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)
	assert.Equal(t, "wh-eu", plan.Legs[0].WarehouseID, "region match outranks warehouse priority")
}

func TestPlanPrefersExplicitWarehouse(t *testing.T) {
	store := memory.NewStore()
	seedWarehouse(store, "rec-a", "wh-a", "EU", 1, 10)
	seedWarehouse(store, "rec-b", "wh-b", "EU", 5, 10)
	allocator := newAllocator(t, store, "")

	plan, err := allocator.Plan(context.Background(), "tshirt-red-m", 2, "", "wh-b")
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)
	assert.Equal(t, "wh-b", plan.Legs[0].WarehouseID, "explicit preference outranks everything")
}

func TestPlanTieBreaksDeterministically(t *testing.T) {
	store := memory.NewStore()
	seedWarehouse(store, "rec-b", "wh-b", "EU", 1, 5)
	seedWarehouse(store, "rec-a", "wh-a", "EU", 1, 5)
	allocator := newAllocator(t, store, "")

	for i := 0; i < 5; i++ {
		plan, err := allocator.Plan(context.Background(), "tshirt-red-m", 1, "", "")
		require.NoError(t, err)
		assert.Equal(t, "wh-a", plan.Legs[0].WarehouseID)
	}
}

func TestPlanAppliesEligibilityRule(t *testing.T) {
	store := memory.NewStore()
	seedWarehouse(store, "rec-a", "wh-a", "EU", 1, 10)
	seedWarehouse(store, "rec-b", "wh-b", "US", 2, 10)
	allocator := newAllocator(t, store, `region == "US"`)

	plan, err := allocator.Plan(context.Background(), "tshirt-red-m", 2, "", "")
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)
	assert.Equal(t, "wh-b", plan.Legs[0].WarehouseID)
}

func TestPlanSkipsEmptyWarehouses(t *testing.T) {
	store := memory.NewStore()
	seedWarehouse(store, "rec-a", "wh-a", "EU", 1, 0)
	seedWarehouse(store, "rec-b", "wh-b", "EU", 2, 3)
	allocator := newAllocator(t, store, "")

	plan, err := allocator.Plan(context.Background(), "tshirt-red-m", 3, "", "")
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)
	assert.Equal(t, "wh-b", plan.Legs[0].WarehouseID)
}

func TestPlanUnknownVariant(t *testing.T) {
	store := memory.NewStore()
	allocator := newAllocator(t, store, "")

	_, err := allocator.Plan(context.Background(), "no-such-variant", 1, "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestPlanRejectsNonPositiveQuantity(t *testing.T) {
	store := memory.NewStore()
	seedWarehouse(store, "rec-a", "wh-a", "EU", 1, 10)
	allocator := newAllocator(t, store, "")

	_, err := allocator.Plan(context.Background(), "tshirt-red-m", 0, "", "")
	assert.Error(t, err)
}
