// internal/service/stock/domain/stock_test.go
package domain

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(available, reserved int) *StockRecord {
	return &StockRecord{
		ID:             "rec-1",
		ProductVariant: "tshirt-red-m",
		WarehouseID:    "wh-east",
		Available:      available,
		Reserved:       reserved,
		Total:          available + reserved,
		ReorderPoint:   2,
	}
}

func TestStockRecordHold(t *testing.T) {
	t.Run("moves quantity from available to reserved", func(t *testing.T) {
		r := newRecord(10, 0)
		require.NoError(t, r.Hold(3))
		assert.Equal(t, 7, r.Available)
		assert.Equal(t, 3, r.Reserved)
		assert.Equal(t, 10, r.Total)
		assert.NoError(t, r.CheckInvariant())
	})

	t.Run("rejects hold beyond available", func(t *testing.T) {
		r := newRecord(2, 0)
		err := r.Hold(3)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInsufficientStock))
		// 拒绝时账本原样不动
		assert.Equal(t, 2, r.Available)
		assert.Equal(t, 0, r.Reserved)
	})

	t.Run("rejects non-positive quantity", func(t *testing.T) {
		r := newRecord(5, 0)
		assert.Error(t, r.Hold(0))
		assert.Error(t, r.Hold(-1))
	})
}

func TestStockRecordRelease(t *testing.T) {
	r := newRecord(7, 3)
	require.NoError(t, r.Release(3))
	assert.Equal(t, 10, r.Available)
	assert.Equal(t, 0, r.Reserved)
	assert.Equal(t, 10, r.Total)
	assert.NoError(t, r.CheckInvariant())

	assert.Error(t, r.Release(1), "releasing more than reserved must fail")
}

func TestStockRecordConsume(t *testing.T) {
	r := newRecord(7, 3)
	require.NoError(t, r.Consume(3))
	// 提交出库：数量离开账本，可用量不变
	assert.Equal(t, 7, r.Available)
	assert.Equal(t, 0, r.Reserved)
	assert.Equal(t, 7, r.Total)
	assert.NoError(t, r.CheckInvariant())

	assert.Error(t, r.Consume(1), "consuming more than reserved must fail")
}

func TestStockRecordReceive(t *testing.T) {
	r := newRecord(5, 2)
	require.NoError(t, r.Receive(10))
	assert.Equal(t, 15, r.Available)
	assert.Equal(t, 17, r.Total)
	assert.NoError(t, r.CheckInvariant())
}

func TestStockRecordAdjust(t *testing.T) {
	t.Run("negative correction", func(t *testing.T) {
		r := newRecord(5, 2)
		require.NoError(t, r.Adjust(-3))
		assert.Equal(t, 2, r.Available)
		assert.Equal(t, 4, r.Total)
		assert.NoError(t, r.CheckInvariant())
	})

	t.Run("rejects correction that would drive available negative", func(t *testing.T) {
		r := newRecord(2, 5)
		err := r.Adjust(-3)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInsufficientStock))
		assert.Equal(t, 2, r.Available)
	})

	t.Run("rejects zero delta", func(t *testing.T) {
		r := newRecord(2, 0)
		assert.Error(t, r.Adjust(0))
	})
}

func TestStockRecordIsLow(t *testing.T) {
	r := newRecord(10, 0)
	r.ReorderPoint = 3
	assert.False(t, r.IsLow())

	require.NoError(t, r.Hold(7))
	assert.True(t, r.IsLow(), "available == reorder point counts as low")
}
