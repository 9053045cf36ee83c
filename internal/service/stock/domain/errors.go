// internal/service/stock/domain/errors.go
package domain

import "github.com/pkg/errors"

// 业务错误分类。调用方通过 errors.Is 判断，决定是重试、换方案还是直接失败。
var (
	// ErrInsufficientStock 可用库存不足，重试无意义，需要重新规划
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrContention 行锁竞争超时或死锁回滚，属于瞬时错误，可带退避重试
	ErrContention = errors.New("stock record contention")

	// ErrInvalidState 预占已处于终态，状态机不允许该流转
	ErrInvalidState = errors.New("reservation state transition not allowed")

	// ErrNotFound 库存记录或预占不存在
	ErrNotFound = errors.New("not found")

	// ErrDuplicateReservation 命中 (order_id, stock_record_id) 唯一索引，
	// 说明并发请求已经创建了同一订单的活跃预占，调用方应改为返回已有预占
	ErrDuplicateReservation = errors.New("active reservation already exists for order")
)
