// internal/service/stock/domain/port/ports.go
package port

import (
	"context"

	"stocknexus/internal/service/stock/domain"
)

// AvailabilityCache 是可用量热缓存的出站端口。
// checkAvailability 的读多写少场景下用它挡掉大部分数据库读，
// 缓存失效或未命中时回源账本，不参与任何事务。
type AvailabilityCache interface {
	// GetRecords 返回缓存的某个商品规格的库存记录，未命中返回 (nil, nil)。
	GetRecords(ctx context.Context, productVariant string) ([]*domain.StockRecord, error)

	// SetRecords 写入缓存，带 TTL。
	SetRecords(ctx context.Context, productVariant string, records []*domain.StockRecord) error

	// Invalidate 在账本变更后使缓存失效。
	Invalidate(ctx context.Context, productVariant string) error
}

// EligibilityFact 是仓库准入规则的求值输入。
type EligibilityFact struct {
	Warehouse string
	Region    string
	Available int
	Priority  int
}

// RuleEngine 是仓库准入规则引擎的出站端口，
// 由基础设施层用具体的表达式引擎实现。
type RuleEngine interface {
	// Eligible 判断仓库是否可参与本次分配。rule 为空一律返回 true。
	Eligible(rule string, fact EligibilityFact) (bool, error)
}
