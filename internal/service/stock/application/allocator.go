// internal/service/stock/application/allocator.go
package application

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stocknexus/internal/pkg/logger"
	"stocknexus/internal/service/stock/domain"
	"stocknexus/internal/service/stock/domain/port"
)

// Allocator 负责把一次需求规划到一个或多个仓库（拆单）。
// 纯读操作，不持有任何锁；规划和后续的逐仓预占之间没有事务关联，
// 每一腿 Reserve 时会重新校验可用量，失败由调用方做 Saga 补偿。
type Allocator struct {
	stocks domain.StockRepository
	cache  port.AvailabilityCache // 可为 nil
	rules  port.RuleEngine
	tracer trace.Tracer

	// 仓库准入的 CEL 表达式，空串表示不过滤
	eligibilityRule string
}

func NewAllocator(stocks domain.StockRepository, cache port.AvailabilityCache, rules port.RuleEngine, tracer trace.Tracer, eligibilityRule string) *Allocator {
	return &Allocator{stocks: stocks, cache: cache, rules: rules, tracer: tracer, eligibilityRule: eligibilityRule}
}

// Plan 对 quantity 件需求产出分配计划。
// 排序规则：显式指定的仓库最优先，其次同区域，再按仓库优先级，
// 最后可用量大的在前；从头贪心取直到满足需求。
// 所有候选仓库的可用量之和不足时返回 ErrInsufficientStock，调用方不得继续预占。
func (a *Allocator) Plan(ctx context.Context, productVariant string, quantity int, region, preferredWarehouse string) (*domain.AllocationPlan, error) {
	ctx, span := a.tracer.Start(ctx, "allocator.Plan")
	defer span.End()
	span.SetAttributes(
		attribute.String("product.variant", productVariant),
		attribute.Int("quantity", quantity),
		attribute.String("region", region),
	)

	if quantity <= 0 {
		return nil, errors.New("requested quantity must be positive")
	}

	records, err := a.loadRecords(ctx, productVariant)
	if err != nil {
		return nil, err
	}

	candidates := make([]*domain.StockRecord, 0, len(records))
	for _, record := range records {
		if record.Available <= 0 {
			continue
		}
		eligible, err := a.rules.Eligible(a.eligibilityRule, port.EligibilityFact{
			Warehouse: record.WarehouseID,
			Region:    record.Region,
			Available: record.Available,
			Priority:  record.Priority,
		})
		if err != nil {
			// 规则求值失败按不淘汰处理，宁可多一个候选也不能错杀库存
			logger.Ctx(ctx).Warn().Err(err).Str("warehouse", record.WarehouseID).Msg("eligibility rule evaluation failed")
			eligible = true
		}
		if eligible {
			candidates = append(candidates, record)
		}
	}

	rankCandidates(candidates, region, preferredWarehouse)

	plan := &domain.AllocationPlan{ProductVariant: productVariant, Requested: quantity}
	remaining := quantity
	for _, record := range candidates {
		if remaining == 0 {
			break
		}
		take := record.Available
		if take > remaining {
			take = remaining
		}
		plan.Legs = append(plan.Legs, domain.AllocationLeg{
			StockRecordID: record.ID,
			WarehouseID:   record.WarehouseID,
			Quantity:      take,
		})
		remaining -= take
	}

	if remaining > 0 {
		insufficientStockRejections.Inc()
		span.SetStatus(codes.Error, "insufficient stock across warehouses")
		return nil, errors.Wrapf(domain.ErrInsufficientStock,
			"variant %s: requested %d, only %d available across %d warehouses",
			productVariant, quantity, quantity-remaining, len(candidates))
	}

	span.SetAttributes(attribute.Int("plan.legs", len(plan.Legs)))
	return plan, nil
}

// loadRecords 优先读缓存，未命中回源数据库并回填。
func (a *Allocator) loadRecords(ctx context.Context, productVariant string) ([]*domain.StockRecord, error) {
	if a.cache != nil {
		cached, err := a.cache.GetRecords(ctx, productVariant)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("variant", productVariant).Msg("availability cache read failed")
		} else if cached != nil {
			return cached, nil
		}
	}

	records, err := a.stocks.FindByVariant(ctx, productVariant)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.Wrapf(domain.ErrNotFound, "no stock records for variant %s", productVariant)
	}

	if a.cache != nil {
		if err := a.cache.SetRecords(ctx, productVariant, records); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("variant", productVariant).Msg("availability cache write failed")
		}
	}
	return records, nil
}

// rankCandidates 按 (显式偏好, 同区域, 优先级, 可用量降序, 仓库ID) 排序。
// 最后一级按仓库 ID 保证平手时结果确定。
func rankCandidates(records []*domain.StockRecord, region, preferredWarehouse string) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]

		if preferredWarehouse != "" {
			ap, bp := a.WarehouseID == preferredWarehouse, b.WarehouseID == preferredWarehouse
			if ap != bp {
				return ap
			}
		}
		if region != "" {
			ar, br := a.Region == region, b.Region == region
			if ar != br {
				return ar
			}
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Available != b.Available {
			return a.Available > b.Available
		}
		return a.WarehouseID < b.WarehouseID
	})
}
