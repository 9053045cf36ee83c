// internal/service/stock/domain/allocation.go
package domain

// AllocationLeg 是分配计划中的一段：从某个仓库出多少件。
type AllocationLeg struct {
	StockRecordID string `json:"stockRecordId"`
	WarehouseID   string `json:"warehouseId"`
	Quantity      int    `json:"quantity"`
}

// AllocationPlan 是分配器对一次需求的完整规划，可能跨多个仓库拆单。
type AllocationPlan struct {
	ProductVariant string          `json:"productVariant"`
	Requested      int             `json:"requested"`
	Legs           []AllocationLeg `json:"legs"`
}

// TotalPlanned 返回计划覆盖的总件数。
func (p *AllocationPlan) TotalPlanned() int {
	total := 0
	for _, leg := range p.Legs {
		total += leg.Quantity
	}
	return total
}
