// internal/service/reservation/domain/stock.go
package domain

import "context"

// StockRecord 是某个商品在账本中的库存状态。
// 不变式：Reserved <= TotalStock。
type StockRecord struct {
	ProductID  string `json:"productId"`
	TotalStock uint   `json:"totalStock"`
	Reserved   uint   `json:"reserved"`
}

// Available 返回当前可以被新的预占请求拿走的数量。
func (s StockRecord) Available() uint {
	if s.Reserved >= s.TotalStock {
		return 0
	}
	return s.TotalStock - s.Reserved
}

// StockLedger 是库存的权威数据源。
// 预占子系统只会在 available 和 reserved 之间搬运数量，TotalStock 由外部补货流程维护。
// 同一个 productID 上的 TryReserve / Release 必须是线性一致的。
type StockLedger interface {
	// Get 读取库存记录，商品不存在时返回 ErrProductNotFound。
	Get(ctx context.Context, productID string) (StockRecord, error)

	// TryReserve 在 available >= qty 时把 qty 计入 reserved 并返回 true，否则不做修改并返回 false。
	TryReserve(ctx context.Context, productID string, qty uint) (bool, error)

	// Release 把 qty 从 reserved 归还到 available，超出 reserved 时返回 ErrLedgerUnderflow。
	Release(ctx context.Context, productID string, qty uint) error
}

// StockRestocker 是外部补货/初始化流程使用的入口，预占核心本身不会调用它。
type StockRestocker interface {
	// SetTotal 设置商品总库存，商品不存在时创建。total 小于当前 reserved 时拒绝。
	SetTotal(ctx context.Context, productID string, total uint) error
}

// StockLister 列出账本中的全部商品，启动时对账使用。
type StockLister interface {
	Products(ctx context.Context) ([]string, error)
}
