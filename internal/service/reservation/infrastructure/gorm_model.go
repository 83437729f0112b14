package infrastructure

import (
	"time"

	"stockhold/internal/service/reservation/domain"
)

// StockModel 对应数据库中的 stock_ledger 表
type StockModel struct {
	ProductID  string `gorm:"primaryKey;size:128"`
	TotalStock uint   `gorm:"not null;default:0"`
	Reserved   uint   `gorm:"not null;default:0"`
	UpdatedAt  time.Time
}

// TableName 指定 GORM 应该使用的表名
func (StockModel) TableName() string {
	return "stock_ledger"
}

func (m *StockModel) toDomain() domain.StockRecord {
	return domain.StockRecord{ProductID: m.ProductID, TotalStock: m.TotalStock, Reserved: m.Reserved}
}

// HoldModel 对应 stock_holds 表，每行是一个购物车对一个商品的占用。
// 同一购物车的所有行 expires_at 相同。
type HoldModel struct {
	CartID    string    `gorm:"primaryKey;size:128"`
	ProductID string    `gorm:"primaryKey;size:128;index"`
	Quantity  uint      `gorm:"not null"`
	ExpiresAt time.Time `gorm:"type:datetime(6);not null;index"`
}

func (HoldModel) TableName() string {
	return "stock_holds"
}
