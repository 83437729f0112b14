// internal/service/reservation/infrastructure/gorm_ledger.go
package infrastructure

import (
	"context"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stockhold/internal/service/reservation/domain"
)

// OpenMySQL 打开 MySQL 连接并迁移 stock_ledger / stock_holds 表。
// ClientFoundRows 让 UPDATE 返回匹配行数而不是变更行数，条件更新依赖这一点判断成败。
func OpenMySQL(addr, user, password, database string) (*gorm.DB, error) {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.User = user
	cfg.Passwd = password
	cfg.DBName = database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true

	db, err := gorm.Open(gormmysql.Open(cfg.FormatDSN()), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrapf(err, "open mysql %s/%s", addr, database)
	}
	if err := db.AutoMigrate(&StockModel{}, &HoldModel{}); err != nil {
		return nil, errors.Wrap(err, "migrate stock tables")
	}
	return db, nil
}

// GormLedger 是 StockLedger 的 MySQL 实现。
// 预占通过带条件的原子 UPDATE 完成（reserved + ? <= total_stock），不需要行锁或事务。
type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func (l *GormLedger) Get(ctx context.Context, productID string) (domain.StockRecord, error) {
	var model StockModel
	err := l.db.WithContext(ctx).Where("product_id = ?", productID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.StockRecord{}, errors.Wrapf(domain.ErrProductNotFound, "product %s", productID)
		}
		return domain.StockRecord{}, errors.Wrapf(err, "gorm ledger get %s", productID)
	}
	return model.toDomain(), nil
}

func (l *GormLedger) TryReserve(ctx context.Context, productID string, qty uint) (bool, error) {
	res := l.db.WithContext(ctx).Model(&StockModel{}).
		Where("product_id = ? AND reserved + ? <= total_stock", productID, qty).
		UpdateColumn("reserved", gorm.Expr("reserved + ?", qty))
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "gorm ledger reserve %s", productID)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	// 区分"库存不足"和"商品不存在"
	if _, err := l.Get(ctx, productID); err != nil {
		return false, err
	}
	return false, nil
}

func (l *GormLedger) Release(ctx context.Context, productID string, qty uint) error {
	res := l.db.WithContext(ctx).Model(&StockModel{}).
		Where("product_id = ? AND reserved >= ?", productID, qty).
		UpdateColumn("reserved", gorm.Expr("reserved - ?", qty))
	if res.Error != nil {
		return errors.Wrapf(res.Error, "gorm ledger release %s", productID)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	rec, err := l.Get(ctx, productID)
	if err != nil {
		return err
	}
	return errors.Wrapf(domain.ErrLedgerUnderflow, "product %s: release %d of %d reserved", productID, qty, rec.Reserved)
}

func (l *GormLedger) SetTotal(ctx context.Context, productID string, total uint) error {
	db := l.db.WithContext(ctx)
	res := db.Model(&StockModel{}).
		Where("product_id = ? AND reserved <= ?", productID, total).
		UpdateColumn("total_stock", total)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "gorm ledger set total %s", productID)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	res = db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&StockModel{ProductID: productID, TotalStock: total})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "gorm ledger create %s", productID)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(domain.ErrInvalidArgument, "product %s: total %d below reserved", productID, total)
	}
	return nil
}

func (l *GormLedger) Products(ctx context.Context) ([]string, error) {
	var ids []string
	err := l.db.WithContext(ctx).Model(&StockModel{}).Order("product_id").Pluck("product_id", &ids).Error
	return ids, errors.Wrap(err, "gorm ledger list products")
}
