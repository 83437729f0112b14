package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stockhold/internal/service/reservation/domain"
)

// GormHoldStore 是 HoldStore 的 MySQL 实现，和 GormLedger 共用同一个数据库。
type GormHoldStore struct {
	db *gorm.DB
}

func NewGormHoldStore(db *gorm.DB) *GormHoldStore {
	return &GormHoldStore{db: db}
}

func (s *GormHoldStore) Cart(ctx context.Context, cartID string) (domain.CartView, error) {
	view := domain.CartView{CartID: cartID}
	var rows []HoldModel
	err := s.db.WithContext(ctx).Where("cart_id = ?", cartID).Order("product_id").Find(&rows).Error
	if err != nil {
		return view, errors.Wrapf(err, "gorm hold store cart %s", cartID)
	}
	for _, row := range rows {
		if row.ExpiresAt.After(view.ExpiresAt) {
			view.ExpiresAt = row.ExpiresAt.UTC()
		}
		view.Reservations = append(view.Reservations, domain.Reservation{
			CartID:    cartID,
			ProductID: row.ProductID,
			Quantity:  row.Quantity,
		})
	}
	for i := range view.Reservations {
		view.Reservations[i].ExpiresAt = view.ExpiresAt
	}
	return view, nil
}

func (s *GormHoldStore) Put(ctx context.Context, cartID, productID string, qty uint, expiresAt time.Time) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if qty == 0 {
			if err := tx.Where("cart_id = ? AND product_id = ?", cartID, productID).Delete(&HoldModel{}).Error; err != nil {
				return err
			}
		} else {
			row := HoldModel{CartID: cartID, ProductID: productID, Quantity: qty, ExpiresAt: expiresAt.UTC()}
			err := tx.Clauses(clause.OnConflict{
				DoUpdates: clause.AssignmentColumns([]string{"quantity", "expires_at"}),
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}
		if expiresAt.IsZero() {
			return nil
		}
		return tx.Model(&HoldModel{}).Where("cart_id = ?", cartID).
			UpdateColumn("expires_at", expiresAt.UTC()).Error
	})
	return errors.Wrapf(err, "gorm hold store put %s/%s", cartID, productID)
}

func (s *GormHoldStore) SetExpiry(ctx context.Context, cartID string, expiresAt time.Time) error {
	err := s.db.WithContext(ctx).Model(&HoldModel{}).Where("cart_id = ?", cartID).
		UpdateColumn("expires_at", expiresAt.UTC()).Error
	return errors.Wrapf(err, "gorm hold store expiry %s", cartID)
}

func (s *GormHoldStore) ProductHolds(ctx context.Context, productID string) (map[string]uint, error) {
	var rows []HoldModel
	if err := s.db.WithContext(ctx).Where("product_id = ?", productID).Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "gorm hold store product %s", productID)
	}
	holds := make(map[string]uint, len(rows))
	for _, row := range rows {
		holds[row.CartID] = row.Quantity
	}
	return holds, nil
}

func (s *GormHoldStore) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var due []struct {
		CartID    string
		ExpiresAt time.Time
	}
	q := s.db.WithContext(ctx).Model(&HoldModel{}).
		Select("cart_id, MIN(expires_at) AS expires_at").
		Where("expires_at <= ?", now.UTC()).
		Group("cart_id").
		Order("expires_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(&due).Error; err != nil {
		return nil, errors.Wrap(err, "gorm hold store due")
	}
	carts := make([]string, len(due))
	for i, d := range due {
		carts[i] = d.CartID
	}
	return carts, nil
}

func (s *GormHoldStore) Count(ctx context.Context) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&HoldModel{}).Distinct("cart_id").Count(&n).Error
	return int(n), errors.Wrap(err, "gorm hold store count")
}
