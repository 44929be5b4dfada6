package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/freshcart/storefront_backend/config"
	"github.com/freshcart/storefront_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Product is owned by the catalog; the allocation engine reads it and reacts
// to its aggregate stock writes. StockQuantity is the legacy storefront
// figure — batches are the source of truth for availability.
type Product struct {
	ID                    int             `gorm:"primary_key" json:"id"`
	Name                  string          `gorm:"size:100;not null" json:"name" binding:"required"`
	Sku                   string          `gorm:"size:100;uniqueIndex;not null" json:"sku" binding:"required"`
	Description           string          `gorm:"type:text" json:"description"`
	UnitPrice             decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	TracksExpiry          *bool           `gorm:"not null;default:false" json:"tracks_expiry"`
	ShelfLifeDays         *int            `json:"shelf_life_days"`
	DefaultProductionDate *time.Time      `json:"default_production_date"`
	DefaultExpiryDate     *time.Time      `json:"default_expiry_date"`
	StockQuantity         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"stock_quantity"`
	IsActive              *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt             time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name                  string          `json:"name" binding:"required"`
	Sku                   string          `json:"sku" binding:"required"`
	Description           string          `json:"description"`
	UnitPrice             decimal.Decimal `json:"unit_price"`
	TracksExpiry          *bool           `json:"tracks_expiry"`
	ShelfLifeDays         *int            `json:"shelf_life_days"`
	DefaultProductionDate *time.Time      `json:"default_production_date"`
	DefaultExpiryDate     *time.Time      `json:"default_expiry_date"`
	StockQuantity         decimal.Decimal `json:"stock_quantity"`
}

func productRedisKey(id int) string {
	return "product:" + fmt.Sprint(id)
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	if err := utils.ValidateUnique[Product](ctx, "sku", input.Sku, 0); err != nil {
		return nil, err
	}
	if input.ShelfLifeDays != nil && *input.ShelfLifeDays <= 0 {
		return nil, errors.New("shelf life days must be positive")
	}

	product := Product{
		Name:                  input.Name,
		Sku:                   input.Sku,
		Description:           input.Description,
		UnitPrice:             input.UnitPrice,
		TracksExpiry:          input.TracksExpiry,
		ShelfLifeDays:         input.ShelfLifeDays,
		DefaultProductionDate: input.DefaultProductionDate,
		DefaultExpiryDate:     input.DefaultExpiryDate,
	}
	if product.TracksExpiry == nil {
		product.TracksExpiry = utils.NewFalse()
	}

	err := withLockRetry(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&product).Error; err != nil {
			return err
		}
		// Opening stock goes through the same replenishment path as any
		// later increase, so perishable products start with a batch.
		if input.StockQuantity.IsPositive() {
			if err := tx.Model(&Product{}).Where("id = ?", product.ID).
				Update("stock_quantity", input.StockQuantity).Error; err != nil {
				return err
			}
			product.StockQuantity = input.StockQuantity
			if _, err := processStockIncrease(tx, &product, input.StockQuantity); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	var product Product
	exists, err := config.GetRedisObject(productRedisKey(id), &product)
	if err == nil && exists {
		return &product, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).First(&product, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if err := config.SetRedisObject(productRedisKey(id), &product, 10*time.Minute); err != nil {
		config.LogError(config.GetLogger(), "product.go", "GetProduct", "SetRedisObject", id, err)
	}
	return &product, nil
}

func GetProductBySku(ctx context.Context, sku string) (*Product, error) {
	db := config.GetDB()

	var product Product
	if err := db.WithContext(ctx).Where("sku = ?", sku).First(&product).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &product, nil
}

// UpdateProductStock is the catalog write path for the legacy aggregate
// stock figure. The old/new comparison and any resulting batch synthesis
// happen in one transaction with the stock write, so a retried write cannot
// create duplicate batches.
func UpdateProductStock(ctx context.Context, id int, newQuantity decimal.Decimal) (*Product, error) {
	if newQuantity.IsNegative() {
		return nil, errors.New("stock quantity cannot be negative")
	}

	var product Product
	err := withLockRetry(ctx, func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&product, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}

		delta := newQuantity.Sub(product.StockQuantity)
		if err := tx.Model(&Product{}).Where("id = ?", id).
			Update("stock_quantity", newQuantity).Error; err != nil {
			return err
		}
		product.StockQuantity = newQuantity

		// Decreases and no-ops never synthesize batches.
		if delta.IsPositive() {
			if _, err := processStockIncrease(tx, &product, delta); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := config.RemoveRedisKey(productRedisKey(id)); err != nil {
		config.LogError(config.GetLogger(), "product.go", "UpdateProductStock", "RemoveRedisKey", id, err)
	}
	return &product, nil
}
