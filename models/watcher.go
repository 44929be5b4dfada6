package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/freshcart/storefront_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Replenishment watcher: every increase of a perishable product's aggregate
// stock figure synthesizes a production batch, so legacy stock writes from
// the catalog and imports still land in the batch store.

const fallbackShelfLifeDays = 30

const autoSupplier = "auto"

// processStockIncrease runs inside the transaction of the stock write it
// reacts to. Non-tracking products and non-positive deltas are no-ops.
func processStockIncrease(tx *gorm.DB, product *Product, delta decimal.Decimal) (*Batch, error) {
	if product == nil || !utils.DereferencePtr(product.TracksExpiry) {
		return nil, nil
	}
	if !delta.IsPositive() {
		return nil, nil
	}

	today := utils.TruncateToDate(time.Now().UTC())

	productionDate := today
	if product.DefaultProductionDate != nil {
		productionDate = utils.TruncateToDate(*product.DefaultProductionDate)
	}

	var expiryDate time.Time
	switch {
	case product.DefaultExpiryDate != nil:
		expiryDate = utils.TruncateToDate(*product.DefaultExpiryDate)
	case product.ShelfLifeDays != nil && *product.ShelfLifeDays > 0:
		expiryDate = productionDate.AddDate(0, 0, *product.ShelfLifeDays)
	default:
		expiryDate = productionDate.AddDate(0, 0, fallbackShelfLifeDays)
	}
	if !expiryDate.After(productionDate) {
		return nil, fmt.Errorf("product %s has expiry defaults not after production date", product.Sku)
	}

	// Batch number is generated inside createBatch: AUTO-{productId}-{date},
	// numeric suffix on collision.
	batch, err := createBatch(tx, &NewBatch{
		ProductId:      product.ID,
		ProductionDate: productionDate,
		ExpiryDate:     expiryDate,
		Quantity:       delta,
		Supplier:       autoSupplier,
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// OnStockIncrease is the interface for catalog collaborators that track
// their own aggregate figure and only report the delta. The product row is
// locked so concurrent reports serialize.
func OnStockIncrease(ctx context.Context, productId int, delta decimal.Decimal) (*Batch, error) {
	if !delta.IsPositive() {
		return nil, errors.New("stock increase delta must be positive")
	}

	var batch *Batch
	err := withLockRetry(ctx, func(tx *gorm.DB) error {
		var product Product
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&product, productId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}

		newQuantity := product.StockQuantity.Add(delta)
		if err := tx.Model(&Product{}).Where("id = ?", productId).
			Update("stock_quantity", newQuantity).Error; err != nil {
			return err
		}
		product.StockQuantity = newQuantity

		var txErr error
		batch, txErr = processStockIncrease(tx, &product, delta)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}
