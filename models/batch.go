package models

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/freshcart/storefront_backend/config"
	"github.com/freshcart/storefront_backend/utils"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Batch is one discrete production lot of a perishable product. The
// (product_id, expiry_date) index backs FEFO candidate scans.
type Batch struct {
	ID                int             `gorm:"primary_key" json:"id"`
	ProductId         int             `gorm:"index:idx_batches_product_expiry,priority:1;not null" json:"product_id"`
	Product           Product         `gorm:"foreignKey:ProductId" json:"product"`
	BatchNumber       string          `gorm:"size:100;uniqueIndex;not null" json:"batch_number"`
	ProductionDate    time.Time       `gorm:"not null" json:"production_date"`
	ExpiryDate        time.Time       `gorm:"index:idx_batches_product_expiry,priority:2;not null" json:"expiry_date"`
	Quantity          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	RemainingQuantity decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"remaining_quantity"`
	Supplier          string          `gorm:"size:255" json:"supplier"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBatch struct {
	ProductId      int             `json:"product_id" binding:"required"`
	BatchNumber    string          `json:"batch_number"`
	ProductionDate time.Time       `json:"production_date" binding:"required"`
	ExpiryDate     time.Time       `json:"expiry_date" binding:"required"`
	Quantity       decimal.Decimal `json:"quantity" binding:"required"`
	Supplier       string          `json:"supplier"`
}

type UpdateBatch struct {
	ProductionDate *time.Time `json:"production_date"`
	ExpiryDate     *time.Time `json:"expiry_date"`
	Supplier       *string    `json:"supplier"`
}

const lockRetryAttempts = 3

// withLockRetry runs op in its own transaction, retrying a bounded number of
// times when MySQL reports deadlock (1213) or lock-wait timeout (1205).
// Losing contenders re-read current state on retry, so a retried auto-assign
// rescans the FEFO candidates instead of overselling.
func withLockRetry(ctx context.Context, op func(tx *gorm.DB) error) error {
	db := config.GetDB()

	var err error
	for attempt := 1; attempt <= lockRetryAttempts; attempt++ {
		err = db.WithContext(ctx).Transaction(op)
		if err == nil || !isLockError(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
}

func isLockError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1205 || mysqlErr.Number == 1213
	}
	return false
}

// lockBatch reads a batch under FOR UPDATE so that concurrent quantity
// mutations serialize on the row.
func lockBatch(tx *gorm.DB, batchId int) (*Batch, error) {
	var batch Batch
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&batch, batchId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &batch, nil
}

// setRemainingQuantity is the only legal mutation point for
// Batch.RemainingQuantity. It enforces 0 <= remaining <= quantity and writes
// the matching audit entry in the same transaction, so quantities and the
// audit trail cannot diverge.
func setRemainingQuantity(tx *gorm.DB, batch *Batch, newValue decimal.Decimal, action AuditAction, comment string) error {
	if newValue.IsNegative() {
		return fmt.Errorf("remaining quantity of batch %s cannot go negative", batch.BatchNumber)
	}
	if newValue.GreaterThan(batch.Quantity) {
		return fmt.Errorf("remaining quantity of batch %s cannot exceed produced quantity", batch.BatchNumber)
	}

	oldValue := batch.RemainingQuantity
	if err := tx.Model(&Batch{}).Where("id = ?", batch.ID).
		Update("remaining_quantity", newValue).Error; err != nil {
		return err
	}
	batch.RemainingQuantity = newValue

	return recordBatchAudit(tx, batch.ID, action, &oldValue, &newValue, comment)
}

// nextBatchNumber resolves a collision by appending the lowest free numeric
// suffix: base, base-2, base-3, ...
func nextBatchNumber(base string, existing []string) string {
	taken := make(map[string]struct{}, len(existing))
	for _, n := range existing {
		taken[n] = struct{}{}
	}
	if _, ok := taken[base]; !ok {
		return base
	}
	for i := 2; ; i++ {
		candidate := base + "-" + strconv.Itoa(i)
		if _, ok := taken[candidate]; !ok {
			return candidate
		}
	}
}

// generateBatchNumber produces a unique number for batches created without
// an explicit one.
func generateBatchNumber(tx *gorm.DB, productId int, asOf time.Time) (string, error) {
	base := fmt.Sprintf("AUTO-%d-%s", productId, utils.TruncateToDate(asOf).Format("2006-01-02"))

	var existing []string
	if err := tx.Model(&Batch{}).
		Where("batch_number LIKE ?", base+"%").
		Pluck("batch_number", &existing).Error; err != nil {
		return "", err
	}
	return nextBatchNumber(base, existing), nil
}

func (input *NewBatch) validate() error {
	if !input.Quantity.IsPositive() {
		return errors.New("batch quantity must be positive")
	}
	if !input.ExpiryDate.After(input.ProductionDate) {
		return errors.New("expiry date must be after production date")
	}
	return nil
}

// createBatch is the single creation path shared by operators, the
// replenishment watcher and bulk import. It runs inside the caller's
// transaction and always writes a `created` audit entry.
func createBatch(tx *gorm.DB, input *NewBatch) (*Batch, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	batchNumber := strings.TrimSpace(input.BatchNumber)
	if batchNumber == "" {
		var err error
		batchNumber, err = generateBatchNumber(tx, input.ProductId, time.Now().UTC())
		if err != nil {
			return nil, err
		}
	} else {
		var count int64
		if err := tx.Model(&Batch{}).Where("batch_number = ?", batchNumber).
			Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, errors.New("duplicate batch_number")
		}
	}

	batch := Batch{
		ProductId:         input.ProductId,
		BatchNumber:       batchNumber,
		ProductionDate:    utils.TruncateToDate(input.ProductionDate),
		ExpiryDate:        utils.TruncateToDate(input.ExpiryDate),
		Quantity:          input.Quantity,
		RemainingQuantity: input.Quantity,
		Supplier:          input.Supplier,
	}
	if err := tx.Create(&batch).Error; err != nil {
		return nil, err
	}

	comment := fmt.Sprintf("batch %s created with %s units", batch.BatchNumber, batch.Quantity.String())
	if err := recordBatchAudit(tx, batch.ID, AuditActionCreated, nil, &batch.RemainingQuantity, comment); err != nil {
		return nil, err
	}
	return &batch, nil
}

// CreateBatch registers a production lot for a perishable product.
func CreateBatch(ctx context.Context, input *NewBatch) (*Batch, error) {
	product, err := GetProduct(ctx, input.ProductId)
	if err != nil {
		return nil, errors.New("product not found")
	}
	if !utils.DereferencePtr(product.TracksExpiry) {
		return nil, errors.New("product does not track expiry")
	}

	var batch *Batch
	err = withLockRetry(ctx, func(tx *gorm.DB) error {
		var txErr error
		batch, txErr = createBatch(tx, input)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func GetBatch(ctx context.Context, id int) (*Batch, error) {
	db := config.GetDB()

	var batch Batch
	if err := db.WithContext(ctx).Preload("Product").First(&batch, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &batch, nil
}

// ListBatches returns a product's batches in FEFO order. remainingOnly
// filters out fully consumed lots.
func ListBatches(ctx context.Context, productId int, remainingOnly bool) ([]*Batch, error) {
	db := config.GetDB()

	dbCtx := db.WithContext(ctx).Where("product_id = ?", productId)
	if remainingOnly {
		dbCtx = dbCtx.Where("remaining_quantity > 0")
	}

	var batches []*Batch
	if err := dbCtx.Order("expiry_date ASC, production_date ASC, id ASC").
		Find(&batches).Error; err != nil {
		return nil, err
	}
	return batches, nil
}

// UpdateBatchDetails changes descriptive fields only. Quantities never move
// through here; use AdjustBatchQuantity or the allocator.
func UpdateBatchDetails(ctx context.Context, id int, input *UpdateBatch) (*Batch, error) {
	var batch *Batch
	err := withLockRetry(ctx, func(tx *gorm.DB) error {
		var txErr error
		batch, txErr = lockBatch(tx, id)
		if txErr != nil {
			return txErr
		}

		production := batch.ProductionDate
		expiry := batch.ExpiryDate
		if input.ProductionDate != nil {
			production = utils.TruncateToDate(*input.ProductionDate)
		}
		if input.ExpiryDate != nil {
			expiry = utils.TruncateToDate(*input.ExpiryDate)
		}
		if !expiry.After(production) {
			return errors.New("expiry date must be after production date")
		}

		updates := map[string]interface{}{
			"production_date": production,
			"expiry_date":     expiry,
		}
		if input.Supplier != nil {
			updates["supplier"] = *input.Supplier
		}
		if err := tx.Model(&Batch{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		batch.ProductionDate = production
		batch.ExpiryDate = expiry
		if input.Supplier != nil {
			batch.Supplier = *input.Supplier
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// AdjustBatchQuantity sets the remaining quantity directly (stock counts,
// damage write-offs). Goes through the audited mutation primitive like every
// other quantity change.
func AdjustBatchQuantity(ctx context.Context, id int, newRemaining decimal.Decimal, reason string) (*Batch, error) {
	var batch *Batch
	err := withLockRetry(ctx, func(tx *gorm.DB) error {
		var txErr error
		batch, txErr = lockBatch(tx, id)
		if txErr != nil {
			return txErr
		}
		if batch.RemainingQuantity.Equal(newRemaining) {
			return nil
		}
		comment := "manual adjustment"
		if reason != "" {
			comment = "manual adjustment: " + reason
		}
		return setRemainingQuantity(tx, batch, newRemaining, AuditActionQuantityChanged, comment)
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// DeleteBatch hard-deletes a batch and its allocations. Privileged, and the
// deletion itself is the last thing the audit trail records for the batch.
func DeleteBatch(ctx context.Context, id int) (*Batch, error) {
	isAdmin, ok := utils.GetIsAdminFromContext(ctx)
	if !ok || !isAdmin {
		return nil, errors.New("batch deletion requires admin privileges")
	}

	var batch *Batch
	err := withLockRetry(ctx, func(tx *gorm.DB) error {
		var txErr error
		batch, txErr = lockBatch(tx, id)
		if txErr != nil {
			return txErr
		}

		var boundLines int64
		if err := tx.Model(&OrderLine{}).Where("batch_id = ?", id).
			Count(&boundLines).Error; err != nil {
			return err
		}
		if boundLines > 0 {
			return errors.New("batch is bound to order lines; unassign them first")
		}

		comment := fmt.Sprintf("batch %s deleted with %s units remaining", batch.BatchNumber, batch.RemainingQuantity.String())
		if err := recordBatchAudit(tx, batch.ID, AuditActionDeleted, &batch.RemainingQuantity, nil, comment); err != nil {
			return err
		}
		if err := tx.Where("batch_id = ?", id).Delete(&BatchAllocation{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Batch{}, id).Error
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}
