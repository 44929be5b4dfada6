package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/freshcart/storefront_backend/config"
	"github.com/freshcart/storefront_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BatchAllocation records exactly how much of an order line was taken from
// which batch, so multi-batch auto-assignment can be unwound and reported
// precisely. The line's single BatchId stays a derived "primary batch" view.
type BatchAllocation struct {
	ID          int             `gorm:"primary_key" json:"id"`
	OrderLineId int             `gorm:"index;not null" json:"order_line_id"`
	BatchId     int             `gorm:"index;not null" json:"batch_id"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// allocationStep is one planned draw against a batch.
type allocationStep struct {
	Batch *Batch
	Take  decimal.Decimal
}

// sortCandidatesFefo orders batches nearest-expiry first. Production date
// then id break ties so the plan is deterministic.
func sortCandidatesFefo(candidates []*Batch) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.ExpiryDate.Equal(b.ExpiryDate) {
			return a.ExpiryDate.Before(b.ExpiryDate)
		}
		if !a.ProductionDate.Equal(b.ProductionDate) {
			return a.ProductionDate.Before(b.ProductionDate)
		}
		return a.ID < b.ID
	})
}

// planFefoAllocation greedily covers need from the sellable candidates in
// FEFO order. Pure: no I/O, callers apply the steps transactionally. The
// returned shortfall is zero when the plan fully covers the need.
func planFefoAllocation(need decimal.Decimal, candidates []*Batch, minPercent int, asOf time.Time) ([]allocationStep, decimal.Decimal) {
	sortCandidatesFefo(candidates)

	var steps []allocationStep
	remaining := need
	for _, batch := range candidates {
		if !remaining.IsPositive() {
			break
		}
		if !batch.IsSellableAt(minPercent, asOf) {
			continue
		}
		take := decimal.Min(remaining, batch.RemainingQuantity)
		steps = append(steps, allocationStep{Batch: batch, Take: take})
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		return nil, remaining
	}
	return steps, decimal.Zero
}

func allocationsForLine(tx *gorm.DB, lineId int) ([]*BatchAllocation, error) {
	var allocations []*BatchAllocation
	if err := tx.Where("order_line_id = ?", lineId).
		Order("id ASC").Find(&allocations).Error; err != nil {
		return nil, err
	}
	return allocations, nil
}

// GetLineAllocations exposes the exact consumption split for display.
func GetLineAllocations(ctx context.Context, lineId int) ([]*BatchAllocation, error) {
	db := config.GetDB()
	return allocationsForLine(db.WithContext(ctx), lineId)
}

// AssignSingleBatch binds one specific batch to an order line, drawing the
// full requested quantity from it. One atomic transaction: quantity
// decrement, binding and audit entry commit together or not at all.
func AssignSingleBatch(ctx context.Context, orderLineId int, batchId int) error {
	return withLockRetry(ctx, func(tx *gorm.DB) error {
		line, err := getOrderLine(tx, orderLineId)
		if err != nil {
			return err
		}
		if line.BatchId != nil {
			return errors.New("order line already has a batch assigned")
		}

		batch, err := lockBatch(tx, batchId)
		if err != nil {
			return err
		}
		if batch.ProductId != line.ProductId {
			return fmt.Errorf("%w: batch %s is for product %d, line wants product %d",
				ErrProductMismatch, batch.BatchNumber, batch.ProductId, line.ProductId)
		}

		today := time.Now().UTC()
		if IsExpiredAt(batch.ExpiryDate, today) {
			return fmt.Errorf("%w: batch %s expired on %s",
				ErrBatchNotEligible, batch.BatchNumber, batch.ExpiryDate.Format("2006-01-02"))
		}
		if batch.RemainingQuantity.LessThan(line.Quantity) {
			return fmt.Errorf("%w: batch %s has %s remaining, line needs %s",
				ErrBatchNotEligible, batch.BatchNumber, batch.RemainingQuantity.String(), line.Quantity.String())
		}
		minPercent := config.SellabilityMinPercent()
		if !batch.IsSellableAt(minPercent, today) {
			return fmt.Errorf("%w: batch %s is below the %d%% freshness threshold",
				ErrBatchNotEligible, batch.BatchNumber, minPercent)
		}

		comment := fmt.Sprintf("assigned %s units to order line %d", line.Quantity.String(), line.ID)
		newRemaining := batch.RemainingQuantity.Sub(line.Quantity)
		if err := setRemainingQuantity(tx, batch, newRemaining, AuditActionAssigned, comment); err != nil {
			return err
		}

		allocation := BatchAllocation{
			OrderLineId: line.ID,
			BatchId:     batch.ID,
			Quantity:    line.Quantity,
		}
		if err := tx.Create(&allocation).Error; err != nil {
			return err
		}
		return tx.Model(&OrderLine{}).Where("id = ?", line.ID).
			Update("batch_id", batch.ID).Error
	})
}

// UnassignBatch releases an order line's batches, restoring the exact
// quantities recorded in batch_allocations. Restoration is capped at each
// batch's produced quantity; a sweep in between means the spoiled units stay
// gone.
func UnassignBatch(ctx context.Context, orderLineId int) error {
	return withLockRetry(ctx, func(tx *gorm.DB) error {
		line, err := getOrderLine(tx, orderLineId)
		if err != nil {
			return err
		}
		if line.BatchId == nil {
			return ErrMissingBatchAssignment
		}

		allocations, err := allocationsForLine(tx, line.ID)
		if err != nil {
			return err
		}
		if len(allocations) == 0 {
			// Legacy lines bound before allocation tracking: restore the
			// requested quantity to the single bound batch.
			allocations = []*BatchAllocation{{
				OrderLineId: line.ID,
				BatchId:     *line.BatchId,
				Quantity:    line.Quantity,
			}}
		}

		for _, allocation := range allocations {
			batch, err := lockBatch(tx, allocation.BatchId)
			if err != nil {
				if errors.Is(err, utils.ErrorRecordNotFound) {
					continue // batch was hard-deleted, nothing to restore
				}
				return err
			}
			restored := decimal.Min(batch.Quantity, batch.RemainingQuantity.Add(allocation.Quantity))
			comment := fmt.Sprintf("unassigned %s units from order line %d", allocation.Quantity.String(), line.ID)
			if err := setRemainingQuantity(tx, batch, restored, AuditActionUnassigned, comment); err != nil {
				return err
			}
		}

		if err := tx.Where("order_line_id = ?", line.ID).
			Delete(&BatchAllocation{}).Error; err != nil {
			return err
		}
		return tx.Model(&OrderLine{}).Where("id = ?", line.ID).
			Update("batch_id", nil).Error
	})
}

// AutoAssignOrderLine covers a line's need from its product's sellable
// batches in FEFO order. All-or-nothing: when the candidates cannot cover
// the need, nothing is committed and the shortfall is reported.
func AutoAssignOrderLine(ctx context.Context, orderLineId int) error {
	return withLockRetry(ctx, func(tx *gorm.DB) error {
		line, err := getOrderLine(tx, orderLineId)
		if err != nil {
			return err
		}
		if line.BatchId != nil {
			return errors.New("order line already has a batch assigned")
		}

		today := time.Now().UTC()

		// FEFO candidate scan over (product_id, expiry_date), locked so a
		// concurrent assignment cannot consume the same units.
		var candidates []*Batch
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("product_id = ? AND expiry_date >= ? AND remaining_quantity > 0",
				line.ProductId, utils.TruncateToDate(today)).
			Order("expiry_date ASC, production_date ASC, id ASC").
			Find(&candidates).Error; err != nil {
			return err
		}

		minPercent := config.SellabilityMinPercent()
		steps, shortfall := planFefoAllocation(line.Quantity, candidates, minPercent, today)
		if shortfall.IsPositive() {
			available := line.Quantity.Sub(shortfall)
			return &InsufficientSellableStockError{
				ProductId:   line.ProductId,
				ProductName: line.Product.Name,
				Requested:   line.Quantity,
				Available:   available,
				Shortfall:   shortfall,
			}
		}

		for i, step := range steps {
			comment := fmt.Sprintf("auto-assigned %s of %s units to order line %d (FEFO)",
				step.Take.String(), line.Quantity.String(), line.ID)
			newRemaining := step.Batch.RemainingQuantity.Sub(step.Take)
			if err := setRemainingQuantity(tx, step.Batch, newRemaining, AuditActionAssigned, comment); err != nil {
				return err
			}
			allocation := BatchAllocation{
				OrderLineId: line.ID,
				BatchId:     step.Batch.ID,
				Quantity:    step.Take,
			}
			if err := tx.Create(&allocation).Error; err != nil {
				return err
			}
			if i == 0 {
				if err := tx.Model(&OrderLine{}).Where("id = ?", line.ID).
					Update("batch_id", step.Batch.ID).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// OrderAssignmentResult summarizes a whole-order auto-assignment pass.
type OrderAssignmentResult struct {
	AssignedCount  int      `json:"assigned_count"`
	FailedProducts []string `json:"failed_products"`
}

// AssignBatchesForOrder auto-assigns every perishable line that lacks a
// binding. Lines succeed or fail independently; successful lines are not
// rolled back when later ones fail.
func AssignBatchesForOrder(ctx context.Context, orderId int) (*OrderAssignmentResult, error) {
	order, err := GetOrder(ctx, orderId)
	if err != nil {
		return nil, err
	}

	logger := config.GetLogger()
	result := &OrderAssignmentResult{FailedProducts: []string{}}
	seenFailed := make(map[string]struct{})

	for _, line := range order.Lines {
		if !utils.DereferencePtr(line.Product.TracksExpiry) {
			continue
		}
		if line.BatchId != nil {
			continue
		}

		if err := AutoAssignOrderLine(ctx, line.ID); err != nil {
			if _, dup := seenFailed[line.Product.Name]; !dup {
				result.FailedProducts = append(result.FailedProducts, line.Product.Name)
				seenFailed[line.Product.Name] = struct{}{}
			}
			if !errors.Is(err, ErrInsufficientSellableStock) {
				config.LogError(logger, "allocation.go", "AssignBatchesForOrder", "AutoAssignOrderLine", line.ID, err)
			}
			continue
		}
		result.AssignedCount++
	}
	return result, nil
}
