package models

import (
	"context"
	"time"

	"github.com/freshcart/storefront_backend/config"
	"github.com/freshcart/storefront_backend/utils"
	"github.com/shopspring/decimal"
)

// Fulfillment gate: the last check before an order completes. Freshness is
// re-evaluated live here — a batch that was fine at assignment time may have
// slipped below the threshold while the order sat in picking.

type CompletionCheck struct {
	Ok               bool     `json:"ok"`
	BlockingProducts []string `json:"blocking_products"`
}

// CanCompleteOrder validates every perishable line of the order. It never
// mutates anything; completion is refused as a whole and the caller gets
// all offending product names in one response.
func CanCompleteOrder(ctx context.Context, orderId int) (*CompletionCheck, error) {
	order, err := GetOrder(ctx, orderId)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	now := time.Now().UTC()
	minPercent := config.SellabilityMinPercent()

	check := &CompletionCheck{Ok: true, BlockingProducts: []string{}}
	seen := make(map[string]struct{})
	block := func(productName string) {
		check.Ok = false
		if _, dup := seen[productName]; !dup {
			check.BlockingProducts = append(check.BlockingProducts, productName)
			seen[productName] = struct{}{}
		}
	}

	for _, line := range order.Lines {
		if !utils.DereferencePtr(line.Product.TracksExpiry) {
			continue
		}
		if line.BatchId == nil {
			block(line.Product.Name)
			continue
		}

		var batch Batch
		if err := db.WithContext(ctx).First(&batch, *line.BatchId).Error; err != nil {
			block(line.Product.Name)
			continue
		}
		// The bound batch's own remaining quantity may legitimately be zero
		// (the line's units were already drawn from it), so only expiry and
		// freshness are re-checked here.
		if IsExpiredAt(batch.ExpiryDate, now) {
			block(line.Product.Name)
			continue
		}
		pct, ok := PercentRemaining(batch.ProductionDate, batch.ExpiryDate, now)
		if !ok || pct.LessThan(decimal.NewFromInt(int64(minPercent))) {
			block(line.Product.Name)
		}
	}
	return check, nil
}
