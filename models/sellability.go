package models

import (
	"time"

	"github.com/freshcart/storefront_backend/utils"
	"github.com/shopspring/decimal"
)

// Sellability policy. Pure date arithmetic, no I/O: every component that
// needs to know whether a batch may still be sold goes through these.

var hundred = decimal.NewFromInt(100)

// IsExpiredAt reports whether the calendar day of asOf is past expiryDate.
// A batch expiring today is not yet expired.
func IsExpiredAt(expiryDate, asOf time.Time) bool {
	return utils.TruncateToDate(asOf).After(utils.TruncateToDate(expiryDate))
}

// DaysUntilExpiry returns whole days from asOf to expiryDate, negative once
// expired.
func DaysUntilExpiry(expiryDate, asOf time.Time) int {
	return utils.DaysBetween(asOf, expiryDate)
}

// TotalShelfLifeDays is the full production-to-expiry span in days.
func TotalShelfLifeDays(productionDate, expiryDate time.Time) int {
	return utils.DaysBetween(productionDate, expiryDate)
}

// PercentRemaining computes the unclamped share of shelf life left as of
// asOf. ok is false when the shelf life span is not positive, in which case
// freshness is undefined.
func PercentRemaining(productionDate, expiryDate, asOf time.Time) (decimal.Decimal, bool) {
	life := TotalShelfLifeDays(productionDate, expiryDate)
	if life <= 0 {
		return decimal.Zero, false
	}
	left := DaysUntilExpiry(expiryDate, asOf)
	pct := decimal.NewFromInt(int64(left)).Mul(hundred).Div(decimal.NewFromInt(int64(life)))
	return pct, true
}

// DisplayPercentRemaining clamps to [0,100] for UI consumption.
func DisplayPercentRemaining(productionDate, expiryDate, asOf time.Time) (decimal.Decimal, bool) {
	pct, ok := PercentRemaining(productionDate, expiryDate, asOf)
	if !ok {
		return decimal.Zero, false
	}
	if pct.IsNegative() {
		return decimal.Zero, true
	}
	if pct.GreaterThan(hundred) {
		return hundred, true
	}
	return pct, true
}

// IsSellableAt is the single sellability gate: not expired, stock left, and
// at least minPercent of shelf life remaining. Undefined freshness (bad
// dates) never passes.
func (b *Batch) IsSellableAt(minPercent int, asOf time.Time) bool {
	if IsExpiredAt(b.ExpiryDate, asOf) {
		return false
	}
	if !b.RemainingQuantity.IsPositive() {
		return false
	}
	pct, ok := PercentRemaining(b.ProductionDate, b.ExpiryDate, asOf)
	if !ok {
		return false
	}
	return pct.GreaterThanOrEqual(decimal.NewFromInt(int64(minPercent)))
}
