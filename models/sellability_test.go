package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestIsExpiredAt(t *testing.T) {
	expiry := day(2026, 3, 10)

	assert.False(t, IsExpiredAt(expiry, day(2026, 3, 9)))
	// Expiring today still counts as sellable for the whole day.
	assert.False(t, IsExpiredAt(expiry, day(2026, 3, 10)))
	assert.False(t, IsExpiredAt(expiry, time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)))
	assert.True(t, IsExpiredAt(expiry, day(2026, 3, 11)))
	assert.True(t, IsExpiredAt(expiry, time.Date(2026, 3, 11, 0, 1, 0, 0, time.UTC)))
}

func TestPercentRemaining(t *testing.T) {
	production := day(2026, 1, 1)
	expiry := production.AddDate(0, 0, 50)

	// 40 of 50 days left -> 80%.
	pct, ok := PercentRemaining(production, expiry, day(2026, 1, 11))
	require.True(t, ok)
	assert.True(t, pct.Equal(decimal.NewFromInt(80)), "got %s", pct)

	// 25 of 50 days left -> 50%.
	pct, ok = PercentRemaining(production, expiry, day(2026, 1, 26))
	require.True(t, ok)
	assert.True(t, pct.Equal(decimal.NewFromInt(50)), "got %s", pct)

	// Before production the raw value exceeds 100.
	pct, ok = PercentRemaining(production, expiry, day(2025, 12, 27))
	require.True(t, ok)
	assert.True(t, pct.GreaterThan(decimal.NewFromInt(100)))

	// Past expiry it goes negative.
	pct, ok = PercentRemaining(production, expiry, expiry.AddDate(0, 0, 5))
	require.True(t, ok)
	assert.True(t, pct.IsNegative())
}

func TestPercentRemainingUndefinedForBadDates(t *testing.T) {
	d := day(2026, 1, 1)

	_, ok := PercentRemaining(d, d, d)
	assert.False(t, ok, "zero-length shelf life must be undefined")

	_, ok = PercentRemaining(d, d.AddDate(0, 0, -3), d)
	assert.False(t, ok, "inverted dates must be undefined")
}

func TestDisplayPercentRemainingClamps(t *testing.T) {
	production := day(2026, 1, 1)
	expiry := production.AddDate(0, 0, 50)

	pct, ok := DisplayPercentRemaining(production, expiry, day(2025, 12, 1))
	require.True(t, ok)
	assert.True(t, pct.Equal(decimal.NewFromInt(100)))

	pct, ok = DisplayPercentRemaining(production, expiry, expiry.AddDate(0, 0, 10))
	require.True(t, ok)
	assert.True(t, pct.IsZero())
}

func TestBatchIsSellableAt(t *testing.T) {
	production := day(2026, 1, 1)
	expiry := production.AddDate(0, 0, 50)
	batch := &Batch{
		ProductionDate:    production,
		ExpiryDate:        expiry,
		Quantity:          decimal.NewFromInt(10),
		RemainingQuantity: decimal.NewFromInt(10),
	}

	// 80% remaining: sellable.
	assert.True(t, batch.IsSellableAt(70, day(2026, 1, 11)))
	// 70% exactly: still sellable (inclusive threshold).
	assert.True(t, batch.IsSellableAt(70, day(2026, 1, 16)))
	// 50% remaining: blocked even though unexpired with stock on hand.
	assert.False(t, batch.IsSellableAt(70, day(2026, 1, 26)))

	// Depleted batch never sells.
	depleted := *batch
	depleted.RemainingQuantity = decimal.Zero
	assert.False(t, depleted.IsSellableAt(70, day(2026, 1, 11)))

	// Expired batch never sells.
	assert.False(t, batch.IsSellableAt(70, expiry.AddDate(0, 0, 1)))

	// Undefined freshness never sells, regardless of stock.
	bad := &Batch{
		ProductionDate:    production,
		ExpiryDate:        production,
		RemainingQuantity: decimal.NewFromInt(5),
	}
	assert.False(t, bad.IsSellableAt(70, production))
}
