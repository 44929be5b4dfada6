package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planBatch(id int, production, expiry time.Time, remaining int64) *Batch {
	return &Batch{
		ID:                id,
		ProductId:         1,
		ProductionDate:    production,
		ExpiryDate:        expiry,
		Quantity:          decimal.NewFromInt(remaining),
		RemainingQuantity: decimal.NewFromInt(remaining),
	}
}

func TestSortCandidatesFefo(t *testing.T) {
	production := day(2026, 1, 1)
	candidates := []*Batch{
		planBatch(3, production, day(2026, 4, 1), 10),
		planBatch(1, production, day(2026, 3, 1), 10),
		planBatch(2, production, day(2026, 3, 1), 10),
		planBatch(4, day(2025, 12, 20), day(2026, 3, 1), 10),
	}

	sortCandidatesFefo(candidates)

	// Nearest expiry first; earlier production then lower id break ties.
	ids := []int{candidates[0].ID, candidates[1].ID, candidates[2].ID, candidates[3].ID}
	assert.Equal(t, []int{4, 1, 2, 3}, ids)
}

func TestPlanFefoAllocationSpillsAcrossBatches(t *testing.T) {
	asOf := day(2026, 1, 10)
	production := day(2026, 1, 5)
	near := planBatch(1, production, day(2026, 2, 10), 50)
	far := planBatch(2, production, day(2026, 3, 10), 40)

	steps, shortfall := planFefoAllocation(decimal.NewFromInt(60), []*Batch{far, near}, 70, asOf)

	require.Len(t, steps, 2)
	assert.True(t, shortfall.IsZero())
	assert.Equal(t, 1, steps[0].Batch.ID)
	assert.True(t, steps[0].Take.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, 2, steps[1].Batch.ID)
	assert.True(t, steps[1].Take.Equal(decimal.NewFromInt(10)))
}

func TestPlanFefoAllocationSkipsIneligibleCandidates(t *testing.T) {
	asOf := day(2026, 1, 20)
	expired := planBatch(1, day(2026, 1, 1), day(2026, 1, 15), 100)
	stale := planBatch(2, day(2026, 1, 1), day(2026, 3, 1), 100)
	stale.ProductionDate = day(2025, 11, 1) // well under 70% left
	depleted := planBatch(3, day(2026, 1, 15), day(2026, 3, 1), 0)
	fresh := planBatch(4, day(2026, 1, 15), day(2026, 3, 1), 30)

	steps, shortfall := planFefoAllocation(decimal.NewFromInt(20), []*Batch{expired, stale, depleted, fresh}, 70, asOf)

	require.Len(t, steps, 1)
	assert.True(t, shortfall.IsZero())
	assert.Equal(t, 4, steps[0].Batch.ID)
	assert.True(t, steps[0].Take.Equal(decimal.NewFromInt(20)))
}

func TestPlanFefoAllocationShortfall(t *testing.T) {
	asOf := day(2026, 1, 10)
	only := planBatch(1, day(2026, 1, 5), day(2026, 2, 10), 50)

	steps, shortfall := planFefoAllocation(decimal.NewFromInt(60), []*Batch{only}, 70, asOf)

	// All-or-nothing: a partial plan is never returned.
	assert.Nil(t, steps)
	assert.True(t, shortfall.Equal(decimal.NewFromInt(10)), "got %s", shortfall)
}

func TestPlanFefoAllocationExactFit(t *testing.T) {
	asOf := day(2026, 1, 10)
	only := planBatch(1, day(2026, 1, 5), day(2026, 2, 10), 50)

	steps, shortfall := planFefoAllocation(decimal.NewFromInt(50), []*Batch{only}, 70, asOf)

	require.Len(t, steps, 1)
	assert.True(t, shortfall.IsZero())
	assert.True(t, steps[0].Take.Equal(decimal.NewFromInt(50)))
}
