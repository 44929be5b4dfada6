package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bsm/redislock"
	"github.com/freshcart/storefront_backend/config"
	"github.com/freshcart/storefront_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Expiry sweeper: reclaims batches left unconsumed past their expiry date.
// Scheduling is owned by the caller (cron, operator action); the sweep
// itself is a stateless, idempotent callable.

const sweepLockKey = "locks:expiry-sweep"

// spoilage notifications only carry the most valuable products
const spoilageReportTopProducts = 10

type ProductSpoilage struct {
	ProductId int             `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  decimal.Decimal `json:"quantity"`
	Value     decimal.Decimal `json:"value"`
}

type SpoilageReport struct {
	DaysOverdue    int               `json:"days_overdue"`
	DryRun         bool              `json:"dry_run"`
	SweptBatches   int               `json:"swept_batches"`
	SweptUnits     decimal.Decimal   `json:"swept_units"`
	EstimatedValue decimal.Decimal   `json:"estimated_value"`
	ByProduct      []ProductSpoilage `json:"by_product"`
	GeneratedAt    time.Time         `json:"generated_at"`
}

// TopProducts caps the per-product breakdown for downstream notification.
func (r *SpoilageReport) TopProducts() []ProductSpoilage {
	if len(r.ByProduct) <= spoilageReportTopProducts {
		return r.ByProduct
	}
	return r.ByProduct[:spoilageReportTopProducts]
}

// spoiledRow is one swept (or sweepable, in dry-run) batch.
type spoiledRow struct {
	BatchId     int
	BatchNumber string
	ProductId   int
	ProductName string
	UnitPrice   decimal.Decimal
	Quantity    decimal.Decimal
	ExpiryDate  time.Time
}

// buildSpoilageReport aggregates swept rows per product with an estimated
// value of unitPrice x quantity, sorted by value descending.
func buildSpoilageReport(rows []spoiledRow, daysOverdue int, dryRun bool) *SpoilageReport {
	report := &SpoilageReport{
		DaysOverdue: daysOverdue,
		DryRun:      dryRun,
		SweptUnits:  decimal.Zero,
		ByProduct:   []ProductSpoilage{},
		GeneratedAt: time.Now().UTC(),
	}

	perProduct := make(map[int]*ProductSpoilage)
	var order []int
	for _, row := range rows {
		value := row.UnitPrice.Mul(row.Quantity)
		report.SweptBatches++
		report.SweptUnits = report.SweptUnits.Add(row.Quantity)
		report.EstimatedValue = report.EstimatedValue.Add(value)

		entry, ok := perProduct[row.ProductId]
		if !ok {
			entry = &ProductSpoilage{ProductId: row.ProductId, Name: row.ProductName}
			perProduct[row.ProductId] = entry
			order = append(order, row.ProductId)
		}
		entry.Quantity = entry.Quantity.Add(row.Quantity)
		entry.Value = entry.Value.Add(value)
	}

	for _, productId := range order {
		report.ByProduct = append(report.ByProduct, *perProduct[productId])
	}
	sort.SliceStable(report.ByProduct, func(i, j int) bool {
		return report.ByProduct[i].Value.GreaterThan(report.ByProduct[j].Value)
	})
	return report
}

// SweepExpired zeroes out every batch expired by at least daysOverdue days
// that still has stock. Each batch is its own transaction: a failure mid-run
// leaves processed batches zeroed and the rest untouched, and re-running is
// a no-op for anything already swept. dryRun reports without mutating.
func SweepExpired(ctx context.Context, daysOverdue int, dryRun bool) (*SpoilageReport, error) {
	if daysOverdue < 0 {
		return nil, errors.New("daysOverdue cannot be negative")
	}

	logger := config.GetLogger()

	// Best-effort mutual exclusion between overlapping sweep runs. The DB
	// predicate (remaining_quantity > 0) keeps correctness even without it.
	if locker := config.GetRedisLock(); locker != nil && !dryRun {
		lock, err := locker.Obtain(ctx, sweepLockKey, 10*time.Minute, nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				return nil, errors.New("an expiry sweep is already running")
			}
			config.LogError(logger, "sweeper.go", "SweepExpired", "redislock.Obtain", nil, err)
		} else {
			defer lock.Release(context.Background())
		}
	}

	db := config.GetDB()
	cutoff := utils.TruncateToDate(time.Now().UTC()).AddDate(0, 0, -daysOverdue)

	if dryRun {
		rows, err := selectSweepCandidates(ctx, cutoff)
		if err != nil {
			return nil, err
		}
		return buildSpoilageReport(rows, daysOverdue, true), nil
	}

	var candidateIds []int
	if err := db.WithContext(ctx).Model(&Batch{}).
		Where("expiry_date < ? AND remaining_quantity > 0", cutoff).
		Order("expiry_date ASC, id ASC").
		Pluck("id", &candidateIds).Error; err != nil {
		return nil, err
	}

	var rows []spoiledRow
	for _, batchId := range candidateIds {
		row, err := sweepOneBatch(ctx, batchId, cutoff)
		if err != nil {
			// Per-batch isolation: log and keep sweeping the rest.
			config.LogError(logger, "sweeper.go", "SweepExpired", "sweepOneBatch", batchId, err)
			continue
		}
		if row != nil {
			rows = append(rows, *row)
		}
	}

	report := buildSpoilageReport(rows, daysOverdue, false)

	if report.SweptBatches > 0 {
		notification := *report
		notification.ByProduct = report.TopProducts()
		if err := EnqueueNotification(ctx, NotificationKindSpoilageReport, &notification); err != nil {
			// The sweep already committed; a notification failure is logged,
			// never propagated.
			config.LogError(logger, "sweeper.go", "SweepExpired", "EnqueueNotification", nil, err)
		}
	}
	return report, nil
}

// selectSweepCandidates reads what a sweep would reclaim, without locking
// or mutating anything. Used by dry runs.
func selectSweepCandidates(ctx context.Context, cutoff time.Time) ([]spoiledRow, error) {
	db := config.GetDB()

	var rows []spoiledRow
	if err := db.WithContext(ctx).Raw(`
		SELECT
			b.id AS batch_id,
			b.batch_number,
			b.product_id,
			p.name AS product_name,
			p.unit_price,
			b.remaining_quantity AS quantity,
			b.expiry_date
		FROM batches b
		JOIN products p ON p.id = b.product_id
		WHERE b.expiry_date < ? AND b.remaining_quantity > 0
		ORDER BY b.expiry_date ASC, b.id ASC
	`, cutoff).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// sweepOneBatch zeroes a single expired batch in its own transaction,
// re-checking the selection predicate under the row lock. Returns nil when
// another run already zeroed it.
func sweepOneBatch(ctx context.Context, batchId int, cutoff time.Time) (*spoiledRow, error) {
	var row *spoiledRow
	err := withLockRetry(ctx, func(tx *gorm.DB) error {
		row = nil
		batch, err := lockBatch(tx, batchId)
		if err != nil {
			return err
		}
		if !batch.ExpiryDate.Before(cutoff) || !batch.RemainingQuantity.IsPositive() {
			return nil
		}

		product, err := GetProduct(ctx, batch.ProductId)
		if err != nil {
			return err
		}

		row = &spoiledRow{
			BatchId:     batch.ID,
			BatchNumber: batch.BatchNumber,
			ProductId:   product.ID,
			ProductName: product.Name,
			UnitPrice:   product.UnitPrice,
			Quantity:    batch.RemainingQuantity,
			ExpiryDate:  batch.ExpiryDate,
		}

		comment := fmt.Sprintf("spoiled: batch %s expired on %s", batch.BatchNumber, batch.ExpiryDate.Format("2006-01-02"))
		return setRemainingQuantity(tx, batch, decimal.Zero, AuditActionSpoiled, comment)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}
