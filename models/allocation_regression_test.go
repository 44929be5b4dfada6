package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/freshcart/storefront_backend/config"
	"github.com/freshcart/storefront_backend/models"
	"github.com/freshcart/storefront_backend/utils"
	"github.com/shopspring/decimal"
)

func setupIntegrationEnv(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "freshcart_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	models.MigrateTable()

	ctx := utils.SetUserIdInContext(context.Background(), 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	return ctx
}

func TestReplenishmentSynthesizesBatchAndFefoSpill(t *testing.T) {
	ctx := setupIntegrationEnv(t)

	milk, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:          "Whole Milk",
		Sku:           "MILK-001",
		UnitPrice:     decimal.NewFromInt(3),
		TracksExpiry:  utils.NewTrue(),
		ShelfLifeDays: intPtr(30),
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	// Legacy stock write: 0 -> 50 must synthesize a batch in the same
	// transaction.
	if _, err := models.UpdateProductStock(ctx, milk.ID, decimal.NewFromInt(50)); err != nil {
		t.Fatalf("UpdateProductStock: %v", err)
	}
	batches, err := models.ListBatches(ctx, milk.ID, false)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 synthesized batch; got %d", len(batches))
	}
	auto := batches[0]
	today := utils.TruncateToDate(time.Now().UTC())
	wantNumber := fmt.Sprintf("AUTO-%d-%s", milk.ID, today.Format("2006-01-02"))
	if auto.BatchNumber != wantNumber {
		t.Fatalf("expected batch number %s; got %s", wantNumber, auto.BatchNumber)
	}
	if auto.Supplier != "auto" || !auto.RemainingQuantity.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("unexpected synthesized batch: %+v", auto)
	}
	if !auto.ExpiryDate.Equal(today.AddDate(0, 0, 30)) {
		t.Fatalf("expected expiry production+30d; got %s", auto.ExpiryDate)
	}

	// A second increase on the same day must suffix the generated number.
	if _, err := models.UpdateProductStock(ctx, milk.ID, decimal.NewFromInt(80)); err != nil {
		t.Fatalf("UpdateProductStock(second): %v", err)
	}
	batches, err = models.ListBatches(ctx, milk.ID, false)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches after second increase; got %d", len(batches))
	}

	// Manual near-expiry batch: FEFO must drain it first.
	near, err := models.CreateBatch(ctx, &models.NewBatch{
		ProductId:      milk.ID,
		BatchNumber:    "LOT-NEAR",
		ProductionDate: today.AddDate(0, 0, -2),
		ExpiryDate:     today.AddDate(0, 0, 20),
		Quantity:       decimal.NewFromInt(15),
		Supplier:       "dairy-co",
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	order, err := models.CreateOrder(ctx, &models.NewOrder{
		OrderNumber: "SO-0001",
		Lines: []models.NewOrderLine{
			{ProductId: milk.ID, Quantity: decimal.NewFromInt(40)},
		},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	lineId := order.Lines[0].ID

	if err := models.AutoAssignOrderLine(ctx, lineId); err != nil {
		t.Fatalf("AutoAssignOrderLine: %v", err)
	}

	allocations, err := models.GetLineAllocations(ctx, lineId)
	if err != nil {
		t.Fatalf("GetLineAllocations: %v", err)
	}
	if len(allocations) != 2 {
		t.Fatalf("expected FEFO spill across 2 batches; got %d allocations", len(allocations))
	}
	if allocations[0].BatchId != near.ID || !allocations[0].Quantity.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("expected 15 units from near-expiry batch first; got %+v", allocations[0])
	}
	if !allocations[1].Quantity.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("expected 25 units from next batch; got %+v", allocations[1])
	}

	// The line's primary batch is the first (nearest-expiry) draw.
	refreshed, err := models.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if refreshed.Lines[0].BatchId == nil || *refreshed.Lines[0].BatchId != near.ID {
		t.Fatalf("expected primary batch %d; got %v", near.ID, refreshed.Lines[0].BatchId)
	}

	nearAfter, err := models.GetBatch(ctx, near.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if !nearAfter.RemainingQuantity.IsZero() {
		t.Fatalf("expected near batch drained; got %s", nearAfter.RemainingQuantity.String())
	}

	// Every draw left an audit entry attributed to the acting user.
	entries, err := models.ListBatchAuditEntries(ctx, near.ID)
	if err != nil {
		t.Fatalf("ListBatchAuditEntries: %v", err)
	}
	var assigned *models.BatchAuditLog
	for _, e := range entries {
		if e.Action == models.AuditActionAssigned {
			assigned = e
			break
		}
	}
	if assigned == nil {
		t.Fatalf("expected an 'assigned' audit entry; got %+v", entries)
	}
	if assigned.UserId == nil || *assigned.UserId != 1 {
		t.Fatalf("expected audit entry attributed to user 1; got %+v", assigned)
	}
	if assigned.OldValue == nil || assigned.NewValue == nil ||
		!assigned.OldValue.Equal(decimal.NewFromInt(15)) || !assigned.NewValue.IsZero() {
		t.Fatalf("expected audit 15 -> 0; got %+v", assigned)
	}

	// Unassign restores the exact split and clears the allocations.
	if err := models.UnassignBatch(ctx, lineId); err != nil {
		t.Fatalf("UnassignBatch: %v", err)
	}
	allocations, err = models.GetLineAllocations(ctx, lineId)
	if err != nil {
		t.Fatalf("GetLineAllocations(after unassign): %v", err)
	}
	if len(allocations) != 0 {
		t.Fatalf("expected allocations cleared; got %d", len(allocations))
	}
	nearAfter, err = models.GetBatch(ctx, near.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if !nearAfter.RemainingQuantity.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("expected near batch restored to 15; got %s", nearAfter.RemainingQuantity.String())
	}
	refreshed, err = models.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if refreshed.Lines[0].BatchId != nil {
		t.Fatalf("expected line unbound; got batch %v", *refreshed.Lines[0].BatchId)
	}
}

func TestAutoAssignReportsShortfall(t *testing.T) {
	ctx := setupIntegrationEnv(t)

	cheese, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:         "Brie",
		Sku:          "BRIE-001",
		UnitPrice:    decimal.NewFromInt(8),
		TracksExpiry: utils.NewTrue(),
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	today := utils.TruncateToDate(time.Now().UTC())
	if _, err := models.CreateBatch(ctx, &models.NewBatch{
		ProductId:      cheese.ID,
		BatchNumber:    "LOT-BRIE",
		ProductionDate: today,
		ExpiryDate:     today.AddDate(0, 0, 40),
		Quantity:       decimal.NewFromInt(50),
	}); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	order, err := models.CreateOrder(ctx, &models.NewOrder{
		OrderNumber: "SO-0002",
		Lines: []models.NewOrderLine{
			{ProductId: cheese.ID, Quantity: decimal.NewFromInt(60)},
		},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	result, err := models.AssignBatchesForOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("AssignBatchesForOrder: %v", err)
	}
	if result.AssignedCount != 0 || len(result.FailedProducts) != 1 || result.FailedProducts[0] != "Brie" {
		t.Fatalf("expected shortfall on Brie; got %+v", result)
	}

	// Nothing was drawn: all-or-nothing per line.
	batches, err := models.ListBatches(ctx, cheese.ID, false)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if !batches[0].RemainingQuantity.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected untouched batch; got %s", batches[0].RemainingQuantity.String())
	}

	// Replenishment closes the gap and the retry succeeds.
	if _, err := models.OnStockIncrease(ctx, cheese.ID, decimal.NewFromInt(30)); err != nil {
		t.Fatalf("OnStockIncrease: %v", err)
	}
	result, err = models.AssignBatchesForOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("AssignBatchesForOrder(retry): %v", err)
	}
	if result.AssignedCount != 1 || len(result.FailedProducts) != 0 {
		t.Fatalf("expected retry to assign; got %+v", result)
	}
}

func TestExpirySweepIsIdempotentAndReports(t *testing.T) {
	ctx := setupIntegrationEnv(t)

	yogurt, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:         "Yogurt",
		Sku:          "YOG-001",
		UnitPrice:    decimal.NewFromInt(2),
		TracksExpiry: utils.NewTrue(),
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	today := utils.TruncateToDate(time.Now().UTC())
	expired, err := models.CreateBatch(ctx, &models.NewBatch{
		ProductId:      yogurt.ID,
		BatchNumber:    "LOT-OLD",
		ProductionDate: today.AddDate(0, 0, -40),
		ExpiryDate:     today.AddDate(0, 0, -5),
		Quantity:       decimal.NewFromInt(30),
	})
	if err != nil {
		t.Fatalf("CreateBatch(expired): %v", err)
	}
	fresh, err := models.CreateBatch(ctx, &models.NewBatch{
		ProductId:      yogurt.ID,
		BatchNumber:    "LOT-FRESH",
		ProductionDate: today,
		ExpiryDate:     today.AddDate(0, 0, 30),
		Quantity:       decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("CreateBatch(fresh): %v", err)
	}

	// Dry run reports without mutating.
	report, err := models.SweepExpired(ctx, 0, true)
	if err != nil {
		t.Fatalf("SweepExpired(dry): %v", err)
	}
	if report.SweptBatches != 1 || !report.SweptUnits.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("dry run: expected 1 batch / 30 units; got %+v", report)
	}
	check, err := models.GetBatch(ctx, expired.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if !check.RemainingQuantity.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("dry run must not mutate; got %s", check.RemainingQuantity.String())
	}

	// Real sweep zeroes the expired batch only.
	report, err = models.SweepExpired(ctx, 0, false)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if report.SweptBatches != 1 || !report.EstimatedValue.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected 1 swept batch worth 60; got %+v", report)
	}
	check, err = models.GetBatch(ctx, expired.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if !check.RemainingQuantity.IsZero() {
		t.Fatalf("expected expired batch zeroed; got %s", check.RemainingQuantity.String())
	}
	freshAfter, err := models.GetBatch(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("GetBatch(fresh): %v", err)
	}
	if !freshAfter.RemainingQuantity.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("fresh batch must be untouched; got %s", freshAfter.RemainingQuantity.String())
	}

	// Spoil audit entry marks the system actor and names the expiry date.
	entries, err := models.ListBatchAuditEntries(ctx, expired.ID)
	if err != nil {
		t.Fatalf("ListBatchAuditEntries: %v", err)
	}
	foundSpoiled := false
	for _, e := range entries {
		if e.Action == models.AuditActionSpoiled {
			foundSpoiled = true
		}
	}
	if !foundSpoiled {
		t.Fatalf("expected a 'spoiled' audit entry; got %+v", entries)
	}

	// The spoilage report was queued for publication.
	db := config.GetDB()
	var record models.NotificationRecord
	if err := db.WithContext(ctx).
		Where("kind = ?", models.NotificationKindSpoilageReport).
		Order("id DESC").First(&record).Error; err != nil {
		t.Fatalf("expected a spoilage report notification record: %v", err)
	}

	// Second run finds nothing: the sweep predicate is remaining > 0.
	report, err = models.SweepExpired(ctx, 0, false)
	if err != nil {
		t.Fatalf("SweepExpired(again): %v", err)
	}
	if report.SweptBatches != 0 {
		t.Fatalf("expected idempotent re-run; got %+v", report)
	}
}

func TestFulfillmentGateBlocksStaleAssignments(t *testing.T) {
	ctx := setupIntegrationEnv(t)

	salad, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:         "Salad Mix",
		Sku:          "SAL-001",
		UnitPrice:    decimal.NewFromInt(4),
		TracksExpiry: utils.NewTrue(),
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	today := utils.TruncateToDate(time.Now().UTC())
	batch, err := models.CreateBatch(ctx, &models.NewBatch{
		ProductId:      salad.ID,
		BatchNumber:    "LOT-SAL",
		ProductionDate: today.AddDate(0, 0, -1),
		ExpiryDate:     today.AddDate(0, 0, 20),
		Quantity:       decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	order, err := models.CreateOrder(ctx, &models.NewOrder{
		OrderNumber: "SO-0003",
		Lines: []models.NewOrderLine{
			{ProductId: salad.ID, Quantity: decimal.NewFromInt(5)},
		},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	lineId := order.Lines[0].ID

	// Unassigned perishable line blocks completion.
	check, err := models.CanCompleteOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("CanCompleteOrder: %v", err)
	}
	if check.Ok || len(check.BlockingProducts) != 1 || check.BlockingProducts[0] != "Salad Mix" {
		t.Fatalf("expected unassigned line to block; got %+v", check)
	}

	if err := models.AssignSingleBatch(ctx, lineId, batch.ID); err != nil {
		t.Fatalf("AssignSingleBatch: %v", err)
	}
	check, err = models.CanCompleteOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("CanCompleteOrder(assigned): %v", err)
	}
	if !check.Ok {
		t.Fatalf("expected completable order; got %+v", check)
	}

	// Simulate shelf aging while the order sat in picking: the bound batch
	// drops below the freshness floor and completion must refuse.
	stale := today.AddDate(0, 0, -100)
	soon := today.AddDate(0, 0, 2)
	if _, err := models.UpdateBatchDetails(ctx, batch.ID, &models.UpdateBatch{
		ProductionDate: &stale,
		ExpiryDate:     &soon,
	}); err != nil {
		t.Fatalf("UpdateBatchDetails: %v", err)
	}
	check, err = models.CanCompleteOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("CanCompleteOrder(stale): %v", err)
	}
	if check.Ok || len(check.BlockingProducts) != 1 {
		t.Fatalf("expected stale assignment to block; got %+v", check)
	}
	if _, err := models.CompleteOrder(ctx, order.ID); err == nil {
		t.Fatalf("expected CompleteOrder to refuse a stale assignment")
	}

	// Fresh dates again: completion goes through and the order lands in
	// Completed.
	farOut := today.AddDate(0, 0, 25)
	recent := today.AddDate(0, 0, -1)
	if _, err := models.UpdateBatchDetails(ctx, batch.ID, &models.UpdateBatch{
		ProductionDate: &recent,
		ExpiryDate:     &farOut,
	}); err != nil {
		t.Fatalf("UpdateBatchDetails(restore): %v", err)
	}
	completed, err := models.CompleteOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("CompleteOrder: %v", err)
	}
	if completed.Status != models.OrderStatusCompleted {
		t.Fatalf("expected Completed status; got %s", completed.Status)
	}
}

func intPtr(v int) *int { return &v }

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("freshcart-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("freshcart-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=freshcart_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
