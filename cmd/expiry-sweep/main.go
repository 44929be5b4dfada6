package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/freshcart/storefront_backend/config"
	"github.com/freshcart/storefront_backend/models"
	"github.com/freshcart/storefront_backend/utils"
	"github.com/google/uuid"
)

// Scheduled job entry point: run daily (cron / Cloud Scheduler) to zero out
// expired batches and emit the spoilage report.
func main() {
	daysOverdue := flag.Int("days-overdue", 0, "Optional: only sweep batches expired at least this many days ago")
	dryRun := flag.Bool("dry-run", false, "Report what would be swept without mutating anything")
	flag.Parse()

	if *daysOverdue < 0 {
		fmt.Fprintln(os.Stderr, "--days-overdue must not be negative")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	// Redis only guards against overlapping sweep runs; the sweep itself is
	// idempotent, so a missing Redis is not fatal.
	config.ConnectRedisWithRetry()

	ctx := utils.SetUserIdInContext(context.Background(), 0)
	ctx = utils.SetUserNameInContext(ctx, "System")
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())

	report, err := models.SweepExpired(ctx, *daysOverdue, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
		os.Exit(1)
	}

	mode := "swept"
	if *dryRun {
		mode = "would sweep"
	}
	fmt.Printf("%s %d batches (%s units) across %d products, estimated value %s\n",
		mode, report.SweptBatches, report.SweptUnits.String(), len(report.ByProduct), report.EstimatedValue.StringFixed(2))
	for _, p := range report.TopProducts() {
		fmt.Printf("  %s: %s units (value %s)\n", p.Name, p.Quantity.String(), p.Value.StringFixed(2))
	}
}
