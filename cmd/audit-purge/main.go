package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/freshcart/storefront_backend/config"
	"github.com/freshcart/storefront_backend/models"
	"github.com/freshcart/storefront_backend/utils"
	"github.com/google/uuid"
)

// Trims audit history for decommissioned batches. Audit rows are append-only
// in normal operation; this is the one sanctioned deletion path.
func main() {
	batchID := flag.Int("batch-id", 0, "Required: batch id whose audit history to purge")
	beforeStr := flag.String("before", "", "Required: purge entries created before this date (YYYY-MM-DD)")
	flag.Parse()

	if *batchID <= 0 {
		fmt.Fprintln(os.Stderr, "--batch-id is required")
		os.Exit(1)
	}
	if strings.TrimSpace(*beforeStr) == "" {
		fmt.Fprintln(os.Stderr, "--before is required")
		os.Exit(1)
	}
	before, err := time.Parse("2006-01-02", strings.TrimSpace(*beforeStr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid before date: %v\n", err)
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := utils.SetUserIdInContext(context.Background(), 0)
	ctx = utils.SetUserNameInContext(ctx, "System")
	ctx = utils.SetIsAdminInContext(ctx, true)
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())

	purged, err := models.PurgeBatchAuditLogs(ctx, *batchID, before)
	if err != nil {
		fmt.Fprintf(os.Stderr, "purge failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("purged %d audit entries for batch %d before %s\n", purged, *batchID, before.Format("2006-01-02"))
}
