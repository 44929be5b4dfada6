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
	"github.com/xuri/excelize/v2"
)

// Imports supplier delivery manifests.
// Expected columns (Sheet1, header row first):
//
//	sku | batch_number | production_date (YYYY-MM-DD) | expiry_date (YYYY-MM-DD) | quantity | supplier
//
// batch_number may be blank; a number is generated on creation.
func main() {
	filePath := flag.String("file", "", "Required: path to the .xlsx manifest")
	continueOnError := flag.Bool("continue-on-error", false, "Skip failing rows and import the rest")
	flag.Parse()

	if strings.TrimSpace(*filePath) == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		os.Exit(1)
	}
	if !strings.HasSuffix(*filePath, ".xlsx") {
		fmt.Fprintln(os.Stderr, "invalid file type: only .xlsx files are allowed")
		os.Exit(1)
	}

	f, err := excelize.OpenFile(*filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to open Excel file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	rows, err := f.GetRows("Sheet1")
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to read sheet: %v\n", err)
		os.Exit(1)
	}
	if len(rows) < 2 {
		fmt.Fprintln(os.Stderr, "manifest has no data rows")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := utils.SetUserIdInContext(context.Background(), 0)
	ctx = utils.SetUserNameInContext(ctx, "System")
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())

	imported := 0
	for idx, row := range rows[1:] {
		rowNum := idx + 2
		input, err := parseManifestRow(ctx, row)
		if err == nil {
			_, err = models.CreateBatch(ctx, input)
		}
		if err != nil {
			if *continueOnError {
				fmt.Fprintf(os.Stderr, "row %d failed (skipping): %v\n", rowNum, err)
				continue
			}
			fmt.Fprintf(os.Stderr, "row %d failed: %v\n", rowNum, err)
			os.Exit(1)
		}
		imported++
	}

	fmt.Printf("imported %d of %d manifest rows\n", imported, len(rows)-1)
}

func parseManifestRow(ctx context.Context, row []string) (*models.NewBatch, error) {
	cell := func(i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	sku := cell(0)
	if sku == "" {
		return nil, fmt.Errorf("sku is required")
	}
	product, err := models.GetProductBySku(ctx, sku)
	if err != nil {
		return nil, fmt.Errorf("product not found for sku %q: %v", sku, err)
	}

	productionDate, err := time.Parse("2006-01-02", cell(2))
	if err != nil {
		return nil, fmt.Errorf("could not parse production date: %v", err)
	}
	expiryDate, err := time.Parse("2006-01-02", cell(3))
	if err != nil {
		return nil, fmt.Errorf("could not parse expiry date: %v", err)
	}
	quantity, err := utils.ParseDecimal(cell(4))
	if err != nil {
		return nil, fmt.Errorf("could not parse quantity: %v", err)
	}

	return &models.NewBatch{
		ProductId:      product.ID,
		BatchNumber:    cell(1),
		ProductionDate: productionDate,
		ExpiryDate:     expiryDate,
		Quantity:       quantity,
		Supplier:       cell(5),
	}, nil
}
