package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Allocation error taxonomy. Callers branch on these with errors.Is; the
// storefront maps them to user-facing responses.
var (
	// ErrBatchNotEligible: expired, not enough remaining quantity, or below
	// the freshness threshold. Recoverable — pick another batch.
	ErrBatchNotEligible = errors.New("batch not eligible")

	// ErrProductMismatch: the batch belongs to a different product. A data
	// or programming error, never retried.
	ErrProductMismatch = errors.New("batch belongs to a different product")

	// ErrInsufficientSellableStock: the sellable candidate set cannot cover
	// the requested quantity. Recoverable at the business level.
	ErrInsufficientSellableStock = errors.New("insufficient sellable stock")

	// ErrMissingBatchAssignment blocks order completion for perishable
	// lines that were never allocated.
	ErrMissingBatchAssignment = errors.New("order line has no batch assignment")

	// ErrStaleSellability blocks completion when a bound batch has dropped
	// below the freshness threshold since assignment.
	ErrStaleSellability = errors.New("assigned batch is no longer sellable")

	// ErrConcurrencyConflict surfaces after bounded row-lock retries.
	ErrConcurrencyConflict = errors.New("batch row contention, try again")
)

// InsufficientSellableStockError reports the shortfall so staff can see
// "cannot fulfill, missing N units of product X".
type InsufficientSellableStockError struct {
	ProductId   int
	ProductName string
	Requested   decimal.Decimal
	Available   decimal.Decimal
	Shortfall   decimal.Decimal
}

func (e *InsufficientSellableStockError) Error() string {
	return fmt.Sprintf("insufficient sellable stock for %s: missing %s of %s requested units",
		e.ProductName, e.Shortfall.String(), e.Requested.String())
}

func (e *InsufficientSellableStockError) Unwrap() error {
	return ErrInsufficientSellableStock
}
