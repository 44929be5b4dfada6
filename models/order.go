package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/freshcart/storefront_backend/config"
	"github.com/freshcart/storefront_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order and OrderLine are owned by the storefront checkout; the allocation
// engine binds batches to lines and gates completion. A line carries a
// single primary BatchId for storefront compatibility — the exact
// consumption split lives in batch_allocations.
type Order struct {
	ID          int         `gorm:"primary_key" json:"id"`
	OrderNumber string      `gorm:"size:100;uniqueIndex;not null" json:"order_number"`
	Status      OrderStatus `gorm:"type:enum('Draft','Confirmed','Completed','Cancelled');default:Draft" json:"status"`
	Lines       []OrderLine `gorm:"foreignKey:OrderId" json:"lines"`
	CreatedAt   time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

type OrderLine struct {
	ID        int             `gorm:"primary_key" json:"id"`
	OrderId   int             `gorm:"index;not null" json:"order_id"`
	ProductId int             `gorm:"index;not null" json:"product_id"`
	Product   Product         `gorm:"foreignKey:ProductId" json:"product"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	BatchId   *int            `gorm:"index" json:"batch_id"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewOrder struct {
	OrderNumber string         `json:"order_number" binding:"required"`
	Lines       []NewOrderLine `json:"lines" binding:"required,dive"`
}

type NewOrderLine struct {
	ProductId int             `json:"product_id" binding:"required"`
	Quantity  decimal.Decimal `json:"quantity" binding:"required"`
}

func CreateOrder(ctx context.Context, input *NewOrder) (*Order, error) {
	if len(input.Lines) == 0 {
		return nil, errors.New("order needs at least one line")
	}
	if err := utils.ValidateUnique[Order](ctx, "order_number", input.OrderNumber, 0); err != nil {
		return nil, err
	}

	order := Order{
		OrderNumber: input.OrderNumber,
		Status:      OrderStatusConfirmed,
	}
	for _, line := range input.Lines {
		if !line.Quantity.IsPositive() {
			return nil, errors.New("line quantity must be positive")
		}
		if err := utils.ValidateResourceId[Product](ctx, line.ProductId); err != nil {
			return nil, errors.New("product not found")
		}
		order.Lines = append(order.Lines, OrderLine{
			ProductId: line.ProductId,
			Quantity:  line.Quantity,
		})
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func GetOrder(ctx context.Context, id int) (*Order, error) {
	db := config.GetDB()

	var order Order
	if err := db.WithContext(ctx).
		Preload("Lines").Preload("Lines.Product").
		First(&order, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &order, nil
}

func getOrderLine(tx *gorm.DB, lineId int) (*OrderLine, error) {
	var line OrderLine
	if err := tx.Preload("Product").First(&line, lineId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &line, nil
}

// CompleteOrder advances a confirmed order once the fulfillment gate passes.
// Refusal is whole-order: one stale or unassigned perishable line blocks
// everything, and the caller gets the full offender list.
func CompleteOrder(ctx context.Context, orderId int) (*Order, error) {
	check, err := CanCompleteOrder(ctx, orderId)
	if err != nil {
		return nil, err
	}
	if !check.Ok {
		return nil, fmt.Errorf("order cannot be completed, blocking products: %v", check.BlockingProducts)
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&Order{}).Where("id = ?", orderId).
		Update("status", OrderStatusCompleted).Error; err != nil {
		return nil, err
	}
	return GetOrder(ctx, orderId)
}
