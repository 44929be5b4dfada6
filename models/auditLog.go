package models

import (
	"context"
	"errors"
	"time"

	"github.com/freshcart/storefront_backend/config"
	"github.com/freshcart/storefront_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BatchAuditLog is one immutable record of a quantity-affecting event on a
// batch. Rows are append-only: no update path exists, and deletion is
// restricted to the privileged purge.
type BatchAuditLog struct {
	ID        int              `gorm:"primary_key" json:"id"`
	BatchId   int              `gorm:"index:idx_batch_audit_batch_created,priority:1;not null" json:"batch_id"`
	Action    AuditAction      `gorm:"type:enum('created','quantity_changed','assigned','unassigned','spoiled','deleted');not null" json:"action"`
	OldValue  *decimal.Decimal `gorm:"type:decimal(20,4)" json:"old_value"`
	NewValue  *decimal.Decimal `gorm:"type:decimal(20,4)" json:"new_value"`
	Comment   string           `gorm:"type:text" json:"comment"`
	UserId    *int             `gorm:"index" json:"user_id"` // null means system-triggered
	UserName  string           `gorm:"size:100" json:"user_name"`
	Ip        string           `gorm:"size:45" json:"ip"`
	CreatedAt time.Time        `gorm:"autoCreateTime;index:idx_batch_audit_batch_created,priority:2" json:"created_at"`
}

// recordBatchAudit appends one audit entry inside the caller's transaction.
// The actor is taken from the transaction context; absence of a user id
// marks the entry as system-triggered. An audit write failure fails the
// whole transaction: the trail must never lag behind actual quantities.
func recordBatchAudit(tx *gorm.DB, batchId int, action AuditAction, oldValue, newValue *decimal.Decimal, comment string) error {
	ctx := tx.Statement.Context

	entry := BatchAuditLog{
		BatchId:  batchId,
		Action:   action,
		OldValue: oldValue,
		NewValue: newValue,
		Comment:  comment,
	}
	if userId, ok := utils.GetUserIdFromContext(ctx); ok && userId > 0 {
		entry.UserId = &userId
	}
	if userName, ok := utils.GetUserNameFromContext(ctx); ok {
		entry.UserName = userName
	}
	if ip, ok := utils.GetClientIpFromContext(ctx); ok {
		entry.Ip = ip
	}

	return tx.Create(&entry).Error
}

// ListBatchAuditEntries returns a batch's trail, newest first, for the admin
// display collaborator.
func ListBatchAuditEntries(ctx context.Context, batchId int) ([]*BatchAuditLog, error) {
	db := config.GetDB()

	if err := utils.ValidateResourceId[Batch](ctx, batchId); err != nil {
		return nil, err
	}

	var entries []*BatchAuditLog
	if err := db.WithContext(ctx).
		Where("batch_id = ?", batchId).
		Order("created_at DESC, id DESC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// PurgeBatchAuditLogs hard-deletes audit rows older than before for one
// batch (or all batches when batchId is zero). Superuser only.
func PurgeBatchAuditLogs(ctx context.Context, batchId int, before time.Time) (int64, error) {
	isAdmin, ok := utils.GetIsAdminFromContext(ctx)
	if !ok || !isAdmin {
		return 0, errors.New("audit purge requires admin privileges")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("created_at < ?", before)
	if batchId > 0 {
		dbCtx = dbCtx.Where("batch_id = ?", batchId)
	}
	result := dbCtx.Delete(&BatchAuditLog{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
