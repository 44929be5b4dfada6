package models

// AuditAction is the kind of state transition recorded for a batch.
type AuditAction string

const (
	AuditActionCreated         AuditAction = "created"
	AuditActionQuantityChanged AuditAction = "quantity_changed"
	AuditActionAssigned        AuditAction = "assigned"
	AuditActionUnassigned      AuditAction = "unassigned"
	AuditActionSpoiled         AuditAction = "spoiled"
	AuditActionDeleted         AuditAction = "deleted"
)

type OrderStatus string

const (
	OrderStatusDraft     OrderStatus = "Draft"
	OrderStatusConfirmed OrderStatus = "Confirmed"
	OrderStatusCompleted OrderStatus = "Completed"
	OrderStatusCancelled OrderStatus = "Cancelled"
)

// Outbox publish lifecycle for notification records.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusPublished  = "PUBLISHED"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// NotificationKindSpoilageReport is emitted after a non-dry sweep run.
const NotificationKindSpoilageReport = "spoilage_report"
