package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/freshcart/storefront_backend/config"
	"github.com/freshcart/storefront_backend/utils"
	"github.com/google/uuid"
)

// NotificationRecord is a transactional-outbox row: written durably first,
// published to Pub/Sub by the workflow dispatcher after commit. Delivery
// failures never touch the inventory mutation that produced the record.
type NotificationRecord struct {
	ID               int        `gorm:"primary_key" json:"id"`
	Kind             string     `gorm:"size:50;index;not null" json:"kind"`
	Payload          []byte     `gorm:"type:mediumblob" json:"payload"`
	PublishStatus    string     `gorm:"size:20;index;not null;default:PENDING" json:"publish_status"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	NextAttemptAt    *time.Time `gorm:"index" json:"next_attempt_at"`
	LockedAt         *time.Time `json:"locked_at"`
	LockedBy         *string    `gorm:"size:64" json:"locked_by"`
	PublishedAt      *time.Time `json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:64" json:"pub_sub_message_id"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// EnqueueNotification writes an outbox record. Publishing happens
// asynchronously; callers only pay for the DB write.
func EnqueueNotification(ctx context.Context, kind string, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	correlationId, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || correlationId == "" {
		correlationId = uuid.NewString()
	}

	record := NotificationRecord{
		Kind:          kind,
		Payload:       payloadJSON,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationId,
	}
	db := config.GetDB()
	return db.WithContext(ctx).Create(&record).Error
}

// ConvertToNotificationMessage maps an outbox row to the wire payload.
func ConvertToNotificationMessage(record NotificationRecord) config.NotificationMessage {
	return config.NotificationMessage{
		ID:            record.ID,
		Kind:          record.Kind,
		Payload:       json.RawMessage(record.Payload),
		OccurredAt:    record.CreatedAt,
		CorrelationId: record.CorrelationId,
	}
}
