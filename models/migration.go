package models

import (
	"log"

	"github.com/freshcart/storefront_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Product{},
		&Batch{}, &BatchAllocation{}, &BatchAuditLog{},
		&Order{}, &OrderLine{},
		&NotificationRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
