package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/models"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.ChatState{},
		&models.ChatMessage{},
		&models.Dispatch{},
		&models.Run{},
		&models.ContextStackEntry{},
		&models.ContinuationRecord{},
		&models.ToolCallRecord{},
		&models.QueueTask{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
