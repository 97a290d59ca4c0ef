package db

import (
	"fmt"

	"gorm.io/gorm"

	"shotlog-service/internal/repository"
)

// Migration order matters: the counter table is touched by the engine
// before any shot record exists.
var migrationModels = []interface{}{
	&repository.ShotCounter{},
	&repository.ShotRecord{},
}

func runMigrations(db *gorm.DB) error {
	for i, model := range migrationModels {
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
