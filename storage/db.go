package storage

import (
	"fmt"

	"upc-tracker/config"
	"upc-tracker/models"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open baut die Datenbankverbindung für den konfigurierten Treiber auf.
func Open(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.DBDriver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.DBDriver, err)
	}
	return db, nil
}

// Migrate legt Tabellen und Indizes an.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.Decision{}, &models.PipelineRun{})
}
