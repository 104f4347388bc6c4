package db

import (
	"fmt"
	"time"

	"facecluster-go/config"
	"facecluster-go/internal/core/models"

	"github.com/glebarez/sqlite" // Pure Go SQLite Treiber
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open öffnet die Datenbankverbindung und führt die Migrationen aus.
// Die Verbindung wird explizit an die Konsumenten gereicht - es gibt
// bewusst keinen globalen Datenbank-Zustand.
func Open(cfg config.DBConfig) (*gorm.DB, error) {
	// Konfiguration des GORM-Loggers
	gormLogger := logger.New(
		log.StandardLogger(), // Verwende den konfigurierten logrus-Logger
		logger.Config{
			SlowThreshold:             time.Second * 2,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	log.Infof("Connecting to database: %s", cfg.File)

	gdb, err := gorm.Open(sqlite.Open(cfg.File), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	// Verbindungs-Pool-Einstellungen
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info("Database connection established successfully")

	if err := Migrate(gdb); err != nil {
		return nil, err
	}

	return gdb, nil
}

// Migrate führt die Auto-Migrationen für alle Modelle aus
func Migrate(gdb *gorm.DB) error {
	log.Info("Running database migrations...")
	if err := gdb.AutoMigrate(
		&models.Collection{},
		&models.Media{},
		&models.FaceDetection{},
		&models.FaceCluster{},
		&models.FaceClusterMember{},
		&models.Job{},
	); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Info("Database migrations completed successfully")
	return nil
}
