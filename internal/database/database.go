package database

import (
	"fmt"
	"time"

	"github.com/klawleybot/fleet-sub000/internal/config"
	"github.com/klawleybot/fleet-sub000/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func Connect(cfg config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
	)

	// Configure GORM with optimized settings
	gormConfig := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true, // Prepare statement for better performance
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Set connection pool settings
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	// Set connection pool limits
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Migrate database schema
	if err := MigrateSchema(db); err != nil {
		return nil, err
	}

	return db, nil
}

// MigrateSchema creates or updates the fleet tables
func MigrateSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Wallet{},
		&models.Cluster{},
		&models.ClusterMember{},
		&models.Operation{},
		&models.Trade{},
		&models.Position{},
		&models.FundingRecord{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// Composite indexes for the hot query paths
	db.Exec("CREATE INDEX IF NOT EXISTS idx_operations_cluster_status ON operations(cluster_id, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_trades_operation_status ON trades(operation_id, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_positions_coin_holdings ON positions(coin_address)")

	return nil
}
