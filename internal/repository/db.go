package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/timmy/sqpsync/internal/config"
	"github.com/timmy/sqpsync/internal/domain"
	applog "github.com/timmy/sqpsync/internal/logger"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Opener opens a handle to the named logical database.
type Opener func(name string) (*gorm.DB, error)

// NewOpener returns an Opener for databases on the configured server.
func NewOpener(cfg *config.DatabaseConfig) Opener {
	return func(name string) (*gorm.DB, error) {
		return Open(cfg, name)
	}
}

// InitDB opens the root database and, when enabled, migrates it.
// Parameters:
//   - cfg: database configuration including driver and connection settings.
// Returns:
//   - *gorm.DB: initialized root database handle.
//   - error: non-nil if connection or migration fails.
func InitDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	db, err := Open(cfg, cfg.Name)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := MigrateRoot(db); err != nil {
			return nil, err
		}
	} else {
		applog.Info("[DB] AutoMigrate disabled")
	}
	return db, nil
}

// Open connects to the named database and applies pool settings.
func Open(cfg *config.DatabaseConfig, name string) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
	}

	var db *gorm.DB
	var err error
	switch cfg.Driver {
	case "postgres":
		// simple protocol keeps transaction poolers (pgbouncer, supavisor) working
		db, err = gorm.Open(postgres.New(postgres.Config{
			DSN:                  cfg.DSNFor(name),
			PreferSimpleProtocol: true,
		}), gormConfig)
	case "mysql":
		db, err = gorm.Open(mysql.Open(cfg.DSNFor(name)), gormConfig)
	case "sqlite":
		db, err = openSQLite(cfg.DSNFor(name), gormConfig)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database %q: %w", cfg.Driver, name, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

func openSQLite(dsn string, gormConfig *gorm.Config) (*gorm.DB, error) {
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig)
	if err != nil {
		return nil, err
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA foreign_keys=ON")
	return db, nil
}

// Close releases the handle's connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// tenantModels are the tables every tenant database carries.
var tenantModels = []interface{}{
	&domain.Seller{},
	&domain.CronJob{},
	&domain.DownloadRecord{},
	&domain.WeeklyMetric{},
	&domain.MonthlyMetric{},
	&domain.QuarterlyMetric{},
	&domain.AsinRollup{},
	&domain.CronActivityLog{},
}

// MigrateTenant creates or updates the pipeline tables in a tenant database.
func MigrateTenant(db *gorm.DB) error {
	if err := db.AutoMigrate(tenantModels...); err != nil {
		return fmt.Errorf("failed to migrate tenant database: %w", err)
	}
	return nil
}

// MigrateRoot migrates the root database. It holds the tenant mapping and, since unmapped
// tenants fall back to it, the pipeline tables as well.
func MigrateRoot(db *gorm.DB) error {
	if err := db.AutoMigrate(&domain.UserDatabase{}); err != nil {
		return fmt.Errorf("failed to migrate root database: %w", err)
	}
	return MigrateTenant(db)
}

func gormLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}
