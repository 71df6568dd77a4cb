// Package database opens the relational store shared by the update log,
// presence and identity tables, and applies schema migrations.
package database

import (
	"fmt"
	"strings"

	"github.com/MainaJoseph/aura-editor-sub000/internal/collab"
	"github.com/MainaJoseph/aura-editor-sub000/internal/presence"
	"github.com/MainaJoseph/aura-editor-sub000/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config selects the driver and its connection target.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Open establishes a connection and performs schema migrations.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialector, target, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, err
	}

	if dialector.Name() == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", dialector.Name()), zap.String("target", target))
	return db, nil
}

// Migrate creates every table and applies pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(collab.Models(), &presence.EntryRecord{}, &users.Identity{}, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func dialectorFor(cfg Config) (gorm.Dialector, string, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverSQLite, "":
		if cfg.Path == "" {
			return nil, "", fmt.Errorf("database path is required")
		}
		return sqlite.Open(cfg.Path), cfg.Path, nil
	case DriverMySQL:
		if cfg.DSN == "" {
			return nil, "", fmt.Errorf("database dsn is required")
		}
		return mysql.Open(cfg.DSN), redactDSN(cfg.DSN), nil
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// redactDSN drops the credentials from a mysql DSN before it is logged.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	return "***" + dsn[at:]
}
