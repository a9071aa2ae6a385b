// Package mysql implements the order workflow stores on MySQL through GORM.
package mysql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/storefront/api/internal/repositories"
)

const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrLockDeadlock    = 1213
	mysqlErrLockWaitTimeout = 1205
)

// Settings configures the connection pool.
type Settings struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// Open connects to MySQL and optionally migrates the schema.
func Open(ctx context.Context, settings Settings) (*gorm.DB, error) {
	dsn := strings.TrimSpace(settings.DSN)
	if dsn == "" {
		return nil, errors.New("mysql: dsn is required")
	}
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: parse dsn: %w", err)
	}
	cfg.ParseTime = true
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}

	db, err := gorm.Open(gormmysql.Open(cfg.FormatDSN()), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("mysql: pool: %w", err)
	}
	if settings.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(settings.MaxOpenConns)
	}
	if settings.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(settings.MaxIdleConns)
	}
	if settings.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(settings.ConnMaxLifetime)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	if settings.AutoMigrate {
		if err := Migrate(ctx, db); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return db, nil
}

// Migrate creates or updates the tables backing the stores.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(
		&productModel{},
		&couponModel{},
		&couponRedemptionModel{},
		&orderModel{},
		&counterModel{},
	); err != nil {
		return fmt.Errorf("mysql: migrate: %w", err)
	}
	return nil
}

// wrapError classifies driver failures using the RepositoryError contract.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var classified repositories.RepositoryError
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return repositories.NotFound(op, err)
	}
	var driverErr *gomysql.MySQLError
	if errors.As(err, &driverErr) {
		switch driverErr.Number {
		case mysqlErrDuplicateEntry, mysqlErrLockDeadlock:
			return repositories.Conflict(op, err)
		case mysqlErrLockWaitTimeout:
			return repositories.Unavailable(op, err)
		}
	}
	if errors.Is(err, gomysql.ErrInvalidConn) {
		return repositories.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
