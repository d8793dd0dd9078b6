package gormstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"backfill/internal/config"
	"backfill/internal/store"
	storemodel "backfill/internal/store/model"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// Open 按配置打开 sqlite（modernc，无 cgo）或 postgres，并完成表迁移。
func Open(cfg config.StoreConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return nil, fmt.Errorf("gorm store: sqlite 路径不能为空")
		}
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
		dialector = sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn})
	case "postgres":
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("gorm store: postgres dsn 不能为空")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("gorm store: unsupported driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	return db, nil
}

// Migrate 创建/更新 candles、ingest_progress、ingest_runs 三张表。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&storemodel.CandleModel{},
		&storemodel.ProgressModel{},
		&storemodel.RunModel{},
	)
}

// Close closes the underlying database connection.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// classifyWriteError 把后端繁忙类错误包装为 store.ErrOverloaded，其余原样返回。
func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	if isOverloaded(err) {
		return fmt.Errorf("%w: %v", store.ErrOverloaded, err)
	}
	return err
}

func isOverloaded(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"53300", // too_many_connections
			"55P03", // lock_not_available
			"57P03": // cannot_connect_now
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"database is locked", "database table is locked", "sqlite_busy", "sqlite_locked"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
