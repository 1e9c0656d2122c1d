// Package database 负责 GORM 连接构建，支持 mysql、postgres 与嵌入式 sqlite.
package database

import (
	"errors"
	"time"

	"github.com/wyfcoding/fixengine/breaker"
	"github.com/wyfcoding/fixengine/config"
	"github.com/wyfcoding/fixengine/logging"
	"github.com/wyfcoding/fixengine/xerrors"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"
)

// ErrTransactionFailed 事务执行失败.
var ErrTransactionFailed = errors.New("transaction failed")

const defaultSlowThreshold = 200 * time.Millisecond

// DB 封装了 GORM 实例.
type DB struct {
	*gorm.DB
	breaker *breaker.Breaker
	logger  *logging.Logger
	driver  string
}

// NewDB 初始化并返回一个带熔断保护的数据库连接封装. cb 可为 nil.
func NewDB(cfg config.DatabaseConfig, cb *breaker.Breaker, logger *logging.Logger) (*DB, error) {
	var dialer gorm.Dialector

	switch cfg.Driver {
	case "mysql":
		dialer = mysql.Open(cfg.DSN)
	case "postgres":
		dialer = postgres.Open(cfg.DSN)
	case "sqlite":
		dialer = sqlite.Open(cfg.DSN)
	default:
		return nil, xerrors.New(xerrors.ErrInvalidArg, 400, "unsupported database driver", cfg.Driver, nil)
	}

	slow := cfg.SlowThreshold
	if slow <= 0 {
		slow = defaultSlowThreshold
	}

	gormDB, err := gorm.Open(dialer, &gorm.Config{
		Logger:      logging.NewGormLogger(logger, slow),
		PrepareStmt: cfg.Driver != "sqlite",
	})
	if err != nil {
		return nil, xerrors.WrapInternal(err, "failed to open database connection")
	}

	if err := gormDB.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, xerrors.WrapInternal(err, "failed to register gorm otel plugin")
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, xerrors.WrapInternal(err, "failed to get underlying sql.DB")
	}

	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.Driver == "sqlite" {
		// sqlite 只允许一个写连接，内存库在多连接下各自独立.
		sqlDB.SetMaxOpenConns(1)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	logger.Info("database connected", "driver", cfg.Driver)

	return &DB{
		DB:      gormDB,
		breaker: cb,
		logger:  logger,
		driver:  cfg.Driver,
	}, nil
}

// Driver 返回驱动名.
func (db *DB) Driver() string {
	return db.driver
}

// Transaction 封装了带熔断保护的事务逻辑.
func (db *DB) Transaction(fc func(tx *gorm.DB) error) error {
	return db.breaker.Do(func() error {
		if err := db.DB.Transaction(fc); err != nil {
			return xerrors.Wrap(err, xerrors.ErrInternal, ErrTransactionFailed.Error())
		}
		return nil
	})
}

// Do 在熔断保护下执行一次非事务操作.
func (db *DB) Do(fn func(tx *gorm.DB) error) error {
	return db.breaker.Do(func() error {
		return fn(db.DB)
	})
}

// Close 关闭底层连接池.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
