package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/notegen/config"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// 支持的驱动
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// Dialector 根据配置构造 GORM 方言
func Dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch strings.ToLower(cfg.Driver) {
	case DriverPostgres, "postgresql":
		return postgres.Open(postgresDSN(cfg)), nil
	case DriverMySQL:
		return mysql.Open(mysqlDSN(cfg)), nil
	case DriverSQLite, "":
		name := cfg.Name
		if name == "" {
			name = ":memory:"
		}
		return sqlite.Open(name), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func postgresDSN(cfg config.DatabaseConfig) string {
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, port, cfg.User, cfg.Password, cfg.Name, sslMode)
}

func mysqlDSN(cfg config.DatabaseConfig) string {
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.User, cfg.Password, cfg.Host, port, cfg.Name)
}

// PoolConfigFrom 把数据库配置转换为连接池配置。
// SQLite 只允许单连接，避免内存库在多个连接间不可见。
func PoolConfigFrom(cfg config.DatabaseConfig) PoolConfig {
	pc := DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		pc.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		pc.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	if d := strings.ToLower(cfg.Driver); d == DriverSQLite || d == "" {
		pc.MaxOpenConns = 1
		pc.MaxIdleConns = 1
		pc.ConnMaxLifetime = 0
		pc.ConnMaxIdleTime = 0
	}
	return pc
}

// Open 打开数据库并返回 GORM 实例（不做连接池调优，交给 PoolManager）
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	logger.Info("database opened",
		zap.String("driver", cfg.Driver),
		zap.String("host", cfg.Host),
		zap.String("name", cfg.Name),
	)
	return db, nil
}
