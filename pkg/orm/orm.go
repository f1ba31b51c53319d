package orm

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	Type        string `yaml:"type" mapstructure:"type"`                 // mysql / postgres / sqlite
	DSN         string `yaml:"dsn" mapstructure:"dsn"`                   // 连接字符串
	MaxIdle     int    `yaml:"max_idle" mapstructure:"max_idle"`         // 最大空闲连接
	MaxOpen     int    `yaml:"max_open" mapstructure:"max_open"`         // 最大打开连接
	MaxLifetime int    `yaml:"max_lifetime" mapstructure:"max_lifetime"` // 连接存活秒数
	LogLevel    string `yaml:"log_level" mapstructure:"log_level"`       // silent/error/warn/info
}

// Open 按方言打开 GORM，连接池参数一并设置
func Open(c Config) (*gorm.DB, error) {
	var dial gorm.Dialector
	switch c.Type {
	case "", "mysql":
		dial = mysql.Open(c.DSN)
	case "postgres", "pgx":
		dial = postgres.Open(c.DSN)
	case "sqlite":
		// 本地起服务用，单连接
		dial = sqlite.Open(c.DSN)
		if c.MaxOpen <= 0 {
			c.MaxOpen = 1
		}
	default:
		return nil, fmt.Errorf("orm: unsupported db type %q", c.Type)
	}

	db, err := gorm.Open(dial, GormConfig(c.LogLevel))
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// 关键配置：连接池优化
	if c.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(c.MaxIdle)
	}
	if c.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(c.MaxOpen)
	}
	if c.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(c.MaxLifetime) * time.Second)
	}
	return db, nil
}

// GormConfig 所有方言共用的 gorm 配置
// 事务全部由 Transaction 显式控制，所以关掉默认事务
func GormConfig(level string) *gorm.Config {
	return &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
		Logger:                 logger.Default.LogMode(logLevel(level)),
	}
}

func logLevel(s string) logger.LogLevel {
	switch s {
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
