package database

import (
	"fmt"
	"time"
)

// Config 数据库配置
type Config struct {
	Type            string        // sqlite, postgres, mysql
	DSN             string        // 数据源名称
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
	LogLevel        string        // 日志级别: silent, error, warn, info
}

// NewDatabase 根据配置创建数据库实例
// 三种后端共用同一套 GORM 实现，仅方言不同
func NewDatabase(config *Config) (Database, error) {
	switch config.Type {
	case "sqlite", "postgres", "postgresql", "mysql":
		return NewGormDatabase(config)
	default:
		return nil, fmt.Errorf("不支持的数据库类型: %s", config.Type)
	}
}
