package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// GormDatabase GORM 数据库实现
type GormDatabase struct {
	db *gorm.DB
}

// NewGormDatabase 创建 GORM 数据库实例
func NewGormDatabase(config *Config) (*GormDatabase, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	// 日志级别
	logLevel := logger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	// 打开数据库
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 获取底层 sql.DB
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// 配置连接池
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	// 自动迁移
	if err := db.AutoMigrate(
		&Strategy{},
		&Position{},
		&Trade{},
		&EventRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &GormDatabase{db: db}, nil
}

// 策略

// SaveStrategy 保存策略
func (g *GormDatabase) SaveStrategy(ctx context.Context, strategy *Strategy) error {
	return g.db.WithContext(ctx).Create(strategy).Error
}

// GetStrategy 按 ID 获取策略
func (g *GormDatabase) GetStrategy(ctx context.Context, id int64) (*Strategy, error) {
	var strategy Strategy
	err := g.db.WithContext(ctx).First(&strategy, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("strategy %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &strategy, nil
}

// ListStrategies 按状态列出策略，status 为空时返回全部
func (g *GormDatabase) ListStrategies(ctx context.Context, status string) ([]*Strategy, error) {
	query := g.db.WithContext(ctx).Model(&Strategy{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var strategies []*Strategy
	if err := query.Order("id ASC").Find(&strategies).Error; err != nil {
		return nil, err
	}
	return strategies, nil
}

// UpdateStrategy 整条更新策略
func (g *GormDatabase) UpdateStrategy(ctx context.Context, strategy *Strategy) error {
	return g.db.WithContext(ctx).Save(strategy).Error
}

// UpdateStrategyStatus 仅更新策略状态
func (g *GormDatabase) UpdateStrategyStatus(ctx context.Context, id int64, status string) error {
	result := g.db.WithContext(ctx).Model(&Strategy{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("strategy %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteStrategy 删除策略
func (g *GormDatabase) DeleteStrategy(ctx context.Context, id int64) error {
	return g.db.WithContext(ctx).Delete(&Strategy{}, id).Error
}

// 仓位

// SavePosition 保存仓位
func (g *GormDatabase) SavePosition(ctx context.Context, position *Position) error {
	return g.db.WithContext(ctx).Create(position).Error
}

// GetPosition 按 ID 获取仓位
func (g *GormDatabase) GetPosition(ctx context.Context, id int64) (*Position, error) {
	var position Position
	err := g.db.WithContext(ctx).First(&position, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &position, nil
}

// UpdatePosition 整条更新仓位
func (g *GormDatabase) UpdatePosition(ctx context.Context, position *Position) error {
	return g.db.WithContext(ctx).Save(position).Error
}

// ListOpenPositions 列出某策略的全部未平仓仓位
func (g *GormDatabase) ListOpenPositions(ctx context.Context, strategyID int64) ([]*Position, error) {
	var positions []*Position
	err := g.db.WithContext(ctx).
		Where("strategy_id = ? AND status = ?", strategyID, PositionStatusOpen).
		Order("opened_at ASC").
		Find(&positions).Error
	if err != nil {
		return nil, err
	}
	return positions, nil
}

// CountOpenPositions 某策略未平仓数量
func (g *GormDatabase) CountOpenPositions(ctx context.Context, strategyID int64) (int64, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&Position{}).
		Where("strategy_id = ? AND status = ?", strategyID, PositionStatusOpen).
		Count(&count).Error
	return count, err
}

// CountOpenPositionsForSymbol 某策略在某标的上未平仓数量
func (g *GormDatabase) CountOpenPositionsForSymbol(ctx context.Context, strategyID int64, symbol string) (int64, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&Position{}).
		Where("strategy_id = ? AND symbol = ? AND status = ?", strategyID, symbol, PositionStatusOpen).
		Count(&count).Error
	return count, err
}

// 交易记录

// SaveTrade 保存成交流水
func (g *GormDatabase) SaveTrade(ctx context.Context, trade *Trade) error {
	return g.db.WithContext(ctx).Create(trade).Error
}

// ListTrades 按时间倒序列出某策略的成交
func (g *GormDatabase) ListTrades(ctx context.Context, strategyID int64, limit int) ([]*Trade, error) {
	query := g.db.WithContext(ctx).
		Where("strategy_id = ?", strategyID).
		Order("executed_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var trades []*Trade
	if err := query.Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// SumPnLForDate 某策略某自然日的已实现盈亏合计
func (g *GormDatabase) SumPnLForDate(ctx context.Context, strategyID int64, date time.Time) (float64, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	var total float64
	err := g.db.WithContext(ctx).Model(&Trade{}).
		Where("strategy_id = ? AND executed_at >= ? AND executed_at < ?", strategyID, dayStart, dayEnd).
		Select("COALESCE(SUM(pnl), 0)").
		Scan(&total).Error
	return total, err
}

// LastTradeTime 某策略在某标的上最近一次成交时间，无成交返回 nil
func (g *GormDatabase) LastTradeTime(ctx context.Context, strategyID int64, symbol string) (*time.Time, error) {
	var trade Trade
	err := g.db.WithContext(ctx).
		Where("strategy_id = ? AND symbol = ?", strategyID, symbol).
		Order("executed_at DESC").
		First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &trade.ExecutedAt, nil
}

// 事件记录

// SaveEvent 保存事件记录
func (g *GormDatabase) SaveEvent(ctx context.Context, record *EventRecord) error {
	return g.db.WithContext(ctx).Create(record).Error
}

// ListEvents 按时间倒序列出事件，topic 为空时不过滤主题
func (g *GormDatabase) ListEvents(ctx context.Context, topic string, limit int) ([]*EventRecord, error) {
	query := g.db.WithContext(ctx).Model(&EventRecord{})
	if topic != "" {
		query = query.Where("topic = ?", topic)
	}
	query = query.Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []*EventRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// CleanupOldEvents 删除早于 cutoff 的事件，返回删除条数
func (g *GormDatabase) CleanupOldEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	result := g.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&EventRecord{})
	return result.RowsAffected, result.Error
}

// 事务

// GormTx GORM 事务实现
type GormTx struct {
	*GormDatabase
	tx *gorm.DB
}

// BeginTx 开始事务
func (g *GormDatabase) BeginTx(ctx context.Context) (Tx, error) {
	tx := g.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}
	return &GormTx{
		GormDatabase: &GormDatabase{db: tx},
		tx:           tx,
	}, nil
}

// Commit 提交事务
func (t *GormTx) Commit() error {
	return t.tx.Commit().Error
}

// Rollback 回滚事务
func (t *GormTx) Rollback() error {
	return t.tx.Rollback().Error
}

// 健康检查与关闭

// Ping 健康检查
func (g *GormDatabase) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接
func (g *GormDatabase) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
