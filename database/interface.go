package database

import (
	"context"
	"time"
)

// 策略状态
const (
	StrategyStatusStopped = "stopped"
	StrategyStatusPaused  = "paused"
	StrategyStatusActive  = "active"
)

// 仓位状态
const (
	PositionStatusOpen   = "open"
	PositionStatusClosed = "closed"
)

// 交易方向
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// 平仓原因
const (
	CloseReasonTakeProfit     = "take_profit"
	CloseReasonStopLoss       = "stop_loss"
	CloseReasonManual         = "manual"
	CloseReasonStrategySignal = "strategy_signal"
)

// Database 数据库接口
type Database interface {
	// 策略
	SaveStrategy(ctx context.Context, strategy *Strategy) error
	GetStrategy(ctx context.Context, id int64) (*Strategy, error)
	ListStrategies(ctx context.Context, status string) ([]*Strategy, error)
	UpdateStrategy(ctx context.Context, strategy *Strategy) error
	UpdateStrategyStatus(ctx context.Context, id int64, status string) error
	DeleteStrategy(ctx context.Context, id int64) error

	// 仓位
	SavePosition(ctx context.Context, position *Position) error
	GetPosition(ctx context.Context, id int64) (*Position, error)
	UpdatePosition(ctx context.Context, position *Position) error
	ListOpenPositions(ctx context.Context, strategyID int64) ([]*Position, error)
	CountOpenPositions(ctx context.Context, strategyID int64) (int64, error)
	CountOpenPositionsForSymbol(ctx context.Context, strategyID int64, symbol string) (int64, error)

	// 交易记录（只追加）
	SaveTrade(ctx context.Context, trade *Trade) error
	ListTrades(ctx context.Context, strategyID int64, limit int) ([]*Trade, error)
	SumPnLForDate(ctx context.Context, strategyID int64, date time.Time) (float64, error)
	LastTradeTime(ctx context.Context, strategyID int64, symbol string) (*time.Time, error)

	// 事件记录
	SaveEvent(ctx context.Context, record *EventRecord) error
	ListEvents(ctx context.Context, topic string, limit int) ([]*EventRecord, error)
	CleanupOldEvents(ctx context.Context, cutoff time.Time) (int64, error)

	// 事务支持
	BeginTx(ctx context.Context) (Tx, error)

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

// Tx 事务接口
type Tx interface {
	Commit() error
	Rollback() error
	Database // 继承所有数据库操作
}

// 数据模型

// Strategy 策略记录
// Config 与 RiskParams 以 JSON 字符串存储，由上层按策略类型解码
type Strategy struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Name       string `gorm:"size:100" json:"name"`
	Symbol     string `gorm:"index;size:20" json:"symbol"`
	Type       string `gorm:"index;size:50" json:"type"` // rsi_mean_reversion, macd_momentum, bollinger_reversion
	Config     string `gorm:"type:text" json:"config"`
	RiskParams string `gorm:"type:text" json:"risk_params"`
	Status     string `gorm:"index;size:20" json:"status"` // stopped, paused, active

	// 聚合统计，只在交易完成时更新
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"` // 百分比 0-100
	TotalPnL      float64 `json:"total_pnl"`
	LargestWin    float64 `json:"largest_win"`
	LargestLoss   float64 `json:"largest_loss"`
	CurrentStreak int     `json:"current_streak"` // 正数连胜，负数连败

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Position 仓位记录
// 平仓后除审计字段外不再变更
type Position struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	StrategyID      int64      `gorm:"index:idx_strategy_status" json:"strategy_id"`
	Symbol          string     `gorm:"index;size:20" json:"symbol"`
	Side            string     `gorm:"size:10" json:"side"` // buy, sell
	Quantity        float64    `json:"quantity"`
	EntryPrice      float64    `json:"entry_price"`
	CurrentPrice    float64    `json:"current_price"`
	StopLossPrice   float64    `json:"stop_loss_price"`
	TakeProfitPrice float64    `json:"take_profit_price"`
	PnL             float64    `json:"pnl"`
	PnLPercent      float64    `json:"pnl_percent"`
	Status          string     `gorm:"index:idx_strategy_status;size:20" json:"status"` // open, closed
	CloseReason     string     `gorm:"size:30" json:"close_reason"`                     // 平仓时必填
	OpenedAt        time.Time  `json:"opened_at"`
	ClosedAt        *time.Time `json:"closed_at"`
}

// Trade 成交流水，只追加，创建后永不修改
type Trade struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	StrategyID int64     `gorm:"index:idx_strategy_time" json:"strategy_id"`
	PositionID *int64    `gorm:"index" json:"position_id"` // 允许为空
	OrderID    string    `gorm:"index;size:64" json:"order_id"`
	Symbol     string    `gorm:"index;size:20" json:"symbol"`
	Side       string    `gorm:"size:10" json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Fees       float64   `json:"fees"`
	PnL        float64   `json:"pnl"` // 仅平仓交易有值
	ExecutedAt time.Time `gorm:"index:idx_strategy_time" json:"executed_at"`
}

// EventRecord 事件记录
type EventRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Topic     string    `gorm:"index:idx_topic_time;size:100" json:"topic"`
	Type      string    `gorm:"size:50" json:"type"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `gorm:"index:idx_topic_time" json:"created_at"`
}
