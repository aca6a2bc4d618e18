package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"tradewind/broker"
	"tradewind/database"
	"tradewind/logger"
	"tradewind/metrics"
)

// 拒绝原因
const (
	ReasonStrategyNotActive      = "strategy_not_active"
	ReasonMaxPositions           = "max_positions_reached"
	ReasonMaxPositionsPerSymbol  = "max_positions_per_symbol_reached"
	ReasonDailyLossLimitExceeded = "daily_loss_limit_exceeded"
	ReasonCooldownActive         = "cooldown_period_active"
	ReasonInsufficientCapital    = "insufficient_capital"
)

// Params 风控参数，从策略记录的 risk_params 字段解码
type Params struct {
	MaxPositions          int     `json:"max_positions"`
	MaxPositionsPerSymbol int     `json:"max_positions_per_symbol"`
	MaxDailyLossPct       float64 `json:"max_daily_loss_pct"`
	CooldownMinutes       int     `json:"cooldown_minutes"`
	PositionSizePct       float64 `json:"position_size_pct"`
	StopLossPct           float64 `json:"stop_loss_pct"`
	TakeProfitPct         float64 `json:"take_profit_pct"`
}

// ParseParams 解析风控参数并补默认值
func ParseParams(raw string) (*Params, error) {
	params := &Params{
		MaxPositions:          3,
		MaxPositionsPerSymbol: 1,
		MaxDailyLossPct:       0.03,
		CooldownMinutes:       30,
		PositionSizePct:       0.1,
		StopLossPct:           0.02,
		TakeProfitPct:         0.04,
	}
	if raw == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(raw), params); err != nil {
		return nil, fmt.Errorf("解析风控参数失败: %w", err)
	}
	if params.PositionSizePct <= 0 || params.PositionSizePct > 1 {
		return nil, fmt.Errorf("仓位比例必须在 (0, 1] 区间: %v", params.PositionSizePct)
	}
	if params.MaxPositions <= 0 || params.MaxPositionsPerSymbol <= 0 {
		return nil, fmt.Errorf("持仓上限必须为正数")
	}
	return params, nil
}

// Decision 开仓评估结果
type Decision struct {
	Approved bool
	Reason   string // 拒绝时为具名原因
	Quantity int64  // 批准时的建仓股数
}

// BalanceProvider 账户资金查询接口
type BalanceProvider interface {
	GetBalances(ctx context.Context) (*broker.Balances, error)
}

// Manager 风控管理器
// 无自有状态，每次评估基于数据库与账户的即时数据
type Manager struct {
	db       database.Database
	balances BalanceProvider
	pm       *metrics.PrometheusMetrics
}

// NewManager 创建风控管理器
func NewManager(db database.Database, balances BalanceProvider) *Manager {
	return &Manager{
		db:       db,
		balances: balances,
		pm:       metrics.GetPrometheusMetrics(),
	}
}

// CanOpenPosition 评估能否开仓
// 按固定顺序检查，首个失败即返回具名拒绝原因；
// 基础数据读取失败返回 error，由调用方在下一根K线重试
func (m *Manager) CanOpenPosition(ctx context.Context, strategy *database.Strategy, params *Params, symbol string, price float64) (*Decision, error) {
	if price <= 0 {
		return nil, fmt.Errorf("无效的价格: %v", price)
	}

	// 1. 策略必须处于激活状态
	if strategy.Status != database.StrategyStatusActive {
		return m.reject(ReasonStrategyNotActive), nil
	}

	// 2. 总持仓上限
	openCount, err := m.db.CountOpenPositions(ctx, strategy.ID)
	if err != nil {
		return nil, fmt.Errorf("统计未平仓失败: %w", err)
	}
	if openCount >= int64(params.MaxPositions) {
		return m.reject(ReasonMaxPositions), nil
	}

	// 3. 单标的持仓上限
	symbolCount, err := m.db.CountOpenPositionsForSymbol(ctx, strategy.ID, symbol)
	if err != nil {
		return nil, fmt.Errorf("按标的统计未平仓失败: %w", err)
	}
	if symbolCount >= int64(params.MaxPositionsPerSymbol) {
		return m.reject(ReasonMaxPositionsPerSymbol), nil
	}

	// 4. 当日亏损上限
	// 资金或盈亏数据获取失败时放行本检查并记录，避免接口抖动冻结交易
	if rejected, err := m.checkDailyLoss(ctx, strategy.ID, params); err != nil {
		logger.Warn("⚠️ 日亏检查数据不可用，放行本检查: %v", err)
		m.pm.RecordRiskCheckError("daily_loss")
	} else if rejected {
		return m.reject(ReasonDailyLossLimitExceeded), nil
	}

	// 5. 同标的冷却期
	lastTrade, err := m.db.LastTradeTime(ctx, strategy.ID, symbol)
	if err != nil {
		return nil, fmt.Errorf("查询最近成交失败: %w", err)
	}
	if lastTrade != nil {
		cooldown := time.Duration(params.CooldownMinutes) * time.Minute
		if time.Since(*lastTrade) < cooldown {
			return m.reject(ReasonCooldownActive), nil
		}
	}

	// 6. 仓位至少一股
	// 仓位计算必须拿到实际购买力，资金获取失败时向上返回错误
	balances, err := m.balances.GetBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取账户资金失败: %w", err)
	}
	quantity := CalculatePositionSize(balances.BuyingPower, params.PositionSizePct, price)
	if quantity < 1 {
		return m.reject(ReasonInsufficientCapital), nil
	}

	return &Decision{Approved: true, Quantity: quantity}, nil
}

// checkDailyLoss 判断当日已实现亏损是否越限
func (m *Manager) checkDailyLoss(ctx context.Context, strategyID int64, params *Params) (bool, error) {
	balances, err := m.balances.GetBalances(ctx)
	if err != nil {
		return false, fmt.Errorf("获取账户资金失败: %w", err)
	}
	dailyPnL, err := m.db.SumPnLForDate(ctx, strategyID, time.Now())
	if err != nil {
		return false, fmt.Errorf("查询当日盈亏失败: %w", err)
	}
	return dailyPnL < -(balances.TotalEquity * params.MaxDailyLossPct), nil
}

// reject 构造拒绝结果并计数
func (m *Manager) reject(reason string) *Decision {
	m.pm.RecordRiskRejection(reason)
	return &Decision{Approved: false, Reason: reason}
}

// CalculatePositionSize 按购买力比例计算建仓股数
func CalculatePositionSize(buyingPower, positionSizePct, price float64) int64 {
	if price <= 0 || buyingPower <= 0 || positionSizePct <= 0 {
		return 0
	}
	return int64(math.Floor(buyingPower * positionSizePct / price))
}

// CalculateExitPrices 按方向计算止损/止盈价
// 买入: 止损 = 入场×(1−止损比例)，止盈 = 入场×(1+止盈比例)；卖出镜像
func CalculateExitPrices(entryPrice float64, side string, params *Params) (stopLoss, takeProfit float64) {
	if side == database.SideSell {
		return entryPrice * (1 + params.StopLossPct), entryPrice * (1 - params.TakeProfitPct)
	}
	return entryPrice * (1 - params.StopLossPct), entryPrice * (1 + params.TakeProfitPct)
}
