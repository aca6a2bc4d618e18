package strategy

import (
	"fmt"
	"sort"
	"sync"

	"tradewind/database"
)

// 策略类型标签
const (
	TypeRSIMeanReversion   = "rsi_mean_reversion"
	TypeMACDMomentum       = "macd_momentum"
	TypeBollingerReversion = "bollinger_reversion"
)

// Implementation 策略实现接口
// 只负责信号判断，订单与记账由策略工作协程统一处理；
// 新增策略类型时注册新实现即可，不需要改动工作协程
type Implementation interface {
	// Type 策略类型标签
	Type() string

	// MinCandles 产生信号所需的最少价格数量
	MinCandles() int

	// CheckEntry 入场信号（prices 按时间先后排列）
	CheckEntry(prices []float64) (bool, error)

	// CheckExit 出场判断，按 止损 > 止盈 > 指标反转 的优先级，
	// 返回平仓原因，空串表示继续持有
	CheckExit(position *database.Position, currentPrice float64, prices []float64) (string, error)
}

// Factory 策略工厂，解析并校验 JSON 配置
type Factory func(configJSON string) (Implementation, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		TypeRSIMeanReversion:   NewRSIMeanReversion,
		TypeMACDMomentum:       NewMACDMomentum,
		TypeBollingerReversion: NewBollingerReversion,
	}
)

// Register 注册策略类型
func Register(strategyType string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strategyType] = factory
}

// Resolve 按类型标签构造策略实现
// 未知类型或配置非法时返回错误，调用方应将策略置为停止状态
func Resolve(strategyType, configJSON string) (Implementation, error) {
	registryMu.RLock()
	factory, ok := registry[strategyType]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("未知的策略类型: %s", strategyType)
	}
	return factory(configJSON)
}

// Types 已注册的策略类型列表
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// priceExit 止损/止盈判定，所有策略共用
// 做多: 价格跌破止损价或触及止盈价；做空镜像
func priceExit(position *database.Position, price float64) string {
	if position.Side == database.SideSell {
		if position.StopLossPrice > 0 && price >= position.StopLossPrice {
			return database.CloseReasonStopLoss
		}
		if position.TakeProfitPrice > 0 && price <= position.TakeProfitPrice {
			return database.CloseReasonTakeProfit
		}
		return ""
	}

	if position.StopLossPrice > 0 && price <= position.StopLossPrice {
		return database.CloseReasonStopLoss
	}
	if position.TakeProfitPrice > 0 && price >= position.TakeProfitPrice {
		return database.CloseReasonTakeProfit
	}
	return ""
}
