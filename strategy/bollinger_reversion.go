package strategy

import (
	"encoding/json"
	"errors"
	"fmt"

	"tradewind/database"
	"tradewind/indicators"
)

// BollingerReversion 布林带回归策略
// 价格跌破下轨入场，回到中轨或止损/止盈出场
type BollingerReversion struct {
	period int
	k      float64
}

// NewBollingerReversion 创建布林带回归策略
func NewBollingerReversion(configJSON string) (Implementation, error) {
	cfg := struct {
		Period int     `json:"period"`
		K      float64 `json:"k"`
	}{
		Period: 20,
		K:      2.0,
	}
	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
			return nil, fmt.Errorf("解析布林带策略配置失败: %w", err)
		}
	}

	if cfg.Period < 2 {
		return nil, fmt.Errorf("布林带周期必须 ≥ 2: %d", cfg.Period)
	}
	if cfg.K <= 0 {
		return nil, fmt.Errorf("布林带宽度系数必须为正数: %v", cfg.K)
	}

	return &BollingerReversion{period: cfg.Period, k: cfg.K}, nil
}

// Type 策略类型标签
func (s *BollingerReversion) Type() string {
	return TypeBollingerReversion
}

// MinCandles 所需最少价格数量
func (s *BollingerReversion) MinCandles() int {
	return s.period
}

// CheckEntry 价格跌破下轨时入场
func (s *BollingerReversion) CheckEntry(prices []float64) (bool, error) {
	bands, err := indicators.Bollinger(prices, s.period, s.k)
	if err != nil {
		if errors.Is(err, indicators.ErrInsufficientData) {
			return false, err
		}
		return false, fmt.Errorf("计算布林带失败: %w", err)
	}
	return prices[len(prices)-1] < bands.Lower, nil
}

// CheckExit 止损 > 止盈 > 价格回到中轨
func (s *BollingerReversion) CheckExit(position *database.Position, currentPrice float64, prices []float64) (string, error) {
	if reason := priceExit(position, currentPrice); reason != "" {
		return reason, nil
	}

	bands, err := indicators.Bollinger(prices, s.period, s.k)
	if err != nil {
		if errors.Is(err, indicators.ErrInsufficientData) {
			return "", nil
		}
		return "", fmt.Errorf("计算布林带失败: %w", err)
	}
	if currentPrice >= bands.Middle {
		return database.CloseReasonStrategySignal, nil
	}
	return "", nil
}
