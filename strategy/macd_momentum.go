package strategy

import (
	"encoding/json"
	"errors"
	"fmt"

	"tradewind/database"
	"tradewind/indicators"
)

// MACDMomentum MACD 动量策略
// 柱状图上穿零轴入场，跌破零轴或止损/止盈出场
type MACDMomentum struct {
	fast   int
	slow   int
	signal int
}

// NewMACDMomentum 创建 MACD 动量策略
func NewMACDMomentum(configJSON string) (Implementation, error) {
	cfg := struct {
		Fast   int `json:"fast"`
		Slow   int `json:"slow"`
		Signal int `json:"signal"`
	}{
		Fast:   12,
		Slow:   26,
		Signal: 9,
	}
	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
			return nil, fmt.Errorf("解析 MACD 策略配置失败: %w", err)
		}
	}

	if cfg.Fast < 2 || cfg.Slow < 2 || cfg.Signal < 2 {
		return nil, fmt.Errorf("MACD 周期必须 ≥ 2: fast=%d slow=%d signal=%d", cfg.Fast, cfg.Slow, cfg.Signal)
	}
	if cfg.Fast >= cfg.Slow {
		return nil, fmt.Errorf("快线周期必须小于慢线周期: fast=%d slow=%d", cfg.Fast, cfg.Slow)
	}

	return &MACDMomentum{fast: cfg.Fast, slow: cfg.Slow, signal: cfg.Signal}, nil
}

// Type 策略类型标签
func (s *MACDMomentum) Type() string {
	return TypeMACDMomentum
}

// MinCandles 所需最少价格数量
// 需要前后两个柱状图判断上穿
func (s *MACDMomentum) MinCandles() int {
	return s.slow + s.signal
}

// CheckEntry 柱状图由非正转正时入场
func (s *MACDMomentum) CheckEntry(prices []float64) (bool, error) {
	result, err := indicators.MACD(prices, s.fast, s.slow, s.signal)
	if err != nil {
		if errors.Is(err, indicators.ErrInsufficientData) {
			return false, err
		}
		return false, fmt.Errorf("计算 MACD 失败: %w", err)
	}

	n := len(result.Histogram)
	if n < 2 {
		return false, indicators.ErrInsufficientData
	}
	return result.Histogram[n-2] <= 0 && result.Histogram[n-1] > 0, nil
}

// CheckExit 止损 > 止盈 > 柱状图转负
func (s *MACDMomentum) CheckExit(position *database.Position, currentPrice float64, prices []float64) (string, error) {
	if reason := priceExit(position, currentPrice); reason != "" {
		return reason, nil
	}

	result, err := indicators.MACD(prices, s.fast, s.slow, s.signal)
	if err != nil {
		if errors.Is(err, indicators.ErrInsufficientData) {
			return "", nil
		}
		return "", fmt.Errorf("计算 MACD 失败: %w", err)
	}

	if len(result.Histogram) > 0 && result.Histogram[len(result.Histogram)-1] < 0 {
		return database.CloseReasonStrategySignal, nil
	}
	return "", nil
}
