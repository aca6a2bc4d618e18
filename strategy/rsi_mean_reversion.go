package strategy

import (
	"encoding/json"
	"errors"
	"fmt"

	"tradewind/database"
	"tradewind/indicators"
)

// RSIMeanReversion RSI 均值回归策略
// 超卖入场，回到超买区或止损/止盈出场
type RSIMeanReversion struct {
	period     int
	oversold   float64
	overbought float64
}

// NewRSIMeanReversion 创建 RSI 均值回归策略
func NewRSIMeanReversion(configJSON string) (Implementation, error) {
	cfg := struct {
		Period     int     `json:"period"`
		Oversold   float64 `json:"oversold"`
		Overbought float64 `json:"overbought"`
	}{
		Period:     14,
		Oversold:   30,
		Overbought: 70,
	}
	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
			return nil, fmt.Errorf("解析 RSI 策略配置失败: %w", err)
		}
	}

	if cfg.Period < 2 {
		return nil, fmt.Errorf("RSI 周期必须 ≥ 2: %d", cfg.Period)
	}
	if cfg.Oversold <= 0 || cfg.Overbought >= 100 || cfg.Oversold >= cfg.Overbought {
		return nil, fmt.Errorf("RSI 阈值非法: oversold=%v overbought=%v", cfg.Oversold, cfg.Overbought)
	}

	return &RSIMeanReversion{
		period:     cfg.Period,
		oversold:   cfg.Oversold,
		overbought: cfg.Overbought,
	}, nil
}

// Type 策略类型标签
func (s *RSIMeanReversion) Type() string {
	return TypeRSIMeanReversion
}

// MinCandles 所需最少价格数量
func (s *RSIMeanReversion) MinCandles() int {
	return s.period + 1
}

// CheckEntry RSI 跌入超卖区时入场
func (s *RSIMeanReversion) CheckEntry(prices []float64) (bool, error) {
	rsi, err := indicators.RSI(prices, s.period)
	if err != nil {
		if errors.Is(err, indicators.ErrInsufficientData) {
			return false, err
		}
		return false, fmt.Errorf("计算 RSI 失败: %w", err)
	}
	return rsi <= s.oversold, nil
}

// CheckExit 止损 > 止盈 > RSI 回到超买区
func (s *RSIMeanReversion) CheckExit(position *database.Position, currentPrice float64, prices []float64) (string, error) {
	if reason := priceExit(position, currentPrice); reason != "" {
		return reason, nil
	}

	rsi, err := indicators.RSI(prices, s.period)
	if err != nil {
		if errors.Is(err, indicators.ErrInsufficientData) {
			return "", nil
		}
		return "", fmt.Errorf("计算 RSI 失败: %w", err)
	}
	if rsi >= s.overbought {
		return database.CloseReasonStrategySignal, nil
	}
	return "", nil
}
