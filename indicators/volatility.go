package indicators

// ========== 波动率指标 ==========

// BollingerBands 布林带计算结果
type BollingerBands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger 布林带
// 中轨为 period 周期 SMA，上下轨为中轨 ± k 倍标准差
func Bollinger(prices []float64, period int, k float64) (*BollingerBands, error) {
	if period <= 0 || len(prices) < period {
		return nil, ErrInsufficientData
	}

	window := prices[len(prices)-period:]

	middle, err := SMA(window, period)
	if err != nil {
		return nil, err
	}

	band := k * StdDev(window)

	return &BollingerBands{
		Upper:  middle + band,
		Middle: middle,
		Lower:  middle - band,
	}, nil
}
