package indicators

// ========== 移动平均 ==========

// SMA 简单移动平均（最近 period 个值的算术平均）
func SMA(prices []float64, period int) (float64, error) {
	if period <= 0 || len(prices) < period {
		return 0, ErrInsufficientData
	}

	sum := 0.0
	for _, p := range prices[len(prices)-period:] {
		sum += p
	}
	return sum / float64(period), nil
}

// SMASeries 滑动计算 SMA 序列，输出长度 len(prices)-period+1
func SMASeries(prices []float64, period int) ([]float64, error) {
	if period <= 0 || len(prices) < period {
		return nil, ErrInsufficientData
	}

	result := make([]float64, len(prices)-period+1)
	sum := 0.0

	for i := 0; i < period; i++ {
		sum += prices[i]
	}
	result[0] = sum / float64(period)

	for i := period; i < len(prices); i++ {
		sum = sum - prices[i-period] + prices[i]
		result[i-period+1] = sum / float64(period)
	}

	return result, nil
}

// EMASeries 指数移动平均序列
// 第一个值用前 period 个价格的 SMA 播种，输出长度 len(prices)-period+1
func EMASeries(prices []float64, period int) ([]float64, error) {
	if period <= 0 || len(prices) < period {
		return nil, ErrInsufficientData
	}

	multiplier := 2.0 / (float64(period) + 1.0)

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += prices[i]
	}

	result := make([]float64, len(prices)-period+1)
	result[0] = sum / float64(period)

	for i := period; i < len(prices); i++ {
		prev := result[i-period]
		result[i-period+1] = (prices[i]-prev)*multiplier + prev
	}

	return result, nil
}

// EMA 最新的指数移动平均值
func EMA(prices []float64, period int) (float64, error) {
	series, err := EMASeries(prices, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}

// EMANext 用前一个 EMA 值递推下一个 EMA
func EMANext(prevEMA, price float64, period int) float64 {
	multiplier := 2.0 / (float64(period) + 1.0)
	return (price-prevEMA)*multiplier + prevEMA
}
