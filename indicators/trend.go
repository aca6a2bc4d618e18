package indicators

// ========== 趋势指标 ==========

// MACDResult MACD 计算结果（三条序列按时间对齐）
type MACDResult struct {
	MACD      []float64 // 快线EMA - 慢线EMA
	Signal    []float64 // MACD 的信号线EMA
	Histogram []float64 // MACD - Signal
}

// Latest 最新一组值（三条序列结束于同一时间点）
func (m *MACDResult) Latest() (macd, signal, histogram float64) {
	return m.MACD[len(m.MACD)-1], m.Signal[len(m.Signal)-1], m.Histogram[len(m.Histogram)-1]
}

// MACD 指数平滑异同移动平均
// 快慢两条 EMA 序列按周期差对齐后相减得到 MACD 线，再对其取 signalPeriod 的 EMA 作为信号线
func MACD(prices []float64, fastPeriod, slowPeriod, signalPeriod int) (*MACDResult, error) {
	if fastPeriod <= 0 || slowPeriod <= fastPeriod || signalPeriod <= 0 {
		return nil, ErrInsufficientData
	}
	if len(prices) < slowPeriod+signalPeriod-1 {
		return nil, ErrInsufficientData
	}

	fastEMA, err := EMASeries(prices, fastPeriod)
	if err != nil {
		return nil, err
	}
	slowEMA, err := EMASeries(prices, slowPeriod)
	if err != nil {
		return nil, err
	}

	// 快线序列更长，丢弃开头的周期差部分对齐
	offset := len(fastEMA) - len(slowEMA)
	fastEMA = fastEMA[offset:]

	macdLine := make([]float64, len(slowEMA))
	for i := range slowEMA {
		macdLine[i] = fastEMA[i] - slowEMA[i]
	}

	signalLine, err := EMASeries(macdLine, signalPeriod)
	if err != nil {
		return nil, err
	}

	// 直方图与信号线对齐
	macdTail := macdLine[len(macdLine)-len(signalLine):]
	histogram := make([]float64, len(signalLine))
	for i := range signalLine {
		histogram[i] = macdTail[i] - signalLine[i]
	}

	return &MACDResult{
		MACD:      macdLine,
		Signal:    signalLine,
		Histogram: histogram,
	}, nil
}
