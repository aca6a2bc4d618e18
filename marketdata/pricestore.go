package marketdata

import (
	"sync"
)

const (
	// DefaultPriceHistorySize 价格历史默认容量
	DefaultPriceHistorySize = 200
	// DefaultCandleHistorySize K线历史默认容量
	DefaultCandleHistorySize = 100
)

// PriceStore 共享行情缓存
// 读路径走 sync.Map，永不被写方阻塞；写路径对每个键整体替换不可变切片，
// 串行化写入由 writeMu 保证，读方不会观察到部分更新
type PriceStore struct {
	priceHistorySize  int
	candleHistorySize int

	prices  sync.Map // symbol -> []float64（新值在前）
	candles sync.Map // symbol|timeframe -> []Candle（新值在前）
	quotes  sync.Map // symbol -> Quote

	writeMu sync.Mutex
}

// NewPriceStore 创建行情缓存
func NewPriceStore(priceHistorySize, candleHistorySize int) *PriceStore {
	if priceHistorySize <= 0 {
		priceHistorySize = DefaultPriceHistorySize
	}
	if candleHistorySize <= 0 {
		candleHistorySize = DefaultCandleHistorySize
	}
	return &PriceStore{
		priceHistorySize:  priceHistorySize,
		candleHistorySize: candleHistorySize,
	}
}

// candleKey K线缓存键
func candleKey(symbol string, tf Timeframe) string {
	return symbol + "|" + string(tf)
}

// PutPriceHistory 整体写入价格历史（新值在前），超出容量截断
func (ps *PriceStore) PutPriceHistory(symbol string, history []float64) {
	ps.writeMu.Lock()
	defer ps.writeMu.Unlock()

	if len(history) > ps.priceHistorySize {
		history = history[:ps.priceHistorySize]
	}
	stored := make([]float64, len(history))
	copy(stored, history)
	ps.prices.Store(symbol, stored)
}

// GetPriceHistory 获取价格历史快照（新值在前）
func (ps *PriceStore) GetPriceHistory(symbol string) []float64 {
	v, ok := ps.prices.Load(symbol)
	if !ok {
		return nil
	}
	history := v.([]float64)
	out := make([]float64, len(history))
	copy(out, history)
	return out
}

// AddPrice 追加最新价格（头插），超出容量淘汰最旧值
func (ps *PriceStore) AddPrice(symbol string, price float64) {
	ps.writeMu.Lock()
	defer ps.writeMu.Unlock()

	var old []float64
	if v, ok := ps.prices.Load(symbol); ok {
		old = v.([]float64)
	}

	n := len(old) + 1
	if n > ps.priceHistorySize {
		n = ps.priceHistorySize
	}
	updated := make([]float64, n)
	updated[0] = price
	copy(updated[1:], old)

	ps.prices.Store(symbol, updated)
}

// PutCandle 写入收盘K线（头插），超出容量淘汰最旧值
func (ps *PriceStore) PutCandle(candle Candle) {
	ps.writeMu.Lock()
	defer ps.writeMu.Unlock()

	key := candleKey(candle.Symbol, candle.Timeframe)

	var old []Candle
	if v, ok := ps.candles.Load(key); ok {
		old = v.([]Candle)
	}

	n := len(old) + 1
	if n > ps.candleHistorySize {
		n = ps.candleHistorySize
	}
	updated := make([]Candle, n)
	updated[0] = candle
	copy(updated[1:], old)

	ps.candles.Store(key, updated)
}

// GetCandles 获取K线历史快照（新值在前）
func (ps *PriceStore) GetCandles(symbol string, tf Timeframe) []Candle {
	v, ok := ps.candles.Load(candleKey(symbol, tf))
	if !ok {
		return nil
	}
	candles := v.([]Candle)
	out := make([]Candle, len(candles))
	copy(out, candles)
	return out
}

// GetLatestCandle 获取最新一根收盘K线
func (ps *PriceStore) GetLatestCandle(symbol string, tf Timeframe) (Candle, bool) {
	v, ok := ps.candles.Load(candleKey(symbol, tf))
	if !ok {
		return Candle{}, false
	}
	candles := v.([]Candle)
	if len(candles) == 0 {
		return Candle{}, false
	}
	return candles[0], true
}

// PutQuote 写入最新报价（整体覆盖）
func (ps *PriceStore) PutQuote(quote Quote) {
	ps.quotes.Store(quote.Symbol, quote)
}

// GetQuote 获取最新报价
func (ps *PriceStore) GetQuote(symbol string) (Quote, bool) {
	v, ok := ps.quotes.Load(symbol)
	if !ok {
		return Quote{}, false
	}
	return v.(Quote), true
}

// ClearSymbol 清除某标的的全部缓存数据
func (ps *PriceStore) ClearSymbol(symbol string) {
	ps.writeMu.Lock()
	defer ps.writeMu.Unlock()

	ps.prices.Delete(symbol)
	ps.quotes.Delete(symbol)

	ps.candles.Range(func(key, _ interface{}) bool {
		k := key.(string)
		if len(k) > len(symbol) && k[:len(symbol)] == symbol && k[len(symbol)] == '|' {
			ps.candles.Delete(key)
		}
		return true
	})
}
