// Package marketdata 行情管道
// 负责行情接入、K线聚合与共享行情缓存
package marketdata

import (
	"context"
	"fmt"
	"time"
)

// Timeframe K线周期
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1min"
	Timeframe5Min  Timeframe = "5min"
	Timeframe15Min Timeframe = "15min"
	TimeframeDaily Timeframe = "daily"
)

// Duration 周期对应的时长
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1Min:
		return time.Minute
	case Timeframe5Min:
		return 5 * time.Minute
	case Timeframe15Min:
		return 15 * time.Minute
	case TimeframeDaily:
		return 24 * time.Hour
	default:
		return 0
	}
}

// ParseTimeframe 解析K线周期
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if tf.Duration() == 0 {
		return "", fmt.Errorf("不支持的K线周期: %s", s)
	}
	return tf, nil
}

// Candle OHLC K线
// 时间窗口为左闭右开 [StartTime, EndTime)，EndTime-StartTime 等于周期时长
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Quote 最新报价（每标的单值覆盖语义）
type Quote struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	BidSize   int64     `json:"bid_size"`
	AskSize   int64     `json:"ask_size"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// TickType 行情事件类型
type TickType string

const (
	TickTypeQuote   TickType = "quote"
	TickTypeTrade   TickType = "trade"
	TickTypeSummary TickType = "summary"
)

// Tick 统一的行情事件
// 流式与轮询两种接入方式均归一化为该类型
type Tick struct {
	Type   TickType
	Symbol string
	Price  float64 // 成交价（trade 事件）
	Size   float64 // 成交量（trade 事件）
	Bid    float64
	Ask    float64
	Volume float64
	Time   time.Time
}

// RepresentativePrice 代表性价格
// 优先取成交价，否则取买卖中间价
func (t *Tick) RepresentativePrice() (float64, bool) {
	if t.Price > 0 {
		return t.Price, true
	}
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2, true
	}
	return 0, false
}

// CandleClosedEvent K线收盘事件负载
// History 为收盘时刻的价格历史快照（按时间先后排列）
type CandleClosedEvent struct {
	Candle  Candle
	History []float64
}

// QuoteFetcher 批量报价拉取接口（由券商客户端实现）
type QuoteFetcher interface {
	GetQuotes(ctx context.Context, symbols []string) ([]Quote, error)
}

// TimesaleFetcher 分时成交拉取接口（轮询模式使用，由券商客户端实现）
type TimesaleFetcher interface {
	GetTimesales(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) ([]Tick, error)
}
