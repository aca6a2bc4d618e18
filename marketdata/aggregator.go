package marketdata

import (
	"context"
	"sync"
	"time"

	"tradewind/event"
	"tradewind/logger"
	"tradewind/metrics"
)

// AggregatorMode K线聚合器工作模式
type AggregatorMode string

const (
	// ModePush 实时流推送模式
	ModePush AggregatorMode = "push"
	// ModePoll REST 轮询模式
	ModePoll AggregatorMode = "poll"
)

// TickSource 行情流订阅接口（由流会话管理器实现）
type TickSource interface {
	SubscribeTicks(symbol string) (<-chan Tick, error)
	UnsubscribeTicks(symbol string)
}

// CandleAggregator K线聚合器
// 每个 (标的, 周期) 一个实例，把行情事件折叠为 OHLC K线
// 私有状态只被自身工作协程访问，无需加锁
type CandleAggregator struct {
	symbol string
	tf     Timeframe
	mode   AggregatorMode

	store *PriceStore
	bus   *event.Bus

	source       TickSource      // push 模式
	fetcher      TimesaleFetcher // poll 模式
	pollInterval time.Duration

	// 工作协程私有状态
	current       *Candle
	history       []float64 // 滚动价格历史（按时间先后）
	historySize   int
	lastClosedEnd time.Time // 已收盘的最后边界，保证每个边界只收盘一次
	lastPollEnd   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// AggregatorOptions K线聚合器选项
type AggregatorOptions struct {
	Mode         AggregatorMode
	Source       TickSource      // push 模式必填
	Fetcher      TimesaleFetcher // poll 模式必填
	PollInterval time.Duration
	HistorySize  int
}

// NewCandleAggregator 创建K线聚合器
func NewCandleAggregator(symbol string, tf Timeframe, store *PriceStore, bus *event.Bus, opts AggregatorOptions) *CandleAggregator {
	ctx, cancel := context.WithCancel(context.Background())

	historySize := opts.HistorySize
	if historySize <= 0 {
		historySize = DefaultPriceHistorySize
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}

	return &CandleAggregator{
		symbol:       symbol,
		tf:           tf,
		mode:         opts.Mode,
		store:        store,
		bus:          bus,
		source:       opts.Source,
		fetcher:      opts.Fetcher,
		pollInterval: pollInterval,
		history:      make([]float64, 0, historySize),
		historySize:  historySize,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Symbol 标的代码
func (ca *CandleAggregator) Symbol() string { return ca.symbol }

// Timeframe K线周期
func (ca *CandleAggregator) Timeframe() Timeframe { return ca.tf }

// Start 启动聚合器
func (ca *CandleAggregator) Start() error {
	switch ca.mode {
	case ModePush:
		tickCh, err := ca.source.SubscribeTicks(ca.symbol)
		if err != nil {
			return err
		}
		ca.wg.Add(1)
		go ca.runPush(tickCh)
	case ModePoll:
		ca.wg.Add(1)
		go ca.runPoll()
	}

	logger.Info("✅ K线聚合器已启动: %s %s (%s模式)", ca.symbol, ca.tf, ca.mode)
	return nil
}

// Stop 停止聚合器
// 返回前保证已退订上游行情，不会再有事件投递
func (ca *CandleAggregator) Stop() {
	ca.cancel()
	if ca.mode == ModePush && ca.source != nil {
		ca.source.UnsubscribeTicks(ca.symbol)
	}
	ca.wg.Wait()
	logger.Info("🛑 K线聚合器已停止: %s %s", ca.symbol, ca.tf)
}

// runPush 推送模式主循环
func (ca *CandleAggregator) runPush(tickCh <-chan Tick) {
	defer ca.wg.Done()

	for {
		select {
		case <-ca.ctx.Done():
			return
		case tick, ok := <-tickCh:
			if !ok {
				return
			}
			ca.Ingest(tick)
		}
	}
}

// runPoll 轮询模式主循环
func (ca *CandleAggregator) runPoll() {
	defer ca.wg.Done()

	ticker := time.NewTicker(ca.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ca.ctx.Done():
			return
		case <-ticker.C:
			ca.poll()
		}
	}
}

// poll 拉取自上次以来的分时成交并送入统一折叠路径
func (ca *CandleAggregator) poll() {
	now := time.Now()
	start := ca.lastPollEnd
	if start.IsZero() {
		start = now.Add(-ca.tf.Duration())
	}

	ctx, cancel := context.WithTimeout(ca.ctx, 10*time.Second)
	defer cancel()

	ticks, err := ca.fetcher.GetTimesales(ctx, ca.symbol, ca.tf, start, now)
	if err != nil {
		// 传输错误不就地重试，等下一个轮询周期
		logger.Warn("⚠️ 拉取分时成交失败: %s %s: %v", ca.symbol, ca.tf, err)
		return
	}
	ca.lastPollEnd = now

	for _, tick := range ticks {
		if tick.Time.After(start) {
			ca.Ingest(tick)
		}
	}
}

// Ingest 折叠单个行情事件
// 推送与轮询两种模式共用的统一入口
func (ca *CandleAggregator) Ingest(tick Tick) {
	price, ok := tick.RepresentativePrice()
	if !ok {
		return
	}

	if ca.current == nil {
		ca.openCandle(tick.Time, price, tick.Size)
	} else {
		if price > ca.current.High {
			ca.current.High = price
		}
		if price < ca.current.Low {
			ca.current.Low = price
		}
		ca.current.Close = price
		ca.current.Volume += tick.Size
	}

	// 追加滚动价格历史，超容量淘汰最旧值
	ca.history = append(ca.history, price)
	if len(ca.history) > ca.historySize {
		ca.history = ca.history[1:]
	}

	// 边界判断必须用 >=；跨多个边界的事件也只收盘当前这根K线
	if !tick.Time.Before(ca.current.EndTime) {
		ca.closeCandle()
	}
}

// openCandle 开启新K线
func (ca *CandleAggregator) openCandle(t time.Time, price, size float64) {
	start := t.Truncate(ca.tf.Duration())
	ca.current = &Candle{
		Symbol:    ca.symbol,
		Timeframe: ca.tf,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    size,
		StartTime: start,
		EndTime:   start.Add(ca.tf.Duration()),
	}
}

// closeCandle 收盘当前K线：写缓存并精确发布一次收盘事件
func (ca *CandleAggregator) closeCandle() {
	candle := *ca.current
	ca.current = nil

	// 同一边界绝不重复收盘
	if !candle.EndTime.After(ca.lastClosedEnd) {
		return
	}
	ca.lastClosedEnd = candle.EndTime

	// 历史快照（按时间先后）
	snapshot := make([]float64, len(ca.history))
	copy(snapshot, ca.history)

	// 写入共享缓存：K线 + 价格历史（缓存约定新值在前）
	ca.store.PutCandle(candle)
	reversed := make([]float64, len(snapshot))
	for i, p := range snapshot {
		reversed[len(snapshot)-1-i] = p
	}
	ca.store.PutPriceHistory(ca.symbol, reversed)

	ca.bus.Publish(event.TopicMarketData(ca.symbol), event.EventTypeCandleClosed, &CandleClosedEvent{
		Candle:  candle,
		History: snapshot,
	})
	metrics.GetPrometheusMetrics().RecordCandleClosed(ca.symbol, string(ca.tf))

	logger.Debug("📊 K线收盘: %s %s O=%.2f H=%.2f L=%.2f C=%.2f", ca.symbol, ca.tf, candle.Open, candle.High, candle.Low, candle.Close)
}
