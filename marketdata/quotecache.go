package marketdata

import (
	"context"
	"sync"
	"time"

	"tradewind/event"
	"tradewind/logger"
	"tradewind/metrics"
)

// QuoteSubscription 报价订阅句柄
type QuoteSubscription struct {
	id     int64
	symbol string
	ctx    context.Context
}

// watchedSymbol 某标的的订阅状态
type watchedSymbol struct {
	subscribers map[int64]*QuoteSubscription
	lastFetch   time.Time
	idleSince   time.Time // 订阅者清零的时刻；有订阅者时为零值
}

// QuoteCache 报价缓存
// 按引用计数维护关注标的集合：订阅即返回缓存值并在过期时触发带外刷新，
// 周期性批量拉取全部仍被关注的标的，并清理长期无人订阅的标的
type QuoteCache struct {
	store   *PriceStore
	bus     *event.Bus
	fetcher QuoteFetcher

	pollInterval time.Duration
	idleTTL      time.Duration

	mu      sync.Mutex
	watched map[string]*watchedSymbol
	nextID  int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQuoteCache 创建报价缓存
func NewQuoteCache(store *PriceStore, bus *event.Bus, fetcher QuoteFetcher, pollInterval, idleTTL time.Duration) *QuoteCache {
	ctx, cancel := context.WithCancel(context.Background())

	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}

	return &QuoteCache{
		store:        store,
		bus:          bus,
		fetcher:      fetcher,
		pollInterval: pollInterval,
		idleTTL:      idleTTL,
		watched:      make(map[string]*watchedSymbol),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start 启动轮询与清理循环
func (qc *QuoteCache) Start() {
	qc.wg.Add(2)
	go qc.pollLoop()
	go qc.cleanupLoop()
	logger.Info("✅ 报价缓存已启动 (轮询间隔: %v, 空闲清理: %v)", qc.pollInterval, qc.idleTTL)
}

// Stop 停止报价缓存
func (qc *QuoteCache) Stop() {
	qc.cancel()
	qc.wg.Wait()
	logger.Info("🛑 报价缓存已停止")
}

// Subscribe 订阅某标的报价
// 立即返回缓存报价（可能不存在）；缓存过期或缺失时触发一次带外刷新
// 订阅者的存活由其 ctx 监控，ctx 结束后会被自动清理
func (qc *QuoteCache) Subscribe(ctx context.Context, symbol string) (Quote, bool, *QuoteSubscription) {
	qc.mu.Lock()

	ws, ok := qc.watched[symbol]
	if !ok {
		ws = &watchedSymbol{subscribers: make(map[int64]*QuoteSubscription)}
		qc.watched[symbol] = ws
	}

	qc.nextID++
	sub := &QuoteSubscription{id: qc.nextID, symbol: symbol, ctx: ctx}
	ws.subscribers[sub.id] = sub
	ws.idleSince = time.Time{}

	stale := time.Since(ws.lastFetch) > qc.pollInterval
	qc.mu.Unlock()

	quote, cached := qc.store.GetQuote(symbol)

	// 缓存缺失或过期时带外刷新，不阻塞订阅方
	// 纳入 wg，保证 Stop 返回后不再有写入
	if !cached || stale {
		qc.wg.Add(1)
		go func() {
			defer qc.wg.Done()
			qc.fetch([]string{symbol})
		}()
	}

	return quote, cached, sub
}

// Unsubscribe 退订
// 某标的的订阅者清零后进入空闲状态，等待清理
func (qc *QuoteCache) Unsubscribe(sub *QuoteSubscription) {
	if sub == nil {
		return
	}

	qc.mu.Lock()
	defer qc.mu.Unlock()

	ws, ok := qc.watched[sub.symbol]
	if !ok {
		return
	}
	delete(ws.subscribers, sub.id)
	if len(ws.subscribers) == 0 {
		ws.idleSince = time.Now()
	}
}

// SubscriberCount 某标的当前订阅者数量
func (qc *QuoteCache) SubscriberCount(symbol string) int {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	ws, ok := qc.watched[symbol]
	if !ok {
		return 0
	}
	return len(ws.subscribers)
}

// WatchedSymbols 当前关注的标的集合
func (qc *QuoteCache) WatchedSymbols() []string {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	symbols := make([]string, 0, len(qc.watched))
	for symbol := range qc.watched {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// pollLoop 周期批量拉取全部关注标的
func (qc *QuoteCache) pollLoop() {
	defer qc.wg.Done()

	ticker := time.NewTicker(qc.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-qc.ctx.Done():
			return
		case <-ticker.C:
			symbols := qc.WatchedSymbols()
			if len(symbols) > 0 {
				qc.fetch(symbols)
			}
		}
	}
}

// cleanupLoop 周期清理死亡订阅者与空闲标的
func (qc *QuoteCache) cleanupLoop() {
	defer qc.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-qc.ctx.Done():
			return
		case <-ticker.C:
			qc.cleanup()
		}
	}
}

// cleanup 清理一轮
func (qc *QuoteCache) cleanup() {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	now := time.Now()
	for symbol, ws := range qc.watched {
		// 清理已死亡的订阅者（ctx 已结束）
		for id, sub := range ws.subscribers {
			if sub.ctx != nil && sub.ctx.Err() != nil {
				delete(ws.subscribers, id)
				logger.Debug("🧹 清理死亡订阅者: %s #%d", symbol, id)
			}
		}
		if len(ws.subscribers) == 0 && ws.idleSince.IsZero() {
			ws.idleSince = now
		}

		// 清理长期无人订阅的标的
		if len(ws.subscribers) == 0 && now.Sub(ws.idleSince) > qc.idleTTL {
			delete(qc.watched, symbol)
			logger.Info("🧹 清理空闲标的: %s", symbol)
		}
	}
}

// fetch 批量拉取报价并写缓存、发布事件
func (qc *QuoteCache) fetch(symbols []string) {
	ctx, cancel := context.WithTimeout(qc.ctx, 10*time.Second)
	defer cancel()

	quotes, err := qc.fetcher.GetQuotes(ctx, symbols)
	if err != nil {
		// 传输错误不就地重试，等下一个轮询周期
		logger.Warn("⚠️ 批量拉取报价失败 (%d 个标的): %v", len(symbols), err)
		metrics.GetPrometheusMetrics().RecordQuoteFetch(false)
		return
	}
	metrics.GetPrometheusMetrics().RecordQuoteFetch(true)

	now := time.Now()
	qc.mu.Lock()
	for _, q := range quotes {
		if ws, ok := qc.watched[q.Symbol]; ok {
			ws.lastFetch = now
		}
	}
	qc.mu.Unlock()

	for _, q := range quotes {
		qc.store.PutQuote(q)
		qc.bus.Publish(event.TopicQuotes(q.Symbol), event.EventTypeQuoteUpdated, q)
	}
}
