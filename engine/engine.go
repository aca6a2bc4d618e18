package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tradewind/broker"
	"tradewind/config"
	"tradewind/database"
	"tradewind/event"
	"tradewind/logger"
	"tradewind/marketdata"
	"tradewind/metrics"
	"tradewind/risk"
)

// Engine 交易引擎编排器
// 周期性对账数据库中的策略状态，驱动策略工作协程与K线聚合器的启停
type Engine struct {
	cfg      *config.Config
	db       database.Database
	bus      *event.Bus
	store    *marketdata.PriceStore
	riskMgr  *risk.Manager
	executor broker.OrderExecutor
	source   marketdata.TickSource      // push 模式行情源，可为 nil
	fetcher  marketdata.TimesaleFetcher // poll 模式行情源

	supervisor *Supervisor
	pm         *metrics.PrometheusMetrics

	mu          sync.Mutex
	aggregators map[string]*marketdata.CandleAggregator

	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewEngine 创建交易引擎
func NewEngine(cfg *config.Config, db database.Database, bus *event.Bus, store *marketdata.PriceStore, riskMgr *risk.Manager, executor broker.OrderExecutor, source marketdata.TickSource, fetcher marketdata.TimesaleFetcher) *Engine {
	interval := time.Duration(cfg.Supervisor.HeartbeatInterval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		db:       db,
		bus:      bus,
		store:    store,
		riskMgr:  riskMgr,
		executor: executor,
		source:   source,
		fetcher:  fetcher,
		supervisor: NewSupervisor(bus, SupervisorOptions{
			MaxRestarts:   cfg.Supervisor.MaxRestarts,
			RestartWindow: time.Duration(cfg.Supervisor.RestartWindow) * time.Minute,
			RestartDelay:  time.Duration(cfg.Supervisor.RestartDelay) * time.Second,
		}),
		pm:          metrics.GetPrometheusMetrics(),
		aggregators: make(map[string]*marketdata.CandleAggregator),
		interval:    interval,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Supervisor 工作协程监督器
func (e *Engine) Supervisor() *Supervisor {
	return e.supervisor
}

// Start 启动引擎
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.reconcileLoop()
	e.bus.Publish(event.TopicSystem, event.EventTypeSystemStart, nil)
	logger.Info("✅ 交易引擎已启动 (对账间隔: %v, 执行模式: %s)", e.interval, e.executor.Mode())
}

// Stop 停止引擎及其全部工作单元
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()

	e.supervisor.Shutdown()

	e.mu.Lock()
	for key, agg := range e.aggregators {
		agg.Stop()
		delete(e.aggregators, key)
	}
	e.mu.Unlock()

	e.bus.Publish(event.TopicSystem, event.EventTypeSystemStop, nil)
	logger.Info("✅ 交易引擎已停止")
}

// reconcileLoop 策略状态对账循环
func (e *Engine) reconcileLoop() {
	defer e.wg.Done()

	// 启动后立即对账一次
	e.reconcile()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.reconcile()
		}
	}
}

// reconcile 让运行中的工作单元集合与数据库中的激活策略对齐
func (e *Engine) reconcile() {
	ctx, cancel := context.WithTimeout(e.ctx, e.interval)
	defer cancel()

	active, err := e.db.ListStrategies(ctx, database.StrategyStatusActive)
	if err != nil {
		logger.Error("❌ 读取激活策略失败: %v", err)
		return
	}

	desired := make(map[string]*database.Strategy, len(active))
	feeds := make(map[string]candleFeed)
	for _, record := range active {
		tf, err := strategyTimeframe(record)
		if err != nil {
			logger.Warn("⚠️ 策略周期非法，已跳过: id=%d err=%v", record.ID, err)
			continue
		}
		desired[fmt.Sprintf("strategy-%d", record.ID)] = record
		feeds[feedKey(record.Symbol, tf)] = candleFeed{symbol: record.Symbol, tf: tf}
	}

	// 启动新激活的策略
	for id, record := range desired {
		if e.supervisor.Running(id) {
			continue
		}
		runner := NewStrategyRunner(record.ID, e.db, e.bus, e.store, e.riskMgr, e.executor)
		if err := e.supervisor.Start(runner); err != nil {
			logger.Error("❌ 启动策略工作协程失败: %s err=%v", id, err)
		}
	}

	// 停止不再激活的策略
	for _, id := range e.supervisor.Workers() {
		if _, ok := desired[id]; !ok {
			e.supervisor.Stop(id)
		}
	}

	e.reconcileFeeds(feeds)
	e.pm.SetRunningStrategies(len(e.supervisor.Workers()))
}

type candleFeed struct {
	symbol string
	tf     marketdata.Timeframe
}

func feedKey(symbol string, tf marketdata.Timeframe) string {
	return symbol + "|" + string(tf)
}

// reconcileFeeds 让K线聚合器集合与激活策略的行情需求对齐
func (e *Engine) reconcileFeeds(feeds map[string]candleFeed) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, feed := range feeds {
		if _, ok := e.aggregators[key]; ok {
			continue
		}
		mode := marketdata.ModePoll
		if e.source != nil {
			mode = marketdata.ModePush
		}
		agg := marketdata.NewCandleAggregator(feed.symbol, feed.tf, e.store, e.bus, marketdata.AggregatorOptions{
			Mode:         mode,
			Source:       e.source,
			Fetcher:      e.fetcher,
			PollInterval: time.Duration(e.cfg.MarketData.PollIntervalSeconds) * time.Second,
			HistorySize:  e.cfg.MarketData.PriceHistorySize,
		})
		if err := agg.Start(); err != nil {
			logger.Error("❌ 启动K线聚合器失败: %s err=%v", key, err)
			continue
		}
		e.aggregators[key] = agg
		logger.Info("✅ K线聚合器已启动: %s", key)
	}

	for key, agg := range e.aggregators {
		if _, ok := feeds[key]; !ok {
			agg.Stop()
			delete(e.aggregators, key)
			logger.Info("🛑 K线聚合器已停止: %s", key)
		}
	}
}

// strategyTimeframe 从策略配置中解析K线周期，缺省 5min
func strategyTimeframe(record *database.Strategy) (marketdata.Timeframe, error) {
	cfg := struct {
		Timeframe string `json:"timeframe"`
	}{Timeframe: string(marketdata.Timeframe5Min)}

	if record.Config != "" {
		if err := json.Unmarshal([]byte(record.Config), &cfg); err != nil {
			return "", fmt.Errorf("解析策略配置失败: %w", err)
		}
		if cfg.Timeframe == "" {
			cfg.Timeframe = string(marketdata.Timeframe5Min)
		}
	}
	return marketdata.ParseTimeframe(cfg.Timeframe)
}
