package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradewind/broker"
	"tradewind/config"
	"tradewind/database"
	"tradewind/engine"
	"tradewind/event"
	"tradewind/lock"
	"tradewind/logger"
	"tradewind/marketdata"
	"tradewind/metrics"
	"tradewind/risk"
	"tradewind/stream"
)

// Version 版本号
var Version = "1.2.0"

func main() {
	// 检查版本参数
	if len(os.Args) > 1 && (os.Args[1] == "-version" || os.Args[1] == "--version") {
		fmt.Printf("TradeWind Trading Engine\n")
		fmt.Printf("Version: %s\n", Version)
		os.Exit(0)
	}

	// 1. 加载配置
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logLevel := logger.ParseLogLevel(cfg.App.LogLevel)
	logger.SetLevel(logLevel)
	logger.Info("✅ 配置加载成功: %s (交易模式: %s)", configPath, cfg.Trading.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. 数据库
	logger.Info("🔧 正在初始化数据库...")
	db, err := database.NewDatabase(&database.Config{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		logger.Error("❌ 初始化数据库失败: %v", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("✅ 数据库已就绪: %s", cfg.Database.Type)

	// 3. 事件总线与事件落库
	bus := event.NewBus()
	defer bus.Close()

	recorder := event.NewRecorder(db, bus, []string{event.TopicStrategies, event.TopicSystem}, 30)
	recorder.Start()
	defer recorder.Stop()

	// 4. 分布式锁（保证流会话单例；未启用时为空实现）
	dlock, err := lock.NewDistributedLock(&lock.Config{
		Enabled:    cfg.Lock.Enabled,
		Type:       cfg.Lock.Type,
		Prefix:     cfg.Lock.Prefix,
		DefaultTTL: time.Duration(cfg.Lock.TTLSeconds) * time.Second,
		Redis: lock.RedisConfig{
			Addr:     cfg.Lock.Redis.Addr,
			Password: cfg.Lock.Redis.Password,
			DB:       cfg.Lock.Redis.DB,
			PoolSize: cfg.Lock.Redis.PoolSize,
		},
	})
	if err != nil {
		logger.Error("❌ 初始化分布式锁失败: %v", err)
		os.Exit(1)
	}
	defer dlock.Close()

	// 5. 券商客户端与订单执行器
	client := broker.NewClient(broker.ClientOptions{
		AccountID: cfg.Broker.AccountID,
		APIToken:  cfg.Broker.APIToken,
		Sandbox:   cfg.Broker.Sandbox,
		BaseURL:   cfg.Broker.BaseURL,
		StreamURL: cfg.Broker.StreamURL,
		Timeout:   time.Duration(cfg.Broker.TimeoutSeconds) * time.Second,
		RateLimit: cfg.Broker.RateLimit,
		RateBurst: cfg.Broker.RateBurst,
	})

	var executor broker.OrderExecutor
	if cfg.IsPaperTrading() {
		executor = broker.NewPaperExecutor()
		logger.Info("ℹ️ 模拟盘模式：订单不会发送至券商")
	} else {
		executor = broker.NewLiveExecutor(client)
		logger.Warn("⚠️ 实盘模式：订单将真实成交")
	}

	// 6. 行情组件
	store := marketdata.NewPriceStore(cfg.MarketData.PriceHistorySize, cfg.MarketData.CandleHistorySize)

	quoteCache := marketdata.NewQuoteCache(store, bus, client, cfg.QuotePollInterval(), cfg.QuoteIdleTTL())
	quoteCache.Start()
	defer quoteCache.Stop()

	// 实时流（push）或 REST 轮询（poll）
	var tickSource marketdata.TickSource
	var session *stream.SessionManager
	if cfg.MarketData.UseStreaming {
		session = stream.NewSessionManager(client, bus, stream.Options{
			Lock:           dlock,
			SessionTTL:     cfg.SessionTTL(),
			ReconnectDelay: time.Duration(cfg.MarketData.ReconnectDelay) * time.Second,
		})
		if err := session.Start(); err != nil {
			logger.Error("❌ 启动流会话失败: %v", err)
			os.Exit(1)
		}
		defer session.Stop()
		tickSource = session
		logger.Info("✅ 实时行情流已启动")
	} else {
		logger.Info("ℹ️ 未启用实时流，K线聚合使用 REST 轮询 (间隔 %ds)", cfg.MarketData.PollIntervalSeconds)
	}

	// 7. 风控与交易引擎
	riskMgr := risk.NewManager(db, client)
	eng := engine.NewEngine(cfg, db, bus, store, riskMgr, executor, tickSource, client)
	eng.Start()
	defer eng.Stop()

	// 8. 监控指标
	var metricsServer *http.Server
	var collector *metrics.SystemMetricsCollector
	if cfg.Metrics.Enabled {
		metricsServer = metrics.Serve(cfg.Metrics.Listen)
		collector = metrics.NewSystemMetricsCollector(time.Duration(cfg.Metrics.SampleInterval) * time.Second)
		collector.Start()
		logger.Info("✅ 指标服务已启动: %s/metrics", cfg.Metrics.Listen)
	}

	// 9. 配置热加载（目前仅应用日志级别，其余字段重启生效）
	watcher, err := config.NewConfigWatcher(configPath)
	if err != nil {
		logger.Warn("⚠️ 创建配置监控器失败: %v", err)
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("⚠️ 启动配置监控器失败: %v", err)
		} else {
			defer watcher.Stop()
			go func() {
				for newCfg := range watcher.Updates() {
					logger.SetLevel(logger.ParseLogLevel(newCfg.App.LogLevel))
					logger.Info("🔄 配置已热加载，日志级别: %s", newCfg.App.LogLevel)
				}
			}()
		}
	}

	logger.Info("✅ 系统初始化完成，程序正在运行中...")
	logger.Info("💡 按 Ctrl+C 退出程序")

	// 等待退出信号（SIGINT 或 SIGTERM）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("🛑 收到退出信号，开始优雅关闭...")

	if collector != nil {
		collector.Stop()
	}
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("⚠️ 关闭指标服务失败: %v", err)
		}
		shutdownCancel()
	}

	cancel()

	// 留给事件消费协程一点清理时间
	time.Sleep(500 * time.Millisecond)
	logger.Info("✅ 程序已退出")
}
