package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradewind/logger"
)

var (
	once     sync.Once
	instance *PrometheusMetrics

	// 订单指标
	orderTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradewind_order_total",
			Help: "Total number of orders placed",
		},
		[]string{"symbol", "side", "mode"},
	)

	orderFailureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradewind_order_failure_total",
			Help: "Total number of failed order placements",
		},
		[]string{"symbol", "side", "reason"},
	)

	// 交易指标
	tradeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradewind_trade_count_total",
			Help: "Total number of trades executed",
		},
		[]string{"strategy", "symbol", "side"},
	)

	pnlRealized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradewind_pnl_realized_total",
			Help: "Total realized profit and loss",
		},
		[]string{"strategy", "symbol"},
	)

	winRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradewind_win_rate",
			Help: "Win rate percentage (0-100)",
		},
		[]string{"strategy"},
	)

	// 风控指标
	riskRejectionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradewind_risk_rejection_total",
			Help: "Total number of risk check rejections",
		},
		[]string{"reason"},
	)

	riskCheckErrorTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradewind_risk_check_error_total",
			Help: "Total number of risk checks skipped due to data errors",
		},
		[]string{"check"},
	)

	// 行情指标
	candlesClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradewind_candles_closed_total",
			Help: "Total number of candles emitted",
		},
		[]string{"symbol", "timeframe"},
	)

	quoteFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradewind_quote_fetch_total",
			Help: "Total number of quote fetch batches",
		},
		[]string{"status"},
	)

	// 行情流指标
	streamConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradewind_stream_connected",
			Help: "Streaming session status (0=down, 1=up)",
		},
	)

	streamReconnectTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradewind_stream_reconnect_total",
			Help: "Total number of streaming session rebuilds",
		},
	)

	// 工作协程指标
	strategyRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradewind_strategy_running",
			Help: "Number of running strategy workers",
		},
	)

	workerRestartTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradewind_worker_restart_total",
			Help: "Total number of worker restarts after a crash",
		},
		[]string{"worker"},
	)

	// 系统指标
	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradewind_goroutine_count",
			Help: "Number of goroutines",
		},
	)

	memoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradewind_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)

	processCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradewind_process_cpu_percent",
			Help: "Process CPU usage percentage",
		},
	)

	processMemoryMB = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradewind_process_memory_mb",
			Help: "Process resident memory in MB",
		},
	)
)

// PrometheusMetrics Prometheus 指标封装
type PrometheusMetrics struct{}

// GetPrometheusMetrics 获取指标单例
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		instance = &PrometheusMetrics{}
	})
	return instance
}

// RecordOrder 记录下单
func (pm *PrometheusMetrics) RecordOrder(symbol, side, mode string) {
	orderTotal.WithLabelValues(symbol, side, mode).Inc()
}

// RecordOrderFailure 记录下单失败
func (pm *PrometheusMetrics) RecordOrderFailure(symbol, side, reason string) {
	orderFailureTotal.WithLabelValues(symbol, side, reason).Inc()
}

// RecordTrade 记录成交
func (pm *PrometheusMetrics) RecordTrade(strategy, symbol, side string) {
	tradeCount.WithLabelValues(strategy, symbol, side).Inc()
}

// RecordRealizedPnL 记录已实现盈亏
func (pm *PrometheusMetrics) RecordRealizedPnL(strategy, symbol string, pnl float64) {
	pnlRealized.WithLabelValues(strategy, symbol).Add(pnl)
}

// SetWinRate 更新胜率
func (pm *PrometheusMetrics) SetWinRate(strategy string, rate float64) {
	winRate.WithLabelValues(strategy).Set(rate)
}

// RecordRiskRejection 记录风控拒绝
func (pm *PrometheusMetrics) RecordRiskRejection(reason string) {
	riskRejectionTotal.WithLabelValues(reason).Inc()
}

// RecordRiskCheckError 记录因数据不可用而跳过的风控检查
func (pm *PrometheusMetrics) RecordRiskCheckError(check string) {
	riskCheckErrorTotal.WithLabelValues(check).Inc()
}

// RecordCandleClosed 记录K线收盘
func (pm *PrometheusMetrics) RecordCandleClosed(symbol, timeframe string) {
	candlesClosedTotal.WithLabelValues(symbol, timeframe).Inc()
}

// RecordQuoteFetch 记录报价拉取批次
func (pm *PrometheusMetrics) RecordQuoteFetch(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	quoteFetchTotal.WithLabelValues(status).Inc()
}

// SetStreamConnected 更新行情流连接状态
func (pm *PrometheusMetrics) SetStreamConnected(connected bool) {
	if connected {
		streamConnected.Set(1)
	} else {
		streamConnected.Set(0)
	}
}

// RecordStreamReconnect 记录行情流重建
func (pm *PrometheusMetrics) RecordStreamReconnect() {
	streamReconnectTotal.Inc()
}

// SetRunningStrategies 更新运行中策略数量
func (pm *PrometheusMetrics) SetRunningStrategies(count int) {
	strategyRunning.Set(float64(count))
}

// RecordWorkerRestart 记录工作协程崩溃重启
func (pm *PrometheusMetrics) RecordWorkerRestart(worker string) {
	workerRestartTotal.WithLabelValues(worker).Inc()
}

// SetGoroutineCount 更新协程数量
func (pm *PrometheusMetrics) SetGoroutineCount(count int) {
	goroutineCount.Set(float64(count))
}

// SetMemoryAlloc 更新堆内存
func (pm *PrometheusMetrics) SetMemoryAlloc(bytes uint64) {
	memoryAllocBytes.Set(float64(bytes))
}

// SetProcessUsage 更新进程资源占用
func (pm *PrometheusMetrics) SetProcessUsage(cpuPercent, memoryMB float64) {
	processCPUPercent.Set(cpuPercent)
	processMemoryMB.Set(memoryMB)
}

// Serve 启动指标 HTTP 服务
func Serve(listen string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("❌ 指标服务异常退出: %v", err)
		}
	}()

	logger.Info("✅ 指标服务已启动: %s/metrics", listen)
	return server
}
