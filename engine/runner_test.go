package engine

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tradewind/broker"
	"tradewind/database"
	"tradewind/event"
	"tradewind/marketdata"
	"tradewind/risk"
)

type fakeBalances struct {
	balances *broker.Balances
}

func (f *fakeBalances) GetBalances(ctx context.Context) (*broker.Balances, error) {
	return f.balances, nil
}

// runnerFixture 策略工作协程测试环境：sqlite + 事件总线 + 模拟盘执行器
type runnerFixture struct {
	db     database.Database
	bus    *event.Bus
	runner *StrategyRunner
	record *database.Strategy
	events *event.Subscription
	done   chan error
	cancel context.CancelFunc
}

func newRunnerFixture(t *testing.T, record *database.Strategy, buyingPower float64) *runnerFixture {
	t.Helper()

	db, err := database.NewDatabase(&database.Config{
		Type: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "runner_test.db"),
	})
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.SaveStrategy(context.Background(), record); err != nil {
		t.Fatalf("保存策略失败: %v", err)
	}

	bus := event.NewBus()
	t.Cleanup(bus.Close)

	store := marketdata.NewPriceStore(200, 100)
	riskMgr := risk.NewManager(db, &fakeBalances{balances: &broker.Balances{
		BuyingPower: buyingPower,
		TotalEquity: buyingPower * 2,
	}})
	runner := NewStrategyRunner(record.ID, db, bus, store, riskMgr, broker.NewPaperExecutor())

	events := bus.Subscribe(event.TopicStrategies)
	t.Cleanup(func() { bus.Unsubscribe(events) })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	return &runnerFixture{
		db:     db,
		bus:    bus,
		runner: runner,
		record: record,
		events: events,
		done:   done,
		cancel: cancel,
	}
}

// waitEvent 等待指定类型的策略事件，期间丢弃其他事件
func (f *runnerFixture) waitEvent(t *testing.T, eventType event.EventType) *event.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-f.events.C():
			if !ok {
				t.Fatal("事件通道已关闭")
			}
			if msg.Type == eventType {
				return msg
			}
		case <-deadline:
			t.Fatalf("等待事件超时: %s", eventType)
		}
	}
}

// publishCandle 发布一根收盘K线
func (f *runnerFixture) publishCandle(symbol string, close float64, history []float64) {
	now := time.Now()
	f.bus.Publish(event.TopicMarketData(symbol), event.EventTypeCandleClosed, &marketdata.CandleClosedEvent{
		Candle: marketdata.Candle{
			Symbol:    symbol,
			Timeframe: marketdata.Timeframe1Min,
			Open:      close,
			High:      close,
			Low:       close,
			Close:     close,
			StartTime: now.Add(-time.Minute),
			EndTime:   now,
		},
		History: history,
	})
}

func rsiStrategy() *database.Strategy {
	return &database.Strategy{
		Name:   "rsi-test",
		Symbol: "AAPL",
		Type:   "rsi_mean_reversion",
		Config: `{"timeframe":"1min","period":14,"oversold":30,"overbought":70}`,
		Status: database.StrategyStatusActive,
	}
}

// declining 严格下跌序列，RSI 为 0
func decliningPrices(n int, last float64) []float64 {
	prices := make([]float64, n)
	for i := range prices {
		prices[i] = last + float64(n-1-i)
	}
	return prices
}

func TestRunnerEntryExitFlow(t *testing.T) {
	f := newRunnerFixture(t, rsiStrategy(), 10000)
	f.waitEvent(t, event.EventTypeStrategyStarted)
	ctx := context.Background()

	// 超卖K线触发入场
	f.publishCandle("AAPL", 100, decliningPrices(20, 100))
	f.waitEvent(t, event.EventTypePositionOpened)

	positions, err := f.db.ListOpenPositions(ctx, f.record.ID)
	if err != nil {
		t.Fatalf("读取仓位失败: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("期望1个未平仓, got %d", len(positions))
	}
	position := positions[0]
	if position.Quantity != 10 || position.EntryPrice != 100 {
		t.Fatalf("仓位不符: qty=%v entry=%v", position.Quantity, position.EntryPrice)
	}
	if position.StopLossPrice != 98 || position.TakeProfitPrice != 104 {
		t.Fatalf("止损/止盈不符: stop=%v take=%v", position.StopLossPrice, position.TakeProfitPrice)
	}

	trades, err := f.db.ListTrades(ctx, f.record.ID, 10)
	if err != nil {
		t.Fatalf("读取流水失败: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("期望1条入场流水, got %d", len(trades))
	}
	if !strings.HasPrefix(trades[0].OrderID, "paper-") {
		t.Fatalf("模拟盘订单号前缀不符: %s", trades[0].OrderID)
	}
	if trades[0].PositionID == nil || *trades[0].PositionID != position.ID {
		t.Fatal("入场流水未关联仓位")
	}

	// 触及止盈价平仓
	f.publishCandle("AAPL", 105, decliningPrices(20, 100))
	f.waitEvent(t, event.EventTypePositionClosed)

	closed, err := f.db.GetPosition(ctx, position.ID)
	if err != nil {
		t.Fatalf("读取仓位失败: %v", err)
	}
	if closed.Status != database.PositionStatusClosed {
		t.Fatalf("仓位应已关闭, got %s", closed.Status)
	}
	if closed.CloseReason != database.CloseReasonTakeProfit {
		t.Fatalf("平仓原因不符: %s", closed.CloseReason)
	}
	if closed.PnL != 50 {
		t.Fatalf("盈亏不符: %v", closed.PnL)
	}
	if closed.ClosedAt == nil {
		t.Fatal("关闭时间未落库")
	}

	trades, err = f.db.ListTrades(ctx, f.record.ID, 10)
	if err != nil {
		t.Fatalf("读取流水失败: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("期望2条流水, got %d", len(trades))
	}

	updated, err := f.db.GetStrategy(ctx, f.record.ID)
	if err != nil {
		t.Fatalf("读取策略失败: %v", err)
	}
	if updated.TotalTrades != 1 || updated.WinningTrades != 1 {
		t.Fatalf("统计不符: total=%d win=%d", updated.TotalTrades, updated.WinningTrades)
	}
	if updated.WinRate != 100 || updated.TotalPnL != 50 {
		t.Fatalf("统计不符: winRate=%v pnl=%v", updated.WinRate, updated.TotalPnL)
	}
	if updated.CurrentStreak != 1 || updated.LargestWin != 50 {
		t.Fatalf("统计不符: streak=%d largestWin=%v", updated.CurrentStreak, updated.LargestWin)
	}
}

func TestRunnerRiskRejection(t *testing.T) {
	// 购买力不足，整股向下取整后为0
	f := newRunnerFixture(t, rsiStrategy(), 50)
	f.waitEvent(t, event.EventTypeStrategyStarted)

	f.publishCandle("AAPL", 100, decliningPrices(20, 100))
	msg := f.waitEvent(t, event.EventTypeRiskRejected)

	data, ok := msg.Data.(map[string]interface{})
	if !ok || data["reason"] != risk.ReasonInsufficientCapital {
		t.Fatalf("拒绝原因不符: %+v", msg.Data)
	}

	count, err := f.db.CountOpenPositions(context.Background(), f.record.ID)
	if err != nil {
		t.Fatalf("读取仓位数失败: %v", err)
	}
	if count != 0 {
		t.Fatalf("被拒绝后不应有仓位, got %d", count)
	}
}

func TestRunnerInvalidConfigStops(t *testing.T) {
	record := rsiStrategy()
	record.Config = `{"timeframe":"1min","period":-5}`
	f := newRunnerFixture(t, record, 10000)

	f.waitEvent(t, event.EventTypeStrategyStopped)
	select {
	case err := <-f.done:
		if err != nil {
			t.Fatalf("配置非法应正常返回而非崩溃: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("配置非法时 Run 应立即返回")
	}

	updated, err := f.db.GetStrategy(context.Background(), f.record.ID)
	if err != nil {
		t.Fatalf("读取策略失败: %v", err)
	}
	if updated.Status != database.StrategyStatusStopped {
		t.Fatalf("策略状态应为 stopped, got %s", updated.Status)
	}
}

func TestRunnerPausedHolds(t *testing.T) {
	f := newRunnerFixture(t, rsiStrategy(), 10000)
	f.waitEvent(t, event.EventTypeStrategyStarted)
	ctx := context.Background()

	if err := f.db.UpdateStrategyStatus(ctx, f.record.ID, database.StrategyStatusPaused); err != nil {
		t.Fatalf("暂停策略失败: %v", err)
	}

	f.publishCandle("AAPL", 100, decliningPrices(20, 100))
	time.Sleep(150 * time.Millisecond)

	count, err := f.db.CountOpenPositions(ctx, f.record.ID)
	if err != nil {
		t.Fatalf("读取仓位数失败: %v", err)
	}
	if count != 0 {
		t.Fatalf("暂停状态不应开仓, got %d", count)
	}

	// 恢复后同样的信号应能开仓
	if err := f.db.UpdateStrategyStatus(ctx, f.record.ID, database.StrategyStatusActive); err != nil {
		t.Fatalf("恢复策略失败: %v", err)
	}
	f.publishCandle("AAPL", 100, decliningPrices(20, 100))
	f.waitEvent(t, event.EventTypePositionOpened)
}

func TestRunnerExternalStop(t *testing.T) {
	f := newRunnerFixture(t, rsiStrategy(), 10000)
	f.waitEvent(t, event.EventTypeStrategyStarted)

	if err := f.db.UpdateStrategyStatus(context.Background(), f.record.ID, database.StrategyStatusStopped); err != nil {
		t.Fatalf("停止策略失败: %v", err)
	}

	// 下一根K线触发状态检查后退出
	f.publishCandle("AAPL", 100, decliningPrices(20, 100))

	select {
	case err := <-f.done:
		if err != nil {
			t.Fatalf("外部停止应正常返回: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("外部停止后 Run 未返回")
	}
	if f.runner.State() != StateStopped {
		t.Fatalf("状态应为 stopped, got %s", f.runner.State())
	}
}

func TestRunnerStopLossDespiteShortHistory(t *testing.T) {
	f := newRunnerFixture(t, rsiStrategy(), 10000)
	f.waitEvent(t, event.EventTypeStrategyStarted)
	ctx := context.Background()

	f.publishCandle("AAPL", 100, decliningPrices(20, 100))
	f.waitEvent(t, event.EventTypePositionOpened)

	// 历史不足指标计算需求，但破止损价仍须立即平仓
	f.publishCandle("AAPL", 97, decliningPrices(3, 97))
	f.waitEvent(t, event.EventTypePositionClosed)

	positions, err := f.db.ListOpenPositions(ctx, f.record.ID)
	if err != nil {
		t.Fatalf("读取仓位失败: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("破止损后仍有未平仓: %d", len(positions))
	}

	trades, err := f.db.ListTrades(ctx, f.record.ID, 10)
	if err != nil {
		t.Fatalf("读取流水失败: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("期望2条流水, got %d", len(trades))
	}

	closed, err := f.db.GetPosition(ctx, *trades[0].PositionID)
	if err != nil {
		t.Fatalf("读取仓位失败: %v", err)
	}
	if closed.CloseReason != database.CloseReasonStopLoss {
		t.Fatalf("平仓原因不符: %s", closed.CloseReason)
	}
	t.Log("✅ 短历史止损测试通过")
}

func TestRunnerIgnoresOtherTimeframes(t *testing.T) {
	f := newRunnerFixture(t, rsiStrategy(), 10000)
	f.waitEvent(t, event.EventTypeStrategyStarted)

	// 5min K线与策略周期不符，应被忽略
	now := time.Now()
	f.bus.Publish(event.TopicMarketData("AAPL"), event.EventTypeCandleClosed, &marketdata.CandleClosedEvent{
		Candle: marketdata.Candle{
			Symbol:    "AAPL",
			Timeframe: marketdata.Timeframe5Min,
			Close:     100,
			StartTime: now.Add(-5 * time.Minute),
			EndTime:   now,
		},
		History: decliningPrices(20, 100),
	})
	time.Sleep(150 * time.Millisecond)

	count, err := f.db.CountOpenPositions(context.Background(), f.record.ID)
	if err != nil {
		t.Fatalf("读取仓位数失败: %v", err)
	}
	if count != 0 {
		t.Fatalf("非本周期K线不应触发交易, got %d", count)
	}
}
