package risk

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"tradewind/broker"
	"tradewind/database"
)

type fakeBalances struct {
	balances *broker.Balances
	err      error
}

func (f *fakeBalances) GetBalances(ctx context.Context) (*broker.Balances, error) {
	return f.balances, f.err
}

func newTestDB(t *testing.T) database.Database {
	t.Helper()
	db, err := database.NewDatabase(&database.Config{
		Type: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "risk_test.db"),
	})
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func activeStrategy(t *testing.T, db database.Database) *database.Strategy {
	t.Helper()
	strategy := &database.Strategy{
		Symbol: "AAPL",
		Type:   "rsi_mean_reversion",
		Status: database.StrategyStatusActive,
	}
	if err := db.SaveStrategy(context.Background(), strategy); err != nil {
		t.Fatalf("保存策略失败: %v", err)
	}
	return strategy
}

func defaultParams() *Params {
	return &Params{
		MaxPositions:          3,
		MaxPositionsPerSymbol: 1,
		MaxDailyLossPct:       0.03,
		CooldownMinutes:       30,
		PositionSizePct:       0.1,
		StopLossPct:           0.02,
		TakeProfitPct:         0.04,
	}
}

func openPosition(t *testing.T, db database.Database, strategyID int64, symbol string) {
	t.Helper()
	if err := db.SavePosition(context.Background(), &database.Position{
		StrategyID: strategyID,
		Symbol:     symbol,
		Side:       database.SideBuy,
		Quantity:   10,
		EntryPrice: 100,
		Status:     database.PositionStatusOpen,
		OpenedAt:   time.Now(),
	}); err != nil {
		t.Fatalf("保存仓位失败: %v", err)
	}
}

func TestCanOpenPositionApproved(t *testing.T) {
	db := newTestDB(t)
	strategy := activeStrategy(t, db)
	m := NewManager(db, &fakeBalances{balances: &broker.Balances{BuyingPower: 10000, TotalEquity: 20000}})

	decision, err := m.CanOpenPosition(context.Background(), strategy, defaultParams(), "AAPL", 100)
	if err != nil {
		t.Fatalf("风控评估失败: %v", err)
	}
	if !decision.Approved {
		t.Fatalf("应批准开仓, 拒绝原因: %s", decision.Reason)
	}
	// floor(10000 × 0.1 / 100) = 10
	if decision.Quantity != 10 {
		t.Errorf("建仓股数 = %d, 期望 10", decision.Quantity)
	}
	t.Log("✅ 开仓批准测试通过")
}

func TestRejectStrategyNotActive(t *testing.T) {
	db := newTestDB(t)
	m := NewManager(db, &fakeBalances{balances: &broker.Balances{BuyingPower: 10000, TotalEquity: 20000}})

	for _, status := range []string{database.StrategyStatusStopped, database.StrategyStatusPaused} {
		strategy := &database.Strategy{Symbol: "AAPL", Type: "rsi_mean_reversion", Status: status}
		if err := db.SaveStrategy(context.Background(), strategy); err != nil {
			t.Fatalf("保存策略失败: %v", err)
		}
		decision, err := m.CanOpenPosition(context.Background(), strategy, defaultParams(), "AAPL", 100)
		if err != nil {
			t.Fatalf("风控评估失败: %v", err)
		}
		if decision.Approved || decision.Reason != ReasonStrategyNotActive {
			t.Errorf("状态 %s 应拒绝为 %s, 实际: %+v", status, ReasonStrategyNotActive, decision)
		}
	}
}

func TestRejectMaxPositions(t *testing.T) {
	db := newTestDB(t)
	strategy := activeStrategy(t, db)
	m := NewManager(db, &fakeBalances{balances: &broker.Balances{BuyingPower: 10000, TotalEquity: 20000}})

	params := defaultParams()
	params.MaxPositions = 2
	params.MaxPositionsPerSymbol = 5

	openPosition(t, db, strategy.ID, "MSFT")
	openPosition(t, db, strategy.ID, "TSLA")

	// 其他参数全部满足，仅总持仓达上限
	decision, err := m.CanOpenPosition(context.Background(), strategy, params, "AAPL", 100)
	if err != nil {
		t.Fatalf("风控评估失败: %v", err)
	}
	if decision.Approved || decision.Reason != ReasonMaxPositions {
		t.Errorf("应拒绝为 %s, 实际: %+v", ReasonMaxPositions, decision)
	}
}

func TestRejectMaxPositionsPerSymbol(t *testing.T) {
	db := newTestDB(t)
	strategy := activeStrategy(t, db)
	m := NewManager(db, &fakeBalances{balances: &broker.Balances{BuyingPower: 10000, TotalEquity: 20000}})

	openPosition(t, db, strategy.ID, "AAPL")

	decision, err := m.CanOpenPosition(context.Background(), strategy, defaultParams(), "AAPL", 100)
	if err != nil {
		t.Fatalf("风控评估失败: %v", err)
	}
	if decision.Approved || decision.Reason != ReasonMaxPositionsPerSymbol {
		t.Errorf("应拒绝为 %s, 实际: %+v", ReasonMaxPositionsPerSymbol, decision)
	}
}

func TestRejectDailyLossLimit(t *testing.T) {
	db := newTestDB(t)
	strategy := activeStrategy(t, db)
	m := NewManager(db, &fakeBalances{balances: &broker.Balances{BuyingPower: 10000, TotalEquity: 20000}})

	// 上限 20000 × 0.03 = 600，已亏 700
	if err := db.SaveTrade(context.Background(), &database.Trade{
		StrategyID: strategy.ID,
		Symbol:     "MSFT",
		Side:       database.SideSell,
		Quantity:   10,
		Price:      100,
		PnL:        -700,
		ExecutedAt: time.Now(),
	}); err != nil {
		t.Fatalf("保存成交失败: %v", err)
	}

	decision, err := m.CanOpenPosition(context.Background(), strategy, defaultParams(), "AAPL", 100)
	if err != nil {
		t.Fatalf("风控评估失败: %v", err)
	}
	if decision.Approved || decision.Reason != ReasonDailyLossLimitExceeded {
		t.Errorf("应拒绝为 %s, 实际: %+v", ReasonDailyLossLimitExceeded, decision)
	}
}

func TestRejectCooldown(t *testing.T) {
	db := newTestDB(t)
	strategy := activeStrategy(t, db)
	m := NewManager(db, &fakeBalances{balances: &broker.Balances{BuyingPower: 10000, TotalEquity: 20000}})

	// 10 分钟前在同一标的成交，冷却期 30 分钟
	if err := db.SaveTrade(context.Background(), &database.Trade{
		StrategyID: strategy.ID,
		Symbol:     "AAPL",
		Side:       database.SideBuy,
		Quantity:   10,
		Price:      100,
		ExecutedAt: time.Now().Add(-10 * time.Minute),
	}); err != nil {
		t.Fatalf("保存成交失败: %v", err)
	}

	decision, err := m.CanOpenPosition(context.Background(), strategy, defaultParams(), "AAPL", 100)
	if err != nil {
		t.Fatalf("风控评估失败: %v", err)
	}
	if decision.Approved || decision.Reason != ReasonCooldownActive {
		t.Errorf("应拒绝为 %s, 实际: %+v", ReasonCooldownActive, decision)
	}

	// 其他标的不受本标的冷却影响
	decision, err = m.CanOpenPosition(context.Background(), strategy, defaultParams(), "MSFT", 100)
	if err != nil {
		t.Fatalf("风控评估失败: %v", err)
	}
	if !decision.Approved {
		t.Errorf("其他标的应批准, 实际: %+v", decision)
	}
	t.Log("✅ 冷却期测试通过")
}

func TestRejectInsufficientCapital(t *testing.T) {
	db := newTestDB(t)
	strategy := activeStrategy(t, db)
	// 购买力 100 × 10% = 10，买不起 100 元的一股
	m := NewManager(db, &fakeBalances{balances: &broker.Balances{BuyingPower: 100, TotalEquity: 100}})

	decision, err := m.CanOpenPosition(context.Background(), strategy, defaultParams(), "AAPL", 100)
	if err != nil {
		t.Fatalf("风控评估失败: %v", err)
	}
	if decision.Approved || decision.Reason != ReasonInsufficientCapital {
		t.Errorf("应拒绝为 %s, 实际: %+v", ReasonInsufficientCapital, decision)
	}
}

// flakyBalances 第一次调用失败，之后成功
type flakyBalances struct {
	calls    int
	balances *broker.Balances
}

func (f *flakyBalances) GetBalances(ctx context.Context) (*broker.Balances, error) {
	f.calls++
	if f.calls == 1 {
		return nil, errors.New("temporary outage")
	}
	return f.balances, nil
}

func TestDailyLossCheckFailsOpen(t *testing.T) {
	db := newTestDB(t)
	strategy := activeStrategy(t, db)
	// 日亏检查的资金查询失败 → 放行该检查；仓位计算的查询成功 → 正常批准
	m := NewManager(db, &flakyBalances{balances: &broker.Balances{BuyingPower: 10000, TotalEquity: 20000}})

	decision, err := m.CanOpenPosition(context.Background(), strategy, defaultParams(), "AAPL", 100)
	if err != nil {
		t.Fatalf("日亏检查失败不应中断评估: %v", err)
	}
	if !decision.Approved {
		t.Errorf("应放行日亏检查并批准, 实际: %+v", decision)
	}
	t.Log("✅ 日亏检查放行测试通过")
}

func TestBalanceErrorPropagates(t *testing.T) {
	db := newTestDB(t)
	strategy := activeStrategy(t, db)
	m := NewManager(db, &fakeBalances{err: errors.New("api unavailable")})

	if _, err := m.CanOpenPosition(context.Background(), strategy, defaultParams(), "AAPL", 100); err == nil {
		t.Error("账户资金获取失败应返回错误")
	}
}

func TestCalculatePositionSize(t *testing.T) {
	tests := []struct {
		buyingPower float64
		pct         float64
		price       float64
		want        int64
	}{
		{10000, 0.1, 100, 10},
		{10000, 0.1, 333, 3}, // floor(1000/333) = 3
		{10000, 0.1, 2000, 0},
		{0, 0.1, 100, 0},
		{10000, 0, 100, 0},
		{10000, 0.1, 0, 0},
	}
	for _, tt := range tests {
		if got := CalculatePositionSize(tt.buyingPower, tt.pct, tt.price); got != tt.want {
			t.Errorf("CalculatePositionSize(%v, %v, %v) = %d, 期望 %d", tt.buyingPower, tt.pct, tt.price, got, tt.want)
		}
	}
}

func TestCalculateExitPrices(t *testing.T) {
	params := &Params{StopLossPct: 0.02, TakeProfitPct: 0.04}

	stop, take := CalculateExitPrices(100, database.SideBuy, params)
	if math.Abs(stop-98) > 1e-9 || math.Abs(take-104) > 1e-9 {
		t.Errorf("买入出场价 = (%v, %v), 期望 (98, 104)", stop, take)
	}

	// 卖出方向镜像
	stop, take = CalculateExitPrices(100, database.SideSell, params)
	if math.Abs(stop-102) > 1e-9 || math.Abs(take-96) > 1e-9 {
		t.Errorf("卖出出场价 = (%v, %v), 期望 (102, 96)", stop, take)
	}
}

func TestParseParams(t *testing.T) {
	params, err := ParseParams("")
	if err != nil {
		t.Fatalf("空参数应使用默认值: %v", err)
	}
	if params.MaxPositions != 3 || params.PositionSizePct != 0.1 {
		t.Errorf("默认参数异常: %+v", params)
	}

	params, err = ParseParams(`{"max_positions":5,"position_size_pct":0.2}`)
	if err != nil {
		t.Fatalf("解析参数失败: %v", err)
	}
	if params.MaxPositions != 5 || params.PositionSizePct != 0.2 {
		t.Errorf("参数覆盖异常: %+v", params)
	}
	// 未覆盖的字段保留默认值
	if params.CooldownMinutes != 30 {
		t.Errorf("默认冷却期 = %d", params.CooldownMinutes)
	}

	if _, err := ParseParams(`{"position_size_pct":1.5}`); err == nil {
		t.Error("非法仓位比例应返回错误")
	}
	if _, err := ParseParams(`{not json`); err == nil {
		t.Error("非法 JSON 应返回错误")
	}
}
