package strategy

import (
	"errors"
	"testing"

	"tradewind/database"
	"tradewind/indicators"
)

func declining(from float64, step float64, n int) []float64 {
	prices := make([]float64, n)
	for i := range prices {
		prices[i] = from - step*float64(i)
	}
	return prices
}

func rising(from float64, step float64, n int) []float64 {
	prices := make([]float64, n)
	for i := range prices {
		prices[i] = from + step*float64(i)
	}
	return prices
}

func TestResolve(t *testing.T) {
	for _, typ := range []string{TypeRSIMeanReversion, TypeMACDMomentum, TypeBollingerReversion} {
		impl, err := Resolve(typ, "")
		if err != nil {
			t.Fatalf("按类型 %s 构造失败: %v", typ, err)
		}
		if impl.Type() != typ {
			t.Errorf("类型标签 = %s, 期望 %s", impl.Type(), typ)
		}
		if impl.MinCandles() < 2 {
			t.Errorf("%s 最少K线数异常: %d", typ, impl.MinCandles())
		}
	}

	if _, err := Resolve("martingale", ""); err == nil {
		t.Error("未知策略类型应返回错误")
	}
	if _, err := Resolve(TypeRSIMeanReversion, `{"period":-1}`); err == nil {
		t.Error("非法配置应返回错误")
	}
	if _, err := Resolve(TypeRSIMeanReversion, `{not json`); err == nil {
		t.Error("非法 JSON 应返回错误")
	}
}

func TestRegisterCustomType(t *testing.T) {
	Register("custom_test", func(configJSON string) (Implementation, error) {
		return NewRSIMeanReversion(configJSON)
	})
	if _, err := Resolve("custom_test", ""); err != nil {
		t.Fatalf("自定义类型构造失败: %v", err)
	}

	found := false
	for _, typ := range Types() {
		if typ == "custom_test" {
			found = true
		}
	}
	if !found {
		t.Error("Types 应包含已注册的自定义类型")
	}
}

func TestRSIMeanReversionEntry(t *testing.T) {
	impl, err := Resolve(TypeRSIMeanReversion, `{"period":14,"oversold":30,"overbought":70}`)
	if err != nil {
		t.Fatalf("构造策略失败: %v", err)
	}

	// 持续下跌 → RSI 趋近 0 → 入场
	entry, err := impl.CheckEntry(declining(100, 0.5, 30))
	if err != nil {
		t.Fatalf("入场检查失败: %v", err)
	}
	if !entry {
		t.Error("持续下跌应触发入场信号")
	}

	// 持续上涨 → RSI 趋近 100 → 不入场
	entry, err = impl.CheckEntry(rising(100, 0.5, 30))
	if err != nil {
		t.Fatalf("入场检查失败: %v", err)
	}
	if entry {
		t.Error("持续上涨不应触发入场信号")
	}

	// 数据不足按正常的观望处理
	if _, err := impl.CheckEntry(declining(100, 0.5, 5)); !errors.Is(err, indicators.ErrInsufficientData) {
		t.Errorf("数据不足应返回 ErrInsufficientData, 实际: %v", err)
	}
}

func TestExitPriority(t *testing.T) {
	impl, err := Resolve(TypeRSIMeanReversion, "")
	if err != nil {
		t.Fatalf("构造策略失败: %v", err)
	}

	position := &database.Position{
		Side:            database.SideBuy,
		EntryPrice:      100,
		StopLossPrice:   98,
		TakeProfitPrice: 104,
		Status:          database.PositionStatusOpen,
	}

	// 止损优先：即使 RSI 已超买（持续上涨），跌破止损价仍按止损出场
	reason, err := impl.CheckExit(position, 97.5, rising(100, 0.5, 30))
	if err != nil {
		t.Fatalf("出场检查失败: %v", err)
	}
	if reason != database.CloseReasonStopLoss {
		t.Errorf("平仓原因 = %s, 期望 %s", reason, database.CloseReasonStopLoss)
	}

	// 止盈次之
	reason, _ = impl.CheckExit(position, 104.5, declining(100, 0.5, 30))
	if reason != database.CloseReasonTakeProfit {
		t.Errorf("平仓原因 = %s, 期望 %s", reason, database.CloseReasonTakeProfit)
	}

	// 最后是指标反转：价格在区间内但 RSI 超买
	reason, _ = impl.CheckExit(position, 103, rising(80, 0.5, 30))
	if reason != database.CloseReasonStrategySignal {
		t.Errorf("平仓原因 = %s, 期望 %s", reason, database.CloseReasonStrategySignal)
	}

	// 无出场条件 → 继续持有
	reason, _ = impl.CheckExit(position, 100, declining(103, 0.1, 30))
	if reason != "" {
		t.Errorf("不应出场, 实际原因: %s", reason)
	}
	t.Log("✅ 出场优先级测试通过")
}

func TestExitPriceSellSideMirrored(t *testing.T) {
	position := &database.Position{
		Side:            database.SideSell,
		EntryPrice:      100,
		StopLossPrice:   102,
		TakeProfitPrice: 96,
	}

	if reason := priceExit(position, 102.5); reason != database.CloseReasonStopLoss {
		t.Errorf("做空价格上穿止损价应止损, 实际: %s", reason)
	}
	if reason := priceExit(position, 95.5); reason != database.CloseReasonTakeProfit {
		t.Errorf("做空价格下穿止盈价应止盈, 实际: %s", reason)
	}
	if reason := priceExit(position, 100); reason != "" {
		t.Errorf("区间内不应出场, 实际: %s", reason)
	}
}

func TestMACDMomentumSignals(t *testing.T) {
	impl, err := Resolve(TypeMACDMomentum, "")
	if err != nil {
		t.Fatalf("构造策略失败: %v", err)
	}

	// V 型反转序列：前段持续阴跌，后段快速拉升
	series := append(declining(100, 0.75, 40), rising(70.75, 1.5, 20)...)

	// 纯下跌段不应出现上穿信号
	for n := impl.MinCandles(); n <= 40; n++ {
		entry, err := impl.CheckEntry(series[:n])
		if err != nil {
			t.Fatalf("入场检查失败 (n=%d): %v", n, err)
		}
		if entry {
			t.Fatalf("下跌段不应触发入场 (n=%d)", n)
		}
	}

	// 拉升段应至少触发一次上穿入场
	fired := false
	for n := 41; n <= len(series); n++ {
		entry, err := impl.CheckEntry(series[:n])
		if err != nil {
			t.Fatalf("入场检查失败 (n=%d): %v", n, err)
		}
		if entry {
			fired = true
			break
		}
	}
	if !fired {
		t.Error("拉升段应触发入场信号")
	}

	// 下跌段柱状图为负 → 持仓反转出场
	position := &database.Position{Side: database.SideBuy, EntryPrice: 90, Status: database.PositionStatusOpen}
	reason, err := impl.CheckExit(position, 85, series[:40])
	if err != nil {
		t.Fatalf("出场检查失败: %v", err)
	}
	if reason != database.CloseReasonStrategySignal {
		t.Errorf("柱状图为负应反转出场, 实际: %s", reason)
	}
	t.Log("✅ MACD 信号测试通过")
}

func TestBollingerReversionSignals(t *testing.T) {
	impl, err := Resolve(TypeBollingerReversion, `{"period":20,"k":2.0}`)
	if err != nil {
		t.Fatalf("构造策略失败: %v", err)
	}

	// 横盘后急跌破下轨 → 入场
	prices := make([]float64, 20)
	for i := 0; i < 19; i++ {
		prices[i] = 100
	}
	prices[19] = 90
	entry, err := impl.CheckEntry(prices)
	if err != nil {
		t.Fatalf("入场检查失败: %v", err)
	}
	if !entry {
		t.Error("跌破下轨应触发入场")
	}

	// 纯横盘不入场
	flat := make([]float64, 20)
	for i := range flat {
		flat[i] = 100
	}
	entry, _ = impl.CheckEntry(flat)
	if entry {
		t.Error("横盘不应触发入场")
	}

	// 价格回到中轨之上 → 反转出场
	position := &database.Position{Side: database.SideBuy, EntryPrice: 90, Status: database.PositionStatusOpen}
	reason, err := impl.CheckExit(position, 101, flat)
	if err != nil {
		t.Fatalf("出场检查失败: %v", err)
	}
	if reason != database.CloseReasonStrategySignal {
		t.Errorf("回到中轨应反转出场, 实际: %s", reason)
	}

	// 仍在中轨之下 → 持有
	reason, _ = impl.CheckExit(position, 92, prices)
	if reason != "" {
		t.Errorf("中轨之下不应出场, 实际: %s", reason)
	}
}
