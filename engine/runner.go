package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"tradewind/broker"
	"tradewind/database"
	"tradewind/event"
	"tradewind/indicators"
	"tradewind/logger"
	"tradewind/marketdata"
	"tradewind/metrics"
	"tradewind/risk"
	"tradewind/strategy"
)

// 工作协程状态
const (
	StateLoading = "loading"
	StateRunning = "running"
	StateStopped = "stopped"
)

// runnerConfig 策略通用配置，各策略类型的专有参数由实现自行解析
type runnerConfig struct {
	Timeframe string `json:"timeframe"`
}

// StrategyRunner 策略工作协程
// 每个激活策略一个实例；订阅所属标的的K线收盘事件并驱动决策循环
type StrategyRunner struct {
	strategyID int64
	db         database.Database
	bus        *event.Bus
	store      *marketdata.PriceStore
	riskMgr    *risk.Manager
	executor   broker.OrderExecutor
	pm         *metrics.PrometheusMetrics

	// Run 内部重建的状态，崩溃重启后从持久层恢复
	symbol    string
	timeframe marketdata.Timeframe
	impl      strategy.Implementation
	params    *risk.Params
	state     string
}

// NewStrategyRunner 创建策略工作协程
func NewStrategyRunner(strategyID int64, db database.Database, bus *event.Bus, store *marketdata.PriceStore, riskMgr *risk.Manager, executor broker.OrderExecutor) *StrategyRunner {
	return &StrategyRunner{
		strategyID: strategyID,
		db:         db,
		bus:        bus,
		store:      store,
		riskMgr:    riskMgr,
		executor:   executor,
		pm:         metrics.GetPrometheusMetrics(),
		state:      StateLoading,
	}
}

// ID 工作协程标识
func (r *StrategyRunner) ID() string {
	return fmt.Sprintf("strategy-%d", r.strategyID)
}

// State 当前状态
func (r *StrategyRunner) State() string {
	return r.state
}

// Run 决策主循环，阻塞直到策略停止或 ctx 取消
// 每次进入都从持久层完全重建状态，崩溃重启后不携带旧状态
func (r *StrategyRunner) Run(ctx context.Context) error {
	r.state = StateLoading

	if err := r.load(ctx); err != nil {
		// 校验失败直接停止，不进入重启
		r.state = StateStopped
		logger.Error("❌ 策略加载失败: id=%d err=%v", r.strategyID, err)
		if updateErr := r.db.UpdateStrategyStatus(ctx, r.strategyID, database.StrategyStatusStopped); updateErr != nil {
			logger.Error("❌ 更新策略状态失败: %v", updateErr)
		}
		r.bus.Publish(event.TopicStrategies, event.EventTypeStrategyStopped, map[string]interface{}{
			"strategy_id": r.strategyID,
			"reason":      err.Error(),
		})
		return nil
	}

	sub := r.bus.Subscribe(event.TopicMarketData(r.symbol))
	defer r.bus.Unsubscribe(sub)

	r.state = StateRunning
	r.bus.Publish(event.TopicStrategies, event.EventTypeStrategyStarted, map[string]interface{}{
		"strategy_id": r.strategyID,
		"symbol":      r.symbol,
		"type":        r.impl.Type(),
	})
	logger.Info("✅ 策略已启动: id=%d symbol=%s type=%s tf=%s", r.strategyID, r.symbol, r.impl.Type(), r.timeframe)

	defer func() {
		r.state = StateStopped
		r.bus.Publish(event.TopicStrategies, event.EventTypeStrategyStopped, map[string]interface{}{
			"strategy_id": r.strategyID,
		})
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			if msg.Type != event.EventTypeCandleClosed {
				continue
			}
			cc, ok := msg.Data.(*marketdata.CandleClosedEvent)
			if !ok || cc.Candle.Timeframe != r.timeframe {
				continue
			}

			stop, err := r.onCandle(ctx, cc)
			if err != nil {
				// 单根K线的处理失败不终止循环，下一根重新评估
				logger.Error("❌ 策略评估失败: id=%d err=%v", r.strategyID, err)
				continue
			}
			if stop {
				return nil
			}
		}
	}
}

// load 加载并校验策略记录
func (r *StrategyRunner) load(ctx context.Context) error {
	record, err := r.db.GetStrategy(ctx, r.strategyID)
	if err != nil {
		return fmt.Errorf("读取策略记录失败: %w", err)
	}

	impl, err := strategy.Resolve(record.Type, record.Config)
	if err != nil {
		return fmt.Errorf("策略配置校验失败: %w", err)
	}

	params, err := risk.ParseParams(record.RiskParams)
	if err != nil {
		return fmt.Errorf("风控参数校验失败: %w", err)
	}

	cfg := runnerConfig{Timeframe: string(marketdata.Timeframe5Min)}
	if record.Config != "" {
		// 通用字段解析失败不致命，专有字段已由策略实现校验
		_ = json.Unmarshal([]byte(record.Config), &cfg)
	}
	tf, err := marketdata.ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return fmt.Errorf("策略周期非法: %w", err)
	}

	r.symbol = record.Symbol
	r.timeframe = tf
	r.impl = impl
	r.params = params
	return nil
}

// onCandle 处理一根收盘K线，返回 true 表示策略应停止
func (r *StrategyRunner) onCandle(ctx context.Context, cc *marketdata.CandleClosedEvent) (bool, error) {
	// 重读策略记录，感知外部暂停/停止/改参
	record, err := r.db.GetStrategy(ctx, r.strategyID)
	if err != nil {
		return false, fmt.Errorf("重读策略记录失败: %w", err)
	}
	switch record.Status {
	case database.StrategyStatusStopped:
		logger.Info("🛑 策略已被外部停止: id=%d", r.strategyID)
		return true, nil
	case database.StrategyStatusPaused:
		return false, nil
	}

	price := cc.Candle.Close
	positions, err := r.db.ListOpenPositions(ctx, r.strategyID)
	if err != nil {
		return false, fmt.Errorf("读取未平仓失败: %w", err)
	}

	if len(positions) == 0 {
		if len(cc.History) < r.impl.MinCandles() {
			logger.Debug("数据不足，继续观望: id=%d have=%d need=%d", r.strategyID, len(cc.History), r.impl.MinCandles())
			return false, nil
		}
		return false, r.tryEnter(ctx, record, cc.History, price)
	}

	// 数据量门槛只挡入场，不挡出场：持仓期间止损/止盈必须每根K线都检查，
	// 历史不足时指标类反转信号由 CheckExit 内部按持有处理
	for _, position := range positions {
		if err := r.evaluateExit(ctx, record, position, cc.History, price); err != nil {
			logger.Error("❌ 出场评估失败: position=%d err=%v", position.ID, err)
		}
	}
	return false, nil
}

// tryEnter 入场评估与开仓
func (r *StrategyRunner) tryEnter(ctx context.Context, record *database.Strategy, history []float64, price float64) error {
	signal, err := r.impl.CheckEntry(history)
	if err != nil {
		// 数据不足按观望处理，其他错误记录后同样观望
		if !errors.Is(err, indicators.ErrInsufficientData) {
			logger.Warn("⚠️ 入场检查异常: id=%d err=%v", r.strategyID, err)
		}
		return nil
	}
	if !signal {
		return nil
	}

	decision, err := r.riskMgr.CanOpenPosition(ctx, record, r.params, r.symbol, price)
	if err != nil {
		return fmt.Errorf("风控评估失败: %w", err)
	}
	if !decision.Approved {
		logger.Info("⚠️ 开仓被风控拒绝: id=%d reason=%s", r.strategyID, decision.Reason)
		r.bus.Publish(event.TopicStrategies, event.EventTypeRiskRejected, map[string]interface{}{
			"strategy_id": r.strategyID,
			"symbol":      r.symbol,
			"reason":      decision.Reason,
		})
		return nil
	}

	return r.openPosition(ctx, record, price, decision.Quantity)
}

// openPosition 下单并记账（仓位 + 入场流水作为一个事务提交）
func (r *StrategyRunner) openPosition(ctx context.Context, record *database.Strategy, price float64, quantity int64) error {
	side := database.SideBuy
	orderID, err := r.executor.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   r.symbol,
		Side:     side,
		Quantity: quantity,
		Type:     "market",
		Duration: "day",
	})
	if err != nil {
		// 下单失败不产生任何记录，下一根K线重新评估
		r.pm.RecordOrderFailure(r.symbol, side, "placement_error")
		r.bus.Publish(event.TopicStrategies, event.EventTypeOrderFailed, map[string]interface{}{
			"strategy_id": r.strategyID,
			"symbol":      r.symbol,
			"error":       err.Error(),
		})
		return fmt.Errorf("下单失败: %w", err)
	}

	stopLoss, takeProfit := risk.CalculateExitPrices(price, side, r.params)
	now := time.Now()

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}

	position := &database.Position{
		StrategyID:      r.strategyID,
		Symbol:          r.symbol,
		Side:            side,
		Quantity:        float64(quantity),
		EntryPrice:      price,
		CurrentPrice:    price,
		StopLossPrice:   stopLoss,
		TakeProfitPrice: takeProfit,
		Status:          database.PositionStatusOpen,
		OpenedAt:        now,
	}
	if err := tx.SavePosition(ctx, position); err != nil {
		tx.Rollback()
		return fmt.Errorf("保存仓位失败: %w", err)
	}

	if err := tx.SaveTrade(ctx, &database.Trade{
		StrategyID: r.strategyID,
		PositionID: &position.ID,
		OrderID:    orderID,
		Symbol:     r.symbol,
		Side:       side,
		Quantity:   float64(quantity),
		Price:      price,
		ExecutedAt: now,
	}); err != nil {
		tx.Rollback()
		return fmt.Errorf("保存入场流水失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交开仓事务失败: %w", err)
	}

	r.pm.RecordOrder(r.symbol, side, r.executor.Mode())
	r.pm.RecordTrade(record.Name, r.symbol, side)
	r.bus.Publish(event.TopicStrategies, event.EventTypePositionOpened, map[string]interface{}{
		"strategy_id": r.strategyID,
		"position_id": position.ID,
		"symbol":      r.symbol,
		"quantity":    quantity,
		"price":       price,
	})
	logger.Info("📊 已开仓: id=%d symbol=%s qty=%d price=%.2f stop=%.2f take=%.2f", r.strategyID, r.symbol, quantity, price, stopLoss, takeProfit)
	return nil
}

// evaluateExit 出场评估；无出场信号时刷新持仓现价与浮动盈亏
func (r *StrategyRunner) evaluateExit(ctx context.Context, record *database.Strategy, position *database.Position, history []float64, price float64) error {
	reason, err := r.impl.CheckExit(position, price, history)
	if err != nil {
		return fmt.Errorf("出场检查失败: %w", err)
	}

	if reason == "" {
		position.CurrentPrice = price
		position.PnL = positionPnL(position, price)
		position.PnLPercent = pnlPercent(position)
		if err := r.db.UpdatePosition(ctx, position); err != nil {
			return fmt.Errorf("刷新持仓失败: %w", err)
		}
		return nil
	}

	return r.closePosition(ctx, record, position, price, reason)
}

// closePosition 平仓并记账
// 仓位关闭、出场流水、策略统计在同一事务中落库
func (r *StrategyRunner) closePosition(ctx context.Context, record *database.Strategy, position *database.Position, price float64, reason string) error {
	exitSide := database.SideSell
	if position.Side == database.SideSell {
		exitSide = database.SideBuy
	}

	orderID, err := r.executor.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   position.Symbol,
		Side:     exitSide,
		Quantity: int64(position.Quantity),
		Type:     "market",
		Duration: "day",
	})
	if err != nil {
		r.pm.RecordOrderFailure(position.Symbol, exitSide, "placement_error")
		r.bus.Publish(event.TopicStrategies, event.EventTypeOrderFailed, map[string]interface{}{
			"strategy_id": r.strategyID,
			"position_id": position.ID,
			"error":       err.Error(),
		})
		return fmt.Errorf("平仓下单失败: %w", err)
	}

	now := time.Now()
	pnl := positionPnL(position, price)

	position.CurrentPrice = price
	position.PnL = pnl
	position.PnLPercent = pnlPercent(position)
	position.Status = database.PositionStatusClosed
	position.CloseReason = reason
	position.ClosedAt = &now

	applyTradeStats(record, pnl)

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}
	if err := tx.UpdatePosition(ctx, position); err != nil {
		tx.Rollback()
		return fmt.Errorf("关闭仓位失败: %w", err)
	}
	if err := tx.SaveTrade(ctx, &database.Trade{
		StrategyID: r.strategyID,
		PositionID: &position.ID,
		OrderID:    orderID,
		Symbol:     position.Symbol,
		Side:       exitSide,
		Quantity:   position.Quantity,
		Price:      price,
		PnL:        pnl,
		ExecutedAt: now,
	}); err != nil {
		tx.Rollback()
		return fmt.Errorf("保存出场流水失败: %w", err)
	}
	if err := tx.UpdateStrategy(ctx, record); err != nil {
		tx.Rollback()
		return fmt.Errorf("更新策略统计失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交平仓事务失败: %w", err)
	}

	r.pm.RecordOrder(position.Symbol, exitSide, r.executor.Mode())
	r.pm.RecordTrade(record.Name, position.Symbol, exitSide)
	r.pm.RecordRealizedPnL(record.Name, position.Symbol, pnl)
	r.pm.SetWinRate(record.Name, record.WinRate)
	r.bus.Publish(event.TopicStrategies, event.EventTypePositionClosed, map[string]interface{}{
		"strategy_id": r.strategyID,
		"position_id": position.ID,
		"symbol":      position.Symbol,
		"pnl":         pnl,
		"reason":      reason,
	})
	logger.Info("📊 已平仓: id=%d symbol=%s pnl=%.2f reason=%s", r.strategyID, position.Symbol, pnl, reason)
	return nil
}

// positionPnL 持仓盈亏
// 做多: (现价−入场)×数量；做空: (入场−现价)×数量
func positionPnL(position *database.Position, price float64) float64 {
	if position.Side == database.SideSell {
		return (position.EntryPrice - price) * position.Quantity
	}
	return (price - position.EntryPrice) * position.Quantity
}

// pnlPercent 盈亏百分比（相对开仓金额）
func pnlPercent(position *database.Position) float64 {
	cost := position.EntryPrice * position.Quantity
	if cost == 0 {
		return 0
	}
	return position.PnL / cost * 100
}

// applyTradeStats 把一笔完成交易并入策略聚合统计
func applyTradeStats(record *database.Strategy, pnl float64) {
	record.TotalTrades++
	switch {
	case pnl > 0:
		record.WinningTrades++
		if record.CurrentStreak < 0 {
			record.CurrentStreak = 0
		}
		record.CurrentStreak++
		record.LargestWin = math.Max(record.LargestWin, pnl)
	case pnl < 0:
		record.LosingTrades++
		if record.CurrentStreak > 0 {
			record.CurrentStreak = 0
		}
		record.CurrentStreak--
		record.LargestLoss = math.Min(record.LargestLoss, pnl)
	default:
		// 打平不计胜负，中断连胜/连败
		record.CurrentStreak = 0
	}
	record.TotalPnL += pnl
	if record.TotalTrades > 0 {
		record.WinRate = float64(record.WinningTrades) / float64(record.TotalTrades) * 100
	}
}
