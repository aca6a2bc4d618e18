package broker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"tradewind/logger"
)

// OrderExecutor 订单执行接口
// 实盘与模拟盘的唯一差异在于订单是否真实提交，记账逻辑完全一致
type OrderExecutor interface {
	PlaceOrder(ctx context.Context, order OrderRequest) (string, error)
	Mode() string
}

// LiveExecutor 实盘执行器，订单直接提交给券商
type LiveExecutor struct {
	client *Client
}

// NewLiveExecutor 创建实盘执行器
func NewLiveExecutor(client *Client) *LiveExecutor {
	return &LiveExecutor{client: client}
}

// PlaceOrder 提交真实订单
func (e *LiveExecutor) PlaceOrder(ctx context.Context, order OrderRequest) (string, error) {
	return e.client.PlaceOrder(ctx, order)
}

// Mode 执行模式
func (e *LiveExecutor) Mode() string {
	return "live"
}

// PaperExecutor 模拟盘执行器，生成本地合成订单号，不触达券商
type PaperExecutor struct {
	seq int64
}

// NewPaperExecutor 创建模拟盘执行器
func NewPaperExecutor() *PaperExecutor {
	return &PaperExecutor{}
}

// PlaceOrder 生成合成订单
func (e *PaperExecutor) PlaceOrder(ctx context.Context, order OrderRequest) (string, error) {
	if order.Symbol == "" || order.Quantity <= 0 {
		return "", fmt.Errorf("无效的订单参数: symbol=%q quantity=%d", order.Symbol, order.Quantity)
	}

	orderID := fmt.Sprintf("paper-%d-%d", time.Now().Unix(), atomic.AddInt64(&e.seq, 1))
	logger.Info("📊 模拟订单已成交: symbol=%s side=%s qty=%d id=%s", order.Symbol, order.Side, order.Quantity, orderID)
	return orderID, nil
}

// Mode 执行模式
func (e *PaperExecutor) Mode() string {
	return "paper"
}
