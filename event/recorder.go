package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tradewind/database"
	"tradewind/logger"
)

// Recorder 事件落库服务
// 订阅引擎主题并把事件写入数据库，供外部面板查询
type Recorder struct {
	db     database.Database
	bus    *Bus
	topics []string

	retentionDays   int
	cleanupInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecorder 创建事件落库服务
func NewRecorder(db database.Database, bus *Bus, topics []string, retentionDays int) *Recorder {
	ctx, cancel := context.WithCancel(context.Background())

	if retentionDays <= 0 {
		retentionDays = 30
	}

	return &Recorder{
		db:              db,
		bus:             bus,
		topics:          topics,
		retentionDays:   retentionDays,
		cleanupInterval: time.Hour,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start 启动事件落库
func (r *Recorder) Start() {
	for _, topic := range r.topics {
		sub := r.bus.Subscribe(topic)
		r.wg.Add(1)
		go r.consume(sub)
	}

	r.wg.Add(1)
	go r.cleanupLoop()

	logger.Info("✅ 事件落库服务已启动 (主题数: %d)", len(r.topics))
}

// Stop 停止事件落库
func (r *Recorder) Stop() {
	r.cancel()
	r.wg.Wait()
	logger.Info("✅ 事件落库服务已停止")
}

// consume 消费单个主题
func (r *Recorder) consume(sub *Subscription) {
	defer r.wg.Done()
	defer r.bus.Unsubscribe(sub)

	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			r.record(msg)
		}
	}
}

// record 保存单条事件
func (r *Recorder) record(msg *Message) {
	if msg == nil {
		return
	}

	detailsJSON, err := json.Marshal(msg.Data)
	if err != nil {
		logger.Warn("⚠️ 序列化事件详情失败: %v", err)
		detailsJSON = []byte("{}")
	}

	record := &database.EventRecord{
		Topic:     msg.Topic,
		Type:      string(msg.Type),
		Details:   string(detailsJSON),
		CreatedAt: msg.Timestamp,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.db.SaveEvent(ctx, record); err != nil {
		logger.Error("❌ 保存事件失败: %v", err)
	}
}

// cleanupLoop 清理循环
func (r *Recorder) cleanupLoop() {
	defer r.wg.Done()

	timer := time.NewTimer(r.cleanupInterval)
	defer timer.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-timer.C:
			if err := r.cleanup(); err != nil {
				logger.Error("❌ 清理旧事件失败: %v", err)
			}
			timer.Reset(r.cleanupInterval)
		}
	}
}

// cleanup 删除超过保留天数的事件
func (r *Recorder) cleanup() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().AddDate(0, 0, -r.retentionDays)
	deleted, err := r.db.CleanupOldEvents(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("清理事件失败: %w", err)
	}
	if deleted > 0 {
		logger.Debug("🧹 已清理 %d 条旧事件", deleted)
	}
	return nil
}
