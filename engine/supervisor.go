package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradewind/event"
	"tradewind/logger"
	"tradewind/metrics"
)

// Worker 可被监督的工作单元
// Run 返回 nil 或 ctx 取消视为正常停止；panic 或返回错误视为崩溃。
// 崩溃重启时会再次调用 Run，实现必须在 Run 内部重建全部状态
type Worker interface {
	ID() string
	Run(ctx context.Context) error
}

// SupervisorOptions 监督器配置
type SupervisorOptions struct {
	MaxRestarts   int           // 窗口内最大重启次数，默认 5
	RestartWindow time.Duration // 重启计数窗口，默认 10 分钟
	RestartDelay  time.Duration // 崩溃后的重启延迟，默认 3 秒
}

// handle 受监督工作单元的运行句柄
type handle struct {
	worker   Worker
	cancel   context.CancelFunc
	done     chan struct{}
	restarts []time.Time
}

// Supervisor 工作协程监督器
// 维护 标识→句柄 注册表；崩溃的工作单元以全新状态重启，
// 主动停止不触发重启，窗口内重启次数有上限
type Supervisor struct {
	opts SupervisorOptions
	bus  *event.Bus
	pm   *metrics.PrometheusMetrics

	mu      sync.RWMutex
	workers map[string]*handle
	closed  bool

	wg sync.WaitGroup
}

// NewSupervisor 创建监督器
func NewSupervisor(bus *event.Bus, opts SupervisorOptions) *Supervisor {
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = 5
	}
	if opts.RestartWindow <= 0 {
		opts.RestartWindow = 10 * time.Minute
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 3 * time.Second
	}
	return &Supervisor{
		opts:    opts,
		bus:     bus,
		pm:      metrics.GetPrometheusMetrics(),
		workers: make(map[string]*handle),
	}
}

// Start 启动并监督一个工作单元
func (s *Supervisor) Start(worker Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("监督器已关闭")
	}
	id := worker.ID()
	if _, exists := s.workers[id]; exists {
		return fmt.Errorf("工作单元已在运行: %s", id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		worker: worker,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.workers[id] = h

	s.wg.Add(1)
	go s.supervise(ctx, h)

	logger.Info("✅ 工作单元已启动: %s", id)
	return nil
}

// Stop 主动停止一个工作单元并等待其退出
// 返回后注册表中不再包含该单元，也不会有重启发生
func (s *Supervisor) Stop(id string) {
	s.mu.Lock()
	h, ok := s.workers[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	h.cancel()
	<-h.done
	logger.Info("🛑 工作单元已停止: %s", id)
}

// Running 某工作单元是否在注册表中
func (s *Supervisor) Running(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.workers[id]
	return ok
}

// Workers 注册表中的工作单元标识
func (s *Supervisor) Workers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown 停止所有工作单元并等待退出
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	handles := make([]*handle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	s.wg.Wait()
	logger.Info("✅ 监督器已关闭")
}

// supervise 监督循环：运行、捕获崩溃、按策略重启
func (s *Supervisor) supervise(ctx context.Context, h *handle) {
	defer s.wg.Done()
	defer close(h.done)
	defer s.remove(h.worker.ID())

	id := h.worker.ID()
	for {
		err := s.invoke(ctx, h.worker)

		// 主动停止或正常返回都不重启
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}

		logger.Error("❌ 工作单元崩溃: %s err=%v", id, err)
		s.bus.Publish(event.TopicSystem, event.EventTypeWorkerCrashed, map[string]interface{}{
			"worker": id,
			"error":  err.Error(),
		})

		if !s.allowRestart(h) {
			logger.Error("🛑 工作单元重启过于频繁，放弃重启: %s (窗口 %v 内已重启 %d 次)", id, s.opts.RestartWindow, s.opts.MaxRestarts)
			return
		}

		s.pm.RecordWorkerRestart(id)
		logger.Warn("⚠️ 工作单元将在 %v 后以全新状态重启: %s", s.opts.RestartDelay, id)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.RestartDelay):
		}
	}
}

// invoke 运行一次工作单元，panic 转为错误
func (s *Supervisor) invoke(ctx context.Context, worker Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return worker.Run(ctx)
}

// allowRestart 重启频率限制
func (s *Supervisor) allowRestart(h *handle) bool {
	now := time.Now()
	cutoff := now.Add(-s.opts.RestartWindow)

	kept := h.restarts[:0]
	for _, t := range h.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	h.restarts = kept

	if len(h.restarts) >= s.opts.MaxRestarts {
		return false
	}
	h.restarts = append(h.restarts, now)
	return true
}

// remove 从注册表移除
func (s *Supervisor) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, id)
}
