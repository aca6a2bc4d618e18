package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"tradewind/event"
)

// stubWorker 前 failures 次运行失败（可选 panic），之后阻塞直到 ctx 取消
type stubWorker struct {
	id       string
	failures int32
	panics   bool
	runs     int32
}

func (w *stubWorker) ID() string { return w.id }

func (w *stubWorker) Run(ctx context.Context) error {
	n := atomic.AddInt32(&w.runs, 1)
	if n <= atomic.LoadInt32(&w.failures) {
		if w.panics {
			panic(fmt.Sprintf("模拟崩溃 #%d", n))
		}
		return fmt.Errorf("模拟错误 #%d", n)
	}
	<-ctx.Done()
	return nil
}

func (w *stubWorker) Runs() int32 { return atomic.LoadInt32(&w.runs) }

func newTestSupervisor(t *testing.T, opts SupervisorOptions) (*Supervisor, *event.Bus) {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(bus.Close)
	s := NewSupervisor(bus, opts)
	t.Cleanup(s.Shutdown)
	return s, bus
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestSupervisorRestartsOnPanic(t *testing.T) {
	s, _ := newTestSupervisor(t, SupervisorOptions{RestartDelay: 10 * time.Millisecond})
	w := &stubWorker{id: "w1", failures: 2, panics: true}

	if err := s.Start(w); err != nil {
		t.Fatalf("启动失败: %v", err)
	}

	if !waitUntil(t, 3*time.Second, func() bool { return w.Runs() == 3 }) {
		t.Fatalf("期望重启后第3次运行, runs=%d", w.Runs())
	}
	if !s.Running("w1") {
		t.Fatal("重启后工作单元应仍在注册表中")
	}

	s.Stop("w1")
	if s.Running("w1") {
		t.Fatal("Stop 后工作单元不应在注册表中")
	}
}

func TestSupervisorRestartsOnError(t *testing.T) {
	s, _ := newTestSupervisor(t, SupervisorOptions{RestartDelay: 10 * time.Millisecond})
	w := &stubWorker{id: "w-err", failures: 1}

	if err := s.Start(w); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	if !waitUntil(t, 3*time.Second, func() bool { return w.Runs() == 2 }) {
		t.Fatalf("返回错误后应重启, runs=%d", w.Runs())
	}
}

func TestSupervisorNoRestartOnNilReturn(t *testing.T) {
	s, _ := newTestSupervisor(t, SupervisorOptions{RestartDelay: time.Millisecond})

	finished := &finishWorker{id: "w-finish"}
	if err := s.Start(finished); err != nil {
		t.Fatalf("启动失败: %v", err)
	}

	if !waitUntil(t, 3*time.Second, func() bool { return !s.Running("w-finish") }) {
		t.Fatal("正常返回后工作单元应被移除")
	}
	if got := atomic.LoadInt32(&finished.runs); got != 1 {
		t.Fatalf("正常返回不应重启, runs=%d", got)
	}
}

// finishWorker 运行一次后立即正常返回
type finishWorker struct {
	id   string
	runs int32
}

func (w *finishWorker) ID() string { return w.id }

func (w *finishWorker) Run(ctx context.Context) error {
	atomic.AddInt32(&w.runs, 1)
	return nil
}

func TestSupervisorBoundedRestarts(t *testing.T) {
	s, _ := newTestSupervisor(t, SupervisorOptions{
		MaxRestarts:   2,
		RestartWindow: time.Minute,
		RestartDelay:  time.Millisecond,
	})
	w := &stubWorker{id: "w-crash", failures: 1 << 30} // 永远失败

	if err := s.Start(w); err != nil {
		t.Fatalf("启动失败: %v", err)
	}

	if !waitUntil(t, 3*time.Second, func() bool { return !s.Running("w-crash") }) {
		t.Fatal("超过重启上限后应放弃并移出注册表")
	}
	// 初次运行 + 窗口内 2 次重启
	if got := w.Runs(); got != 3 {
		t.Fatalf("期望恰好运行3次, runs=%d", got)
	}
}

func TestSupervisorPublishesCrashEvents(t *testing.T) {
	bus := event.NewBus()
	t.Cleanup(bus.Close)
	sub := bus.Subscribe(event.TopicSystem)
	defer bus.Unsubscribe(sub)

	s := NewSupervisor(bus, SupervisorOptions{RestartDelay: time.Millisecond})
	t.Cleanup(s.Shutdown)

	w := &stubWorker{id: "w-evt", failures: 1}
	if err := s.Start(w); err != nil {
		t.Fatalf("启动失败: %v", err)
	}

	select {
	case msg := <-sub.C():
		if msg.Type != event.EventTypeWorkerCrashed {
			t.Fatalf("期望崩溃事件, got %s", msg.Type)
		}
		data, ok := msg.Data.(map[string]interface{})
		if !ok || data["worker"] != "w-evt" {
			t.Fatalf("崩溃事件数据不符: %+v", msg.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("未收到崩溃事件")
	}
}

func TestSupervisorDuplicateStart(t *testing.T) {
	s, _ := newTestSupervisor(t, SupervisorOptions{})
	w := &stubWorker{id: "dup"}
	if err := s.Start(w); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	if err := s.Start(&stubWorker{id: "dup"}); err == nil {
		t.Fatal("重复启动同一标识应返回错误")
	}
}

func TestSupervisorShutdown(t *testing.T) {
	bus := event.NewBus()
	t.Cleanup(bus.Close)
	s := NewSupervisor(bus, SupervisorOptions{})

	for i := 0; i < 3; i++ {
		if err := s.Start(&stubWorker{id: fmt.Sprintf("w%d", i)}); err != nil {
			t.Fatalf("启动失败: %v", err)
		}
	}
	s.Shutdown()

	if got := len(s.Workers()); got != 0 {
		t.Fatalf("Shutdown 后注册表应为空, got %d", got)
	}
	if err := s.Start(&stubWorker{id: "late"}); err == nil {
		t.Fatal("Shutdown 后不应再接受新工作单元")
	}
}
