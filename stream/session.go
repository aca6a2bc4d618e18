package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tradewind/broker"
	"tradewind/event"
	"tradewind/lock"
	"tradewind/logger"
	"tradewind/marketdata"
	"tradewind/metrics"
)

const (
	// 单个标的的行情通道缓冲
	tickBufferSize = 256
	// 会话单例锁键
	sessionLockKey = "stream:session"
)

// SessionCreator 流会话创建接口（由券商客户端实现）
type SessionCreator interface {
	CreateStreamSession(ctx context.Context) (*broker.StreamSession, error)
}

// Dialer WebSocket 拨号接口
type Dialer interface {
	Dial(url string) (Conn, error)
}

// Conn WebSocket 连接抽象
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// wsDialer gorilla/websocket 拨号实现
type wsDialer struct{}

func (wsDialer) Dial(url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Status 会话状态快照
type Status struct {
	Connected  bool          `json:"connected"`
	SessionID  string        `json:"session_id"`
	SessionAge time.Duration `json:"session_age"`
	Symbols    []string      `json:"symbols"`
	Reconnects int64         `json:"reconnects"`
}

// SessionManager 行情流会话管理器
// 整个账户同一时刻只允许一个流会话存在；会话在服务端定期过期，
// 到期前主动重建连接并重订阅全部标的
type SessionManager struct {
	creator SessionCreator
	dialer  Dialer
	bus     *event.Bus

	dlock   lock.DistributedLock
	lockTTL time.Duration

	sessionTTL     time.Duration
	reconnectDelay time.Duration

	mu        sync.Mutex
	conn      Conn
	sessionID string
	sessionAt time.Time
	connected bool
	channels  map[string]chan marketdata.Tick

	reconnects int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Options 会话管理器配置
type Options struct {
	Dialer         Dialer // 留空时使用 gorilla/websocket
	Lock           lock.DistributedLock
	LockTTL        time.Duration
	SessionTTL     time.Duration // 默认 30 分钟
	ReconnectDelay time.Duration // 默认 5 秒
}

// NewSessionManager 创建会话管理器
func NewSessionManager(creator SessionCreator, bus *event.Bus, opts Options) *SessionManager {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = wsDialer{}
	}
	dlock := opts.Lock
	if dlock == nil {
		dlock = lock.NewNopLock()
	}
	sessionTTL := opts.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = 30 * time.Minute
	}
	reconnectDelay := opts.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = sessionTTL + time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		creator:        creator,
		dialer:         dialer,
		bus:            bus,
		dlock:          dlock,
		lockTTL:        lockTTL,
		sessionTTL:     sessionTTL,
		reconnectDelay: reconnectDelay,
		channels:       make(map[string]chan marketdata.Tick),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start 启动会话管理器
// 先获取分布式锁保证多实例部署下的会话单例，再进入连接循环
func (m *SessionManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("会话管理器已在运行")
	}

	acquired, err := m.dlock.TryLock(m.ctx, sessionLockKey, m.lockTTL)
	if err != nil {
		return fmt.Errorf("获取会话锁失败: %w", err)
	}
	if !acquired {
		return fmt.Errorf("另一实例已持有流会话锁")
	}

	m.started = true
	m.wg.Add(1)
	go m.run()

	logger.Info("✅ 行情流会话管理器已启动 (会话周期: %v)", m.sessionTTL)
	return nil
}

// Stop 停止会话管理器并释放会话锁
func (m *SessionManager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.cancel()
	if m.conn != nil {
		m.conn.Close()
	}
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	for symbol, ch := range m.channels {
		close(ch)
		delete(m.channels, symbol)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.dlock.Unlock(ctx, sessionLockKey); err != nil {
		logger.Warn("⚠️ 释放会话锁失败: %v", err)
	}

	logger.Info("✅ 行情流会话管理器已停止")
}

// SubscribeTicks 订阅某标的的行情流
func (m *SessionManager) SubscribeTicks(symbol string) (<-chan marketdata.Tick, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.channels[symbol]; ok {
		return ch, nil
	}

	ch := make(chan marketdata.Tick, tickBufferSize)
	m.channels[symbol] = ch

	// 连接已建立时即时下发订阅，否则等待下一次(重)连接统一订阅
	if m.connected && m.conn != nil {
		if err := m.sendSubscribeLocked(); err != nil {
			logger.Warn("⚠️ 下发订阅失败，等待重连重试: symbol=%s err=%v", symbol, err)
		}
	}
	return ch, nil
}

// UnsubscribeTicks 退订某标的
// 返回后不会再有行情投递到该标的的通道
func (m *SessionManager) UnsubscribeTicks(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[symbol]
	if !ok {
		return
	}
	delete(m.channels, symbol)
	close(ch)

	if m.connected && m.conn != nil {
		if err := m.sendSubscribeLocked(); err != nil {
			logger.Warn("⚠️ 更新订阅集失败: %v", err)
		}
	}
}

// Status 当前会话状态
func (m *SessionManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	symbols := make([]string, 0, len(m.channels))
	for symbol := range m.channels {
		symbols = append(symbols, symbol)
	}

	status := Status{
		Connected:  m.connected,
		SessionID:  m.sessionID,
		Symbols:    symbols,
		Reconnects: atomic.LoadInt64(&m.reconnects),
	}
	if m.connected {
		status.SessionAge = time.Since(m.sessionAt)
	}
	return status
}

// run 连接循环
// 所有连接建立/重建都在本协程串行完成，保证同一时刻至多一个会话
func (m *SessionManager) run() {
	defer m.wg.Done()

	first := true
	for {
		if m.ctx.Err() != nil {
			return
		}

		if !first {
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(m.reconnectDelay):
			}
		}
		first = false

		// 每个连接周期为会话锁续期，保持单例持有权覆盖整个运行期
		// 续期失败说明锁已过期或被其他实例接管，本实例放弃会话
		if err := m.dlock.Extend(m.ctx, sessionLockKey, m.lockTTL); err != nil {
			if m.ctx.Err() != nil {
				return
			}
			logger.Error("❌ 会话锁续期失败，终止行情流会话: %v", err)
			m.bus.Publish(event.TopicSystem, event.EventTypeSessionLost, m.sessionID)
			return
		}

		conn, renewed, err := m.connect()
		if err != nil {
			logger.Warn("⚠️ 建立行情流会话失败，%v 后重试: %v", m.reconnectDelay, err)
			continue
		}

		if renewed {
			atomic.AddInt64(&m.reconnects, 1)
			metrics.GetPrometheusMetrics().RecordStreamReconnect()
		}
		metrics.GetPrometheusMetrics().SetStreamConnected(true)

		// 读取直到连接断开或会话到期
		m.readUntilClosed(conn)

		m.mu.Lock()
		m.connected = false
		m.conn = nil
		m.mu.Unlock()
		metrics.GetPrometheusMetrics().SetStreamConnected(false)

		if m.ctx.Err() == nil {
			m.bus.Publish(event.TopicSystem, event.EventTypeSessionLost, m.sessionID)
		}
	}
}

// connect 创建新会话并订阅当前全部标的
func (m *SessionManager) connect() (Conn, bool, error) {
	ctx, cancel := context.WithTimeout(m.ctx, 15*time.Second)
	defer cancel()

	session, err := m.creator.CreateStreamSession(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("创建会话失败: %w", err)
	}

	conn, err := m.dialer.Dial(session.URL)
	if err != nil {
		return nil, false, fmt.Errorf("连接行情流失败: %w", err)
	}

	m.mu.Lock()
	renewed := m.sessionID != ""
	m.conn = conn
	m.sessionID = session.SessionID
	m.sessionAt = time.Now()
	m.connected = true
	err = m.sendSubscribeLocked()
	m.mu.Unlock()

	if err != nil {
		conn.Close()
		return nil, renewed, fmt.Errorf("下发订阅失败: %w", err)
	}

	eventType := event.EventTypeSessionCreated
	if renewed {
		eventType = event.EventTypeSessionRenewed
	}
	m.bus.Publish(event.TopicSystem, eventType, session.SessionID)

	logger.Info("✅ 行情流会话已建立: session=%s symbols=%d", session.SessionID, len(m.channels))
	return conn, renewed, nil
}

// sendSubscribeLocked 下发当前订阅集（必须持有锁）
func (m *SessionManager) sendSubscribeLocked() error {
	if m.conn == nil {
		return fmt.Errorf("连接未建立")
	}

	symbols := make([]string, 0, len(m.channels))
	for symbol := range m.channels {
		symbols = append(symbols, symbol)
	}

	payload := map[string]interface{}{
		"sessionid": m.sessionID,
		"symbols":   symbols,
		"filter":    []string{"quote", "trade", "summary"},
		"linebreak": true,
	}
	return m.conn.WriteJSON(payload)
}

// readUntilClosed 读取消息直到连接断开或会话到期
func (m *SessionManager) readUntilClosed(conn Conn) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("❌ 行情流消息处理 panic: %v", r)
		}
		conn.Close()
	}()

	// 会话在服务端过期前主动关闭连接，触发重建
	renewTimer := time.NewTimer(m.sessionTTL)
	defer renewTimer.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-renewTimer.C:
			logger.Info("🔄 行情流会话到期，主动重建")
			conn.Close()
		case <-m.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if m.ctx.Err() == nil {
				logger.Warn("⚠️ 行情流连接断开: %v", err)
			}
			return
		}
		m.handleFrame(message)
	}
}

// streamFrame 行情流原始帧
type streamFrame struct {
	Type      string      `json:"type"`
	Symbol    string      `json:"symbol"`
	Price     json.Number `json:"price"`
	Size      json.Number `json:"size"`
	Bid       json.Number `json:"bid"`
	BidSize   json.Number `json:"bidsz"`
	Ask       json.Number `json:"ask"`
	AskSize   json.Number `json:"asksz"`
	Last      json.Number `json:"last"`
	Volume    json.Number `json:"cvol"`
	TradeDate json.Number `json:"date"`
}

// handleFrame 解码并分发单帧
// 非法帧记录日志后丢弃，连接循环不受影响
func (m *SessionManager) handleFrame(message []byte) {
	var frame streamFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		logger.Warn("⚠️ 行情流帧解析失败，已丢弃: %v", err)
		return
	}
	if frame.Symbol == "" {
		logger.Warn("⚠️ 行情流帧缺少标的，已丢弃: %s", string(message))
		return
	}

	tick := marketdata.Tick{
		Symbol: frame.Symbol,
		Time:   time.Now(),
	}

	switch frame.Type {
	case "trade":
		tick.Type = marketdata.TickTypeTrade
		tick.Price, _ = frame.Price.Float64()
		tick.Size, _ = frame.Size.Float64()
		tick.Volume, _ = frame.Volume.Float64()
	case "quote":
		tick.Type = marketdata.TickTypeQuote
		tick.Bid, _ = frame.Bid.Float64()
		tick.Ask, _ = frame.Ask.Float64()
	case "summary":
		tick.Type = marketdata.TickTypeSummary
		tick.Price, _ = frame.Last.Float64()
	default:
		logger.Debug("未知行情帧类型，已忽略: %s", frame.Type)
		return
	}

	if ts, err := frame.TradeDate.Int64(); err == nil && ts > 0 {
		tick.Time = time.UnixMilli(ts)
	}

	// 投递必须持锁，避免与退订关闭通道竞争
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[frame.Symbol]
	if !ok {
		return
	}

	select {
	case ch <- tick:
	default:
		logger.Warn("⚠️ 行情通道已满，丢弃一帧: symbol=%s", frame.Symbol)
	}
}
