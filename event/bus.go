package event

import (
	"sync"
	"sync/atomic"
	"time"

	"tradewind/logger"
)

const (
	// 订阅者缓冲区大小
	defaultBufferSize = 64
	// 连续投递失败多少次后判定订阅者死亡
	maxConsecutiveDrops = 32
)

// Subscription 订阅句柄
type Subscription struct {
	id    int64
	topic string
	ch    chan *Message
	drops int32 // 连续投递失败计数
}

// C 返回消息接收通道
func (s *Subscription) C() <-chan *Message {
	return s.ch
}

// Topic 返回订阅主题
func (s *Subscription) Topic() string {
	return s.topic
}

// Bus 主题事件总线
// 支持每个主题任意数量订阅者；对持续堵塞的订阅者自动清理
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[int64]*Subscription
	nextID int64
	closed bool
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{
		topics: make(map[string]map[int64]*Subscription),
	}
}

// Subscribe 订阅主题
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		id:    atomic.AddInt64(&b.nextID, 1),
		topic: topic,
		ch:    make(chan *Message, defaultBufferSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}

	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[int64]*Subscription)
		b.topics[topic] = subs
	}
	subs[sub.id] = sub

	return sub
}

// Unsubscribe 退订
// 返回后不会再有消息投递到该订阅者
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

// removeLocked 移除订阅者（必须持有写锁）
func (b *Bus) removeLocked(sub *Subscription) {
	subs, ok := b.topics[sub.topic]
	if !ok {
		return
	}
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
	close(sub.ch)
}

// Publish 发布消息（非阻塞，至多一次投递）
func (b *Bus) Publish(topic string, eventType EventType, data interface{}) {
	msg := &Message{
		Topic:     topic,
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	// 投递全程持读锁：通道只在写锁内关闭（Unsubscribe/Close/清理），
	// 持锁期间不会向已关闭的通道发送
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	var dead []*Subscription
	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- msg:
			atomic.StoreInt32(&sub.drops, 0)
		default:
			// 缓冲区满，丢弃本条消息
			if atomic.AddInt32(&sub.drops, 1) >= maxConsecutiveDrops {
				dead = append(dead, sub)
			}
		}
	}
	b.mu.RUnlock()

	// 清理长期不消费的订阅者
	if len(dead) > 0 {
		b.mu.Lock()
		for _, sub := range dead {
			b.removeLocked(sub)
			logger.Warn("⚠️ 订阅者长期未消费，已自动清理: topic=%s id=%d", sub.topic, sub.id)
		}
		b.mu.Unlock()
	}
}

// SubscriberCount 某主题当前订阅者数量
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close 关闭总线并清理所有订阅者
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for topic, subs := range b.topics {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(b.topics, topic)
	}
}
