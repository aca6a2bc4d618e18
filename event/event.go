package event

import "time"

// EventType 事件类型
type EventType string

const (
	EventTypeCandleClosed    EventType = "candle_closed"
	EventTypeQuoteUpdated    EventType = "quote_updated"
	EventTypeTick            EventType = "tick"
	EventTypeOrderPlaced     EventType = "order_placed"
	EventTypeOrderFailed     EventType = "order_failed"
	EventTypePositionOpened  EventType = "position_opened"
	EventTypePositionClosed  EventType = "position_closed"
	EventTypeRiskRejected    EventType = "risk_rejected"
	EventTypeStrategyStarted EventType = "strategy_started"
	EventTypeStrategyStopped EventType = "strategy_stopped"
	EventTypeWorkerCrashed   EventType = "worker_crashed"
	EventTypeSessionCreated  EventType = "session_created"
	EventTypeSessionRenewed  EventType = "session_renewed"
	EventTypeSessionLost     EventType = "session_lost"
	EventTypeSystemStart     EventType = "system_start"
	EventTypeSystemStop      EventType = "system_stop"
)

// Message 总线消息
type Message struct {
	Topic     string
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// 主题命名
const (
	TopicStrategies = "strategies"
	TopicSystem     = "system"
)

// TopicMarketData 按标的K线主题
func TopicMarketData(symbol string) string {
	return "market_data:" + symbol
}

// TopicQuotes 按标的报价主题
func TopicQuotes(symbol string) string {
	return "quotes:" + symbol
}
