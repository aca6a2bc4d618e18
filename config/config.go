package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 交易引擎配置
type Config struct {
	// 应用配置
	App struct {
		Name     string `yaml:"name"`
		LogLevel string `yaml:"log_level"`
		Timezone string `yaml:"timezone"`
	} `yaml:"app"`

	// 券商接口配置
	Broker struct {
		AccountID      string  `yaml:"account_id"`
		APIToken       string  `yaml:"api_token"`
		Sandbox        bool    `yaml:"sandbox"`
		BaseURL        string  `yaml:"base_url"`         // 留空时根据 sandbox 自动选择
		StreamURL      string  `yaml:"stream_url"`       // 留空时根据 sandbox 自动选择
		TimeoutSeconds int     `yaml:"timeout_seconds"`  // REST 客户端超时（秒）
		RateLimit      float64 `yaml:"rate_limit"`       // 每秒请求数
		RateBurst      int     `yaml:"rate_burst"`       // 突发请求数
	} `yaml:"broker"`

	// 交易配置
	Trading struct {
		Mode string `yaml:"mode"` // paper / live
	} `yaml:"trading"`

	// 行情配置
	MarketData struct {
		PriceHistorySize     int      `yaml:"price_history_size"`      // 价格历史容量（默认200）
		CandleHistorySize    int      `yaml:"candle_history_size"`     // K线历史容量（默认100）
		QuotePollInterval    int      `yaml:"quote_poll_interval"`     // 报价轮询间隔（秒，默认10）
		QuoteIdleTTLMinutes  int      `yaml:"quote_idle_ttl_minutes"`  // 空闲报价清理时间（分钟，默认10）
		SessionTTLMinutes    int      `yaml:"session_ttl_minutes"`     // 流会话主动续期周期（分钟，默认30）
		ReconnectDelay       int      `yaml:"reconnect_delay"`         // 断线重连延迟（秒，默认5）
		UseStreaming         bool     `yaml:"use_streaming"`           // 是否使用实时流（否则轮询）
		PollIntervalSeconds  int      `yaml:"poll_interval_seconds"`   // 轮询模式抓取间隔（秒，默认15）
	} `yaml:"market_data"`

	// 策略工作器监督配置
	Supervisor struct {
		HeartbeatInterval int `yaml:"heartbeat_interval"` // 存活检查间隔（秒，默认10）
		MaxRestarts       int `yaml:"max_restarts"`       // 窗口内最大重启次数（默认5）
		RestartWindow     int `yaml:"restart_window"`     // 重启计数窗口（分钟，默认10）
		RestartDelay      int `yaml:"restart_delay"`      // 重启延迟（秒，默认3）
	} `yaml:"supervisor"`

	// 数据库配置
	Database struct {
		Type            string `yaml:"type"` // sqlite, postgres, mysql
		DSN             string `yaml:"dsn"`
		MaxOpenConns    int    `yaml:"max_open_conns"`
		MaxIdleConns    int    `yaml:"max_idle_conns"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 分钟
		LogLevel        string `yaml:"log_level"`
	} `yaml:"database"`

	// 分布式锁配置（保证流会话单例）
	Lock struct {
		Enabled    bool   `yaml:"enabled"`
		Type       string `yaml:"type"` // redis
		Prefix     string `yaml:"prefix"`
		TTLSeconds int    `yaml:"ttl_seconds"`
		Redis      struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			PoolSize int    `yaml:"pool_size"`
		} `yaml:"redis"`
	} `yaml:"lock"`

	// 监控指标配置
	Metrics struct {
		Enabled        bool   `yaml:"enabled"`
		Listen         string `yaml:"listen"`          // promhttp 监听地址
		SampleInterval int    `yaml:"sample_interval"` // 系统资源采样间隔（秒，默认120）
	} `yaml:"metrics"`
}

// LoadConfig 从文件加载配置
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults 填充默认值
func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "tradewind"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Broker.TimeoutSeconds <= 0 {
		c.Broker.TimeoutSeconds = 10
	}
	if c.Broker.RateLimit <= 0 {
		c.Broker.RateLimit = 10 // 10请求/秒
	}
	if c.Broker.RateBurst <= 0 {
		c.Broker.RateBurst = 20
	}
	if c.Trading.Mode == "" {
		c.Trading.Mode = "paper"
	}
	if c.MarketData.PriceHistorySize <= 0 {
		c.MarketData.PriceHistorySize = 200
	}
	if c.MarketData.CandleHistorySize <= 0 {
		c.MarketData.CandleHistorySize = 100
	}
	if c.MarketData.QuotePollInterval <= 0 {
		c.MarketData.QuotePollInterval = 10
	}
	if c.MarketData.QuoteIdleTTLMinutes <= 0 {
		c.MarketData.QuoteIdleTTLMinutes = 10
	}
	if c.MarketData.SessionTTLMinutes <= 0 {
		c.MarketData.SessionTTLMinutes = 30
	}
	if c.MarketData.ReconnectDelay <= 0 {
		c.MarketData.ReconnectDelay = 5
	}
	if c.MarketData.PollIntervalSeconds <= 0 {
		c.MarketData.PollIntervalSeconds = 15
	}
	if c.Supervisor.HeartbeatInterval <= 0 {
		c.Supervisor.HeartbeatInterval = 10
	}
	if c.Supervisor.MaxRestarts <= 0 {
		c.Supervisor.MaxRestarts = 5
	}
	if c.Supervisor.RestartWindow <= 0 {
		c.Supervisor.RestartWindow = 10
	}
	if c.Supervisor.RestartDelay <= 0 {
		c.Supervisor.RestartDelay = 3
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "tradewind.db"
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "silent"
	}
	if c.Lock.Prefix == "" {
		c.Lock.Prefix = "tradewind:lock:"
	}
	if c.Lock.TTLSeconds <= 0 {
		c.Lock.TTLSeconds = 60
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9102"
	}
	if c.Metrics.SampleInterval <= 0 {
		c.Metrics.SampleInterval = 120
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Broker.AccountID == "" {
		return fmt.Errorf("配置错误: broker.account_id 不能为空")
	}
	if c.Broker.APIToken == "" {
		return fmt.Errorf("配置错误: broker.api_token 不能为空")
	}
	if c.Trading.Mode != "paper" && c.Trading.Mode != "live" {
		return fmt.Errorf("配置错误: trading.mode 必须为 paper 或 live，当前为 %s", c.Trading.Mode)
	}
	switch c.Database.Type {
	case "sqlite", "postgres", "postgresql", "mysql":
	default:
		return fmt.Errorf("配置错误: 不支持的数据库类型 %s", c.Database.Type)
	}
	if c.Lock.Enabled && c.Lock.Type != "redis" {
		return fmt.Errorf("配置错误: 不支持的锁类型 %s", c.Lock.Type)
	}
	return nil
}

// SessionTTL 流会话续期周期
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.MarketData.SessionTTLMinutes) * time.Minute
}

// QuotePollInterval 报价轮询间隔
func (c *Config) QuotePollInterval() time.Duration {
	return time.Duration(c.MarketData.QuotePollInterval) * time.Second
}

// QuoteIdleTTL 空闲报价清理时间
func (c *Config) QuoteIdleTTL() time.Duration {
	return time.Duration(c.MarketData.QuoteIdleTTLMinutes) * time.Minute
}

// IsPaperTrading 是否为模拟交易模式
func (c *Config) IsPaperTrading() bool {
	return c.Trading.Mode == "paper"
}
