package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}
	return path
}

const minimalConfig = `
broker:
  account_id: "VA000001"
  api_token: "test-token"
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.App.Name != "tradewind" {
		t.Errorf("默认应用名不符: %s", cfg.App.Name)
	}
	if cfg.App.LogLevel != "info" {
		t.Errorf("默认日志级别不符: %s", cfg.App.LogLevel)
	}
	if cfg.Trading.Mode != "paper" {
		t.Errorf("默认交易模式应为 paper: %s", cfg.Trading.Mode)
	}
	if !cfg.IsPaperTrading() {
		t.Error("默认应为模拟交易模式")
	}
	if cfg.MarketData.PriceHistorySize != 200 {
		t.Errorf("默认价格历史容量不符: %d", cfg.MarketData.PriceHistorySize)
	}
	if cfg.SessionTTL() != 30*time.Minute {
		t.Errorf("默认会话续期周期不符: %v", cfg.SessionTTL())
	}
	if cfg.QuotePollInterval() != 10*time.Second {
		t.Errorf("默认报价轮询间隔不符: %v", cfg.QuotePollInterval())
	}
	if cfg.QuoteIdleTTL() != 10*time.Minute {
		t.Errorf("默认空闲报价TTL不符: %v", cfg.QuoteIdleTTL())
	}
	if cfg.Supervisor.MaxRestarts != 5 || cfg.Supervisor.RestartWindow != 10 {
		t.Errorf("默认监督参数不符: %+v", cfg.Supervisor)
	}
	if cfg.Database.Type != "sqlite" || cfg.Database.DSN != "tradewind.db" {
		t.Errorf("默认数据库配置不符: %+v", cfg.Database)
	}
	if cfg.Metrics.Listen != ":9102" {
		t.Errorf("默认指标监听地址不符: %s", cfg.Metrics.Listen)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
app:
  name: "tradewind-test"
  log_level: "debug"
broker:
  account_id: "VA000002"
  api_token: "token"
  sandbox: true
  rate_limit: 2
trading:
  mode: "live"
market_data:
  use_streaming: true
  session_ttl_minutes: 15
database:
  type: "postgres"
  dsn: "host=localhost user=t dbname=t"
lock:
  enabled: true
  type: "redis"
  redis:
    addr: "localhost:6379"
`))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.App.Name != "tradewind-test" || cfg.App.LogLevel != "debug" {
		t.Errorf("应用配置不符: %+v", cfg.App)
	}
	if !cfg.Broker.Sandbox || cfg.Broker.RateLimit != 2 {
		t.Errorf("券商配置不符: %+v", cfg.Broker)
	}
	if cfg.IsPaperTrading() {
		t.Error("live 模式不应判定为模拟交易")
	}
	if !cfg.MarketData.UseStreaming || cfg.SessionTTL() != 15*time.Minute {
		t.Errorf("行情配置不符: %+v", cfg.MarketData)
	}
	if cfg.Database.Type != "postgres" {
		t.Errorf("数据库类型不符: %s", cfg.Database.Type)
	}
	if !cfg.Lock.Enabled || cfg.Lock.Redis.Addr != "localhost:6379" {
		t.Errorf("锁配置不符: %+v", cfg.Lock)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"缺少账户", `
broker:
  api_token: "token"
`},
		{"缺少令牌", `
broker:
  account_id: "VA000001"
`},
		{"非法交易模式", `
broker:
  account_id: "VA000001"
  api_token: "token"
trading:
  mode: "backtest"
`},
		{"非法数据库类型", `
broker:
  account_id: "VA000001"
  api_token: "token"
database:
  type: "mongodb"
`},
		{"非法锁类型", `
broker:
  account_id: "VA000001"
  api_token: "token"
lock:
  enabled: true
  type: "zookeeper"
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tc.content)); err == nil {
				t.Fatal("期望校验失败")
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("文件不存在应返回错误")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, "broker: [not a map")); err == nil {
		t.Fatal("非法 YAML 应返回错误")
	}
}

func TestConfigWatcherReload(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	cw, err := NewConfigWatcher(path)
	if err != nil {
		t.Fatalf("创建配置监控器失败: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	t.Cleanup(cw.Stop)

	if err := cw.Start(ctx); err != nil {
		t.Fatalf("启动配置监控器失败: %v", err)
	}

	// 文件系统修改时间精度有限，确保新写入晚于初始时间
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte(minimalConfig+`
app:
  name: "reloaded"
`), 0644); err != nil {
		t.Fatalf("改写配置文件失败: %v", err)
	}

	select {
	case cfg := <-cw.Updates():
		if cfg.App.Name != "reloaded" {
			t.Fatalf("重载后配置不符: %s", cfg.App.Name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("未收到配置更新")
	}
}

func TestConfigWatcherKeepsOldOnInvalid(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	cw, err := NewConfigWatcher(path)
	if err != nil {
		t.Fatalf("创建配置监控器失败: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	t.Cleanup(cw.Stop)

	if err := cw.Start(ctx); err != nil {
		t.Fatalf("启动配置监控器失败: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	// 破坏性修改：校验失败不应推送
	if err := os.WriteFile(path, []byte("broker: {}"), 0644); err != nil {
		t.Fatalf("改写配置文件失败: %v", err)
	}

	select {
	case cfg := <-cw.Updates():
		t.Fatalf("非法配置不应被推送: %+v", cfg)
	case <-time.After(1500 * time.Millisecond):
	}
}
