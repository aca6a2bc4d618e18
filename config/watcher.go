package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tradewind/logger"
)

// ConfigWatcher 配置文件监控器
// 监控配置文件变化并推送新的配置快照
type ConfigWatcher struct {
	configPath  string
	watcher     *fsnotify.Watcher
	mu          sync.RWMutex
	isWatching  bool
	lastModTime time.Time
	updateChan  chan *Config
}

// NewConfigWatcher 创建配置监控器
func NewConfigWatcher(configPath string) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	// 获取配置文件所在目录
	configDir := filepath.Dir(configPath)
	if configDir == "" || configDir == "." {
		configDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("获取当前目录失败: %w", err)
		}
		configPath = filepath.Join(configDir, filepath.Base(configPath))
	}

	// 获取初始修改时间
	var lastModTime time.Time
	if info, err := os.Stat(configPath); err == nil {
		lastModTime = info.ModTime()
	}

	cw := &ConfigWatcher{
		configPath:  configPath,
		watcher:     watcher,
		lastModTime: lastModTime,
		updateChan:  make(chan *Config, 1),
	}

	return cw, nil
}

// Start 开始监控配置文件
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	if cw.isWatching {
		cw.mu.Unlock()
		return fmt.Errorf("配置监控器已经在运行")
	}

	configDir := filepath.Dir(cw.configPath)
	if err := cw.watcher.Add(configDir); err != nil {
		cw.mu.Unlock()
		return fmt.Errorf("添加监控目录失败: %w", err)
	}

	cw.isWatching = true
	cw.mu.Unlock()

	go cw.watchLoop(ctx)

	logger.Info("✅ 配置文件监控已启动: %s", cw.configPath)
	return nil
}

// Stop 停止监控
func (cw *ConfigWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.isWatching {
		return
	}
	cw.isWatching = false
	cw.watcher.Close()
	logger.Info("🛑 配置文件监控已停止")
}

// Updates 返回配置更新通道
func (cw *ConfigWatcher) Updates() <-chan *Config {
	return cw.updateChan
}

// watchLoop 监控循环
func (cw *ConfigWatcher) watchLoop(ctx context.Context) {
	// 防抖：编辑器保存往往触发多个事件
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, cw.reload)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("⚠️ 配置文件监控错误: %v", err)
		}
	}
}

// reload 重新加载配置并推送
func (cw *ConfigWatcher) reload() {
	info, err := os.Stat(cw.configPath)
	if err != nil {
		logger.Warn("⚠️ 读取配置文件状态失败: %v", err)
		return
	}

	cw.mu.Lock()
	if !info.ModTime().After(cw.lastModTime) {
		cw.mu.Unlock()
		return
	}
	cw.lastModTime = info.ModTime()
	cw.mu.Unlock()

	cfg, err := LoadConfig(cw.configPath)
	if err != nil {
		logger.Error("❌ 重新加载配置失败（保留旧配置）: %v", err)
		return
	}

	// 只保留最新一份快照
	select {
	case cw.updateChan <- cfg:
	default:
		select {
		case <-cw.updateChan:
		default:
		}
		cw.updateChan <- cfg
	}

	logger.Info("🔄 配置文件已重新加载: %s", cw.configPath)
}
