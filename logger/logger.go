package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

// String 日志级别的字符串表示
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLogLevel 解析日志级别字符串，未识别时回退 INFO
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

var (
	mu          sync.RWMutex
	globalLevel = INFO

	// DEBUG 级别下额外写入按日切分的文件
	fileMu      sync.Mutex
	fileLogger  *log.Logger
	logFile     *os.File
	currentDate string
	logDir      = "logs"

	// 外部日志落地钩子（函数指针注入，避免反向依赖存储层）
	sinkMu  sync.RWMutex
	logSink func(level, message string)
)

// SetLevel 设置全局日志级别
// DEBUG 级别会同时开启文件日志，其他级别关闭
func SetLevel(level LogLevel) {
	mu.Lock()
	globalLevel = level
	mu.Unlock()

	fileMu.Lock()
	defer fileMu.Unlock()
	if level == DEBUG {
		if err := rotateLocked(); err != nil {
			log.Printf("[WARN] 启用文件日志失败: %v，将只输出到控制台", err)
		}
	} else {
		closeFileLocked()
	}
}

// GetLevel 获取全局日志级别
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return globalLevel
}

// SetSink 注册日志落地钩子，每条日志异步送入
func SetSink(sink func(level, message string)) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	logSink = sink
}

// Close 关闭文件日志与落地钩子，程序退出时调用
func Close() {
	fileMu.Lock()
	closeFileLocked()
	fileMu.Unlock()

	sinkMu.Lock()
	logSink = nil
	sinkMu.Unlock()
}

// rotateLocked 打开当天的日志文件，日期变化时切换（须持有 fileMu）
func rotateLocked() error {
	today := time.Now().Format("2006-01-02")
	if fileLogger != nil && currentDate == today {
		return nil
	}

	closeFileLocked()

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}

	name := filepath.Join(logDir, fmt.Sprintf("tradewind-%s.log", today))
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	logFile = file
	currentDate = today
	fileLogger = log.New(file, "", 0)
	return nil
}

// closeFileLocked 关闭文件日志（须持有 fileMu）
func closeFileLocked() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
		fileLogger = nil
		currentDate = ""
	}
}

func logf(level LogLevel, format string, args ...interface{}) {
	if level < GetLevel() {
		return
	}

	message := fmt.Sprintf("[%s] ", level) + fmt.Sprintf(format, args...)
	log.Print(message)

	if GetLevel() == DEBUG {
		fileMu.Lock()
		if rotateLocked() == nil && fileLogger != nil {
			fileLogger.Printf("%s %s", time.Now().Format("2006/01/02 15:04:05"), message)
		}
		fileMu.Unlock()
	}

	sinkMu.RLock()
	sink := logSink
	sinkMu.RUnlock()
	if sink != nil {
		go func() {
			// 钩子 panic 不影响引擎
			defer func() { recover() }()
			sink(level.String(), message)
		}()
	}
}

// Debug 输出调试日志
func Debug(format string, args ...interface{}) {
	logf(DEBUG, format, args...)
}

// Info 输出一般信息日志
func Info(format string, args ...interface{}) {
	logf(INFO, format, args...)
}

// Warn 输出警告日志
func Warn(format string, args ...interface{}) {
	logf(WARN, format, args...)
}

// Error 输出错误日志
func Error(format string, args ...interface{}) {
	logf(ERROR, format, args...)
}

// Fatal 输出致命错误日志并退出程序
func Fatal(format string, args ...interface{}) {
	logf(FATAL, format, args...)
	os.Exit(1)
}
