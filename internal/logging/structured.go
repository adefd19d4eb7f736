// Package logging 构建进程共用的 logrus 日志器，并可将日志镜像到 slog 结构化输出。
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // 日志级别 (debug, info, warn, error)
	Format string `mapstructure:"format" json:"format"` // 日志格式 (json, text)
	Output string `mapstructure:"output" json:"output"` // 输出路径 (stdout, stderr, file path)
	// StructuredOutput 非空时额外把每条日志以 slog JSON 写入该路径
	StructuredOutput string `mapstructure:"structured_output" json:"structured_output"`
}

// DefaultLogConfig 默认日志配置
var DefaultLogConfig = &LogConfig{
	Level:  "info",
	Format: "json",
	Output: "stdout",
}

// NewLogger 按配置创建 logrus 日志器
func NewLogger(config *LogConfig) (*logrus.Logger, error) {
	if config == nil {
		config = DefaultLogConfig
	}

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别 '%s': %w", config.Level, err)
	}

	writer, err := getLogWriter(config.Output)
	if err != nil {
		return nil, fmt.Errorf("创建日志输出失败: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(writer)

	switch config.Format {
	case "json", "":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return nil, fmt.Errorf("不支持的日志格式: %s", config.Format)
	}

	if config.StructuredOutput != "" {
		out, err := getLogWriter(config.StructuredOutput)
		if err != nil {
			return nil, fmt.Errorf("创建结构化日志输出失败: %w", err)
		}
		logger.AddHook(NewSlogHook(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level:       slog.LevelDebug,
			ReplaceAttr: replaceAttr,
		}))))
	}

	return logger, nil
}

// getLogWriter 获取日志输出
func getLogWriter(output string) (io.Writer, error) {
	switch output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		dir := filepath.Dir(output)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}

		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("打开日志文件失败: %w", err)
		}
		return file, nil
	}
}

// replaceAttr 统一时间格式
func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.Attr{
			Key:   a.Key,
			Value: slog.StringValue(a.Value.Time().Format(time.RFC3339)),
		}
	}
	return a
}

// SlogHook 将 logrus 日志转发到 slog
type SlogHook struct {
	slogger *slog.Logger
}

// NewSlogHook 创建转发钩子
func NewSlogHook(slogger *slog.Logger) *SlogHook {
	return &SlogHook{slogger: slogger}
}

// Levels 实现 logrus.Hook
func (h *SlogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 实现 logrus.Hook
func (h *SlogHook) Fire(entry *logrus.Entry) error {
	attrs := make([]slog.Attr, 0, len(entry.Data))
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		attrs = append(attrs, slog.Any(k, v))
	}

	ctx := entry.Context
	if ctx == nil {
		ctx = context.Background()
	}
	h.slogger.LogAttrs(ctx, toSlogLevel(entry.Level), entry.Message, attrs...)
	return nil
}

func toSlogLevel(level logrus.Level) slog.Level {
	switch level {
	case logrus.TraceLevel, logrus.DebugLevel:
		return slog.LevelDebug
	case logrus.InfoLevel:
		return slog.LevelInfo
	case logrus.WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// NewActionLogger 金库操作专用日志器
func NewActionLogger(base *logrus.Logger, actionType, correlationID, vault string) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"component":      "executor",
		"type":           actionType,
		"correlation_id": correlationID,
		"vault":          vault,
	})
}

// NewRelayLogger 中继调用专用日志器
func NewRelayLogger(base *logrus.Logger, endpoint, task string) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"component": "relay",
		"endpoint":  endpoint,
		"task":      task,
	})
}

// ParseLevel 宽松解析日志级别，未知值返回 info
func ParseLevel(s string) logrus.Level {
	level, err := logrus.ParseLevel(strings.TrimSpace(s))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
