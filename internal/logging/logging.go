package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New 创建进程日志。format 为 "json" 或 "text"，无法识别的级别按 info 处理
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stderr, level, format)
}

// NewWithWriter 与 New 相同，但指定输出位置
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel 将级别名称转换为 slog.Level
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard 返回丢弃所有输出的日志，作为未注入日志的组件的默认值
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// RedactToken 只保留 token 的首尾片段，便于关联日志又不泄露完整凭证
func RedactToken(token string) string {
	token = strings.TrimSpace(token)
	if len(token) <= 12 {
		return "[redacted]"
	}
	return token[:8] + "…[redacted]"
}
