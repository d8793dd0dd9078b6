// Package logger 是进程级的 slog 包装：printf 风格调用，文本或 JSON 输出。
//
// 日志行约定以 "[component]" 开头；JSON 模式下该前缀被拆成 component 字段。
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type sink struct {
	w    io.Writer
	json bool
}

var (
	level slog.LevelVar

	mu      sync.RWMutex
	current = sink{w: os.Stdout}
	active  = current.build()
)

func (s sink) build() *slog.Logger {
	w := s.w
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: &level}
	if s.json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func swap(fn func(*sink)) {
	mu.Lock()
	defer mu.Unlock()
	fn(&current)
	active = current.build()
}

func SetOutput(w io.Writer) {
	swap(func(s *sink) { s.w = w })
}

// SetFormat 切换 text/json 输出格式。
func SetFormat(format string) {
	swap(func(s *sink) { s.json = strings.EqualFold(strings.TrimSpace(format), "json") })
}

// SetLevel 未识别的级别按 info 处理。
func SetLevel(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

func Debugf(format string, v ...any) { emit(slog.LevelDebug, format, v) }

func Infof(format string, v ...any) { emit(slog.LevelInfo, format, v) }

func Warnf(format string, v ...any) { emit(slog.LevelWarn, format, v) }

func Errorf(format string, v ...any) { emit(slog.LevelError, format, v) }

// InfoBlock 逐行输出多行文本（启动摘要等）。
func InfoBlock(block string) {
	block = strings.TrimSpace(block)
	if block == "" {
		return
	}
	for _, line := range strings.Split(block, "\n") {
		Infof("%s", line)
	}
}

func emit(lvl slog.Level, format string, v []any) {
	if lvl < level.Level() {
		return
	}
	mu.RLock()
	l, structured := active, current.json
	mu.RUnlock()

	msg := fmt.Sprintf(format, v...)
	if structured {
		if tag, rest, ok := splitTag(msg); ok {
			l.Log(context.Background(), lvl, rest, slog.String("component", tag))
			return
		}
	}
	l.Log(context.Background(), lvl, msg)
}

// splitTag 拆出 "[ingest] xxx" 形式的前缀。
func splitTag(msg string) (tag, rest string, ok bool) {
	if !strings.HasPrefix(msg, "[") {
		return "", msg, false
	}
	end := strings.IndexByte(msg, ']')
	if end <= 1 {
		return "", msg, false
	}
	tag = msg[1:end]
	if strings.ContainsAny(tag, " \t") {
		return "", msg, false
	}
	return tag, strings.TrimSpace(msg[end+1:]), true
}
