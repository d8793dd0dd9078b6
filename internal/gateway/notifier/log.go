package notifier

import (
	"context"

	"backfill/internal/logger"
)

// LogNotifier 只写日志，未配置 NATS 时使用。
type LogNotifier struct{}

func NewLog() *LogNotifier { return &LogNotifier{} }

func (LogNotifier) Notify(_ context.Context, evt Event) error {
	text := evt.Message().RenderText()
	if evt.Type == EventPaused {
		logger.Warnf("[notify] %s", text)
		return nil
	}
	logger.Infof("[notify] %s", text)
	return nil
}

func (LogNotifier) Close() error { return nil }
