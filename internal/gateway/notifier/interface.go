package notifier

import (
	"context"
	"time"
)

// EventType 标识进度记录的终态迁移。
type EventType string

const (
	EventCompleted EventType = "completed"
	EventPaused    EventType = "paused"
)

// Event 在记录进入 completed / paused 时发出。
type Event struct {
	Type        EventType `json:"type"`
	Instrument  string    `json:"instrument"`
	Granularity string    `json:"granularity"`
	Collected   int64     `json:"collected"`
	Target      int64     `json:"target"`
	ErrorCount  int       `json:"error_count"`
	LastError   string    `json:"last_error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Notifier publishes progress events. Implementations must be safe for
// concurrent use by several collection loops.
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
	Close() error
}
