package notifier

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRenderText(t *testing.T) {
	evt := Event{
		Type:        EventPaused,
		Instrument:  "BTC/USDT",
		Granularity: "day",
		Collected:   30,
		Target:      1825,
		ErrorCount:  3,
		LastError:   "binance transient: timeout\nretry",
		Timestamp:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	text := evt.Message().RenderText()
	assert.True(t, strings.HasPrefix(text, "backfill paused"))
	assert.Contains(t, text, "collected: 30/1825")
	assert.Contains(t, text, "error_count: 3")
	assert.Contains(t, text, "timeout retry")
	assert.Contains(t, text, "2024-01-02T03:04:05Z")
	assert.NotContains(t, text, "\n")
}

func TestCompletedEventHasNoFailureSection(t *testing.T) {
	text := Event{Type: EventCompleted, Instrument: "ETH/USDT", Granularity: "hour"}.Message().RenderText()
	assert.NotContains(t, text, "failure")
}

func TestLogNotifier(t *testing.T) {
	n := NewLog()
	require.NoError(t, n.Notify(context.Background(), Event{Type: EventCompleted}))
	require.NoError(t, n.Close())
}

func TestNATSRequiresSubject(t *testing.T) {
	_, err := NewNATS("nats://127.0.0.1:1", " ")
	assert.Error(t, err)
	n := &NATSNotifier{subject: "backfill.progress"}
	assert.Equal(t, "backfill.progress.paused", n.Subject(Event{Type: EventPaused}))
}
