package notifier

import (
	"fmt"
	"strings"
	"time"
)

const maxStructuredMessageLen = 3800

// MessageSection 表示通知中的一个段落。
type MessageSection struct {
	Title string
	Lines []string
}

// StructuredMessage 描述统一格式的文本通知。
type StructuredMessage struct {
	Title     string
	Sections  []MessageSection
	Timestamp time.Time
}

// Message 把事件渲染成结构化消息。
func (e Event) Message() StructuredMessage {
	lines := []string{
		fmt.Sprintf("instrument: %s", e.Instrument),
		fmt.Sprintf("granularity: %s", e.Granularity),
		fmt.Sprintf("collected: %d/%d", e.Collected, e.Target),
	}
	msg := StructuredMessage{
		Title:     fmt.Sprintf("backfill %s", e.Type),
		Sections:  []MessageSection{{Title: "progress", Lines: lines}},
		Timestamp: e.Timestamp,
	}
	if e.Type == EventPaused {
		msg.Sections = append(msg.Sections, MessageSection{
			Title: "failure",
			Lines: []string{fmt.Sprintf("error_count: %d", e.ErrorCount), e.LastError},
		})
	}
	return msg
}

// RenderText 生成单行文本，自动裁剪长度。
func (m StructuredMessage) RenderText() string {
	parts := make([]string, 0, len(m.Sections)+2)
	if title := strings.TrimSpace(m.Title); title != "" {
		parts = append(parts, title)
	}
	for _, sec := range m.Sections {
		lines := sanitizeLines(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		block := strings.Join(lines, ", ")
		if title := strings.TrimSpace(sec.Title); title != "" {
			block = title + "{" + block + "}"
		}
		parts = append(parts, block)
	}
	if !m.Timestamp.IsZero() {
		parts = append(parts, m.Timestamp.UTC().Format(time.RFC3339))
	}
	body := strings.Join(parts, " ")
	if len(body) > maxStructuredMessageLen {
		body = body[:maxStructuredMessageLen] + "..."
	}
	return body
}

func sanitizeLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, strings.ReplaceAll(text, "\n", " "))
		}
	}
	return out
}
