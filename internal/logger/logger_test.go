package logger

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func capture(t *testing.T, format string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFormat(format)
	t.Cleanup(func() {
		SetFormat("text")
		SetOutput(os.Stdout)
		SetLevel("info")
	})
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, "text")
	SetLevel("warn")
	Infof("[test] hidden %d", 1)
	Warnf("[test] shown %d", 2)
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 2")
	assert.Contains(t, out, "level=WARN")
}

func TestJSONFormatSplitsComponent(t *testing.T) {
	buf := capture(t, "json")
	Infof("[ingest] %s", "payload")
	out := buf.String()
	assert.Contains(t, out, `"msg":"payload"`)
	assert.Contains(t, out, `"component":"ingest"`)

	buf.Reset()
	Infof("[not a tag] plain")
	assert.Contains(t, buf.String(), `"msg":"[not a tag] plain"`)
	assert.NotContains(t, buf.String(), "component")
}

func TestInfoBlock(t *testing.T) {
	buf := capture(t, "text")
	InfoBlock("\nline one\nline two\n")
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("line ")))
	buf.Reset()
	InfoBlock("   ")
	assert.Empty(t, buf.String())
}

func TestSplitTag(t *testing.T) {
	tag, rest, ok := splitTag("[gate] candlesticks failed")
	assert.True(t, ok)
	assert.Equal(t, "gate", tag)
	assert.Equal(t, "candlesticks failed", rest)

	_, _, ok = splitTag("[] empty")
	assert.False(t, ok)
	_, _, ok = splitTag("no tag")
	assert.False(t, ok)
}
