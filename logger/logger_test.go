package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	t.Cleanup(func() { SetOutput(prev) })
	return &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if l == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(l), &m))
		out = append(out, m)
	}
	return out
}

func TestInfoAndError(t *testing.T) {
	buf := capture(t)

	Info("broker started", FieldKV("addr", "127.0.0.1:9092"))
	Error("produce failed", errors.New("boom"), FieldKV("topic", "t"))

	got := lines(t, buf)
	require.Len(t, got, 2)
	assert.Equal(t, "info", got[0]["level"])
	assert.Equal(t, "broker started", got[0]["msg"])
	assert.Equal(t, "127.0.0.1:9092", got[0]["addr"])
	assert.Equal(t, "error", got[1]["level"])
	assert.Equal(t, "boom", got[1]["error"])
	assert.Equal(t, "t", got[1]["topic"])
}

func TestDebugToggle(t *testing.T) {
	buf := capture(t)

	SetDebug(false)
	Debug("hidden")
	assert.Empty(t, buf.String())

	SetDebug(true)
	t.Cleanup(func() { SetDebug(false) })
	Debug("shown")
	got := lines(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, "debug", got[0]["level"])
}

func TestKafkaLoggers(t *testing.T) {
	buf := capture(t)
	SetDebug(true)
	t.Cleanup(func() { SetDebug(false) })

	KafkaLogger("reader").Printf("fetched %d messages", 3)
	KafkaErrorLogger("writer").Printf("write failed: %s", "eof")

	got := lines(t, buf)
	require.Len(t, got, 2)
	assert.Equal(t, "fetched 3 messages", got[0]["msg"])
	assert.Equal(t, "reader", got[0]["component"])
	assert.Equal(t, "error", got[1]["level"])
	assert.Equal(t, "writer", got[1]["component"])
}
