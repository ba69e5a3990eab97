package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(level LogLevel) (*RelayLogger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	l := NewLogger(&LoggerConfig{Level: level, Format: "json", Output: buf})

	return l, buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any

	dec := json.NewDecoder(buf)
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		out = append(out, m)
	}

	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LogLevelDebug, false},
		{"INFO", LogLevelInfo, false},
		{"", LogLevelInfo, false},
		{"warning", LogLevelWarn, false},
		{"error", LogLevelError, false},
		{"loud", LogLevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}

		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestRelayLogger_ContextAndLevel(t *testing.T) {
	l, buf := newBufferLogger(LogLevelInfo)

	cl := l.WithComponent("broker").WithSession("s-1").With("node", "a")
	cl.Debug("hidden")
	cl.Info("broker.route.sent", "recipient", "echo")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)

	assert.Equal(t, "broker.route.sent", lines[0]["msg"])
	assert.Equal(t, "broker", lines[0]["component"])
	assert.Equal(t, "s-1", lines[0]["session_id"])
	assert.Equal(t, "a", lines[0]["node"])
	assert.Equal(t, "echo", lines[0]["recipient"])

	// parent logger must not inherit the clone's context
	l.Info("plain")

	lines = decodeLines(t, buf)
	require.Len(t, lines, 1)
	_, ok := lines[0]["component"]
	assert.False(t, ok)
}

func TestRelayLogger_DomainHelpers(t *testing.T) {
	l, buf := newBufferLogger(LogLevelDebug)

	l.LogCapabilityCall("echo", 5*time.Millisecond, "success", nil)
	l.LogOracleCall(1, 2, time.Millisecond, errors.New("rate limited"))
	l.LogDispatch(2, 3, true, time.Second, nil)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 3)

	assert.Equal(t, "capability.call", lines[0]["msg"])
	assert.Equal(t, "echo", lines[0]["capability"])
	assert.Equal(t, "oracle.call.failed", lines[1]["msg"])
	assert.Equal(t, "ERROR", lines[1]["level"])
	assert.Equal(t, "dispatch.run.completed", lines[2]["msg"])
	assert.Equal(t, true, lines[2]["forced"])
}

func TestOrNop(t *testing.T) {
	assert.IsType(t, NoOpLogger{}, OrNop(nil))

	l, _ := newBufferLogger(LogLevelInfo)
	assert.Same(t, l, OrNop(l))
}
