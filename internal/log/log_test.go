package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestInfoWritesKeyValues(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "info", Output: &buf, Service: "test"})

	Info("event added", "id", "evt-1", "device", "room1", "dangling")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "event added", lines[0]["message"])
	assert.Equal(t, "evt-1", lines[0]["id"])
	assert.Equal(t, "room1", lines[0]["device"])
	assert.Equal(t, "test", lines[0]["service"])
	assert.Equal(t, "info", lines[0]["level"])
}

func TestErrorIncludesErr(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "info", Output: &buf})

	Error("store failed", errors.New("disk full"), "op", "persist")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "disk full", lines[0]["error"])
	assert.Equal(t, "persist", lines[0]["op"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "warn", Output: &buf})

	Debug("hidden")
	Info("hidden too")
	Warn("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])

	SetLevel(LevelDebug)
	Debug("now visible")
	lines = decodeLines(t, &buf)
	assert.Len(t, lines, 2)
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})

	l := WithComponent("calendar")
	l.Info().Msg("hit")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "calendar", lines[0]["component"])
}
