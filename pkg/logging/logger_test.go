package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseEntries(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestJSONLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	logger.Debug("dropped")
	logger.Info("kept")
	logger.Warn("also kept")

	entries := parseEntries(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "INFO", entries[0].Level)
	assert.Equal(t, "kept", entries[0].Message)
	assert.Equal(t, "WARN", entries[1].Level)
}

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, DebugLevel)

	logger.Info("beacon accepted",
		Component("drift"),
		Seq(42),
		Quality(87),
	)

	entries := parseEntries(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "drift", entries[0].Fields["component"])
	assert.Equal(t, float64(42), entries[0].Fields["seq"])
	assert.Equal(t, float64(87), entries[0].Fields["quality"])
}

func TestWithPresetsFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewJSONLogger(&buf, DebugLevel)
	child := base.With(Unit("aa:bb:cc:dd:ee:ff"), Role("server"))

	child.Info("session established")

	entries := parseEntries(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", entries[0].Fields["unit"])
	assert.Equal(t, "server", entries[0].Fields["role"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, WarnLevel, ParseLevel("WARNING"))
	assert.Equal(t, InfoLevel, ParseLevel("garbage"))
}
