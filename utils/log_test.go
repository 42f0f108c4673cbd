package utils

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerFiltersAndNamesLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, WARN)

	log.Info("hidden %d", 1)
	log.Warn("speed %.1f", 2.5)
	log.Critical("stop")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, `msg="speed 2.5"`)
	assert.Contains(t, out, "level=CRITICAL")
	assert.False(t, log.Enabled(DEBUG))
	assert.True(t, log.Enabled(ERROR))
}

func TestLoggerTraceAndSetMinLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, INFO)
	log.Trace("x")
	assert.Empty(t, buf.String())

	log.SetMinLevel(TRACE)
	log.Trace("rx id=0x%X", 0x310)
	assert.Contains(t, buf.String(), "level=TRACE")
	assert.Contains(t, buf.String(), "rx id=0x310")
}

func TestNamedLoggerSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(&buf, ERROR)
	child := parent.Named("mpc")

	child.Info("dropped")
	parent.SetMinLevel(INFO)
	child.Info("solve ok")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "component=mpc")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, TRACE, ParseLevel("trace"))
	assert.Equal(t, WARN, ParseLevel(" Warning "))
	assert.Equal(t, CRITICAL, ParseLevel("critical"))
	assert.Equal(t, INFO, ParseLevel("bogus"))
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestFileLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed_loop.log")
	log, err := NewFileLogger(path, DEBUG, false)
	require.NoError(t, err)
	log.Debug("hello %s", "file")
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")

	_, err = NewFileLogger(filepath.Join(t.TempDir(), "missing", "x.log"), INFO, false)
	assert.Error(t, err)
}
