package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	return entry
}

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"json", "text", "console", ""} {
		var buf bytes.Buffer
		logger, err := NewLogger(Config{Format: format, Level: "info", Output: &buf})
		require.NoError(t, err, format)
		logger.Info().Str("job_id", "j1").Msg("Build job submitted")
		assert.Contains(t, buf.String(), "Build job submitted", format)
		assert.Contains(t, buf.String(), "j1", format)
	}
}

func TestNewLogger_Levels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "warning", "error", ""} {
		_, err := NewLogger(Config{Level: lvl, Output: &bytes.Buffer{}})
		assert.NoError(t, err, lvl)
	}
	_, err := NewLogger(Config{Level: "trace"})
	assert.Error(t, err)
}

func TestNewLogger_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Format: "json", Level: "warn", Output: &buf})
	require.NoError(t, err)

	logger.Debug().Msg("poll")
	logger.Info().Msg("submitted")
	assert.Zero(t, buf.Len())

	logger.Warn().Msg("job failed")
	assert.Equal(t, "job failed", decode(t, &buf)["message"])
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Format: "json", Output: &buf, Component: "arrowhead"})
	require.NoError(t, err)

	logger.Info().Msg("root")
	assert.Equal(t, "arrowhead", decode(t, &buf)["component"])

	buf.Reset()
	child := WithComponent(logger, "waiter")
	child.Info().Msg("child")
	assert.Contains(t, buf.String(), `"component":"waiter"`)
}

func TestMetricsHook(t *testing.T) {
	logger, err := NewLogger(Config{Format: "json", Level: "debug", Output: &bytes.Buffer{}})
	require.NoError(t, err)

	infoBefore := testutil.ToFloat64(LogEntriesTotal.WithLabelValues("info"))
	errorsBefore := testutil.ToFloat64(LogErrorsTotal)

	logger.Info().Msg("one")
	logger.Info().Msg("two")
	logger.Error().Msg("three")

	assert.Equal(t, infoBefore+2, testutil.ToFloat64(LogEntriesTotal.WithLabelValues("info")))
	assert.Equal(t, errorsBefore+1, testutil.ToFloat64(LogErrorsTotal))
}
