package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyard-io/switchyard/internal/config"
)

func TestNewLoggerFormats(t *testing.T) {
	for _, format := range []string{"", "json", "console"} {
		logger, err := NewLogger(config.LoggingConfig{Level: "debug", Format: format})
		require.NoError(t, err, "format %q", format)
		logger.Info("hello")
		_ = logger.Sync()
	}
}

func TestNewLoggerRejectsBadConfig(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "shouty"})
	assert.Error(t, err)

	_, err = NewLogger(config.LoggingConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "switchyard.log")

	logger, err := NewLogger(config.LoggingConfig{
		Level:         "info",
		Output:        path,
		SampleInitial: 10,
	})
	require.NoError(t, err)

	logger.Info("to file")
	require.NoError(t, logger.Sync())

	assert.FileExists(t, path)
}
