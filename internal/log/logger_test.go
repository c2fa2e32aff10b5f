package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-engine/internal/config"
)

func TestNewLogger_WritesJSONWithServiceField(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.log")

	logger, err := NewLogger(config.LoggingConfig{
		Level:       "debug",
		Encoding:    "json",
		OutputPaths: []string{out},
	})
	require.NoError(t, err)

	logger.Debug("unit committed")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"unit committed"`)
	assert.Contains(t, string(data), `"service":"portfolio-engine"`)
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "chatty"})
	require.Error(t, err)
}
