package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"chartsync/internal/config"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test_New tests level parsing and output selection
func Test_New(t *testing.T) {
	tests := []struct {
		name        string
		opts        config.LogConfig
		expectError bool
		level       zerolog.Level
		expectJSON  bool
	}{
		{name: "default level json", opts: config.LogConfig{Format: "json", Environment: "prod"}, level: zerolog.InfoLevel, expectJSON: true},
		{name: "debug console", opts: config.LogConfig{Level: "debug", Format: "console"}, level: zerolog.DebugLevel},
		{name: "dev forces console", opts: config.LogConfig{Level: "warn", Format: "json", Environment: "dev"}, level: zerolog.WarnLevel},
		{name: "invalid level", opts: config.LogConfig{Level: "loud"}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, closer, err := New(tt.opts, &buf)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer closer.Close()

			assert.Equal(t, tt.level, logger.GetLevel())
			logger.Error().Str("component", "test").Msg("hello")

			if tt.expectJSON {
				var entry map[string]any
				require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
				assert.Equal(t, "hello", entry["message"])
				assert.Equal(t, "test", entry["component"])
			} else {
				assert.Contains(t, buf.String(), "hello")
				assert.Contains(t, buf.String(), "component=")
			}
		})
	}
}

// Test_New_File tests that the rotating file receives entries too
func Test_New_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "chartd.log")
	var buf bytes.Buffer

	logger, closer, err := New(config.LogConfig{Level: "info", Format: "json", OutputFile: path}, &buf)
	require.NoError(t, err)

	logger.Info().Msg("to both")
	logger.Debug().Msg("filtered")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to both")
	assert.NotContains(t, string(data), "filtered")
	assert.Contains(t, buf.String(), "to both")
}
