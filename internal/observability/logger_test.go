package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/trainjobs/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw     string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{" error ", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseLevel(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLogger_Profiles(t *testing.T) {
	for _, profile := range []string{"", "structured", "console", "STRUCTURED"} {
		logger, err := NewLogger(config.LoggingConfig{Level: "info", Profile: profile}, "trainjobs")
		require.NoError(t, err, profile)
		assert.NotNil(t, logger)
	}

	_, err := NewLogger(config.LoggingConfig{Profile: "xml"}, "trainjobs")
	assert.Error(t, err)
}

func TestNewLogger_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "trainjobs.log")
	logger, err := NewLogger(config.LoggingConfig{
		Level:      "debug",
		File:       path,
		MaxSizeMB:  1,
		MaxBackups: 1,
	}, "trainjobs")
	require.NoError(t, err)

	logger.Info("hello file sink")
	_ = logger.Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello file sink")
	assert.Contains(t, string(b), `"service":"trainjobs"`)
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	assert.NotPanics(t, func() {
		InitCLILogger("test", false)
		CLILogger.Info("quiet")
		InitCLILogger("test", true)
		CLILogger.Debug("verbose")
	})
}
