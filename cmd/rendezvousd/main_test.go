// Copyright (c) Rendezvous Authors.
// Licensed under the MIT License.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/rendezvous/config"
)

func TestInitLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := initLogger(config.LogConfig{Level: tt.level, Format: "json"})
			require.NotNil(t, logger)
			assert.True(t, logger.Core().Enabled(tt.want))
			if tt.want != zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.want-1))
			}
		})
	}
}

func TestInitLogger_BadSinkFallsBack(t *testing.T) {
	logger := initLogger(config.LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"bogus-scheme://nowhere"},
	})
	// The fallback production logger still logs.
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}
