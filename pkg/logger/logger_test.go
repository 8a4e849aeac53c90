/*
Copyright 2020 The Flux authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerWithEncoding(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
	}
	for level, want := range tests {
		logger, err := NewLoggerWithEncoding(level, "console")
		require.NoError(t, err)
		assert.True(t, logger.Desugar().Core().Enabled(want), level)
		if want > zapcore.DebugLevel {
			assert.False(t, logger.Desugar().Core().Enabled(want-1), level)
		}
	}

	_, err := NewLoggerWithEncoding("info", "xml")
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("info")
	require.NoError(t, err)
	RedirectKlog(logger)
}
