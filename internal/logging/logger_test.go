package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zapcore.Level
	}{
		{input: "", expected: zapcore.InfoLevel},
		{input: "debug", expected: zapcore.DebugLevel},
		{input: " DEBUG ", expected: zapcore.DebugLevel},
		{input: "warning", expected: zapcore.WarnLevel},
		{input: "warn", expected: zapcore.WarnLevel},
		{input: "error", expected: zapcore.ErrorLevel},
		{input: "verbose", expected: zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.input))
		})
	}
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		withFile  bool
		debugOn   bool
		fileLines int
	}{
		{name: "Console Only", level: "info"},
		{name: "Console Only Debug", level: "debug", debugOn: true},
		{name: "Rotated File", level: "info", withFile: true, fileLines: 1},
		{name: "Rotated File Debug", level: "debug", withFile: true, debugOn: true, fileLines: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := ""
			if tt.withFile {
				file = filepath.Join(t.TempDir(), "logs", "reeld.log")
			}

			logger, err := Build(tt.level, file)
			require.NoError(t, err)
			assert.Equal(t, tt.debugOn, logger.Core().Enabled(zapcore.DebugLevel))

			logger.Debug("Cache lookup", zap.String("url", "https://cdn.example/r1.mp4"))
			logger.Info("Item switched", zap.String("item", "r1"))
			_ = logger.Sync()

			if !tt.withFile {
				return
			}
			raw, err := os.ReadFile(file)
			require.NoError(t, err)
			lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
			require.Len(t, lines, tt.fileLines)

			var last map[string]any
			require.NoError(t, jsoniter.Unmarshal(lines[len(lines)-1], &last))
			assert.Equal(t, "Item switched", last["msg"])
			assert.Equal(t, "r1", last["item"])
			assert.Equal(t, "info", last["level"])
		})
	}
}
