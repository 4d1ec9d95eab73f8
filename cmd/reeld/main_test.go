package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/genricoloni/reeld/internal/domain"
	"github.com/genricoloni/reeld/internal/fetcher"
	"github.com/genricoloni/reeld/internal/metrics"
	"github.com/genricoloni/reeld/internal/player"
	"github.com/genricoloni/reeld/internal/prefetch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

var (
	_ domain.Player     = (*player.MPV)(nil)
	_ domain.Prefetcher = (*prefetch.Controller)(nil)
)

// TestAppGraphValidity verifies that the dependency graph is resolvable.
// This test will fail if you forget an fx.Provide for a required interface.
func TestAppGraphValidity(t *testing.T) {
	err := fx.ValidateApp(AppOptions)
	if err != nil {
		t.Errorf("Dependency graph is not valid: %v", err)
	}
}

// TestNewLogger specifically verifies the logger configuration
func TestNewLogger(t *testing.T) {
	t.Setenv("REELD_LOG_LEVEL", "debug")
	t.Setenv("REELD_LOG_FILE", filepath.Join(t.TempDir(), "reeld.log"))

	logger, err := newLogger()
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("Test logger initialization")
}

type cacheConfig struct {
	domain.Config
	dir string
}

func (c cacheConfig) GetCacheDir() string     { return c.dir }
func (c cacheConfig) GetCacheCapacity() int64 { return 1 << 20 }

func TestNewDataSource(t *testing.T) {
	logger := zap.NewNop()
	fetch := fetcher.NewHTTPFetcher(logger)

	// A regular file where the cache directory should be
	blocked := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))

	tests := []struct {
		name   string
		dir    string
		cached bool
	}{
		{name: "Usable Directory", dir: filepath.Join(t.TempDir(), "media"), cached: true},
		{name: "Unusable Directory Streams Directly", dir: filepath.Join(blocked, "media"), cached: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lc := fxtest.NewLifecycle(t)
			source, err := newDataSource(lc, logger, cacheConfig{dir: tt.dir}, fetch, metrics.NewDiagnostics())
			require.NoError(t, err)
			assert.Equal(t, tt.cached, source.Cached())

			lc.RequireStart()
			lc.RequireStop()
		})
	}
}
