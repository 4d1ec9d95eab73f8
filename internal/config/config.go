package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	defaultCacheDir         = "~/.cache/reeld/media"
	defaultOutputDir        = "/tmp/reeld"
	defaultCacheCapacity    = 250 * 1024 * 1024
	defaultPrefetchBudget   = 3 * 1024 * 1024
	defaultPrefetchDebounce = 100 * time.Millisecond
	defaultDedupWindow      = 700 * time.Millisecond
	defaultEndGuard         = 1500 * time.Millisecond
	defaultFeedPath         = "feed.json"
	defaultProxyAddr        = "127.0.0.1:7878"
	defaultPlayerBinary     = "mpv"
)

// AppConfig holds application configuration
type AppConfig struct {
	logger           *zap.Logger
	cacheDir         string
	outputDir        string
	cacheCapacity    int64
	prefetchBudget   int64
	prefetchDebounce time.Duration
	dedupWindow      time.Duration
	endGuard         time.Duration
	feedPath         string
	proxyAddr        string
	playerBinary     string
}

// NewAppConfig creates a new application configuration instance
func NewAppConfig(logger *zap.Logger) *AppConfig {
	cfg := &AppConfig{
		logger:           logger,
		cacheDir:         expandPath(envString("REELD_CACHE_DIR", defaultCacheDir)),
		outputDir:        expandPath(envString("REELD_OUTPUT_DIR", defaultOutputDir)),
		cacheCapacity:    envBytes(logger, "REELD_CACHE_CAPACITY", defaultCacheCapacity),
		prefetchBudget:   envBytes(logger, "REELD_PREFETCH_BUDGET", defaultPrefetchBudget),
		prefetchDebounce: envDuration(logger, "REELD_PREFETCH_DEBOUNCE", defaultPrefetchDebounce),
		dedupWindow:      envDuration(logger, "REELD_DEDUP_WINDOW", defaultDedupWindow),
		endGuard:         envDuration(logger, "REELD_END_GUARD", defaultEndGuard),
		feedPath:         expandPath(envString("REELD_FEED", defaultFeedPath)),
		proxyAddr:        envString("REELD_PROXY_ADDR", defaultProxyAddr),
		playerBinary:     envString("REELD_PLAYER", defaultPlayerBinary),
	}

	logger.Info("Configuration loaded",
		zap.String("cacheDir", cfg.cacheDir),
		zap.Int64("cacheCapacity", cfg.cacheCapacity),
		zap.Int64("prefetchBudget", cfg.prefetchBudget),
		zap.String("feed", cfg.feedPath),
		zap.String("proxy", cfg.proxyAddr))

	return cfg
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBytes(logger *zap.Logger, key string, fallback int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		logger.Warn("Ignoring invalid size", zap.String("key", key), zap.String("value", raw))
		return fallback
	}
	return n
}

func envDuration(logger *zap.Logger, key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		logger.Warn("Ignoring invalid duration", zap.String("key", key), zap.String("value", raw))
		return fallback
	}
	return d
}

// expandPath expands environment variables and a leading ~
func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if len(p) > 0 && p[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			p = filepath.Join(home, p[1:])
		}
	}
	return p
}

// GetCacheDir returns the directory backing the byte-range cache
func (c *AppConfig) GetCacheDir() string {
	return c.cacheDir
}

// GetCacheCapacity returns the cache capacity in bytes
func (c *AppConfig) GetCacheCapacity() int64 {
	return c.cacheCapacity
}

// GetPrefetchBudget returns the number of bytes warmed per neighbor
func (c *AppConfig) GetPrefetchBudget() int64 {
	return c.prefetchBudget
}

func (c *AppConfig) GetPrefetchDebounce() time.Duration {
	return c.prefetchDebounce
}

func (c *AppConfig) GetDedupWindow() time.Duration {
	return c.dedupWindow
}

func (c *AppConfig) GetEndGuard() time.Duration {
	return c.endGuard
}

// GetFeedPath returns the path of the feed document
func (c *AppConfig) GetFeedPath() string {
	return c.feedPath
}

// GetProxyAddr returns the listen address of the local media proxy
func (c *AppConfig) GetProxyAddr() string {
	return c.proxyAddr
}

// GetPlayerBinary returns the mpv executable
func (c *AppConfig) GetPlayerBinary() string {
	return c.playerBinary
}

// GetOutputDir returns the directory for generated posters
func (c *AppConfig) GetOutputDir() string {
	return c.outputDir
}
