package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/genricoloni/reeld/internal/config"
	"github.com/genricoloni/reeld/internal/domain"
	"github.com/genricoloni/reeld/internal/engine"
	"github.com/genricoloni/reeld/internal/feed"
	"github.com/genricoloni/reeld/internal/fetcher"
	"github.com/genricoloni/reeld/internal/logging"
	"github.com/genricoloni/reeld/internal/metrics"
	"github.com/genricoloni/reeld/internal/mpris"
	"github.com/genricoloni/reeld/internal/playback"
	"github.com/genricoloni/reeld/internal/player"
	"github.com/genricoloni/reeld/internal/prefetch"
	"github.com/genricoloni/reeld/internal/proxy"
	"github.com/genricoloni/reeld/internal/rangecache"
	"github.com/genricoloni/reeld/internal/screen"
	"github.com/genricoloni/reeld/internal/thumbnail"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// AppOptions is the full daemon graph. Hooks are appended in construction
// order, so the proxy is listening before mpv starts and the pager starts last.
var AppOptions = fx.Options(
	fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: log}
	}),

	fx.Provide(
		newLogger,
		fx.Annotate(config.NewAppConfig, fx.As(new(domain.Config))),
		metrics.NewDiagnostics,
		fetcher.NewHTTPFetcher,
		newDataSource,
		newPrefetcher,
		newProxy,
		newPlayer,
		newPlayback,
		newFeed,
		screen.NewResolution,
		fx.Annotate(thumbnail.NewPosterGenerator, fx.As(new(domain.PosterGenerator))),
		newEngine,
		newPublisher,
	),

	fx.Invoke(registerHooks),
)

func main() {
	app := fx.New(AppOptions)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		panic(err)
	}

	<-ctx.Done()

	if err := app.Stop(context.Background()); err != nil {
		panic(err)
	}
}

// newLogger creates the daemon logger from the environment
func newLogger() (*zap.Logger, error) {
	return logging.New()
}

// newDataSource opens the media cache. When the cache directory cannot be
// used the daemon keeps playing straight from the network.
func newDataSource(lc fx.Lifecycle, logger *zap.Logger, cfg domain.Config, fetch *fetcher.HTTPFetcher, diag *metrics.Diagnostics) (*rangecache.DataSource, error) {
	cache, err := rangecache.Open(logger, cfg.GetCacheDir(), cfg.GetCacheCapacity(), rangecache.WithDiagnostics(diag))
	if errors.Is(err, rangecache.ErrStorageUnavailable) {
		logger.Warn("Media cache unavailable, streaming without it", zap.Error(err))
		return rangecache.NewPassthrough(logger, fetch), nil
	}
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return cache.Close()
		},
	})
	return cache.DataSourceFactory(fetch), nil
}

func newPrefetcher(lc fx.Lifecycle, logger *zap.Logger, cfg domain.Config, source *rangecache.DataSource, diag *metrics.Diagnostics) *prefetch.Controller {
	c := prefetch.NewController(logger, source,
		prefetch.WithBudget(cfg.GetPrefetchBudget()),
		prefetch.WithDebounce(cfg.GetPrefetchDebounce()),
		prefetch.WithDiagnostics(diag),
	)
	lc.Append(fx.Hook{OnStart: c.Start, OnStop: c.Stop})
	return c
}

func newProxy(lc fx.Lifecycle, logger *zap.Logger, cfg domain.Config, source *rangecache.DataSource, diag *metrics.Diagnostics) *proxy.Server {
	s := proxy.NewServer(logger, cfg.GetProxyAddr(), source, diag.Gatherer())
	lc.Append(fx.Hook{OnStart: s.Start, OnStop: s.Stop})
	return s
}

// newPlayer routes every load through the local proxy so reads hit the cache
// and upstream HTTP failures can be reported with their status
func newPlayer(lc fx.Lifecycle, logger *zap.Logger, cfg domain.Config, srv *proxy.Server) *player.MPV {
	m := player.NewMPV(logger, cfg.GetPlayerBinary(),
		player.WithURLRewriter(srv.MediaURL),
		player.WithStatusLookup(srv.LastStatus),
	)
	lc.Append(fx.Hook{
		OnStart: m.Start,
		OnStop: func(context.Context) error {
			return m.Close()
		},
	})
	return m
}

func newPlayback(lc fx.Lifecycle, logger *zap.Logger, cfg domain.Config, p *player.MPV, pf *prefetch.Controller, diag *metrics.Diagnostics) *playback.Controller {
	c := playback.NewController(logger, p, pf,
		playback.WithDedupWindow(cfg.GetDedupWindow()),
		playback.WithEndGuard(cfg.GetEndGuard()),
		playback.WithDiagnostics(diag),
	)
	lc.Append(fx.Hook{
		OnStart: c.Start,
		OnStop: func(context.Context) error {
			return c.Close()
		},
	})
	return c
}

func newFeed(logger *zap.Logger, cfg domain.Config) *feed.Source {
	return feed.NewSource(logger, cfg.GetFeedPath(), feed.DefaultPageSize)
}

func newEngine(
	lc fx.Lifecycle,
	logger *zap.Logger,
	source *feed.Source,
	session *playback.Controller,
	fetch *fetcher.HTTPFetcher,
	posters domain.PosterGenerator,
) *engine.Engine {
	e := engine.NewEngine(logger, source, session, fetch, posters)
	lc.Append(fx.Hook{OnStart: e.Start, OnStop: e.Shutdown})
	return e
}

func newPublisher(lc fx.Lifecycle, logger *zap.Logger, session *playback.Controller, e *engine.Engine) *mpris.Publisher {
	p := mpris.NewPublisher(logger, session, e, e)
	lc.Append(fx.Hook{OnStart: p.Start, OnStop: p.Stop})
	return p
}

// registerHooks pulls the whole graph in and logs the daemon lifecycle
func registerHooks(lc fx.Lifecycle, logger *zap.Logger, _ *mpris.Publisher) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("reeld started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down")
			// Syncing a console core fails on terminals; nothing to report
			_ = logger.Sync()
			return nil
		},
	})
}
