// Package prefetch warms the media cache with the leading bytes of the items
// adjacent to the one being played.
package prefetch

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/genricoloni/reeld/internal/domain"
	"github.com/genricoloni/reeld/internal/rangecache"
	"go.uber.org/zap"
)

const (
	// SlotNext holds the item after the active one
	SlotNext = "next"
	// SlotPrevious holds the item before the active one
	SlotPrevious = "previous"

	DefaultBudget       = 3 * 1024 * 1024
	DefaultDebounce     = 100 * time.Millisecond
	DefaultFailureLimit = 3
)

// Skip reasons reported to diagnostics
const (
	SkipCached       = "cached"
	SkipFailureLimit = "failure-limit"
)

// Option configures a Controller
type Option func(*Controller)

// WithBudget bounds the number of bytes fetched per neighbor
func WithBudget(n int64) Option {
	return func(c *Controller) {
		if n > 0 {
			c.budget = n
		}
	}
}

// WithDebounce sets the quiet period before a neighbor set is acted on
func WithDebounce(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithFailureLimit sets how many failures make a URL skipped for the session
func WithFailureLimit(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.failureLimit = n
		}
	}
}

// WithDiagnostics reports prefetch outcomes to d
func WithDiagnostics(d domain.PrefetchDiagnostics) Option {
	return func(c *Controller) {
		if d != nil {
			c.diag = d
		}
	}
}

// handle tracks one in-flight prefetch for a slot
type handle struct {
	url    string
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Controller keeps at most one background fetch per neighbor slot.
// SetNeighbors is safe to call from any goroutine; nothing happens until Start.
type Controller struct {
	logger       *zap.Logger
	source       *rangecache.DataSource
	diag         domain.PrefetchDiagnostics
	budget       int64
	debounce     time.Duration
	failureLimit int

	mu       sync.Mutex
	pending  *domain.Neighbors
	failures map[string]int

	kick   chan struct{}
	slots  map[string]*handle
	cancel context.CancelFunc
	loop   chan struct{}
}

// NewController creates a prefetch controller reading through source
func NewController(logger *zap.Logger, source *rangecache.DataSource, opts ...Option) *Controller {
	c := &Controller{
		logger:       logger,
		source:       source,
		diag:         nopDiagnostics{},
		budget:       DefaultBudget,
		debounce:     DefaultDebounce,
		failureLimit: DefaultFailureLimit,
		failures:     make(map[string]int),
		kick:         make(chan struct{}, 1),
		slots:        make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether prefetching can have any effect. Without a cache
// the fetched bytes would be thrown away.
func (c *Controller) Enabled() bool {
	return c.source != nil && c.source.Cached()
}

// SetNeighbors replaces the neighbor set. Bursts of calls are coalesced and
// only the last set is acted on once the debounce period passes quietly.
func (c *Controller) SetNeighbors(next, previous string) {
	c.mu.Lock()
	c.pending = &domain.Neighbors{Next: next, Previous: previous}
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Start launches the debounce loop. It returns immediately.
func (c *Controller) Start(context.Context) error {
	if !c.Enabled() {
		c.logger.Warn("Prefetch disabled: media cache unavailable")
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.loop = make(chan struct{})

	c.logger.Info("Prefetch controller starting",
		zap.Int64("budget", c.budget),
		zap.Duration("debounce", c.debounce))
	go c.runLoop(ctx)
	return nil
}

// Stop ends the loop and cancels every slot, waiting for workers to exit
func (c *Controller) Stop(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	select {
	case <-c.loop:
	case <-ctx.Done():
		return ctx.Err()
	}

	for slot, h := range c.slots {
		h.cancel()
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		delete(c.slots, slot)
	}
	c.logger.Info("Prefetch controller stopped")
	return nil
}

func (c *Controller) runLoop(ctx context.Context) {
	defer close(c.loop)

	timer := time.NewTimer(c.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case <-c.kick:
			timer.Reset(c.debounce)

		case <-timer.C:
			c.mu.Lock()
			n := c.pending
			c.pending = nil
			c.mu.Unlock()
			if n != nil {
				c.activate(ctx, *n)
			}
		}
	}
}

// activate brings the slots in line with n. Every replaced handle is
// cancelled and awaited before any new fetch starts, so two workers never
// write the same resource at once.
func (c *Controller) activate(ctx context.Context, n domain.Neighbors) {
	wanted := map[string]string{SlotNext: n.Next, SlotPrevious: n.Previous}
	if n.Previous == n.Next {
		wanted[SlotPrevious] = ""
	}

	for _, slot := range []string{SlotNext, SlotPrevious} {
		h, ok := c.slots[slot]
		if !ok {
			continue
		}
		if h.url == wanted[slot] && !h.finished() {
			continue
		}
		if !h.finished() {
			h.cancel()
			<-h.done
		}
		delete(c.slots, slot)
	}

	for _, slot := range []string{SlotNext, SlotPrevious} {
		url := wanted[slot]
		if url == "" {
			continue
		}
		if _, running := c.slots[slot]; running {
			continue
		}
		if c.failureCount(url) >= c.failureLimit {
			c.logger.Debug("Prefetch skipped after repeated failures",
				zap.String("slot", slot), zap.String("url", url))
			c.diag.PrefetchSkipped(slot, url, SkipFailureLimit)
			continue
		}
		if c.source.Cache().Contains(url, 0, c.budget) {
			c.diag.PrefetchSkipped(slot, url, SkipCached)
			continue
		}

		wctx, cancel := context.WithCancel(ctx)
		h := &handle{url: url, cancel: cancel, done: make(chan struct{})}
		c.slots[slot] = h
		go c.fetch(wctx, slot, h)
	}
}

// fetch reads [0, budget) of the slot's URL through the cache and discards it
func (c *Controller) fetch(ctx context.Context, slot string, h *handle) {
	defer close(h.done)
	defer h.cancel()

	c.diag.PrefetchStarted(slot, h.url)
	c.logger.Debug("Prefetch started", zap.String("slot", slot), zap.String("url", h.url))

	var n int64
	r, err := c.source.Open(ctx, h.url, 0, c.budget)
	if err == nil {
		n, err = io.Copy(io.Discard, r)
		_ = r.Close()
	}

	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		c.logger.Debug("Prefetch cancelled",
			zap.String("slot", slot), zap.String("url", h.url), zap.Int64("bytes", n))
		c.diag.PrefetchCancelled(slot, h.url)

	case err != nil:
		failures := c.recordFailure(h.url)
		c.logger.Warn("Prefetch failed",
			zap.String("slot", slot),
			zap.String("url", h.url),
			zap.Int("failures", failures),
			zap.Error(err))
		c.diag.PrefetchFailed(slot, h.url, failures, err)

	default:
		c.logger.Debug("Prefetch completed",
			zap.String("slot", slot), zap.String("url", h.url), zap.Int64("bytes", n))
		c.diag.PrefetchCompleted(slot, h.url, n)
	}
}

func (c *Controller) failureCount(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[url]
}

func (c *Controller) recordFailure(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[url]++
	return c.failures[url]
}

type nopDiagnostics struct{}

func (nopDiagnostics) PrefetchStarted(string, string)            {}
func (nopDiagnostics) PrefetchCompleted(string, string, int64)   {}
func (nopDiagnostics) PrefetchFailed(string, string, int, error) {}
func (nopDiagnostics) PrefetchSkipped(string, string, string)    {}
func (nopDiagnostics) PrefetchCancelled(string, string)          {}
