// Package playback owns the single reusable player of a reel session and
// decides when to load, resume, pause or stop media.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/genricoloni/reeld/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultDedupWindow = 700 * time.Millisecond
	DefaultEndGuard    = 1500 * time.Millisecond
)

// ErrClosed is returned by calls made after Close
var ErrClosed = errors.New("playback controller closed")

// Option configures a Controller
type Option func(*Controller)

// WithClock replaces the clock used for duplicate suppression
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithDedupWindow sets the window in which identical requests are dropped
func WithDedupWindow(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithEndGuard sets how close to the end a saved position restarts from zero
func WithEndGuard(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.endGuard = d
		}
	}
}

// WithDiagnostics reports suppressed requests, switches and player errors to d
func WithDiagnostics(d domain.PlaybackDiagnostics) Option {
	return func(c *Controller) {
		if d != nil {
			c.diag = d
		}
	}
}

type command struct {
	ctx  context.Context
	fn   func(ctx context.Context)
	done chan struct{}
}

// Controller is an actor: one goroutine owns the player and the session
// state, and every public method is a message applied on that goroutine.
type Controller struct {
	logger   *zap.Logger
	player   domain.Player
	prefetch domain.Prefetcher
	diag     domain.PlaybackDiagnostics
	now      func() time.Time
	window   time.Duration
	endGuard time.Duration

	cmds      chan command
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	// Owned by the actor goroutine
	state     domain.Snapshot
	source    string
	framed    bool // the player delivered a frame for source
	failed    bool // source failed to load; the player holds nothing playable
	positions map[string]time.Duration
	durations map[string]time.Duration
	lastKey   domain.RequestKey
	lastAt    time.Time

	mu       sync.Mutex
	current  domain.Snapshot
	watchers map[int]chan domain.Snapshot
	nextID   int
}

// NewController creates a session controller for player. prefetch may be nil.
func NewController(logger *zap.Logger, player domain.Player, prefetch domain.Prefetcher, opts ...Option) *Controller {
	c := &Controller{
		logger:    logger,
		player:    player,
		prefetch:  prefetch,
		diag:      nopDiagnostics{},
		now:       time.Now,
		window:    DefaultDedupWindow,
		endGuard:  DefaultEndGuard,
		cmds:      make(chan command),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		state:     domain.Snapshot{Phase: domain.PhaseIdle},
		positions: make(map[string]time.Duration),
		durations: make(map[string]time.Duration),
		watchers:  make(map[int]chan domain.Snapshot),
	}
	c.current = c.state
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the actor goroutine. It returns immediately.
func (c *Controller) Start(context.Context) error {
	c.startOnce.Do(func() {
		c.logger.Info("Playback controller starting")
		go c.run(c.player.Events())
	})
	return nil
}

// Close stops the actor. The player is left as it is.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		// Never started: nothing to wait for
		c.startOnce.Do(func() { close(c.done) })
		<-c.done
		c.logger.Info("Playback controller stopped")
	})
	return nil
}

// Snapshot returns the latest observable state
func (c *Controller) Snapshot() domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Watch returns a channel that always holds the latest state. Intermediate
// states may be skipped by slow readers. Call the returned func to stop watching.
func (c *Controller) Watch() (<-chan domain.Snapshot, func()) {
	ch := make(chan domain.Snapshot, 1)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = ch
	ch <- c.current
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// RequestPlay makes req's item frontmost. Player failures never surface here;
// they resolve to a paused, not-ready state.
func (c *Controller) RequestPlay(ctx context.Context, req domain.PlaybackRequest) error {
	return c.do(ctx, func(ctx context.Context) { c.requestPlay(ctx, req) })
}

// PauseActive saves the active item's position and pauses it
func (c *Controller) PauseActive(ctx context.Context) error {
	return c.do(ctx, c.pauseActive)
}

// OnPageSelectedPending hides the current frame and pauses while the pager
// moves to another page
func (c *Controller) OnPageSelectedPending(ctx context.Context) error {
	return c.do(ctx, c.pageSelectedPending)
}

// ToggleMute flips the muted flag. It survives item switches.
func (c *Controller) ToggleMute(ctx context.Context) error {
	return c.do(ctx, c.toggleMute)
}

// Stop releases itemID if it is still the active item
func (c *Controller) Stop(ctx context.Context, itemID string) error {
	return c.do(ctx, func(ctx context.Context) { c.stopItem(ctx, itemID) })
}

func (c *Controller) do(ctx context.Context, fn func(ctx context.Context)) error {
	cmd := command{ctx: ctx, fn: fn, done: make(chan struct{})}
	select {
	case c.cmds <- cmd:
	case <-c.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-cmd.done:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) run(events <-chan domain.PlayerEvent) {
	defer close(c.done)

	for {
		select {
		case <-c.stop:
			return

		case cmd := <-c.cmds:
			cmd.fn(cmd.ctx)
			c.publish()
			close(cmd.done)

		case ev, ok := <-events:
			if !ok {
				c.logger.Warn("Player events channel closed")
				events = nil
				continue
			}
			c.handleEvent(ev)
			c.publish()
		}
	}
}

func (c *Controller) requestPlay(ctx context.Context, req domain.PlaybackRequest) {
	if req.ItemID == "" || req.URL == "" {
		c.logger.Warn("Ignoring play request without item or url",
			zap.String("item", req.ItemID), zap.String("url", req.URL))
		return
	}

	now := c.now()
	key := req.Key()
	if ShouldSuppress(c.lastKey, c.lastAt, key, now, c.window) {
		c.logger.Debug("Duplicate play request suppressed",
			zap.String("item", req.ItemID),
			zap.Bool("autoplay", req.Autoplay),
			zap.Duration("since", now.Sub(c.lastAt)))
		c.diag.RequestSuppressed()
		return
	}
	c.lastKey, c.lastAt = key, now

	// The player's own report wins; the feed's figure covers items left
	// before the player knew their length
	if _, known := c.durations[req.ItemID]; !known && req.Duration > 0 {
		c.durations[req.ItemID] = req.Duration
	}

	if req.ItemID == c.state.ActiveItemID && req.URL == c.source && !c.failed {
		c.resume(ctx, req)
	} else {
		c.switchTo(ctx, req)
	}

	if c.prefetch != nil {
		c.prefetch.SetNeighbors(req.Neighbors.Next, req.Neighbors.Previous)
	}
}

// resume toggles play state of the media already loaded
func (c *Controller) resume(ctx context.Context, req domain.PlaybackRequest) {
	if !req.Autoplay {
		if err := c.player.Pause(ctx); err != nil {
			c.logger.Warn("Pause failed", zap.String("item", req.ItemID), zap.Error(err))
			return
		}
		c.state.Phase = domain.PhasePaused
		return
	}

	if c.state.Phase == domain.PhaseEnded {
		if err := c.player.SeekTo(ctx, 0); err != nil {
			c.logger.Warn("Rewind failed", zap.String("item", req.ItemID), zap.Error(err))
		}
	}
	if err := c.player.Play(ctx); err != nil {
		c.logger.Warn("Play failed", zap.String("item", req.ItemID), zap.Error(err))
		return
	}
	if c.framed {
		c.state.FirstFrame = domain.FrameState{ItemID: req.ItemID, Rendered: true}
		c.state.Phase = domain.PhasePlaying
	} else {
		c.state.Phase = domain.PhaseLoading
	}
}

// switchTo replaces the loaded media with req's source
func (c *Controller) switchTo(ctx context.Context, req domain.PlaybackRequest) {
	c.savePosition(ctx)

	c.state.ActiveItemID = req.ItemID
	c.source = req.URL
	c.framed = false
	c.failed = false
	c.state.FirstFrame = domain.FrameState{ItemID: req.ItemID}
	c.state.Buffering = true
	c.state.Phase = domain.PhaseLoading
	// Observers drop the old frame before the player is touched
	c.publish()
	c.diag.ItemSwitched()

	c.logger.Debug("Switching item",
		zap.String("item", req.ItemID),
		zap.String("url", req.URL),
		zap.Bool("autoplay", req.Autoplay))

	if err := c.player.Load(ctx, req.URL); err != nil {
		c.fail(0, err)
		return
	}
	if err := c.player.SetVolume(ctx, c.volume()); err != nil {
		c.logger.Warn("Failed to apply volume", zap.Error(err))
	}

	if pos, ok := c.positions[req.ItemID]; ok && pos > 0 {
		target := pos
		if d, known := c.durations[req.ItemID]; known && d-pos <= c.endGuard {
			target = 0
		}
		if err := c.player.SeekTo(ctx, target); err != nil {
			c.logger.Warn("Failed to restore position",
				zap.String("item", req.ItemID), zap.Duration("position", target), zap.Error(err))
		}
	}

	if req.Autoplay {
		if err := c.player.Play(ctx); err != nil {
			c.logger.Warn("Play failed", zap.String("item", req.ItemID), zap.Error(err))
		}
		return
	}
	if err := c.player.Pause(ctx); err != nil {
		c.logger.Warn("Pause failed", zap.String("item", req.ItemID), zap.Error(err))
	}
	c.state.Phase = domain.PhasePaused
}

func (c *Controller) pauseActive(ctx context.Context) {
	if c.state.ActiveItemID == "" {
		return
	}
	c.savePosition(ctx)
	if err := c.player.Pause(ctx); err != nil {
		c.logger.Warn("Pause failed", zap.String("item", c.state.ActiveItemID), zap.Error(err))
		return
	}
	c.state.Phase = domain.PhasePaused
}

func (c *Controller) pageSelectedPending(ctx context.Context) {
	c.state.FirstFrame.Rendered = false
	c.publish()

	if c.state.ActiveItemID == "" {
		return
	}
	if err := c.player.Pause(ctx); err != nil {
		c.logger.Warn("Pause failed", zap.String("item", c.state.ActiveItemID), zap.Error(err))
	}
	c.state.Phase = domain.PhasePaused
	// Settling back on the same page must not look like a duplicate
	c.lastAt = time.Time{}
}

func (c *Controller) toggleMute(ctx context.Context) {
	c.state.Muted = !c.state.Muted
	if err := c.player.SetVolume(ctx, c.volume()); err != nil {
		c.logger.Warn("Failed to apply volume", zap.Bool("muted", c.state.Muted), zap.Error(err))
	}
}

func (c *Controller) stopItem(ctx context.Context, itemID string) {
	if itemID == "" || itemID != c.state.ActiveItemID {
		return
	}
	c.savePosition(ctx)
	if err := c.player.Pause(ctx); err != nil {
		c.logger.Warn("Pause failed", zap.String("item", itemID), zap.Error(err))
	}

	c.state.ActiveItemID = ""
	c.source = ""
	c.framed = false
	c.failed = false
	c.state.FirstFrame = domain.FrameState{}
	c.state.Buffering = false
	c.state.Phase = domain.PhaseIdle
	// A stopped item may be requested again right away
	c.lastAt = time.Time{}
}

func (c *Controller) handleEvent(ev domain.PlayerEvent) {
	if c.source == "" || (ev.SourceURL != "" && ev.SourceURL != c.source) {
		c.logger.Debug("Dropping event for stale source",
			zap.Stringer("event", ev.Kind), zap.String("source", ev.SourceURL))
		return
	}
	active := c.state.ActiveItemID

	switch ev.Kind {
	case domain.EventFirstFrame:
		if ev.SourceURL != c.source {
			return
		}
		c.framed = true
		c.state.FirstFrame = domain.FrameState{ItemID: active, Rendered: true}
		c.state.Buffering = false
		if c.state.Phase == domain.PhaseLoading {
			c.state.Phase = domain.PhasePlaying
		}

	case domain.EventBuffering:
		c.state.Buffering = ev.Buffering

	case domain.EventDuration:
		if ev.Duration > 0 {
			c.durations[active] = ev.Duration
		}

	case domain.EventEnded:
		c.state.Buffering = false
		c.state.Phase = domain.PhaseEnded
		if d, ok := c.durations[active]; ok {
			c.positions[active] = d
		}

	case domain.EventError:
		c.fail(ev.Code, ev.Err)
	}
}

// fail resolves a player error to a paused, not-ready state. The next
// request for the item reloads it.
func (c *Controller) fail(code int, err error) {
	c.logger.Error("Playback failed",
		zap.String("item", c.state.ActiveItemID),
		zap.String("url", c.source),
		zap.Int("code", code),
		zap.Error(err))
	c.diag.PlayerError(code)

	c.framed = false
	c.failed = true
	c.state.Buffering = false
	c.state.FirstFrame.Rendered = false
	c.state.Phase = domain.PhasePaused
}

// savePosition records where the active item was left
func (c *Controller) savePosition(ctx context.Context) {
	id := c.state.ActiveItemID
	if id == "" || c.source == "" || c.failed {
		return
	}
	if pos, err := c.player.Position(ctx); err == nil {
		c.positions[id] = pos
	} else {
		c.logger.Debug("Position unavailable", zap.String("item", id), zap.Error(err))
	}
	if d, err := c.player.Duration(ctx); err == nil && d > 0 {
		c.durations[id] = d
	}
}

func (c *Controller) volume() float64 {
	if c.state.Muted {
		return 0
	}
	return 1
}

// publish hands the state to observers when it changed
func (c *Controller) publish() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == c.current {
		return
	}
	c.current = c.state
	for _, ch := range c.watchers {
		select {
		case ch <- c.current:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- c.current
		}
	}
}

type nopDiagnostics struct{}

func (nopDiagnostics) RequestSuppressed() {}
func (nopDiagnostics) ItemSwitched()      {}
func (nopDiagnostics) PlayerError(int)    {}
