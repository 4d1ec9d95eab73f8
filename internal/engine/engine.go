package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/genricoloni/reeld/internal/domain"
	"go.uber.org/zap"
)

// DefaultPosterDelay is how long an item may stay without a rendered frame
// before its poster is generated
const DefaultPosterDelay = 400 * time.Millisecond

var (
	// ErrEndOfFeed is returned when moving past the last item
	ErrEndOfFeed = errors.New("end of feed")
	// ErrStartOfFeed is returned when moving before the first item
	ErrStartOfFeed = errors.New("start of feed")
	// ErrEmptyFeed is returned when the feed has no items to play
	ErrEmptyFeed = errors.New("feed is empty")
)

// Session is the playback controller surface the pager drives
type Session interface {
	RequestPlay(ctx context.Context, req domain.PlaybackRequest) error
	PauseActive(ctx context.Context) error
	OnPageSelectedPending(ctx context.Context) error
	Stop(ctx context.Context, itemID string) error
	Snapshot() domain.Snapshot
	Watch() (<-chan domain.Snapshot, func())
}

// Option configures an Engine
type Option func(*Engine)

// WithPosterDelay sets how long a missing frame is tolerated before a poster
// is generated
func WithPosterDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.posterDelay = d
	}
}

// Engine is the pager. It keeps the position in the feed, turns navigation
// into page-selected and play requests, advances when an item ends and
// generates posters for items that show no frame.
type Engine struct {
	logger      *zap.Logger
	source      domain.ItemSource
	session     Session
	fetcher     domain.Fetcher
	posters     domain.PosterGenerator
	posterDelay time.Duration

	// nav serializes navigation so requests reach the session in order
	nav sync.Mutex

	mu        sync.Mutex
	items     []domain.MediaItem
	byID      map[string]int
	cursor    string
	exhausted bool
	index     int
	art       map[string]string
	rendering map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a new pager
func NewEngine(
	logger *zap.Logger,
	source domain.ItemSource,
	session Session,
	fetch domain.Fetcher,
	posters domain.PosterGenerator,
	opts ...Option,
) *Engine {
	e := &Engine{
		logger:      logger,
		source:      source,
		session:     session,
		fetcher:     fetch,
		posters:     posters,
		posterDelay: DefaultPosterDelay,
		byID:        make(map[string]int),
		index:       -1,
		art:         make(map[string]string),
		rendering:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins watching the session and plays the first item of the feed.
// It returns immediately (non-blocking).
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("Engine starting...")

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	updates, unwatch := e.session.Watch()
	e.wg.Add(1)
	go e.runLoop(loopCtx, updates, unwatch)

	if err := e.Next(ctx); err != nil {
		// The daemon stays up; media keys retry loading the feed
		e.logger.Warn("Nothing to play yet", zap.Error(err))
	}
	return nil
}

// Shutdown ends the watch loop and waits for poster work to finish
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info("Engine stopping...")
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next selects and plays the following item, loading the next page on demand
func (e *Engine) Next(ctx context.Context) error {
	e.nav.Lock()
	defer e.nav.Unlock()

	target := e.currentIndex() + 1
	if err := e.ensure(ctx, target); err != nil {
		return err
	}
	if !e.has(target) {
		if target == 0 {
			return ErrEmptyFeed
		}
		return ErrEndOfFeed
	}
	return e.selectIndex(ctx, target)
}

// Previous selects and plays the preceding item
func (e *Engine) Previous(ctx context.Context) error {
	e.nav.Lock()
	defer e.nav.Unlock()

	target := e.currentIndex() - 1
	if target < 0 {
		return ErrStartOfFeed
	}
	return e.selectIndex(ctx, target)
}

// TogglePlay pauses a playing item and plays anything else
func (e *Engine) TogglePlay(ctx context.Context) error {
	switch e.session.Snapshot().Phase {
	case domain.PhasePlaying, domain.PhaseLoading:
		return e.Pause(ctx)
	default:
		return e.Play(ctx)
	}
}

// Play plays the current item, reloading it after a stop
func (e *Engine) Play(ctx context.Context) error {
	e.nav.Lock()
	defer e.nav.Unlock()

	i := e.currentIndex()
	if i < 0 {
		return ErrEmptyFeed
	}
	return e.session.RequestPlay(ctx, e.request(i))
}

// Pause pauses the active item
func (e *Engine) Pause(ctx context.Context) error {
	return e.session.PauseActive(ctx)
}

// Stop releases the current item from the player
func (e *Engine) Stop(ctx context.Context) error {
	item, ok := e.current()
	if !ok {
		return nil
	}
	return e.session.Stop(ctx, item.ID)
}

// Item returns an item the pager has loaded
func (e *Engine) Item(itemID string) (domain.MediaItem, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i, ok := e.byID[itemID]
	if !ok {
		return domain.MediaItem{}, false
	}
	return e.items[i], true
}

// Poster returns the generated poster of itemID, empty when none
func (e *Engine) Poster(itemID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.art[itemID]
}

func (e *Engine) selectIndex(ctx context.Context, i int) error {
	// Hide the outgoing frame before anything else is requested
	if err := e.session.OnPageSelectedPending(ctx); err != nil {
		return err
	}

	// Make sure the next neighbor is known before building the request
	if err := e.ensure(ctx, i+1); err != nil {
		e.logger.Warn("Failed to load next page for prefetch", zap.Error(err))
	}

	e.mu.Lock()
	e.index = i
	e.mu.Unlock()

	req := e.request(i)
	e.logger.Info("Page selected",
		zap.Int("index", i),
		zap.String("item", req.ItemID))
	return e.session.RequestPlay(ctx, req)
}

func (e *Engine) request(i int) domain.PlaybackRequest {
	e.mu.Lock()
	defer e.mu.Unlock()

	item := e.items[i]
	req := domain.PlaybackRequest{ItemID: item.ID, URL: item.SourceURL, Autoplay: true, Duration: item.Duration}
	if i+1 < len(e.items) {
		req.Neighbors.Next = e.items[i+1].SourceURL
	}
	if i > 0 {
		req.Neighbors.Previous = e.items[i-1].SourceURL
	}
	return req
}

// ensure loads pages until index i exists or the feed is exhausted
func (e *Engine) ensure(ctx context.Context, i int) error {
	for {
		e.mu.Lock()
		done := i < len(e.items) || e.exhausted
		cursor := e.cursor
		e.mu.Unlock()
		if done {
			return nil
		}

		page, err := e.source.Page(ctx, cursor)
		if err != nil {
			return fmt.Errorf("failed to load feed page: %w", err)
		}

		e.mu.Lock()
		added := 0
		for _, it := range page.Items {
			if _, dup := e.byID[it.ID]; dup {
				continue
			}
			e.byID[it.ID] = len(e.items)
			e.items = append(e.items, it)
			added++
		}
		e.cursor = page.NextCursor
		e.exhausted = page.NextCursor == ""
		e.mu.Unlock()

		e.logger.Debug("Feed page loaded", zap.Int("items", added), zap.Bool("last", page.NextCursor == ""))
	}
}

func (e *Engine) has(i int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return i >= 0 && i < len(e.items)
}

func (e *Engine) currentIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index
}

func (e *Engine) current() (domain.MediaItem, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.index < 0 {
		return domain.MediaItem{}, false
	}
	return e.items[e.index], true
}

// runLoop follows session snapshots. An item left without a frame for the
// poster delay gets a poster; an ended item advances the feed.
func (e *Engine) runLoop(ctx context.Context, updates <-chan domain.Snapshot, unwatch func()) {
	defer e.wg.Done()
	defer unwatch()

	timer := time.NewTimer(e.posterDelay)
	timer.Stop()

	var pending string
	var ended string

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Info("Engine loop stopped")
			return

		case snap, ok := <-updates:
			if !ok {
				e.logger.Info("Session updates closed")
				return
			}

			switch {
			case snap.ActiveItemID == "" || snap.FirstFrame.Rendered:
				pending = ""
				timer.Stop()
			case snap.ActiveItemID != pending:
				pending = snap.ActiveItemID
				timer.Reset(e.posterDelay)
			}

			if snap.Phase != domain.PhaseEnded {
				ended = ""
			} else if snap.ActiveItemID != "" && snap.ActiveItemID != ended {
				ended = snap.ActiveItemID
				e.advance(ctx, ended)
			}

		case <-timer.C:
			if pending != "" {
				e.renderPoster(ctx, pending)
			}
		}
	}
}

// advance moves on when the item that ended is still the current one
func (e *Engine) advance(ctx context.Context, itemID string) {
	if item, ok := e.current(); !ok || item.ID != itemID {
		return
	}
	err := e.Next(ctx)
	switch {
	case errors.Is(err, ErrEndOfFeed):
		e.logger.Info("Reached the end of the feed")
	case err != nil:
		e.logger.Warn("Auto-advance failed", zap.Error(err))
	}
}

func (e *Engine) renderPoster(ctx context.Context, itemID string) {
	item, ok := e.Item(itemID)
	if !ok || item.ThumbnailURL == "" {
		return
	}
	e.mu.Lock()
	if e.art[itemID] != "" || e.rendering[itemID] {
		e.mu.Unlock()
		return
	}
	e.rendering[itemID] = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		path, err := e.poster(ctx, item)

		e.mu.Lock()
		delete(e.rendering, itemID)
		if err == nil {
			e.art[itemID] = path
		}
		e.mu.Unlock()

		if err != nil && ctx.Err() == nil {
			e.logger.Warn("Failed to generate poster",
				zap.String("item", itemID),
				zap.Error(err))
		}
	}()
}

func (e *Engine) poster(ctx context.Context, item domain.MediaItem) (string, error) {
	data, err := e.fetcher.Fetch(ctx, item.ThumbnailURL)
	if err != nil {
		return "", fmt.Errorf("failed to fetch thumbnail: %w", err)
	}
	return e.posters.Generate(ctx, item.ID, data)
}
