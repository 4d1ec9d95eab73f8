package domain

import (
	"context"
	"time"
)

// Player defines the single reusable media player owned by a playback session.
// Implementations are not required to be safe for concurrent use; the session
// controller calls them from one goroutine only.
//
//go:generate mockgen -destination=../playback/mocks/player_mock.go -package=mocks github.com/genricoloni/reeld/internal/domain Player
type Player interface {
	// Load replaces the current media with url and prepares it
	Load(ctx context.Context, url string) error

	// Play resumes playback once the media is ready
	Play(ctx context.Context) error

	// Pause stops advancing without unloading the media
	Pause(ctx context.Context) error

	// SeekTo moves the playback position of the loaded media
	SeekTo(ctx context.Context, pos time.Duration) error

	// SetVolume sets the output volume in the range [0, 1]
	SetVolume(ctx context.Context, volume float64) error

	// Position returns the playback position of the loaded media
	Position(ctx context.Context) (time.Duration, error)

	// Duration returns the length of the loaded media, zero when unknown
	Duration(ctx context.Context) (time.Duration, error)

	// Events returns a read-only channel of asynchronous player notifications
	Events() <-chan PlayerEvent
}

// Prefetcher warms the media cache for the items around the active one
type Prefetcher interface {
	// SetNeighbors replaces the current neighbor set; empty URLs clear a slot
	SetNeighbors(next, previous string)
}

// RangeFetcher retrieves byte ranges of remote media
type RangeFetcher interface {
	// FetchRange requests length bytes starting at offset; length < 0 reads to the end
	FetchRange(ctx context.Context, url string, offset, length int64) (*RangeBody, error)
}

// Fetcher defines the interface for retrieving thumbnail images
type Fetcher interface {
	// Fetch downloads image data from a URL
	// Returns the raw image bytes or an error
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// PosterGenerator renders the static fallback shown while a reel has no frame
type PosterGenerator interface {
	// Generate creates a poster for itemID from thumbnail data
	// Returns the file path of the generated poster or an error
	Generate(ctx context.Context, itemID string, thumbnail []byte) (string, error)
}

// ItemSource supplies reel items page by page
type ItemSource interface {
	// Page returns the page starting at cursor; an empty cursor is the first page
	Page(ctx context.Context, cursor string) (Page, error)
}

// Navigator moves through the paged feed on behalf of external controls
type Navigator interface {
	Next(ctx context.Context) error
	Previous(ctx context.Context) error
	TogglePlay(ctx context.Context) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Catalog resolves details of items the pager has seen, for observers that
// only hold an item id
type Catalog interface {
	// Item returns the item with the given id
	Item(itemID string) (MediaItem, bool)

	// Poster returns the generated poster path for itemID, empty when none
	Poster(itemID string) string
}

// CacheDiagnostics receives byte-range cache observations
type CacheDiagnostics interface {
	CacheHit(bytes int64)
	CacheMiss()
	CacheStored(bytes int64)
	CacheEvicted(bytes int64)
	FetchFailed(status int)
}

// PrefetchDiagnostics receives prefetch outcomes; it never affects behavior
type PrefetchDiagnostics interface {
	PrefetchStarted(slot, url string)
	PrefetchCompleted(slot, url string, bytes int64)
	PrefetchFailed(slot, url string, failures int, err error)
	PrefetchSkipped(slot, url, reason string)
	PrefetchCancelled(slot, url string)
}

// PlaybackDiagnostics receives playback session observations
type PlaybackDiagnostics interface {
	RequestSuppressed()
	ItemSwitched()
	PlayerError(code int)
}

// Config defines the interface for application configuration
type Config interface {
	// GetCacheDir returns the directory backing the byte-range cache
	GetCacheDir() string

	// GetCacheCapacity returns the cache capacity in bytes
	GetCacheCapacity() int64

	// GetPrefetchBudget returns the number of bytes warmed per neighbor
	GetPrefetchBudget() int64

	// GetPrefetchDebounce returns the quiet period before a neighbor set is acted on
	GetPrefetchDebounce() time.Duration

	// GetDedupWindow returns the window in which identical play requests are dropped
	GetDedupWindow() time.Duration

	// GetEndGuard returns how close to the end a saved position restarts from zero
	GetEndGuard() time.Duration

	// GetFeedPath returns the path of the feed document
	GetFeedPath() string

	// GetProxyAddr returns the listen address of the local media proxy
	GetProxyAddr() string

	// GetPlayerBinary returns the mpv executable
	GetPlayerBinary() string

	// GetOutputDir returns the directory for generated posters
	GetOutputDir() string
}
