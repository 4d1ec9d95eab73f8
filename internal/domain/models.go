package domain

import (
	"io"
	"time"
)

// Phase represents the current state of the playback session
type Phase string

const (
	// PhaseIdle indicates no item is active
	PhaseIdle Phase = "Idle"
	// PhaseLoading indicates media was handed to the player and is being prepared
	PhaseLoading Phase = "Loading"
	// PhasePlaying indicates the player is rendering the active item
	PhasePlaying Phase = "Playing"
	// PhasePaused indicates the active item is loaded but not advancing
	PhasePaused Phase = "Paused"
	// PhaseEnded indicates the player reached the end of the active item
	PhaseEnded Phase = "Ended"
)

// MediaItem is one playable reel
type MediaItem struct {
	// ID is opaque and stable for the item's lifetime
	ID string
	// SourceURL is the media URL, immutable once assigned
	SourceURL string
	// ThumbnailURL points at the static image shown while no frame is rendered
	ThumbnailURL string
	// Duration is the advertised length, zero when unknown
	Duration time.Duration
}

// Neighbors holds the media URLs adjacent to the active item in a paged sequence
type Neighbors struct {
	Next     string
	Previous string
}

// RequestKey identifies a play request for duplicate suppression
type RequestKey struct {
	ItemID   string
	URL      string
	Autoplay bool
}

// PlaybackRequest asks the session controller to make an item frontmost.
// Neighbors is not part of the request identity.
type PlaybackRequest struct {
	ItemID    string
	URL       string
	Autoplay  bool
	Neighbors Neighbors
	// Duration is the length advertised by the feed, zero when unknown.
	// It is not part of the request identity.
	Duration time.Duration
}

// Key returns the structural identity of the request
func (r PlaybackRequest) Key() RequestKey {
	return RequestKey{ItemID: r.ItemID, URL: r.URL, Autoplay: r.Autoplay}
}

// FrameState pairs the first-frame flag with the item it applies to
type FrameState struct {
	ItemID   string
	Rendered bool
}

// Snapshot is the observable state of a playback session
type Snapshot struct {
	ActiveItemID string
	Muted        bool
	Buffering    bool
	FirstFrame   FrameState
	Phase        Phase
}

// PlayerEventKind enumerates events reported by a Player
type PlayerEventKind int

const (
	// EventFirstFrame is sent once the renderer delivered a frame for SourceURL
	EventFirstFrame PlayerEventKind = iota + 1
	// EventBuffering is sent when the buffering state changes
	EventBuffering
	// EventDuration is sent when the media duration becomes known
	EventDuration
	// EventEnded is sent when playback reaches the end of SourceURL
	EventEnded
	// EventError is sent when the player fails to load or play SourceURL
	EventError
)

// String returns a readable event name for logs
func (k PlayerEventKind) String() string {
	switch k {
	case EventFirstFrame:
		return "first-frame"
	case EventBuffering:
		return "buffering"
	case EventDuration:
		return "duration"
	case EventEnded:
		return "ended"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// PlayerEvent is an asynchronous notification from a Player
type PlayerEvent struct {
	Kind      PlayerEventKind
	SourceURL string
	// Buffering is set for EventBuffering
	Buffering bool
	// Duration is set for EventDuration
	Duration time.Duration
	// Code is the failing response code for EventError, zero when unknown
	Code int
	Err  error
}

// RangeBody is the network response to a byte-range fetch
type RangeBody struct {
	// Body yields bytes starting at Offset
	Body io.ReadCloser
	// Offset is the position of the first byte of Body in the resource
	Offset int64
	// Length is the number of bytes Body will yield, -1 when unknown
	Length int64
	// TotalSize is the size of the whole resource, -1 when unknown
	TotalSize int64
	// ContentType is the upstream media type
	ContentType string
}

// Page is one page of items from a paged item source
type Page struct {
	Items []MediaItem
	// NextCursor is empty on the last page
	NextCursor string
}

// ScreenResolution holds the display dimensions
type ScreenResolution struct {
	Width  int
	Height int
}
