// Package feed serves reel items page by page from a JSON feed document.
package feed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/genricoloni/reeld/internal/domain"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultPageSize is the number of items returned per page
const DefaultPageSize = 10

// ErrInvalidCursor is returned for a cursor this source did not issue
var ErrInvalidCursor = errors.New("invalid feed cursor")

// document is the on-disk feed format
type document struct {
	Reels []record `json:"reels"`
}

type record struct {
	ID        string  `json:"id"`
	URL       string  `json:"url"`
	Thumbnail string  `json:"thumbnail"`
	Duration  float64 `json:"duration"` // seconds
}

// Source reads the feed file and pages through it. The file is re-read when
// its modification time changes, so the feed can be replaced while running.
type Source struct {
	logger   *zap.Logger
	path     string
	pageSize int

	mu      sync.Mutex
	modTime time.Time
	items   []domain.MediaItem
}

// NewSource creates a feed source backed by the document at path
func NewSource(logger *zap.Logger, path string, pageSize int) *Source {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Source{logger: logger, path: path, pageSize: pageSize}
}

// Page returns up to one page of items starting at cursor
func (s *Source) Page(ctx context.Context, cursor string) (domain.Page, error) {
	if err := ctx.Err(); err != nil {
		return domain.Page{}, err
	}

	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return domain.Page{}, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
		}
		start = n
	}

	items, err := s.load()
	if err != nil {
		return domain.Page{}, err
	}
	if start > len(items) {
		return domain.Page{}, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}

	end := min(start+s.pageSize, len(items))
	page := domain.Page{Items: append([]domain.MediaItem(nil), items[start:end]...)}
	if end < len(items) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (s *Source) load() ([]domain.MediaItem, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat feed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items != nil && info.ModTime().Equal(s.modTime) {
		return s.items, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse feed %s: %w", s.path, err)
	}

	items := make([]domain.MediaItem, 0, len(doc.Reels))
	seen := make(map[string]bool, len(doc.Reels))
	for i, r := range doc.Reels {
		if r.ID == "" || r.URL == "" {
			s.logger.Warn("Skipping feed entry without id or url", zap.Int("index", i))
			continue
		}
		if seen[r.ID] {
			s.logger.Warn("Skipping duplicate feed entry", zap.String("id", r.ID))
			continue
		}
		seen[r.ID] = true
		items = append(items, domain.MediaItem{
			ID:           r.ID,
			SourceURL:    r.URL,
			ThumbnailURL: r.Thumbnail,
			Duration:     time.Duration(r.Duration * float64(time.Second)),
		})
	}

	s.items = items
	s.modTime = info.ModTime()
	s.logger.Info("Feed loaded", zap.String("path", s.path), zap.Int("items", len(items)))
	return items, nil
}
