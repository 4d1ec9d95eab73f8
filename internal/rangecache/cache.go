// Package rangecache implements a disk-backed, size-bounded LRU store of
// media byte ranges shared by every reader of remote media.
package rangecache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	list "github.com/bahlo/generic-list-go"
	"github.com/genricoloni/reeld/internal/domain"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	segmentSuffix = ".seg"
	spoolPattern  = "spool-*.tmp"
)

// ErrStorageUnavailable is returned when the cache directory cannot be created or read
var ErrStorageUnavailable = errors.New("cache storage unavailable")

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Cache)
)

// entry is one contiguous byte range of a resource persisted to disk
type entry struct {
	key        string
	offset     int64
	length     int64
	path       string
	lastAccess time.Time
}

func (e *entry) end() int64 {
	return e.offset + e.length
}

// Option configures a Cache at open time
type Option func(*Cache)

// WithDiagnostics reports hits, misses, stores and evictions to d
func WithDiagnostics(d domain.CacheDiagnostics) Option {
	return func(c *Cache) {
		if d != nil {
			c.diag = d
		}
	}
}

// WithClock replaces the access-time clock, for tests
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Stats summarizes the resident contents of the cache
type Stats struct {
	Entries  int
	Bytes    int64
	Capacity int64
}

// Cache is the shared byte-range store. All methods are safe for concurrent use.
type Cache struct {
	logger   *zap.Logger
	dir      string
	capacity int64
	diag     domain.CacheDiagnostics
	now      func() time.Time

	mu     sync.Mutex
	used   int64
	lru    *list.List[*entry] // front is most recently used
	index  map[string][]*list.Element[*entry]
	sizes  map[string]int64
	types  map[string]string
	closed bool
}

// Open returns the cache rooted at dir, creating it on first use. Opening a
// directory that is already open returns the same instance.
func Open(logger *zap.Logger, dir string, capacity int64, opts ...Option) (*Cache, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if c, ok := registry[abs]; ok {
		if c.capacity != capacity {
			logger.Warn("Cache already open with a different capacity",
				zap.String("dir", abs),
				zap.Int64("open", c.capacity),
				zap.Int64("requested", capacity))
		}
		return c, nil
	}

	if capacity <= 0 {
		return nil, fmt.Errorf("invalid cache capacity %d", capacity)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	c := &Cache{
		logger:   logger,
		dir:      abs,
		capacity: capacity,
		diag:     nopDiagnostics{},
		now:      time.Now,
		lru:      list.New[*entry](),
		index:    make(map[string][]*list.Element[*entry]),
		sizes:    make(map[string]int64),
		types:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.load(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	registry[abs] = c
	logger.Info("Media cache opened",
		zap.String("dir", abs),
		zap.Int64("capacity", capacity),
		zap.Int("entries", c.lru.Len()),
		zap.Int64("bytes", c.used))
	return c, nil
}

// load rebuilds the index from segment files left by a previous process
func (c *Cache) load() error {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}

	var found []*entry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() {
			continue
		}
		if strings.HasSuffix(name, ".tmp") {
			// Spool files of an interrupted process are never valid entries
			_ = os.Remove(filepath.Join(c.dir, name))
			continue
		}
		key, offset, length, ok := parseSegmentName(name)
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil || info.Size() != length {
			c.logger.Debug("Dropping unreadable segment", zap.String("file", name))
			_ = os.Remove(filepath.Join(c.dir, name))
			continue
		}
		found = append(found, &entry{
			key:        key,
			offset:     offset,
			length:     length,
			path:       filepath.Join(c.dir, name),
			lastAccess: info.ModTime(),
		})
	}

	// Oldest first so the most recent ends up at the front
	sort.Slice(found, func(i, j int) bool {
		return found[i].lastAccess.Before(found[j].lastAccess)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range found {
		c.insertLocked(e)
	}
	c.evictLocked(0)
	return nil
}

// Dir returns the absolute cache directory
func (c *Cache) Dir() string {
	return c.dir
}

// Stats returns the number of resident entries and bytes
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: c.lru.Len(), Bytes: c.used, Capacity: c.capacity}
}

// Contains reports whether [offset, offset+length) of url is resident,
// possibly across several adjacent entries
func (c *Cache) Contains(url string, offset, length int64) bool {
	key := keyFor(url)
	c.mu.Lock()
	defer c.mu.Unlock()

	end := offset + length
	if size, ok := c.sizes[key]; ok && size < end {
		end = size
	}
	pos := offset
	for pos < end {
		e := c.coveringLocked(key, pos)
		if e == nil {
			return false
		}
		pos = e.end()
	}
	return true
}

// Close removes the cache from the open registry. Entries stay on disk.
func (c *Cache) Close() error {
	registryMu.Lock()
	defer registryMu.Unlock()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	if registry[c.dir] == c {
		delete(registry, c.dir)
	}
	return nil
}

// Clear deletes every entry and its file
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs error
	for el := c.lru.Front(); el != nil; el = el.Next() {
		if err := os.Remove(el.Value.path); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, err)
		}
	}
	c.lru.Init()
	c.index = make(map[string][]*list.Element[*entry])
	c.used = 0
	return errs
}

// lookup returns a copy of the entry covering pos and marks it used, plus the
// start of the next entry beyond pos (-1 if none)
func (c *Cache) lookup(url string, pos int64) (hit *entry, nextStart int64) {
	key := keyFor(url)
	c.mu.Lock()
	defer c.mu.Unlock()

	nextStart = -1
	for _, el := range c.index[key] {
		if o := el.Value.offset; o > pos && (nextStart < 0 || o < nextStart) {
			nextStart = o
		}
	}

	e := c.coveringLocked(key, pos)
	if e == nil {
		return nil, nextStart
	}
	e.lastAccess = c.now()
	for _, el := range c.index[key] {
		if el.Value == e {
			c.lru.MoveToFront(el)
			break
		}
	}
	cp := *e
	return &cp, nextStart
}

// coveringLocked returns the entry containing pos that reaches furthest
func (c *Cache) coveringLocked(key string, pos int64) *entry {
	var best *entry
	for _, el := range c.index[key] {
		e := el.Value
		if e.offset <= pos && pos < e.end() && (best == nil || e.end() > best.end()) {
			best = e
		}
	}
	return best
}

// newSpool creates a temporary file that a network read writes through to
func (c *Cache) newSpool() (*os.File, error) {
	return os.CreateTemp(c.dir, spoolPattern)
}

// commit turns a finished spool file into a resident entry for
// [offset, offset+length) of url. The spool is consumed in every case.
func (c *Cache) commit(url string, offset, length int64, spoolPath string) {
	key := keyFor(url)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || length <= 0 || length > c.capacity {
		_ = os.Remove(spoolPath)
		if length > c.capacity {
			c.logger.Debug("Segment larger than cache capacity, not stored",
				zap.Int64("length", length), zap.Int64("capacity", c.capacity))
		}
		return
	}

	if e := c.coveringLocked(key, offset); e != nil && e.end() >= offset+length {
		_ = os.Remove(spoolPath)
		return
	}

	// Drop entries the new one fully supersedes
	for _, el := range append([]*list.Element[*entry](nil), c.index[key]...) {
		if e := el.Value; e.offset >= offset && e.end() <= offset+length {
			c.removeLocked(el)
		}
	}

	c.evictLocked(length)

	e := &entry{
		key:        key,
		offset:     offset,
		length:     length,
		path:       filepath.Join(c.dir, segmentName(key, offset, length)),
		lastAccess: c.now(),
	}
	if err := os.Rename(spoolPath, e.path); err != nil {
		c.logger.Warn("Failed to commit cache segment", zap.Error(err))
		_ = os.Remove(spoolPath)
		return
	}
	c.insertLocked(e)
	c.diag.CacheStored(length)

	c.logger.Debug("Cached segment",
		zap.String("key", key),
		zap.Int64("offset", offset),
		zap.Int64("length", length),
		zap.Int64("used", c.used))
}

// evictLocked removes least recently used entries until incoming bytes fit
func (c *Cache) evictLocked(incoming int64) {
	for c.used+incoming > c.capacity {
		el := c.lru.Back()
		if el == nil {
			return
		}
		e := el.Value
		c.removeLocked(el)
		c.diag.CacheEvicted(e.length)
		c.logger.Debug("Evicted segment",
			zap.String("key", e.key),
			zap.Int64("offset", e.offset),
			zap.Int64("length", e.length))
	}
}

func (c *Cache) insertLocked(e *entry) {
	el := c.lru.PushFront(e)
	c.index[e.key] = append(c.index[e.key], el)
	c.used += e.length
}

func (c *Cache) removeLocked(el *list.Element[*entry]) {
	e := el.Value
	c.lru.Remove(el)
	els := c.index[e.key]
	for i := range els {
		if els[i] == el {
			els = append(els[:i], els[i+1:]...)
			break
		}
	}
	if len(els) == 0 {
		delete(c.index, e.key)
	} else {
		c.index[e.key] = els
	}
	c.used -= e.length
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("Failed to remove evicted segment", zap.String("path", e.path), zap.Error(err))
	}
}

// setMeta records the total size and media type of url once learned
func (c *Cache) setMeta(url string, size int64, contentType string) {
	key := keyFor(url)
	c.mu.Lock()
	defer c.mu.Unlock()
	if size >= 0 {
		c.sizes[key] = size
	}
	if contentType != "" {
		c.types[key] = contentType
	}
}

// meta returns the known total size (-1 if unknown) and media type of url
func (c *Cache) meta(url string) (int64, string) {
	key := keyFor(url)
	c.mu.Lock()
	defer c.mu.Unlock()
	size, ok := c.sizes[key]
	if !ok {
		size = -1
	}
	return size, c.types[key]
}

func keyFor(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:16])
}

func segmentName(key string, offset, length int64) string {
	return fmt.Sprintf("%s_%d_%d%s", key, offset, length, segmentSuffix)
}

func parseSegmentName(name string) (key string, offset, length int64, ok bool) {
	base, found := strings.CutSuffix(name, segmentSuffix)
	if !found {
		return "", 0, 0, false
	}
	parts := strings.Split(base, "_")
	if len(parts) != 3 || parts[0] == "" {
		return "", 0, 0, false
	}
	offset, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || offset < 0 {
		return "", 0, 0, false
	}
	length, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil || length <= 0 {
		return "", 0, 0, false
	}
	return parts[0], offset, length, true
}

type nopDiagnostics struct{}

func (nopDiagnostics) CacheHit(int64)     {}
func (nopDiagnostics) CacheMiss()         {}
func (nopDiagnostics) CacheStored(int64)  {}
func (nopDiagnostics) CacheEvicted(int64) {}
func (nopDiagnostics) FetchFailed(int)    {}
