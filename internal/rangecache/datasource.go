package rangecache

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/genricoloni/reeld/internal/domain"
	"github.com/genricoloni/reeld/internal/fetcher"
	"go.uber.org/zap"
)

var (
	errReaderClosed   = errors.New("reader closed")
	errConsumerClosed = errors.New("consumer closed reader")
)

// DataSource opens readers over byte ranges of remote media. Covered ranges are
// served from the cache; gaps are fetched from upstream and written through.
type DataSource struct {
	cache    *Cache
	upstream domain.RangeFetcher
	logger   *zap.Logger
	diag     domain.CacheDiagnostics
}

// DataSourceFactory returns a data source that reads through this cache
func (c *Cache) DataSourceFactory(upstream domain.RangeFetcher) *DataSource {
	return &DataSource{cache: c, upstream: upstream, logger: c.logger, diag: c.diag}
}

// NewPassthrough returns a data source that always reads from upstream.
// It is used when the cache storage could not be opened.
func NewPassthrough(logger *zap.Logger, upstream domain.RangeFetcher) *DataSource {
	return &DataSource{upstream: upstream, logger: logger, diag: nopDiagnostics{}}
}

// Cached reports whether reads are backed by the cache
func (d *DataSource) Cached() bool {
	return d.cache != nil
}

// Cache returns the backing cache, nil for a pass-through source
func (d *DataSource) Cache() *Cache {
	return d.cache
}

// Open returns a reader for length bytes of url starting at offset; length < 0
// reads to the end of the resource. Failure to fetch the first missing range is
// returned here so callers can report it before writing any output.
func (d *DataSource) Open(ctx context.Context, url string, offset, length int64) (*Reader, error) {
	r := &Reader{
		ctx:    ctx,
		src:    d,
		url:    url,
		pos:    offset,
		end:    -1,
		size:   -1,
		logger: d.logger,
	}
	if length >= 0 {
		r.end = offset + length
	}
	if d.cache != nil {
		size, contentType := d.cache.meta(url)
		r.learn(size, contentType)
	}
	if r.end >= 0 && r.pos >= r.end {
		return r, nil
	}
	if err := r.advance(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reader streams one byte range. It is not safe for concurrent use.
type Reader struct {
	ctx    context.Context
	src    *DataSource
	url    string
	pos    int64
	end    int64 // exclusive, -1 while unknown
	size   int64
	ctype  string
	cur    segment
	eor    bool // upstream reported the end of the resource
	closed bool
	logger *zap.Logger
}

// Size returns the total size of the resource, -1 when unknown
func (r *Reader) Size() int64 {
	return r.size
}

// ContentType returns the upstream media type, empty when unknown
func (r *Reader) ContentType() string {
	return r.ctype
}

// End returns the exclusive end offset of the range, -1 when unknown
func (r *Reader) End() int64 {
	return r.end
}

func (r *Reader) Read(p []byte) (int, error) {
	for {
		if r.closed {
			return 0, errReaderClosed
		}
		if r.end >= 0 && r.pos >= r.end {
			return 0, io.EOF
		}
		if r.cur == nil {
			if r.eor {
				return 0, io.EOF
			}
			if err := r.advance(); err != nil {
				return 0, err
			}
		}

		buf := p
		if r.end >= 0 && int64(len(buf)) > r.end-r.pos {
			buf = buf[:r.end-r.pos]
		}
		n, err := r.cur.Read(buf)
		r.pos += int64(n)
		if err == nil {
			if r.end >= 0 && r.pos >= r.end {
				// Range complete: commit now rather than on Close
				r.cur.finish(nil)
				r.cur = nil
			}
			return n, nil
		}

		seg := r.cur
		r.cur = nil
		if err != io.EOF {
			seg.finish(err)
			return n, err
		}

		seg.finish(nil)
		if ns, ok := seg.(*netSegment); ok {
			if ns.want < 0 {
				// An open-ended fetch ran to the end of the resource
				r.eor = true
				r.learn(r.pos, "")
				if r.src.cache != nil {
					r.src.cache.setMeta(r.url, r.pos, "")
				}
			} else if ns.received == 0 {
				return n, io.ErrUnexpectedEOF
			}
		}
		if n > 0 {
			return n, nil
		}
	}
}

// Close releases the current segment. Bytes already received from upstream
// are kept as a valid shorter entry.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.cur != nil {
		r.cur.finish(errConsumerClosed)
		r.cur = nil
	}
	return nil
}

func (r *Reader) learn(size int64, contentType string) {
	if size >= 0 {
		r.size = size
		if r.end < 0 || r.end > size {
			r.end = size
		}
	}
	if contentType != "" && r.ctype == "" {
		r.ctype = contentType
	}
}

// advance opens the segment that serves r.pos
func (r *Reader) advance() error {
	nextStart := int64(-1)
	if c := r.src.cache; c != nil {
		var hit *entry
		hit, nextStart = c.lookup(r.url, r.pos)
		if hit != nil {
			if seg, err := openFileSegment(hit, r.pos, r.end, r.src.diag); err == nil {
				r.cur = seg
				return nil
			}
			r.logger.Debug("Cached segment vanished, fetching from upstream",
				zap.String("url", r.url), zap.Int64("pos", r.pos))
			nextStart = -1
		}
	}

	want := int64(-1)
	if r.end >= 0 {
		want = r.end - r.pos
	}
	if nextStart > r.pos && (want < 0 || nextStart-r.pos < want) {
		want = nextStart - r.pos
	}

	r.src.diag.CacheMiss()
	rb, err := r.src.upstream.FetchRange(r.ctx, r.url, r.pos, want)
	if err != nil {
		if r.ctx.Err() == nil {
			r.src.diag.FetchFailed(fetcher.StatusOf(err))
		}
		return err
	}
	r.learn(rb.TotalSize, rb.ContentType)
	if r.src.cache != nil {
		r.src.cache.setMeta(r.url, rb.TotalSize, rb.ContentType)
	}
	if want >= 0 && r.end >= 0 && want > r.end-r.pos {
		want = r.end - r.pos
	}

	seg := &netSegment{
		ctx:   r.ctx,
		cache: r.src.cache,
		url:   r.url,
		start: r.pos,
		want:  want,
		body:  rb.Body,
		diag:  r.src.diag,
		log:   r.logger,
	}
	if r.src.cache != nil {
		spool, err := r.src.cache.newSpool()
		if err != nil {
			r.logger.Warn("Cannot spool to cache, streaming uncached", zap.Error(err))
		} else {
			seg.spool = spool
		}
	}
	r.cur = seg
	return nil
}

// segment is one contiguous source of bytes within a Reader
type segment interface {
	io.Reader
	// finish is called once; cause is nil on a clean end of the segment
	finish(cause error)
}

type fileSegment struct {
	f      *os.File
	r      io.Reader
	served int64
	diag   domain.CacheDiagnostics
}

func openFileSegment(e *entry, pos, end int64, diag domain.CacheDiagnostics) (*fileSegment, error) {
	f, err := os.Open(e.path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(pos-e.offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	n := e.end() - pos
	if end >= 0 && end-pos < n {
		n = end - pos
	}
	return &fileSegment{f: f, r: io.LimitReader(f, n), diag: diag}, nil
}

func (s *fileSegment) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.served += int64(n)
	return n, err
}

func (s *fileSegment) finish(error) {
	s.f.Close()
	if s.served > 0 {
		s.diag.CacheHit(s.served)
	}
}

// netSegment streams an upstream body and writes it through to a spool file
type netSegment struct {
	ctx      context.Context
	cache    *Cache
	url      string
	start    int64
	want     int64 // -1 when reading to the end of the resource
	received int64
	body     io.ReadCloser
	spool    *os.File
	spooled  int64
	sealed   bool // the spool reached cache capacity; the rest is streamed only
	diag     domain.CacheDiagnostics
	log      *zap.Logger
}

func (s *netSegment) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if n > 0 {
		s.writeThrough(p[:n])
		s.received += int64(n)
	}
	return n, err
}

// writeThrough spools at most capacity bytes, so an open-ended read can never
// put more on disk than the cache could hold
func (s *netSegment) writeThrough(chunk []byte) {
	if s.spool == nil || s.sealed {
		return
	}
	if room := s.cache.capacity - s.spooled; int64(len(chunk)) >= room {
		chunk = chunk[:room]
		s.sealed = true
		s.log.Debug("Cache spool full, streaming the rest uncached",
			zap.String("url", s.url), zap.Int64("spooled", s.spooled+room))
	}
	if _, err := s.spool.Write(chunk); err != nil {
		s.log.Warn("Cache spool write failed, dropping segment", zap.Error(err))
		s.discard()
		return
	}
	s.spooled += int64(len(chunk))
}

// finish commits the received bytes on a clean end or on consumer
// cancellation, and discards them when upstream failed
func (s *netSegment) finish(cause error) {
	s.body.Close()
	if s.spool == nil {
		return
	}

	keep := cause == nil || errors.Is(cause, errConsumerClosed) || s.ctx.Err() != nil
	if !keep {
		s.diag.FetchFailed(fetcher.StatusOf(cause))
		s.discard()
		return
	}

	name := s.spool.Name()
	if err := s.spool.Close(); err != nil {
		s.log.Warn("Cache spool close failed", zap.Error(err))
		_ = os.Remove(name)
		s.spool = nil
		return
	}
	s.spool = nil
	s.cache.commit(s.url, s.start, s.spooled, name)
}

func (s *netSegment) discard() {
	if s.spool == nil {
		return
	}
	name := s.spool.Name()
	_ = s.spool.Close()
	_ = os.Remove(name)
	s.spool = nil
}
