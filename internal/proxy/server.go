// Package proxy serves remote media to the local player through the byte-range cache.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/genricoloni/reeld/internal/fetcher"
	"github.com/genricoloni/reeld/internal/rangecache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	mediaPath = "/media"
	_copyBuf  = 64 * 1024
)

// Server is the local HTTP endpoint the player streams media from
type Server struct {
	logger   *zap.Logger
	source   *rangecache.DataSource
	gatherer prometheus.Gatherer

	addr     string
	srv      *http.Server
	listener net.Listener

	mu       sync.Mutex
	statuses map[string]int
}

// NewServer creates a proxy listening on addr. gatherer may be nil, in which
// case /metrics is not served.
func NewServer(logger *zap.Logger, addr string, source *rangecache.DataSource, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		logger:   logger,
		source:   source,
		gatherer: gatherer,
		addr:     addr,
		statuses: make(map[string]int),
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the proxy's routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(mediaPath, s.handleMedia)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start binds the listener and serves in the background
func (s *Server) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("proxy listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Proxy server failed", zap.Error(err))
		}
	}()
	s.logger.Info("Media proxy listening",
		zap.String("addr", s.addr),
		zap.Bool("cached", s.source.Cached()))
	return nil
}

// Stop shuts the server down, waiting for in-flight responses until ctx ends
func (s *Server) Stop(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	s.logger.Info("Media proxy stopping")
	return s.srv.Shutdown(ctx)
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	return s.addr
}

// MediaURL returns the proxy URL that streams src
func (s *Server) MediaURL(src string) string {
	return "http://" + s.addr + mediaPath + "?src=" + url.QueryEscape(src)
}

// LastStatus returns the last upstream status observed for src, zero if none
func (s *Server) LastStatus(src string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[src]
}

func (s *Server) record(src string, status int) {
	s.mu.Lock()
	s.statuses[src] = status
	s.mu.Unlock()
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	src := r.URL.Query().Get("src")
	u, err := url.Parse(src)
	if src == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		http.Error(w, "missing or invalid src", http.StatusBadRequest)
		return
	}

	start, length, ranged := parseRange(r.Header.Get("Range"))

	reader, err := s.source.Open(r.Context(), src, start, length)
	if err != nil {
		status := fetcher.StatusOf(err)
		if status != 0 {
			s.record(src, status)
		}
		code := http.StatusBadGateway
		switch {
		case errors.Is(err, fetcher.ErrRangeNotSatisfiable):
			code = http.StatusRequestedRangeNotSatisfiable
		case status >= 400 && status < 500:
			code = status
		case r.Context().Err() != nil:
			return
		}
		s.logger.Warn("Upstream fetch failed",
			zap.String("src", src),
			zap.Int("status", status),
			zap.Error(err))
		http.Error(w, http.StatusText(code), code)
		return
	}
	defer reader.Close()

	end := reader.End()
	if ranged && end >= 0 && start >= end {
		h := w.Header()
		if size := reader.Size(); size >= 0 {
			h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		}
		http.Error(w, http.StatusText(http.StatusRequestedRangeNotSatisfiable), http.StatusRequestedRangeNotSatisfiable)
		return
	}
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType(reader.ContentType()))

	status := http.StatusOK
	if ranged && end >= 0 {
		total := "*"
		if size := reader.Size(); size >= 0 {
			total = strconv.FormatInt(size, 10)
		}
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%s", start, end-1, total))
		status = http.StatusPartialContent
		s.record(src, status)
	} else {
		s.record(src, http.StatusOK)
	}
	if end >= 0 {
		h.Set("Content-Length", strconv.FormatInt(end-start, 10))
	}
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}
	n, err := io.CopyBuffer(w, reader, make([]byte, _copyBuf))
	if err != nil && r.Context().Err() == nil {
		s.logger.Debug("Media stream ended early",
			zap.String("src", src),
			zap.Int64("bytes", n),
			zap.Error(err))
	}
}

// parseRange understands a single "bytes=a-b" or "bytes=a-" range. Suffix and
// multi-part ranges are ignored and the whole resource is served, which HTTP
// permits.
func parseRange(header string) (start, length int64, ok bool) {
	spec, found := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, -1, false
	}
	first, last, found := strings.Cut(spec, "-")
	if !found || first == "" {
		return 0, -1, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil || start < 0 {
		return 0, -1, false
	}
	if strings.TrimSpace(last) == "" {
		return start, -1, true
	}
	stop, err := strconv.ParseInt(strings.TrimSpace(last), 10, 64)
	if err != nil || stop < start {
		return 0, -1, false
	}
	return start, stop - start + 1, true
}

func contentType(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}
