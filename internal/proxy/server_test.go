package proxy

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/genricoloni/reeld/internal/fetcher"
	"github.com/genricoloni/reeld/internal/rangecache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var media = []byte(strings.Repeat("0123456789abcdef", 64))

type fixture struct {
	proxy    *httptest.Server
	upstream *httptest.Server
	hits     *atomic.Int32
	server   *Server
}

func newFixture(t *testing.T, upstream http.HandlerFunc) *fixture {
	t.Helper()
	hits := &atomic.Int32{}
	if upstream == nil {
		upstream = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "video/mp4")
			http.ServeContent(w, r, "reel.mp4", time.Time{}, bytes.NewReader(media))
		}
	}
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		upstream(w, r)
	}))
	t.Cleanup(up.Close)

	cache, err := rangecache.Open(zap.NewNop(), t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "reeld_test_total", Help: "test"}).Inc()

	s := NewServer(zap.NewNop(), "127.0.0.1:0", cache.DataSourceFactory(fetcher.NewHTTPFetcher(zap.NewNop())), reg)
	px := httptest.NewServer(s.Handler())
	t.Cleanup(px.Close)

	return &fixture{proxy: px, upstream: up, hits: hits, server: s}
}

func (f *fixture) get(t *testing.T, method, src, rng string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.proxy.URL+"/media?src="+url.QueryEscape(src), nil)
	if err != nil {
		t.Fatal(err)
	}
	if rng != "" {
		req.Header.Set("Range", rng)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return resp, body
}

func TestServer_Media(t *testing.T) {
	tests := []struct {
		name          string
		method        string
		rng           string
		expectedCode  int
		expectedBody  []byte
		expectedRange string
	}{
		{
			name:          "Bounded Range",
			method:        http.MethodGet,
			rng:           "bytes=16-31",
			expectedCode:  http.StatusPartialContent,
			expectedBody:  media[16:32],
			expectedRange: "bytes 16-31/1024",
		},
		{
			name:          "Open Ended Range",
			method:        http.MethodGet,
			rng:           "bytes=1000-",
			expectedCode:  http.StatusPartialContent,
			expectedBody:  media[1000:],
			expectedRange: "bytes 1000-1023/1024",
		},
		{
			name:         "Whole Resource",
			method:       http.MethodGet,
			expectedCode: http.StatusOK,
			expectedBody: media,
		},
		{
			name:         "Suffix Range Served Whole",
			method:       http.MethodGet,
			rng:          "bytes=-100",
			expectedCode: http.StatusOK,
			expectedBody: media,
		},
		{
			name:          "Head",
			method:        http.MethodHead,
			rng:           "bytes=0-9",
			expectedCode:  http.StatusPartialContent,
			expectedBody:  []byte{},
			expectedRange: "bytes 0-9/1024",
		},
		{
			name:         "Past The End",
			method:       http.MethodGet,
			rng:          "bytes=5000-",
			expectedCode: http.StatusRequestedRangeNotSatisfiable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			src := f.upstream.URL + "/reel.mp4"

			resp, body := f.get(t, tt.method, src, tt.rng)
			if resp.StatusCode != tt.expectedCode {
				t.Fatalf("expected status %d, got %d", tt.expectedCode, resp.StatusCode)
			}
			if tt.expectedBody != nil && !bytes.Equal(body, tt.expectedBody) {
				t.Errorf("unexpected body: got %d bytes, want %d", len(body), len(tt.expectedBody))
			}
			if got := resp.Header.Get("Content-Range"); got != tt.expectedRange && tt.expectedCode != http.StatusRequestedRangeNotSatisfiable {
				t.Errorf("expected Content-Range %q, got %q", tt.expectedRange, got)
			}
		})
	}
}

func TestServer_SecondReadIsCached(t *testing.T) {
	f := newFixture(t, nil)
	src := f.upstream.URL + "/reel.mp4"

	_, first := f.get(t, http.MethodGet, src, "bytes=0-511")
	hitsAfterFirst := f.hits.Load()
	_, second := f.get(t, http.MethodGet, src, "bytes=100-199")

	if !bytes.Equal(first[100:200], second) {
		t.Fatal("cached bytes differ from upstream bytes")
	}
	if f.hits.Load() != hitsAfterFirst {
		t.Errorf("expected no further upstream requests, got %d", f.hits.Load()-hitsAfterFirst)
	}
	if got := f.server.LastStatus(src); got != http.StatusPartialContent {
		t.Errorf("expected last status 206, got %d", got)
	}
}

func TestServer_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		expectedCode int
	}{
		{name: "Forbidden Passes Through", status: http.StatusForbidden, expectedCode: http.StatusForbidden},
		{name: "Not Found Passes Through", status: http.StatusNotFound, expectedCode: http.StatusNotFound},
		{name: "Server Error Is Bad Gateway", status: http.StatusInternalServerError, expectedCode: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			src := f.upstream.URL + "/expired.mp4"

			resp, _ := f.get(t, http.MethodGet, src, "bytes=0-")
			if resp.StatusCode != tt.expectedCode {
				t.Errorf("expected status %d, got %d", tt.expectedCode, resp.StatusCode)
			}
			if got := f.server.LastStatus(src); got != tt.status {
				t.Errorf("expected recorded status %d, got %d", tt.status, got)
			}
		})
	}
}

func TestServer_RejectsBadRequests(t *testing.T) {
	f := newFixture(t, nil)

	for _, src := range []string{"", "file:///etc/passwd", "not a url"} {
		resp, _ := f.get(t, http.MethodGet, src, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("src %q: expected 400, got %d", src, resp.StatusCode)
		}
	}

	resp, err := http.Post(f.proxy.URL+"/media?src="+url.QueryEscape(f.upstream.URL), "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.proxy.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(f.proxy.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "reeld_test_total 1") {
		t.Errorf("metrics output missing registered counter:\n%s", body)
	}
}

func TestServer_MediaURL(t *testing.T) {
	s := NewServer(zap.NewNop(), "127.0.0.1:7878", nil, nil)
	got := s.MediaURL("https://cdn.example/a b.mp4?sig=1&x=2")
	want := "http://127.0.0.1:7878/media?src=https%3A%2F%2Fcdn.example%2Fa+b.mp4%3Fsig%3D1%26x%3D2"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header        string
		start, length int64
		ok            bool
	}{
		{header: "bytes=0-99", start: 0, length: 100, ok: true},
		{header: "bytes=500-", start: 500, length: -1, ok: true},
		{header: "bytes=-500", start: 0, length: -1, ok: false},
		{header: "bytes=0-1,5-9", start: 0, length: -1, ok: false},
		{header: "bytes=9-3", start: 0, length: -1, ok: false},
		{header: "items=0-1", start: 0, length: -1, ok: false},
		{header: "", start: 0, length: -1, ok: false},
	}

	for _, tt := range tests {
		start, length, ok := parseRange(tt.header)
		if start != tt.start || length != tt.length || ok != tt.ok {
			t.Errorf("parseRange(%q) = %d,%d,%v; want %d,%d,%v",
				tt.header, start, length, ok, tt.start, tt.length, tt.ok)
		}
	}
}
