package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/genricoloni/reeld/internal/domain"
	"go.uber.org/zap"
)

const (
	_maxImageSize  = 10 * 1024 * 1024 // 10 MB
	_imageTimeout  = 10 * time.Second
	_headerTimeout = 10 * time.Second
	_userAgent     = "reeld/1.0"
)

// ErrRangeNotSatisfiable is returned when the requested offset lies beyond the resource
var ErrRangeNotSatisfiable = errors.New("range not satisfiable")

// FetchError reports a failed network fetch. Status is zero for transport errors.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StatusOf returns the HTTP status carried by err, or zero
func StatusOf(err error) int {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Status
	}
	return 0
}

// HTTPFetcher downloads media byte ranges and thumbnail images over HTTP/HTTPS
type HTTPFetcher struct {
	logger *zap.Logger
	client *http.Client
}

// NewHTTPFetcher creates a new HTTP-based fetcher instance.
// No overall client timeout is set: media bodies are streamed for as long as
// the reader wants them, so only connection setup and headers are bounded.
func NewHTTPFetcher(logger *zap.Logger) *HTTPFetcher {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: _headerTimeout,
	}
	return &HTTPFetcher{
		logger: logger,
		client: &http.Client{Transport: transport},
	}
}

// Fetch downloads a thumbnail image. Bodies beyond 10 MB are truncated.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, _imageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", _userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: url, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "image/") {
		return nil, fmt.Errorf("url is not an image: %s", resp.Header.Get("Content-Type"))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, _maxImageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	f.logger.Debug("Image fetched successfully", zap.Int("bytes", len(data)), zap.String("url", url))
	return data, nil
}

// FetchRange requests length bytes of url starting at offset; length < 0 reads
// to the end. Servers that ignore Range and answer 200 are tolerated: the
// leading offset bytes are skipped so the returned body always starts at offset.
func (f *HTTPFetcher) FetchRange(ctx context.Context, url string, offset, length int64) (*domain.RangeBody, error) {
	if offset < 0 {
		return nil, fmt.Errorf("negative offset %d", offset)
	}
	if length == 0 {
		return &domain.RangeBody{Body: io.NopCloser(strings.NewReader("")), Offset: offset, TotalSize: -1}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("User-Agent", _userAgent)
	req.Header.Set("Range", rangeHeader(offset, length))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, end, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()
			return nil, &FetchError{URL: url, Status: resp.StatusCode, Err: err}
		}
		if start != offset {
			resp.Body.Close()
			return nil, &FetchError{URL: url, Status: resp.StatusCode,
				Err: fmt.Errorf("server returned range starting at %d, wanted %d", start, offset)}
		}
		n := end - start + 1
		if length >= 0 && length < n {
			n = length
		}
		f.logger.Debug("Range fetched",
			zap.String("url", url), zap.Int64("offset", offset), zap.Int64("length", n))
		return &domain.RangeBody{
			Body:        limitBody(resp.Body, n),
			Offset:      offset,
			Length:      n,
			TotalSize:   total,
			ContentType: resp.Header.Get("Content-Type"),
		}, nil

	case http.StatusOK:
		total := resp.ContentLength
		if offset > 0 {
			if total >= 0 && offset >= total {
				resp.Body.Close()
				return nil, &FetchError{URL: url, Status: http.StatusRequestedRangeNotSatisfiable, Err: ErrRangeNotSatisfiable}
			}
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				resp.Body.Close()
				return nil, &FetchError{URL: url, Status: resp.StatusCode, Err: fmt.Errorf("skipping to offset: %w", err)}
			}
		}
		n := int64(-1)
		if total >= 0 {
			n = total - offset
		}
		if length >= 0 && (n < 0 || length < n) {
			n = length
		}
		f.logger.Debug("Server ignored range request",
			zap.String("url", url), zap.Int64("offset", offset))
		return &domain.RangeBody{
			Body:        limitBody(resp.Body, n),
			Offset:      offset,
			Length:      n,
			TotalSize:   total,
			ContentType: resp.Header.Get("Content-Type"),
		}, nil

	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, &FetchError{URL: url, Status: resp.StatusCode, Err: ErrRangeNotSatisfiable}

	default:
		resp.Body.Close()
		return nil, &FetchError{URL: url, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}
}

func rangeHeader(offset, length int64) string {
	if length < 0 {
		return fmt.Sprintf("bytes=%d-", offset)
	}
	return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
}

// parseContentRange parses "bytes start-end/total"; total is -1 for "*"
func parseContentRange(v string) (start, end, total int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	rng, size, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range start: %w", err)
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range end: %w", err)
	}
	if end < start {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid Content-Range size: %w", err)
		}
	}
	return start, end, total, nil
}

type limitedBody struct {
	io.Reader
	io.Closer
}

func limitBody(body io.ReadCloser, n int64) io.ReadCloser {
	if n < 0 {
		return body
	}
	return limitedBody{Reader: io.LimitReader(body, n), Closer: body}
}
