// Package player drives an external mpv process over its JSON IPC socket.
package player

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/genricoloni/reeld/internal/domain"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	_dialTimeout   = 5 * time.Second
	_dialInterval  = 50 * time.Millisecond
	_maxLineLength = 1 << 20

	// observe_property ids
	_obsPausedForCache = 1
	_obsDuration       = 2
	_obsEOFReached     = 3
)

var (
	errNotRunning = errors.New("mpv is not running")
	errClosed     = errors.New("mpv connection closed")
)

// StatusLookup returns the last upstream HTTP status seen for a media URL,
// zero when unknown
type StatusLookup func(url string) int

// Option configures an MPV player
type Option func(*MPV)

// WithURLRewriter maps media URLs before they are handed to mpv, for
// example to route them through the caching proxy
func WithURLRewriter(fn func(string) string) Option {
	return func(m *MPV) {
		if fn != nil {
			m.rewrite = fn
		}
	}
}

// WithStatusLookup attaches upstream status codes to load errors
func WithStatusLookup(fn StatusLookup) Option {
	return func(m *MPV) {
		m.status = fn
	}
}

type request struct {
	Command   []any `json:"command"`
	RequestID int64 `json:"request_id"`
}

// message is either a command reply or an event
type message struct {
	RequestID int64               `json:"request_id"`
	Error     string              `json:"error"`
	Data      jsoniter.RawMessage `json:"data"`
	Event     string              `json:"event"`
	ID        int64               `json:"id"`
	Name      string              `json:"name"`
	Reason    string              `json:"reason"`
	FileError string              `json:"file_error"`
}

// MPV implements domain.Player with one long-lived mpv process
type MPV struct {
	logger  *zap.Logger
	binary  string
	rewrite func(string) string
	status  StatusLookup

	socket string
	cmd    *exec.Cmd

	mu      sync.Mutex
	conn    net.Conn
	pending map[int64]chan message
	nextID  atomic.Int64
	source  atomic.Value // original URL of the loaded media

	// Events wait in queue until the pump hands them to the consumer
	qmu    sync.Mutex
	queue  []domain.PlayerEvent
	wake   chan struct{}
	events chan domain.PlayerEvent

	closed    chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}
}

// NewMPV creates a player that will launch binary on Start
func NewMPV(logger *zap.Logger, binary string, opts ...Option) *MPV {
	m := &MPV{
		logger:   logger,
		binary:   binary,
		rewrite:  func(u string) string { return u },
		pending:  make(map[int64]chan message),
		wake:     make(chan struct{}, 1),
		events:   make(chan domain.PlayerEvent, 16),
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
	}
	m.source.Store("")
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches mpv in idle mode and connects to its IPC socket
func (m *MPV) Start(ctx context.Context) error {
	m.mu.Lock()
	attached := m.conn != nil
	m.mu.Unlock()
	if attached {
		return nil
	}

	m.socket = filepath.Join(os.TempDir(), "reeld-mpv-"+uuid.NewString()+".sock")
	m.cmd = exec.Command(m.binary,
		"--idle=yes",
		"--keep-open=yes",
		"--force-window=yes",
		"--no-terminal",
		"--input-ipc-server="+m.socket,
	)
	if err := m.cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch %s: %w", m.binary, err)
	}
	m.logger.Info("mpv launched", zap.Int("pid", m.cmd.Process.Pid), zap.String("socket", m.socket))

	conn, err := dialSocket(ctx, m.socket)
	if err != nil {
		_ = m.cmd.Process.Kill()
		_ = m.cmd.Wait()
		return fmt.Errorf("failed to connect to mpv: %w", err)
	}
	m.attach(conn)
	return m.observe(ctx)
}

func dialSocket(ctx context.Context, path string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, _dialTimeout)
	defer cancel()

	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "unix", path)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(_dialInterval):
		}
	}
}

// attach starts reading replies and events from conn
func (m *MPV) attach(conn net.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	go m.readLoop(conn)
	go m.pump()
}

func (m *MPV) observe(ctx context.Context) error {
	if _, err := m.call(ctx, "observe_property", _obsPausedForCache, "paused-for-cache"); err != nil {
		return err
	}
	if _, err := m.call(ctx, "observe_property", _obsDuration, "duration"); err != nil {
		return err
	}
	// With keep-open mpv holds the last frame and never reports end-file at EOF
	_, err := m.call(ctx, "observe_property", _obsEOFReached, "eof-reached")
	return err
}

// Close shuts down mpv and releases the socket
func (m *MPV) Close() error {
	var errs error
	m.closeOnce.Do(func() {
		close(m.closed)

		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()
		if conn != nil {
			// Best effort: ask mpv to exit before the connection goes away
			if b, err := json.Marshal(request{Command: []any{"quit"}}); err == nil {
				_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
				_, _ = conn.Write(append(b, '\n'))
			}
			errs = multierr.Append(errs, conn.Close())
			<-m.readDone
		}

		if m.cmd != nil && m.cmd.Process != nil {
			done := make(chan error, 1)
			go func() { done <- m.cmd.Wait() }()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				errs = multierr.Append(errs, m.cmd.Process.Kill())
				<-done
			}
		}
		if m.socket != "" {
			if err := os.Remove(m.socket); err != nil && !os.IsNotExist(err) {
				errs = multierr.Append(errs, err)
			}
		}
		m.logger.Info("mpv stopped")
	})
	return errs
}

// Events returns the channel of playback notifications
func (m *MPV) Events() <-chan domain.PlayerEvent {
	return m.events
}

// Load replaces the current media with url
func (m *MPV) Load(ctx context.Context, url string) error {
	m.source.Store(url)
	_, err := m.call(ctx, "loadfile", m.rewrite(url), "replace")
	return err
}

// Play unpauses playback
func (m *MPV) Play(ctx context.Context) error {
	_, err := m.call(ctx, "set_property", "pause", false)
	return err
}

// Pause pauses playback
func (m *MPV) Pause(ctx context.Context) error {
	_, err := m.call(ctx, "set_property", "pause", true)
	return err
}

// SeekTo seeks to an absolute position
func (m *MPV) SeekTo(ctx context.Context, pos time.Duration) error {
	_, err := m.call(ctx, "seek", pos.Seconds(), "absolute")
	return err
}

// SetVolume sets the volume; mpv expects a percentage
func (m *MPV) SetVolume(ctx context.Context, volume float64) error {
	_, err := m.call(ctx, "set_property", "volume", volume*100)
	return err
}

// Position returns the current playback position
func (m *MPV) Position(ctx context.Context) (time.Duration, error) {
	return m.seconds(ctx, "time-pos")
}

// Duration returns the length of the loaded media
func (m *MPV) Duration(ctx context.Context) (time.Duration, error) {
	return m.seconds(ctx, "duration")
}

func (m *MPV) seconds(ctx context.Context, property string) (time.Duration, error) {
	data, err := m.call(ctx, "get_property", property)
	if err != nil {
		return 0, err
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return 0, fmt.Errorf("decoding %s: %w", property, err)
	}
	return secondsToDuration(secs), nil
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// call sends one command and waits for its reply
func (m *MPV) call(ctx context.Context, args ...any) (jsoniter.RawMessage, error) {
	id := m.nextID.Add(1)
	b, err := json.Marshal(request{Command: args, RequestID: id})
	if err != nil {
		return nil, fmt.Errorf("encoding mpv command: %w", err)
	}
	reply := make(chan message, 1)

	m.mu.Lock()
	if m.conn == nil {
		m.mu.Unlock()
		return nil, errNotRunning
	}
	m.pending[id] = reply
	_, err = m.conn.Write(append(b, '\n'))
	m.mu.Unlock()
	if err != nil {
		m.forget(id)
		return nil, fmt.Errorf("writing mpv command %v: %w", args[0], err)
	}

	select {
	case msg := <-reply:
		if msg.Error != "success" {
			return nil, fmt.Errorf("mpv %v: %s", args[0], msg.Error)
		}
		return msg.Data, nil
	case <-ctx.Done():
		m.forget(id)
		return nil, ctx.Err()
	case <-m.readDone:
		return nil, errClosed
	}
}

func (m *MPV) forget(id int64) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

func (m *MPV) readLoop(conn net.Conn) {
	defer close(m.readDone)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), _maxLineLength)
	for scanner.Scan() {
		var msg message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			m.logger.Debug("Ignoring malformed mpv message", zap.Error(err))
			continue
		}
		if msg.Event != "" {
			m.handleEvent(msg)
			continue
		}

		m.mu.Lock()
		reply, ok := m.pending[msg.RequestID]
		delete(m.pending, msg.RequestID)
		m.mu.Unlock()
		if ok {
			reply <- msg
		}
	}

	select {
	case <-m.closed:
	default:
		m.logger.Error("mpv connection lost", zap.Error(scanner.Err()))
	}
}

func (m *MPV) handleEvent(msg message) {
	src, _ := m.source.Load().(string)

	switch msg.Event {
	case "playback-restart":
		m.emit(domain.PlayerEvent{Kind: domain.EventFirstFrame, SourceURL: src})

	case "property-change":
		switch msg.ID {
		case _obsPausedForCache:
			var buffering bool
			if len(msg.Data) > 0 && json.Unmarshal(msg.Data, &buffering) == nil {
				m.emit(domain.PlayerEvent{Kind: domain.EventBuffering, SourceURL: src, Buffering: buffering})
			}
		case _obsDuration:
			var secs float64
			if len(msg.Data) > 0 && json.Unmarshal(msg.Data, &secs) == nil && secs > 0 {
				m.emit(domain.PlayerEvent{Kind: domain.EventDuration, SourceURL: src, Duration: secondsToDuration(secs)})
			}
		case _obsEOFReached:
			var eof bool
			if len(msg.Data) > 0 && json.Unmarshal(msg.Data, &eof) == nil && eof {
				m.emit(domain.PlayerEvent{Kind: domain.EventEnded, SourceURL: src})
			}
		}

	case "end-file":
		switch msg.Reason {
		case "eof":
			m.emit(domain.PlayerEvent{Kind: domain.EventEnded, SourceURL: src})
		case "error":
			code := 0
			if m.status != nil {
				code = m.status(src)
			}
			m.emit(domain.PlayerEvent{
				Kind:      domain.EventError,
				SourceURL: src,
				Code:      code,
				Err:       fmt.Errorf("mpv: %s", msg.FileError),
			})
		}
		// "stop" and "redirect" follow a replace and carry no news

	default:
		m.logger.Debug("mpv event", zap.String("event", msg.Event))
	}
}

// emit queues ev without blocking the reader. Nothing is dropped: frame,
// ended and error events are edges the session cannot recover from missing.
// A buffering or duration update replaces a queued update of the same kind
// directly before it, since only its latest value matters.
func (m *MPV) emit(ev domain.PlayerEvent) {
	m.qmu.Lock()
	n := len(m.queue)
	if n > 0 && coalesces(ev.Kind) && m.queue[n-1].Kind == ev.Kind && m.queue[n-1].SourceURL == ev.SourceURL {
		m.queue[n-1] = ev
	} else {
		m.queue = append(m.queue, ev)
	}
	m.qmu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func coalesces(kind domain.PlayerEventKind) bool {
	return kind == domain.EventBuffering || kind == domain.EventDuration
}

// pump forwards queued events in order and closes the channel once the
// connection is gone and the queue is drained
func (m *MPV) pump() {
	defer close(m.events)
	for {
		ev, ok := m.next()
		if !ok {
			return
		}
		select {
		case m.events <- ev:
		case <-m.closed:
			return
		}
	}
}

func (m *MPV) next() (domain.PlayerEvent, bool) {
	for {
		m.qmu.Lock()
		if len(m.queue) > 0 {
			ev := m.queue[0]
			m.queue = m.queue[1:]
			m.qmu.Unlock()
			return ev, true
		}
		m.qmu.Unlock()

		select {
		case <-m.wake:
		case <-m.readDone:
			m.qmu.Lock()
			empty := len(m.queue) == 0
			m.qmu.Unlock()
			if empty {
				return domain.PlayerEvent{}, false
			}
		}
	}
}
