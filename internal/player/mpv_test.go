package player

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/genricoloni/reeld/internal/domain"
	"go.uber.org/zap"
)

// fakeMPV answers IPC commands on the far end of a pipe
type fakeMPV struct {
	conn     net.Conn
	wmu      sync.Mutex
	mu       sync.Mutex
	commands [][]any
	props    map[string]float64
	failures map[string]string
	silent   map[string]bool
}

func (f *fakeMPV) serve() {
	scanner := bufio.NewScanner(f.conn)
	for scanner.Scan() {
		var req struct {
			Command   []any `json:"command"`
			RequestID int64 `json:"request_id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || len(req.Command) == 0 {
			continue
		}
		name, _ := req.Command[0].(string)

		f.mu.Lock()
		f.commands = append(f.commands, req.Command)
		failure, failing := f.failures[name]
		silent := f.silent[name]
		f.mu.Unlock()
		if silent {
			continue
		}

		resp := map[string]any{"request_id": req.RequestID, "error": "success"}
		switch {
		case failing:
			resp["error"] = failure
		case name == "get_property":
			prop, _ := req.Command[1].(string)
			if v, ok := f.props[prop]; ok {
				resp["data"] = v
			} else {
				resp["error"] = "property unavailable"
			}
		}
		f.send(resp)
	}
}

func (f *fakeMPV) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	f.wmu.Lock()
	defer f.wmu.Unlock()
	_, _ = f.conn.Write(append(b, '\n'))
}

func (f *fakeMPV) lastCommand() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		return nil
	}
	return f.commands[len(f.commands)-1]
}

func newTestMPV(t *testing.T, opts ...Option) (*MPV, *fakeMPV) {
	t.Helper()
	client, server := net.Pipe()
	f := &fakeMPV{
		conn:     server,
		props:    map[string]float64{"time-pos": 12.5},
		failures: make(map[string]string),
		silent:   make(map[string]bool),
	}
	go f.serve()

	m := NewMPV(zap.NewNop(), "mpv", opts...)
	m.attach(client)
	t.Cleanup(func() {
		_ = m.Close()
		_ = server.Close()
	})
	return m, f
}

func proxied(src string) string {
	return "http://127.0.0.1:7878/media?src=" + url.QueryEscape(src)
}

func TestMPV_Commands(t *testing.T) {
	const src = "https://cdn.example/reel.mp4"

	tests := []struct {
		name     string
		call     func(context.Context, *MPV) error
		expected []any
	}{
		{
			name:     "Load Through Rewriter",
			call:     func(ctx context.Context, m *MPV) error { return m.Load(ctx, src) },
			expected: []any{"loadfile", proxied(src), "replace"},
		},
		{
			name:     "Play",
			call:     func(ctx context.Context, m *MPV) error { return m.Play(ctx) },
			expected: []any{"set_property", "pause", false},
		},
		{
			name:     "Pause",
			call:     func(ctx context.Context, m *MPV) error { return m.Pause(ctx) },
			expected: []any{"set_property", "pause", true},
		},
		{
			name:     "Seek Absolute",
			call:     func(ctx context.Context, m *MPV) error { return m.SeekTo(ctx, 12500*time.Millisecond) },
			expected: []any{"seek", 12.5, "absolute"},
		},
		{
			name:     "Volume As Percentage",
			call:     func(ctx context.Context, m *MPV) error { return m.SetVolume(ctx, 0.5) },
			expected: []any{"set_property", "volume", 50.0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, f := newTestMPV(t, WithURLRewriter(proxied))
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			if err := tt.call(ctx, m); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := f.lastCommand(); !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("expected command %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestMPV_Properties(t *testing.T) {
	m, _ := newTestMPV(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pos, err := m.Position(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != 12500*time.Millisecond {
		t.Errorf("expected 12.5s, got %v", pos)
	}

	if _, err := m.Duration(ctx); err == nil || !strings.Contains(err.Error(), "property unavailable") {
		t.Errorf("expected property unavailable error, got %v", err)
	}
}

func TestMPV_ReplyError(t *testing.T) {
	m, f := newTestMPV(t)
	f.failures["loadfile"] = "invalid parameter"

	err := m.Load(context.Background(), "https://cdn.example/missing.mp4")
	if err == nil || !strings.Contains(err.Error(), "invalid parameter") {
		t.Fatalf("expected invalid parameter error, got %v", err)
	}
}

func TestMPV_CallHonoursContext(t *testing.T) {
	m, f := newTestMPV(t)
	f.silent["seek"] = true

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.SeekTo(ctx, time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMPV_NotRunning(t *testing.T) {
	m := NewMPV(zap.NewNop(), "mpv")
	if err := m.Play(context.Background()); !errors.Is(err, errNotRunning) {
		t.Fatalf("expected errNotRunning, got %v", err)
	}
}

func TestMPV_Events(t *testing.T) {
	const src = "https://cdn.example/reel.mp4"

	tests := []struct {
		name     string
		event    map[string]any
		expected *domain.PlayerEvent
	}{
		{
			name:     "First Frame",
			event:    map[string]any{"event": "playback-restart"},
			expected: &domain.PlayerEvent{Kind: domain.EventFirstFrame, SourceURL: src},
		},
		{
			name:     "Buffering",
			event:    map[string]any{"event": "property-change", "id": 1, "name": "paused-for-cache", "data": true},
			expected: &domain.PlayerEvent{Kind: domain.EventBuffering, SourceURL: src, Buffering: true},
		},
		{
			name:     "Duration",
			event:    map[string]any{"event": "property-change", "id": 2, "name": "duration", "data": 31.5},
			expected: &domain.PlayerEvent{Kind: domain.EventDuration, SourceURL: src, Duration: 31500 * time.Millisecond},
		},
		{
			name:     "Ended",
			event:    map[string]any{"event": "end-file", "reason": "eof"},
			expected: &domain.PlayerEvent{Kind: domain.EventEnded, SourceURL: src},
		},
		{
			name:     "End Of File With Keep Open",
			event:    map[string]any{"event": "property-change", "id": 3, "name": "eof-reached", "data": true},
			expected: &domain.PlayerEvent{Kind: domain.EventEnded, SourceURL: src},
		},
		{
			name:  "End Of File Cleared Is Silent",
			event: map[string]any{"event": "property-change", "id": 3, "name": "eof-reached", "data": false},
		},
		{
			name:     "Load Error With Status",
			event:    map[string]any{"event": "end-file", "reason": "error", "file_error": "loading failed"},
			expected: &domain.PlayerEvent{Kind: domain.EventError, SourceURL: src, Code: 403},
		},
		{
			name:  "Replaced File Is Silent",
			event: map[string]any{"event": "end-file", "reason": "stop"},
		},
		{
			name:  "Unknown Duration Is Silent",
			event: map[string]any{"event": "property-change", "id": 2, "name": "duration", "data": nil},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := func(u string) int {
				if u == src {
					return 403
				}
				return 0
			}
			m, f := newTestMPV(t, WithStatusLookup(lookup))
			if err := m.Load(context.Background(), src); err != nil {
				t.Fatalf("load: %v", err)
			}

			f.send(tt.event)

			select {
			case ev := <-m.Events():
				if tt.expected == nil {
					t.Fatalf("expected no event, got %+v", ev)
				}
				if ev.Kind != tt.expected.Kind || ev.SourceURL != tt.expected.SourceURL ||
					ev.Buffering != tt.expected.Buffering || ev.Duration != tt.expected.Duration ||
					ev.Code != tt.expected.Code {
					t.Errorf("expected %+v, got %+v", *tt.expected, ev)
				}
				if ev.Kind == domain.EventError && (ev.Err == nil || !strings.Contains(ev.Err.Error(), "loading failed")) {
					t.Errorf("expected file error in event, got %v", ev.Err)
				}
			case <-time.After(100 * time.Millisecond):
				if tt.expected != nil {
					t.Fatal("timeout: event was not emitted")
				}
			}
		})
	}
}

func TestMPV_EventsAreNotDroppedWhileConsumerIsBusy(t *testing.T) {
	const src = "https://cdn.example/reel.mp4"
	m, f := newTestMPV(t)
	if err := m.Load(context.Background(), src); err != nil {
		t.Fatalf("load: %v", err)
	}

	// Far more events than the channel buffers, with nobody reading
	const frames = 64
	for i := 0; i < frames; i++ {
		f.send(map[string]any{"event": "playback-restart"})
		f.send(map[string]any{"event": "property-change", "id": 1, "name": "paused-for-cache", "data": i%2 == 0})
	}
	f.send(map[string]any{"event": "property-change", "id": 1, "name": "paused-for-cache", "data": false})
	f.send(map[string]any{"event": "property-change", "id": 3, "name": "eof-reached", "data": true})

	var seenFrames int
	var lastBuffering *bool
	for {
		select {
		case ev := <-m.Events():
			switch ev.Kind {
			case domain.EventFirstFrame:
				seenFrames++
			case domain.EventBuffering:
				b := ev.Buffering
				lastBuffering = &b
			case domain.EventEnded:
				if seenFrames != frames {
					t.Fatalf("expected %d first-frame events before the end, got %d", frames, seenFrames)
				}
				if lastBuffering == nil || *lastBuffering {
					t.Fatal("expected the latest buffering state to be false")
				}
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout: ended event lost after %d frames", seenFrames)
		}
	}
}

func TestMPV_EventsCloseAfterConnectionEnds(t *testing.T) {
	m, f := newTestMPV(t)
	f.send(map[string]any{"event": "playback-restart"})
	_ = f.conn.Close()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-m.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timeout: events channel was not closed")
		}
	}
}
