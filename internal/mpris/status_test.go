package mpris

import (
	"testing"

	"github.com/genricoloni/reeld/internal/domain"
	"github.com/godbus/dbus/v5"
)

func TestPlaybackStatus(t *testing.T) {
	tests := []struct {
		phase    domain.Phase
		expected string
	}{
		{domain.PhaseIdle, "Stopped"},
		{domain.PhaseLoading, "Playing"},
		{domain.PhasePlaying, "Playing"},
		{domain.PhasePaused, "Paused"},
		{domain.PhaseEnded, "Paused"},
		{domain.Phase(""), "Stopped"},
	}

	for _, tt := range tests {
		if got := playbackStatus(tt.phase); got != tt.expected {
			t.Errorf("playbackStatus(%q) = %q, want %q", tt.phase, got, tt.expected)
		}
	}
}

func TestTrackPath(t *testing.T) {
	tests := []struct {
		id       string
		expected dbus.ObjectPath
	}{
		{"r1", "/org/genricoloni/reeld/item/r1"},
		{"reel-42/v2", "/org/genricoloni/reeld/item/reel_42_v2"},
		{"ünï", "/org/genricoloni/reeld/item/_n_"},
	}

	for _, tt := range tests {
		got := trackPath(tt.id)
		if got != tt.expected {
			t.Errorf("trackPath(%q) = %q, want %q", tt.id, got, tt.expected)
		}
		if !got.IsValid() {
			t.Errorf("trackPath(%q) produced an invalid object path", tt.id)
		}
	}
}
