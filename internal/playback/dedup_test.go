package playback

import (
	"testing"
	"time"

	"github.com/genricoloni/reeld/internal/domain"
)

func TestShouldSuppress(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	key := domain.RequestKey{ItemID: "x", URL: "https://cdn/x.mp4", Autoplay: true}

	tests := []struct {
		name     string
		last     domain.RequestKey
		lastAt   time.Time
		next     domain.RequestKey
		now      time.Time
		expected bool
	}{
		{
			name:     "Nothing Accepted Yet",
			next:     key,
			now:      base,
			expected: false,
		},
		{
			name:     "Identical Within Window",
			last:     key,
			lastAt:   base,
			next:     key,
			now:      base.Add(100 * time.Millisecond),
			expected: true,
		},
		{
			name:     "Identical At Window Edge",
			last:     key,
			lastAt:   base,
			next:     key,
			now:      base.Add(DefaultDedupWindow),
			expected: false,
		},
		{
			name:     "Identical Outside Window",
			last:     key,
			lastAt:   base,
			next:     key,
			now:      base.Add(time.Second),
			expected: false,
		},
		{
			name:     "Autoplay Differs",
			last:     key,
			lastAt:   base,
			next:     domain.RequestKey{ItemID: key.ItemID, URL: key.URL},
			now:      base.Add(10 * time.Millisecond),
			expected: false,
		},
		{
			name:     "Different Item",
			last:     key,
			lastAt:   base,
			next:     domain.RequestKey{ItemID: "y", URL: key.URL, Autoplay: true},
			now:      base.Add(10 * time.Millisecond),
			expected: false,
		},
		{
			name:     "Clock Went Backwards",
			last:     key,
			lastAt:   base,
			next:     key,
			now:      base.Add(-time.Second),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShouldSuppress(tt.last, tt.lastAt, tt.next, tt.now, DefaultDedupWindow)
			if got != tt.expected {
				t.Errorf("ShouldSuppress() = %v, want %v", got, tt.expected)
			}
		})
	}
}
