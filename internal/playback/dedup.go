package playback

import (
	"time"

	"github.com/genricoloni/reeld/internal/domain"
)

// ShouldSuppress reports whether a request with key next arriving at now
// repeats the last accepted request closely enough to be dropped.
// A zero lastAt means nothing has been accepted yet.
func ShouldSuppress(last domain.RequestKey, lastAt time.Time, next domain.RequestKey, now time.Time, window time.Duration) bool {
	if lastAt.IsZero() || last != next {
		return false
	}
	elapsed := now.Sub(lastAt)
	return elapsed >= 0 && elapsed < window
}
