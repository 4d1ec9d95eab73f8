package screen

import (
	"image"
	"testing"

	"go.uber.org/zap"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name           string
		displays       int
		bounds         image.Rectangle
		expectedWidth  int
		expectedHeight int
	}{
		{
			name:           "Primary Display",
			displays:       2,
			bounds:         image.Rect(0, 0, 2560, 1440),
			expectedWidth:  2560,
			expectedHeight: 1440,
		},
		{
			name:           "Offset Display",
			displays:       1,
			bounds:         image.Rect(1920, 0, 3000, 1920),
			expectedWidth:  1080,
			expectedHeight: 1920,
		},
		{
			name:           "No Displays",
			displays:       0,
			expectedWidth:  1920,
			expectedHeight: 1080,
		},
		{
			name:           "Empty Bounds",
			displays:       1,
			bounds:         image.Rectangle{},
			expectedWidth:  1920,
			expectedHeight: 1080,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count := func() int { return tt.displays }
			bounds := func(i int) image.Rectangle {
				if i != 0 {
					t.Errorf("expected only the primary display to be queried, got index %d", i)
				}
				return tt.bounds
			}

			res := detect(zap.NewNop(), count, bounds)
			if res.Width != tt.expectedWidth || res.Height != tt.expectedHeight {
				t.Errorf("expected %dx%d, got %dx%d", tt.expectedWidth, tt.expectedHeight, res.Width, res.Height)
			}
		})
	}
}

func TestDetect_FallbackIsNotShared(t *testing.T) {
	none := func() int { return 0 }
	a := detect(zap.NewNop(), none, nil)
	a.Width = 1
	b := detect(zap.NewNop(), none, nil)
	if b.Width != 1920 {
		t.Errorf("fallback viewport was mutated through a previous result: %d", b.Width)
	}
}
