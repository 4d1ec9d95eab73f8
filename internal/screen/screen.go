// Package screen detects the viewport that posters are rendered for.
package screen

import (
	"image"

	"github.com/genricoloni/reeld/internal/domain"
	"github.com/kbinani/screenshot"
	"go.uber.org/zap"
)

var fallback = domain.ScreenResolution{Width: 1920, Height: 1080}

// NewResolution detects the primary display size at startup
func NewResolution(logger *zap.Logger) *domain.ScreenResolution {
	return detect(logger, screenshot.NumActiveDisplays, screenshot.GetDisplayBounds)
}

func detect(logger *zap.Logger, count func() int, bounds func(int) image.Rectangle) *domain.ScreenResolution {
	if count() <= 0 {
		logger.Warn("No active displays detected, using fallback viewport",
			zap.Int("width", fallback.Width),
			zap.Int("height", fallback.Height))
		res := fallback
		return &res
	}

	b := bounds(0)
	if b.Dx() <= 0 || b.Dy() <= 0 {
		logger.Warn("Primary display reports an empty area, using fallback viewport")
		res := fallback
		return &res
	}

	res := &domain.ScreenResolution{Width: b.Dx(), Height: b.Dy()}
	logger.Info("Viewport detected",
		zap.Int("width", res.Width),
		zap.Int("height", res.Height))
	return res
}
