// Package thumbnail renders the static poster shown while a reel has no
// rendered frame.
package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // PNG thumbnails
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/genricoloni/reeld/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultBlurRadius = 20.0
	// fraction of the viewport the sharp thumbnail may occupy
	defaultCoverRatio = 0.85
	jpegQuality       = 88
)

// Options tunes poster rendering
type Options struct {
	BlurRadius float64
	CoverRatio float64
}

// PosterGenerator composes a blurred full-viewport backdrop with the sharp
// thumbnail centred on it and writes the result to the output directory
type PosterGenerator struct {
	logger *zap.Logger
	res    *domain.ScreenResolution
	cfg    domain.Config
	opts   Options
	group  singleflight.Group
}

// NewPosterGenerator creates a generator rendering at the detected viewport
func NewPosterGenerator(logger *zap.Logger, res *domain.ScreenResolution, cfg domain.Config) *PosterGenerator {
	return &PosterGenerator{
		logger: logger,
		res:    res,
		cfg:    cfg,
		opts: Options{
			BlurRadius: defaultBlurRadius,
			CoverRatio: defaultCoverRatio,
		},
	}
}

// Render returns the encoded poster for the given thumbnail
func (p *PosterGenerator) Render(ctx context.Context, thumbnail []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(thumbnail))
	if err != nil {
		return nil, fmt.Errorf("failed to decode thumbnail: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, fmt.Errorf("invalid thumbnail dimensions: %dx%d", bounds.Dx(), bounds.Dy())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, h := p.res.Width, p.res.Height
	backdrop := imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos)
	backdrop = imaging.Blur(backdrop, p.opts.BlurRadius)

	// Largest size that keeps the aspect ratio inside the cover box
	scale := math.Min(
		float64(w)*p.opts.CoverRatio/float64(bounds.Dx()),
		float64(h)*p.opts.CoverRatio/float64(bounds.Dy()),
	)
	cw := max(1, int(float64(bounds.Dx())*scale))
	ch := max(1, int(float64(bounds.Dy())*scale))
	cover := imaging.Resize(img, cw, ch, imaging.Lanczos)

	cb := cover.Bounds()
	at := image.Pt((w-cb.Dx())/2, (h-cb.Dy())/2)
	poster := imaging.Paste(backdrop, cover, at)

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, poster, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode poster: %w", err)
	}
	return buf.Bytes(), nil
}

// Generate renders and stores the poster for itemID, returning its path.
// A poster already on disk is reused; concurrent calls for one item share
// a single render.
func (p *PosterGenerator) Generate(ctx context.Context, itemID string, thumbnail []byte) (string, error) {
	path := p.path(itemID)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	v, err, shared := p.group.Do(itemID, func() (any, error) {
		data, err := p.Render(ctx, thumbnail)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("failed to create output directory: %w", err)
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return "", fmt.Errorf("failed to write poster: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			_ = os.Remove(tmp)
			return "", fmt.Errorf("failed to store poster: %w", err)
		}
		p.logger.Info("Poster generated",
			zap.String("item", itemID),
			zap.String("path", path),
			zap.Int("size", len(data)))
		return path, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		p.logger.Debug("Poster render shared", zap.String("item", itemID))
	}
	return v.(string), nil
}

func (p *PosterGenerator) path(itemID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, itemID)
	dir, err := filepath.Abs(p.cfg.GetOutputDir())
	if err != nil {
		dir = p.cfg.GetOutputDir()
	}
	return filepath.Join(dir, fmt.Sprintf("poster-%s-%dx%d.jpg", name, p.res.Width, p.res.Height))
}
