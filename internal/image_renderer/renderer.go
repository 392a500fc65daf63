package image_renderer

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var errUnsupportedFormat = errors.New("unsupported image format")

// Renderer produces small JPEG previews of image files.
type Renderer interface {
	// Thumbnail scales the image at path to fit within size x size pixels.
	// Images that already fit are re-encoded at their own size.
	Thumbnail(path string, size int) (*Thumbnail, error)
}

type Thumbnail struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// New creates a renderer by kind: "vips" or "go".
func New(kind string, quality int, log *zap.Logger) (Renderer, error) {
	switch kind {
	case "vips":
		log.Info("Using vips renderer", zap.Int("quality", quality))
		return NewVipsRenderer(quality, NewGoRenderer(quality), log), nil
	case "go":
		log.Info("Using go renderer", zap.Int("quality", quality))
		return NewGoRenderer(quality), nil
	default:
		return nil, fmt.Errorf("unknown renderer: %s (supported: vips, go)", kind)
	}
}

// fitScale returns the factor that fits width x height inside size x size,
// never above 1.
func fitScale(width, height, size int) float64 {
	if width <= 0 || height <= 0 || size <= 0 {
		return 1
	}
	longest := max(width, height)
	if longest <= size {
		return 1
	}
	return float64(size) / float64(longest)
}
