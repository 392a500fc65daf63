package image_renderer

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"
)

// VipsRenderer renders previews with libvips. vips.Startup must have been
// called before use.
type VipsRenderer struct {
	quality  int
	fallback Renderer
	logger   *zap.Logger
}

// NewVipsRenderer creates a libvips renderer. Formats without a vips loader
// here go to fallback when it is not nil.
func NewVipsRenderer(quality int, fallback Renderer, logger *zap.Logger) *VipsRenderer {
	return &VipsRenderer{
		quality:  quality,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *VipsRenderer) Thumbnail(path string, size int) (*Thumbnail, error) {
	image, err := r.loadImage(path)
	if errors.Is(err, errUnsupportedFormat) && r.fallback != nil {
		r.logger.Debug("Delegating preview to fallback renderer", zap.String("path", path))
		return r.fallback.Thumbnail(path, size)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	if scale := fitScale(image.Width(), image.Height(), size); scale < 1 {
		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		if err := image.Resize(scale, resizeOpts); err != nil {
			return nil, fmt.Errorf("failed to resize: %w", err)
		}
	}

	jpegOpts := vips.DefaultJpegsaveBufferOptions()
	jpegOpts.Q = r.quality
	jpegOpts.Interlace = false

	data, err := image.JpegsaveBuffer(jpegOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	return &Thumbnail{
		Data:        data,
		ContentType: "image/jpeg",
		Width:       image.Width(),
		Height:      image.Height(),
	}, nil
}

// loadImage loads an image based on file extension
func (r *VipsRenderer) loadImage(path string) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))

	// Previews read every pixel once
	access := vips.AccessSequential

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedFormat, ext)
	}
}
