// Package icon_source backs the icon loader with the media index, the
// preview store and the renderers.
package icon_source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"

	"go.uber.org/zap"

	"thumbview/internal/apk_icon"
	"thumbview/internal/cache"
	"thumbview/internal/category"
	"thumbview/internal/icon_loader"
	"thumbview/internal/image_renderer"
	"thumbview/internal/media_index"
)

const previewFormat = "jpeg"

// Index is the part of the media index a Source needs.
type Index interface {
	ResolveID(ctx context.Context, path string, isVideo bool) (int64, error)
	Lookup(ctx context.Context, id int64) (*media_index.Entry, error)
}

type Source struct {
	index    Index
	store    cache.Cache
	renderer image_renderer.Renderer
	size     int
	logger   *zap.Logger
}

var _ icon_loader.Source = (*Source)(nil)

func New(index Index, store cache.Cache, renderer image_renderer.Renderer, size int, logger *zap.Logger) *Source {
	return &Source{
		index:    index,
		store:    store,
		renderer: renderer,
		size:     size,
		logger:   logger,
	}
}

func (s *Source) ResolvePersistedID(ctx context.Context, path string, isVideo bool) (int64, error) {
	return s.index.ResolveID(ctx, path, isVideo)
}

// FetchPreview renders the preview of an indexed picture or video poster,
// going through the preview store first. Videos without a poster have no
// preview.
func (s *Source) FetchPreview(ctx context.Context, id int64, cat category.Category) (*icon_loader.Bitmap, error) {
	entry, err := s.index.Lookup(ctx, id)
	if errors.Is(err, media_index.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	src := entry.Path
	if cat == category.Video {
		src = entry.PosterPath
	}
	if src == "" {
		return nil, nil
	}

	key := cache.PreviewKey{
		ID:      id,
		Size:    s.size,
		Version: entry.ModTime.UnixNano(),
		Format:  previewFormat,
	}

	if data, ok := s.store.Get(key); ok {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err == nil {
			return &icon_loader.Bitmap{
				Data:        data,
				ContentType: "image/jpeg",
				Width:       cfg.Width,
				Height:      cfg.Height,
			}, nil
		}
		s.logger.Warn("Dropping unreadable stored preview", zap.Int64("id", id), zap.Error(err))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	thumb, err := s.renderer.Thumbnail(src, s.size)
	if err != nil {
		return nil, fmt.Errorf("failed to render preview of %s: %w", src, err)
	}
	s.store.Set(key, thumb.Data)

	s.logger.Debug("Preview rendered",
		zap.Int64("id", id),
		zap.String("path", src),
		zap.Int("width", thumb.Width),
		zap.Int("height", thumb.Height),
	)

	return &icon_loader.Bitmap{
		Data:        thumb.Data,
		ContentType: thumb.ContentType,
		Width:       thumb.Width,
		Height:      thumb.Height,
	}, nil
}

func (s *Source) FetchApkIcon(ctx context.Context, path string) (*icon_loader.Drawable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	icon, err := apk_icon.Extract(path)
	if errors.Is(err, apk_icon.ErrNotAPK) {
		s.logger.Debug("Not an apk archive", zap.String("path", path), zap.Error(err))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if icon == nil {
		return nil, nil
	}

	return &icon_loader.Drawable{
		Data:        icon.Data,
		ContentType: icon.ContentType,
	}, nil
}
