package icon_loader

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"thumbview/internal/category"
)

type worker struct {
	loader *Loader
	logger *zap.Logger
	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func startWorker(l *Loader) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		loader: l,
		logger: l.logger.Named("worker"),
		wake:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(ctx)
	return w
}

// signal wakes the worker. A wake that is already queued absorbs this one.
func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// stop cancels the current batch and blocks until the goroutine exits.
func (w *worker) stop() {
	w.cancel()
	<-w.done
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}

		loaded := w.loadBatch(ctx)
		if ctx.Err() != nil {
			return
		}

		l := w.loader
		l.owner.Post(func() { l.onBatchLoaded(loaded) })
	}
}

// loadBatch loads every pending key whose holder is still Needed and returns
// how many were settled.
func (w *worker) loadBatch(ctx context.Context) int {
	start := time.Now()
	descs := w.loader.pending.descriptors()
	loaded := 0

	for _, desc := range descs {
		if ctx.Err() != nil {
			break
		}

		holder, ok := w.loader.cache.Lookup(desc.Key)
		if !ok || !holder.compareAndSwapStatus(StatusNeeded, StatusLoading) {
			continue
		}

		w.load(ctx, desc, holder)
		if holder.Status() != StatusLoaded {
			continue
		}
		if !w.loader.cache.storeIf(desc.Key, holder) {
			w.logger.Debug("Dropping icon loaded for a cleared entry", zap.String("path", desc.Key))
			continue
		}
		loaded++
	}

	w.logger.Debug("Icon batch finished",
		zap.Int("keys", len(descs)),
		zap.Int("loaded", loaded),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return loaded
}

// load fetches one key. Failures and panics leave the holder Loaded with no
// image. A fetch cut short by stop puts it back to Needed.
func (w *worker) load(ctx context.Context, desc Descriptor, holder ImageHolder) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Icon fetch panicked",
				zap.String("path", desc.Key),
				zap.String("panic", fmt.Sprint(r)),
			)
			settleAbsent(holder)
		}
	}()

	var err error
	switch h := holder.(type) {
	case *DrawableHolder:
		var icon *Drawable
		icon, err = w.loader.source.FetchApkIcon(ctx, desc.Key)
		if err == nil {
			h.fill(icon)
		}
	case *BitmapHolder:
		var bitmap *Bitmap
		bitmap, err = w.fetchBitmap(ctx, desc)
		if err == nil {
			h.fill(bitmap)
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			holder.setStatus(StatusNeeded)
			return
		}
		w.logger.Warn("Failed to load icon",
			zap.String("path", desc.Key),
			zap.Stringer("category", desc.Category),
			zap.Error(err),
		)
		settleAbsent(holder)
		return
	}

	holder.setStatus(StatusLoaded)
}

func (w *worker) fetchBitmap(ctx context.Context, desc Descriptor) (*Bitmap, error) {
	isVideo := desc.Category == category.Video

	id := desc.PersistedID
	if id == 0 {
		resolved, err := w.loader.source.ResolvePersistedID(ctx, desc.Key, isVideo)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve persisted id: %w", err)
		}
		id = resolved
	}
	if id == 0 {
		w.logger.Error("Failed to get persisted id", zap.String("path", desc.Key), zap.Bool("video", isVideo))
		return nil, nil
	}

	return w.loader.source.FetchPreview(ctx, id, desc.Category)
}

func settleAbsent(holder ImageHolder) {
	switch h := holder.(type) {
	case *DrawableHolder:
		h.fill(nil)
	case *BitmapHolder:
		h.fill(nil)
	}
	holder.setStatus(StatusLoaded)
}
