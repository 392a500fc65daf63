// Package icon_loader loads file icons and thumbnails in the background and
// caches them by path.
//
// A Loader belongs to one owning loop. RequestImage, Cancel, Pause, Resume,
// Stop and Clear must be called on that loop, and listener callbacks are
// delivered on it. Fetching happens on a single worker goroutine that the
// loader starts on first need.
package icon_loader

import (
	"context"

	"go.uber.org/zap"

	"thumbview/internal/category"
)

// Source fetches images. It is only ever called from the worker goroutine
// and may block on I/O.
type Source interface {
	// ResolvePersistedID looks up the index identifier for path. It returns
	// 0 when the path is not indexed.
	ResolvePersistedID(ctx context.Context, path string, isVideo bool) (int64, error)
	// FetchPreview returns a small preview, or nil when none exists.
	FetchPreview(ctx context.Context, id int64, cat category.Category) (*Bitmap, error)
	// FetchApkIcon returns the application icon, or nil when none exists.
	FetchApkIcon(ctx context.Context, path string) (*Drawable, error)
}

// Poster schedules a callback on the owning loop. Post must not block.
type Poster interface {
	Post(fn func()) bool
}

// Listener is told when a slot that missed the cache has been filled.
type Listener interface {
	IconLoaded(slot Slot)
}

// AbsentListener may be implemented by a Listener that also wants to know
// when a pending slot resolved to no image at all.
type AbsentListener interface {
	IconAbsent(slot Slot)
}

type Options struct {
	// MaxIdleBatches stops re-waking the worker after this many consecutive
	// batches loaded nothing while requests stayed pending. Zero or less
	// means never stop.
	MaxIdleBatches int
}

type lookupResult int

const (
	resultMiss lookupResult = iota
	resultHit
	resultAbsent
	resultUnsupported
)

type Loader struct {
	owner    Poster
	source   Source
	listener Listener
	logger   *zap.Logger

	cache   *IconCache
	pending *pendingTable

	maxIdleBatches int

	// Touched only on the owning loop.
	paused           bool
	loadingRequested bool
	worker           *worker
	idleBatches      int
}

func New(owner Poster, source Source, listener Listener, logger *zap.Logger, opts Options) *Loader {
	return &Loader{
		owner:          owner,
		source:         source,
		listener:       listener,
		logger:         logger,
		cache:          NewIconCache(),
		pending:        newPendingTable(),
		maxIdleBatches: opts.MaxIdleBatches,
	}
}

// Cache exposes the icon cache, mainly so memory pressure can reclaim it.
func (l *Loader) Cache() *IconCache {
	return l.cache
}

func (l *Loader) PendingCount() int {
	return l.pending.len()
}

// Pending reports whether slot is still waiting for a background load.
func (l *Loader) Pending(slot Slot) bool {
	_, ok := l.pending.get(slot)
	return ok
}

func (l *Loader) Paused() bool {
	return l.paused
}

// RequestImage shows the image for path in slot if it is cached and reports
// true. Otherwise it queues a background load, returns false, and later
// calls the listener once the slot has been filled. Unsupported categories
// and paths known to have no image return false without queuing anything.
func (l *Loader) RequestImage(slot Slot, path string, persistedID int64, cat category.Category) bool {
	desc := Descriptor{
		Key:         NormalizeKey(path),
		PersistedID: persistedID,
		Category:    cat,
	}

	switch l.loadCached(slot, desc) {
	case resultHit:
		l.pending.remove(slot)
		return true
	case resultMiss:
		l.pending.put(slot, desc)
		l.idleBatches = 0
		if !l.paused {
			l.requestLoading()
		}
		return false
	default:
		// The slot falls back to a static icon; drop any older desire so a
		// late result cannot land on it.
		l.pending.remove(slot)
		return false
	}
}

// Cancel forgets what slot wanted. A load already running for the same path
// still completes and is cached.
func (l *Loader) Cancel(slot Slot) {
	l.pending.remove(slot)
}

// Pause stops waking the worker. Pending requests are kept.
func (l *Loader) Pause() {
	l.paused = true
}

func (l *Loader) Resume() {
	l.paused = false
	l.idleBatches = 0
	if l.pending.len() > 0 {
		l.requestLoading()
	}
}

// Stop pauses the loader, waits for the worker to exit and clears all state.
// The loader stays paused afterwards.
func (l *Loader) Stop() {
	l.Pause()

	if l.worker != nil {
		l.worker.stop()
		l.worker = nil
		l.logger.Debug("Icon loader worker stopped")
	}

	l.Clear()
}

func (l *Loader) Clear() {
	l.pending.clear()
	l.cache.Clear()
	l.idleBatches = 0
}

// loadCached renders a cached image into slot when there is one. A Loaded
// holder whose image was reclaimed goes back to Needed.
func (l *Loader) loadCached(slot Slot, desc Descriptor) lookupResult {
	holder, ok := l.cache.Ensure(desc.Key, desc.Category)
	if !ok {
		return resultUnsupported
	}

	if holder.Status() == StatusLoaded {
		if holder.Absent() {
			return resultAbsent
		}
		if holder.Render(slot) {
			return resultHit
		}
		holder.compareAndSwapStatus(StatusLoaded, StatusNeeded)
	}
	return resultMiss
}

// requestLoading posts one coalesced request to the owning loop, so every
// request made in the current turn joins the same batch.
func (l *Loader) requestLoading() {
	if l.loadingRequested {
		return
	}
	l.loadingRequested = true
	if !l.owner.Post(l.handleRequestLoading) {
		l.loadingRequested = false
	}
}

func (l *Loader) handleRequestLoading() {
	l.loadingRequested = false
	if l.paused {
		return
	}

	if l.worker == nil {
		l.worker = startWorker(l)
		l.logger.Debug("Icon loader worker started")
	}
	l.worker.signal()
}

// onBatchLoaded runs on the owning loop after each worker batch.
func (l *Loader) onBatchLoaded(loaded int) {
	if l.paused {
		return
	}

	for _, req := range l.pending.snapshot() {
		// An earlier callback in this pass may have changed what the slot
		// wants.
		if cur, ok := l.pending.get(req.slot); !ok || cur != req.desc {
			continue
		}

		switch l.loadCached(req.slot, req.desc) {
		case resultHit:
			if l.pending.removeIf(req.slot, req.desc) {
				l.listener.IconLoaded(req.slot)
			}
		case resultAbsent, resultUnsupported:
			if !l.pending.removeIf(req.slot, req.desc) {
				continue
			}
			if al, ok := l.listener.(AbsentListener); ok {
				al.IconAbsent(req.slot)
			}
		}
	}

	remaining := l.pending.len()
	if remaining == 0 {
		l.idleBatches = 0
		return
	}

	if loaded == 0 {
		l.idleBatches++
	} else {
		l.idleBatches = 0
	}

	if l.maxIdleBatches > 0 && l.idleBatches >= l.maxIdleBatches {
		if l.idleBatches == l.maxIdleBatches {
			l.logger.Warn("Icon loads stalled, waiting for a new request",
				zap.Int("pending", remaining),
				zap.Int("idle_batches", l.idleBatches),
			)
		}
		return
	}

	l.requestLoading()
}
