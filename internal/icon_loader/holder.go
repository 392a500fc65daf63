package icon_loader

import (
	"sync/atomic"

	"thumbview/internal/category"
)

// Status is the load state of a cache entry.
type Status int32

const (
	StatusNeeded Status = iota
	StatusLoading
	StatusLoaded
)

func (s Status) String() string {
	switch s {
	case StatusNeeded:
		return "needed"
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// Bitmap is an encoded raster preview of a picture or video.
type Bitmap struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Drawable is an encoded application icon.
type Drawable struct {
	Data        []byte
	ContentType string
}

// Slot is a visual slot that can show a loaded image. Implementations are
// used as map keys and must be comparable, typically pointers.
type Slot interface {
	SetBitmap(b *Bitmap)
	SetDrawable(d *Drawable)
}

// softRef is a reference that may be dropped at any time by Reclaim.
type softRef[T any] struct {
	p atomic.Pointer[T]
}

func (r *softRef[T]) get() *T     { return r.p.Load() }
func (r *softRef[T]) set(v *T)    { r.p.Store(v) }
func (r *softRef[T]) clear() bool { return r.p.Swap(nil) != nil }

// holderState is shared by both holder variants.
type holderState struct {
	status atomic.Int32
	// absent is set when a load finished without producing an image.
	absent atomic.Bool
}

func (s *holderState) Status() Status { return Status(s.status.Load()) }

func (s *holderState) compareAndSwapStatus(from, to Status) bool {
	return s.status.CompareAndSwap(int32(from), int32(to))
}

func (s *holderState) setStatus(st Status) { s.status.Store(int32(st)) }

// Absent reports a confirmed negative result: loaded, and no image exists.
func (s *holderState) Absent() bool {
	return s.Status() == StatusLoaded && s.absent.Load()
}

// ImageHolder is a cache entry. The concrete type is chosen by category:
// *DrawableHolder for Apk, *BitmapHolder for Picture and Video.
type ImageHolder interface {
	Status() Status
	Absent() bool
	// Render shows the cached image in slot. It reports false when the
	// image is missing, either never loaded or reclaimed.
	Render(slot Slot) bool
	// Reclaim drops the image while leaving the status untouched.
	Reclaim() bool

	compareAndSwapStatus(from, to Status) bool
	setStatus(st Status)
}

type BitmapHolder struct {
	holderState
	ref softRef[Bitmap]
}

func (h *BitmapHolder) Render(slot Slot) bool {
	b := h.ref.get()
	if b == nil {
		return false
	}
	slot.SetBitmap(b)
	return true
}

func (h *BitmapHolder) Reclaim() bool { return h.ref.clear() }

func (h *BitmapHolder) fill(b *Bitmap) {
	h.absent.Store(b == nil)
	h.ref.set(b)
}

type DrawableHolder struct {
	holderState
	ref softRef[Drawable]
}

func (h *DrawableHolder) Render(slot Slot) bool {
	d := h.ref.get()
	if d == nil {
		return false
	}
	slot.SetDrawable(d)
	return true
}

func (h *DrawableHolder) Reclaim() bool { return h.ref.clear() }

func (h *DrawableHolder) fill(d *Drawable) {
	h.absent.Store(d == nil)
	h.ref.set(d)
}

// newHolder returns a fresh Needed holder, or nil when the category is never
// background loaded.
func newHolder(cat category.Category) ImageHolder {
	switch cat {
	case category.Apk:
		return &DrawableHolder{}
	case category.Picture, category.Video:
		return &BitmapHolder{}
	}
	return nil
}
