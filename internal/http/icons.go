package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"thumbview/internal/category"
	"thumbview/internal/icon_loader"
	"thumbview/internal/media_index"
)

// responseSlot is the visual slot of a single icon request. Its fields are
// written on the owning loop and read by the handler once done is closed or
// the loop call that filled it returned.
type responseSlot struct {
	id       string
	bitmap   *icon_loader.Bitmap
	drawable *icon_loader.Drawable
	done     chan struct{}
	finished bool
	// reset is set when the loader was cleared under the request.
	reset bool
}

func newResponseSlot() *responseSlot {
	return &responseSlot{
		id:   uuid.New().String(),
		done: make(chan struct{}),
	}
}

func (s *responseSlot) SetBitmap(b *icon_loader.Bitmap) {
	s.bitmap = b
}

func (s *responseSlot) SetDrawable(d *icon_loader.Drawable) {
	s.drawable = d
}

func (s *responseSlot) finish() {
	if !s.finished {
		s.finished = true
		close(s.done)
	}
}

func (s *responseSlot) image() (data []byte, contentType string, ok bool) {
	switch {
	case s.bitmap != nil:
		return s.bitmap.Data, s.bitmap.ContentType, true
	case s.drawable != nil:
		return s.drawable.Data, s.drawable.ContentType, true
	}
	return nil, "", false
}

// SlotListener completes icon requests parked in HandleIcon. Pass it to
// icon_loader.New.
type SlotListener struct{}

func (SlotListener) IconLoaded(slot icon_loader.Slot) {
	if s, ok := slot.(*responseSlot); ok {
		s.finish()
	}
}

func (SlotListener) IconAbsent(slot icon_loader.Slot) {
	if s, ok := slot.(*responseSlot); ok {
		s.finish()
	}
}

// HandleIcon serves the thumbnail or application icon of one listed file.
// Cached icons are returned at once. Otherwise the request waits for the
// background load, up to the configured timeout.
func (h *Handlers) HandleIcon(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := r.URL.Query().Get("path")
	if name == "" {
		http.Error(w, "Missing path", http.StatusBadRequest)
		return
	}

	entry, ok := h.index.EntryByName(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("X-Fallback-Icon", category.FallbackIcon(entry.Path))

	slot := newResponseSlot()
	log := h.logger.With(zap.String("slot", slot.id), zap.String("name", entry.Name))

	var hit, pending bool
	err := h.loop.Call(r.Context(), func() {
		hit = h.loader.RequestImage(slot, entry.Path, entry.ID, entry.Category)
		pending = !hit && h.loader.Pending(slot)
		if pending {
			h.waiting[slot] = struct{}{}
		}
	})
	if err != nil {
		// The request may still have been queued.
		h.releaseSlot(slot)
		http.Error(w, "Icon loader unavailable", http.StatusServiceUnavailable)
		return
	}

	if hit {
		h.writeIcon(w, r, slot, "hit")
		return
	}
	if !pending {
		h.writeFallback(w, entry)
		return
	}

	timer := time.NewTimer(h.config.IconWaitTimeout)
	defer timer.Stop()
	defer h.releaseSlot(slot)

	select {
	case <-slot.done:
		if _, _, ok := slot.image(); ok {
			h.writeIcon(w, r, slot, "loaded")
			return
		}
		if slot.reset {
			log.Debug("Icon request reset by rescan")
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Icon loader was reset", http.StatusServiceUnavailable)
			return
		}
		h.writeFallback(w, entry)
	case <-timer.C:
		log.Debug("Icon wait timed out", zap.Duration("timeout", h.config.IconWaitTimeout))
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Icon not ready", http.StatusServiceUnavailable)
	case <-r.Context().Done():
		log.Debug("Client went away while waiting for icon")
	}
}

// releaseSlot forgets slot on the loop. Cancelling a slot that already
// finished is a no-op.
func (h *Handlers) releaseSlot(slot *responseSlot) {
	h.loop.Post(func() {
		h.loader.Cancel(slot)
		delete(h.waiting, slot)
	})
}

func (h *Handlers) writeIcon(w http.ResponseWriter, r *http.Request, slot *responseSlot, source string) {
	data, contentType, _ := slot.image()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Header().Set("X-Icon-Source", source)
	if slot.bitmap != nil {
		w.Header().Set("X-Icon-Width", strconv.Itoa(slot.bitmap.Width))
		w.Header().Set("X-Icon-Height", strconv.Itoa(slot.bitmap.Height))
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(data)
}

func (h *Handlers) writeFallback(w http.ResponseWriter, entry *media_index.Entry) {
	w.Header().Set("Cache-Control", "no-cache")
	http.Error(w, "No thumbnail for "+entry.Name, http.StatusNotFound)
}
