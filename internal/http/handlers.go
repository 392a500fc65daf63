package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"thumbview/internal/category"
	"thumbview/internal/config"
	"thumbview/internal/icon_loader"
	"thumbview/internal/looper"
	"thumbview/internal/media_index"
)

type Handlers struct {
	config *config.Config
	logger *zap.Logger
	index  *media_index.Index
	loader *icon_loader.Loader
	loop   *looper.Looper

	// Icon requests parked on a background load. Touched only on loop.
	waiting map[*responseSlot]struct{}
}

// New wires the handlers. The loader is owned by loop, so every call into
// it is made through loop.Call.
func New(config *config.Config, logger *zap.Logger, index *media_index.Index, loader *icon_loader.Loader, loop *looper.Looper) *Handlers {
	return &Handlers{
		config:  config,
		logger:  logger,
		index:   index,
		loader:  loader,
		loop:    loop,
		waiting: make(map[*responseSlot]struct{}),
	}
}

// Routes returns the API mux wrapped in CORS and request logging.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/files", h.HandleFiles)
	mux.HandleFunc("/api/icons", h.HandleIcon)
	mux.HandleFunc("/api/rescan", h.HandleRescan)
	mux.HandleFunc("/api/loader", h.HandleLoaderStatus)
	mux.HandleFunc("/api/loader/pause", h.HandleLoaderPause)
	mux.HandleFunc("/api/loader/resume", h.HandleLoaderResume)
	mux.HandleFunc("/healthz", h.HandleHealthz)

	return h.CORSMiddleware(h.RequestLoggingMiddleware(mux))
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		bytes := wrapped.bytesWritten

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", bytes),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Expose-Headers", "X-Fallback-Icon, X-Request-Id")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type fileResponse struct {
	Name         string            `json:"name"`
	Path         string            `json:"path"`
	Category     category.Category `json:"category"`
	ID           int64             `json:"id,omitempty"`
	Size         int64             `json:"size"`
	ModTime      time.Time         `json:"mod_time"`
	FallbackIcon string            `json:"fallback_icon"`
	Thumbnail    bool              `json:"thumbnail"`
}

func (h *Handlers) HandleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries := h.index.Entries()
	files := make([]fileResponse, 0, len(entries))
	for _, e := range entries {
		files = append(files, fileResponse{
			Name:         e.Name,
			Path:         e.Path,
			Category:     e.Category,
			ID:           e.ID,
			Size:         e.Size,
			ModTime:      e.ModTime,
			FallbackIcon: category.FallbackIcon(e.Path),
			Thumbnail:    e.Category.Cacheable(),
		})
	}

	writeJSON(w, http.StatusOK, files)
}

// HandleRescan re-reads the data directory and drops every cached icon, so
// edited files are loaded again. Icon requests still waiting on a load are
// answered with 503 and Retry-After.
func (h *Handlers) HandleRescan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.index.Scan(r.Context()); err != nil {
		h.logger.Error("Failed to rescan data directory", zap.Error(err))
		http.Error(w, "Failed to rescan", http.StatusInternalServerError)
		return
	}

	if err := h.loop.Call(r.Context(), h.resetLoader); err != nil {
		h.logger.Warn("Failed to clear icon loader", zap.Error(err))
		http.Error(w, "Icon loader unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files": len(h.index.Entries()),
	})
}

// resetLoader clears the loader and releases every parked icon request,
// since Clear forgets them without a notification. Runs on loop.
func (h *Handlers) resetLoader() {
	h.loader.Clear()
	for slot := range h.waiting {
		slot.reset = true
		slot.finish()
		delete(h.waiting, slot)
	}
}

type loaderStatus struct {
	Paused  bool `json:"paused"`
	Pending int  `json:"pending"`
	Cached  int  `json:"cached"`
}

func (h *Handlers) HandleLoaderStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.withLoader(w, r, nil)
}

func (h *Handlers) HandleLoaderPause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.withLoader(w, r, h.loader.Pause)
}

func (h *Handlers) HandleLoaderResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.withLoader(w, r, h.loader.Resume)
}

// withLoader runs fn on the owning loop and responds with the loader state
// seen right after it.
func (h *Handlers) withLoader(w http.ResponseWriter, r *http.Request, fn func()) {
	var status loaderStatus
	err := h.loop.Call(r.Context(), func() {
		if fn != nil {
			fn()
		}
		status = loaderStatus{
			Paused:  h.loader.Paused(),
			Pending: h.loader.PendingCount(),
			Cached:  h.loader.Cache().Len(),
		}
	})
	if err != nil {
		http.Error(w, "Icon loader unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
