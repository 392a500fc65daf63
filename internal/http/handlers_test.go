package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"thumbview/internal/category"
	"thumbview/internal/config"
	"thumbview/internal/icon_loader"
	"thumbview/internal/looper"
	"thumbview/internal/media_index"
)

type stubSource struct {
	mu       sync.Mutex
	previews int
	block    bool
}

func (s *stubSource) ResolvePersistedID(ctx context.Context, path string, isVideo bool) (int64, error) {
	return 0, nil
}

func (s *stubSource) FetchPreview(ctx context.Context, id int64, cat category.Category) (*icon_loader.Bitmap, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	s.mu.Lock()
	s.previews++
	s.mu.Unlock()

	if cat == category.Video {
		return nil, nil
	}
	return &icon_loader.Bitmap{
		Data:        []byte(fmt.Sprintf("preview-%d", id)),
		ContentType: "image/jpeg",
		Width:       4,
		Height:      3,
	}, nil
}

func (s *stubSource) FetchApkIcon(ctx context.Context, path string) (*icon_loader.Drawable, error) {
	return nil, nil
}

func (s *stubSource) previewCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previews
}

type testServer struct {
	dir      string
	index    *media_index.Index
	loader   *icon_loader.Loader
	loop     *looper.Looper
	handlers *Handlers
	handler  http.Handler
}

func newTestServer(t *testing.T, src icon_loader.Source, waitTimeout time.Duration) *testServer {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"pics/cat.png", "clips/movie.mp4", "apps/tool.apk", "notes.txt"} {
		writeFile(t, dir, name)
	}

	log := zaptest.NewLogger(t)
	index, err := media_index.Open(media_index.Options{InMemory: true, DataDir: dir}, log)
	if err != nil {
		t.Fatal(err)
	}
	if err := index.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}

	loop := looper.New(log)
	loader := icon_loader.New(loop, src, SlotListener{}, log, icon_loader.Options{MaxIdleBatches: 3})
	cfg := &config.Config{IconWaitTimeout: waitTimeout}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(stopped)
	}()

	t.Cleanup(func() {
		if err := loop.Call(context.Background(), loader.Stop); err != nil {
			t.Errorf("stopping loader: %v", err)
		}
		cancel()
		<-stopped
		index.Close()
	})

	handlers := New(cfg, log, index, loader, loop)
	return &testServer{
		dir:      dir,
		index:    index,
		loader:   loader,
		loop:     loop,
		handlers: handlers,
		handler:  handlers.Routes(),
	}
}

func writeFile(t *testing.T, dir, name string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(name), 0644); err != nil {
		t.Fatal(err)
	}
}

func (s *testServer) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) status(t *testing.T) loaderStatus {
	t.Helper()
	rec := s.do(http.MethodGet, "/api/loader")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/loader = %d", rec.Code)
	}
	var st loaderStatus
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestHandleFiles(t *testing.T) {
	s := newTestServer(t, &stubSource{}, time.Second)

	rec := s.do(http.MethodGet, "/api/files")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var files []fileResponse
	if err := json.NewDecoder(rec.Body).Decode(&files); err != nil {
		t.Fatal(err)
	}

	type row struct {
		Name      string
		Category  category.Category
		Icon      string
		Thumbnail bool
		HasID     bool
	}
	var got []row
	for _, f := range files {
		got = append(got, row{f.Name, f.Category, f.FallbackIcon, f.Thumbnail, f.ID != 0})
	}
	want := []row{
		{"apps/tool.apk", category.Apk, "file_icon_apk", true, false},
		{"clips/movie.mp4", category.Video, "file_icon_video", true, true},
		{"notes.txt", category.Doc, "file_icon_txt", false, false},
		{"pics/cat.png", category.Picture, "file_icon_picture", true, true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}

	if rec := s.do(http.MethodPost, "/api/files"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/files = %d", rec.Code)
	}
}

func TestHandleIconLoadsThenHits(t *testing.T) {
	src := &stubSource{}
	s := newTestServer(t, src, 2*time.Second)

	entry, _ := s.index.EntryByName("pics/cat.png")
	want := fmt.Sprintf("preview-%d", entry.ID)

	rec := s.do(http.MethodGet, "/api/icons?path=pics/cat.png")
	if rec.Code != http.StatusOK {
		t.Fatalf("first request = %d %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body, want)
	}
	if got := rec.Header().Get("X-Icon-Source"); got != "loaded" {
		t.Errorf("X-Icon-Source = %q, want loaded", got)
	}
	if rec.Header().Get("X-Icon-Width") != "4" || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Errorf("unexpected headers %v", rec.Header())
	}

	rec = s.do(http.MethodGet, "/api/icons?path=pics/cat.png")
	if rec.Code != http.StatusOK || rec.Header().Get("X-Icon-Source") != "hit" {
		t.Errorf("second request = %d from %q", rec.Code, rec.Header().Get("X-Icon-Source"))
	}

	rec = s.do(http.MethodHead, "/api/icons?path=pics/cat.png")
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("HEAD = %d with %d body bytes", rec.Code, rec.Body.Len())
	}

	if n := src.previewCount(); n != 1 {
		t.Errorf("previews fetched %d times, want 1", n)
	}
	if st := s.status(t); st.Pending != 0 || st.Cached != 1 {
		t.Errorf("loader status = %+v", st)
	}
}

func TestHandleIconFallback(t *testing.T) {
	s := newTestServer(t, &stubSource{}, 2*time.Second)

	tests := []struct {
		name string
		icon string
	}{
		{"apps/tool.apk", "file_icon_apk"},
		{"clips/movie.mp4", "file_icon_video"},
		{"notes.txt", "file_icon_txt"},
	}
	for _, tt := range tests {
		// The second round is answered from the cached absence.
		for round := 0; round < 2; round++ {
			rec := s.do(http.MethodGet, "/api/icons?path="+tt.name)
			if rec.Code != http.StatusNotFound {
				t.Errorf("%s round %d = %d, want 404", tt.name, round, rec.Code)
			}
			if got := rec.Header().Get("X-Fallback-Icon"); got != tt.icon {
				t.Errorf("%s fallback = %q, want %q", tt.name, got, tt.icon)
			}
		}
	}

	if st := s.status(t); st.Pending != 0 {
		t.Errorf("pending = %d after fallbacks", st.Pending)
	}
}

func TestHandleIconBadRequests(t *testing.T) {
	s := newTestServer(t, &stubSource{}, time.Second)

	if rec := s.do(http.MethodGet, "/api/icons"); rec.Code != http.StatusBadRequest {
		t.Errorf("missing path = %d", rec.Code)
	}
	if rec := s.do(http.MethodGet, "/api/icons?path=nope.png"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown file = %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/api/icons?path=pics/cat.png"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST = %d", rec.Code)
	}
}

func TestHandleIconTimeoutCancelsSlot(t *testing.T) {
	s := newTestServer(t, &stubSource{block: true}, 50*time.Millisecond)

	rec := s.do(http.MethodGet, "/api/icons?path=pics/cat.png")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	// The cancel was posted before this status call, so it has run.
	if st := s.status(t); st.Pending != 0 {
		t.Errorf("pending = %d after timeout", st.Pending)
	}
}

func TestHandleIconClientGone(t *testing.T) {
	s := newTestServer(t, &stubSource{block: true}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/icons?path=pics/cat.png", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.handler.ServeHTTP(rec, req)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.status(t).Pending == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after the client went away")
	}
	if st := s.status(t); st.Pending != 0 {
		t.Errorf("pending = %d after disconnect", st.Pending)
	}
}

func TestLoaderPauseResume(t *testing.T) {
	s := newTestServer(t, &stubSource{}, time.Second)

	rec := s.do(http.MethodPost, "/api/loader/pause")
	if rec.Code != http.StatusOK {
		t.Fatalf("pause = %d", rec.Code)
	}
	if !s.status(t).Paused {
		t.Error("loader should be paused")
	}

	if rec := s.do(http.MethodPost, "/api/loader/resume"); rec.Code != http.StatusOK {
		t.Fatalf("resume = %d", rec.Code)
	}
	if s.status(t).Paused {
		t.Error("loader should be running")
	}

	if rec := s.do(http.MethodGet, "/api/loader/pause"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET pause = %d", rec.Code)
	}
}

func TestRescanClearsLoader(t *testing.T) {
	s := newTestServer(t, &stubSource{}, 2*time.Second)

	if rec := s.do(http.MethodGet, "/api/icons?path=pics/cat.png"); rec.Code != http.StatusOK {
		t.Fatalf("icon = %d", rec.Code)
	}
	writeFile(t, s.dir, "pics/dog.png")

	rec := s.do(http.MethodPost, "/api/rescan")
	if rec.Code != http.StatusOK {
		t.Fatalf("rescan = %d", rec.Code)
	}
	var body struct {
		Files int `json:"files"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Files != 5 {
		t.Errorf("files = %d, want 5", body.Files)
	}
	if st := s.status(t); st.Cached != 0 {
		t.Errorf("cached = %d after rescan", st.Cached)
	}
	if _, ok := s.index.EntryByName("pics/dog.png"); !ok {
		t.Error("new file missing after rescan")
	}
}

func TestRescanReleasesWaitingIcons(t *testing.T) {
	s := newTestServer(t, &stubSource{block: true}, time.Minute)

	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/icons?path=pics/cat.png", nil))
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.status(t).Pending == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if r := s.do(http.MethodPost, "/api/rescan"); r.Code != http.StatusOK {
		t.Fatalf("rescan = %d", r.Code)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiting icon request was not released by the rescan")
	}
	if rec.Code != http.StatusServiceUnavailable || rec.Header().Get("Retry-After") == "" {
		t.Errorf("released request = %d, Retry-After %q", rec.Code, rec.Header().Get("Retry-After"))
	}

	// Release runs on the loop before this status call.
	var waiting int
	if err := s.loop.Call(context.Background(), func() { waiting = len(s.handlers.waiting) }); err != nil {
		t.Fatal(err)
	}
	if waiting != 0 {
		t.Errorf("%d icon requests still parked", waiting)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, &stubSource{}, time.Second)

	req := httptest.NewRequest(http.MethodOptions, "/api/icons", nil)
	req.Header.Set("Origin", "http://"+req.Host)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("preflight = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://"+req.Host {
		t.Errorf("allowed origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin allowed: %q", got)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id")
	}
}
