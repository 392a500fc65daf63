package media_index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"thumbview/internal/category"
)

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func openIndex(t *testing.T, dataDir string) *Index {
	t.Helper()
	x, err := Open(Options{InMemory: true, DataDir: dataDir}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { x.Close() })
	return x
}

func TestScanAssignsIDs(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir,
		"photo.jpg",
		"clips/holiday.mp4",
		"clips/.thumbnails/holiday.jpg",
		"apps/game.apk",
		"notes.txt",
		".hidden/secret.png",
	)

	x := openIndex(t, dir)
	ctx := context.Background()
	if err := x.Scan(ctx); err != nil {
		t.Fatal(err)
	}

	var names []string
	for _, e := range x.Entries() {
		names = append(names, e.Name)
	}
	want := []string{"apps/game.apk", "clips/holiday.mp4", "notes.txt", "photo.jpg"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	photo := filepath.Join(dir, "photo.jpg")
	photoID, err := x.ResolveID(ctx, photo, false)
	if err != nil || photoID == 0 {
		t.Fatalf("ResolveID(photo) = %d, %v", photoID, err)
	}
	if id, _ := x.ResolveID(ctx, photo, true); id != 0 {
		t.Errorf("photo resolved as video with id %d", id)
	}

	clip := filepath.Join(dir, "clips", "holiday.mp4")
	clipID, _ := x.ResolveID(ctx, clip, true)
	if clipID == 0 || clipID == photoID {
		t.Fatalf("clip id = %d, photo id = %d", clipID, photoID)
	}

	e, err := x.Lookup(ctx, clipID)
	if err != nil {
		t.Fatal(err)
	}
	if e.Category != category.Video || e.Path != clip {
		t.Errorf("Lookup(clip) = %+v", e)
	}
	if want := filepath.Join(dir, "clips", ".thumbnails", "holiday.jpg"); e.PosterPath != want {
		t.Errorf("poster = %q, want %q", e.PosterPath, want)
	}

	apk, ok := x.EntryByName("apps/game.apk")
	if !ok || apk.ID != 0 || apk.Category != category.Apk {
		t.Errorf("EntryByName(apk) = %+v, %v", apk, ok)
	}
}

func TestRescanKeepsIDsAndPrunes(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.png", "b.png")

	x := openIndex(t, dir)
	ctx := context.Background()
	if err := x.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	a := filepath.Join(dir, "a.png")
	b := filepath.Join(dir, "b.png")
	idA, _ := x.ResolveID(ctx, a, false)
	idB, _ := x.ResolveID(ctx, b, false)

	if err := os.Remove(b); err != nil {
		t.Fatal(err)
	}
	writeFiles(t, dir, "c.png")
	if err := x.Scan(ctx); err != nil {
		t.Fatal(err)
	}

	if id, _ := x.ResolveID(ctx, a, false); id != idA {
		t.Errorf("a.png id changed from %d to %d", idA, id)
	}
	if id, _ := x.ResolveID(ctx, b, false); id != 0 {
		t.Errorf("removed b.png still resolves to %d", id)
	}
	if _, err := x.Lookup(ctx, idB); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(removed) = %v, want ErrNotFound", err)
	}
	idC, _ := x.ResolveID(ctx, filepath.Join(dir, "c.png"), false)
	if idC == 0 || idC == idA || idC == idB {
		t.Errorf("c.png id = %d, want a fresh id", idC)
	}
}

func TestResolveNormalizesPath(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "sub/pic.gif")

	x := openIndex(t, dir)
	ctx := context.Background()
	if err := x.Scan(ctx); err != nil {
		t.Fatal(err)
	}

	messy := dir + "/sub/../sub/./pic.gif"
	if id, err := x.ResolveID(ctx, messy, false); err != nil || id == 0 {
		t.Errorf("ResolveID(%q) = %d, %v", messy, id, err)
	}
}

func TestScanMissingDataDir(t *testing.T) {
	x := openIndex(t, filepath.Join(t.TempDir(), "nope"))
	if err := x.Scan(context.Background()); err == nil {
		t.Error("scanning a missing directory should fail")
	}
}

func TestPersistentIndexSurvivesReopen(t *testing.T) {
	dataDir := t.TempDir()
	indexDir := t.TempDir()
	writeFiles(t, dataDir, "a.jpg")
	ctx := context.Background()
	log := zaptest.NewLogger(t)

	x, err := Open(Options{Dir: indexDir, DataDir: dataDir}, log)
	if err != nil {
		t.Fatal(err)
	}
	if err := x.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	id, _ := x.ResolveID(ctx, filepath.Join(dataDir, "a.jpg"), false)
	if err := x.Close(); err != nil {
		t.Fatal(err)
	}

	x, err = Open(Options{Dir: indexDir, DataDir: dataDir}, log)
	if err != nil {
		t.Fatal(err)
	}
	defer x.Close()

	if got, _ := x.ResolveID(ctx, filepath.Join(dataDir, "a.jpg"), false); got != id {
		t.Errorf("id after reopen = %d, want %d", got, id)
	}
}
