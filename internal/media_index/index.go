package media_index

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"thumbview/internal/category"
)

var ErrNotFound = errors.New("media index: not found")

const (
	entryPrefix = "entry/"
	pathPrefix  = "path/"
	sequenceKey = "seq/id"
)

// Entry is one file in the data directory. Pictures and videos carry a
// persisted ID, everything else has ID 0.
type Entry struct {
	ID         int64             `json:"id,omitempty"`
	Path       string            `json:"path"`
	Name       string            `json:"name"`
	Category   category.Category `json:"category"`
	Size       int64             `json:"size"`
	ModTime    time.Time         `json:"mod_time"`
	PosterPath string            `json:"poster_path,omitempty"`
}

type Options struct {
	// Dir holds the badger files. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// DataDir is the tree that Scan walks.
	DataDir string
}

// Index maps file paths to stable persisted IDs and back.
type Index struct {
	db      *badger.DB
	seq     *badger.Sequence
	dataDir string
	logger  *zap.Logger

	scanMu sync.Mutex

	mu      sync.RWMutex
	entries []Entry
	byName  map[string]int
}

func Open(opts Options, logger *zap.Logger) (*Index, error) {
	bopts := badger.DefaultOptions(opts.Dir).WithLogger(newBadgerLogger(logger))
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(newBadgerLogger(logger))
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open media index: %w", err)
	}

	seq, err := db.GetSequence([]byte(sequenceKey), 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open id sequence: %w", err)
	}

	return &Index{
		db:      db,
		seq:     seq,
		dataDir: filepath.Clean(opts.DataDir),
		logger:  logger,
		byName:  map[string]int{},
	}, nil
}

func (x *Index) Close() error {
	if err := x.seq.Release(); err != nil {
		x.logger.Warn("Failed to release id sequence", zap.Error(err))
	}
	return x.db.Close()
}

// Scan walks the data directory, assigns IDs to new pictures and videos,
// and forgets files that are gone. IDs of files that are still present
// never change.
func (x *Index) Scan(ctx context.Context) error {
	x.scanMu.Lock()
	defer x.scanMu.Unlock()

	found, err := x.walk(ctx)
	if err != nil {
		return err
	}

	live := make(map[int64]bool, len(found))
	for i := range found {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := x.indexEntry(&found[i]); err != nil {
			return err
		}
		if found[i].ID != 0 {
			live[found[i].ID] = true
		}
	}

	removed, err := x.prune(live)
	if err != nil {
		return err
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	byName := make(map[string]int, len(found))
	for i, e := range found {
		byName[e.Name] = i
	}

	x.mu.Lock()
	x.entries = found
	x.byName = byName
	x.mu.Unlock()

	x.logger.Info("Media index scanned",
		zap.String("data_dir", x.dataDir),
		zap.Int("files", len(found)),
		zap.Int("indexed", len(live)),
		zap.Int("removed", removed),
	)
	return nil
}

func (x *Index) walk(ctx context.Context) ([]Entry, error) {
	var found []Entry

	err := filepath.WalkDir(x.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == x.dataDir {
				return err
			}
			x.logger.Warn("Error walking data directory", zap.String("path", path), zap.Error(err))
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		hidden := strings.HasPrefix(d.Name(), ".") && path != x.dataDir
		if d.IsDir() {
			if hidden {
				return filepath.SkipDir
			}
			return nil
		}
		if hidden || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			x.logger.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
			return nil
		}

		rel, err := filepath.Rel(x.dataDir, path)
		if err != nil {
			return nil
		}

		e := Entry{
			Path:     filepath.Clean(path),
			Name:     filepath.ToSlash(rel),
			Category: category.FromPath(path),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		}
		if e.Category == category.Video {
			e.PosterPath = findPoster(e.Path)
		}
		found = append(found, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	return found, nil
}

// indexEntry stores e, reusing the ID already recorded for its path.
func (x *Index) indexEntry(e *Entry) error {
	kind, ok := kindOf(e.Category)
	if !ok {
		return nil
	}

	return x.db.Update(func(txn *badger.Txn) error {
		pk := pathKey(kind, e.Path)

		id, err := readID(txn, pk)
		if errors.Is(err, badger.ErrKeyNotFound) {
			next, err := x.seq.Next()
			if err != nil {
				return fmt.Errorf("failed to allocate id: %w", err)
			}
			id = int64(next) + 1
			if err := txn.Set(pk, encodeID(id)); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		e.ID = id

		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		return txn.Set(entryKey(id), data)
	})
}

// prune deletes path keys and entries whose IDs were not seen by a scan.
func (x *Index) prune(live map[int64]bool) (int, error) {
	var stale [][]byte
	var staleIDs []int64

	err := x.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pathPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var id int64
			if err := item.Value(func(v []byte) error {
				id = decodeID(v)
				return nil
			}); err != nil {
				return err
			}
			if !live[id] {
				stale = append(stale, item.KeyCopy(nil))
				staleIDs = append(staleIDs, id)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list index: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	err = x.db.Update(func(txn *badger.Txn) error {
		for i, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Delete(entryKey(staleIDs[i])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune index: %w", err)
	}
	return len(stale), nil
}

// ResolveID returns the persisted ID of path, or 0 when it is not indexed
// as the requested kind.
func (x *Index) ResolveID(ctx context.Context, path string, isVideo bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	kind := "image"
	if isVideo {
		kind = "video"
	}

	var id int64
	err := x.db.View(func(txn *badger.Txn) error {
		var err error
		id, err = readID(txn, pathKey(kind, filepath.Clean(path)))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve id: %w", err)
	}
	return id, nil
}

func (x *Index) Lookup(ctx context.Context, id int64) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var e Entry
	err := x.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entry %d: %w", id, err)
	}
	return &e, nil
}

// Entries returns the listing from the latest scan, ordered by name.
func (x *Index) Entries() []Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]Entry, len(x.entries))
	copy(out, x.entries)
	return out
}

// EntryByName finds a file by its slash separated path relative to the
// data directory.
func (x *Index) EntryByName(name string) (*Entry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	i, ok := x.byName[name]
	if !ok {
		return nil, false
	}
	e := x.entries[i]
	return &e, true
}

func kindOf(cat category.Category) (string, bool) {
	switch cat {
	case category.Picture:
		return "image", true
	case category.Video:
		return "video", true
	}
	return "", false
}

func pathKey(kind, path string) []byte {
	return []byte(pathPrefix + kind + "/" + path)
}

func entryKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%016x", entryPrefix, id))
}

func encodeID(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func decodeID(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func readID(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if err != nil {
		return 0, err
	}
	var id int64
	err = item.Value(func(v []byte) error {
		id = decodeID(v)
		return nil
	})
	return id, err
}

var posterExts = []string{".jpg", ".jpeg", ".png"}

// findPoster looks for a still image shipped alongside a video, either next
// to it or under a .thumbnails directory.
func findPoster(videoPath string) string {
	dir := filepath.Dir(videoPath)
	base := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))

	for _, candidateDir := range []string{dir, filepath.Join(dir, ".thumbnails")} {
		for _, ext := range posterExts {
			p := filepath.Join(candidateDir, base+ext)
			if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
				return p
			}
		}
	}
	return ""
}
