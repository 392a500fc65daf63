package cache

// PreviewKey identifies one rendered preview of an indexed file
type PreviewKey struct {
	ID      int64
	Size    int
	Version int64 // source modification time, so edits produce new previews
	Format  string
}

// Cache stores encoded previews
type Cache interface {
	Get(key PreviewKey) ([]byte, bool)
	Set(key PreviewKey, value []byte)
	Has(key PreviewKey) bool // Check if a preview exists without reading it
	Clear()
}
