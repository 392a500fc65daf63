package cache

import (
	"fmt"

	"go.uber.org/zap"
)

// NewCache creates a preview store based on the cache type
func NewCache(cacheType, cacheFileDir string, maxPreviews int, log *zap.Logger) (Cache, error) {
	switch cacheType {
	case "memory":
		log.Info("Using memory preview cache", zap.Int("max_previews", maxPreviews))
		return NewMemoryCache(maxPreviews), nil
	case "file":
		log.Info("Using file preview cache", zap.String("cache_dir", cacheFileDir))
		return NewFileCache(cacheFileDir)
	case "disabled":
		log.Info("Preview cache disabled")
		return NewNoopCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: memory, file, disabled)", cacheType)
	}
}
