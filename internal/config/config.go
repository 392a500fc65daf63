package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Port                int
	DataDir             string
	IndexDir            string
	IndexInMemory       bool
	CacheType           string
	CacheMemoryPreviews int
	CacheFileDir        string
	Renderer            string
	PreviewSize         int
	PreviewQuality      int
	VipsMaxCacheMB      int
	VipsConcurrency     int
	LogLevel            string
	LogFormat           string
	AllowedOrigin       string
	IconWaitTimeout     time.Duration
	MaxIdleBatches      int
	ReclaimHeapMB       int
	ReclaimInterval     time.Duration
}

func Load() *Config {
	dataDir := getEnv("DATA_DIR", "/data")

	cfg := &Config{
		Port:                getEnvInt("PORT", 8080),
		DataDir:             dataDir,
		IndexDir:            getEnv("INDEX_DIR", filepath.Join(dataDir, ".index")),
		IndexInMemory:       getEnvBool("INDEX_IN_MEMORY", false),
		CacheType:           getEnv("CACHE", "memory"),
		CacheMemoryPreviews: getEnvInt("CACHE_MEMORY_PREVIEWS", 5000),
		CacheFileDir:        getEnv("CACHE_FILE_DIR", filepath.Join(dataDir, ".cache")),
		Renderer:            getEnv("RENDERER", "vips"),
		PreviewSize:         getEnvInt("PREVIEW_SIZE", 96),
		PreviewQuality:      getEnvInt("PREVIEW_QUALITY", 82),
		VipsMaxCacheMB:      getEnvInt("VIPS_MAX_CACHE_MB", 128),
		VipsConcurrency:     getEnvInt("VIPS_CONCURRENCY", 1),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "json"),
		AllowedOrigin:       getEnv("ALLOWED_ORIGIN", ""),
		IconWaitTimeout:     getEnvDuration("ICON_WAIT_TIMEOUT", 10*time.Second),
		MaxIdleBatches:      getEnvInt("MAX_IDLE_BATCHES", 3),
		ReclaimHeapMB:       getEnvInt("RECLAIM_HEAP_MB", 0), // 0 disables the memory watcher
		ReclaimInterval:     getEnvDuration("RECLAIM_INTERVAL", 5*time.Second),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// ReclaimHeapBytes is the heap size above which loaded icons are dropped.
func (c *Config) ReclaimHeapBytes() uint64 {
	if c.ReclaimHeapMB <= 0 {
		return 0
	}
	return uint64(c.ReclaimHeapMB) * 1024 * 1024
}
