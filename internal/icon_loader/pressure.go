package icon_loader

import (
	"context"
	"runtime/metrics"
	"time"

	"go.uber.org/zap"
)

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// WatchMemory reclaims every cached image whenever live heap objects exceed
// limitBytes, checking once per interval until ctx is done. A zero limit
// disables the watcher.
func WatchMemory(ctx context.Context, cache *IconCache, limitBytes uint64, interval time.Duration, logger *zap.Logger) error {
	if limitBytes == 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	samples := []metrics.Sample{{Name: heapObjectsMetric}}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		metrics.Read(samples)
		if samples[0].Value.Kind() != metrics.KindUint64 {
			continue
		}

		heap := samples[0].Value.Uint64()
		if heap < limitBytes {
			continue
		}

		if n := cache.Reclaim(); n > 0 {
			logger.Info("Reclaimed cached icons under memory pressure",
				zap.Int("icons", n),
				zap.Uint64("heap_bytes", heap),
				zap.Uint64("limit_bytes", limitBytes),
			)
		}
	}
}
