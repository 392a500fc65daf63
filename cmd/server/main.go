package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"thumbview/internal/cache"
	"thumbview/internal/config"
	httphandlers "thumbview/internal/http"
	"thumbview/internal/icon_loader"
	"thumbview/internal/icon_source"
	"thumbview/internal/image_renderer"
	"thumbview/internal/logger"
	"thumbview/internal/looper"
	"thumbview/internal/media_index"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if cfg.Renderer == "vips" {
		startVips(cfg, log)
		defer vips.Shutdown()
	}

	log.Info("Starting Thumbview server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
	)

	index, err := media_index.Open(media_index.Options{
		Dir:      cfg.IndexDir,
		InMemory: cfg.IndexInMemory,
		DataDir:  cfg.DataDir,
	}, log)
	if err != nil {
		log.Fatal("Failed to open media index", zap.Error(err))
	}
	defer index.Close()

	if err := index.Scan(context.Background()); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	previews, err := cache.NewCache(cfg.CacheType, cfg.CacheFileDir, cfg.CacheMemoryPreviews, log)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}
	renderer, err := image_renderer.New(cfg.Renderer, cfg.PreviewQuality, log)
	if err != nil {
		log.Fatal("Failed to initialize renderer", zap.Error(err))
	}
	source := icon_source.New(index, previews, renderer, cfg.PreviewSize, log.Named("source"))

	loop := looper.New(log.Named("looper"))
	loader := icon_loader.New(loop, source, httphandlers.SlotListener{}, log.Named("icon_loader"), icon_loader.Options{
		MaxIdleBatches: cfg.MaxIdleBatches,
	})

	handlers := httphandlers.New(cfg, log, index, loader, loop)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.Routes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The loop outlives the server so in-flight icon requests can finish
	// and the loader can be stopped on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loop.Run(loopCtx)
	})

	g.Go(func() error {
		log.Info("Server started", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return icon_loader.WatchMemory(gctx, loader.Cache(), cfg.ReclaimHeapBytes(), cfg.ReclaimInterval, log)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}
		if err := loop.Call(shutdownCtx, loader.Stop); err != nil {
			log.Warn("Failed to stop icon loader", zap.Error(err))
		}
		stopLoop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Server stopped with error", zap.Error(err))
		return
	}

	log.Info("Server stopped")
}

func startVips(cfg *config.Config, log *zap.Logger) {
	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024, // Convert MB to bytes
		MaxCacheFiles:    0,                                // Disable disk cache
		MaxCacheSize:     0,                                // Disable disk cache
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)
}
