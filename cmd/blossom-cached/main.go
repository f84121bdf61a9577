// Command blossom-cached runs the cache daemon: it loads configuration,
// opens the metadata backend and blob store, wires the upstream client
// and cache manager, and serves the HTTP surface until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blossomcache.org/core/internal/blobstore"
	"blossomcache.org/core/internal/cachemgr"
	"blossomcache.org/core/internal/config"
	"blossomcache.org/core/internal/httpapi"
	"blossomcache.org/core/internal/meta"
	_ "blossomcache.org/core/internal/meta/kvmeta"
	_ "blossomcache.org/core/internal/meta/sqlmeta"
	"blossomcache.org/core/internal/upstream"
)

func main() {
	jsonConfigPath := flag.String("config", "", "optional path to a JSON config file layered under environment defaults")
	flag.Parse()

	cfg, err := config.FromEnv(*jsonConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		log.Error("failed to create storage path", "path", cfg.StoragePath, "error", err)
		os.Exit(1)
	}

	backend, err := meta.Open(meta.Kind(cfg.DBBackend), meta.Options{
		Dir:         cfg.StoragePath,
		KVMapSizeMB: cfg.KVMapSizeMB,
	})
	if err != nil {
		log.Error("failed to open metadata backend", "backend", cfg.DBBackend, "error", err)
		os.Exit(1)
	}

	store, err := blobstore.New(cfg.StoragePath, backend, log)
	if err != nil {
		log.Error("failed to open blob store", "error", err)
		os.Exit(1)
	}

	upClient := upstream.New(cfg.UpstreamServers)

	mgr := cachemgr.New(store, upClient, cachemgr.Config{
		MaxCacheBytes: int64(cfg.MaxCacheSizeMB) << 20,
		MaxBlobBytes:  int64(cfg.MaxBlobSizeMB) << 20,
		VerifyHash:    cfg.VerifySHA256,
	}, log)

	if n, err := mgr.RunEviction(ctx); err != nil {
		log.Warn("startup eviction sweep failed", "error", err)
	} else if n > 0 {
		log.Info("startup eviction sweep evicted blobs", "count", n)
	}

	addr := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.ListenPort)
	srv := httpapi.New(store, mgr, addr, log)

	go func() {
		log.Info("starting server", "addr", addr, "backend", cfg.DBBackend, "upstreams", cfg.UpstreamServers)
		if err := srv.Start(); err != nil {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if err := store.Close(); err != nil {
		log.Error("error closing blob store", "error", err)
	}
	log.Info("shutdown complete")
}
