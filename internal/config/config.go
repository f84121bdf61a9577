// Package config loads the daemon's typed configuration from the
// environment, optionally layered over an on-disk JSON file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"go4.org/jsonconfig"
)

// Config holds every setting the daemon needs to construct its backend,
// blob store, upstream client, cache manager and HTTP server.
type Config struct {
	StoragePath     string
	DBBackend       string // "sql" | "kv"
	UpstreamServers []string
	MaxCacheSizeMB  uint32
	MaxBlobSizeMB   uint32
	VerifySHA256    bool
	ListenAddress   string
	ListenPort      uint16
	KVMapSizeMB     uint32
	LogLevel        slog.Level
}

// FromEnv builds a Config from environment variables, applying documented
// defaults. If path is non-empty, an on-disk JSON file is read first via
// go4.org/jsonconfig and layered under the environment (environment
// variables always win).
func FromEnv(jsonConfigPath string) (Config, error) {
	var fileObj jsonconfig.Obj
	if jsonConfigPath != "" {
		obj, err := jsonconfig.ReadFile(jsonConfigPath)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", jsonConfigPath, err)
		}
		fileObj = obj
	}

	cfg := Config{
		StoragePath:     layeredString(fileObj, "storagePath", "STORAGE_PATH", "/var/lib/blossom-cache"),
		DBBackend:       layeredString(fileObj, "dbBackend", "DB_BACKEND", "sql"),
		MaxCacheSizeMB:  uint32(layeredInt(fileObj, "maxCacheSizeMB", "MAX_CACHE_SIZE_MB", 2048)),
		MaxBlobSizeMB:   uint32(layeredInt(fileObj, "maxBlobSizeMB", "MAX_BLOB_SIZE_MB", 100)),
		VerifySHA256:    layeredBool(fileObj, "verifySHA256", "VERIFY_SHA256", true),
		ListenAddress:   layeredString(fileObj, "listenAddress", "LISTEN_ADDRESS", "127.0.0.1"),
		ListenPort:      uint16(layeredInt(fileObj, "listenPort", "LISTEN_PORT", 24242)),
		KVMapSizeMB:     uint32(layeredInt(fileObj, "kvMapSizeMB", "KV_MAP_SIZE_MB", 256)),
		LogLevel:        parseLogLevel(layeredString(fileObj, "logLevel", "LOG_LEVEL", "info")),
		UpstreamServers: layeredList(fileObj, "upstreamServers", "UPSTREAM_SERVERS"),
	}

	if fileObj != nil {
		if err := fileObj.Validate(); err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	}
	if len(cfg.UpstreamServers) == 0 {
		cfg.UpstreamServers = []string{"https://blossom.primal.net"}
	}
	if cfg.DBBackend != "sql" && cfg.DBBackend != "kv" {
		return Config{}, fmt.Errorf("config: dbBackend must be %q or %q, got %q", "sql", "kv", cfg.DBBackend)
	}
	return cfg, nil
}

func layeredString(obj jsonconfig.Obj, jsonKey, envKey, fallback string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if obj != nil {
		if v := obj.OptionalString(jsonKey, ""); v != "" {
			return v
		}
	}
	return fallback
}

func layeredInt(obj jsonconfig.Obj, jsonKey, envKey string, fallback int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if obj != nil {
		if _, ok := obj[jsonKey]; ok {
			return obj.OptionalInt(jsonKey, fallback)
		}
	}
	return fallback
}

func layeredBool(obj jsonconfig.Obj, jsonKey, envKey string, fallback bool) bool {
	if v := os.Getenv(envKey); v != "" {
		return v == "true"
	}
	if obj != nil {
		if _, ok := obj[jsonKey]; ok {
			return obj.OptionalBool(jsonKey, fallback)
		}
	}
	return fallback
}

func layeredList(obj jsonconfig.Obj, jsonKey, envKey string) []string {
	if v := os.Getenv(envKey); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	if obj != nil {
		if _, ok := obj[jsonKey]; ok {
			return obj.OptionalList(jsonKey)
		}
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
