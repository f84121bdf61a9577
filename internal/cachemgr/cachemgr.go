// Package cachemgr implements the policy layer that coordinates local
// lookup, upstream fetch with failover, size-bounded admission, and
// eviction, per the get/put/run_eviction algorithms.
package cachemgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"blossomcache.org/core/internal/blobstore"
	"blossomcache.org/core/internal/digest"
	"blossomcache.org/core/internal/meta"
	"blossomcache.org/core/internal/upstream"
)

// ErrTooLarge is returned by Put (and never by Get, which bypasses
// caching instead) when data exceeds the configured per-blob cap.
var ErrTooLarge = errors.New("cachemgr: blob exceeds maximum blob size")

// ErrNotFound means the blob is absent locally and, for Get, absent from
// every upstream server too.
var ErrNotFound = errors.New("cachemgr: blob not found")

// Result is returned by Get: the blob bytes plus its metadata. Cached
// is false when the bytes were served directly from upstream without
// being persisted (oversized blob, or a local write failure).
type Result struct {
	Data     []byte
	MimeType string
	Size     int64
	Cached   bool
}

// Manager holds non-owning references to one Store and one upstream
// Client, plus the admission policy parameters.
type Manager struct {
	store    *blobstore.Store
	upstream *upstream.Client
	log      *slog.Logger

	maxCacheBytes int64
	maxBlobBytes  int64
	verifyHash    bool

	now func() int64
}

// Config configures a Manager's admission policy.
type Config struct {
	MaxCacheBytes int64
	MaxBlobBytes  int64
	VerifyHash    bool
}

// New constructs a Manager. store and up are borrowed, not owned.
func New(store *blobstore.Store, up *upstream.Client, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:         store,
		upstream:      up,
		log:           log,
		maxCacheBytes: cfg.MaxCacheBytes,
		maxBlobBytes:  cfg.MaxBlobBytes,
		verifyHash:    cfg.VerifyHash,
		now:           func() int64 { return time.Now().Unix() },
	}
}

// Get implements the cache-aside read path: local hit serves straight
// from disk; a miss fetches from upstream, admits it subject to the
// size caps, and returns the bytes regardless of whether caching
// succeeded.
func (m *Manager) Get(ctx context.Context, h digest.Digest, hints []string) (Result, error) {
	if m.store.Contains(ctx, h) {
		info, err := m.store.GetInfo(ctx, h)
		if err != nil {
			return Result{}, fmt.Errorf("cachemgr: get_info: %w", err)
		}
		data, err := m.store.ReadContent(h)
		if err != nil {
			return Result{}, fmt.Errorf("cachemgr: read_content: %w", err)
		}
		m.log.Debug("cache hit", "sha256", h.String())
		return Result{Data: data, MimeType: info.MimeType, Size: info.Size, Cached: true}, nil
	}

	fr, err := m.upstream.Fetch(ctx, h, hints)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return Result{}, ErrNotFound
		}
		return Result{}, err
	}
	m.log.Debug("cache miss, fetched from upstream", "sha256", h.String(), "server", fr.Server)

	size := int64(len(fr.Data))
	if m.maxBlobBytes > 0 && size > m.maxBlobBytes {
		m.log.Info("blob exceeds max-blob-size, serving without caching", "sha256", h.String(), "size", size)
		return Result{Data: fr.Data, MimeType: fr.MimeType, Size: size, Cached: false}, nil
	}

	if m.maxCacheBytes > 0 {
		needed := m.store.TotalSize(ctx) + size - m.maxCacheBytes
		if needed > 0 {
			if _, err := m.store.EvictLRU(ctx, needed); err != nil {
				m.log.Warn("eviction failed during admission, continuing anyway", "error", err)
			}
		}
	}

	if err := m.store.Put(ctx, h, fr.Data, fr.MimeType, m.verifyHash, m.now()); err != nil {
		m.log.Warn("failed to persist fetched blob, serving uncached", "sha256", h.String(), "error", err)
		return Result{Data: fr.Data, MimeType: fr.MimeType, Size: size, Cached: false}, nil
	}

	info, err := m.store.GetInfo(ctx, h)
	if err != nil {
		// The bytes are good even if the post-write read-back failed.
		return Result{Data: fr.Data, MimeType: fr.MimeType, Size: size, Cached: true}, nil
	}
	return Result{Data: fr.Data, MimeType: info.MimeType, Size: info.Size, Cached: true}, nil
}

// Put is the authoritative upload path: enforce the per-blob cap, run
// eviction (propagating failures, unlike Get), then persist.
func (m *Manager) Put(ctx context.Context, h digest.Digest, data []byte, mime string) (meta.BlobMeta, error) {
	size := int64(len(data))
	if m.maxBlobBytes > 0 && size > m.maxBlobBytes {
		return meta.BlobMeta{}, ErrTooLarge
	}

	if m.maxCacheBytes > 0 {
		needed := m.store.TotalSize(ctx) + size - m.maxCacheBytes
		if needed > 0 {
			if _, err := m.store.EvictLRU(ctx, needed); err != nil {
				return meta.BlobMeta{}, fmt.Errorf("cachemgr: eviction during put: %w", err)
			}
		}
	}

	if err := m.store.Put(ctx, h, data, mime, m.verifyHash, m.now()); err != nil {
		return meta.BlobMeta{}, err
	}
	return m.store.GetInfo(ctx, h)
}

// RunEviction opportunistically evicts the overage if total stored
// bytes exceed the cache cap. Returns the number of blobs evicted, or 0
// if the cap is disabled or there is no overage.
func (m *Manager) RunEviction(ctx context.Context) (int, error) {
	if m.maxCacheBytes <= 0 {
		return 0, nil
	}
	overage := m.store.TotalSize(ctx) - m.maxCacheBytes
	if overage <= 0 {
		return 0, nil
	}
	return m.store.EvictLRU(ctx, overage)
}
