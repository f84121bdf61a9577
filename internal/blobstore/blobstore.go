// Package blobstore layers content-addressed filesystem storage over a
// meta.Backend, using a directory-fanout layout and write-then-rename
// persistence for each blob's content file.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"blossomcache.org/core/internal/digest"
	"blossomcache.org/core/internal/meta"
)

// ErrNotFound is returned when a digest has no metadata row.
var ErrNotFound = errors.New("blobstore: blob not found")

// ErrHashMismatch is returned by Put when verification is requested and
// the computed digest does not match h.
type ErrHashMismatch struct {
	Expected, Computed digest.Digest
}

func (e *ErrHashMismatch) Error() string {
	return fmt.Sprintf("blobstore: hash mismatch: expected %s, computed %s", e.Expected, e.Computed)
}

// Store owns a storage root directory and a metadata backend for its
// entire lifetime. It is safe for concurrent use.
type Store struct {
	root   string
	backend meta.Backend
	log    *slog.Logger

	// dirMu serializes creation of fanout directories.
	dirMu sync.Mutex
}

// New constructs a Store rooted at root, which must already exist.
// The Store takes ownership of backend and closes it on Close.
func New(root string, backend meta.Backend, log *slog.Logger) (*Store, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("blobstore: stat root %q: %w", root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("blobstore: root %q is not a directory", root)
	}
	if err := os.MkdirAll(filepath.Join(root, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: creating blobs dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{root: root, backend: backend, log: log}, nil
}

// ContentPath returns the on-disk path of h's content file.
func (s *Store) ContentPath(h digest.Digest) string {
	return filepath.Join(s.root, "blobs", h.Prefix2(), h.String())
}

// Contains reports whether h has a metadata row. It does not stat the
// content file (I1's disagreements surface as I/O errors to callers that
// go on to read the bytes).
func (s *Store) Contains(ctx context.Context, h digest.Digest) bool {
	return s.backend.Contains(ctx, h)
}

// GetInfo returns h's metadata, touching LastAccessed as a side effect.
func (s *Store) GetInfo(ctx context.Context, h digest.Digest) (meta.BlobMeta, error) {
	m, ok, err := s.backend.GetInfo(ctx, h)
	if err != nil {
		return meta.BlobMeta{}, fmt.Errorf("blobstore: get_info: %w", err)
	}
	if !ok {
		return meta.BlobMeta{}, ErrNotFound
	}
	return m, nil
}

// ReadContent reads the full content of h from disk.
func (s *Store) ReadContent(h digest.Digest) ([]byte, error) {
	b, err := os.ReadFile(s.ContentPath(h))
	if err != nil {
		return nil, fmt.Errorf("blobstore: read content %s: %w", h, err)
	}
	return b, nil
}

// TotalSize returns the sum of all stored blob sizes.
func (s *Store) TotalSize(ctx context.Context) int64 { return s.backend.TotalSize(ctx) }

// BlobCount returns the number of stored blobs.
func (s *Store) BlobCount(ctx context.Context) uint32 { return s.backend.BlobCount(ctx) }

// IsPersistent reports whether the underlying metadata backend survives
// a process restart.
func (s *Store) IsPersistent() bool { return s.backend.IsPersistent() }

// Put inserts h with the given bytes, mime type, nowUnix timestamp and
// verify flag. It is idempotent: if h already exists, Put succeeds
// without writing anything.
func (s *Store) Put(ctx context.Context, h digest.Digest, data []byte, mime string, verify bool, nowUnix int64) error {
	if s.Contains(ctx, h) {
		return nil
	}

	if verify {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != h.String() {
			return &ErrHashMismatch{Expected: h, Computed: digest.Digest(sum)}
		}
	}

	if err := s.ensureFanoutDir(h); err != nil {
		return err
	}
	if err := s.writeAtomic(s.ContentPath(h), data); err != nil {
		return fmt.Errorf("blobstore: writing content: %w", err)
	}

	err := s.backend.PutMeta(ctx, meta.BlobMeta{
		SHA256:       h,
		Size:         int64(len(data)),
		MimeType:     meta.NormalizeMime(mime),
		CreatedAt:    nowUnix,
		LastAccessed: nowUnix,
		AccessCount:  0,
	})
	if err != nil {
		if rmErr := os.Remove(s.ContentPath(h)); rmErr != nil && !os.IsNotExist(rmErr) {
			s.log.Warn("blobstore: failed to clean up content after metadata failure",
				"sha256", h.String(), "error", rmErr)
		}
		return fmt.Errorf("blobstore: put_meta: %w", err)
	}
	return nil
}

// Delete removes h's content file (if present) and metadata row.
// Content is removed first; a crash between the two steps leaves a
// metadata row whose content file is gone, which surfaces as an I/O
// error to callers that read the bytes.
func (s *Store) Delete(ctx context.Context, h digest.Digest) error {
	if err := os.Remove(s.ContentPath(h)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: removing content: %w", err)
	}
	if err := s.backend.DeleteMeta(ctx, h); err != nil {
		return fmt.Errorf("blobstore: delete_meta: %w", err)
	}
	return nil
}

// ListBlobs forwards to the metadata backend.
func (s *Store) ListBlobs(ctx context.Context, cursor *digest.Digest, limit int) ([]meta.BlobMeta, error) {
	return s.backend.ListBlobs(ctx, cursor, limit)
}

// EvictLRU deletes least-recently-accessed blobs until at least
// bytesToFree bytes have been reclaimed or candidates run out. A
// per-blob delete failure is logged and skipped; it does not abort the
// batch. Returns the number of blobs actually deleted.
func (s *Store) EvictLRU(ctx context.Context, bytesToFree int64) (int, error) {
	candidates, err := s.backend.EvictCandidates(ctx, bytesToFree)
	if err != nil {
		return -1, fmt.Errorf("blobstore: evict_candidates: %w", err)
	}

	var evicted int
	var freed int64
	for _, c := range candidates {
		if freed >= bytesToFree {
			break
		}
		if err := s.Delete(ctx, c.SHA256); err != nil {
			s.log.Warn("blobstore: eviction delete failed, skipping", "sha256", c.SHA256.String(), "error", err)
			continue
		}
		evicted++
		freed += c.Size
	}
	return evicted, nil
}

// Close releases the underlying metadata backend. The storage directory
// itself is never removed.
func (s *Store) Close() error { return s.backend.Close() }

func (s *Store) ensureFanoutDir(h digest.Digest) error {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	dir := filepath.Join(s.root, "blobs", h.Prefix2())
	return os.MkdirAll(dir, 0o755)
}

// writeAtomic writes data to a temp file in the same directory as path
// and renames it into place, so concurrent readers never observe a
// truncated file.
func (s *Store) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
