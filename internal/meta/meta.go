// Package meta defines the durable metadata backend abstraction shared by
// the sql and kv implementations. BlobStore is written against Backend
// only and never observes which concrete backend it holds — the choice
// is made once, at startup, by Open.
package meta

import (
	"context"
	"errors"
	"fmt"

	"blossomcache.org/core/internal/digest"
)

// DefaultMimeType is stored whenever a blob is inserted with no, or an
// empty, content type.
const DefaultMimeType = "application/octet-stream"

// DefaultListLimit is used by ListBlobs when the caller passes limit <= 0.
const DefaultListLimit = 100

// MaxListLimit bounds ListBlobs regardless of what a caller requests.
const MaxListLimit = 1000

// ErrNotFound is the error form of a metadata miss, for layers that use
// errors.Is. Backend.GetInfo does not return it: it reports a miss
// through its bool result.
var ErrNotFound = errors.New("meta: blob not found")

// BlobMeta is the canonical metadata record for one blob.
type BlobMeta struct {
	SHA256       digest.Digest
	Size         int64
	MimeType     string
	CreatedAt    int64 // unix seconds, immutable after insert
	LastAccessed int64 // unix seconds, monotonically non-decreasing
	AccessCount  uint32
}

// NormalizeMime maps an empty MIME type to the default octet-stream type.
func NormalizeMime(mime string) string {
	if mime == "" {
		return DefaultMimeType
	}
	return mime
}

// EvictionCandidate is one entry returned by EvictCandidates: enough
// information for a caller to delete the blob and account for freed bytes.
type EvictionCandidate struct {
	SHA256 digest.Digest
	Size   int64
}

// Backend is the durable metadata store BlobStore delegates to. Both
// implementations (sqlmeta, kvmeta) give byte-identical BlobMeta values
// for the same sequence of operations (property P7).
type Backend interface {
	// Contains reports whether a row exists for h. It never returns an
	// error; any backend failure is reported as false.
	Contains(ctx context.Context, h digest.Digest) bool

	// GetInfo looks up h. On a hit it atomically advances LastAccessed to
	// now and increments AccessCount, returning the post-update record.
	// On a miss it returns (BlobMeta{}, false, nil).
	GetInfo(ctx context.Context, h digest.Digest) (BlobMeta, bool, error)

	// TotalSize sums Size across all rows. Returns 0 on any backend error.
	TotalSize(ctx context.Context) int64

	// BlobCount returns the row count. Returns 0 on any backend error.
	BlobCount(ctx context.Context) uint32

	// PutMeta inserts m. If a row with the same key already exists this
	// is a no-op that still returns nil (idempotence).
	PutMeta(ctx context.Context, m BlobMeta) error

	// DeleteMeta removes the row for h, if any. A missing key is not an
	// error.
	DeleteMeta(ctx context.Context, h digest.Digest) error

	// ListBlobs returns up to limit rows, sorted DESC by
	// (CreatedAt, SHA256), excluding cursor itself. limit <= 0 means
	// DefaultListLimit; limit is always clamped to MaxListLimit.
	ListBlobs(ctx context.Context, cursor *digest.Digest, limit int) ([]BlobMeta, error)

	// EvictCandidates returns rows sorted ASC by LastAccessed,
	// accumulating entries until their summed Size >= bytesToFree (or the
	// backend is exhausted).
	EvictCandidates(ctx context.Context, bytesToFree int64) ([]EvictionCandidate, error)

	// IsPersistent reports whether the backend's state survives a
	// process restart.
	IsPersistent() bool

	// Close releases all backend resources. Idempotent.
	Close() error
}

// Kind identifies which concrete Backend implementation to construct.
type Kind string

const (
	KindSQL Kind = "sql"
	KindKV  Kind = "kv"
)

// Options configures backend construction.
type Options struct {
	// Dir is the storage root; each backend derives its own file(s)
	// under it (blobs.db for sql, metadata.lmdb/ for kv).
	Dir string
	// KVMapSizeMB is passed to the kv backend, which does not apply it:
	// its files are opened with default kv.Options and no map size is
	// set.
	KVMapSizeMB uint32
}

// openFunc is registered by each backend package's init() so that this
// package does not need to import them directly (which would create an
// import cycle, since both backends import meta for the shared types).
type openFunc func(Options) (Backend, error)

var registry = map[Kind]openFunc{}

// Register is called from sqlmeta/kvmeta's init() to install their
// constructor. It panics on duplicate registration.
func Register(kind Kind, fn openFunc) {
	if fn == nil {
		panic("meta: nil constructor for " + string(kind))
	}
	if _, dup := registry[kind]; dup {
		panic("meta: duplicate registration for " + string(kind))
	}
	registry[kind] = fn
}

// Open constructs the backend named by kind. If kind is "kv" and its
// construction fails, Open falls back to "sql".
func Open(kind Kind, opts Options) (Backend, error) {
	fn, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("meta: unknown backend kind %q", kind)
	}
	b, err := fn(opts)
	if err == nil {
		return b, nil
	}
	if kind != KindKV {
		return nil, err
	}
	sqlFn, ok := registry[KindSQL]
	if !ok {
		return nil, err
	}
	b, sqlErr := sqlFn(opts)
	if sqlErr != nil {
		return nil, fmt.Errorf("kv backend failed (%v), sql fallback also failed: %w", err, sqlErr)
	}
	return b, nil
}
