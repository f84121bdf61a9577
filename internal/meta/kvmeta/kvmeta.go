// Package kvmeta implements meta.Backend on modernc.org/kv, an ordered
// embedded key/value store. Unlike sqlmeta, kv has no query language, so
// the secondary orderings (by last_accessed, by created_at+sha256) are
// maintained as explicit index files whose keys embed the sort columns.
package kvmeta

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"modernc.org/kv"

	"blossomcache.org/core/internal/digest"
	"blossomcache.org/core/internal/meta"
)

func init() {
	meta.Register(meta.KindKV, open)
}

const (
	dirName        = "metadata.lmdb"
	blobsFile      = "blobs.kv"
	byAccessFile   = "by_access.kv"
	byCreatedFile  = "by_created.kv"
	defaultMapSize = 256 << 20
)

// Backend stores BlobMeta in three modernc.org/kv databases sharing one
// directory: a primary record file keyed by digest, and two index files
// whose keys are sortable byte strings that resolve back to a digest.
//
// modernc.org/kv has no cross-file transaction, so the three files are
// not updated atomically as a unit; mutation order (index entries are
// written before the primary record and removed after it) means a crash
// can only leave an orphaned or stale index entry,
// never a record with a missing index, and EvictCandidates/ListBlobs
// tolerate dangling index entries by skipping ones whose primary record
// is gone.
type Backend struct {
	mu        sync.Mutex
	dir       string
	blobs     *kv.DB
	byAccess  *kv.DB
	byCreated *kv.DB
}

func open(opts meta.Options) (meta.Backend, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("kvmeta: empty storage dir")
	}
	root := filepath.Join(opts.Dir, dirName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("kvmeta: creating %s: %w", root, err)
	}

	mapSize := int64(defaultMapSize)
	if opts.KVMapSizeMB > 0 {
		mapSize = int64(opts.KVMapSizeMB) << 20
	}

	blobs, err := openOne(filepath.Join(root, blobsFile), mapSize)
	if err != nil {
		return nil, err
	}
	byAccess, err := openOne(filepath.Join(root, byAccessFile), mapSize)
	if err != nil {
		blobs.Close()
		return nil, err
	}
	byCreated, err := openOne(filepath.Join(root, byCreatedFile), mapSize)
	if err != nil {
		blobs.Close()
		byAccess.Close()
		return nil, err
	}

	return &Backend{dir: root, blobs: blobs, byAccess: byAccess, byCreated: byCreated}, nil
}

func openOne(file string, mapSize int64) (*kv.DB, error) {
	opts := &kv.Options{}
	if _, err := os.Stat(file); err == nil {
		db, err := kv.Open(file, opts)
		if err != nil {
			return nil, fmt.Errorf("kvmeta: open %s: %w", file, err)
		}
		return db, nil
	}
	db, err := kv.Create(file, opts)
	if err != nil {
		return nil, fmt.Errorf("kvmeta: create %s: %w", file, err)
	}
	return db, nil
}

// record is the fixed on-disk encoding of a BlobMeta row in blobs.kv,
// value-only (the key is the raw 32-byte digest). Fields are
// little-endian; this is a value format, not a sort key, so it carries
// no ordering requirement, and little-endian matches the host's native
// representation on every platform this runs on. The two index files
// below use big-endian keys since those bytes are compared directly by
// the underlying ordered store.
//
//	offset  size  field
//	0       8     size           (little-endian uint64, signed range unused)
//	8       8     created_at     (little-endian int64)
//	16      8     last_accessed  (little-endian int64)
//	24      4     access_count   (little-endian uint32)
//	28      4     mime_len       (little-endian uint32)
//	32      N     mime bytes
const recordFixedLen = 32

func encodeRecord(m meta.BlobMeta) []byte {
	mime := []byte(meta.NormalizeMime(m.MimeType))
	buf := make([]byte, recordFixedLen+len(mime))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.Size))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.CreatedAt))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(m.LastAccessed))
	binary.LittleEndian.PutUint32(buf[24:28], m.AccessCount)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(len(mime)))
	copy(buf[32:], mime)
	return buf
}

func decodeRecord(h digest.Digest, buf []byte) (meta.BlobMeta, error) {
	if len(buf) < recordFixedLen {
		return meta.BlobMeta{}, fmt.Errorf("kvmeta: short record (%d bytes)", len(buf))
	}
	mimeLen := int(binary.LittleEndian.Uint32(buf[28:32]))
	if len(buf) < recordFixedLen+mimeLen {
		return meta.BlobMeta{}, fmt.Errorf("kvmeta: truncated mime type")
	}
	return meta.BlobMeta{
		SHA256:       h,
		Size:         int64(binary.LittleEndian.Uint64(buf[0:8])),
		CreatedAt:    int64(binary.LittleEndian.Uint64(buf[8:16])),
		LastAccessed: int64(binary.LittleEndian.Uint64(buf[16:24])),
		AccessCount:  binary.LittleEndian.Uint32(buf[24:28]),
		MimeType:     string(buf[32 : 32+mimeLen]),
	}, nil
}

// accessKey builds a by_access.kv key: 8-byte big-endian LastAccessed
// followed by the 64-character hex digest text, giving ASC iteration by
// access time with ties broken by digest.
func accessKey(lastAccessed int64, h digest.Digest) []byte {
	key := make([]byte, 8+digest.HexLen)
	binary.BigEndian.PutUint64(key[0:8], uint64(lastAccessed))
	copy(key[8:], h.String())
	return key
}

// createdKey builds a by_created.kv key ordered so that a plain ASC scan
// yields DESC (CreatedAt, SHA256) order: invert CreatedAt and every byte
// of the hex digest text so that larger original values sort first.
func createdKey(createdAt int64, h digest.Digest) []byte {
	key := make([]byte, 8+digest.HexLen)
	binary.BigEndian.PutUint64(key[0:8], uint64(^uint64(createdAt)))
	hexText := h.String()
	for i := 0; i < len(hexText); i++ {
		key[8+i] = ^hexText[i]
	}
	return key
}

// digestFromCreatedKey recovers the digest encoded in a by_created.kv key
// by undoing createdKey's byte inversion before parsing the hex text.
func digestFromCreatedKey(k []byte) (digest.Digest, error) {
	hexBytes := make([]byte, digest.HexLen)
	for i, b := range k[8:] {
		hexBytes[i] = ^b
	}
	return digest.Parse(string(hexBytes))
}

func (b *Backend) Contains(ctx context.Context, h digest.Digest) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, err := b.blobs.Get(nil, h[:])
	return err == nil && v != nil
}

func (b *Backend) GetInfo(ctx context.Context, h digest.Digest) (meta.BlobMeta, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := b.blobs.Get(nil, h[:])
	if err != nil {
		return meta.BlobMeta{}, false, err
	}
	if raw == nil {
		return meta.BlobMeta{}, false, nil
	}
	m, err := decodeRecord(h, raw)
	if err != nil {
		return meta.BlobMeta{}, false, err
	}

	oldAccessed := m.LastAccessed
	now := time.Now().Unix()
	m.LastAccessed = now
	m.AccessCount++

	if err := b.byAccess.Set(accessKey(now, h), nil); err != nil {
		return meta.BlobMeta{}, false, err
	}
	if err := b.blobs.Set(h[:], encodeRecord(m)); err != nil {
		return meta.BlobMeta{}, false, err
	}
	if oldAccessed != now {
		if err := b.byAccess.Delete(accessKey(oldAccessed, h)); err != nil {
			return meta.BlobMeta{}, false, err
		}
	}
	return m, true, nil
}

func (b *Backend) TotalSize(ctx context.Context) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total int64
	enum, _, err := b.blobs.Seek(nil)
	if err != nil {
		return 0
	}
	for {
		_, v, err := enum.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total
		}
		if len(v) >= 8 {
			total += int64(binary.LittleEndian.Uint64(v[0:8]))
		}
	}
	return total
}

func (b *Backend) BlobCount(ctx context.Context) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n uint32
	enum, _, err := b.blobs.Seek(nil)
	if err != nil {
		return 0
	}
	for {
		_, _, err := enum.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n
		}
		n++
	}
	return n
}

func (b *Backend) PutMeta(ctx context.Context, m meta.BlobMeta) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, err := b.blobs.Get(nil, m.SHA256[:])
	if err != nil {
		return err
	}
	if existing != nil {
		return nil // idempotent
	}

	if err := b.byAccess.Set(accessKey(m.LastAccessed, m.SHA256), nil); err != nil {
		return err
	}
	if err := b.byCreated.Set(createdKey(m.CreatedAt, m.SHA256), nil); err != nil {
		return err
	}
	return b.blobs.Set(m.SHA256[:], encodeRecord(m))
}

func (b *Backend) DeleteMeta(ctx context.Context, h digest.Digest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := b.blobs.Get(nil, h[:])
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	m, err := decodeRecord(h, raw)
	if err != nil {
		return err
	}
	if err := b.blobs.Delete(h[:]); err != nil {
		return err
	}
	if err := b.byAccess.Delete(accessKey(m.LastAccessed, h)); err != nil {
		return err
	}
	return b.byCreated.Delete(createdKey(m.CreatedAt, h))
}

func (b *Backend) ListBlobs(ctx context.Context, cursor *digest.Digest, limit int) ([]meta.BlobMeta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit = clampLimit(limit)

	var seekKey []byte
	if cursor != nil {
		raw, err := b.blobs.Get(nil, cursor[:])
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, nil // unknown cursor: empty page, as in sqlmeta
		}
		cm, err := decodeRecord(*cursor, raw)
		if err != nil {
			return nil, err
		}
		// Position just past the cursor's own key (ASC scan of inverted
		// keys corresponds to DESC (created_at, sha256) order).
		k := createdKey(cm.CreatedAt, *cursor)
		seekKey = nextKey(k)
	}

	enum, _, err := b.byCreated.Seek(seekKey)
	if err != nil {
		return nil, err
	}

	var out []meta.BlobMeta
	for len(out) < limit {
		k, _, err := enum.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(k) != 8+digest.HexLen {
			continue
		}
		h, err := digestFromCreatedKey(k)
		if err != nil {
			continue // not a digest hex string we wrote; skip
		}
		raw, err := b.blobs.Get(nil, h[:])
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue // dangling index entry from a partial failure
		}
		m, err := decodeRecord(h, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (b *Backend) EvictCandidates(ctx context.Context, bytesToFree int64) ([]meta.EvictionCandidate, error) {
	if bytesToFree <= 0 {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	enum, _, err := b.byAccess.Seek(nil)
	if err != nil {
		return nil, err
	}

	var out []meta.EvictionCandidate
	var freed int64
	for freed < bytesToFree {
		k, _, err := enum.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(k) != 8+digest.HexLen {
			continue
		}
		h, err := digest.Parse(string(k[8:]))
		if err != nil {
			continue // not a digest hex string we wrote; skip
		}
		raw, err := b.blobs.Get(nil, h[:])
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}
		m, err := decodeRecord(h, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, meta.EvictionCandidate{SHA256: h, Size: m.Size})
		freed += m.Size
	}
	return out, nil
}

func (b *Backend) IsPersistent() bool { return true }

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, db := range []*kv.DB{b.blobs, b.byAccess, b.byCreated} {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// nextKey returns the shortest byte string that sorts after k and after
// every longer key beginning with k (k followed by 0x00 when every byte
// of k is 0xff), used to seek just past an exact key.
func nextKey(k []byte) []byte {
	next := make([]byte, len(k))
	copy(next, k)
	for i := len(next) - 1; i >= 0; i-- {
		if next[i] < 0xff {
			next[i]++
			return next[:i+1]
		}
	}
	return append(k, 0x00)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return meta.DefaultListLimit
	}
	if limit > meta.MaxListLimit {
		return meta.MaxListLimit
	}
	return limit
}
