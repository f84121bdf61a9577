// Package sqlmeta implements meta.Backend on top of an embedded SQLite
// database file in WAL mode, storing BlobMeta rows directly rather than
// a generic sorted key/value table.
package sqlmeta

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"blossomcache.org/core/internal/digest"
	"blossomcache.org/core/internal/meta"
)

func init() {
	meta.Register(meta.KindSQL, open)
}

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
  sha256        TEXT PRIMARY KEY NOT NULL,
  size          INTEGER NOT NULL,
  mime_type     TEXT,
  created_at    INTEGER NOT NULL,
  last_accessed INTEGER NOT NULL,
  access_count  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_blobs_last_accessed ON blobs(last_accessed);
CREATE INDEX IF NOT EXISTS idx_blobs_size          ON blobs(size);
CREATE INDEX IF NOT EXISTS idx_blobs_created_at    ON blobs(created_at);
`

// Backend is a meta.Backend backed by a *sql.DB in WAL mode.
type Backend struct {
	db *sql.DB
}

func open(opts meta.Options) (meta.Backend, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("sqlmeta: empty storage dir")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("sqlmeta: creating storage dir: %w", err)
	}
	file := filepath.Join(opts.Dir, "blobs.db")
	db, err := sql.Open("sqlite", file)
	if err != nil {
		return nil, fmt.Errorf("sqlmeta: open %s: %w", file, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlmeta: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlmeta: creating schema: %w", err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Contains(ctx context.Context, h digest.Digest) bool {
	var one int
	err := b.db.QueryRowContext(ctx, `SELECT 1 FROM blobs WHERE sha256 = ?`, h.String()).Scan(&one)
	return err == nil
}

func (b *Backend) GetInfo(ctx context.Context, h digest.Digest) (meta.BlobMeta, bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return meta.BlobMeta{}, false, err
	}
	defer tx.Rollback()

	var m meta.BlobMeta
	var sha string
	row := tx.QueryRowContext(ctx, `SELECT sha256, size, mime_type, created_at, last_accessed, access_count FROM blobs WHERE sha256 = ?`, h.String())
	if err := row.Scan(&sha, &m.Size, &m.MimeType, &m.CreatedAt, &m.LastAccessed, &m.AccessCount); err != nil {
		if err == sql.ErrNoRows {
			return meta.BlobMeta{}, false, nil
		}
		return meta.BlobMeta{}, false, err
	}

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx, `UPDATE blobs SET last_accessed = ?, access_count = access_count + 1 WHERE sha256 = ?`, now, sha); err != nil {
		return meta.BlobMeta{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return meta.BlobMeta{}, false, err
	}

	m.SHA256 = h
	m.LastAccessed = now
	m.AccessCount++
	return m, true, nil
}

func (b *Backend) TotalSize(ctx context.Context) int64 {
	var total sql.NullInt64
	if err := b.db.QueryRowContext(ctx, `SELECT SUM(size) FROM blobs`).Scan(&total); err != nil {
		return 0
	}
	return total.Int64
}

func (b *Backend) BlobCount(ctx context.Context) uint32 {
	var n uint32
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blobs`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func (b *Backend) PutMeta(ctx context.Context, m meta.BlobMeta) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO blobs (sha256, size, mime_type, created_at, last_accessed, access_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(sha256) DO NOTHING`,
		m.SHA256.String(), m.Size, meta.NormalizeMime(m.MimeType), m.CreatedAt, m.LastAccessed, m.AccessCount)
	return err
}

func (b *Backend) DeleteMeta(ctx context.Context, h digest.Digest) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM blobs WHERE sha256 = ?`, h.String())
	return err
}

func (b *Backend) ListBlobs(ctx context.Context, cursor *digest.Digest, limit int) ([]meta.BlobMeta, error) {
	limit = clampLimit(limit)

	var rows *sql.Rows
	var err error
	if cursor == nil {
		rows, err = b.db.QueryContext(ctx, `
			SELECT sha256, size, mime_type, created_at, last_accessed, access_count
			FROM blobs ORDER BY created_at DESC, sha256 DESC LIMIT ?`, limit)
	} else {
		// Tuple comparator gives strict DESC (created_at, sha256) ordering
		// exclusive of the cursor row itself.
		rows, err = b.db.QueryContext(ctx, `
			SELECT b.sha256, b.size, b.mime_type, b.created_at, b.last_accessed, b.access_count
			FROM blobs b, blobs c
			WHERE c.sha256 = ?
			  AND (b.created_at < c.created_at
			       OR (b.created_at = c.created_at AND b.sha256 < c.sha256))
			ORDER BY b.created_at DESC, b.sha256 DESC LIMIT ?`, cursor.String(), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []meta.BlobMeta
	for rows.Next() {
		var m meta.BlobMeta
		var sha string
		if err := rows.Scan(&sha, &m.Size, &m.MimeType, &m.CreatedAt, &m.LastAccessed, &m.AccessCount); err != nil {
			return nil, err
		}
		d, err := digest.Parse(sha)
		if err != nil {
			return nil, fmt.Errorf("sqlmeta: corrupt row %q: %w", sha, err)
		}
		m.SHA256 = d
		out = append(out, m)
	}
	return out, rows.Err()
}

func (b *Backend) EvictCandidates(ctx context.Context, bytesToFree int64) ([]meta.EvictionCandidate, error) {
	if bytesToFree <= 0 {
		return nil, nil
	}
	// Accumulation stops client-side once bytesToFree is met; the LIMIT
	// here only bounds a pathological cache (millions of tiny blobs)
	// from forcing an unbounded scan.
	rows, err := b.db.QueryContext(ctx, `
		SELECT sha256, size FROM blobs ORDER BY last_accessed ASC, sha256 ASC LIMIT 100000`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []meta.EvictionCandidate
	var freed int64
	for rows.Next() && freed < bytesToFree {
		var sha string
		var size int64
		if err := rows.Scan(&sha, &size); err != nil {
			return nil, err
		}
		d, err := digest.Parse(sha)
		if err != nil {
			return nil, fmt.Errorf("sqlmeta: corrupt row %q: %w", sha, err)
		}
		out = append(out, meta.EvictionCandidate{SHA256: d, Size: size})
		freed += size
	}
	return out, rows.Err()
}

func (b *Backend) IsPersistent() bool { return true }

func (b *Backend) Close() error { return b.db.Close() }

func clampLimit(limit int) int {
	if limit <= 0 {
		return meta.DefaultListLimit
	}
	if limit > meta.MaxListLimit {
		return meta.MaxListLimit
	}
	return limit
}
