package blobstore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"blossomcache.org/core/internal/blobstore"
	"blossomcache.org/core/internal/digest"
	"blossomcache.org/core/internal/meta"
	_ "blossomcache.org/core/internal/meta/sqlmeta"
)

func newTestStore(t *testing.T) *blobstore.Store {
	t.Helper()
	root := t.TempDir()
	backend, err := meta.Open(meta.KindSQL, meta.Options{Dir: root})
	if err != nil {
		t.Fatalf("meta.Open: %v", err)
	}
	s, err := blobstore.New(root, backend, nil)
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutContainsGetInfoReadContent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	data := []byte("hello")
	h := digest.Sum(data)

	if s.Contains(ctx, h) {
		t.Fatal("Contains before Put = true")
	}
	if err := s.Put(ctx, h, data, "text/plain", true, 1000); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !s.Contains(ctx, h) {
		t.Fatal("Contains after Put = false")
	}

	got, err := s.ReadContent(h)
	if err != nil {
		t.Fatalf("ReadContent: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("ReadContent = %q, want %q", got, "hello")
	}

	info, err := s.GetInfo(ctx, h)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.Size != 5 || info.MimeType != "text/plain" || info.AccessCount != 1 {
		t.Fatalf("GetInfo = %+v, unexpected", info)
	}
}

func TestPutIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	data := []byte("world")
	h := digest.Sum(data)

	if err := s.Put(ctx, h, data, "text/plain", true, 1000); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := s.Put(ctx, h, data, "text/plain", true, 2000); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	info, err := s.GetInfo(ctx, h)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.CreatedAt != 1000 {
		t.Fatalf("CreatedAt = %d, want 1000 (second Put must not overwrite)", info.CreatedAt)
	}
}

func TestPutHashMismatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	data := []byte("actual content")
	wrong := digest.Sum([]byte("something else"))

	err := s.Put(ctx, wrong, data, "application/octet-stream", true, 1000)
	var mismatch *blobstore.ErrHashMismatch
	if err == nil {
		t.Fatal("expected hash mismatch error, got nil")
	}
	if !errors.As(err, &mismatch) {
		t.Fatalf("error %v is not ErrHashMismatch", err)
	}
	if s.Contains(ctx, wrong) {
		t.Fatal("store must not contain blob after hash mismatch")
	}
	if _, statErr := os.Stat(s.ContentPath(wrong)); statErr == nil {
		t.Fatal("content file must not remain after hash mismatch")
	}
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var digests []digest.Digest
	for i, word := range []string{"alpha", "beta", "gamma"} {
		data := []byte(word)
		h := digest.Sum(data)
		if err := s.Put(ctx, h, data, "", false, int64(1000+i)); err != nil {
			t.Fatalf("Put %s: %v", word, err)
		}
		digests = append(digests, h)
	}

	listed, err := s.ListBlobs(ctx, nil, 10)
	if err != nil {
		t.Fatalf("ListBlobs: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("ListBlobs returned %d entries, want 3", len(listed))
	}

	if err := s.Delete(ctx, digests[0]); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Contains(ctx, digests[0]) {
		t.Fatal("Contains after Delete = true")
	}
	if _, statErr := os.Stat(s.ContentPath(digests[0])); statErr == nil {
		t.Fatal("content file must be removed after Delete")
	}
	// Deleting an already-deleted key must be tolerated.
	if err := s.Delete(ctx, digests[0]); err != nil {
		t.Fatalf("Delete of already-deleted key returned error: %v", err)
	}
}

func TestEvictLRU(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, word := range []string{"one", "two", "three"} {
		data := []byte(word)
		h := digest.Sum(data)
		if err := s.Put(ctx, h, data, "", false, int64(1000+i)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	before := s.TotalSize(ctx)
	evicted, err := s.EvictLRU(ctx, before)
	if err != nil {
		t.Fatalf("EvictLRU: %v", err)
	}
	if evicted == 0 {
		t.Fatal("EvictLRU evicted nothing")
	}
	after := s.TotalSize(ctx)
	if after >= before {
		t.Fatalf("TotalSize did not shrink: before=%d after=%d", before, after)
	}
}

func TestContentPathFanout(t *testing.T) {
	s := newTestStore(t)
	h := digest.Sum([]byte("fanout"))
	path := s.ContentPath(h)
	if filepath.Base(filepath.Dir(path)) != h.Prefix2() {
		t.Fatalf("ContentPath = %q, want parent dir %q", path, h.Prefix2())
	}
	if filepath.Base(path) != h.String() {
		t.Fatalf("ContentPath = %q, want file name %q", path, h.String())
	}
}
