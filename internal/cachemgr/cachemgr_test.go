package cachemgr_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"blossomcache.org/core/internal/blobstore"
	"blossomcache.org/core/internal/cachemgr"
	"blossomcache.org/core/internal/digest"
	"blossomcache.org/core/internal/meta"
	_ "blossomcache.org/core/internal/meta/sqlmeta"
	"blossomcache.org/core/internal/upstream"
)

func newStore(t *testing.T) *blobstore.Store {
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

// TestGetMissThenHit covers S4: a miss fetches and caches; a second Get
// serves locally without touching upstream again.
func TestGetMissThenHit(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("world"))
	}))
	defer srv.Close()

	store := newStore(t)
	up := upstream.New([]string{srv.URL})
	mgr := cachemgr.New(store, up, cachemgr.Config{VerifyHash: true}, nil)

	h := digest.Sum([]byte("world"))
	ctx := context.Background()

	res1, err := mgr.Get(ctx, h, nil)
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if !res1.Cached {
		t.Fatal("first Get should have cached the blob")
	}
	if hits != 1 {
		t.Fatalf("upstream hits after first Get = %d, want 1", hits)
	}

	res2, err := mgr.Get(ctx, h, nil)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if string(res2.Data) != "world" {
		t.Fatalf("second Get data = %q", res2.Data)
	}
	if hits != 1 {
		t.Fatalf("upstream hits after second Get = %d, want still 1", hits)
	}
}

// TestGetOversizedBlobBypassesCache covers S5.
func TestGetOversizedBlobBypassesCache(t *testing.T) {
	big := make([]byte, 2<<20) // 2 MiB
	for i := range big {
		big[i] = byte(i)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(big)
	}))
	defer srv.Close()

	store := newStore(t)
	up := upstream.New([]string{srv.URL})
	mgr := cachemgr.New(store, up, cachemgr.Config{
		MaxBlobBytes: 1 << 20, // 1 MiB
		VerifyHash:   true,
	}, nil)

	h := digest.Sum(big)
	ctx := context.Background()
	before := store.BlobCount(ctx)

	res, err := mgr.Get(ctx, h, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Cached {
		t.Fatal("oversized blob must not be cached")
	}
	if len(res.Data) != len(big) {
		t.Fatalf("got %d bytes, want %d", len(res.Data), len(big))
	}
	after := store.BlobCount(ctx)
	if before != after {
		t.Fatalf("blob_count changed: before=%d after=%d", before, after)
	}
}

// TestPutTooLarge enforces the per-blob cap on the authoritative upload
// path.
func TestPutTooLarge(t *testing.T) {
	store := newStore(t)
	up := upstream.New(nil)
	mgr := cachemgr.New(store, up, cachemgr.Config{MaxBlobBytes: 4}, nil)

	data := []byte("too big")
	h := digest.Sum(data)
	_, err := mgr.Put(context.Background(), h, data, "text/plain")
	if err != cachemgr.ErrTooLarge {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

// TestLRUEvictionOrder covers S6: accessing A between inserting B and C
// makes B the first eviction candidate.
func TestLRUEvictionOrder(t *testing.T) {
	store := newStore(t)
	up := upstream.New(nil)
	mgr := cachemgr.New(store, up, cachemgr.Config{MaxBlobBytes: 0}, nil)
	ctx := context.Background()

	a := make([]byte, 400<<10)
	b := make([]byte, 400<<10)
	c := make([]byte, 400<<10)
	for i := range a {
		a[i], b[i], c[i] = 1, 2, 3
	}
	ha, hb, hc := digest.Sum(a), digest.Sum(b), digest.Sum(c)

	if _, err := mgr.Put(ctx, ha, a, ""); err != nil {
		t.Fatalf("put A: %v", err)
	}
	if _, err := mgr.Put(ctx, hb, b, ""); err != nil {
		t.Fatalf("put B: %v", err)
	}
	// Access times are whole Unix seconds; wait so the touch of A lands
	// strictly after B's insert time.
	time.Sleep(1100 * time.Millisecond)
	if _, err := store.GetInfo(ctx, ha); err != nil { // touch A
		t.Fatalf("touch A: %v", err)
	}
	if _, err := mgr.Put(ctx, hc, c, ""); err != nil {
		t.Fatalf("put C: %v", err)
	}

	n, err := store.EvictLRU(ctx, 400<<10)
	if err != nil {
		t.Fatalf("EvictLRU: %v", err)
	}
	if n != 1 {
		t.Fatalf("evicted %d blobs, want 1", n)
	}
	if store.Contains(ctx, hb) {
		t.Fatal("B should have been evicted first (least recently accessed)")
	}
	if !store.Contains(ctx, ha) || !store.Contains(ctx, hc) {
		t.Fatal("A and C should still be present")
	}
}

func TestRunEvictionNoOverageIsNoop(t *testing.T) {
	store := newStore(t)
	up := upstream.New(nil)
	mgr := cachemgr.New(store, up, cachemgr.Config{MaxCacheBytes: 1 << 30}, nil)

	n, err := mgr.RunEviction(context.Background())
	if err != nil {
		t.Fatalf("RunEviction: %v", err)
	}
	if n != 0 {
		t.Fatalf("evicted %d blobs with no overage, want 0", n)
	}
}
