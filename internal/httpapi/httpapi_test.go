package httpapi_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"blossomcache.org/core/internal/blobstore"
	"blossomcache.org/core/internal/cachemgr"
	"blossomcache.org/core/internal/digest"
	"blossomcache.org/core/internal/httpapi"
	"blossomcache.org/core/internal/meta"
	_ "blossomcache.org/core/internal/meta/sqlmeta"
	"blossomcache.org/core/internal/upstream"
)

func newTestServer(t *testing.T, upstreamServers []string, maxBlobBytes, maxCacheBytes int64) (*httpapi.Server, *blobstore.Store) {
	t.Helper()
	root := t.TempDir()
	backend, err := meta.Open(meta.KindSQL, meta.Options{Dir: root})
	if err != nil {
		t.Fatalf("meta.Open: %v", err)
	}
	store, err := blobstore.New(root, backend, nil)
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	up := upstream.New(upstreamServers)
	mgr := cachemgr.New(store, up, cachemgr.Config{
		MaxBlobBytes:  maxBlobBytes,
		MaxCacheBytes: maxCacheBytes,
		VerifyHash:    true,
	}, nil)
	srv := httpapi.New(store, mgr, "127.0.0.1:0", nil)
	return srv, store
}

func exerciseRoute(t *testing.T, srv *httpapi.Server) *httptest.Server {
	t.Helper()
	return httptest.NewServer(srv.Handler())
}

func TestUploadRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, nil, 0, 0)
	ts := exerciseRoute(t, srv)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/upload", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d, want 200", resp.StatusCode)
	}
	var desc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	wantSHA := digest.Sum([]byte("hello")).String()
	if desc["sha256"] != wantSHA {
		t.Fatalf("sha256 = %v, want %v", desc["sha256"], wantSHA)
	}
	if desc["size"].(float64) != 5 {
		t.Fatalf("size = %v, want 5", desc["size"])
	}
	if desc["type"] != "text/plain" {
		t.Fatalf("type = %v, want text/plain", desc["type"])
	}

	getResp, err := http.Get(ts.URL + "/" + wantSHA + ".txt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", getResp.StatusCode)
	}
	if getResp.Header.Get("X-Blob-SHA256") != wantSHA {
		t.Fatalf("X-Blob-SHA256 = %q, want %q", getResp.Header.Get("X-Blob-SHA256"), wantSHA)
	}
}

func TestRangeRequestSatisfiable(t *testing.T) {
	srv, store := newTestServer(t, nil, 0, 0)
	ts := exerciseRoute(t, srv)
	defer ts.Close()

	h := digest.Sum([]byte("hello"))
	if err := store.Put(t.Context(), h, []byte("hello"), "text/plain", true, 1000); err != nil {
		t.Fatalf("seed Put: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/"+h.String(), nil)
	req.Header.Set("Range", "bytes=1-3")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 1-3/5" {
		t.Fatalf("Content-Range = %q, want %q", got, "bytes 1-3/5")
	}
	buf := make([]byte, 3)
	if _, err := resp.Body.Read(buf); err != nil && err.Error() != "EOF" {
		t.Fatalf("reading body: %v", err)
	}
	if string(buf) != "ell" {
		t.Fatalf("body = %q, want %q", buf, "ell")
	}
}

func TestRangeRequestUnsatisfiable(t *testing.T) {
	srv, store := newTestServer(t, nil, 0, 0)
	ts := exerciseRoute(t, srv)
	defer ts.Close()

	h := digest.Sum([]byte("hello"))
	if err := store.Put(t.Context(), h, []byte("hello"), "text/plain", true, 1000); err != nil {
		t.Fatalf("seed Put: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/"+h.String(), nil)
	req.Header.Set("Range", "bytes=10-20")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes */5" {
		t.Fatalf("Content-Range = %q, want %q", got, "bytes */5")
	}
}

func TestDeleteRequiresExistence(t *testing.T) {
	srv, _ := newTestServer(t, nil, 0, 0)
	ts := exerciseRoute(t, srv)
	defer ts.Close()

	h := digest.Sum([]byte("nope"))
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/"+h.String(), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListPagination(t *testing.T) {
	srv, store := newTestServer(t, nil, 0, 0)
	ts := exerciseRoute(t, srv)
	defer ts.Close()

	ctx := t.Context()
	for i := 0; i < 150; i++ {
		data := []byte(fmt.Sprintf("blob-%d", i))
		h := digest.Sum(data)
		if err := store.Put(ctx, h, data, "", false, int64(1000+i)); err != nil {
			t.Fatalf("seed Put %d: %v", i, err)
		}
	}

	resp, err := http.Get(ts.URL + "/list/any?limit=100")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var page1 []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&page1); err != nil {
		t.Fatalf("decode page1: %v", err)
	}
	resp.Body.Close()
	if len(page1) != 100 {
		t.Fatalf("page1 len = %d, want 100", len(page1))
	}

	lastSHA := page1[len(page1)-1]["sha256"].(string)
	resp2, err := http.Get(ts.URL + "/list/any?cursor=" + lastSHA + "&limit=100")
	if err != nil {
		t.Fatalf("list page2: %v", err)
	}
	var page2 []map[string]any
	if err := json.NewDecoder(resp2.Body).Decode(&page2); err != nil {
		t.Fatalf("decode page2: %v", err)
	}
	resp2.Body.Close()
	if len(page2) != 50 {
		t.Fatalf("page2 len = %d, want 50", len(page2))
	}

	seen := make(map[string]bool, 150)
	for _, d := range page1 {
		seen[d["sha256"].(string)] = true
	}
	for _, d := range page2 {
		if seen[d["sha256"].(string)] {
			t.Fatalf("sha256 %v appeared in both pages", d["sha256"])
		}
	}
}
