// Package httpapi implements the wire protocol: route dispatch, CORS,
// range responses, and JSON descriptors. Routing is hand-dispatched by
// method and literal/prefix path match rather than a mux library, and
// the xs query parameter is re-parsed manually, because both a generic
// pattern matcher and the standard query parser would be wrong here (a
// mux collapses literal-vs-prefix distinctions, and url.Values collapses
// duplicate keys).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"blossomcache.org/core/internal/blobstore"
	"blossomcache.org/core/internal/cachemgr"
	"blossomcache.org/core/internal/digest"
	"blossomcache.org/core/internal/meta"
	"blossomcache.org/core/internal/upstream"
)

const serverHeader = "blossom-cache/1.0"

// state is the server's lifecycle state machine: Created -> Running -> Stopped.
type state int

const (
	stateCreated state = iota
	stateRunning
	stateStopped
)

// ErrAlreadyRunning is returned by Start on a server that is already Running.
var ErrAlreadyRunning = errors.New("httpapi: server already running")

var mimeExtensions = map[string]string{
	"application/pdf": "pdf",
	"image/png":       "png",
	"image/jpeg":      "jpg",
	"image/gif":       "gif",
	"image/webp":      "webp",
	"image/svg+xml":   "svg",
	"video/mp4":       "mp4",
	"video/webm":      "webm",
	"audio/mpeg":      "mp3",
	"audio/ogg":       "ogg",
	"text/plain":      "txt",
	"text/html":       "html",
	"application/json": "json",
	"application/zip":  "zip",
}

// Server is the HTTP surface. It borrows a Store (for direct metadata
// reads) and a Manager (for policy-aware get/put).
type Server struct {
	store   *blobstore.Store
	mgr     *cachemgr.Manager
	log     *slog.Logger
	baseURL string

	httpSrv *http.Server

	mu    sync.Mutex
	state state
}

// New constructs a Server bound to addr (host:port, used both to listen
// and to build the "base" field of Blob Descriptors).
func New(store *blobstore.Store, mgr *cachemgr.Manager, addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{store: store, mgr: mgr, log: log, baseURL: "http://" + addr}
	handler := s.loggingMiddleware(http.HandlerFunc(s.route))
	// Cleartext HTTP/2 alongside HTTP/1.1, so range-heavy clients that
	// prefer h2 don't have to negotiate TLS against a local cache.
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
	return s
}

// Handler returns the server's http.Handler, useful for tests that want
// to drive routing through httptest.Server without a real listener.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins listening. It fails with ErrAlreadyRunning if already
// Running; once Stopped it cannot be restarted.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.state == stateRunning {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.state = stateRunning
	s.mu.Unlock()

	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.state = stateStopped
	s.mu.Unlock()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Server", serverHeader)
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, *")
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	path := r.URL.Path

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && path == "/" {
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Method == http.MethodGet && path == "/status" {
		s.handleStatus(w, r)
		return
	}

	if r.Method == http.MethodPut && path == "/upload" {
		s.handleUpload(w, r)
		return
	}

	if r.Method == http.MethodGet && strings.HasPrefix(path, "/list/") {
		s.handleList(w, r)
		return
	}

	if h, ok := parseBlobPath(path); ok {
		switch r.Method {
		case http.MethodGet:
			s.handleGetBlob(w, r, h)
			return
		case http.MethodHead:
			s.handleHeadBlob(w, r, h)
			return
		case http.MethodDelete:
			s.handleDeleteBlob(w, r, h)
			return
		}
	}

	writeError(w, http.StatusNotFound, "not found")
}

// parseBlobPath recognizes /<64 hex chars>[.ext]. The character
// following the hex run must be end-of-string or '.'; anything else
// means no match.
func parseBlobPath(path string) (digest.Digest, bool) {
	if len(path) < 1 || path[0] != '/' {
		return digest.Digest{}, false
	}
	rest := path[1:]
	if len(rest) < digest.HexLen {
		return digest.Digest{}, false
	}
	hexPart := rest[:digest.HexLen]
	if !digest.Valid(hexPart) {
		return digest.Digest{}, false
	}
	if len(rest) > digest.HexLen && rest[digest.HexLen] != '.' {
		return digest.Digest{}, false
	}
	h, err := digest.Parse(hexPart)
	if err != nil {
		return digest.Digest{}, false
	}
	return h, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	total := s.store.TotalSize(ctx)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"blob_count":       s.store.BlobCount(ctx),
		"total_size_bytes": total,
		"total_size_mb":    float64(total) / (1 << 20),
		"is_persistent":    s.store.IsPersistent(),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty upload body")
		return
	}

	h := digest.Sum(body)
	mime := r.Header.Get("Content-Type")

	m, err := s.mgr.Put(r.Context(), h, body, mime)
	if err != nil {
		if errors.Is(err, cachemgr.ErrTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "blob exceeds maximum blob size")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, descriptorFor(s.baseURL, m))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}

	var cursor *digest.Digest
	if raw := q.Get("cursor"); raw != "" {
		d, err := digest.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = &d
	}

	blobs, err := s.store.ListBlobs(r.Context(), cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	descriptors := make([]descriptor, 0, len(blobs))
	for _, b := range blobs {
		descriptors = append(descriptors, descriptorFor(s.baseURL, b))
	}
	writeJSON(w, http.StatusOK, descriptors)
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request, h digest.Digest) {
	hints := parseHints(r.URL.RawQuery)

	res, err := s.mgr.Get(r.Context(), h, hints)
	if err != nil {
		if errors.Is(err, cachemgr.ErrNotFound) {
			writeError(w, http.StatusNotFound, "blob not found")
			return
		}
		var allFailed *upstream.ErrAllFailed
		if errors.As(err, &allFailed) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	serveContent(w, r, h, res.Data, res.MimeType)
}

func (s *Server) handleHeadBlob(w http.ResponseWriter, r *http.Request, h digest.Digest) {
	info, err := s.store.GetInfo(r.Context(), h)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "blob not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", info.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("X-Blob-SHA256", h.String())
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteBlob(w http.ResponseWriter, r *http.Request, h digest.Digest) {
	if !s.store.Contains(r.Context(), h) {
		writeError(w, http.StatusNotFound, "blob not found")
		return
	}
	if err := s.store.Delete(r.Context(), h); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "deleted",
		"sha256":  h.String(),
	})
}

// serveContent writes either a full 200 response or a 206/416 range
// response. Only a single satisfiable range is honored; anything else
// (no Range header, unparseable, or multiple ranges) falls back to the
// full response.
func serveContent(w http.ResponseWriter, r *http.Request, h digest.Digest, data []byte, mime string) {
	total := int64(len(data))

	start, end, ok, unsatisfiable := parseRange(r.Header.Get("Range"), total)
	if unsatisfiable {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if ok {
		w.Header().Set("Content-Type", mime)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
		return
	}

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.FormatInt(total, 10))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("X-Blob-SHA256", h.String())
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// parseRange recognizes a single "bytes=a-b" range per RFC 7233. Returns
// ok=true with a satisfiable [start,end], or unsatisfiable=true, or
// neither when there is no range header, it doesn't parse, or it names
// more than one range (all of which collapse to "serve the full body").
func parseRange(header string, total int64) (start, end int64, ok bool, unsatisfiable bool) {
	if header == "" || total == 0 {
		return 0, 0, false, false
	}
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, false, false
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(spec, ",") {
		return 0, 0, false, false // multiple ranges: treat as no range
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false, false
	}

	var s, e int64
	var err error
	switch {
	case parts[0] == "" && parts[1] != "":
		// suffix range: last N bytes
		n, perr := strconv.ParseInt(parts[1], 10, 64)
		if perr != nil {
			return 0, 0, false, false
		}
		if n <= 0 {
			return 0, 0, false, true
		}
		s = total - n
		if s < 0 {
			s = 0
		}
		e = total - 1
	case parts[0] != "" && parts[1] == "":
		s, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, 0, false, false
		}
		e = total - 1
	case parts[0] != "" && parts[1] != "":
		s, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, 0, false, false
		}
		e, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, false, false
		}
	default:
		return 0, 0, false, false
	}

	if s < 0 || s >= total || e < s {
		return 0, 0, false, true
	}
	if e >= total {
		e = total - 1
	}
	return s, e, true, false
}

// parseHints manually re-splits the raw query string to recover every
// xs= value; url.Values would collapse duplicate keys.
func parseHints(rawQuery string) []string {
	var hints []string
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if kv[0] != "xs" || len(kv) != 2 {
			continue
		}
		v, err := url.QueryUnescape(kv[1])
		if err != nil {
			continue
		}
		hints = append(hints, v)
	}
	return hints
}

type descriptor struct {
	URL      string `json:"url"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
	Uploaded int64  `json:"uploaded"`
}

func descriptorFor(base string, m meta.BlobMeta) descriptor {
	ext := mimeExtensions[m.MimeType]
	url := base + "/" + m.SHA256.String()
	if ext != "" {
		url += "." + ext
	}
	return descriptor{
		URL:      url,
		SHA256:   m.SHA256.String(),
		Size:     m.Size,
		Type:     m.MimeType,
		Uploaded: m.CreatedAt,
	}
}

func writeError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("X-Reason", reason)
	writeJSON(w, status, map[string]string{"error": reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	w.Write(body)
}
