// Package upstream fetches blobs from an ordered list of remote Blossom
// servers, with proxy-hint prepending and failover.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"blossomcache.org/core/internal/digest"
)

const fetchTimeout = 30 * time.Second

// ErrNotFound is returned when every configured/hinted server answered
// 404 (and nothing else went wrong).
var ErrNotFound = errors.New("upstream: blob not found on any server")

// ErrAllFailed is returned when at least one server failed for a reason
// other than 404, or no servers were available at all.
type ErrAllFailed struct {
	Reasons []string
}

func (e *ErrAllFailed) Error() string {
	if len(e.Reasons) == 0 {
		return "upstream: no servers configured"
	}
	return "upstream: all servers failed: " + strings.Join(e.Reasons, "; ")
}

// FetchResult is the outcome of a successful fetch.
type FetchResult struct {
	Data     []byte
	MimeType string
	Server   string
}

// Client fetches blobs from an ordered list of base server URLs. Each
// configured server gets its own rate.Limiter so a slow-to-recover
// upstream does not get hammered during a failover storm; the default
// limit is unbounded.
type Client struct {
	servers []string
	http    *http.Client
	limiter map[string]*rate.Limiter
	group   singleflight.Group
}

// New constructs a Client over servers (tried in the given order for any
// fetch that supplies no hints).
func New(servers []string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: fetchTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
	}
	limiter := make(map[string]*rate.Limiter, len(servers))
	for _, s := range servers {
		limiter[s] = rate.NewLimiter(rate.Inf, 0)
	}
	return &Client{
		servers: append([]string(nil), servers...),
		http:    &http.Client{Transport: transport, Timeout: fetchTimeout},
		limiter: limiter,
	}
}

// SetLimit overrides the per-second rate limit for one configured
// server. Hinted servers not present in the configured list are never
// limited.
func (c *Client) SetLimit(server string, rps rate.Limit, burst int) {
	c.limiter[server] = rate.NewLimiter(rps, burst)
}

// Fetch retrieves h, trying normalized hints first, then the configured
// server list (minus any server already present among the hints),
// preserving order and de-duplicating on exact string match. Concurrent
// fetches of the same digest collapse into a single upstream round trip.
func (c *Client) Fetch(ctx context.Context, h digest.Digest, hints []string) (FetchResult, error) {
	order := buildOrder(hints, c.servers)

	v, err, _ := c.group.Do(h.String(), func() (any, error) {
		return c.fetchOrdered(ctx, h, order)
	})
	if err != nil {
		return FetchResult{}, err
	}
	return v.(FetchResult), nil
}

func (c *Client) fetchOrdered(ctx context.Context, h digest.Digest, order []string) (FetchResult, error) {
	if len(order) == 0 {
		return FetchResult{}, &ErrAllFailed{}
	}

	var reasons []string
	sawOnly404 := true

	for _, base := range order {
		res, status, err := c.tryOne(ctx, base, h)
		if err == nil {
			return res, nil
		}
		if status == http.StatusNotFound {
			reasons = append(reasons, fmt.Sprintf("%s: 404", base))
			continue
		}
		sawOnly404 = false
		reasons = append(reasons, fmt.Sprintf("%s: %v", base, err))
	}

	if sawOnly404 {
		return FetchResult{}, ErrNotFound
	}
	return FetchResult{}, &ErrAllFailed{Reasons: reasons}
}

// tryOne performs one GET attempt. status is the HTTP status observed
// (0 if the request never got a response, e.g. a transport error).
func (c *Client) tryOne(ctx context.Context, base string, h digest.Digest) (FetchResult, int, error) {
	if lim, ok := c.limiter[base]; ok {
		if err := lim.Wait(ctx); err != nil {
			return FetchResult{}, 0, err
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	url := strings.TrimRight(base, "/") + "/" + h.String()
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, 0, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return FetchResult{}, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return FetchResult{}, resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return FetchResult{}, resp.StatusCode, fmt.Errorf("reading body: %w", err)
	}

	return FetchResult{
		Data:     data,
		MimeType: resp.Header.Get("Content-Type"),
		Server:   base,
	}, resp.StatusCode, nil
}

// buildOrder returns normalized(hints) ++ (configured \ hints),
// preserving order and skipping exact-string duplicates.
func buildOrder(hints, configured []string) []string {
	seen := make(map[string]bool, len(hints)+len(configured))
	var order []string
	for _, h := range hints {
		n := normalize(h)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		order = append(order, n)
	}
	for _, s := range configured {
		if seen[s] {
			continue
		}
		seen[s] = true
		order = append(order, s)
	}
	return order
}

// normalize prepends https:// to a hint lacking a scheme.
func normalize(hint string) string {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return ""
	}
	if strings.Contains(hint, "://") {
		return hint
	}
	return "https://" + hint
}
