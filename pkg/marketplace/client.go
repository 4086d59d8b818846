// Package marketplace provides a rate-limited client for the external
// marketplace catalog search API.
package marketplace

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/resilience"
)

// Client defines the catalog search operations.
type Client interface {
	// SearchByPrimaryKey looks up listings by UPC/EAN.
	SearchByPrimaryKey(ctx context.Context, key string) ([]Listing, error)
	// SearchBySecondaryKey looks up listings by manufacturer part number.
	// hint narrows the match (usually the product name) and may be empty.
	SearchBySecondaryKey(ctx context.Context, key, hint string) ([]Listing, error)
	// SearchByKeywords runs a free-text search capped at limit results.
	SearchByKeywords(ctx context.Context, text string, limit int) ([]Listing, error)
}

// Limiter admits outbound calls. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// CallObserver records one HTTP attempt. code is 0 when no response arrived.
type CallObserver interface {
	ObserveCall(op string, code int, d time.Duration)
}

const (
	defaultTimeout  = 15 * time.Second
	maxPageSize     = 50
	searchPath      = "/catalog/items"
	maxErrorBodyLen = 512
)

// Option configures the marketplace client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithAuth sets the request authenticator. Defaults to NoAuth.
func WithAuth(a Authenticator) Option {
	return func(c *httpClient) {
		c.auth = a
	}
}

// WithMarketplaceID scopes every search to one marketplace.
func WithMarketplaceID(id string) Option {
	return func(c *httpClient) {
		c.marketplaceID = id
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.timeout = d
	}
}

// WithBreaker guards calls with a circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *httpClient) {
		c.breaker = cb
	}
}

// WithObserver sets a per-attempt call observer.
func WithObserver(o CallObserver) Option {
	return func(c *httpClient) {
		c.observer = o
	}
}

type httpClient struct {
	baseURL       string
	marketplaceID string
	limiter       Limiter
	http          *http.Client
	auth          Authenticator
	timeout       time.Duration
	breaker       *resilience.CircuitBreaker
	observer      CallObserver
}

// NewClient creates a marketplace client. Every HTTP attempt, including
// the retry after a credential refresh, takes a token from limiter.
func NewClient(baseURL string, limiter Limiter, opts ...Option) (Client, error) {
	if baseURL == "" {
		return nil, eris.New("marketplace: base url is required")
	}
	if limiter == nil {
		return nil, eris.New("marketplace: limiter is required")
	}
	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		limiter: limiter,
		http:    &http.Client{},
		auth:    NoAuth{},
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	return c, nil
}

func (c *httpClient) SearchByPrimaryKey(ctx context.Context, key string) ([]Listing, error) {
	if strings.TrimSpace(key) == "" {
		return nil, eris.New("marketplace: primary key is required")
	}
	q := url.Values{}
	q.Set("identifiers", key)
	q.Set("identifiersType", identifierUPC)
	return c.search(ctx, "search_upc", q)
}

func (c *httpClient) SearchBySecondaryKey(ctx context.Context, key, hint string) ([]Listing, error) {
	if strings.TrimSpace(key) == "" {
		return nil, eris.New("marketplace: secondary key is required")
	}
	q := url.Values{}
	q.Set("identifiers", key)
	q.Set("identifiersType", identifierMPN)
	if hint != "" {
		q.Set("keywords", hint)
	}
	return c.search(ctx, "search_mpn", q)
}

func (c *httpClient) SearchByKeywords(ctx context.Context, text string, limit int) ([]Listing, error) {
	if strings.TrimSpace(text) == "" {
		return nil, eris.New("marketplace: keywords are required")
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	q := url.Values{}
	q.Set("keywords", text)
	q.Set("pageSize", strconv.Itoa(limit))
	listings, err := c.search(ctx, "search_keywords", q)
	if err != nil {
		return nil, err
	}
	if len(listings) > limit {
		listings = listings[:limit]
	}
	return listings, nil
}

func (c *httpClient) search(ctx context.Context, op string, q url.Values) ([]Listing, error) {
	if c.marketplaceID != "" {
		q.Set("marketplaceId", c.marketplaceID)
	}
	endpoint := c.baseURL + searchPath + "?" + q.Encode()

	return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) ([]Listing, error) {
		code, body, err := c.do(ctx, op, endpoint)
		if err != nil {
			return nil, err
		}
		if code == http.StatusUnauthorized {
			if rerr := c.auth.Refresh(ctx); rerr != nil {
				return nil, resilience.NewTransientError(eris.Wrap(rerr, "marketplace: credential refresh failed"), http.StatusUnauthorized)
			}
			code, body, err = c.do(ctx, op, endpoint)
			if err != nil {
				return nil, err
			}
			if code == http.StatusUnauthorized {
				return nil, resilience.NewTransientError(eris.Errorf("marketplace: %s: unauthorized after credential refresh", op), code)
			}
		}
		return decodeSearch(op, code, body)
	})
}

type response struct {
	body       []byte
	retryAfter time.Duration
}

// do performs one admitted, authenticated attempt. Non-2xx statuses other
// than 401 and 404 come back as errors.
func (c *httpClient) do(ctx context.Context, op, endpoint string) (int, *response, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return 0, nil, eris.Wrap(err, "marketplace: acquire rate limit")
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, eris.Wrap(err, "marketplace: create request")
	}
	req.Header.Set("Accept", "application/json")
	if err := c.auth.Apply(ctx, req); err != nil {
		return 0, nil, resilience.NewTransientError(err, http.StatusUnauthorized)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(op, 0, start)
		if ctx.Err() == nil && attemptCtx.Err() != nil {
			return 0, nil, resilience.NewTransientError(eris.Wrapf(err, "marketplace: %s timed out", op), 0)
		}
		return 0, nil, eris.Wrapf(err, "marketplace: %s", op)
	}
	defer resp.Body.Close() //nolint:errcheck
	c.observe(op, resp.StatusCode, start)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() == nil {
			return 0, nil, resilience.NewTransientError(eris.Wrapf(err, "marketplace: %s read body", op), resp.StatusCode)
		}
		return 0, nil, eris.Wrapf(err, "marketplace: %s read body", op)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, &response{body: body}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, &response{body: body}, nil
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		te := resilience.NewTransientError(
			eris.Errorf("marketplace: %s: unexpected status %d: %s", op, resp.StatusCode, truncate(body)),
			resp.StatusCode,
		)
		te.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return 0, nil, te
	default:
		return 0, nil, eris.Errorf("marketplace: %s: unexpected status %d: %s", op, resp.StatusCode, truncate(body))
	}
}

func (c *httpClient) observe(op string, code int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveCall(op, code, time.Since(start))
	}
}

// decodeSearch parses a search response. 404 means no listings.
func decodeSearch(op string, code int, resp *response) ([]Listing, error) {
	if code == http.StatusNotFound {
		return nil, nil
	}
	var sr searchResponse
	if err := json.Unmarshal(resp.body, &sr); err != nil {
		return nil, eris.Wrapf(err, "marketplace: %s: decode response", op)
	}
	return dedupe(sr.Items), nil
}

// dedupe drops repeated and blank external ids, keeping the first.
func dedupe(in []Listing) []Listing {
	seen := make(map[string]struct{}, len(in))
	out := make([]Listing, 0, len(in))
	for _, l := range in {
		if l.ExternalID == "" {
			continue
		}
		if _, ok := seen[l.ExternalID]; ok {
			continue
		}
		seen[l.ExternalID] = struct{}{}
		out = append(out, l)
	}
	return out
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(body []byte) string {
	s := string(body)
	if len(s) > maxErrorBodyLen {
		return s[:maxErrorBodyLen] + "..."
	}
	return s
}

