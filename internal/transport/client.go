package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cachedresource/cachedresource/internal/cache"
	"github.com/cachedresource/cachedresource/internal/version"
)

// ErrInvalidIdentifier reports an id that is not an absolute http(s) URL.
var ErrInvalidIdentifier = errors.New("resource identifier must be an absolute http(s) URL")

// DefaultTimeout bounds one request when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Payload    []byte
}

// Transport performs GET and HEAD requests for a resource identifier. It must
// be safe for concurrent use.
type Transport interface {
	Get(ctx context.Context, id string, bypassCache bool) (*Response, error)
	Head(ctx context.Context, id string, validators *cache.Validators, bypassCache bool) (*Response, error)
}

// Shared transport tunings: keep-alive connection reuse and central timeouts.
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewHTTPClient returns the shared http.Client used for every request.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// Client is the Transport backed by net/http.
type Client struct {
	http      *http.Client
	userAgent string
}

// NewClient wraps httpClient; nil means NewHTTPClient(DefaultTimeout).
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultTimeout)
	}
	return &Client{http: httpClient, userAgent: version.UserAgent()}
}

func (c *Client) Get(ctx context.Context, id string, bypassCache bool) (*Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, id, bypassCache)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Payload: payload}, nil
}

// Head sends a HEAD for id. With validators it carries If-None-Match when an
// ETag is known, otherwise If-Modified-Since when Last-Modified is known.
// Redirects are not followed so the status seen is the origin's own.
func (c *Client) Head(ctx context.Context, id string, validators *cache.Validators, bypassCache bool) (*Response, error) {
	req, err := c.newRequest(ctx, http.MethodHead, id, bypassCache)
	if err != nil {
		return nil, err
	}
	if validators != nil {
		if name, value := validators.Conditional(); name != "" {
			req.Header.Set(name, value)
		}
	}

	client := *c.http
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header}, nil
}

// HeadDefault is Head with the revalidation default of bypassing caches.
func HeadDefault(ctx context.Context, t Transport, id string, validators *cache.Validators) (*Response, error) {
	return t.Head(ctx, id, validators, true)
}

func (c *Client) newRequest(ctx context.Context, method, id string, bypassCache bool) (*http.Request, error) {
	target, err := ParseIdentifier(id)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), http.NoBody)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if bypassCache {
		applyBypass(req.Header)
	}
	return req, nil
}

// applyBypass is the reload-ignoring-cache directive: every cache on the path
// must forward to the origin instead of answering from storage.
func applyBypass(header http.Header) {
	header.Set("Cache-Control", "no-cache, no-store, max-age=0")
	header.Set("Pragma", "no-cache")
}

// ParseIdentifier checks that id is an absolute http or https URL.
func ParseIdentifier(id string) (*url.URL, error) {
	parsed, err := url.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidIdentifier, id)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %s", ErrInvalidIdentifier, id)
	}
	return parsed, nil
}

var _ Transport = (*Client)(nil)
