package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/cachedresource/cachedresource/internal/cache"
	"github.com/cachedresource/cachedresource/internal/engine"
	"github.com/cachedresource/cachedresource/internal/logging"
	"github.com/cachedresource/cachedresource/internal/transport"
)

const upstreamURL = "https://origin.example.com/data.bin"

type stubTransport struct {
	mu         sync.Mutex
	payload    []byte
	header     http.Header
	getErr     error
	headStatus int
	lastBypass bool
}

func (s *stubTransport) Get(_ context.Context, _ string, bypass bool) (*transport.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastBypass = bypass
	if s.getErr != nil {
		return nil, s.getErr
	}
	return &transport.Response{StatusCode: http.StatusOK, Header: s.header.Clone(), Payload: s.payload}, nil
}

func (s *stubTransport) Head(context.Context, string, *cache.Validators, bool) (*transport.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &transport.Response{StatusCode: s.headStatus, Header: http.Header{}}, nil
}

type testApp struct {
	*fiber.App
	store    *cache.TieredStore
	upstream *stubTransport
}

func newTestApp(t *testing.T, upstream *stubTransport) *testApp {
	t.Helper()
	return newTestAppWithBudget(t, upstream, cache.Budget{})
}

func newTestAppWithBudget(t *testing.T, upstream *stubTransport, budget cache.Budget) *testApp {
	t.Helper()

	logger := logging.Discard()
	budget.StoragePath = t.TempDir()

	store, err := cache.NewStore(budget, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	eng := engine.New(store, upstream, engine.Options{Logger: logger})
	app, err := NewApp(AppOptions{Logger: logger, Resources: eng, ListenPort: 5080})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &testApp{App: app, store: store, upstream: upstream}
}

func (a *testApp) seed(t *testing.T, header http.Header, payload []byte) {
	t.Helper()
	if !a.store.Put(context.Background(), cache.NewEntry(upstreamURL, http.StatusOK, header, payload), true) {
		t.Fatalf("seed rejected")
	}
}

func do(t *testing.T, app *testApp, method, target string) (*http.Response, []byte) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(method, target, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestLookupServesCachedPayload(t *testing.T) {
	app := newTestApp(t, &stubTransport{})
	app.seed(t, http.Header{"Content-Type": {"application/json"}, "Etag": {`"v1"`}}, []byte(`{"ok":true}`))

	resp, body := do(t, app, http.MethodGet, "/resource?url="+upstreamURL)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body %s", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected stored content type, got %q", ct)
	}
	if etag := resp.Header.Get("ETag"); etag != `"v1"` {
		t.Fatalf("expected stored etag, got %q", etag)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestLookupMissReturns404(t *testing.T) {
	app := newTestApp(t, &stubTransport{})

	resp, body := do(t, app, http.MethodGet, "/resource?url="+upstreamURL)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte(`"not_cached"`)) {
		t.Fatalf("expected not_cached error, got %s", body)
	}
}

func TestMissingURLIsBadRequest(t *testing.T) {
	app := newTestApp(t, &stubTransport{})

	resp, body := do(t, app, http.MethodGet, "/resource")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte(`"url_required"`)) {
		t.Fatalf("expected url_required, got %s", body)
	}

	resp, body = do(t, app, http.MethodPost, "/resource/download?url=ftp://example.com/x")
	if resp.StatusCode != fiber.StatusBadRequest || !bytes.Contains(body, []byte(`"invalid_url"`)) {
		t.Fatalf("expected invalid_url 400, got %d %s", resp.StatusCode, body)
	}
}

func TestCheckReportsNeedsUpdate(t *testing.T) {
	upstream := &stubTransport{headStatus: http.StatusNotModified}
	app := newTestApp(t, upstream)
	app.seed(t, http.Header{"Etag": {`"v1"`}}, []byte("cached"))

	_, body := do(t, app, http.MethodGet, "/resource/check?url="+upstreamURL)
	if !bytes.Contains(body, []byte(`"needs_update":false`)) {
		t.Fatalf("expected needs_update false, got %s", body)
	}

	upstream.mu.Lock()
	upstream.headStatus = http.StatusOK
	upstream.mu.Unlock()

	_, body = do(t, app, http.MethodGet, "/resource/check?url="+upstreamURL)
	if !bytes.Contains(body, []byte(`"needs_update":true`)) {
		t.Fatalf("expected needs_update true, got %s", body)
	}
}

func TestDownloadStoresAndReturnsPayload(t *testing.T) {
	upstream := &stubTransport{payload: []byte("fresh")}
	app := newTestApp(t, upstream)

	resp, body := do(t, app, http.MethodPost, "/resource/download?ignore_cache=true&force_caching=1&url="+upstreamURL)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}
	if string(body) != "fresh" {
		t.Fatalf("unexpected body %s", body)
	}
	if !upstream.lastBypass {
		t.Fatalf("ignore_cache should bypass caches upstream")
	}

	if _, hit := app.store.Lookup(context.Background(), upstreamURL); !hit {
		t.Fatalf("expected downloaded payload to be cached")
	}
}

func TestDownloadFailureIsBadGateway(t *testing.T) {
	app := newTestApp(t, &stubTransport{getErr: errors.New("connection reset")})

	resp, body := do(t, app, http.MethodPost, "/resource/download?url="+upstreamURL)
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte(`"upstream_failed"`)) {
		t.Fatalf("expected upstream_failed, got %s", body)
	}
}

func TestRefreshServesFreshEntryWithoutDownload(t *testing.T) {
	upstream := &stubTransport{headStatus: http.StatusNotModified, getErr: errors.New("must not download")}
	app := newTestApp(t, upstream)
	app.seed(t, http.Header{"Etag": {`"v1"`}}, []byte("cached"))

	resp, body := do(t, app, http.MethodPost, "/resource/refresh?url="+upstreamURL)
	if resp.StatusCode != fiber.StatusOK || string(body) != "cached" {
		t.Fatalf("expected cached payload, got %d %s", resp.StatusCode, body)
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := logging.Discard()
	if _, err := NewApp(AppOptions{Resources: nil, Logger: logger, ListenPort: 5080}); err == nil {
		t.Fatalf("expected error without resources")
	}
	if _, err := NewApp(AppOptions{Logger: logger, Resources: &engine.Engine{}, ListenPort: 0}); err == nil {
		t.Fatalf("expected error for invalid port")
	}
}

func TestKeepAliveDownloadsKeepDistinctCacheKeys(t *testing.T) {
	upstream := &stubTransport{payload: []byte("payload")}
	// disk holds fewer entries than are downloaded so older ids are served
	// from memory only
	app := newTestAppWithBudget(t, upstream, cache.Budget{DiskCapacityBytes: 60})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true}) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	client := &http.Client{Transport: &http.Transport{MaxConnsPerHost: 1, MaxIdleConnsPerHost: 1}}
	t.Cleanup(client.CloseIdleConnections)
	base := "http://" + ln.Addr().String()

	send := func(method, target string) int {
		t.Helper()
		req, err := http.NewRequest(method, base+target, nil)
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, target, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp.StatusCode
	}

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("https://origin.example.com/r%03d.bin", i)
		if status := send(http.MethodPost, "/resource/download?force_caching=true&url="+ids[i]); status != fiber.StatusOK {
			t.Fatalf("download %s: status %d", ids[i], status)
		}
	}

	if stats := app.store.Stats(); stats.MemoryEntries != len(ids) {
		t.Fatalf("expected %d memory entries, got %d", len(ids), stats.MemoryEntries)
	}
	for _, id := range ids {
		if status := send(http.MethodGet, "/resource?url="+id); status != fiber.StatusOK {
			t.Fatalf("lookup %s: status %d", id, status)
		}
	}
}
