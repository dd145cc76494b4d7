package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachedresource/cachedresource/internal/cache"
	"github.com/cachedresource/cachedresource/internal/version"
)

type recordedRequest struct {
	method string
	header http.Header
}

type recorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (r *recorder) record(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, recordedRequest{method: req.Method, header: req.Header.Clone()})
}

func (r *recorder) last(t *testing.T) recordedRequest {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.requests, "no request reached the server")
	return r.requests[len(r.requests)-1]
}

func TestGetReadsPayloadAndHeaders(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	client := NewClient(srv.Client())
	resp, err := client.Get(context.Background(), srv.URL+"/a", false)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("payload"), resp.Payload)
	assert.Equal(t, `"v1"`, resp.Header.Get("ETag"))

	req := rec.last(t)
	assert.Equal(t, http.MethodGet, req.method)
	assert.Empty(t, req.header.Get("Cache-Control"))
	assert.Empty(t, req.header.Get("Pragma"))
	assert.Equal(t, version.UserAgent(), req.header.Get("User-Agent"))
}

func TestGetBypassSendsNoCacheDirectives(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := NewClient(srv.Client()).Get(context.Background(), srv.URL, true)
	require.NoError(t, err)

	req := rec.last(t)
	assert.Contains(t, req.header.Get("Cache-Control"), "no-cache")
	assert.Contains(t, req.header.Get("Cache-Control"), "no-store")
	assert.Equal(t, "no-cache", req.header.Get("Pragma"))
}

func TestGetReturnsNonSuccessStatusWithoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	resp, err := NewClient(srv.Client()).Get(context.Background(), srv.URL, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHeadPrefersETagValidator(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	validators := &cache.Validators{ETag: `"v1"`, LastModified: "Mon, 02 Jan 2006 15:04:05 GMT"}
	resp, err := HeadDefault(context.Background(), NewClient(srv.Client()), srv.URL, validators)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	req := rec.last(t)
	assert.Equal(t, http.MethodHead, req.method)
	assert.Equal(t, `"v1"`, req.header.Get("If-None-Match"))
	assert.Empty(t, req.header.Get("If-Modified-Since"))
	assert.Contains(t, req.header.Get("Cache-Control"), "no-cache")
}

func TestHeadFallsBackToLastModified(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	stamp := "Mon, 02 Jan 2006 15:04:05 GMT"
	_, err := NewClient(srv.Client()).Head(context.Background(), srv.URL, &cache.Validators{LastModified: stamp}, true)
	require.NoError(t, err)

	req := rec.last(t)
	assert.Empty(t, req.header.Get("If-None-Match"))
	assert.Equal(t, stamp, req.header.Get("If-Modified-Since"))
}

func TestHeadWithoutValidatorsIsUnconditional(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := NewClient(srv.Client()).Head(context.Background(), srv.URL, nil, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Payload)

	req := rec.last(t)
	assert.Empty(t, req.header.Get("If-None-Match"))
	assert.Empty(t, req.header.Get("If-Modified-Since"))
	assert.Empty(t, req.header.Get("Cache-Control"))
}

func TestHeadDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/moved" {
			http.Redirect(w, r, "/target", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := NewClient(srv.Client()).Head(context.Background(), srv.URL+"/moved", nil, true)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestRejectsInvalidIdentifiers(t *testing.T) {
	client := NewClient(nil)
	for _, id := range []string{"", "ftp://example.com/file", "/relative/path", "http://"} {
		_, err := client.Get(context.Background(), id, false)
		assert.True(t, errors.Is(err, ErrInvalidIdentifier), "id %q: %v", id, err)
	}
}

func TestGetHonoursContextCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewClient(srv.Client()).Get(ctx, srv.URL, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "unexpected error: %v", err)
}

func TestNewHTTPClientUsesTimeout(t *testing.T) {
	assert.Equal(t, 45*time.Second, NewHTTPClient(45*time.Second).Timeout)
	assert.Equal(t, DefaultTimeout, NewHTTPClient(0).Timeout)
}

func TestStorableHeaderSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := StorableHeader(src)
	assert.NotContains(t, dst, "Connection")
	assert.NotContains(t, dst, "Keep-Alive")
	assert.Len(t, dst.Values("X-Test-Header"), 2)
	assert.True(t, IsHopByHopHeader("transfer-encoding"))
}
