// Package engine composes the store, the transport and the revalidation
// checker into the four resource operations: lookup, async lookup,
// needs-update and download. No operation returns an error; every failure
// resolves to an absent payload or false.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/cachedresource/cachedresource/internal/cache"
	"github.com/cachedresource/cachedresource/internal/logging"
	"github.com/cachedresource/cachedresource/internal/revalidate"
	"github.com/cachedresource/cachedresource/internal/transport"
)

// DefaultWorkers bounds concurrent background operations when Options leaves
// Workers unset.
const DefaultWorkers = 8

const tracerName = "github.com/cachedresource/cachedresource/internal/engine"

var errUnexpectedStatus = errors.New("unexpected upstream status")

// Options tunes an Engine. Zero values select defaults.
type Options struct {
	Workers int
	Logger  *logrus.Logger
	// Tracer overrides the tracer taken from the global provider.
	Tracer trace.Tracer
}

// DownloadOptions mirrors the two download switches.
type DownloadOptions struct {
	// IgnoreCache asks every cache between here and the origin to forward the
	// request instead of answering from storage.
	IgnoreCache bool
	// ForceCaching stores the response even when the admission policy would
	// refuse it, and even when the origin marked it no-store.
	ForceCaching bool
}

// Engine is the shared resource cache. Build one per process and hand it to
// every caller.
type Engine struct {
	store     cache.Store
	transport transport.Transport
	checker   *revalidate.Checker

	pool    *semaphore.Weighted
	flights singleflight.Group
	pending sync.WaitGroup

	tracer trace.Tracer
	logger *logrus.Logger
}

// New wires an Engine over store and t. The caller keeps ownership of store.
func New(store cache.Store, t transport.Transport, opts Options) *Engine {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &Engine{
		store:     store,
		transport: t,
		checker:   revalidate.NewChecker(t, logger),
		pool:      semaphore.NewWeighted(int64(workers)),
		tracer:    tracer,
		logger:    logger,
	}
}

// CachedResource returns the stored payload for id without any network I/O.
// It blocks on disk reads; use AsyncCachedResource to stay off the caller's
// goroutine.
func (e *Engine) CachedResource(ctx context.Context, id string) ([]byte, bool) {
	entry, ok := e.CachedEntry(ctx, id)
	if !ok {
		return nil, false
	}
	return entry.Payload, true
}

// CachedEntry is CachedResource with the stored status and headers.
func (e *Engine) CachedEntry(ctx context.Context, id string) (*cache.Entry, bool) {
	ctx, span := e.tracer.Start(ctx, "cachedresource.lookup", trace.WithAttributes(attribute.String("resource.id", id)))
	defer span.End()

	entry, ok := e.store.Lookup(ctx, id)
	span.SetAttributes(attribute.Bool("cache.hit", ok))
	return entry, ok
}

// AsyncCachedResource performs CachedResource on the worker pool and delivers
// the result through exec. cb runs exactly once.
func (e *Engine) AsyncCachedResource(ctx context.Context, id string, exec Executor, cb func([]byte, bool)) {
	if cb == nil {
		cb = func([]byte, bool) {}
	}
	e.submit(ctx, exec, func(ctx context.Context) func() {
		payload, ok := e.CachedResource(ctx, id)
		return func() { cb(payload, ok) }
	}, func() { cb(nil, false) })
}

// CheckFreshness revalidates the cached copy of id against the origin.
func (e *Engine) CheckFreshness(ctx context.Context, id string) revalidate.Outcome {
	ctx, span := e.tracer.Start(ctx, "cachedresource.check", trace.WithAttributes(attribute.String("resource.id", id)))
	defer span.End()

	entry, _ := e.store.Lookup(ctx, id)
	outcome := e.checker.Check(ctx, id, entry)
	span.SetAttributes(
		attribute.Bool("cache.hit", entry != nil),
		attribute.String("revalidate.outcome", outcome.String()),
	)
	e.logger.WithFields(logging.ResourceFields("check", id)).
		WithField("outcome", outcome.String()).
		Debug("resource_checked")
	return outcome
}

// NeedsUpdate reports through cb whether id should be downloaded again. A
// failed check reports false, the same as a confirmed fresh entry.
func (e *Engine) NeedsUpdate(ctx context.Context, id string, exec Executor, cb func(bool)) {
	if cb == nil {
		cb = func(bool) {}
	}
	e.submit(ctx, exec, func(ctx context.Context) func() {
		needs := e.CheckFreshness(ctx, id).NeedsUpdate()
		return func() { cb(needs) }
	}, func() { cb(false) })
}

// Download fetches id and stores any 2xx response. Concurrent calls with the
// same id and options share one request. The shared request is detached from
// every caller's cancellation and bounded by the transport timeout; a caller
// whose ctx ends stops waiting and gets (nil, false) while the others still
// receive the payload.
func (e *Engine) Download(ctx context.Context, id string, opts DownloadOptions) ([]byte, bool) {
	ctx, span := e.tracer.Start(ctx, "cachedresource.download", trace.WithAttributes(
		attribute.String("resource.id", id),
		attribute.Bool("download.ignore_cache", opts.IgnoreCache),
		attribute.Bool("download.force_caching", opts.ForceCaching),
	))
	defer span.End()

	key := fmt.Sprintf("%t|%t|%s", opts.IgnoreCache, opts.ForceCaching, id)
	detached := context.WithoutCancel(ctx)
	results := e.flights.DoChan(key, func() (any, error) {
		return e.download(detached, id, opts)
	})

	var res singleflight.Result
	select {
	case res = <-results:
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, ctx.Err().Error())
		return nil, false
	}

	span.SetAttributes(attribute.Bool("download.shared", res.Shared))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		return nil, false
	}
	span.SetStatus(codes.Ok, "")

	payload := res.Val.([]byte)
	if res.Shared {
		payload = append([]byte(nil), payload...)
	}
	return payload, true
}

// DownloadResource performs Download on the worker pool and delivers the
// payload through exec. Failure is reported as (nil, false) only.
func (e *Engine) DownloadResource(ctx context.Context, id string, opts DownloadOptions, exec Executor, cb func([]byte, bool)) {
	if cb == nil {
		cb = func([]byte, bool) {}
	}
	e.submit(ctx, exec, func(ctx context.Context) func() {
		payload, ok := e.Download(ctx, id, opts)
		return func() { cb(payload, ok) }
	}, func() { cb(nil, false) })
}

// Refresh revalidates id and downloads it only when stale or missing. A fresh
// entry, or one whose check failed, is served from the store.
func (e *Engine) Refresh(ctx context.Context, id string, opts DownloadOptions) ([]byte, bool) {
	ctx, span := e.tracer.Start(ctx, "cachedresource.refresh", trace.WithAttributes(attribute.String("resource.id", id)))
	defer span.End()

	if !e.CheckFreshness(ctx, id).NeedsUpdate() {
		if payload, ok := e.CachedResource(ctx, id); ok {
			span.SetAttributes(attribute.Bool("refresh.downloaded", false))
			return payload, true
		}
	}
	span.SetAttributes(attribute.Bool("refresh.downloaded", true))
	return e.Download(ctx, id, opts)
}

// Stats reports the store usage.
func (e *Engine) Stats() cache.Stats {
	return e.store.Stats()
}

// Wait blocks until every scheduled operation has delivered its callback to
// its executor.
func (e *Engine) Wait() {
	e.pending.Wait()
}

func (e *Engine) download(ctx context.Context, id string, opts DownloadOptions) ([]byte, error) {
	fields := logging.ResourceFields("download", id)

	resp, err := e.transport.Get(ctx, id, opts.IgnoreCache)
	if err != nil {
		e.logger.WithFields(fields).WithError(err).Warn("download_failed")
		return nil, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		e.logger.WithFields(fields).WithField("status", resp.StatusCode).Warn("download_unexpected_status")
		return nil, fmt.Errorf("%w: %d", errUnexpectedStatus, resp.StatusCode)
	}

	e.persist(ctx, id, resp, opts.ForceCaching)
	return resp.Payload, nil
}

func (e *Engine) persist(ctx context.Context, id string, resp *transport.Response, force bool) {
	fields := logging.ResourceFields("download", id)
	if !force && forbidsStorage(resp.Header) {
		e.logger.WithFields(fields).Debug("download_not_stored_no_store")
		return
	}

	entry := cache.NewEntry(id, resp.StatusCode, transport.StorableHeader(resp.Header), resp.Payload)
	stored := e.store.Put(ctx, entry, force)
	e.logger.WithFields(fields).WithFields(logrus.Fields{
		"size":   entry.SizeBytes,
		"forced": force,
		"stored": stored,
	}).Debug("download_persisted")
}

// submit runs work on the pool from a fresh goroutine so the caller never
// blocks, then hands the completion to exec. When ctx ends before a slot is
// free, cancelled is delivered instead.
func (e *Engine) submit(ctx context.Context, exec Executor, work func(context.Context) func(), cancelled func()) {
	if exec == nil {
		exec = Inline
	}
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		if err := e.pool.Acquire(ctx, 1); err != nil {
			exec.Execute(cancelled)
			return
		}
		done := work(ctx)
		e.pool.Release(1)
		exec.Execute(done)
	}()
}

func forbidsStorage(header http.Header) bool {
	for _, value := range header.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(directive), "no-store") {
				return true
			}
		}
	}
	return false
}
