package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cachedresource/cachedresource/internal/cache"
	"github.com/cachedresource/cachedresource/internal/engine"
	"github.com/cachedresource/cachedresource/internal/revalidate"
)

// Resources is the slice of the engine the HTTP handlers need. Tests may
// substitute a fake.
type Resources interface {
	CachedEntry(ctx context.Context, id string) (*cache.Entry, bool)
	CheckFreshness(ctx context.Context, id string) revalidate.Outcome
	Download(ctx context.Context, id string, opts engine.DownloadOptions) ([]byte, bool)
	Refresh(ctx context.Context, id string, opts engine.DownloadOptions) ([]byte, bool)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Resources  Resources
	ListenPort int
}

const contextKeyRequestID = "_cachedresource_request_id"

// NewApp builds a Fiber application with request ID middleware, access logs
// and the /resource handlers.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Resources == nil {
		return nil, errors.New("resources are required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	// Immutable: resource ids taken from the query become cache keys that
	// outlive the request buffer.
	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		Immutable:     true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	h := &resourceHandler{resources: opts.Resources, logger: opts.Logger}
	app.Get("/resource", h.lookup)
	app.Get("/resource/check", h.check)
	app.Post("/resource/download", h.download)
	app.Post("/resource/refresh", h.refresh)

	return app, nil
}

// requestContextMiddleware assigns every request an ID and logs it once the
// handler chain returns.
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		started := time.Now()
		err := c.Next()

		path := string(c.Request().URI().Path())
		if isDiagnosticsPath(path) {
			return err
		}
		logger.WithFields(logrus.Fields{
			"action":      "http_request",
			"request_id":  reqID,
			"method":      c.Method(),
			"path":        path,
			"status":      c.Response().StatusCode(),
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request_completed")
		return err
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
