package server

import (
	"context"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/cachedresource/cachedresource/internal/engine"
	"github.com/cachedresource/cachedresource/internal/transport"
)

// replayedHeaders are the stored response headers sent back with a cached
// payload.
var replayedHeaders = []string{"Content-Type", "Etag", "Last-Modified"}

type resourceHandler struct {
	resources Resources
	logger    *logrus.Logger
}

func (h *resourceHandler) lookup(c fiber.Ctx) error {
	id, ok := resourceID(c, false)
	if !ok {
		return nil
	}

	entry, hit := h.resources.CachedEntry(requestContext(c), id)
	if !hit {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_cached"})
	}
	for _, name := range replayedHeaders {
		if value := entry.Header.Get(name); value != "" && !transport.IsHopByHopHeader(name) {
			c.Set(name, value)
		}
	}
	c.Set("X-Cache-Hit", "true")
	return c.Status(fiber.StatusOK).Send(entry.Payload)
}

func (h *resourceHandler) check(c fiber.Ctx) error {
	id, ok := resourceID(c, true)
	if !ok {
		return nil
	}

	outcome := h.resources.CheckFreshness(requestContext(c), id)
	return c.JSON(fiber.Map{
		"needs_update": outcome.NeedsUpdate(),
		"outcome":      outcome.String(),
	})
}

func (h *resourceHandler) download(c fiber.Ctx) error {
	return h.fetch(c, "download", h.resources.Download)
}

func (h *resourceHandler) refresh(c fiber.Ctx) error {
	return h.fetch(c, "refresh", h.resources.Refresh)
}

type fetchFunc func(ctx context.Context, id string, opts engine.DownloadOptions) ([]byte, bool)

func (h *resourceHandler) fetch(c fiber.Ctx, op string, fn fetchFunc) error {
	id, ok := resourceID(c, true)
	if !ok {
		return nil
	}
	opts := engine.DownloadOptions{
		IgnoreCache:  queryBool(c, "ignore_cache"),
		ForceCaching: queryBool(c, "force_caching"),
	}

	payload, ok := fn(requestContext(c), id, opts)
	if !ok {
		h.logger.WithFields(logrus.Fields{
			"action":      op,
			"resource_id": id,
			"request_id":  RequestID(c),
		}).Warn("upstream_fetch_failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	return c.Status(fiber.StatusOK).Send(payload)
}

// resourceID reads the url query parameter. When it is missing, or network is
// set and it is not an absolute http(s) URL, a 400 has already been written
// and ok is false.
func resourceID(c fiber.Ctx, network bool) (string, bool) {
	id := strings.Clone(strings.TrimSpace(c.Query("url")))
	if id == "" {
		_ = c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
		return "", false
	}
	if network {
		if _, err := transport.ParseIdentifier(id); err != nil {
			_ = c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_url"})
			return "", false
		}
	}
	return id, true
}

func queryBool(c fiber.Ctx, key string) bool {
	value, err := strconv.ParseBool(c.Query(key))
	return err == nil && value
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
