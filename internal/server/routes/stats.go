package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/cachedresource/cachedresource/internal/cache"
)

// StatsSource reports store usage; *engine.Engine satisfies it.
type StatsSource interface {
	Stats() cache.Stats
}

// RegisterStatsRoutes exposes the /-/stats diagnostics endpoint.
func RegisterStatsRoutes(app *fiber.App, source StatsSource) {
	if app == nil || source == nil {
		return
	}

	app.Get("/-/stats", func(c fiber.Ctx) error {
		stats := source.Stats()
		return c.JSON(statsPayload{
			Memory: tierPayload{Entries: stats.MemoryEntries, Bytes: stats.MemoryBytes, Limit: stats.MemoryLimit},
			Disk:   tierPayload{Entries: stats.DiskEntries, Bytes: stats.DiskBytes, Limit: stats.DiskLimit},
			Admission: admissionPayload{
				LimitBytes: stats.AdmitLimit,
			},
		})
	})
}

type statsPayload struct {
	Memory    tierPayload      `json:"memory"`
	Disk      tierPayload      `json:"disk"`
	Admission admissionPayload `json:"admission"`
}

type tierPayload struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Limit   int64 `json:"limit"`
}

type admissionPayload struct {
	LimitBytes int64 `json:"limit_bytes"`
}
