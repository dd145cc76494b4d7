package main

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/cachedresource/cachedresource/internal/server"
	"github.com/cachedresource/cachedresource/internal/server/routes"
	"github.com/cachedresource/cachedresource/internal/version"
)

// startHTTPServer blocks serving the engine until ctx is cancelled.
func startHTTPServer(ctx context.Context, svc *services) error {
	port := svc.cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     svc.logger,
		Resources:  svc.engine,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterStatsRoutes(app, svc.engine)

	svc.logger.WithFields(logrus.Fields{
		"action":  "listen",
		"port":    port,
		"version": version.Full(),
	}).Info("http_server_starting")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		svc.logger.WithField("action", "shutdown").Info("http_server_stopping")
		return app.Shutdown()
	}
}
