package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/cachedresource/cachedresource/internal/cache"
	"github.com/cachedresource/cachedresource/internal/config"
	"github.com/cachedresource/cachedresource/internal/engine"
	"github.com/cachedresource/cachedresource/internal/logging"
	"github.com/cachedresource/cachedresource/internal/transport"
)

// configEnv names the environment variable consulted when --config is absent.
const configEnv = "CACHEDRESOURCE_CONFIG"

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// run executes the CLI and maps the outcome to an exit code: 0 success, 1
// failure or cache miss, 2 usage error.
func run(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)

	err := root.ExecuteContext(ctx)
	var usage usageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &usage):
		fmt.Fprintln(stdErr, err.Error())
		return 2
	case errors.Is(err, errNotCached), errors.Is(err, errFetchFailed):
		return 1
	default:
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}
}

// resolveConfigPath prefers the flag, then the environment. Empty means
// defaults only.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(configEnv)
}

// services is everything a resource command needs, built in order
// config, logger, store, transport, engine.
type services struct {
	cfg    *config.Config
	logger *logrus.Logger
	store  *cache.TieredStore
	engine *engine.Engine
}

func loadConfigAndLogger(configPath string) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	// stdout carries payloads
	logger, err := logging.InitLogger(cfg.Global, stdErr)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

func openServices(configPath string) (*services, error) {
	cfg, logger, err := loadConfigAndLogger(configPath)
	if err != nil {
		return nil, err
	}

	store, err := cache.NewStore(cache.Budget{
		MemoryCapacityBytes: cfg.Cache.MemoryCapacity.Bytes(),
		DiskCapacityBytes:   cfg.Cache.DiskCapacity.Bytes(),
		StoragePath:         cfg.Cache.StoragePath,
		AdmissionFraction:   cfg.Cache.AdmissionFraction,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}

	client := transport.NewClient(transport.NewHTTPClient(cfg.Global.RequestTimeout.DurationValue()))
	eng := engine.New(store, client, engine.Options{
		Workers: cfg.Cache.Workers,
		Logger:  logger,
	})

	budget := store.Budget()
	fields := logging.BaseFields("startup", configPath)
	fields["storage_path"] = budget.StoragePath
	fields["memory_capacity"] = budget.MemoryCapacityBytes
	fields["disk_capacity"] = budget.DiskCapacityBytes
	fields["admission_limit"] = store.Policy().Limit()
	fields["workers"] = cfg.Cache.Workers
	logger.WithFields(fields).Debug("services_ready")

	return &services{cfg: cfg, logger: logger, store: store, engine: eng}, nil
}

func (s *services) Close() {
	s.engine.Wait()
	if err := s.store.Close(); err != nil {
		s.logger.WithError(err).Warn("cache_close_failed")
	}
}
