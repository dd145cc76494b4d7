package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cachedresource/cachedresource/internal/engine"
	"github.com/cachedresource/cachedresource/internal/logging"
)

var (
	errNotCached   = errors.New("resource not cached")
	errFetchFailed = errors.New("resource download failed")
)

// usageError marks bad arguments or flags.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	var configFlag string

	root := &cobra.Command{
		Use:           "cachedresource",
		Short:         "Fetch, cache and revalidate HTTP resources.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "config file path (overrides "+configEnv+")")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})

	configPath := func() string { return resolveConfigPath(configFlag) }

	root.AddCommand(
		newGetCmd(configPath),
		newCheckCmd(configPath),
		newDownloadCmd(configPath),
		newSyncCmd(configPath),
		newServeCmd(configPath),
		newStatsCmd(configPath),
		newCheckConfigCmd(configPath),
		newVersionCmd(),
	)
	return root
}

// oneURL validates that exactly one resource URL was given.
func oneURL(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return usageError{err: fmt.Errorf("expected exactly one resource URL, got %d", len(args))}
	}
	return nil
}

func newGetCmd(configPath func() string) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Print the cached payload without touching the network",
		Args:  oneURL,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(configPath())
			if err != nil {
				return err
			}
			defer svc.Close()

			payload, ok := svc.engine.CachedResource(cmd.Context(), args[0])
			if !ok {
				fmt.Fprintf(stdErr, "not cached: %s\n", args[0])
				return errNotCached
			}
			return writePayload(output, payload)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the payload to this file instead of stdout")
	return cmd
}

func newCheckCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "check <url>",
		Short: "Revalidate the cached copy and print whether it needs an update",
		Args:  oneURL,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(configPath())
			if err != nil {
				return err
			}
			defer svc.Close()

			queue := engine.NewQueue()
			defer queue.Close()

			result := make(chan bool, 1)
			svc.engine.NeedsUpdate(cmd.Context(), args[0], queue, func(needs bool) { result <- needs })
			fmt.Fprintln(stdOut, strconv.FormatBool(<-result))
			return nil
		},
	}
}

func newDownloadCmd(configPath func() string) *cobra.Command {
	var (
		output string
		opts   engine.DownloadOptions
	)
	cmd := &cobra.Command{
		Use:   "download <url>",
		Short: "Download the resource and store it subject to the admission policy",
		Args:  oneURL,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(configPath())
			if err != nil {
				return err
			}
			defer svc.Close()

			queue := engine.NewQueue()
			defer queue.Close()

			type result struct {
				payload []byte
				ok      bool
			}
			done := make(chan result, 1)
			svc.engine.DownloadResource(cmd.Context(), args[0], opts, queue, func(payload []byte, ok bool) {
				done <- result{payload: payload, ok: ok}
			})
			res := <-done
			if !res.ok {
				fmt.Fprintf(stdErr, "download failed: %s\n", args[0])
				return errFetchFailed
			}
			return writePayload(output, res.payload)
		},
	}
	cmd.Flags().BoolVar(&opts.IgnoreCache, "ignore-cache", false, "ask intermediate caches to forward the request to the origin")
	cmd.Flags().BoolVar(&opts.ForceCaching, "force-caching", false, "store the response even when the admission policy would refuse it")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the payload to this file instead of stdout")
	return cmd
}

func newSyncCmd(configPath func() string) *cobra.Command {
	var (
		output string
		opts   engine.DownloadOptions
	)
	cmd := &cobra.Command{
		Use:   "sync <url>",
		Short: "Revalidate and download only when the cached copy is stale or missing",
		Args:  oneURL,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(configPath())
			if err != nil {
				return err
			}
			defer svc.Close()

			payload, ok := svc.engine.Refresh(cmd.Context(), args[0], opts)
			if !ok {
				fmt.Fprintf(stdErr, "sync failed: %s\n", args[0])
				return errFetchFailed
			}
			return writePayload(output, payload)
		},
	}
	cmd.Flags().BoolVar(&opts.IgnoreCache, "ignore-cache", false, "ask intermediate caches to forward the download to the origin")
	cmd.Flags().BoolVar(&opts.ForceCaching, "force-caching", false, "store the response even when the admission policy would refuse it")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the payload to this file instead of stdout")
	return cmd
}

func newServeCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the resource engine over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := openServices(configPath())
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return startHTTPServer(ctx, svc)
		},
	}
}

func newStatsCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print store usage as JSON",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			svc, err := openServices(configPath())
			if err != nil {
				return err
			}
			defer svc.Close()

			encoder := json.NewEncoder(stdOut)
			encoder.SetIndent("", "  ")
			return encoder.Encode(svc.engine.Stats())
		},
	}
}

func newCheckConfigCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path := configPath()
			cfg, logger, err := loadConfigAndLogger(path)
			if err != nil {
				return err
			}
			fields := logging.BaseFields("check_config", path)
			fields["storage_path"] = cfg.Cache.StoragePath
			fields["disk_capacity"] = cfg.Cache.DiskCapacity.Bytes()
			fields["result"] = "ok"
			logger.WithFields(fields).Info("config_valid")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			printVersion()
		},
	}
}

func writePayload(path string, payload []byte) error {
	if path == "" {
		_, err := stdOut.Write(payload)
		return err
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
