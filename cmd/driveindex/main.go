package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/driveindex/internal/config"
	"github.com/agentworkforce/driveindex/internal/logging"
)

const userAgent = "driveindex/1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(appOptions{}).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCommand(opts appOptions) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "driveindex",
		Short:         "Reconcile published Google Drive folders into a mirror and a Solr index",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("DRIVEINDEX_CONFIG"), "path to a .toml, .yaml or .json config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Poll on a timer and serve the operator API until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, configPath, opts, func(ctx context.Context, a *app) error {
					if configPath != "" {
						watcher, err := config.NewWatcher(configPath, a.cfg)
						if err != nil {
							return err
						}
						defer watcher.Close()
						watcher.OnChange(a.applyConfig)
						go func() {
							for {
								select {
								case <-ctx.Done():
									return
								case err := <-watcher.Errors():
									a.logger.Error("config reload rejected", "error", err)
								}
							}
						}()
					}
					return a.serve(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "once",
			Short: "Run a single cycle, deliver its actions and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, configPath, opts, func(ctx context.Context, a *app) error {
					report, err := a.runOnce(ctx)
					a.logger.Info("cycle finished",
						"collections", len(report.Collections),
						"actions", report.TotalActions(),
						"duration", report.FinishedAt.Sub(report.StartedAt))
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "checkpoints",
			Short: "Print the stored change cursor of every collection",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, configPath, opts, func(ctx context.Context, a *app) error {
					cursors, err := a.checkpoints.All(ctx)
					if err != nil {
						return err
					}
					ids := make([]string, 0, len(cursors))
					for id := range cursors {
						ids = append(ids, id)
					}
					sort.Strings(ids)
					for _, id := range ids {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, cursors[id])
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "identities [prefix]",
			Short: "Print identity records under a local path prefix",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				prefix := "/"
				if len(args) == 1 {
					prefix = args[0]
				}
				return withApp(cmd, configPath, opts, func(ctx context.Context, a *app) error {
					entries, err := a.identities.ListUnder(ctx, prefix)
					if err != nil {
						return err
					}
					return writeIndented(cmd.OutOrStdout(), entries)
				})
			},
		},
		&cobra.Command{
			Use:   "validate-config",
			Short: "Load and validate the config, then print the effective values",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				return writeIndented(cmd.OutOrStdout(), redacted(*cfg))
			},
		},
	)
	return root
}

// withApp loads config, builds the logger and the wired app, and runs fn.
func withApp(cmd *cobra.Command, configPath string, opts appOptions, fn func(context.Context, *app) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.NewWithWriter(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger, opts)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	runErr := fn(ctx, a)
	if closeErr := a.Close(); closeErr != nil {
		logger.Error("shutdown failed", "error", closeErr)
		if runErr == nil {
			runErr = closeErr
		}
	}
	if runErr != nil {
		logger.Error("command failed", "command", cmd.Name(), "error", runErr)
	}
	return runErr
}

func redacted(cfg config.Config) config.Config {
	const mask = "********"
	if cfg.Solr.Password != "" {
		cfg.Solr.Password = mask
	}
	if cfg.HTTP.Token != "" {
		cfg.HTTP.Token = mask
	}
	if len(cfg.Notify.WebhookHeaders) > 0 {
		headers := make(map[string]string, len(cfg.Notify.WebhookHeaders))
		for key := range cfg.Notify.WebhookHeaders {
			headers[key] = mask
		}
		cfg.Notify.WebhookHeaders = headers
	}
	return cfg
}

func writeIndented(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
