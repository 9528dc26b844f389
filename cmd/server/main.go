package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codyshepherd/lunar-rocks/internal/app"
	"github.com/codyshepherd/lunar-rocks/internal/config"
	"github.com/codyshepherd/lunar-rocks/internal/log"
)

func main() {
	var (
		addr       string
		configPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "lunar-rocks-server [port]",
		Short: "Collaborative sequencer coordination server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(logLevel)

			cfg, path, err := config.Load(logger, configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.Debug().Str("path", path).Msg("config loaded")

			if addr != "" {
				cfg.Addr = addr
			}
			if len(args) == 1 {
				port, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid port %q", args[0])
				}
				cfg.Addr = fmt.Sprintf(":%d", port)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			logger = log.New(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info().Str("addr", cfg.Addr).Msg("starting lunar rocks server")
			return app.New(cfg, logger).Run(ctx)
		},
	}

	root.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	root.Flags().StringVar(&configPath, "config", "", "path to config file")
	root.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
