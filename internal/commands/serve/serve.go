// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package serve implements "shellgate serve", which runs the gateway on
// the stdio or HTTP binding.
package serve

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tombee/shellgate/internal/commands/shared"
	"github.com/tombee/shellgate/internal/config"
	"github.com/tombee/shellgate/internal/log"
)

type flags struct {
	mode       string
	host       string
	port       int
	logLevel   string
	forceStdio bool
}

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the shell command gateway",
		Long: `Run the shell command gateway.

In stdio mode the gateway reads one JSON-RPC envelope per line from stdin
and writes each response as one line on stdout. Logs go to stderr.

In http mode envelopes are POSTed to /message and responses can also be
pushed over the server-sent event stream opened by GET /message.`,
		Example: `  shellgate serve
  shellgate serve --mode http --port 8000
  shellgate serve --config ./shellgate.yaml --log-level debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(shared.GetConfigPath())
			if err != nil {
				return shared.NewConfigError("failed to load config", err)
			}
			if err := f.apply(cmd, cfg); err != nil {
				return shared.NewConfigError("invalid flags", err)
			}
			if cfg.Server.Mode == config.ModeStdio && !f.forceStdio && isTerminal(cmd.InOrStdin()) {
				return fmt.Errorf("stdin is a terminal; stdio mode expects a client on the other end of a pipe (use --force-stdio to serve anyway, or --mode http)")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, Options{
				ConfigPath: shared.GetConfigPath(),
				Stdin:      cmd.InOrStdin(),
				Stdout:     cmd.OutOrStdout(),
				Stderr:     cmd.ErrOrStderr(),
			})
		},
	}

	cmd.Flags().StringVarP(&f.mode, "mode", "m", "", "Binding: stdio or http (sse is accepted for http)")
	cmd.Flags().StringVar(&f.host, "host", "", "HTTP listen host")
	cmd.Flags().IntVar(&f.port, "port", 0, "HTTP listen port")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	cmd.Flags().BoolVar(&f.forceStdio, "force-stdio", false, "Serve stdio even when stdin is a terminal")
	return cmd
}

// apply overlays explicitly set flags on cfg and revalidates it.
func (f flags) apply(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("mode") {
		mode := strings.ToLower(f.mode)
		if mode == "sse" {
			mode = config.ModeHTTP
		}
		cfg.Server.Mode = mode
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = f.host
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = f.port
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = strings.ToLower(f.logLevel)
	}
	if shared.GetVerbose() && !cmd.Flags().Changed("log-level") {
		cfg.Log.Level = "debug"
	}
	return cfg.Validate()
}

func run(ctx context.Context, cfg *config.Config, opts Options) error {
	lc := cfg.LoggerConfig()
	if opts.Stderr != nil {
		lc.Output = opts.Stderr
	}
	logger := log.New(lc)
	slog.SetDefault(logger)
	opts.Logger = logger

	path := opts.ConfigPath
	if path == "" {
		path, _ = config.ConfigPath()
	}
	if path != "" {
		for _, w := range config.CheckPermissions(path) {
			logger.Warn("insecure config file permissions", slog.String("detail", w))
		}
	}

	gw, err := NewGateway(ctx, cfg, opts)
	if err != nil {
		return err
	}
	logger.Info("gateway starting",
		slog.String("mode", cfg.Server.Mode),
		slog.String("name", cfg.Server.Name),
		slog.String("version", cfg.Server.Version))

	runErr := gw.Run(ctx)

	shutdownCtx, cancel := shutdownContext(cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := gw.Close(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", log.Error(err))
	}
	logger.Info("gateway stopped")
	return runErr
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
