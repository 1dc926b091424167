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

package serve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/tombee/shellgate/internal/audit"
	"github.com/tombee/shellgate/internal/config"
	"github.com/tombee/shellgate/internal/dispatch"
	"github.com/tombee/shellgate/internal/executor"
	"github.com/tombee/shellgate/internal/log"
	"github.com/tombee/shellgate/internal/mcp/server"
	"github.com/tombee/shellgate/internal/mcp/transport"
	"github.com/tombee/shellgate/internal/metrics"
	"github.com/tombee/shellgate/internal/pool"
	"github.com/tombee/shellgate/internal/secrets"
	"github.com/tombee/shellgate/internal/session"
	"github.com/tombee/shellgate/internal/target"
	"github.com/tombee/shellgate/internal/tracing"
	"github.com/tombee/shellgate/pkg/security"
)

// Gateway owns every long-lived component of a running server. It is
// constructed once at startup and torn down by Close.
type Gateway struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	tracer     *tracing.Provider
	engine     *security.Engine
	sessions   *session.Store
	pool       *pool.Pool
	auditStore *audit.Store
	auditor    *audit.Writer
	dispatcher *dispatch.Dispatcher
	router     *server.Router
	auth       *transport.AuthConfig

	stdin  io.Reader
	stdout io.Writer

	mu   sync.Mutex
	addr net.Addr

	closeOnce sync.Once
}

// Options are the process handles a Gateway serves on.
type Options struct {
	// ConfigPath is watched for rule changes when filter.watch is set.
	ConfigPath string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// NewGateway builds all components from cfg.
func NewGateway(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		logger:     logger,
		stdin:      opts.Stdin,
		stdout:     opts.Stdout,
	}

	tcfg := cfg.Tracing
	tcfg.ServiceName = cfg.Server.Name
	tcfg.ServiceVersion = cfg.Server.Version
	// Console spans go to stderr so they never interleave with stdio envelopes.
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	tracer, err := tracing.Setup(ctx, tcfg, stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	g.tracer = tracer

	engine, err := security.NewEngine(cfg.Filter)
	if err != nil {
		g.Close(ctx)
		return nil, err
	}
	g.engine = engine
	stats := engine.Stats()
	logger.Info("command filter loaded",
		slog.Int("blacklist", stats.Blacklist),
		slog.Int("whitelist", stats.Whitelist),
		slog.Int("allowed_dirs", stats.AllowedDirs))

	sshCfg, err := target.LoadSSHConfig(cfg.SSH.ConfigFile)
	if err != nil {
		logger.Warn("ignoring unreadable ssh_config", slog.String("path", cfg.SSH.ConfigFile), log.Error(err))
		sshCfg = nil
	}
	secretStore := secrets.NewDefaultRegistry()
	registry := target.NewRegistry(cfg.Targets,
		target.WithSSHConfig(sshCfg),
		target.WithDefaultKeyFile(cfg.SSH.DefaultKeyFile),
		target.WithSecrets(secretStore),
	)

	if cfg.Server.Auth.Enabled() {
		auth, err := AuthConfig(ctx, cfg.Server.Auth, secretStore)
		if err != nil {
			g.Close(ctx)
			return nil, err
		}
		g.auth = auth
	} else if cfg.Server.Mode == config.ModeHTTP && !isLoopback(cfg.Server.Host) {
		logger.Warn("http binding is reachable off this host without authentication; set server.auth.secret_ref",
			slog.String("host", cfg.Server.Host))
	}

	g.pool = pool.New(&executor.SSHDialer{
		KnownHostsFile: target.ExpandHome(cfg.SSH.KnownHosts),
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		Logger:         logger,
	}, pool.Config{
		MaxConnections: cfg.SSH.MaxConnections,
		MaxPerTarget:   cfg.SSH.MaxPerTarget,
		IdleTimeout:    cfg.SSH.IdleTimeout,
		BorrowTimeout:  cfg.SSH.BorrowTimeout,
	}, logger)

	g.sessions = session.NewStore(cfg.Session.Timeout, logger,
		session.WithEvictHook(dispatch.RetireOnEvict(g.pool)))

	var recorder audit.Recorder = audit.Nop{}
	if cfg.Audit.Enabled {
		store, err := audit.Open(ctx, target.ExpandHome(cfg.Audit.Path))
		if err != nil {
			g.Close(ctx)
			return nil, err
		}
		g.auditStore = store
		g.auditor = audit.NewWriter(store, cfg.Audit.Buffer, logger)
		recorder = g.auditor
	}

	g.dispatcher = dispatch.New(dispatch.Deps{
		Filter:   engine,
		Resolver: registry,
		Sessions: g.sessions,
		Pool:     g.pool,
		Local:    executor.NewLocal(logger),
		Remote:   executor.NewRemote(logger),
		Audit:    recorder,
		Logger:   logger,
	}, dispatch.Config{
		CommandTimeout: cfg.CommandTimeout,
		BorrowTimeout:  cfg.SSH.BorrowTimeout,
	})

	g.router = server.New(g.dispatcher, server.Config{
		Name:      cfg.Server.Name,
		Version:   cfg.Server.Version,
		Binding:   cfg.Server.Mode,
		CallRate:  cfg.Server.CallRate,
		CallBurst: cfg.Server.CallBurst,
	}, logger)

	return g, nil
}

// Run serves the configured binding until ctx is cancelled or, for stdio,
// the input stream ends. Background janitors and the config watcher stop
// with it.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	background := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	background(func(ctx context.Context) { g.sessions.Run(ctx, g.cfg.Session.SweepInterval) })
	background(func(ctx context.Context) { g.pool.Run(ctx, g.cfg.Session.SweepInterval) })

	if g.cfg.Filter.Watch {
		w, err := g.newWatcher()
		if err != nil {
			g.logger.Warn("rule hot reload disabled", log.Error(err))
		} else {
			background(func(ctx context.Context) { _ = w.Run(ctx) })
		}
	}

	var err error
	switch g.cfg.Server.Mode {
	case config.ModeHTTP:
		err = g.serveHTTP(ctx)
	default:
		g.logger.Info("serving on stdio")
		err = transport.NewStdio(g.router, g.stdin, g.stdout, g.logger).Serve(ctx)
	}

	cancel()
	wg.Wait()
	return err
}

func (g *Gateway) serveHTTP(ctx context.Context) error {
	httpCfg := transport.HTTPConfig{
		Addr:            g.cfg.Addr(),
		Heartbeat:       g.cfg.Server.Heartbeat,
		CORSOrigin:      g.cfg.Server.CORSOrigin,
		RateLimit:       g.cfg.Server.RateLimit,
		RateBurst:       g.cfg.Server.RateBurst,
		ShutdownTimeout: g.cfg.Server.ShutdownTimeout,
		Auth:            g.auth,
	}
	if g.cfg.Metrics.Enabled {
		httpCfg.MetricsPath = g.cfg.Metrics.Path
		httpCfg.Metrics = metrics.Handler()
	}

	ln, err := net.Listen("tcp", httpCfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", httpCfg.Addr, err)
	}
	g.mu.Lock()
	g.addr = ln.Addr()
	g.mu.Unlock()

	g.logger.Info("serving on http", slog.String("addr", ln.Addr().String()))
	return transport.NewHTTP(g.router, httpCfg, g.logger).Serve(ctx, ln)
}

func (g *Gateway) newWatcher() (*config.Watcher, error) {
	path := g.configPath
	if path == "" {
		p, err := config.ConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return config.NewWatcher(path, func(next *config.Config) error {
		if err := g.engine.Reload(next.Filter); err != nil {
			return err
		}
		stats := g.engine.Stats()
		g.logger.Info("command filter reloaded",
			slog.Int("blacklist", stats.Blacklist),
			slog.Int("whitelist", stats.Whitelist),
			slog.Int("allowed_dirs", stats.AllowedDirs))
		return nil
	}, config.DefaultDebounce, g.logger)
}

// AuthConfig resolves the signing secret named by cfg.
func AuthConfig(ctx context.Context, cfg config.AuthConfig, store *secrets.Registry) (*transport.AuthConfig, error) {
	secret, err := store.Resolve(ctx, cfg.SecretRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve server.auth.secret_ref: %w", err)
	}
	return &transport.AuthConfig{
		Secret:    []byte(secret),
		Issuer:    cfg.Issuer,
		Audience:  cfg.Audience,
		ClockSkew: 30 * time.Second,
	}, nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Addr is the HTTP listen address once serving has started.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Close releases pooled connections, flushes the audit trail and shuts
// down the tracer within ctx.
func (g *Gateway) Close(ctx context.Context) error {
	var errs []error
	g.closeOnce.Do(func() {
		if g.pool != nil {
			g.pool.Close()
		}
		flushed := true
		if g.auditor != nil {
			if err := g.auditor.Close(ctx); err != nil {
				flushed = false
				errs = append(errs, fmt.Errorf("audit flush: %w", err))
			}
		}
		if g.auditStore != nil && flushed {
			if err := g.auditStore.Close(); err != nil {
				errs = append(errs, fmt.Errorf("audit close: %w", err))
			}
		}
		if g.tracer != nil {
			if err := g.tracer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

// shutdownContext bounds teardown after the serving context has ended.
func shutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

