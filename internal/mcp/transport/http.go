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

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tombee/shellgate/internal/dispatch"
	"github.com/tombee/shellgate/internal/log"
	"github.com/tombee/shellgate/internal/mcp/server"
	"github.com/tombee/shellgate/internal/session"
)

// MessagePath is the well-known envelope path. GET opens an SSE stream and
// POST submits one envelope.
const MessagePath = "/message"

var messageAliases = []string{"/mcp", "/sse"}

// maxBodyBytes bounds a single POSTed envelope.
const maxBodyBytes = 4 << 20

// Router is the server side of the HTTP binding.
type Router interface {
	Handler
	Info() server.Info
	Reset() (sessions, connections int)
	Stats() dispatch.Stats
}

// HTTPConfig configures the HTTP binding.
type HTTPConfig struct {
	Addr            string
	Heartbeat       time.Duration
	CORSOrigin      string
	RateLimit       float64
	RateBurst       int
	MetricsPath     string
	Metrics         http.Handler
	ShutdownTimeout time.Duration

	// Auth requires a bearer token on the message and reset paths. Nil
	// disables authentication.
	Auth *AuthConfig
}

// HTTP serves envelopes over HTTP with an SSE push channel.
type HTTP struct {
	router  Router
	cfg     HTTPConfig
	hub     *hub
	limiter *clientLimiter
	logger  *slog.Logger
	started time.Time
}

// NewHTTP creates an HTTP binding.
func NewHTTP(r Router, cfg HTTPConfig, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	logger = log.WithComponent(logger, "http")
	return &HTTP{
		router:  r,
		cfg:     cfg,
		hub:     newHub(logger),
		limiter: newClientLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:  logger,
		started: time.Now(),
	}
}

// Handler returns the routed handler with CORS applied.
func (h *HTTP) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleInfo)
	for _, path := range append([]string{MessagePath}, messageAliases...) {
		mux.HandleFunc("GET "+path, h.authenticated(h.handleStream))
		mux.HandleFunc("POST "+path, h.limited(h.authenticated(h.handleMessage)))
	}
	mux.HandleFunc("GET /reset", h.limited(h.authenticated(h.handleReset)))
	mux.HandleFunc("POST /reset", h.limited(h.authenticated(h.handleReset)))
	mux.HandleFunc("GET /healthz", h.handleHealth)
	if h.cfg.Metrics != nil && h.cfg.MetricsPath != "" {
		mux.Handle("GET "+h.cfg.MetricsPath, h.cfg.Metrics)
	}
	return cors(h.cfg.CORSOrigin, mux)
}

// ListenAndServe listens on cfg.Addr and serves until ctx is cancelled.
func (h *HTTP) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.cfg.Addr, err)
	}
	return h.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// within cfg.ShutdownTimeout. Open SSE streams are closed first.
func (h *HTTP) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	h.logger.Info("http binding listening", "addr", ln.Addr().String())

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("serve http: %w", err)
		case now := <-ticker.C:
			h.limiter.prune(now.Add(-10 * time.Minute))
		case <-ctx.Done():
			h.hub.close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown http: %w", err)
			}
			h.logger.Info("http binding stopped")
			return nil
		}
	}
}

func (h *HTTP) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.allow(r.RemoteAddr) {
			h.logger.Warn("rate limit exceeded", "remote", r.RemoteAddr, "path", r.URL.Path)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (h *HTTP) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	resp := h.router.Handle(r.Context(), body, r.RemoteAddr)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if id := r.URL.Query().Get("sessionId"); id != "" {
		h.hub.push(id, resp)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

func (h *HTTP) handleStream(w http.ResponseWriter, r *http.Request) {
	h.hub.serveStream(w, r, MessagePath, h.cfg.Heartbeat)
}

// InfoResponse is served on the root path.
type InfoResponse struct {
	server.Info
	Status      string   `json:"status"`
	Uptime      string   `json:"uptime"`
	Endpoints   []string `json:"endpoints"`
	Sessions    int      `json:"sessions"`
	Connections int      `json:"connections"`
	Streams     int      `json:"streams"`

	SessionList []session.Info `json:"session_list,omitempty"`
}

func (h *HTTP) handleInfo(w http.ResponseWriter, r *http.Request) {
	stats := h.router.Stats()
	endpoints := append([]string{MessagePath}, messageAliases...)
	endpoints = append(endpoints, "/reset", "/healthz")
	if h.cfg.Metrics != nil && h.cfg.MetricsPath != "" {
		endpoints = append(endpoints, h.cfg.MetricsPath)
	}

	writeJSON(w, http.StatusOK, InfoResponse{
		Info:        h.router.Info(),
		Status:      "running",
		Uptime:      time.Since(h.started).Round(time.Second).String(),
		Endpoints:   endpoints,
		Sessions:    stats.Sessions,
		Connections: stats.Connections,
		Streams:     h.hub.count(),
		SessionList: h.visibleSessions(r, stats),
	})
}

// visibleSessions withholds per-session detail from unauthenticated
// callers of the public info endpoint.
func (h *HTTP) visibleSessions(r *http.Request, stats dispatch.Stats) []session.Info {
	if h.cfg.Auth != nil && !h.authorized(r) {
		return nil
	}
	return stats.List
}

func (h *HTTP) handleReset(w http.ResponseWriter, r *http.Request) {
	sessions, conns := h.router.Reset()
	h.logger.Info("reset via http", "remote", r.RemoteAddr, "sessions", sessions, "connections", conns)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "reset",
		"sessions":    sessions,
		"connections": conns,
		"timestamp":   time.Now().Unix(),
	})
}

func (h *HTTP) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
