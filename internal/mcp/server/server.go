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

// Package server routes JSON-RPC envelopes for the command gateway.
//
// A Router wraps an mcp-go server that carries the execute_command tool.
// One Router is created per transport binding; all of them share the same
// Dispatcher, so sessions and pooled connections are visible across
// bindings.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/tombee/shellgate/internal/dispatch"
	"github.com/tombee/shellgate/internal/log"
	"github.com/tombee/shellgate/internal/metrics"
)

// ProtocolVersion is reported when the client does not ask for one.
const ProtocolVersion = "2024-11-05"

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// MethodReset clears sessions and drains the pool.
const MethodReset = "reset"

// Dispatcher executes tool calls and resets shared state.
type Dispatcher interface {
	HandleToolCall(ctx context.Context, call dispatch.Call) (*dispatch.Result, error)
	Reset() (sessions, connections int)
	Stats() dispatch.Stats
}

// Config configures a Router.
type Config struct {
	// Name and Version are reported as serverInfo.
	Name    string
	Version string

	// Binding labels logs and metrics ("stdio", "http").
	Binding string

	// CallRate limits tool calls per second across this router. Zero disables.
	CallRate  float64
	CallBurst int
}

// Info is the static description served on the HTTP root.
type Info struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
}

// Router decodes envelopes and hands them to the MCP server.
type Router struct {
	mcp        *server.MCPServer
	dispatcher Dispatcher
	limiter    *RateLimiter
	cfg        Config
	logger     *slog.Logger
	middleware *log.RPCMiddleware
}

// New creates a Router for one binding.
func New(d Dispatcher, cfg Config, logger *slog.Logger) *Router {
	if cfg.Name == "" {
		cfg.Name = "shell-mcp-server"
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "router").With(slog.String(log.BindingKey, cfg.Binding))

	r := &Router{
		mcp: server.NewMCPServer(cfg.Name, cfg.Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		dispatcher: d,
		limiter:    NewRateLimiter(cfg.CallRate, cfg.CallBurst),
		cfg:        cfg,
		logger:     logger,
		middleware: log.NewRPCMiddleware(logger),
	}
	r.mcp.AddTool(executeCommandTool(), r.handleExecute)
	return r
}

// Info returns the server identity.
func (r *Router) Info() Info {
	return Info{Name: r.cfg.Name, Version: r.cfg.Version, ProtocolVersion: ProtocolVersion}
}

// envelope is the part of a request the router inspects itself.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
}

// Handle processes one encoded envelope and returns the encoded response.
// It returns nil for notifications.
func (r *Router) Handle(ctx context.Context, raw []byte, remoteAddr string) []byte {
	raw = bytes.TrimSpace(raw)

	var env envelope
	if len(raw) > 0 && raw[0] == '[' {
		return errorResponse(nil, CodeInvalidRequest, "batch requests are not supported")
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Warn("malformed envelope", "error", err, "remote", remoteAddr)
		metrics.RecordRPC(r.cfg.Binding, "invalid")
		return errorResponse(nil, CodeParseError, "Parse error")
	}
	metrics.RecordRPC(r.cfg.Binding, env.Method)

	req := &log.RPCRequest{
		Method:     env.Method,
		ID:         string(env.ID),
		Binding:    r.cfg.Binding,
		RemoteAddr: remoteAddr,
	}

	var out []byte
	_, _ = r.middleware.Handler(req, func() (int, error) {
		if env.Method == MethodReset {
			out = r.handleReset(env)
			return 0, nil
		}

		msg := r.mcp.HandleMessage(ctx, json.RawMessage(raw))
		if msg == nil {
			return 0, nil
		}
		encoded, err := json.Marshal(msg)
		if err != nil {
			out = errorResponse(env.ID, CodeInternalError, "failed to encode response")
			return CodeInternalError, err
		}
		out = encoded
		return errorCode(encoded)
	})
	return out
}

func (r *Router) handleReset(env envelope) []byte {
	sessions, conns := r.dispatcher.Reset()
	if len(env.ID) == 0 {
		return nil
	}
	return resultResponse(env.ID, map[string]any{
		"status":      "reset",
		"sessions":    sessions,
		"connections": conns,
		"timestamp":   time.Now().Unix(),
	})
}

// Reset clears shared state outside the envelope path.
func (r *Router) Reset() (sessions, connections int) {
	return r.dispatcher.Reset()
}

// Stats reports shared state counts.
func (r *Router) Stats() dispatch.Stats {
	return r.dispatcher.Stats()
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func errorResponse(id json.RawMessage, code int, message string) []byte {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	b, _ := json.Marshal(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
	return b
}

func resultResponse(id json.RawMessage, result any) []byte {
	b, _ := json.Marshal(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
	return b
}

// errorCode extracts the JSON-RPC error code from an encoded response.
func errorCode(encoded []byte) (int, error) {
	var envelope struct {
		Error *rpcError `json:"error"`
	}
	if err := json.Unmarshal(encoded, &envelope); err != nil || envelope.Error == nil {
		return 0, nil
	}
	return envelope.Error.Code, &protocolError{envelope.Error.Message}
}

type protocolError struct{ msg string }

func (e *protocolError) Error() string { return e.msg }
