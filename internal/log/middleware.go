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

package log

import (
	"context"
	"log/slog"
	"time"
)

// RPCRequest describes one inbound protocol envelope for logging purposes.
type RPCRequest struct {
	// Method is the JSON-RPC method (e.g., "tools/call").
	Method string

	// ID is the caller-assigned envelope id rendered as text. Empty for notifications.
	ID string

	// Binding is the transport that received the envelope ("stdio", "http").
	Binding string

	// RemoteAddr is the remote address of the client, if any.
	RemoteAddr string
}

// RPCResponse describes the outcome of one envelope.
type RPCResponse struct {
	// Success is false when the envelope produced a protocol error.
	Success bool

	// Code is the JSON-RPC error code, zero on success.
	Code int

	// Error is the error message if the request failed.
	Error string

	// DurationMs is the duration of the request in milliseconds.
	DurationMs int64
}

// LogRPCRequest logs an incoming envelope at debug level.
func LogRPCRequest(logger *slog.Logger, req *RPCRequest) {
	attrs := []any{
		"event", "rpc_request",
		MethodKey, req.Method,
		BindingKey, req.Binding,
	}
	if req.ID != "" {
		attrs = append(attrs, "id", req.ID)
	}
	if req.RemoteAddr != "" {
		attrs = append(attrs, "remote", req.RemoteAddr)
	}

	logger.Debug("rpc request received", attrs...)
}

// LogRPCResponse logs the completion of an envelope.
func LogRPCResponse(logger *slog.Logger, req *RPCRequest, resp *RPCResponse) {
	attrs := []any{
		"event", "rpc_response",
		MethodKey, req.Method,
		BindingKey, req.Binding,
		"success", resp.Success,
		DurationKey, resp.DurationMs,
	}
	if req.ID != "" {
		attrs = append(attrs, "id", req.ID)
	}
	if resp.Code != 0 {
		attrs = append(attrs, "code", resp.Code)
	}
	if resp.Error != "" {
		attrs = append(attrs, "error", resp.Error)
	}

	level := slog.LevelDebug
	message := "rpc request completed"
	if !resp.Success {
		level = slog.LevelWarn
		message = "rpc request failed"
	}

	logger.Log(context.Background(), level, message, attrs...)
}

// RPCMiddleware wraps envelope handling with request/response logging.
type RPCMiddleware struct {
	logger *slog.Logger
}

// NewRPCMiddleware creates a new RPC logging middleware.
func NewRPCMiddleware(logger *slog.Logger) *RPCMiddleware {
	return &RPCMiddleware{
		logger: logger,
	}
}

// Handler runs handler and logs the request and its outcome. The handler
// reports the JSON-RPC error code it produced, zero for success.
func (m *RPCMiddleware) Handler(req *RPCRequest, handler func() (int, error)) (int, error) {
	start := time.Now()

	LogRPCRequest(m.logger, req)

	code, err := handler()

	resp := &RPCResponse{
		Success:    err == nil && code == 0,
		Code:       code,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	LogRPCResponse(m.logger, req, resp)

	return code, err
}
