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

package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/shellgate/internal/dispatch"
	"github.com/tombee/shellgate/internal/log"
	gwerrors "github.com/tombee/shellgate/pkg/errors"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  []dispatch.Call
	result *dispatch.Result
	err    error
	resets int
}

func (f *fakeDispatcher) HandleToolCall(_ context.Context, call dispatch.Call) (*dispatch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &dispatch.Result{
		Stdout:  strings.TrimPrefix(call.Command, "echo ") + "\n",
		Success: true,
		Session: "default",
		Target:  "local",
	}, nil
}

func (f *fakeDispatcher) Reset() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return 2, 1
}

func (f *fakeDispatcher) Stats() dispatch.Stats {
	return dispatch.Stats{Sessions: 3, Connections: 1}
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StructuredContent map[string]any `json:"structuredContent"`
	IsError           bool           `json:"isError"`
}

func newTestRouter(d Dispatcher) *Router {
	return New(d, Config{Binding: "test"}, log.Discard())
}

func roundTrip(t *testing.T, r *Router, req string) response {
	t.Helper()
	out := r.Handle(context.Background(), []byte(req), "")
	require.NotNil(t, out, "expected a response for %s", req)
	var resp response
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	return resp
}

func callTool(t *testing.T, r *Router, args string) toolResult {
	t.Helper()
	resp := roundTrip(t, r, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"execute_command","arguments":`+args+`}}`)
	require.Nil(t, resp.Error)
	var res toolResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.NotEmpty(t, res.Content)
	return res
}

func TestInitialize(t *testing.T) {
	r := newTestRouter(&fakeDispatcher{})
	resp := roundTrip(t, r, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"t","version":"0"}}}`)
	require.Nil(t, resp.Error)

	var res struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
		Capabilities map[string]any `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	assert.Equal(t, ProtocolVersion, res.ProtocolVersion)
	assert.Equal(t, "shell-mcp-server", res.ServerInfo.Name)
	assert.Equal(t, "1.0.0", res.ServerInfo.Version)
	assert.Contains(t, res.Capabilities, "tools")
	assert.JSONEq(t, "1", string(resp.ID))
}

func TestToolsList(t *testing.T) {
	r := newTestRouter(&fakeDispatcher{})
	resp := roundTrip(t, r, `{"jsonrpc":"2.0","id":"a","method":"tools/list"}`)
	require.Nil(t, resp.Error)

	var res struct {
		Tools []struct {
			Name        string `json:"name"`
			InputSchema struct {
				Properties map[string]any `json:"properties"`
				Required   []string       `json:"required"`
			} `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.Len(t, res.Tools, 1)
	assert.Equal(t, ToolName, res.Tools[0].Name)
	assert.Equal(t, []string{"command"}, res.Tools[0].InputSchema.Required)
	for _, prop := range []string{"command", "host", "username", "password", "keyFile", "port", "session", "env", "cwd", "forceExecute"} {
		assert.Contains(t, res.Tools[0].InputSchema.Properties, prop)
	}
}

func TestPing(t *testing.T) {
	r := newTestRouter(&fakeDispatcher{})
	resp := roundTrip(t, r, `{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	assert.Nil(t, resp.Error)
}

func TestToolCallSuccess(t *testing.T) {
	d := &fakeDispatcher{}
	r := newTestRouter(d)

	res := callTool(t, r, `{"command":"echo hi","session_name":"work","port":"2222","host":"box","username":"ops","force_execute":true,"env":{"A":"1"}}`)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "stdout:\nhi")
	assert.Contains(t, res.Content[0].Text, "exit code: 0")
	assert.NotContains(t, res.Content[0].Text, "stderr:")
	assert.Equal(t, true, res.StructuredContent["success"])

	require.Len(t, d.calls, 1)
	call := d.calls[0]
	assert.Equal(t, "echo hi", call.Command)
	assert.Equal(t, "work", call.Session)
	assert.Equal(t, 2222, call.Target.Port)
	assert.Equal(t, "box", call.Target.Host)
	assert.Equal(t, "ops", call.Target.User)
	assert.True(t, call.ForceExecute)
	assert.Equal(t, map[string]string{"A": "1"}, call.Env)
}

func TestToolCallNonZeroExitIsNotToolError(t *testing.T) {
	d := &fakeDispatcher{result: &dispatch.Result{Stderr: "nope\n", ExitCode: 2, Session: "default", Target: "local"}}
	r := newTestRouter(d)

	res := callTool(t, r, `{"command":"false"}`)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "stderr:\nnope")
	assert.Contains(t, res.Content[0].Text, "exit code: 2")
	assert.Equal(t, false, res.StructuredContent["success"])
}

func TestToolCallErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"policy", &gwerrors.PolicyError{Command: "rm -rf /", Reason: "root removal", Source: gwerrors.SourceBlacklist}, "blocked"},
		{"confirmation", &gwerrors.PolicyError{Command: "rm x", Reason: "removes files", Source: gwerrors.SourceHeuristic, NeedsConfirmation: true}, "forceExecute=true"},
		{"exhausted", &gwerrors.ResourceExhaustedError{Resource: "connection pool"}, "exhausted"},
		{"connection", &gwerrors.ConnectionError{Target: "u@h:22", Op: "dial"}, "connection to u@h:22"},
		{"timeout", &gwerrors.TimeoutError{Operation: "command"}, "timed out"},
		{"validation", &gwerrors.ValidationError{Field: "port", Message: "out of range"}, "port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(&fakeDispatcher{err: tt.err})
			res := callTool(t, r, `{"command":"x"}`)
			assert.True(t, res.IsError)
			assert.Contains(t, res.Content[0].Text, tt.want)
			assert.Equal(t, string(gwerrors.TypeOf(tt.err)), res.StructuredContent["error"])
		})
	}
}

func TestToolCallInternalErrorIsProtocolError(t *testing.T) {
	r := newTestRouter(&fakeDispatcher{err: &gwerrors.InternalError{Op: "spawn shell"}})
	resp := roundTrip(t, r, `{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"execute_command","arguments":{"command":"x"}}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
	assert.NotContains(t, resp.Error.Message, "spawn shell")
}

func TestToolCallBadArguments(t *testing.T) {
	tests := []struct {
		name string
		args string
	}{
		{"missing command", `{}`},
		{"command not string", `{"command":5}`},
		{"port not integer", `{"command":"ls","port":"abc"}`},
		{"fractional port", `{"command":"ls","port":22.5}`},
		{"env not object", `{"command":"ls","env":"A=1"}`},
		{"force not bool", `{"command":"ls","forceExecute":"maybe"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{}
			r := newTestRouter(d)
			res := callTool(t, r, tt.args)
			assert.True(t, res.IsError)
			assert.Equal(t, "validation", res.StructuredContent["error"])
			assert.Empty(t, d.calls)
		})
	}
}

func TestProtocolErrors(t *testing.T) {
	r := newTestRouter(&fakeDispatcher{})

	t.Run("parse error", func(t *testing.T) {
		resp := roundTrip(t, r, `{"jsonrpc":`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeParseError, resp.Error.Code)
		assert.Equal(t, "null", string(resp.ID))
	})
	t.Run("batch", func(t *testing.T) {
		resp := roundTrip(t, r, `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
	})
	t.Run("unknown method", func(t *testing.T) {
		resp := roundTrip(t, r, `{"jsonrpc":"2.0","id":4,"method":"nope"}`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
	})
	t.Run("unknown tool", func(t *testing.T) {
		resp := roundTrip(t, r, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"execute","arguments":{}}}`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInvalidParams, resp.Error.Code)
	})
}

func TestNotificationHasNoResponse(t *testing.T) {
	r := newTestRouter(&fakeDispatcher{})
	assert.Nil(t, r.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`), ""))
}

func TestReset(t *testing.T) {
	d := &fakeDispatcher{}
	r := newTestRouter(d)

	resp := roundTrip(t, r, `{"jsonrpc":"2.0","id":11,"method":"reset"}`)
	require.Nil(t, resp.Error)
	var res map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	assert.Equal(t, "reset", res["status"])
	assert.EqualValues(t, 2, res["sessions"])
	assert.EqualValues(t, 1, res["connections"])

	assert.Nil(t, r.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"reset"}`), ""))
	assert.Equal(t, 2, d.resets)
}

func TestCallRateLimit(t *testing.T) {
	d := &fakeDispatcher{}
	r := New(d, Config{Binding: "test", CallRate: 0.001, CallBurst: 1}, log.Discard())

	first := callTool(t, r, `{"command":"echo a"}`)
	assert.False(t, first.IsError)
	second := callTool(t, r, `{"command":"echo b"}`)
	assert.True(t, second.IsError)
	assert.Equal(t, "resource_exhausted", second.StructuredContent["error"])
	assert.Len(t, d.calls, 1)
}

func TestRateLimiterNil(t *testing.T) {
	assert.Nil(t, NewRateLimiter(0, 10))
	var rl *RateLimiter
	assert.True(t, rl.AllowCall())
}
