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
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/shellgate/internal/dispatch"
	gwerrors "github.com/tombee/shellgate/pkg/errors"
)

// ToolName is the single tool this server exposes.
const ToolName = "execute_command"

func executeCommandTool() mcp.Tool {
	return mcp.Tool{
		Name: ToolName,
		Description: "Execute a shell command on the local machine or on a remote host over SSH. " +
			"Working directory and exported variables persist per session and target. " +
			"Destructive commands are blocked; some require forceExecute=true.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"command": map[string]interface{}{
					"type":        "string",
					"description": "Shell command to execute",
				},
				"host": map[string]interface{}{
					"type":        "string",
					"description": "Remote host or configured target alias. Omit to run locally",
				},
				"username": map[string]interface{}{
					"type":        "string",
					"description": "SSH username (required for remote hosts without a configured user)",
				},
				"password": map[string]interface{}{
					"type":        "string",
					"description": "SSH password",
				},
				"keyFile": map[string]interface{}{
					"type":        "string",
					"description": "Path to an SSH private key",
				},
				"port": map[string]interface{}{
					"type":        "integer",
					"description": "SSH port",
					"default":     22,
				},
				"target": map[string]interface{}{
					"type":        "string",
					"description": "Name of a configured target",
				},
				"session": map[string]interface{}{
					"type":        "string",
					"description": "Session name; state is kept per session and target",
					"default":     "default",
				},
				"env": map[string]interface{}{
					"type":                 "object",
					"description":          "Environment variables for this command only",
					"additionalProperties": map[string]interface{}{"type": "string"},
				},
				"cwd": map[string]interface{}{
					"type":        "string",
					"description": "Working directory for this command only",
				},
				"forceExecute": map[string]interface{}{
					"type":        "boolean",
					"description": "Confirm a command flagged as dangerous. Never overrides the blacklist",
					"default":     false,
				},
			},
			Required: []string{"command"},
		},
	}
}

func (r *Router) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !r.limiter.AllowCall() {
		return toolError(&gwerrors.ResourceExhaustedError{Resource: "tool call rate"}), nil
	}

	call, err := decodeCall(request.GetArguments())
	if err != nil {
		return toolError(err), nil
	}

	res, err := r.dispatcher.HandleToolCall(ctx, call)
	if err != nil {
		if gwerrors.IsToolError(err) {
			return toolError(err), nil
		}
		r.logger.Error("tool call failed", "error", err)
		return nil, errors.New("internal error")
	}
	return renderResult(res), nil
}

// decodeCall reads tool arguments. Both camelCase and snake_case spellings
// are accepted.
func decodeCall(args map[string]any) (dispatch.Call, error) {
	var (
		call dispatch.Call
		err  error
	)

	cmd, ok := args["command"]
	if !ok {
		return call, &gwerrors.ValidationError{Field: "command", Message: "command is required"}
	}
	if call.Command, ok = cmd.(string); !ok {
		return call, &gwerrors.ValidationError{Field: "command", Message: "command must be a string"}
	}

	strField := func(dst *string, names ...string) {
		if err != nil {
			return
		}
		*dst, err = stringArg(args, names...)
	}
	strField(&call.Target.Host, "host")
	strField(&call.Target.User, "username", "user")
	strField(&call.Target.Password, "password")
	strField(&call.Target.KeyFile, "keyFile", "key_file")
	strField(&call.Target.Target, "target")
	strField(&call.Session, "session", "session_name", "sessionName")
	strField(&call.Cwd, "cwd")
	if err != nil {
		return call, err
	}

	if call.Target.Port, err = intArg(args, "port"); err != nil {
		return call, err
	}
	if call.ForceExecute, err = boolArg(args, "forceExecute", "force_execute"); err != nil {
		return call, err
	}
	if call.Env, err = envArg(args, "env"); err != nil {
		return call, err
	}
	return call, nil
}

func lookup(args map[string]any, names ...string) (string, any, bool) {
	for _, name := range names {
		if v, ok := args[name]; ok && v != nil {
			return name, v, true
		}
	}
	return "", nil, false
}

func stringArg(args map[string]any, names ...string) (string, error) {
	name, v, ok := lookup(args, names...)
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &gwerrors.ValidationError{Field: name, Message: fmt.Sprintf("%s must be a string", name)}
	}
	return s, nil
}

func intArg(args map[string]any, names ...string) (int, error) {
	name, v, ok := lookup(args, names...)
	if !ok {
		return 0, nil
	}
	bad := &gwerrors.ValidationError{Field: name, Message: fmt.Sprintf("%s must be an integer", name)}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, bad
		}
		return int(n), nil
	case int:
		return n, nil
	case string:
		if n == "" {
			return 0, nil
		}
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, bad
		}
		return i, nil
	default:
		return 0, bad
	}
}

func boolArg(args map[string]any, names ...string) (bool, error) {
	name, v, ok := lookup(args, names...)
	if !ok {
		return false, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err == nil {
			return parsed, nil
		}
	}
	return false, &gwerrors.ValidationError{Field: name, Message: fmt.Sprintf("%s must be a boolean", name)}
}

func envArg(args map[string]any, name string) (map[string]string, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return nil, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &gwerrors.ValidationError{Field: name, Message: "env must be an object of strings"}
	}
	env := make(map[string]string, len(obj))
	for k, val := range obj {
		switch s := val.(type) {
		case string:
			env[k] = s
		case float64, bool:
			env[k] = fmt.Sprint(s)
		default:
			return nil, &gwerrors.ValidationError{Field: name, Message: fmt.Sprintf("env value for %s must be a string", k)}
		}
	}
	return env, nil
}

// renderResult formats a completed command. A non-zero exit is reported
// with success=false but is not a tool error.
func renderResult(res *dispatch.Result) *mcp.CallToolResult {
	var parts []string
	if strings.TrimSpace(res.Stdout) != "" {
		parts = append(parts, "stdout:\n"+res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "" {
		parts = append(parts, "stderr:\n"+res.Stderr)
	}
	parts = append(parts,
		fmt.Sprintf("exit code: %d", res.ExitCode),
		fmt.Sprintf("duration: %.2fs", float64(res.DurationMs)/1000),
		fmt.Sprintf("session: %s on %s", res.Session, res.Target),
	)
	if res.Truncated {
		parts = append(parts, "note: output was truncated")
	}

	return &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.NewTextContent(strings.Join(parts, "\n\n"))},
		StructuredContent: res,
		IsError:           false,
	}
}

// toolError renders a tool-level failure as an isError result.
func toolError(err error) *mcp.CallToolResult {
	text := err.Error()
	structured := map[string]any{
		"success": false,
		"error":   string(gwerrors.TypeOf(err)),
		"message": text,
	}

	var perr *gwerrors.PolicyError
	if errors.As(err, &perr) {
		structured["source"] = string(perr.Source)
		if perr.NeedsConfirmation {
			structured["requiresConfirmation"] = true
			text = fmt.Sprintf("Dangerous command detected: %s\n\nReason: %s\n\n"+
				"To run it anyway, resubmit the same call with forceExecute=true.",
				perr.Command, perr.Reason)
		}
	}
	var verr *gwerrors.ValidationError
	if errors.As(err, &verr) && verr.Suggestion != "" {
		text += "\n\n" + verr.Suggestion
	}

	return &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.NewTextContent(text)},
		StructuredContent: structured,
		IsError:           true,
	}
}
