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

package errors_test

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	gwerrors "github.com/tombee/shellgate/pkg/errors"
)

func TestPolicyError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *gwerrors.PolicyError
		wantMsg string
	}{
		{
			name:    "blacklist",
			err:     &gwerrors.PolicyError{Command: "rm -rf /", Reason: "destructive delete of /", Source: gwerrors.SourceBlacklist},
			wantMsg: "command blocked by blacklist: destructive delete of /",
		},
		{
			name:    "whitelist",
			err:     &gwerrors.PolicyError{Command: "ls", Reason: "ls is not whitelisted", Source: gwerrors.SourceWhitelist},
			wantMsg: "command blocked by whitelist: ls is not whitelisted",
		},
		{
			name:    "needs confirmation",
			err:     &gwerrors.PolicyError{Command: "rm x", Reason: "rm deletes files", Source: gwerrors.SourceHeuristic, NeedsConfirmation: true},
			wantMsg: "command requires confirmation: rm deletes files (set forceExecute=true to run it)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("PolicyError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestValidationError_Error(t *testing.T) {
	withField := &gwerrors.ValidationError{Field: "port", Message: "must be between 1 and 65535"}
	if got, want := withField.Error(), "validation failed on port: must be between 1 and 65535"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	noField := &gwerrors.ValidationError{Message: "invalid arguments"}
	if got, want := noField.Error(), "validation failed: invalid arguments"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestConnectionError_Unwrap(t *testing.T) {
	err := &gwerrors.ConnectionError{Target: "ssh://deploy@db:22", Op: "dial", Cause: io.EOF}

	if !errors.Is(err, io.EOF) {
		t.Error("ConnectionError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "during dial") {
		t.Errorf("Error() = %q, want op in message", err.Error())
	}
	if !err.IsRetryable() {
		t.Error("connection errors should be retryable")
	}
}

func TestTimeoutError_Error(t *testing.T) {
	err := &gwerrors.TimeoutError{Operation: "command", Duration: 2 * time.Second}
	if got, want := err.Error(), "command timed out after 2s"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestResourceExhaustedError_Error(t *testing.T) {
	err := &gwerrors.ResourceExhaustedError{Resource: "connection pool", Waited: 250 * time.Millisecond}
	if got, want := err.Error(), "connection pool exhausted: no capacity after waiting 250ms"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("yaml: line 3")
	err := &gwerrors.ConfigError{Key: "filter.blacklist", Reason: "invalid pattern", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("ConfigError should unwrap to its cause")
	}
	if got, want := err.Error(), "config error at filter.blacklist: invalid pattern"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
