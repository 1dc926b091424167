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

package errors

import (
	"fmt"
	"time"
)

// ErrorType identifies the category of a gateway error.
type ErrorType string

const (
	TypePolicy            ErrorType = "policy"
	TypeResourceExhausted ErrorType = "resource_exhausted"
	TypeConnection        ErrorType = "connection"
	TypeTimeout           ErrorType = "timeout"
	TypeValidation        ErrorType = "validation"
	TypeConfig            ErrorType = "config"
	TypeInternal          ErrorType = "internal"
)

// PolicySource names the filter stage that rejected a command.
type PolicySource string

const (
	SourceBlacklist PolicySource = "blacklist"
	SourceHeuristic PolicySource = "heuristic"
	SourceWhitelist PolicySource = "whitelist"
	SourceDirectory PolicySource = "directory"
)

// PolicyError is returned when the command filter rejects a command.
// No execution is attempted and no session or pool state is touched.
type PolicyError struct {
	// Command is the rejected command text
	Command string

	// Reason is the human-readable rejection reason
	Reason string

	// Source is the filter stage that produced the rejection
	Source PolicySource

	// NeedsConfirmation is set when the command would run with forceExecute
	NeedsConfirmation bool
}

// Error implements the error interface.
func (e *PolicyError) Error() string {
	if e.NeedsConfirmation {
		return fmt.Sprintf("command requires confirmation: %s (set forceExecute=true to run it)", e.Reason)
	}
	return fmt.Sprintf("command blocked by %s: %s", e.Source, e.Reason)
}

// ErrorType implements ErrorClassifier.
func (e *PolicyError) ErrorType() ErrorType { return TypePolicy }

// IsRetryable implements ErrorClassifier.
func (e *PolicyError) IsRetryable() bool { return false }

// ResourceExhaustedError is returned when a bounded resource could not be
// obtained within its wait budget.
type ResourceExhaustedError struct {
	// Resource names what ran out (e.g., "connection pool")
	Resource string

	// Waited is how long the caller waited before giving up
	Waited time.Duration
}

// Error implements the error interface.
func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("%s exhausted: no capacity after waiting %v", e.Resource, e.Waited)
}

// ErrorType implements ErrorClassifier.
func (e *ResourceExhaustedError) ErrorType() ErrorType { return TypeResourceExhausted }

// IsRetryable implements ErrorClassifier.
func (e *ResourceExhaustedError) IsRetryable() bool { return true }

// ConnectionError represents a remote authentication or transport failure.
type ConnectionError struct {
	// Target is the redacted target identity
	Target string

	// Op is the failing step (e.g., "dial", "auth", "session")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("connection to %s failed during %s", e.Target, e.Op)
	}
	return fmt.Sprintf("connection to %s failed during %s: %v", e.Target, e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConnectionError) ErrorType() ErrorType { return TypeConnection }

// IsRetryable implements ErrorClassifier.
func (e *ConnectionError) IsRetryable() bool { return true }

// ValidationError represents malformed or missing tool arguments.
type ValidationError struct {
	// Field identifies which argument failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() ErrorType { return TypeValidation }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "ssh.max_connections")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() ErrorType { return TypeConfig }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// TimeoutError represents a command that ran past its budget.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "command", "connect")
	Operation string

	// Duration is the budget that was exceeded
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() ErrorType { return TypeTimeout }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// InternalError is an unexpected fault. It is surfaced to callers as a
// generic protocol error and never as a tool result.
type InternalError struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("internal error in %s", e.Op)
	}
	return fmt.Sprintf("internal error in %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InternalError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *InternalError) ErrorType() ErrorType { return TypeInternal }

// IsRetryable implements ErrorClassifier.
func (e *InternalError) IsRetryable() bool { return false }
