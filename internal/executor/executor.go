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

// Package executor runs commands on the local machine or over SSH and
// reports the working-directory and environment changes they made.
//
// Both executors wrap the command in a POSIX sh script that prints a
// nonce-delimited snapshot of pwd and env before and after the command.
// The snapshots are stripped from stdout and diffed into a Delta.
package executor

import (
	"sort"
	"time"
)

// DefaultMaxOutput is the per-stream output cap when none is configured.
const DefaultMaxOutput = 1024 * 1024

// Request is one command invocation.
type Request struct {
	Command string

	// Cwd is the directory to run in. Empty means the target's default.
	Cwd string

	// Env is exported before the command runs.
	Env map[string]string

	// Timeout bounds the invocation. Zero means no bound beyond the caller's context.
	Timeout time.Duration
}

// Result is the outcome of a command that ran to completion, whatever its
// exit status.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Delta    Delta

	// Truncated is set when either stream hit the output cap.
	Truncated bool
}

// Delta is the shell state a command changed.
type Delta struct {
	// Cwd is the new working directory, empty if unchanged.
	Cwd string

	// Set holds variables the command exported or changed.
	Set map[string]string

	// Unset lists variables the command removed.
	Unset []string
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return d.Cwd == "" && len(d.Set) == 0 && len(d.Unset) == 0
}

// Keys returns the changed variable names, sorted.
func (d Delta) Keys() []string {
	keys := make([]string, 0, len(d.Set)+len(d.Unset))
	for k := range d.Set {
		keys = append(keys, k)
	}
	keys = append(keys, d.Unset...)
	sort.Strings(keys)
	return keys
}
