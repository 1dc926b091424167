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

// Package security implements the command filter that gates every shell
// command before it reaches an interpreter.
//
// Classification runs in strict precedence order: blacklist rules first
// (never overridable), then the dangerous-command heuristic (overridable
// with an explicit confirmation flag), then the whitelist (only when it is
// non-empty). The compiled rule set is immutable; a reload publishes a new
// set atomically.
package security

import (
	gwerrors "github.com/tombee/shellgate/pkg/errors"
)

// FilterConfig is the user-facing rule configuration.
type FilterConfig struct {
	// Blacklist lists regular expressions searched against the command text.
	// A match blocks the command unconditionally.
	Blacklist []string `yaml:"blacklist" json:"blacklist"`

	// Whitelist lists permitted leading tokens. Empty means no restriction.
	Whitelist []string `yaml:"whitelist" json:"whitelist"`

	// AllowedDirs lists doublestar globs for permitted working directories.
	// Empty means any directory.
	AllowedDirs []string `yaml:"allowed_dirs,omitempty" json:"allowed_dirs,omitempty"`

	// Watch reloads the rule set when the config file changes.
	Watch bool `yaml:"watch,omitempty" json:"watch,omitempty"`
}

// DefaultFilterConfig returns the default rule set: the built-in blacklist
// and an empty whitelist.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		Blacklist: DefaultBlacklist(),
		Whitelist: []string{},
	}
}

// Verdict is the outcome of classifying a command.
type Verdict int

const (
	// Allowed means the command may run.
	Allowed Verdict = iota
	// Blocked means the command must not run.
	Blocked
	// NeedsConfirmation means the command runs only with forceExecute.
	NeedsConfirmation
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case Blocked:
		return "blocked"
	case NeedsConfirmation:
		return "needs_confirmation"
	default:
		return "unknown"
	}
}

// Decision is the full classification result.
type Decision struct {
	Verdict Verdict
	Reason  string
	Source  gwerrors.PolicySource

	// Rule is the matching pattern or whitelist entry, if any.
	Rule string
}

// Resolve applies the caller's confirmation flag and returns the policy
// error for a rejected command, or nil when it may run.
func (d Decision) Resolve(command string, force bool) error {
	switch d.Verdict {
	case Allowed:
		return nil
	case NeedsConfirmation:
		if force {
			return nil
		}
		return &gwerrors.PolicyError{
			Command:           command,
			Reason:            d.Reason,
			Source:            d.Source,
			NeedsConfirmation: true,
		}
	default:
		return &gwerrors.PolicyError{
			Command: command,
			Reason:  d.Reason,
			Source:  d.Source,
		}
	}
}
