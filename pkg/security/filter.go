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

package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"

	gwerrors "github.com/tombee/shellgate/pkg/errors"
)

// Rule is one compiled blacklist pattern.
type Rule struct {
	Pattern string
	re      *regexp.Regexp
}

// Match reports whether the rule matches text anywhere.
func (r Rule) Match(text string) bool {
	return r.re.MatchString(text)
}

// ruleSet is immutable once published.
type ruleSet struct {
	blacklist   []Rule
	whitelist   map[string]struct{}
	allowedDirs []string
	version     uint64
}

// Stats summarizes the active rule set.
type Stats struct {
	Blacklist   int    `json:"blacklist"`
	Whitelist   int    `json:"whitelist"`
	AllowedDirs int    `json:"allowed_dirs"`
	Version     uint64 `json:"version"`
}

// Engine classifies commands against the active rule set. It is safe for
// concurrent use; Classify never mutates shared state.
type Engine struct {
	rules    atomic.Pointer[ruleSet]
	versions atomic.Uint64
}

// NewEngine compiles cfg and returns an engine serving it.
func NewEngine(cfg FilterConfig) (*Engine, error) {
	e := &Engine{}
	if err := e.Reload(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload compiles cfg and atomically replaces the active rule set. On error
// the previous set stays active.
func (e *Engine) Reload(cfg FilterConfig) error {
	rs, err := compile(cfg)
	if err != nil {
		return err
	}
	rs.version = e.versions.Add(1)
	e.rules.Store(rs)
	return nil
}

// Stats returns the size and version of the active rule set.
func (e *Engine) Stats() Stats {
	rs := e.rules.Load()
	return Stats{
		Blacklist:   len(rs.blacklist),
		Whitelist:   len(rs.whitelist),
		AllowedDirs: len(rs.allowedDirs),
		Version:     rs.version,
	}
}

func compile(cfg FilterConfig) (*ruleSet, error) {
	rs := &ruleSet{
		blacklist: make([]Rule, 0, len(cfg.Blacklist)),
		whitelist: make(map[string]struct{}, len(cfg.Whitelist)),
	}

	for i, pattern := range cfg.Blacklist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, &gwerrors.ConfigError{
				Key:    fmt.Sprintf("filter.blacklist[%d]", i),
				Reason: fmt.Sprintf("invalid pattern %q", pattern),
				Cause:  err,
			}
		}
		rs.blacklist = append(rs.blacklist, Rule{Pattern: pattern, re: re})
	}

	for _, entry := range cfg.Whitelist {
		if entry == "" {
			continue
		}
		rs.whitelist[entry] = struct{}{}
	}

	for i, pattern := range cfg.AllowedDirs {
		if !doublestar.ValidatePattern(pattern) {
			return nil, &gwerrors.ConfigError{
				Key:    fmt.Sprintf("filter.allowed_dirs[%d]", i),
				Reason: fmt.Sprintf("invalid glob %q", pattern),
			}
		}
		rs.allowedDirs = append(rs.allowedDirs, pattern)
	}

	return rs, nil
}

// Classify decides whether command may run.
func (e *Engine) Classify(command string) Decision {
	rs := e.rules.Load()
	segments := ParseCommandLine(command)

	// Blacklist: raw text, then each segment with assignments and wrappers
	// stripped so that prefixes cannot hide a match.
	for _, rule := range rs.blacklist {
		if rule.Match(command) {
			return blocked(rule)
		}
		for _, seg := range segments {
			if rule.Match(seg.Normalized()) || rule.Match(unwrapped(seg)) {
				return blocked(rule)
			}
		}
	}

	decision := Decision{Verdict: Allowed}
	for _, seg := range segments {
		if reason, ok := dangerous(seg); ok {
			decision = Decision{
				Verdict: NeedsConfirmation,
				Reason:  reason,
				Source:  gwerrors.SourceHeuristic,
				Rule:    seg.Program,
			}
			break
		}
	}

	// A whitelist miss is a hard block, so it outranks a confirmable
	// heuristic match.
	if len(rs.whitelist) > 0 {
		if HasSubstitution(command) {
			return Decision{
				Verdict: Blocked,
				Reason:  "command substitution is not permitted while a whitelist is active",
				Source:  gwerrors.SourceWhitelist,
			}
		}
		for _, seg := range segments {
			token := seg.Leading()
			if _, ok := rs.whitelist[token]; !ok {
				return Decision{
					Verdict: Blocked,
					Reason:  fmt.Sprintf("%q is not in the whitelist", token),
					Source:  gwerrors.SourceWhitelist,
					Rule:    token,
				}
			}
		}
	}

	return decision
}

// CheckDir decides whether a command may run in dir. An empty dir means the
// target's default directory and is always permitted.
func (e *Engine) CheckDir(dir string) Decision {
	rs := e.rules.Load()
	if len(rs.allowedDirs) == 0 || dir == "" {
		return Decision{Verdict: Allowed}
	}

	clean := filepath.ToSlash(filepath.Clean(dir))
	for _, pattern := range rs.allowedDirs {
		if ok, _ := doublestar.Match(pattern, clean); ok {
			return Decision{Verdict: Allowed, Rule: pattern}
		}
	}
	return Decision{
		Verdict: Blocked,
		Reason:  fmt.Sprintf("working directory %s is outside the allowed directories", clean),
		Source:  gwerrors.SourceDirectory,
	}
}

func blocked(rule Rule) Decision {
	return Decision{
		Verdict: Blocked,
		Reason:  fmt.Sprintf("matches blacklist rule %q", rule.Pattern),
		Source:  gwerrors.SourceBlacklist,
		Rule:    rule.Pattern,
	}
}

func unwrapped(seg Segment) string {
	text := seg.Program
	for _, arg := range seg.Args {
		text += " " + arg
	}
	return text
}
