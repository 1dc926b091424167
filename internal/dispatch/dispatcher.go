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

// Package dispatch turns a validated tool call into a command execution.
//
// The Dispatcher resolves the target, asks the filter for a verdict, and
// only then touches session or pool state. A rejected command therefore
// leaves no trace beyond its audit record.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tombee/shellgate/internal/audit"
	"github.com/tombee/shellgate/internal/executor"
	"github.com/tombee/shellgate/internal/log"
	"github.com/tombee/shellgate/internal/metrics"
	"github.com/tombee/shellgate/internal/pool"
	"github.com/tombee/shellgate/internal/session"
	"github.com/tombee/shellgate/internal/target"
	"github.com/tombee/shellgate/internal/tracing"
	gwerrors "github.com/tombee/shellgate/pkg/errors"
	"github.com/tombee/shellgate/pkg/security"
)

// Filter classifies commands and working directories.
type Filter interface {
	Classify(command string) security.Decision
	CheckDir(dir string) security.Decision
}

// Resolver turns request parameters into a target descriptor.
type Resolver interface {
	Resolve(ctx context.Context, p target.Params) (target.Descriptor, error)
}

// LocalRunner runs a command on this machine.
type LocalRunner interface {
	Run(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// RemoteRunner runs a command over a pooled connection.
type RemoteRunner interface {
	Run(ctx context.Context, conn pool.Conn, req executor.Request) (*executor.Result, error)
}

// Call is one execute_command invocation after argument decoding.
type Call struct {
	Command      string
	Session      string
	Target       target.Params
	Env          map[string]string
	Cwd          string
	ForceExecute bool
}

// Result is the outcome of a command that ran. A non-zero exit code is a
// normal result with Success false.
type Result struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	Success    bool   `json:"success"`
	Session    string `json:"session"`
	Target     string `json:"target"`
	Cwd        string `json:"cwd,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// Config holds dispatch limits.
type Config struct {
	// CommandTimeout bounds each execution.
	CommandTimeout time.Duration

	// BorrowTimeout bounds the wait for a pooled connection.
	BorrowTimeout time.Duration
}

// Deps are the collaborators a Dispatcher needs.
type Deps struct {
	Filter   Filter
	Resolver Resolver
	Sessions *session.Store
	Pool     *pool.Pool
	Local    LocalRunner
	Remote   RemoteRunner
	Audit    audit.Recorder
	Logger   *slog.Logger
}

// Dispatcher orchestrates tool calls.
type Dispatcher struct {
	filter   Filter
	resolver Resolver
	sessions *session.Store
	pool     *pool.Pool
	local    LocalRunner
	remote   RemoteRunner
	audit    audit.Recorder
	logger   *slog.Logger
	cfg      Config
}

// New creates a Dispatcher.
func New(deps Deps, cfg Config) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := deps.Audit
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Dispatcher{
		filter:   deps.Filter,
		resolver: deps.Resolver,
		sessions: deps.Sessions,
		pool:     deps.Pool,
		local:    deps.Local,
		remote:   deps.Remote,
		audit:    rec,
		logger:   log.WithComponent(logger, "dispatch"),
		cfg:      cfg,
	}
}

// RetireOnEvict returns a session eviction hook that retires the evicted
// session's connection so it is never reused.
func RetireOnEvict(p *pool.Pool) session.EvictFunc {
	return func(s *session.Session, _ string) {
		if s.ConnRef != nil {
			p.Retire(s.ConnRef)
			s.ConnRef = nil
		}
	}
}

// HandleToolCall runs one call. Tool-level failures (policy, validation,
// connection, timeout, exhaustion) come back as classified errors; anything
// else is an internal fault.
func (d *Dispatcher) HandleToolCall(ctx context.Context, call Call) (result *Result, err error) {
	start := time.Now()
	if call.Session == "" {
		call.Session = session.DefaultName
	}

	ctx, span := tracing.Start(ctx, "dispatch.tool_call", attribute.String("session", call.Session))
	defer func() { tracing.End(span, err) }()

	rec := audit.Record{
		Time:    start,
		Session: call.Session,
		Command: log.TruncateCommand(call.Command, 4096),
	}
	kind := target.KindLocal
	defer func() {
		rec.DurationMs = time.Since(start).Milliseconds()
		d.finish(rec, kind, result, err)
	}()

	if err := validate(call); err != nil {
		rec.Target = "unresolved"
		return nil, err
	}

	desc, err := d.resolver.Resolve(ctx, call.Target)
	if err != nil {
		rec.Target = "unresolved"
		return nil, err
	}
	rec.Target = desc.String()
	if !desc.IsLocal() {
		kind = target.KindRemote
	}
	span.SetAttributes(attribute.String("target", desc.String()))
	logger := log.WithSession(d.logger, call.Session, desc.String())

	if err := d.admit(ctx, call); err != nil {
		rec.Decision = audit.DecisionBlocked
		logger.Info("command rejected", "error", err)
		return nil, err
	}

	sess, err := d.sessions.Acquire(ctx, session.Key{Name: call.Session, Target: desc.Identity()}, desc)
	if err != nil {
		return nil, err
	}
	defer d.sessions.Release(sess)

	cwd := call.Cwd
	if cwd == "" {
		cwd = sess.Cwd
		if dec := d.filter.CheckDir(cwd); dec.Verdict != security.Allowed {
			rec.Decision = audit.DecisionBlocked
			return nil, dec.Resolve(call.Command, false)
		}
	}

	req := executor.Request{
		Command: call.Command,
		Cwd:     cwd,
		Env:     sess.EnvWith(call.Env),
		Timeout: d.cfg.CommandTimeout,
	}

	var res *executor.Result
	if desc.IsLocal() {
		res, err = d.runLocal(ctx, req)
	} else {
		res, err = d.runRemote(ctx, sess, desc, req)
	}
	if err != nil {
		logger.Warn("command failed", "error", err)
		return nil, err
	}

	sess.Apply(res.Delta)
	metrics.ObserveCommand(string(desc.Kind), res.Duration.Seconds())
	logger.Debug("command finished",
		slog.Int("exit_code", res.ExitCode),
		slog.Int64(log.DurationKey, res.Duration.Milliseconds()))

	code := res.ExitCode
	rec.ExitCode = &code
	return &Result{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		DurationMs: res.Duration.Milliseconds(),
		Success:    res.ExitCode == 0,
		Session:    call.Session,
		Target:     desc.String(),
		Cwd:        sess.Cwd,
		Truncated:  res.Truncated,
	}, nil
}

// admit runs the filter. It never touches session or pool state.
func (d *Dispatcher) admit(ctx context.Context, call Call) error {
	_, span := tracing.Start(ctx, "filter.classify")
	dec := d.filter.Classify(call.Command)
	err := dec.Resolve(call.Command, call.ForceExecute)
	if err == nil && call.Cwd != "" {
		dirDec := d.filter.CheckDir(call.Cwd)
		err = dirDec.Resolve(call.Command, false)
	}
	span.SetAttributes(attribute.String("verdict", dec.Verdict.String()))
	tracing.End(span, err)

	if dec.Verdict == security.NeedsConfirmation && call.ForceExecute && err == nil {
		d.logger.Info("confirmed command allowed by forceExecute",
			slog.String(log.SessionKey, call.Session),
			slog.String("reason", dec.Reason))
	}
	return err
}

func (d *Dispatcher) runLocal(ctx context.Context, req executor.Request) (*executor.Result, error) {
	ctx, span := tracing.Start(ctx, "executor.run", attribute.String("kind", "local"))
	res, err := d.local.Run(ctx, req)
	tracing.End(span, err)
	return res, err
}

func (d *Dispatcher) runRemote(ctx context.Context, sess *session.Session, desc target.Descriptor, req executor.Request) (*executor.Result, error) {
	borrowCtx, span := tracing.Start(ctx, "pool.borrow")
	h, err := d.pool.Borrow(borrowCtx, desc, d.cfg.BorrowTimeout, sess.ConnRef)
	tracing.End(span, err)
	if err != nil {
		sess.ConnRef = nil
		return nil, err
	}

	ctx, span = tracing.Start(ctx, "executor.run", attribute.String("kind", "remote"))
	res, err := d.remote.Run(ctx, h.Conn(), req)
	tracing.End(span, err)

	// A cwd failure is the command's fault, not the connection's.
	healthy := err == nil || gwerrors.TypeOf(err) == gwerrors.TypeValidation
	d.pool.Return(h, healthy)
	if healthy {
		sess.ConnRef = h
	} else {
		sess.ConnRef = nil
	}
	return res, err
}

// Reset drops every session and drains the pool.
func (d *Dispatcher) Reset() (sessions, connections int) {
	if d.pool != nil {
		connections = d.pool.Drain()
	}
	sessions = d.sessions.Reset()
	d.logger.Info("state reset", "sessions", sessions, "connections", connections)
	return sessions, connections
}

// Stats is a point-in-time view of shared state.
type Stats struct {
	Sessions    int            `json:"sessions"`
	Connections int            `json:"connections"`
	List        []session.Info `json:"list,omitempty"`
}

// Stats reports live sessions and pooled connections.
func (d *Dispatcher) Stats() Stats {
	var st Stats
	if list := d.sessions.List(); len(list) > 0 {
		st.Sessions, st.List = len(list), list
	}
	if d.pool != nil {
		st.Connections = d.pool.Stats().Live
	}
	return st
}

func (d *Dispatcher) finish(rec audit.Record, kind target.Kind, result *Result, err error) {
	switch {
	case err == nil:
		rec.Decision = audit.DecisionAllowed
		outcome := "ok"
		if !result.Success {
			outcome = "nonzero"
		}
		metrics.RecordToolCall(string(kind), outcome)
	default:
		var perr *gwerrors.PolicyError
		if gwerrors.As(err, &perr) {
			rec.Decision = audit.DecisionBlocked
			rec.Source = string(perr.Source)
			metrics.RecordRejection(string(perr.Source))
		} else if rec.Decision == "" {
			rec.Decision = audit.DecisionFailed
		}
		rec.Error = err.Error()
		metrics.RecordToolCall(string(kind), string(gwerrors.TypeOf(err)))
	}
	d.audit.Record(rec)
}

func validate(call Call) error {
	if strings.TrimSpace(call.Command) == "" {
		return &gwerrors.ValidationError{
			Field:      "command",
			Message:    "command is required",
			Suggestion: "pass the shell command to run in the command argument",
		}
	}
	if strings.IndexByte(call.Command, 0) >= 0 {
		return &gwerrors.ValidationError{Field: "command", Message: "command contains a NUL byte"}
	}
	for k := range call.Env {
		if !executor.ValidEnvName(k) {
			return &gwerrors.ValidationError{
				Field:   "env",
				Message: "invalid environment variable name " + k,
			}
		}
	}
	if call.Target.Port < 0 || call.Target.Port > 65535 {
		return &gwerrors.ValidationError{Field: "port", Message: "port must be between 1 and 65535"}
	}
	return nil
}
