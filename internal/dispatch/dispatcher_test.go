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

package dispatch

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/shellgate/internal/audit"
	"github.com/tombee/shellgate/internal/executor"
	"github.com/tombee/shellgate/internal/log"
	"github.com/tombee/shellgate/internal/pool"
	"github.com/tombee/shellgate/internal/session"
	"github.com/tombee/shellgate/internal/target"
	gwerrors "github.com/tombee/shellgate/pkg/errors"
	"github.com/tombee/shellgate/pkg/security"
)

// fakeShell understands a handful of commands well enough to exercise
// session state without spawning processes.
type fakeShell struct {
	mu    sync.Mutex
	calls []executor.Request

	// block, when set, is waited on by the "block" command.
	block chan struct{}
	// fail is returned for the "fail" command.
	fail error
}

func (f *fakeShell) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeShell) LastRequest() executor.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeShell) run(ctx context.Context, req executor.Request) (*executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	fields := strings.Fields(req.Command)
	res := &executor.Result{Duration: time.Millisecond}

	switch fields[0] {
	case "cd":
		res.Delta.Cwd = fields[1]
	case "export":
		kv := strings.SplitN(fields[1], "=", 2)
		res.Delta.Set = map[string]string{kv[0]: kv[1]}
	case "pwd":
		res.Stdout = req.Cwd + "\n"
	case "printenv":
		res.Stdout = req.Env[fields[1]] + "\n"
	case "echo":
		res.Stdout = strings.Join(fields[1:], " ") + "\n"
	case "false":
		res.ExitCode = 1
	case "sleep":
		if req.Timeout > 0 {
			select {
			case <-time.After(req.Timeout):
				return nil, &gwerrors.TimeoutError{Operation: "command", Duration: req.Timeout}
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	case "block":
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case "fail":
		return nil, f.fail
	case "rm":
		res.Stdout = "removed\n"
	}
	return res, nil
}

type spyLocal struct{ *fakeShell }

func (s spyLocal) Run(ctx context.Context, req executor.Request) (*executor.Result, error) {
	return s.run(ctx, req)
}

type spyRemote struct {
	*fakeShell
	conns sync.Map
}

func (s *spyRemote) Run(ctx context.Context, conn pool.Conn, req executor.Request) (*executor.Result, error) {
	s.conns.Store(conn, true)
	return s.run(ctx, req)
}

type fakeConn struct {
	closed atomic.Bool
}

func (c *fakeConn) Alive(context.Context) bool { return !c.closed.Load() }
func (c *fakeConn) Close() error               { c.closed.Store(true); return nil }

type countingDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *countingDialer) Dial(_ context.Context, _ target.Descriptor) (pool.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *countingDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type spyAudit struct {
	mu      sync.Mutex
	records []audit.Record
}

func (a *spyAudit) Record(r audit.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, r)
}

func (a *spyAudit) Last() audit.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.records[len(a.records)-1]
}

type harness struct {
	d        *Dispatcher
	local    *fakeShell
	remote   *spyRemote
	dialer   *countingDialer
	sessions *session.Store
	pool     *pool.Pool
	audit    *spyAudit
}

type harnessOption func(*security.FilterConfig, *pool.Config, *Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	filterCfg := security.DefaultFilterConfig()
	poolCfg := pool.Config{MaxConnections: 4, BorrowTimeout: time.Second}
	cfg := Config{CommandTimeout: 5 * time.Second, BorrowTimeout: time.Second}
	for _, opt := range opts {
		opt(&filterCfg, &poolCfg, &cfg)
	}

	engine, err := security.NewEngine(filterCfg)
	require.NoError(t, err)

	h := &harness{
		local:  &fakeShell{block: make(chan struct{})},
		dialer: &countingDialer{},
		audit:  &spyAudit{},
	}
	h.remote = &spyRemote{fakeShell: &fakeShell{block: make(chan struct{})}}
	h.pool = pool.New(h.dialer, poolCfg, log.Discard())
	t.Cleanup(h.pool.Close)
	h.sessions = session.NewStore(time.Minute, log.Discard(), session.WithEvictHook(RetireOnEvict(h.pool)))

	h.d = New(Deps{
		Filter:   engine,
		Resolver: target.NewRegistry(nil),
		Sessions: h.sessions,
		Pool:     h.pool,
		Local:    spyLocal{h.local},
		Remote:   h.remote,
		Audit:    h.audit,
		Logger:   log.Discard(),
	}, cfg)
	return h
}

var remoteParams = target.Params{Host: "build.example.com", User: "ci", Password: "pw"}

func TestHandleToolCall_Echo(t *testing.T) {
	h := newHarness(t)

	res, err := h.d.HandleToolCall(context.Background(), Call{Command: "echo hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.Success)
	assert.Equal(t, "default", res.Session)
	assert.Equal(t, "local", res.Target)
	assert.Equal(t, audit.DecisionAllowed, h.audit.Last().Decision)
}

func TestHandleToolCall_NonZeroExitIsNotAnError(t *testing.T) {
	h := newHarness(t)

	res, err := h.d.HandleToolCall(context.Background(), Call{Command: "false"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode)
}

func TestHandleToolCall_BlacklistNeverExecutes(t *testing.T) {
	h := newHarness(t)

	for _, force := range []bool{false, true} {
		_, err := h.d.HandleToolCall(context.Background(), Call{Command: "rm -rf /", ForceExecute: force})
		var perr *gwerrors.PolicyError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, gwerrors.SourceBlacklist, perr.Source)
		assert.False(t, perr.NeedsConfirmation)
	}

	_, err := h.d.HandleToolCall(context.Background(), Call{Command: "uptime", Target: remoteParams})
	require.NoError(t, err)
	dials := h.dialer.Dials()

	_, err = h.d.HandleToolCall(context.Background(), Call{Command: "rm -rf /", Target: remoteParams, Session: "fresh"})
	require.Error(t, err)

	assert.Equal(t, 0, h.local.Calls(), "no local process for a blocked command")
	assert.Equal(t, 1, h.remote.Calls())
	assert.Equal(t, dials, h.dialer.Dials(), "no connection opened for a blocked command")
	assert.Equal(t, 1, h.sessions.Len(), "no session created for a blocked command")

	last := h.audit.Last()
	assert.Equal(t, audit.DecisionBlocked, last.Decision)
	assert.Equal(t, "blacklist", last.Source)
}

func TestHandleToolCall_HeuristicRequiresForce(t *testing.T) {
	h := newHarness(t)

	_, err := h.d.HandleToolCall(context.Background(), Call{Command: "rm notes.txt"})
	var perr *gwerrors.PolicyError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.NeedsConfirmation)
	assert.Equal(t, 0, h.local.Calls())

	res, err := h.d.HandleToolCall(context.Background(), Call{Command: "rm notes.txt", ForceExecute: true})
	require.NoError(t, err)
	assert.Equal(t, "removed\n", res.Stdout)
	assert.Equal(t, 1, h.local.Calls())
}

func TestHandleToolCall_Whitelist(t *testing.T) {
	h := newHarness(t, func(f *security.FilterConfig, _ *pool.Config, _ *Config) {
		f.Whitelist = []string{"echo", "pwd"}
	})

	_, err := h.d.HandleToolCall(context.Background(), Call{Command: "printenv HOME"})
	var perr *gwerrors.PolicyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, gwerrors.SourceWhitelist, perr.Source)

	_, err = h.d.HandleToolCall(context.Background(), Call{Command: "echo ok"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.local.Calls())
}

func TestHandleToolCall_AllowedDirs(t *testing.T) {
	h := newHarness(t, func(f *security.FilterConfig, _ *pool.Config, _ *Config) {
		f.AllowedDirs = []string{"/srv/**"}
	})
	ctx := context.Background()

	_, err := h.d.HandleToolCall(ctx, Call{Command: "pwd", Cwd: "/etc"})
	var perr *gwerrors.PolicyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, gwerrors.SourceDirectory, perr.Source)
	assert.Equal(t, 0, h.sessions.Len())

	res, err := h.d.HandleToolCall(ctx, Call{Command: "pwd", Cwd: "/srv/app"})
	require.NoError(t, err)
	assert.Equal(t, "/srv/app\n", res.Stdout)

	// A persisted cwd outside the allowed set blocks later calls.
	_, err = h.d.HandleToolCall(ctx, Call{Command: "cd /etc"})
	require.NoError(t, err)
	_, err = h.d.HandleToolCall(ctx, Call{Command: "pwd"})
	require.ErrorAs(t, err, &perr)
}

func TestHandleToolCall_SessionStateIsScoped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.d.HandleToolCall(ctx, Call{Command: "cd /tmp", Session: "s1"})
	require.NoError(t, err)

	res, err := h.d.HandleToolCall(ctx, Call{Command: "pwd", Session: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp\n", res.Stdout)
	assert.Equal(t, "/tmp", res.Cwd)

	res, err = h.d.HandleToolCall(ctx, Call{Command: "pwd", Session: "s2"})
	require.NoError(t, err)
	assert.Equal(t, "\n", res.Stdout)

	res, err = h.d.HandleToolCall(ctx, Call{Command: "pwd", Session: "s1", Target: remoteParams})
	require.NoError(t, err)
	assert.Equal(t, "\n", res.Stdout)
}

func TestHandleToolCall_EnvOverridesNotPersisted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.d.HandleToolCall(ctx, Call{Command: "export FOO=bar"})
	require.NoError(t, err)

	res, err := h.d.HandleToolCall(ctx, Call{Command: "printenv FOO", Env: map[string]string{"FOO": "override"}})
	require.NoError(t, err)
	assert.Equal(t, "override\n", res.Stdout)

	res, err = h.d.HandleToolCall(ctx, Call{Command: "printenv FOO"})
	require.NoError(t, err)
	assert.Equal(t, "bar\n", res.Stdout)

	res, err = h.d.HandleToolCall(ctx, Call{Command: "printenv ONCE", Env: map[string]string{"ONCE": "1"}})
	require.NoError(t, err)
	assert.Equal(t, "1\n", res.Stdout)
	res, err = h.d.HandleToolCall(ctx, Call{Command: "printenv ONCE"})
	require.NoError(t, err)
	assert.Equal(t, "\n", res.Stdout)
}

func TestHandleToolCall_TimeoutReleasesSession(t *testing.T) {
	h := newHarness(t, func(_ *security.FilterConfig, _ *pool.Config, c *Config) {
		c.CommandTimeout = 20 * time.Millisecond
	})
	ctx := context.Background()

	_, err := h.d.HandleToolCall(ctx, Call{Command: "sleep 10", Session: "s"})
	var terr *gwerrors.TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.True(t, gwerrors.IsToolError(err))

	done := make(chan error, 1)
	go func() {
		_, err := h.d.HandleToolCall(ctx, Call{Command: "echo next", Session: "s"})
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session lock was not released after timeout")
	}
}

func TestHandleToolCall_RemoteReusesConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.d.HandleToolCall(ctx, Call{Command: "echo hi", Target: remoteParams})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.dialer.Dials())
	assert.Equal(t, 0, h.local.Calls(), "remote calls never touch the local executor")
	assert.Equal(t, pool.Stats{Live: 1, Idle: 1}, h.pool.Stats())
}

func TestHandleToolCall_LocalNeverTouchesPool(t *testing.T) {
	h := newHarness(t)
	_, err := h.d.HandleToolCall(context.Background(), Call{Command: "echo hi"})
	require.NoError(t, err)
	assert.Equal(t, 0, h.dialer.Dials())
	assert.Equal(t, pool.Stats{}, h.pool.Stats())
}

func TestHandleToolCall_ConnectionFailureDiscardsHandle(t *testing.T) {
	h := newHarness(t)
	h.remote.fail = &gwerrors.ConnectionError{Target: "ci@build", Op: "run"}
	ctx := context.Background()

	_, err := h.d.HandleToolCall(ctx, Call{Command: "fail", Target: remoteParams})
	assert.Equal(t, gwerrors.TypeConnection, gwerrors.TypeOf(err))
	assert.Equal(t, pool.Stats{}, h.pool.Stats(), "broken handle is not pooled")

	_, err = h.d.HandleToolCall(ctx, Call{Command: "echo ok", Target: remoteParams})
	require.NoError(t, err)
	assert.Equal(t, 2, h.dialer.Dials())
	assert.True(t, h.dialer.conns[0].closed.Load())
	st := h.d.Stats()
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, 1, st.Connections)
}

func TestHandleToolCall_PoolExhausted(t *testing.T) {
	h := newHarness(t, func(_ *security.FilterConfig, p *pool.Config, c *Config) {
		p.MaxConnections = 1
		c.BorrowTimeout = 30 * time.Millisecond
	})
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := h.d.HandleToolCall(ctx, Call{Command: "block", Target: remoteParams})
		first <- err
	}()
	require.Eventually(t, func() bool { return h.pool.Stats().Active == 1 }, time.Second, 5*time.Millisecond)

	other := target.Params{Host: "other.example.com", User: "ci", Password: "pw"}
	_, err := h.d.HandleToolCall(ctx, Call{Command: "echo hi", Target: other})
	var xerr *gwerrors.ResourceExhaustedError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, 1, h.dialer.Dials())

	close(h.remote.block)
	require.NoError(t, <-first)

	_, err = h.d.HandleToolCall(ctx, Call{Command: "echo hi", Target: other})
	require.NoError(t, err, "capacity frees once the handle is returned")
	assert.LessOrEqual(t, h.pool.Stats().Live, 1)
}

func TestHandleToolCall_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		call  Call
		field string
	}{
		{"empty command", Call{Command: "   "}, "command"},
		{"bad env name", Call{Command: "echo", Env: map[string]string{"A-B": "1"}}, "env"},
		{"bad port", Call{Command: "echo", Target: target.Params{Host: "h", User: "u", Port: 70000}}, "port"},
		{"missing user", Call{Command: "echo", Target: target.Params{Host: "h"}}, "username"},
		{"unknown target", Call{Command: "echo", Target: target.Params{Target: "nope"}}, "target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.d.HandleToolCall(ctx, tt.call)
			var verr *gwerrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Equal(t, 0, h.local.Calls())
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.d.HandleToolCall(ctx, Call{Command: "cd /tmp"})
	require.NoError(t, err)
	_, err = h.d.HandleToolCall(ctx, Call{Command: "echo hi", Target: remoteParams})
	require.NoError(t, err)

	st := h.d.Stats()
	assert.Equal(t, 2, st.Sessions)
	assert.Equal(t, 1, st.Connections)
	require.Len(t, st.List, 2)
	cwds := map[string]string{}
	for _, info := range st.List {
		cwds[info.Target] = info.Cwd
	}
	assert.Equal(t, "/tmp", cwds[string(target.LocalIdentity)])

	sessions, conns := h.d.Reset()
	assert.Equal(t, 2, sessions)
	assert.Equal(t, 1, conns)
	assert.Equal(t, 0, h.sessions.Len())
	assert.True(t, h.dialer.conns[0].closed.Load())

	res, err := h.d.HandleToolCall(ctx, Call{Command: "pwd"})
	require.NoError(t, err)
	assert.Equal(t, "\n", res.Stdout)
}

func TestEvictionRetiresConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.d.HandleToolCall(ctx, Call{Command: "echo hi", Target: remoteParams})
	require.NoError(t, err)
	require.Equal(t, 1, h.pool.Stats().Idle)

	assert.Equal(t, 1, h.sessions.Sweep(time.Now().Add(time.Hour)))
	assert.True(t, h.dialer.conns[0].closed.Load())
	assert.Equal(t, pool.Stats{}, h.pool.Stats())
}

func TestHandleToolCall_ConcurrentSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "s" + string(rune('a'+i))
			_, err := h.d.HandleToolCall(ctx, Call{Command: "cd /" + name, Session: name})
			assert.NoError(t, err)
			res, err := h.d.HandleToolCall(ctx, Call{Command: "pwd", Session: name})
			if assert.NoError(t, err) {
				assert.Equal(t, "/"+name+"\n", res.Stdout)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, h.sessions.Len())
}
