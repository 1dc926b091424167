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

package executor

import (
	"context"
	"errors"
	"io"
	"net"
	"os/exec"
	"strconv"
	"testing"
	"time"

	gliderssh "github.com/gliderlabs/ssh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"

	"github.com/tombee/shellgate/internal/log"
	"github.com/tombee/shellgate/internal/target"
	gwerrors "github.com/tombee/shellgate/pkg/errors"
)

const testPassword = "s3cret"

// startSSHServer runs an in-process SSH server that executes each session's
// command with /bin/sh.
func startSSHServer(t *testing.T) target.Descriptor {
	t.Helper()
	return startSSHServerWith(t, nil)
}

// startSSHServerWith lets a test adjust the server before it starts.
func startSSHServerWith(t *testing.T, configure func(*gliderssh.Server)) target.Descriptor {
	t.Helper()
	newTestLocal(t)

	srv := &gliderssh.Server{
		Handler: func(s gliderssh.Session) {
			cmd := exec.Command("/bin/sh", "-c", s.RawCommand())
			cmd.Stdout = s
			cmd.Stderr = s.Stderr()
			code := 0
			if err := cmd.Run(); err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					code = exitErr.ExitCode()
				} else {
					_, _ = io.WriteString(s.Stderr(), err.Error())
					code = 255
				}
			}
			_ = s.Exit(code)
		},
		PasswordHandler: func(_ gliderssh.Context, password string) bool {
			return password == testPassword
		},
	}

	if configure != nil {
		configure(srv)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	return target.Descriptor{
		Kind: target.KindRemote,
		Host: "127.0.0.1",
		Port: addr.Port,
		User: "tester",
		Auth: target.Auth{Password: testPassword},
	}
}

func dialTest(t *testing.T, d target.Descriptor) *SSHConn {
	t.Helper()
	dialer := &SSHDialer{ConnectTimeout: 5 * time.Second, Logger: log.Discard()}
	conn, err := dialer.Dial(context.Background(), d)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn.(*SSHConn)
}

func TestRemote_Echo(t *testing.T) {
	d := startSSHServer(t)
	conn := dialTest(t, d)
	assert.True(t, conn.Alive(context.Background()))

	r := NewRemote(log.Discard())
	res, err := r.Run(context.Background(), conn, Request{Command: "echo hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRemote_ExitCodeAndDelta(t *testing.T) {
	d := startSSHServer(t)
	conn := dialTest(t, d)
	r := NewRemote(log.Discard())

	res, err := r.Run(context.Background(), conn, Request{Command: "export REMOTE_VAR=" + strconv.Itoa(42) + "; exit 4"})
	require.NoError(t, err)
	assert.Equal(t, 4, res.ExitCode)
	assert.True(t, res.Delta.Empty(), "exit skips the trailing snapshot")

	res, err = r.Run(context.Background(), conn, Request{Command: "export REMOTE_VAR=42"})
	require.NoError(t, err)
	assert.Equal(t, "42", res.Delta.Set["REMOTE_VAR"])
}

func TestRemote_ConnectionReusedAcrossRuns(t *testing.T) {
	d := startSSHServer(t)
	conn := dialTest(t, d)
	r := NewRemote(log.Discard())

	for i := 0; i < 3; i++ {
		res, err := r.Run(context.Background(), conn, Request{Command: "echo " + strconv.Itoa(i)})
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(i)+"\n", res.Stdout)
	}
}

func TestRemote_OutputIsCapped(t *testing.T) {
	d := startSSHServer(t)
	conn := dialTest(t, d)
	r := NewRemote(log.Discard())
	r.MaxOutput = 1024

	res, err := r.Run(context.Background(), conn, Request{
		Command: "export FLOOD_DONE=yes; head -c 2000000 /dev/zero | tr '\\000' c",
	})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, 1024+len(truncatedMarker), len(res.Stdout))
	assert.Equal(t, "yes", res.Delta.Set["FLOOD_DONE"])
}

func TestSSHConn_AliveGivesUpOnSilentPeer(t *testing.T) {
	release := make(chan struct{})
	d := startSSHServerWith(t, func(srv *gliderssh.Server) {
		srv.RequestHandlers = map[string]gliderssh.RequestHandler{
			"keepalive@openssh.com": func(gliderssh.Context, *gliderssh.Server, *gossh.Request) (bool, []byte) {
				<-release
				return true, nil
			},
		}
	})
	t.Cleanup(func() { close(release) })
	conn := dialTest(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	assert.False(t, conn.Alive(ctx))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSSHDialer_BadPassword(t *testing.T) {
	d := startSSHServer(t)
	d.Auth.Password = "wrong"

	dialer := &SSHDialer{ConnectTimeout: 5 * time.Second}
	_, err := dialer.Dial(context.Background(), d)

	var cerr *gwerrors.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "handshake", cerr.Op)
}

func TestSSHDialer_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	dialer := &SSHDialer{ConnectTimeout: time.Second}
	_, err = dialer.Dial(context.Background(), target.Descriptor{
		Kind: target.KindRemote, Host: "127.0.0.1", Port: port, User: "u",
		Auth: target.Auth{Password: "p"},
	})
	assert.Equal(t, gwerrors.TypeConnection, gwerrors.TypeOf(err))
}

func TestSSHDialer_NoCredentials(t *testing.T) {
	dialer := &SSHDialer{}
	_, err := dialer.Dial(context.Background(), target.Descriptor{
		Kind: target.KindRemote, Host: "127.0.0.1", Port: 22, User: "u",
	})
	assert.Equal(t, gwerrors.TypeValidation, gwerrors.TypeOf(err))
}

func TestRemote_RejectsForeignConn(t *testing.T) {
	r := NewRemote(log.Discard())
	_, err := r.Run(context.Background(), fakeConn{}, Request{Command: "true"})
	assert.Equal(t, gwerrors.TypeInternal, gwerrors.TypeOf(err))
}

type fakeConn struct{}

func (fakeConn) Alive(context.Context) bool { return true }
func (fakeConn) Close() error               { return nil }
