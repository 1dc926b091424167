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
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tombee/shellgate/internal/pool"
	"github.com/tombee/shellgate/internal/target"
	gwerrors "github.com/tombee/shellgate/pkg/errors"
)

// SSHDialer opens authenticated SSH client connections. It implements
// pool.Dialer.
type SSHDialer struct {
	// KnownHostsFile verifies host keys. Empty disables verification.
	KnownHostsFile string

	// ConnectTimeout bounds the TCP dial and handshake.
	ConnectTimeout time.Duration

	Logger *slog.Logger
}

var _ pool.Dialer = (*SSHDialer)(nil)

// Dial connects and authenticates to d.
func (s *SSHDialer) Dial(ctx context.Context, d target.Descriptor) (pool.Conn, error) {
	if d.IsLocal() {
		return nil, &gwerrors.InternalError{Op: "ssh dial", Cause: errors.New("local target has no SSH connection")}
	}

	config, err := s.clientConfig(d)
	if err != nil {
		return nil, err
	}

	timeout := s.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{}
	netConn, err := dialer.DialContext(dialCtx, "tcp", d.Address())
	if err != nil {
		return nil, &gwerrors.ConnectionError{Target: d.String(), Op: "dial", Cause: err}
	}

	if deadline, ok := dialCtx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	conn, chans, reqs, err := ssh.NewClientConn(netConn, d.Address(), config)
	if err != nil {
		netConn.Close()
		return nil, &gwerrors.ConnectionError{Target: d.String(), Op: "handshake", Cause: err}
	}
	_ = netConn.SetDeadline(time.Time{})

	if s.Logger != nil {
		s.Logger.Debug("ssh connection established", slog.String("target", d.String()))
	}
	return &SSHConn{client: ssh.NewClient(conn, chans, reqs), target: d}, nil
}

func (s *SSHDialer) clientConfig(d target.Descriptor) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod

	if d.Auth.KeyFile != "" {
		key, err := os.ReadFile(d.Auth.KeyFile)
		if err != nil {
			return nil, &gwerrors.ConnectionError{Target: d.String(), Op: "read key", Cause: err}
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, &gwerrors.ConnectionError{Target: d.String(), Op: "parse key", Cause: err}
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if d.Auth.Password != "" {
		password := d.Auth.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, &gwerrors.ValidationError{
			Field:      "password",
			Message:    "remote target has no password or key file",
			Suggestion: "set password or keyFile, or configure ssh.default_key_file",
		}
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if s.KnownHostsFile != "" {
		cb, err := knownhosts.New(s.KnownHostsFile)
		if err != nil {
			return nil, &gwerrors.ConfigError{Key: "ssh.known_hosts_file", Reason: "cannot load known hosts", Cause: err}
		}
		hostKeys = cb
	}

	return &ssh.ClientConfig{
		User:            d.User,
		Auth:            methods,
		HostKeyCallback: hostKeys,
	}, nil
}

// SSHConn is a pooled SSH client connection.
type SSHConn struct {
	client *ssh.Client
	target target.Descriptor
}

var _ pool.Conn = (*SSHConn)(nil)

// Alive sends a keepalive request and reports whether the transport
// answered before ctx was done. A half-open connection never answers, so
// the request is raced against ctx; the caller closes the client, which
// unblocks the request.
func (c *SSHConn) Alive(ctx context.Context) bool {
	done := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()
	select {
	case err := <-done:
		return err == nil
	case <-ctx.Done():
		return false
	}
}

// Close closes the underlying client.
func (c *SSHConn) Close() error {
	return c.client.Close()
}

// Remote runs commands on a borrowed SSH connection.
type Remote struct {
	MaxOutput int
	Logger    *slog.Logger
}

// NewRemote returns a Remote executor with default limits.
func NewRemote(logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{MaxOutput: DefaultMaxOutput, Logger: logger}
}

// Run executes req over conn. Connection-level failures are returned as
// ConnectionError so the caller can discard the connection.
func (r *Remote) Run(ctx context.Context, conn pool.Conn, req Request) (*Result, error) {
	sc, ok := conn.(*SSHConn)
	if !ok {
		return nil, &gwerrors.InternalError{Op: "remote run", Cause: fmt.Errorf("unexpected connection type %T", conn)}
	}

	session, err := sc.client.NewSession()
	if err != nil {
		return nil, &gwerrors.ConnectionError{Target: sc.target.String(), Op: "session", Cause: err}
	}
	defer session.Close()

	m := newMarkers()
	stdout, stderr := newStdoutCapture(r.MaxOutput), newStderrCapture(r.MaxOutput)
	session.Stdout = stdout
	session.Stderr = stderr

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(shellquote.Join(Shell, "-c", buildScript(req, m)))
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.Logger.Debug("remote command timed out", slog.String("target", sc.target.String()))
			return nil, &gwerrors.TimeoutError{Operation: "command", Duration: req.Timeout, Cause: ctx.Err()}
		}
		return nil, ctx.Err()
	}
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return nil, &gwerrors.ConnectionError{Target: sc.target.String(), Op: "run", Cause: err}
		}
		exitCode = exitErr.ExitStatus()
	}

	res, err := finish(req, m, stdout, stderr, exitCode, r.MaxOutput)
	if err != nil {
		return nil, err
	}
	res.Duration = duration
	return res, nil
}
