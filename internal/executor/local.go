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
	"log/slog"
	"os/exec"
	"time"

	gwerrors "github.com/tombee/shellgate/pkg/errors"
)

// Shell is the interpreter used for every command.
const Shell = "/bin/sh"

// Local runs commands as child processes of the gateway.
type Local struct {
	// Shell overrides the interpreter path. Empty means /bin/sh.
	Shell string

	// MaxOutput caps each output stream in bytes.
	MaxOutput int

	// KillGrace is how long to wait for pipes to drain after the process
	// group is killed.
	KillGrace time.Duration

	Logger *slog.Logger
}

// NewLocal returns a Local executor with default limits.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		Shell:     Shell,
		MaxOutput: DefaultMaxOutput,
		KillGrace: 2 * time.Second,
		Logger:    logger,
	}
}

// Run executes req and waits for it. A non-zero exit status is a normal
// Result; only a failure to spawn or a timeout is returned as an error.
func (l *Local) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	shell := l.Shell
	if shell == "" {
		shell = Shell
	}

	m := newMarkers()
	cmd := exec.CommandContext(ctx, shell, "-c", buildScript(req, m))
	setProcessGroup(cmd)
	cmd.WaitDelay = l.KillGrace

	stdout, stderr := newStdoutCapture(l.MaxOutput), newStderrCapture(l.MaxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			l.Logger.Debug("local command timed out", slog.Duration("timeout", req.Timeout))
			return nil, &gwerrors.TimeoutError{Operation: "command", Duration: req.Timeout, Cause: ctxErr}
		}
		return nil, ctxErr
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, &gwerrors.InternalError{Op: "spawn shell", Cause: err}
		}
		exitCode = exitErr.ExitCode()
	}

	res, err := finish(req, m, stdout, stderr, exitCode, l.MaxOutput)
	if err != nil {
		return nil, err
	}
	res.Duration = duration
	return res, nil
}
