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

// Package transport carries JSON-RPC envelopes between clients and a
// server.Router over stdio or HTTP.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tombee/shellgate/internal/log"
)

// Handler processes one encoded envelope and returns the encoded response,
// or nil when nothing should be written back.
type Handler interface {
	Handle(ctx context.Context, raw []byte, remoteAddr string) []byte
}

// Stdio serves newline-delimited envelopes from a single reader. Requests
// are handled one at a time; each response is written before the next line
// is read.
type Stdio struct {
	handler Handler
	in      io.Reader
	out     io.Writer
	logger  *slog.Logger
}

// NewStdio creates a stdio binding.
func NewStdio(h Handler, in io.Reader, out io.Writer, logger *slog.Logger) *Stdio {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stdio{
		handler: h,
		in:      in,
		out:     out,
		logger:  log.WithComponent(logger, "stdio"),
	}
}

// Serve runs until the input ends or ctx is cancelled. End of input is not
// an error.
func (s *Stdio) Serve(ctx context.Context) error {
	reader := bufio.NewReader(s.in)
	writer := bufio.NewWriter(s.out)

	s.logger.Info("stdio binding ready")
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if werr := s.handleLine(ctx, writer, line); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("stdin closed")
				return nil
			}
			return fmt.Errorf("read stdin: %w", err)
		}
	}
}

func (s *Stdio) handleLine(ctx context.Context, w *bufio.Writer, line []byte) error {
	resp := s.handler.Handle(ctx, line, "stdio")
	if resp == nil {
		return nil
	}
	if _, err := w.Write(resp); err != nil {
		return fmt.Errorf("write stdout: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write stdout: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush stdout: %w", err)
	}
	return nil
}
