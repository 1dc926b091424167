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

package transport

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// streamBuffer is how many pushed messages a slow SSE client may lag by
// before further pushes are dropped.
const streamBuffer = 16

type stream struct {
	id       string
	messages chan []byte
}

// hub tracks open SSE streams so POST responses can be mirrored onto them.
type hub struct {
	mu      sync.Mutex
	streams map[string]*stream
	closed  chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		streams: make(map[string]*stream),
		closed:  make(chan struct{}),
		logger:  logger,
	}
}

func (h *hub) open() *stream {
	s := &stream{id: uuid.NewString(), messages: make(chan []byte, streamBuffer)}
	h.mu.Lock()
	h.streams[s.id] = s
	h.mu.Unlock()
	return s
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	delete(h.streams, id)
	h.mu.Unlock()
}

// push queues msg on the stream named id. It reports false when no such
// stream is open or the stream is backed up.
func (h *hub) push(id string, msg []byte) bool {
	h.mu.Lock()
	s, ok := h.streams[id]
	h.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case s.messages <- msg:
		return true
	default:
		h.logger.Warn("sse stream backed up, dropping message", "connection_id", id)
		return false
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// close ends every open stream.
func (h *hub) close() {
	h.once.Do(func() { close(h.closed) })
}

// serveStream holds an SSE connection open until the client goes away or
// the hub closes.
func (h *hub) serveStream(w http.ResponseWriter, r *http.Request, endpoint string, heartbeat time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s := h.open()
	defer h.remove(s.id)
	h.logger.Debug("sse stream opened", "connection_id", s.id, "remote", r.RemoteAddr)

	writeEvent(w, "connected", []byte(fmt.Sprintf(`{"connectionId":%q}`, s.id)))
	writeEvent(w, "endpoint", []byte(endpoint+"?sessionId="+s.id))
	flusher.Flush()

	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("sse stream closed by client", "connection_id", s.id)
			return
		case <-h.closed:
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg := <-s.messages:
			if err := writeEvent(w, "message", msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
