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

import "sync"

// snapshotReserve is the room kept for the pwd/env snapshots on top of
// the output cap. The pre snapshot sits in the head and the post snapshot
// in the tail window.
const snapshotReserve = 256 * 1024

// capture is an io.Writer that holds the first headMax bytes of a stream
// and its most recent tailMax to 2*tailMax bytes. Everything between is
// discarded and counted, so memory stays bounded however much a command
// prints.
type capture struct {
	mu      sync.Mutex
	head    []byte
	headMax int
	tail    []byte
	tailMax int
	dropped int64
}

func newCapture(headMax, tailMax int) *capture {
	return &capture{headMax: headMax, tailMax: tailMax}
}

// newStdoutCapture keeps the pre snapshot plus maxOutput bytes at the
// front and enough of the end to find the post snapshot.
func newStdoutCapture(maxOutput int) *capture {
	return newCapture(outputLimit(maxOutput)+snapshotReserve, snapshotReserve)
}

func newStderrCapture(maxOutput int) *capture {
	return newCapture(outputLimit(maxOutput), 0)
}

// Write never fails and always reports len(p), so the copying goroutine
// never sees io.ErrShortWrite.
func (c *capture) Write(p []byte) (int, error) {
	n := len(p)
	c.mu.Lock()
	defer c.mu.Unlock()

	if room := c.headMax - len(c.head); room > 0 {
		take := min(room, len(p))
		c.head = append(c.head, p[:take]...)
		p = p[take:]
	}
	if len(p) == 0 {
		return n, nil
	}
	if c.tailMax <= 0 {
		c.dropped += int64(len(p))
		return n, nil
	}

	if len(p) >= c.tailMax {
		c.dropped += int64(len(c.tail) + len(p) - c.tailMax)
		c.tail = append(c.tail[:0], p[len(p)-c.tailMax:]...)
		return n, nil
	}
	c.tail = append(c.tail, p...)
	// Compact once the window has doubled; the backing array never
	// exceeds 2*tailMax.
	if len(c.tail) > 2*c.tailMax {
		cut := len(c.tail) - c.tailMax
		c.dropped += int64(cut)
		c.tail = append(c.tail[:0], c.tail[cut:]...)
	}
	return n, nil
}

// String returns the kept bytes. When nothing was dropped this is the
// whole stream.
func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.head) + string(c.tail)
}

// Dropped is the number of bytes discarded from the middle of the stream.
func (c *capture) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func outputLimit(maxOutput int) int {
	if maxOutput <= 0 {
		return DefaultMaxOutput
	}
	return maxOutput
}
