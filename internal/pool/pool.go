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

// Package pool keeps a bounded set of authenticated remote connections,
// keyed by target identity, and lends them to one command at a time.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/shellgate/internal/metrics"
	"github.com/tombee/shellgate/internal/target"
	gwerrors "github.com/tombee/shellgate/pkg/errors"
)

// ErrClosed is returned by Borrow after Close.
var ErrClosed = errors.New("connection pool closed")

// Conn is an authenticated connection to a remote target.
type Conn interface {
	// Alive performs a cheap liveness check. It must give up and report
	// false once ctx is done.
	Alive(ctx context.Context) bool
	Close() error
}

// Dialer opens authenticated connections.
type Dialer interface {
	Dial(ctx context.Context, d target.Descriptor) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, d target.Descriptor) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, d target.Descriptor) (Conn, error) {
	return f(ctx, d)
}

// State is the lifecycle state of a handle.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
	StateClosed State = "closed"
)

// Handle is a pooled connection. It is owned by the pool and lent to at
// most one caller at a time.
type Handle struct {
	id       uint64
	target   target.Descriptor
	identity target.Identity
	conn     Conn
	openedAt time.Time

	// guarded by Pool.mu
	state      State
	lastUsed   time.Time
	retire     bool
	generation uint64
}

// ID returns the pool-unique handle id.
func (h *Handle) ID() uint64 { return h.id }

// Conn returns the underlying connection.
func (h *Handle) Conn() Conn { return h.conn }

// Target returns the descriptor the handle was opened for.
func (h *Handle) Target() target.Descriptor { return h.target }

// Identity returns the target identity of the handle.
func (h *Handle) Identity() target.Identity { return h.identity }

// OpenedAt returns when the connection was established.
func (h *Handle) OpenedAt() time.Time { return h.openedAt }

// Config bounds the pool.
type Config struct {
	// MaxConnections caps live handles across all targets.
	MaxConnections int

	// MaxPerTarget caps live handles per target identity. Zero means only
	// the global cap applies.
	MaxPerTarget int

	// IdleTimeout closes handles idle longer than this during Sweep. Zero
	// disables idle expiry.
	IdleTimeout time.Duration

	// BorrowTimeout is the wait budget used when Borrow is given none.
	BorrowTimeout time.Duration
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Live   int `json:"live"`
	Idle   int `json:"idle"`
	Active int `json:"active"`
}

// Pool lends connections. All methods are safe for concurrent use.
type Pool struct {
	dialer Dialer
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	idle       map[target.Identity][]*Handle
	perTarget  map[target.Identity]int
	live       int
	active     int
	nextID     uint64
	generation uint64
	changed    chan struct{}
	closed     bool
}

// New creates a pool over dialer.
func New(dialer Dialer, cfg Config, logger *slog.Logger) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.BorrowTimeout <= 0 {
		cfg.BorrowTimeout = 30 * time.Second
	}
	return &Pool{
		dialer:    dialer,
		cfg:       cfg,
		logger:    logger.With("component", "pool"),
		now:       time.Now,
		idle:      make(map[target.Identity][]*Handle),
		perTarget: make(map[target.Identity]int),
		changed:   make(chan struct{}),
	}
}

// Borrow returns a handle for d. It reuses an idle handle when one exists
// (preferring preferred), opens a new one when under the caps, and
// otherwise waits up to timeout for capacity. A zero timeout uses the
// configured borrow timeout. Liveness checks of idle handles count
// against the same budget.
func (p *Pool) Borrow(ctx context.Context, d target.Descriptor, timeout time.Duration, preferred *Handle) (*Handle, error) {
	if timeout <= 0 {
		timeout = p.cfg.BorrowTimeout
	}
	id := d.Identity()
	start := p.now()
	budget, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, &gwerrors.ConnectionError{Target: d.String(), Op: "borrow", Cause: ErrClosed}
		}

		if h := p.takeIdleLocked(id, preferred); h != nil {
			p.mu.Unlock()
			if !h.conn.Alive(budget) {
				p.logger.Debug("discarding dead idle connection", "target", d.String(), "handle", h.id)
				p.detach(h)
				p.destroy(h)
				if budget.Err() != nil {
					return nil, borrowExpired(ctx, timeout)
				}
				continue
			}
			metrics.ObservePoolWait(p.now().Sub(start).Seconds(), false)
			return h, nil
		}

		if p.hasCapacityLocked(id) {
			p.live++
			p.perTarget[id]++
			p.nextID++
			handleID := p.nextID
			p.mu.Unlock()
			metrics.ObservePoolWait(p.now().Sub(start).Seconds(), false)
			return p.open(ctx, d, id, handleID)
		}

		if victim := p.evictableLocked(id); victim != nil {
			p.removeIdleLocked(victim)
			victim.state = StateClosed
			p.mu.Unlock()
			p.logger.Debug("evicting idle connection for another target", "victim", victim.target.String(), "target", d.String())
			p.destroy(victim)
			continue
		}

		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-budget.Done():
			return nil, borrowExpired(ctx, timeout)
		}
	}
}

// borrowExpired reports why a borrow's budget ran out: the caller's
// context, or the wait timeout.
func borrowExpired(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	metrics.ObservePoolWait(timeout.Seconds(), true)
	return &gwerrors.ResourceExhaustedError{Resource: "connection pool", Waited: timeout}
}

// open dials with a reserved slot. The slot is released on failure.
func (p *Pool) open(ctx context.Context, d target.Descriptor, id target.Identity, handleID uint64) (*Handle, error) {
	conn, err := p.dialer.Dial(ctx, d)
	if err != nil {
		p.mu.Lock()
		p.releaseSlotLocked(id)
		p.mu.Unlock()
		if gwerrors.TypeOf(err) == gwerrors.TypeInternal {
			err = &gwerrors.ConnectionError{Target: d.String(), Op: "dial", Cause: err}
		}
		return nil, err
	}

	now := p.now()
	h := &Handle{
		id:       handleID,
		target:   d,
		identity: id,
		conn:     conn,
		openedAt: now,
		state:    StateActive,
		lastUsed: now,
	}

	p.mu.Lock()
	if p.closed {
		h.state = StateClosed
		p.mu.Unlock()
		p.destroy(h)
		return nil, &gwerrors.ConnectionError{Target: d.String(), Op: "borrow", Cause: ErrClosed}
	}
	h.generation = p.generation
	p.active++
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.logger.Debug("opened connection", "target", d.String(), "handle", h.id)
	return h, nil
}

// Return gives a borrowed handle back. Unhealthy handles are closed and
// their slot freed instead of being pooled.
func (p *Pool) Return(h *Handle, healthy bool) {
	if h == nil {
		return
	}

	p.mu.Lock()
	if h.state != StateActive {
		p.mu.Unlock()
		return
	}
	p.active--
	if !healthy || p.closed || h.retire || h.generation != p.generation {
		h.state = StateClosed
		p.mu.Unlock()
		p.destroy(h)
		return
	}
	h.state = StateIdle
	h.lastUsed = p.now()
	p.idle[h.identity] = append(p.idle[h.identity], h)
	p.broadcastLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// Retire marks h for closure instead of reuse. An idle handle is closed
// now; an active one is closed when returned.
func (p *Pool) Retire(h *Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	switch h.state {
	case StateIdle:
		p.removeIdleLocked(h)
		h.state = StateClosed
		p.mu.Unlock()
		p.destroy(h)
	case StateActive:
		h.retire = true
		p.mu.Unlock()
	default:
		p.mu.Unlock()
	}
}

// Drain closes every idle handle and marks active ones to close on return.
// It returns the number of handles closed immediately.
func (p *Pool) Drain() int {
	p.mu.Lock()
	p.generation++
	victims := p.detachIdleLocked(func(*Handle) bool { return true })
	p.mu.Unlock()

	for _, h := range victims {
		p.destroy(h)
	}
	return len(victims)
}

// Sweep closes handles idle longer than the idle timeout.
func (p *Pool) Sweep(now time.Time) int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}

	p.mu.Lock()
	victims := p.detachIdleLocked(func(h *Handle) bool {
		return now.Sub(h.lastUsed) > p.cfg.IdleTimeout
	})
	p.mu.Unlock()

	for _, h := range victims {
		p.destroy(h)
	}
	if len(victims) > 0 {
		p.logger.Debug("closed idle connections", "count", len(victims))
	}
	return len(victims)
}

// Run sweeps idle handles every interval until ctx is done.
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.Sweep(now)
		}
	}
}

// Close stops lending, closes idle handles and wakes all waiters. Active
// handles close when returned.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.broadcastLocked()
	p.mu.Unlock()

	p.Drain()
}

// Stats returns the current counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Live: p.live, Idle: p.idleCountLocked(), Active: p.active}
}

func (p *Pool) hasCapacityLocked(id target.Identity) bool {
	if p.live >= p.cfg.MaxConnections {
		return false
	}
	return p.cfg.MaxPerTarget == 0 || p.perTarget[id] < p.cfg.MaxPerTarget
}

// evictableLocked returns the least recently used idle handle of another
// target when only the global cap stands in the way.
func (p *Pool) evictableLocked(id target.Identity) *Handle {
	if p.cfg.MaxPerTarget > 0 && p.perTarget[id] >= p.cfg.MaxPerTarget {
		return nil
	}
	var victim *Handle
	for other, handles := range p.idle {
		if other == id {
			continue
		}
		for _, h := range handles {
			if victim == nil || h.lastUsed.Before(victim.lastUsed) {
				victim = h
			}
		}
	}
	return victim
}

func (p *Pool) takeIdleLocked(id target.Identity, preferred *Handle) *Handle {
	handles := p.idle[id]
	if len(handles) == 0 {
		return nil
	}

	idx := len(handles) - 1
	if preferred != nil {
		for i, h := range handles {
			if h == preferred {
				idx = i
				break
			}
		}
	}

	h := handles[idx]
	p.removeIdleLocked(h)
	h.state = StateActive
	p.active++
	p.updateGaugesLocked()
	return h
}

func (p *Pool) removeIdleLocked(h *Handle) {
	handles := p.idle[h.identity]
	for i, candidate := range handles {
		if candidate == h {
			handles = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(handles) == 0 {
		delete(p.idle, h.identity)
	} else {
		p.idle[h.identity] = handles
	}
}

func (p *Pool) detachIdleLocked(match func(*Handle) bool) []*Handle {
	var victims []*Handle
	for _, handles := range p.idle {
		for _, h := range handles {
			if match(h) {
				victims = append(victims, h)
			}
		}
	}
	for _, h := range victims {
		p.removeIdleLocked(h)
		h.state = StateClosed
	}
	return victims
}

// detach takes an active handle out of circulation ahead of destroy.
func (p *Pool) detach(h *Handle) {
	p.mu.Lock()
	if h.state == StateActive {
		p.active--
	}
	h.state = StateClosed
	p.mu.Unlock()
}

// destroy closes a detached handle and then frees its slot, so the live
// count never undercounts open connections.
func (p *Pool) destroy(h *Handle) {
	if err := h.conn.Close(); err != nil {
		p.logger.Debug("closing connection", "target", h.target.String(), "error", err)
	}
	p.mu.Lock()
	p.releaseSlotLocked(h.identity)
	p.mu.Unlock()
}

func (p *Pool) releaseSlotLocked(id target.Identity) {
	p.live--
	if p.perTarget[id] <= 1 {
		delete(p.perTarget, id)
	} else {
		p.perTarget[id]--
	}
	p.broadcastLocked()
	p.updateGaugesLocked()
}

func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) idleCountLocked() int {
	n := 0
	for _, handles := range p.idle {
		n += len(handles)
	}
	return n
}

func (p *Pool) updateGaugesLocked() {
	metrics.SetPoolConnections(p.idleCountLocked(), p.active)
}
