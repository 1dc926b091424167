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

// Package session keeps per-client shell state between tool calls.
//
// A session is keyed by the pair of client-chosen name and target identity,
// so the same name on two targets yields two independent sessions. Calls on
// one key are serialized; calls on different keys run in parallel.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tombee/shellgate/internal/executor"
	"github.com/tombee/shellgate/internal/metrics"
	"github.com/tombee/shellgate/internal/pool"
	"github.com/tombee/shellgate/internal/target"
)

// DefaultName is used when a call does not name a session.
const DefaultName = "default"

// Key identifies a session.
type Key struct {
	Name   string
	Target target.Identity
}

// Session is the state carried between calls on one key. Its fields may
// only be touched between Acquire and Release.
type Session struct {
	Key          Key
	Target       target.Descriptor
	Cwd          string
	Env          map[string]string
	CreatedAt    time.Time
	LastActivity time.Time

	// ConnRef is the pooled connection this session last used. The pool
	// prefers it on the next borrow.
	ConnRef *pool.Handle

	entry *entry
}

// Apply folds a command's state changes into the session.
func (s *Session) Apply(d executor.Delta) {
	if d.Cwd != "" {
		s.Cwd = d.Cwd
	}
	if s.Env == nil && len(d.Set) > 0 {
		s.Env = make(map[string]string, len(d.Set))
	}
	for k, v := range d.Set {
		s.Env[k] = v
	}
	for _, k := range d.Unset {
		delete(s.Env, k)
	}
}

// EnvWith returns the session environment overlaid with overrides. Neither
// input is modified.
func (s *Session) EnvWith(overrides map[string]string) map[string]string {
	env := make(map[string]string, len(s.Env)+len(overrides))
	for k, v := range s.Env {
		env[k] = v
	}
	for k, v := range overrides {
		env[k] = v
	}
	return env
}

type entry struct {
	lock    chan struct{}
	session *Session

	// dead is guarded by Store.mu.
	dead bool
}

// EvictFunc is called once for every session that leaves the store.
type EvictFunc func(s *Session, reason string)

// Info is a read-only view of a session for listing.
type Info struct {
	Name         string    `json:"name"`
	Target       string    `json:"target"`
	Cwd          string    `json:"cwd,omitempty"`
	EnvKeys      []string  `json:"envKeys,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	Busy         bool      `json:"busy"`
}

// Store holds live sessions.
type Store struct {
	mu          sync.Mutex
	entries     map[Key]*entry
	idleTimeout time.Duration
	onEvict     EvictFunc
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithEvictHook registers fn to run when a session is evicted or reset.
func WithEvictHook(fn EvictFunc) Option {
	return func(s *Store) { s.onEvict = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store that evicts sessions idle for longer than
// idleTimeout. A zero timeout disables idle eviction.
func NewStore(idleTimeout time.Duration, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		entries:     make(map[Key]*entry),
		idleTimeout: idleTimeout,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire returns the session for key with exclusive access, creating it
// from desc if needed. It blocks while another call holds the session.
func (s *Store) Acquire(ctx context.Context, key Key, desc target.Descriptor) (*Session, error) {
	for {
		e := s.getOrCreate(key, desc)

		select {
		case e.lock <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		s.mu.Lock()
		dead := e.dead
		s.mu.Unlock()
		if dead {
			// Reset or evicted while we waited; hand over and start fresh.
			<-e.lock
			continue
		}
		return e.session, nil
	}
}

func (s *Store) getOrCreate(key Key, desc target.Descriptor) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		return e
	}

	now := s.now()
	e := &entry{lock: make(chan struct{}, 1)}
	e.session = &Session{
		Key:          key,
		Target:       desc,
		Env:          make(map[string]string),
		CreatedAt:    now,
		LastActivity: now,
		entry:        e,
	}
	s.entries[key] = e
	metrics.SetSessions(len(s.entries))
	s.logger.Debug("session created",
		slog.String("session", key.Name),
		slog.String("target", desc.String()))
	return e
}

// Release returns exclusive access. The session must have come from Acquire.
func (s *Store) Release(sess *Session) {
	e := sess.entry
	sess.LastActivity = s.now()

	s.mu.Lock()
	dead := e.dead
	<-e.lock
	s.mu.Unlock()

	if dead {
		s.evicted(sess, "reset")
	}
}

// Sweep evicts sessions idle longer than the timeout. Sessions in use are
// skipped. It returns the number evicted.
func (s *Store) Sweep(now time.Time) int {
	if s.idleTimeout <= 0 {
		return 0
	}

	var victims []*Session

	s.mu.Lock()
	for key, e := range s.entries {
		select {
		case e.lock <- struct{}{}:
		default:
			continue
		}
		if now.Sub(e.session.LastActivity) > s.idleTimeout {
			e.dead = true
			delete(s.entries, key)
			victims = append(victims, e.session)
		}
		<-e.lock
	}
	metrics.SetSessions(len(s.entries))
	s.mu.Unlock()

	for _, sess := range victims {
		s.evicted(sess, "idle")
	}
	return len(victims)
}

// Reset drops every session. Sessions held by an in-flight call are
// evicted when that call releases them.
func (s *Store) Reset() int {
	var idle []*Session

	s.mu.Lock()
	n := len(s.entries)
	for key, e := range s.entries {
		e.dead = true
		delete(s.entries, key)
		select {
		case e.lock <- struct{}{}:
			idle = append(idle, e.session)
			<-e.lock
		default:
		}
	}
	metrics.SetSessions(0)
	s.mu.Unlock()

	for _, sess := range idle {
		s.evicted(sess, "reset")
	}
	s.logger.Info("sessions reset", slog.Int("count", n))
	return n
}

func (s *Store) evicted(sess *Session, reason string) {
	metrics.RecordEviction(reason, 1)
	s.logger.Debug("session evicted",
		slog.String("session", sess.Key.Name),
		slog.String("target", sess.Target.String()),
		slog.String("reason", reason))
	if s.onEvict != nil {
		s.onEvict(sess, reason)
	}
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// List returns a snapshot of live sessions sorted by name then target.
// Busy sessions report only their key.
func (s *Store) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]Info, 0, len(s.entries))
	for key, e := range s.entries {
		info := Info{Name: key.Name, Target: e.session.Target.String()}
		select {
		case e.lock <- struct{}{}:
			sess := e.session
			info.Cwd = sess.Cwd
			info.CreatedAt = sess.CreatedAt
			info.LastActivity = sess.LastActivity
			for k := range sess.Env {
				info.EnvKeys = append(info.EnvKeys, k)
			}
			sort.Strings(info.EnvKeys)
			<-e.lock
		default:
			info.Busy = true
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].Target < infos[j].Target
	})
	return infos
}

// Run sweeps idle sessions every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if s.idleTimeout <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("session sweep stopped", "reason", ctx.Err())
			return
		case now := <-ticker.C:
			if n := s.Sweep(now); n > 0 {
				s.logger.Info("evicted idle sessions", "count", n, "idle_timeout", s.idleTimeout)
			}
		}
	}
}
