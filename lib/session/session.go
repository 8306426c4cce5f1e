/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package session tracks per-host in-memory authentication state:
// failed attempt counters, the forbid fast-path set, and browser UI
// sessions. All of it is process lifetime only; a restart clears it
// while the persistent block rows in storage keep protecting.
package session

import (
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Tracker counts consecutive failed authentication attempts per host.
type Tracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewTracker returns an empty failure tracker.
func NewTracker() *Tracker {
	return &Tracker{counts: make(map[string]int)}
}

// Record increments the host's failure count and returns the new
// total.
func (t *Tracker) Record(host string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[host]++
	return t.counts[host]
}

// Count returns the host's current failure count.
func (t *Tracker) Count(host string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[host]
}

// Reset clears the host's failure count.
func (t *Tracker) Reset(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, host)
}

// ForbidSet is the fast-path membership check for hosts that earned a
// timed block. Membership means "consult the block row before doing
// any credential work".
type ForbidSet struct {
	mu    sync.Mutex
	hosts map[string]struct{}
}

// NewForbidSet returns an empty set.
func NewForbidSet() *ForbidSet {
	return &ForbidSet{hosts: make(map[string]struct{})}
}

// Add inserts a host.
func (f *ForbidSet) Add(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts[host] = struct{}{}
}

// Has reports membership.
func (f *ForbidSet) Has(host string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.hosts[host]
	return ok
}

// Remove drops a host, typically after its block row expired.
func (f *ForbidSet) Remove(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hosts, host)
}

// Session is one logged-in browser UI session.
type Session struct {
	// Username that authenticated
	Username string
	// Token is the random session secret stored in the cookie
	Token string
	// IssuedAt is when the login happened
	IssuedAt time.Time
}

// ErrExpired marks a session whose lifetime has passed. Consumers
// distinguish it from plain rejection to tell the browser why.
var ErrExpired = errors.New("session expired")

// IsExpired reports whether err means the session aged out rather
// than never existed.
func IsExpired(err error) bool {
	return errors.Is(err, ErrExpired)
}

// Monitor holds the active UI sessions, one per client host.
type Monitor struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	ttl      time.Duration
	sessions map[string]Session
}

// NewMonitor returns a session registry enforcing the given lifetime.
func NewMonitor(ttl time.Duration, clock clockwork.Clock) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{
		clock:    clock,
		ttl:      ttl,
		sessions: make(map[string]Session),
	}
}

// Start mints a fresh session for the host, replacing any prior one.
func (m *Monitor) Start(host, username string) Session {
	sess := Session{
		Username: username,
		Token:    uuid.NewString(),
		IssuedAt: m.clock.Now(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[host] = sess
	return sess
}

// Validate checks the presented cookie token against the host's
// active session and returns that session. Expired sessions are
// removed and reported with ErrExpired; everything else that does not
// match is AccessDenied.
func (m *Monitor) Validate(host, token string) (Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[host]
	m.mu.Unlock()
	if !ok {
		return Session{}, trace.AccessDenied("no active session for host")
	}
	if subtle.ConstantTimeCompare([]byte(sess.Token), []byte(token)) != 1 {
		return Session{}, trace.AccessDenied("session credentials do not match")
	}
	if m.clock.Now().After(sess.IssuedAt.Add(m.ttl)) {
		m.Delete(host)
		return Session{}, trace.Wrap(ErrExpired)
	}
	return sess, nil
}

// Delete drops the host's session.
func (m *Monitor) Delete(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, host)
}

// TTL returns the configured session lifetime.
func (m *Monitor) TTL() time.Duration {
	return m.ttl
}
