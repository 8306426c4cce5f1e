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

// Package limiter enforces fixed-window request limits per client
// identifier. Identifiers are opaque; the web layer keys them as
// "host:path" so every route gets an independent budget per caller.
package limiter

import (
	"math"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// collectThreshold bounds how many idle windows accumulate before a
// register pass sweeps the stale ones out.
const collectThreshold = 1024

// Limit is one fixed-window rule.
type Limit struct {
	// MaxRequests allowed inside one window
	MaxRequests int
	// Window is the fixed window length
	Window time.Duration
}

type window struct {
	start time.Time
	count int
}

// Limiter tracks request windows for many identifiers under a single
// Limit. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	limit   Limit
	windows map[string]*window
}

// New returns a limiter for the given rule.
func New(limit Limit, clock clockwork.Clock) (*Limiter, error) {
	if limit.MaxRequests < 1 {
		return nil, trace.BadParameter("max requests must be positive, got %d", limit.MaxRequests)
	}
	if limit.Window <= 0 {
		return nil, trace.BadParameter("window must be positive, got %v", limit.Window)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{
		clock:   clock,
		limit:   limit,
		windows: make(map[string]*window),
	}, nil
}

// Register counts one request against the identifier. Returns
// LimitExceeded when the identifier has used up the current window.
// The window starts at the first request and resets only once the
// full length has passed; it does not slide.
func (l *Limiter) Register(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	w, ok := l.windows[id]
	if !ok || now.Sub(w.start) > l.limit.Window {
		if len(l.windows) > collectThreshold {
			l.collect(now)
		}
		l.windows[id] = &window{start: now, count: 1}
		return nil
	}
	if w.count >= l.limit.MaxRequests {
		return trace.LimitExceeded("rate limit of %d requests per %v exceeded",
			l.limit.MaxRequests, l.limit.Window)
	}
	w.count++
	return nil
}

// RetryAfterSeconds is the value the web layer writes into the
// Retry-After header when this limiter rejects a request.
func (l *Limiter) RetryAfterSeconds() int {
	return int(math.Ceil(l.limit.Window.Seconds()))
}

// collect drops windows that ended long enough ago that they cannot
// influence any future decision. Caller holds the lock.
func (l *Limiter) collect(now time.Time) {
	for id, w := range l.windows {
		if now.Sub(w.start) > 2*l.limit.Window {
			delete(l.windows, id)
		}
	}
}
