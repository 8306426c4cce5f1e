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

// Package auth implements the agent's two credential gates. Level one
// checks the bearer token; level two stacks the secondary secret and
// a one-time code on top. Failed attempts climb a per-host ladder of
// timed blocks persisted in storage so they survive restarts.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/ninja"
	"github.com/gravitational/ninja/lib/defaults"
	"github.com/gravitational/ninja/lib/httplib"
	"github.com/gravitational/ninja/lib/session"
	"github.com/gravitational/ninja/lib/storage"
	"github.com/gravitational/ninja/lib/utils"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// Verifier consumes one-time codes for level-2 requests. Implemented
// by the mfa controller.
type Verifier interface {
	// Verify reports whether code is the outstanding one-time code,
	// consuming it when it is.
	Verify(ctx context.Context, code string) (bool, error)
}

// Config holds gate construction parameters.
type Config struct {
	// APIKey is the level-1 bearer token
	APIKey string
	// APISecret is the level-2 secondary secret, empty when level-2
	// is not provisioned
	APISecret string
	// RemoteExecution gates the level-2 surface
	RemoteExecution bool
	// Tracker counts failed attempts per host
	Tracker *session.Tracker
	// Forbid is the fast-path set of hosts with block rows
	Forbid *session.ForbidSet
	// Store persists block rows
	Store *storage.Store
	// MFA verifies one-time codes for level-2
	MFA Verifier
	// Clock supplies time for block arithmetic
	Clock clockwork.Clock
	// Log is the component logger
	Log *log.Entry
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.APIKey == "" {
		return trace.BadParameter("missing APIKey")
	}
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.Tracker == nil {
		c.Tracker = session.NewTracker()
	}
	if c.Forbid == nil {
		c.Forbid = session.NewForbidSet()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithFields(log.Fields{ninja.Component: ninja.ComponentAuth})
	}
	return nil
}

// Gate enforces the two authentication levels.
type Gate struct {
	cfg Config
}

// New returns a gate and seeds the forbid set from blocks already on
// disk, so a restart does not grant blocked hosts a fresh start.
func New(ctx context.Context, cfg Config) (*Gate, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	hosts, err := cfg.Store.ListBlockedHosts(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, host := range hosts {
		cfg.Forbid.Add(host)
	}
	return &Gate{cfg: cfg}, nil
}

// Level1 authenticates the request's bearer token. A mismatched token
// climbs the failure ladder before the 401 goes out. Success does not
// reset the host's counter; only an expired block clears history.
func (g *Gate) Level1(ctx context.Context, r *http.Request) error {
	host := utils.ClientHost(r)
	logger := g.cfg.Log.WithFields(log.Fields{
		"host":    host,
		"request": fmt.Sprintf("%v %v", r.Method, r.URL.Path),
	})

	if err := g.checkBlocked(ctx, host); err != nil {
		logger.Warn("Request from blocked host.")
		return trace.Wrap(err)
	}

	token, ok := bearerToken(r)
	if !ok {
		logger.Warn("Request without bearer token.")
		return httplib.Unauthorized("missing bearer token")
	}
	if subtle.ConstantTimeCompare([]byte(utils.DecodeEscaped(token)), []byte(g.cfg.APIKey)) != 1 {
		g.recordFailure(ctx, logger, host)
		return httplib.Unauthorized("invalid bearer token")
	}
	logger.WithFields(log.Fields{
		"forwarded":  r.Header.Get(ninja.ForwardedForHeader),
		"user_agent": r.UserAgent(),
	}).Info("Authenticated.")
	return nil
}

// Level2 authenticates the full stack: level-1 bearer, the secondary
// secret, then the one-time code. The surface replies 501 until an
// operator has both enabled remote execution and provisioned the
// secret.
func (g *Gate) Level2(ctx context.Context, r *http.Request) error {
	if err := g.Level1(ctx, r); err != nil {
		return trace.Wrap(err)
	}
	if !g.cfg.RemoteExecution || g.cfg.APISecret == "" {
		return trace.NotImplemented("remote execution is not enabled on this host")
	}

	host := utils.ClientHost(r)
	logger := g.cfg.Log.WithFields(log.Fields{
		"host":    host,
		"request": fmt.Sprintf("%v %v", r.Method, r.URL.Path),
	})

	secret := r.Header.Get(ninja.APISecretHeader)
	if subtle.ConstantTimeCompare([]byte(secret), []byte(g.cfg.APISecret)) != 1 {
		g.recordFailure(ctx, logger, host)
		return httplib.Unauthorized("invalid api secret")
	}

	if g.cfg.MFA == nil {
		return trace.NotImplemented("multifactor verification is not configured")
	}
	valid, err := g.cfg.MFA.Verify(ctx, r.Header.Get(ninja.MFACodeHeader))
	if err != nil {
		return trace.Wrap(err)
	}
	if !valid {
		g.recordFailure(ctx, logger, host)
		return httplib.Unauthorized("invalid one-time code")
	}
	return nil
}

// ResetFailures clears a host's failure history: counter, forbid
// membership and any block row.
func (g *Gate) ResetFailures(ctx context.Context, host string) error {
	g.cfg.Tracker.Reset(host)
	g.cfg.Forbid.Remove(host)
	return trace.Wrap(g.cfg.Store.DeleteBlock(ctx, host))
}

// checkBlocked is the forbid fast path: hosts outside the set skip
// storage entirely. Expired rows drop set membership on the way out,
// while the failure counter keeps climbing so repeat offenders earn
// longer blocks each round.
func (g *Gate) checkBlocked(ctx context.Context, host string) error {
	if !g.cfg.Forbid.Has(host) {
		return nil
	}
	until, err := g.cfg.Store.GetBlock(ctx, host)
	if err != nil {
		if trace.IsNotFound(err) {
			g.cfg.Forbid.Remove(host)
			return nil
		}
		return trace.Wrap(err)
	}
	return trace.AccessDenied("host is blocked until %v", until.UTC().Format(time.RFC3339))
}

// recordFailure climbs the ladder: increment the counter, and once it
// passes the soft threshold write a block row sized by the count.
func (g *Gate) recordFailure(ctx context.Context, logger *log.Entry, host string) {
	count := g.cfg.Tracker.Record(host)
	logger = logger.WithField("failures", count)
	if count <= defaults.SoftFailureThreshold {
		logger.Warn("Authentication failed.")
		return
	}

	var penalty time.Duration
	switch {
	case count >= defaults.HardFailureThreshold:
		penalty = defaults.LongBlock
	default:
		var ok bool
		if penalty, ok = defaults.BlockLadder[count]; !ok {
			penalty = defaults.LadderFallback
		}
	}
	until := g.cfg.Clock.Now().Add(penalty)
	g.cfg.Forbid.Add(host)
	if err := g.cfg.Store.PutBlock(ctx, host, until); err != nil {
		logger.WithError(err).Error("Failed to persist block row.")
		return
	}
	logger.WithField("blocked_until", until.UTC().Format(time.RFC3339)).
		Warn("Host blocked after repeated failures.")
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get(ninja.AuthorizationHeader)
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}
