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

// Package mfa owns the one-time code lifecycle: issue over a delivery
// channel, verify, invalidate. At most one code is outstanding at any
// time; issuing replaces, verifying consumes.
package mfa

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/gravitational/ninja"
	"github.com/gravitational/ninja/lib/defaults"
	"github.com/gravitational/ninja/lib/httplib"
	"github.com/gravitational/ninja/lib/storage"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	log "github.com/sirupsen/logrus"
)

// Config holds controller construction parameters.
type Config struct {
	// Store persists the singleton token row
	Store *storage.Store
	// Channels maps channel names to delivery implementations
	Channels map[string]Channel
	// AuthenticatorSecret is the TOTP shared secret, empty when no
	// authenticator app is enrolled
	AuthenticatorSecret string
	// Timeout is how long an issued code stays valid
	Timeout time.Duration
	// ResendDelay suppresses re-delivery while a fresh code is out
	ResendDelay time.Duration
	// Clock supplies time for expiry arithmetic
	Clock clockwork.Clock
	// Log is the component logger
	Log *log.Entry
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.Channels == nil {
		c.Channels = make(map[string]Channel)
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.MFATimeout
	}
	if c.ResendDelay == 0 {
		c.ResendDelay = defaults.MFAResendDelay
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithFields(log.Fields{ninja.Component: ninja.ComponentMFA})
	}
	return nil
}

// Controller issues and verifies one-time codes.
type Controller struct {
	cfg Config
}

// New returns a code controller.
func New(cfg Config) (*Controller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Controller{cfg: cfg}, nil
}

// Issue delivers a fresh code over the named channel, replacing any
// stored one, and returns the message for the caller. When the last
// code went out moments ago the resend throttle answers instead,
// naming the channel that holds the outstanding code and how long
// until another delivery is allowed.
func (c *Controller) Issue(ctx context.Context, channel string) (string, error) {
	now := c.cfg.Clock.Now()
	existing, err := c.cfg.Store.GetMFAToken(ctx)
	if err != nil && !trace.IsNotFound(err) {
		return "", trace.Wrap(err)
	}
	if err == nil {
		// the row stores only the expiry, so the issue time is
		// recovered by subtracting the configured lifetime
		issuedAt := existing.Expiry.Add(-c.cfg.Timeout)
		if issuedAt.After(now.Add(-c.cfg.ResendDelay)) {
			wait := issuedAt.Add(c.cfg.ResendDelay).Sub(now)
			return fmt.Sprintf("a recently issued token sent via %v is still valid, resend allowed in %v",
				existing.Requester, wait.Round(time.Second)), nil
		}
	}

	if channel == ChannelTelegram {
		return "", httplib.Teapot("telegram delivery is not implemented")
	}
	ch, ok := c.cfg.Channels[channel]
	if !ok {
		return "", trace.BadParameter("unknown delivery channel %q", channel)
	}

	code, err := ch.Send(ctx)
	if err != nil {
		return "", trace.Wrap(err)
	}
	err = c.cfg.Store.ReplaceMFAToken(ctx, storage.MFAToken{
		Token:     code,
		Expiry:    now.Add(c.cfg.Timeout),
		Requester: channel,
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	c.cfg.Log.WithField("channel", channel).Info("One-time code issued.")
	return fmt.Sprintf("OTP has been sent via %v", channel), nil
}

// Verify reports whether code is acceptable: the current TOTP when an
// authenticator is enrolled, else the stored single-use code. A stored
// code that matches is consumed.
func (c *Controller) Verify(ctx context.Context, code string) (bool, error) {
	if code == "" {
		return false, nil
	}
	if c.cfg.AuthenticatorSecret != "" {
		valid, err := totp.ValidateCustom(code, c.cfg.AuthenticatorSecret, c.cfg.Clock.Now(),
			totp.ValidateOpts{
				Period:    30,
				Skew:      1,
				Digits:    otp.DigitsSix,
				Algorithm: otp.AlgorithmSHA1,
			})
		if err == nil && valid {
			return true, nil
		}
	}

	stored, err := c.cfg.Store.GetMFAToken(ctx)
	if err != nil {
		if trace.IsNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	if !stored.Expiry.After(c.cfg.Clock.Now()) {
		return false, nil
	}
	if subtle.ConstantTimeCompare([]byte(code), []byte(stored.Token)) != 1 {
		return false, nil
	}
	if err := c.cfg.Store.DeleteMFAToken(ctx); err != nil && !trace.IsNotFound(err) {
		return false, trace.Wrap(err)
	}
	c.cfg.Log.Info("One-time code consumed.")
	return true, nil
}

// Invalidate deletes the outstanding code. NotFound means there was
// nothing to invalidate.
func (c *Controller) Invalidate(ctx context.Context) error {
	return trace.Wrap(c.cfg.Store.DeleteMFAToken(ctx))
}
