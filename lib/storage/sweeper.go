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

package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/gravitational/ninja"
	"github.com/gravitational/ninja/lib/defaults"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// SweeperConfig holds sweeper construction parameters.
type SweeperConfig struct {
	// Path is the sqlite file the sweeper opens its own handle to
	Path string
	// Interval between sweep passes
	Interval time.Duration
	// Clock drives the ticker and expiry comparisons
	Clock clockwork.Clock
	// Log is the component logger
	Log *log.Entry
}

// CheckAndSetDefaults validates the configuration.
func (c *SweeperConfig) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing database path")
	}
	if c.Interval == 0 {
		c.Interval = defaults.SweepInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithFields(log.Fields{ninja.Component: ninja.ComponentStorage})
	}
	return nil
}

// Sweeper deletes expired token and block rows in the background. It
// holds its own database connection so maintenance never contends
// with the request path on a pooled handle.
type Sweeper struct {
	cfg SweeperConfig
	db  *sql.DB
}

// NewSweeper opens a dedicated connection for background cleanup.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := sql.Open("sqlite3", dsn(cfg.Path))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Sweeper{cfg: cfg, db: db}, nil
}

// Run sweeps on the configured interval until the context is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if deleted, err := s.Sweep(ctx); err != nil {
				s.cfg.Log.WithError(err).Warn("Sweep pass failed.")
			} else if deleted > 0 {
				s.cfg.Log.WithField("rows", deleted).Debug("Swept expired rows.")
			}
		}
	}
}

// Sweep removes every expired row in one pass and reports how many
// rows went away.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	now := s.cfg.Clock.Now().Unix()
	var total int64
	for _, stmt := range []string{
		"DELETE FROM mfa_token WHERE expiry <= ?",
		"DELETE FROM run_token WHERE expiry <= ?",
		"DELETE FROM auth_errors WHERE block_until <= ?",
	} {
		res, err := s.db.ExecContext(ctx, stmt, now)
		if err != nil {
			return total, trace.Wrap(err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// Close releases the sweeper's connection.
func (s *Sweeper) Close() error {
	return trace.Wrap(s.db.Close())
}
