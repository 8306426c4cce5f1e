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

// Package storage persists the agent state that must survive
// restarts: host block records and the two one-row token tables.
// Everything lives in a single embedded sqlite file.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gravitational/ninja"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// schema creates the three tables on first open. mfa_token and
// run_token hold at most one row each, enforced by the replace
// transactions below rather than by constraints.
const schema = `
CREATE TABLE IF NOT EXISTS auth_errors (
	host TEXT PRIMARY KEY,
	block_until INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS mfa_token (
	token TEXT NOT NULL,
	expiry INTEGER NOT NULL,
	requester TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS run_token (
	token TEXT NOT NULL,
	expiry INTEGER NOT NULL
);
`

// Config holds store construction parameters.
type Config struct {
	// Path is the sqlite file location
	Path string
	// Clock supplies time for expiry comparisons
	Clock clockwork.Clock
	// Log is the component logger
	Log *log.Entry
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing database path")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithFields(log.Fields{ninja.Component: ninja.ComponentStorage})
	}
	return nil
}

// Store is the process-wide handle to the agent database.
type Store struct {
	cfg Config
	db  *sql.DB
}

// dsn turns a file path into a sqlite connection string. WAL lets the
// sweeper's separate connection read while requests write.
func dsn(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
}

// New opens (creating if needed) the agent database.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := sql.Open("sqlite3", dsn(cfg.Path))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return &Store{cfg: cfg, db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return trace.Wrap(s.db.Close())
}

// inTransaction runs f inside a transaction, committing when it
// returns nil and rolling back otherwise.
func (s *Store) inTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.cfg.Log.WithError(rbErr).Warn("Transaction rollback failed.")
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit())
}

// PutBlock records that host is blocked until the given time,
// replacing any earlier record for the same host.
func (s *Store) PutBlock(ctx context.Context, host string, until time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO auth_errors(host, block_until) VALUES(?, ?)",
		host, until.Unix())
	return trace.Wrap(err)
}

// GetBlock returns when the host block lifts. Expired rows are
// dropped on read and reported as NotFound.
func (s *Store) GetBlock(ctx context.Context, host string) (time.Time, error) {
	var until int64
	err := s.db.QueryRowContext(ctx,
		"SELECT block_until FROM auth_errors WHERE host = ?", host).Scan(&until)
	if err == sql.ErrNoRows {
		return time.Time{}, trace.NotFound("host %q is not blocked", host)
	}
	if err != nil {
		return time.Time{}, trace.Wrap(err)
	}
	lifts := time.Unix(until, 0)
	if !lifts.After(s.cfg.Clock.Now()) {
		if err := s.DeleteBlock(ctx, host); err != nil {
			s.cfg.Log.WithError(err).Warn("Failed to drop expired block row.")
		}
		return time.Time{}, trace.NotFound("host %q block has expired", host)
	}
	return lifts, nil
}

// DeleteBlock removes the block record for a host.
func (s *Store) DeleteBlock(ctx context.Context, host string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM auth_errors WHERE host = ?", host)
	return trace.Wrap(err)
}

// ListBlockedHosts returns hosts whose blocks are still in force.
// Startup uses this to rebuild the in-memory forbid set so blocks
// keep biting across restarts.
func (s *Store) ListBlockedHosts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT host FROM auth_errors WHERE block_until > ?", s.cfg.Clock.Now().Unix())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var hosts []string
	for rows.Next() {
		var host string
		if err := rows.Scan(&host); err != nil {
			return nil, trace.Wrap(err)
		}
		hosts = append(hosts, host)
	}
	return hosts, trace.Wrap(rows.Err())
}

// MFAToken is the single outstanding one-time token.
type MFAToken struct {
	// Token is the secret value itself
	Token string
	// Expiry is when the token stops verifying
	Expiry time.Time
	// Requester names the channel that issued the token
	Requester string
}

// ReplaceMFAToken atomically swaps the singleton token row: any
// earlier token is deleted in the same transaction, so exactly one
// token is ever valid.
func (s *Store) ReplaceMFAToken(ctx context.Context, token MFAToken) error {
	return s.inTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM mfa_token"); err != nil {
			return trace.Wrap(err)
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO mfa_token(token, expiry, requester) VALUES(?, ?, ?)",
			token.Token, token.Expiry.Unix(), token.Requester)
		return trace.Wrap(err)
	})
}

// GetMFAToken returns the outstanding token row if one exists.
func (s *Store) GetMFAToken(ctx context.Context) (*MFAToken, error) {
	var (
		token     MFAToken
		expiry    int64
		requester string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT token, expiry, requester FROM mfa_token LIMIT 1").
		Scan(&token.Token, &expiry, &requester)
	if err == sql.ErrNoRows {
		return nil, trace.NotFound("no multifactor token is outstanding")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	token.Expiry = time.Unix(expiry, 0)
	token.Requester = requester
	return &token, nil
}

// DeleteMFAToken removes the outstanding token. NotFound when there
// is nothing to remove.
func (s *Store) DeleteMFAToken(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM mfa_token")
	if err != nil {
		return trace.Wrap(err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if deleted == 0 {
		return trace.NotFound("no multifactor token is outstanding")
	}
	return nil
}

// ReplaceRunToken swaps the singleton run token row.
func (s *Store) ReplaceRunToken(ctx context.Context, token string, expiry time.Time) error {
	return s.inTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM run_token"); err != nil {
			return trace.Wrap(err)
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO run_token(token, expiry) VALUES(?, ?)", token, expiry.Unix())
		return trace.Wrap(err)
	})
}

// GetRunToken returns the outstanding run token if one exists.
func (s *Store) GetRunToken(ctx context.Context) (string, time.Time, error) {
	var (
		token  string
		expiry int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT token, expiry FROM run_token LIMIT 1").Scan(&token, &expiry)
	if err == sql.ErrNoRows {
		return "", time.Time{}, trace.NotFound("no run token is outstanding")
	}
	if err != nil {
		return "", time.Time{}, trace.Wrap(err)
	}
	return token, time.Unix(expiry, 0), nil
}

// DeleteRunToken removes the outstanding run token.
func (s *Store) DeleteRunToken(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM run_token")
	return trace.Wrap(err)
}
