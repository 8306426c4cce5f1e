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

// Package defaults contains default constants set in various parts of
// the agent codebase
package defaults

import "time"

// Listener defaults used by the agent binary
const (
	// BindIP is the address the HTTP server binds to when the
	// configuration does not name one
	BindIP = "0.0.0.0"

	// HTTPListenPort is the default API port
	HTTPListenPort = 8080

	// ShutdownTimeout bounds graceful HTTP server shutdown
	ShutdownTimeout = 10 * time.Second

	// ReadHeadersTimeout bounds reading request headers
	ReadHeadersTimeout = 10 * time.Second

	// PublicIPService answers GET / with the caller's public address
	// in plain text
	PublicIPService = "https://api.ipify.org"
)

// Authentication and blocking defaults
const (
	// SoftFailureThreshold is the failed attempt count above which a
	// host enters the timed block ladder
	SoftFailureThreshold = 3

	// HardFailureThreshold is the failed attempt count at which the
	// long block applies
	HardFailureThreshold = 10

	// LongBlock is the penalty applied at and beyond
	// HardFailureThreshold
	LongBlock = 30 * 24 * time.Hour

	// LadderFallback applies when the attempt count has no ladder entry
	LadderFallback = 60 * time.Minute
)

// BlockLadder maps a failed attempt count to the timed block assigned
// at that count. Counts at or beyond HardFailureThreshold use LongBlock
// instead.
var BlockLadder = map[int]time.Duration{
	4: 5 * time.Minute,
	5: 10 * time.Minute,
	6: 20 * time.Minute,
	7: 40 * time.Minute,
	8: 80 * time.Minute,
	9: 160 * time.Minute,
}

// MFA defaults
const (
	// MFATimeout is how long an issued token stays valid
	MFATimeout = 300 * time.Second

	// MFAResendDelay suppresses re-delivery while a recently issued
	// token is still fresh
	MFAResendDelay = 60 * time.Second

	// MFACodeLength is the length of human-typable codes sent over
	// email and push channels
	MFACodeLength = 8
)

// Store defaults
const (
	// DatabaseFile is the sqlite file created next to the agent when
	// the configuration does not name one
	DatabaseFile = "ninja.db"

	// SweepInterval is how often the background sweeper removes
	// expired token rows
	SweepInterval = 5 * time.Second
)

// Rate limiting defaults
const (
	// LimiterMaxRequests allowed per LimiterWindow for one client and
	// route when no rate_limit is configured
	LimiterMaxRequests = 5

	// LimiterWindow is the fixed window the default limiter counts in
	LimiterWindow = 2 * time.Second
)

// Monitor and websocket defaults
const (
	// MonitorSessionTTL is how long a browser session stays valid
	MonitorSessionTTL = 3600 * time.Second

	// WSSendInterval is how often a metrics frame goes out
	WSSendInterval = time.Second

	// RefreshInterval is the default snapshot recompute cadence
	RefreshInterval = time.Second

	// CPUSampleInterval is the default per-core sampling window
	CPUSampleInterval = time.Second

	// ServiceCacheTTL bounds reuse of an enumerated service list
	ServiceCacheTTL = 2 * time.Second
)

// Transfer defaults
const (
	// DownloadChunkSize is the copy buffer for streamed downloads
	DownloadChunkSize = 8192
)

// UnarchiveSuffixes lists the archive extensions the upload exit
// sequence will expand.
var UnarchiveSuffixes = []string{
	".zip", ".tar", ".tar.gz", ".tgz", ".tar.bz2", ".tbz", ".tar.xz", ".txz",
}

// Runner defaults
const (
	// RunTimeout bounds command execution when the request omits one
	RunTimeout = 30 * time.Second

	// WindowsShell interprets commands on windows hosts
	WindowsShell = "cmd"

	// UnixShell interprets commands everywhere else
	UnixShell = "/bin/sh"
)
