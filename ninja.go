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

// Package ninja defines constants shared across the agent.
package ninja

// Version is the semantic version of the agent, overridden at
// build time via -ldflags.
var Version = "0.1.0"

const (
	// Component indicates a component of the agent, used for logging
	Component = "component"

	// ComponentAgent is the process-level supervisor
	ComponentAgent = "agent"

	// ComponentWeb is the HTTP and websocket API server
	ComponentWeb = "web"

	// ComponentAuth is the bearer and secondary credential gate
	ComponentAuth = "auth"

	// ComponentMFA is the multi-factor token lifecycle
	ComponentMFA = "mfa"

	// ComponentStorage is the embedded sqlite store
	ComponentStorage = "storage"

	// ComponentPlatform is the OS portability layer
	ComponentPlatform = "platform"

	// ComponentRunner executes remote commands
	ComponentRunner = "runner"

	// ComponentTransfer moves files and archives
	ComponentTransfer = "transfer"

	// ComponentDocker talks to the local docker daemon
	ComponentDocker = "docker"

	// ComponentMonitor gathers live system metrics
	ComponentMonitor = "monitor"

	// ComponentCerts reads the certbot certificate store
	ComponentCerts = "certs"

	// ComponentLimiter enforces per-client request windows
	ComponentLimiter = "limiter"
)

const (
	// AuthorizationHeader carries the level-1 bearer token
	AuthorizationHeader = "Authorization"

	// APISecretHeader carries the level-2 secondary secret
	APISecretHeader = "X-API-Secret"

	// MFACodeHeader carries the level-2 one-time code
	MFACodeHeader = "X-MFA-Code"

	// ForwardedForHeader is consulted before RemoteAddr when
	// identifying the calling host
	ForwardedForHeader = "X-Forwarded-For"
)

const (
	// SessionCookie names the browser session cookie issued by /login
	SessionCookie = "session_token"

	// DetailCookie carries a short human-readable message across
	// UI redirects
	DetailCookie = "detail"
)

const (
	// DebugEnvVar tells tests to use verbose debug output
	DebugEnvVar = "NINJA_DEBUG_TESTS"
)
