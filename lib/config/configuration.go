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

// Package config provides facilities for configuring the agent
// including
//   - parsing env, JSON and YAML configuration files
//   - overlaying process environment variables
//   - parsing CLI flags
package config

import (
	"strings"
	"time"
	"unicode"

	"github.com/gravitational/ninja/lib/defaults"
	"github.com/gravitational/trace"
)

// CommandLineFlags stores command line flag values, a much simplified
// subset of the agent configuration (which is fully expressed via the
// config file and environment).
type CommandLineFlags struct {
	// --config flag
	ConfigFile string
	// --host flag
	ListenHost string
	// --port flag
	ListenPort int
	// -d flag
	Debug bool
}

// RateLimit caps how many requests one client host may make to one
// route inside a fixed window.
type RateLimit struct {
	// MaxRequests allowed inside the window
	MaxRequests int `mapstructure:"max_requests" yaml:"max_requests" json:"max_requests"`
	// Seconds is the window length
	Seconds int `mapstructure:"seconds" yaml:"seconds" json:"seconds"`
}

// Config is the complete agent configuration after file, environment
// and flag merging. Keys are matched case-insensitively.
type Config struct {
	// APIKey is the level-1 bearer token. Required.
	APIKey string `mapstructure:"apikey"`

	// Host is the bind address
	Host string `mapstructure:"ninja_host"`
	// Port is the listen port
	Port int `mapstructure:"ninja_port"`

	// APISecret is the level-2 secondary secret. Level-2 routes reply
	// 501 until both this and RemoteExecution are set.
	APISecret string `mapstructure:"api_secret"`
	// RemoteExecution gates the level-2 surface as a whole
	RemoteExecution bool `mapstructure:"remote_execution"`
	// AuthenticatorToken seeds the TOTP channel; when set, MFA codes
	// can come from an enrolled authenticator app
	AuthenticatorToken string `mapstructure:"authenticator_token"`

	// MonitorUsername and MonitorPassword guard the browser UI
	MonitorUsername string `mapstructure:"monitor_username"`
	MonitorPassword string `mapstructure:"monitor_password"`
	// MonitorSession is the UI session lifetime in seconds
	MonitorSession int `mapstructure:"monitor_session"`

	// MFATimeout is token validity in seconds
	MFATimeout int `mapstructure:"mfa_timeout"`
	// MFAResendDelay suppresses re-delivery of fresh tokens, seconds
	MFAResendDelay int `mapstructure:"mfa_resend_delay"`

	// Database is the sqlite file path, must end in .db
	Database string `mapstructure:"database"`

	// RateLimits apply to every API route; one entry or many
	RateLimits []RateLimit `mapstructure:"rate_limit"`

	// Processes and Services are watched by the live monitor
	Processes []string `mapstructure:"processes"`
	Services  []string `mapstructure:"services"`

	// Per-OS tool overrides for the portability layer
	ServiceLib   string `mapstructure:"service_lib"`
	DiskLib      string `mapstructure:"disk_lib"`
	GPULib       string `mapstructure:"gpu_lib"`
	ProcessorLib string `mapstructure:"processor_lib"`

	// HostPassword lets privileged probes (certbot) run under sudo -S
	HostPassword string `mapstructure:"host_password"`

	// Mailgun credentials for the email MFA channel
	MailgunDomain  string `mapstructure:"mailgun_domain"`
	MailgunAPIKey  string `mapstructure:"mailgun_api_key"`
	EmailSender    string `mapstructure:"email_sender"`
	EmailRecipient string `mapstructure:"email_recipient"`

	// Ntfy endpoint for the push MFA channel
	NtfyURL      string `mapstructure:"ntfy_url"`
	NtfyTopic    string `mapstructure:"ntfy_topic"`
	NtfyUsername string `mapstructure:"ntfy_username"`
	NtfyPassword string `mapstructure:"ntfy_password"`

	// Debug switches verbose logging on
	Debug bool `mapstructure:"debug"`
}

// Apply overlays command line flags onto the loaded configuration.
// Flags win over file and environment values.
func (c *Config) Apply(clf CommandLineFlags) {
	if clf.ListenHost != "" {
		c.Host = clf.ListenHost
	}
	if clf.ListenPort != 0 {
		c.Port = clf.ListenPort
	}
	if clf.Debug {
		c.Debug = true
	}
}

// CheckAndSetDefaults validates the configuration and fills the gaps.
func (c *Config) CheckAndSetDefaults() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return trace.BadParameter("apikey is required")
	}
	if c.Host == "" {
		c.Host = defaults.BindIP
	}
	if c.Port == 0 {
		c.Port = defaults.HTTPListenPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return trace.BadParameter("ninja_port %d is out of range", c.Port)
	}
	if c.APISecret != "" {
		if err := checkSecretComplexity(c.APISecret); err != nil {
			return trace.Wrap(err)
		}
	}
	if c.MonitorSession == 0 {
		c.MonitorSession = int(defaults.MonitorSessionTTL / time.Second)
	}
	if c.MonitorSession < 0 {
		return trace.BadParameter("monitor_session must be positive")
	}
	if (c.MonitorUsername == "") != (c.MonitorPassword == "") {
		return trace.BadParameter("monitor_username and monitor_password must be set together")
	}
	if c.MFATimeout == 0 {
		c.MFATimeout = int(defaults.MFATimeout / time.Second)
	}
	if c.MFAResendDelay == 0 {
		c.MFAResendDelay = int(defaults.MFAResendDelay / time.Second)
	}
	if c.MFAResendDelay > c.MFATimeout {
		return trace.BadParameter("mfa_resend_delay %d exceeds mfa_timeout %d",
			c.MFAResendDelay, c.MFATimeout)
	}
	if c.Database == "" {
		c.Database = defaults.DatabaseFile
	}
	if !strings.HasSuffix(c.Database, ".db") {
		return trace.BadParameter("database %q must end in .db", c.Database)
	}
	if len(c.RateLimits) == 0 {
		c.RateLimits = []RateLimit{{
			MaxRequests: defaults.LimiterMaxRequests,
			Seconds:     int(defaults.LimiterWindow / time.Second),
		}}
	}
	for i, rl := range c.RateLimits {
		if rl.MaxRequests < 1 || rl.Seconds < 1 {
			return trace.BadParameter("rate_limit entry %d must have positive max_requests and seconds", i)
		}
	}
	return nil
}

// MonitorEnabled reports whether the browser UI accepts logins.
func (c *Config) MonitorEnabled() bool {
	return c.MonitorUsername != "" && c.MonitorPassword != ""
}

// checkSecretComplexity enforces the shape a level-2 secret must have:
// at least 32 characters mixing digits, upper, lower and symbols.
func checkSecretComplexity(secret string) error {
	if len(secret) < 32 {
		return trace.BadParameter("api_secret must be at least 32 characters")
	}
	var digit, upper, lower, symbol bool
	for _, r := range secret {
		switch {
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if !digit || !upper || !lower || !symbol {
		return trace.BadParameter("api_secret must mix digits, upper and lower case letters and symbols")
	}
	return nil
}
