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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadEnvFile(t *testing.T) {
	path := writeConfig(t, "ninja.env", `
# agent settings
APIKEY=test-key-123
NINJA_PORT=9090
export REMOTE_EXECUTION=true
MONITOR_USERNAME="admin"
MONITOR_PASSWORD='hunter2'
PROCESSES=nginx, redis-server
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "test-key-123", cfg.APIKey)
	require.Equal(t, 9090, cfg.Port)
	require.True(t, cfg.RemoteExecution)
	require.Equal(t, "admin", cfg.MonitorUsername)
	require.Equal(t, "hunter2", cfg.MonitorPassword)
	require.Equal(t, []string{"nginx", "redis-server"}, cfg.Processes)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "ninja.yaml", `
apikey: yaml-key
ninja_host: 127.0.0.1
rate_limit:
  - max_requests: 2
    seconds: 5
  - max_requests: 100
    seconds: 3600
services:
  - sshd
  - cron
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "yaml-key", cfg.APIKey)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Len(t, cfg.RateLimits, 2)
	require.Equal(t, RateLimit{MaxRequests: 2, Seconds: 5}, cfg.RateLimits[0])
	require.Equal(t, []string{"sshd", "cron"}, cfg.Services)
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "ninja.json", `{
  "APIKEY": "json-key",
  "rate_limit": {"max_requests": 7, "seconds": 30},
  "database": "agent.db"
}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "json-key", cfg.APIKey)
	// single entry decodes into a one element list
	require.Equal(t, []RateLimit{{MaxRequests: 7, Seconds: 30}}, cfg.RateLimits)
	require.Equal(t, "agent.db", cfg.Database)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "ninja.env", "APIKEY=file-key\nNINJA_PORT=9090\n")
	t.Setenv("APIKEY", "env-key")
	t.Setenv("RATE_LIMIT", `[{"max_requests":1,"seconds":1}]`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "env-key", cfg.APIKey)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, []RateLimit{{MaxRequests: 1, Seconds: 1}}, cfg.RateLimits)
}

func TestDefaults(t *testing.T) {
	path := writeConfig(t, "ninja.env", "APIKEY=k\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, 300, cfg.MFATimeout)
	require.Equal(t, 60, cfg.MFAResendDelay)
	require.Equal(t, 3600, cfg.MonitorSession)
	require.Equal(t, "ninja.db", cfg.Database)
	require.Equal(t, []RateLimit{{MaxRequests: 5, Seconds: 2}}, cfg.RateLimits)
	require.False(t, cfg.MonitorEnabled())
}

func TestMissingAPIKey(t *testing.T) {
	path := writeConfig(t, "ninja.env", "NINJA_PORT=8081\n")
	_, err := Load(path)
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestSecretComplexity(t *testing.T) {
	tests := []struct {
		secret string
		ok     bool
	}{
		{"short", false},
		{"all-lower-case-but-very-long-indeed-it-is", false},
		{"NoSymbolsOrDigitsButLongEnoughToPass", false},
		{"Str0ng!Secret#With$Everything%Needed2Pass", true},
	}
	for _, tt := range tests {
		err := checkSecretComplexity(tt.secret)
		if tt.ok {
			require.NoError(t, err, "secret %q", tt.secret)
		} else {
			require.Error(t, err, "secret %q", tt.secret)
		}
	}
}

func TestDatabaseSuffix(t *testing.T) {
	path := writeConfig(t, "ninja.env", "APIKEY=k\nDATABASE=state.sqlite\n")
	_, err := Load(path)
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestResendDelayBounds(t *testing.T) {
	path := writeConfig(t, "ninja.env", "APIKEY=k\nMFA_TIMEOUT=30\nMFA_RESEND_DELAY=60\n")
	_, err := Load(path)
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestFlagsWin(t *testing.T) {
	path := writeConfig(t, "ninja.env", "APIKEY=k\nNINJA_PORT=9000\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	cfg.Apply(CommandLineFlags{ListenHost: "10.0.0.5", ListenPort: 7000, Debug: true})
	require.Equal(t, "10.0.0.5", cfg.Host)
	require.Equal(t, 7000, cfg.Port)
	require.True(t, cfg.Debug)
}
