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

package service

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/ninja"
	"github.com/gravitational/ninja/lib/config"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.SetLevel(log.ErrorLevel)
	if os.Getenv(ninja.DebugEnvVar) != "" {
		log.SetLevel(log.DebugLevel)
	}
	os.Exit(m.Run())
}

func TestAgentServes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{
		APIKey:   "lifecycle-test-key",
		Host:     "127.0.0.1",
		Database: filepath.Join(t.TempDir(), "agent.db"),
	}
	agent, err := New(ctx, cfg)
	require.NoError(t, err)

	// port zero picks a free one
	require.NoError(t, agent.Start(ctx))
	base := "http://" + agent.Addr().String()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status": "ok"}`, string(body))

	// the gate is wired to the configured key
	req, err := http.NewRequest(http.MethodGet, base+"/get-memory", nil)
	require.NoError(t, err)
	req.Header.Set(ninja.AuthorizationHeader, "Bearer lifecycle-test-key")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, agent.Wait(ctx))
}

func TestAgentValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := New(ctx, nil)
	require.True(t, trace.IsBadParameter(err))

	_, err = New(ctx, &config.Config{Database: filepath.Join(t.TempDir(), "x.db")})
	require.True(t, trace.IsBadParameter(err))
	require.Contains(t, err.Error(), "apikey")
}

func TestAgentStartFailsOnTakenPort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	first, err := New(ctx, &config.Config{
		APIKey:   "port-test-key",
		Host:     "127.0.0.1",
		Database: filepath.Join(dir, "first.db"),
	})
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	t.Cleanup(func() { first.Close() })

	taken, ok := first.Addr().(*net.TCPAddr)
	require.True(t, ok)

	second, err := New(ctx, &config.Config{
		APIKey:   "port-test-key",
		Host:     "127.0.0.1",
		Port:     taken.Port,
		Database: filepath.Join(dir, "second.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })
	require.Error(t, second.Start(ctx))
}
