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

package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/ninja"
	"github.com/gravitational/ninja/lib/session"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// The websocket tests run on the real clock: the stream paces itself
// with timers that a test-driven clock would never fire.

func wsURL(env *testEnv) string {
	return "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/system"
}

func dialWS(t *testing.T, env *testEnv, header http.Header) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL(env), header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(30*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	return data
}

func TestWSWithoutSession(t *testing.T) {
	t.Parallel()
	env := newTestHandler(t, clockwork.NewRealClock(), nil)

	ws := dialWS(t, env, nil)
	require.Equal(t, "Unauthorized", string(readFrame(t, ws)))

	// nothing follows the rejection
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(10*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
}

func TestWSExpiredSession(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewRealClock()
	sessions := session.NewMonitor(time.Nanosecond, clock)
	env := newTestHandler(t, clock, func(cfg *Config) {
		cfg.Sessions = sessions
	})

	sess := sessions.Start("127.0.0.1", testUIUsername)
	header := http.Header{}
	header.Set("Cookie", ninja.SessionCookie+"="+sess.Token)

	ws := dialWS(t, env, header)
	require.Equal(t, "Session Expired", string(readFrame(t, ws)))
}

func TestWSStreamsSnapshots(t *testing.T) {
	t.Parallel()
	env := newTestHandler(t, clockwork.NewRealClock(), nil)

	sess := env.sessions.Start("127.0.0.1", testUIUsername)
	header := http.Header{}
	header.Set("Cookie", ninja.SessionCookie+"="+sess.Token)
	ws := dialWS(t, env, header)

	var snap struct {
		Timestamp int64 `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(readFrame(t, ws), &snap))
	require.Positive(t, snap.Timestamp)

	// interval changes are accepted mid-stream
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("refresh_interval:2")))
	require.NoError(t, json.Unmarshal(readFrame(t, ws), &snap))
	require.Positive(t, snap.Timestamp)

	// anything else ends the stream
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("bogus")))
	closed := false
	for i := 0; i < 10 && !closed; i++ {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(30*time.Second)))
		if _, _, err := ws.ReadMessage(); err != nil {
			closed = true
		}
	}
	require.True(t, closed, "stream kept going after an unknown control message")
}

func TestRetune(t *testing.T) {
	t.Parallel()

	refresh := time.Second
	cpuInterval := time.Second

	require.True(t, retune("refresh_interval:5", &refresh, &cpuInterval))
	require.Equal(t, 5*time.Second, refresh)

	require.True(t, retune("cpu_interval: 3", &refresh, &cpuInterval))
	require.Equal(t, 3*time.Second, cpuInterval)

	require.False(t, retune("refresh_interval:0", &refresh, &cpuInterval))
	require.False(t, retune("refresh_interval:-2", &refresh, &cpuInterval))
	require.False(t, retune("refresh_interval:soon", &refresh, &cpuInterval))
	require.False(t, retune("no colon here", &refresh, &cpuInterval))
	require.False(t, retune("volume:11", &refresh, &cpuInterval))

	// rejected messages leave the dials alone
	require.Equal(t, 5*time.Second, refresh)
	require.Equal(t, 3*time.Second, cpuInterval)
}
