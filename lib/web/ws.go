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
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/ninja/lib/defaults"
	"github.com/gravitational/ninja/lib/monitor"
	"github.com/gravitational/ninja/lib/session"
	"github.com/gravitational/ninja/lib/utils"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
)

// wsWriteTimeout bounds one frame write on the wall clock.
const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// closeReasonUnauthorized and closeReasonExpired are the text frames
// the browser script keys on before the socket closes.
const (
	closeReasonUnauthorized = "Unauthorized"
	closeReasonExpired      = "Session Expired"
)

// wsSystem upgrades the connection and streams metric snapshots for
// as long as the browser session stays inside its lifetime. A request
// without a valid session still gets the upgrade, then one text frame
// naming the reason, then the close.
func (h *Handler) wsSystem(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied with an HTTP error
		h.log().WithError(err).Debug("Websocket upgrade failed.")
		return nil, nil
	}
	defer ws.Close()

	logger := h.log().WithField("host", utils.ClientHost(r))
	sess, err := h.sessionFromCookie(r)
	if err != nil {
		reason := closeReasonUnauthorized
		if session.IsExpired(err) {
			reason = closeReasonExpired
		}
		logger.WithField("reason", reason).Info("Metrics socket rejected.")
		_ = ws.WriteMessage(websocket.TextMessage, []byte(reason))
		return nil, nil
	}
	logger.Info("Metrics socket opened.")
	h.streamSystem(r.Context(), ws, sess, logger)
	logger.Info("Metrics socket closed.")
	return nil, nil
}

// streamSystem drives one metrics socket. A reader goroutine pumps
// inbound messages so the loop body stays the only writer, keeping
// outbound frames ordered. Each turn of the loop re-checks the
// session lifetime, applies any buffered interval changes, refreshes
// the snapshot when its cadence came due, sends it, and sleeps.
func (h *Handler) streamSystem(ctx context.Context, ws *websocket.Conn, sess session.Session, logger *log.Entry) {
	refresh := defaults.RefreshInterval
	cpuInterval := defaults.CPUSampleInterval

	inbound := make(chan string, 8)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- string(data):
			case <-ctx.Done():
				return
			}
		}
	}()

	var snap *monitor.Snapshot
	var lastRefresh time.Time
	for {
		if h.cfg.Clock.Now().Sub(sess.IssuedAt) > h.cfg.Sessions.TTL() {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(closeReasonExpired))
			return
		}

		// apply every control message buffered since the last turn
		for drained := false; !drained; {
			select {
			case msg := <-inbound:
				if !retune(msg, &refresh, &cpuInterval) {
					logger.WithField("message", msg).Debug("Unknown control message, ending stream.")
					return
				}
			case <-readErr:
				return
			default:
				drained = true
			}
		}

		now := h.cfg.Clock.Now()
		if snap == nil || now.Sub(lastRefresh) > refresh {
			fresh, err := h.cfg.Collector.Snapshot(ctx, cpuInterval)
			if err != nil {
				logger.WithError(err).Warn("Failed to gather a system snapshot.")
			} else {
				snap, lastRefresh = fresh, now
			}
		}
		if snap != nil {
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(snap); err != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-readErr:
			return
		case <-h.cfg.Clock.After(defaults.WSSendInterval):
		}
	}
}

// retune applies one inbound control message, a colon-delimited
// key:seconds pair. Anything else ends the stream.
func retune(msg string, refresh, cpuInterval *time.Duration) bool {
	key, val, found := strings.Cut(msg, ":")
	if !found {
		return false
	}
	secs, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil || secs < 1 {
		return false
	}
	switch strings.TrimSpace(key) {
	case "refresh_interval":
		*refresh = time.Duration(secs) * time.Second
	case "cpu_interval":
		*cpuInterval = time.Duration(secs) * time.Second
	default:
		return false
	}
	return true
}
