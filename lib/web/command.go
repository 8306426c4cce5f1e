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
	"io"
	"net/http"
	"time"

	"github.com/gravitational/ninja/lib/httplib"
	"github.com/gravitational/ninja/lib/runner"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// runCommandRequest is the execution order. Timeouts are in seconds.
// In stream mode the output is relayed as it is produced and
// stream_timeout bounds the whole relay; it falls back to timeout
// when absent.
type runCommandRequest struct {
	Command       string `json:"command"`
	Timeout       int    `json:"timeout"`
	Shell         bool   `json:"shell"`
	Stream        bool   `json:"stream"`
	StreamTimeout int    `json:"stream_timeout"`
}

func (r *runCommandRequest) check() error {
	if r.Command == "" {
		return trace.BadParameter("missing command")
	}
	if r.Timeout <= 0 {
		return trace.BadParameter("timeout must be a positive number of seconds, got %d", r.Timeout)
	}
	if r.StreamTimeout < 0 {
		return trace.BadParameter("stream_timeout must be a positive number of seconds, got %d", r.StreamTimeout)
	}
	return nil
}

// runCommand executes the ordered command. The default mode captures
// both output streams and replies once; stream mode relays merged
// output as plain text, flushing every write.
func (h *Handler) runCommand(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req runCommandRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := req.check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if !req.Stream {
		result, err := h.cfg.Runner.Run(r.Context(), runner.Request{
			Command: req.Command,
			Timeout: time.Duration(req.Timeout) * time.Second,
			Shell:   req.Shell,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return result, nil
	}

	streamTimeout := req.StreamTimeout
	if streamTimeout == 0 {
		streamTimeout = req.Timeout
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fw := newFlushWriter(w)
	err := h.cfg.Runner.Stream(r.Context(), runner.Request{
		Command: req.Command,
		Timeout: time.Duration(streamTimeout) * time.Second,
		Shell:   req.Shell,
	}, fw)
	if err != nil {
		// nothing went out yet, the error can still carry the status
		if !fw.wrote {
			return nil, trace.Wrap(err)
		}
		h.log().WithError(err).Warn("Command stream ended abnormally.")
	}
	return nil, nil
}

// flushWriter pushes every write to the client immediately so command
// output appears as the process emits it.
type flushWriter struct {
	w     io.Writer
	f     http.Flusher
	wrote bool
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	fw := &flushWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.f = f
	}
	return fw
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	fw.wrote = true
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}
