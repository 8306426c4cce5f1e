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
	"net/http"

	"github.com/gravitational/ninja/lib/httplib"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

type issueMFARequest struct {
	Channel string `json:"channel"`
}

// issueMFA sends a fresh one-time code over the named delivery
// channel. GET names the channel in the query, POST may carry it in
// the body as well. A code issued moments ago is not replaced; the
// reply then names the channel holding it and the resend horizon.
func (h *Handler) issueMFA(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	channel := r.URL.Query().Get("channel")
	if r.Method == http.MethodPost && r.ContentLength > 0 {
		var req issueMFARequest
		if err := httplib.ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
		if req.Channel != "" {
			channel = req.Channel
		}
	}
	if channel == "" {
		return nil, trace.BadParameter("missing delivery channel")
	}
	msg, err := h.cfg.MFA.Issue(r.Context(), channel)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return message(msg), nil
}

// deleteMFA invalidates the outstanding code. Not having one to
// invalidate is reported as not-found.
func (h *Handler) deleteMFA(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if err := h.cfg.MFA.Invalidate(r.Context()); err != nil {
		return nil, trace.Wrap(err)
	}
	return message("one-time code invalidated"), nil
}
