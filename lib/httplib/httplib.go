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

// Package httplib implements common utility functions for writing
// classic HTTP handlers
package httplib

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// HandlerFunc specifies HTTP handler function that returns error
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
// A nil result with a nil error means the handler wrote the response
// itself (streams, file bodies, websocket upgrades).
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		// ensure that neither proxies nor browsers cache http traffic
		SetNoCacheHeaders(w.Header())

		out, err := fn(w, r, p)
		if err != nil {
			var redirect *RedirectError
			if errors.As(err, &redirect) {
				if redirect.Detail != "" {
					SetDetailCookie(w, redirect.Detail)
				}
				if redirect.JSON {
					roundtrip.ReplyJSON(w, http.StatusOK, map[string]string{"redirect_url": redirect.Location})
					return
				}
				http.Redirect(w, r, redirect.Location, http.StatusSeeOther)
				return
			}
			ReplyError(w, err)
			return
		}
		if out != nil {
			if resp, ok := out.(*Response); ok {
				roundtrip.ReplyJSON(w, resp.Code, resp.Body)
				return
			}
			roundtrip.ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// Response binds a reply body to a non-200 success status, e.g.
// 202 for an accepted upload chunk or 206 for a checksum mismatch.
type Response struct {
	Code int
	Body interface{}
}

// StatusError is an error carrying an HTTP status the trace taxonomy
// has no class for: 206, 401, 406, 408, 417, 418.
type StatusError struct {
	Code int
	Text string
}

// Error returns the reply message.
func (e *StatusError) Error() string { return e.Text }

// PartialContent returns a 206 error, issued when an upload arrived
// but failed its checksum or unpack step, so the client should retry
// from the first chunk.
func PartialContent(text string) error {
	return &StatusError{Code: http.StatusPartialContent, Text: text}
}

// Unauthorized returns a 401 error, issued when credentials are
// missing or do not match.
func Unauthorized(text string) error {
	return &StatusError{Code: http.StatusUnauthorized, Text: text}
}

// Timeout returns a 408 error, issued when a command exceeds its
// allowed runtime.
func Timeout(text string) error {
	return &StatusError{Code: http.StatusRequestTimeout, Text: text}
}

// NotAcceptable returns a 406 error for requests that name an unusable
// resource state.
func NotAcceptable(text string) error {
	return &StatusError{Code: http.StatusNotAcceptable, Text: text}
}

// ExpectationFailed returns a 417 error, issued when a required system
// tool is absent.
func ExpectationFailed(text string) error {
	return &StatusError{Code: http.StatusExpectationFailed, Text: text}
}

// Teapot returns a 418 error for endpoints that are wired but
// deliberately unimplemented.
func Teapot(text string) error {
	return &StatusError{Code: http.StatusTeapot, Text: text}
}

// RedirectError sends the browser to Location, surfacing Detail to the
// destination page through a short-lived cookie. JSON mode replies
// 200 {"redirect_url": ...} instead of a Location header, for pages
// that drive navigation from script.
type RedirectError struct {
	Location string
	Detail   string
	JSON     bool
}

// Error returns the redirect target, satisfying the error interface.
func (e *RedirectError) Error() string {
	return "redirect to " + e.Location
}

// ReadJSON reads HTTP json request and unmarshals it
// into passed interface{} obj
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, &val); err != nil {
		return trace.BadParameter("request: %v", err.Error())
	}
	return nil
}

// ErrorMessage is the JSON envelope all error replies share.
type ErrorMessage struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ReplyError sets up http error response and writes it to writer w
func ReplyError(w http.ResponseWriter, err error) {
	var body ErrorMessage
	body.Error.Message = trace.UserMessage(err)

	var status *StatusError
	if errors.As(err, &status) {
		roundtrip.ReplyJSON(w, status.Code, body)
		return
	}
	switch {
	case trace.IsNotFound(err):
		roundtrip.ReplyJSON(w, http.StatusNotFound, body)
	case trace.IsBadParameter(err):
		roundtrip.ReplyJSON(w, http.StatusBadRequest, body)
	case trace.IsAccessDenied(err):
		roundtrip.ReplyJSON(w, http.StatusForbidden, body)
	case trace.IsNotImplemented(err):
		roundtrip.ReplyJSON(w, http.StatusNotImplemented, body)
	case trace.IsLimitExceeded(err):
		roundtrip.ReplyJSON(w, http.StatusTooManyRequests, body)
	case trace.IsConnectionProblem(err):
		roundtrip.ReplyJSON(w, http.StatusServiceUnavailable, body)
	case trace.IsAlreadyExists(err):
		roundtrip.ReplyJSON(w, http.StatusConflict, body)
	default:
		roundtrip.ReplyJSON(w, http.StatusInternalServerError, body)
	}
}

// SetNoCacheHeaders tells proxies and browsers do not cache the content
func SetNoCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

// SetDetailCookie records a short human-readable message the UI error
// and login pages render once.
func SetDetailCookie(w http.ResponseWriter, detail string) {
	http.SetCookie(w, &http.Cookie{
		Name:     "detail",
		Value:    detail,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearDetailCookie removes the detail message after the page read it.
func ClearDetailCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     "detail",
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}
