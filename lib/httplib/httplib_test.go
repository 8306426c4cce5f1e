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

package httplib

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

func TestReplyErrorStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err      error
		expected int
	}{
		{trace.NotFound("no such service"), http.StatusNotFound},
		{trace.BadParameter("bad chunk number"), http.StatusBadRequest},
		{trace.AccessDenied("host blocked"), http.StatusForbidden},
		{trace.NotImplemented("secret not configured"), http.StatusNotImplemented},
		{trace.LimitExceeded("slow down"), http.StatusTooManyRequests},
		{trace.ConnectionProblem(nil, "daemon unreachable"), http.StatusServiceUnavailable},
		{Unauthorized("bad token"), http.StatusUnauthorized},
		{Timeout("command overran"), http.StatusRequestTimeout},
		{ExpectationFailed("certbot missing"), http.StatusExpectationFailed},
		{Teapot("telegram is not wired"), http.StatusTeapot},
		{trace.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		ReplyError(rec, tt.err)
		require.Equal(t, tt.expected, rec.Code, "error %v", tt.err)

		var msg ErrorMessage
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
		require.NotEmpty(t, msg.Error.Message)
	}
}

func TestMakeHandlerResponseCode(t *testing.T) {
	t.Parallel()

	h := MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		return &Response{Code: http.StatusAccepted, Body: map[string]string{"message": "chunk received"}}, nil
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("PUT", "/put-large-file", nil), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "chunk received")
}

func TestMakeHandlerNilSkipsReply(t *testing.T) {
	t.Parallel()

	h := MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		w.WriteHeader(http.StatusOK)
		_, err := w.Write([]byte("raw stream"))
		return nil, err
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("GET", "/get-large-file", nil), nil)
	require.Equal(t, "raw stream", rec.Body.String())
}

func TestMakeHandlerRedirect(t *testing.T) {
	t.Parallel()

	h := MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		return nil, &RedirectError{Location: "/error", Detail: "Session Expired"}
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("GET", "/monitor", nil), nil)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/error", rec.Header().Get("Location"))

	res := rec.Result()
	var detail *http.Cookie
	for _, c := range res.Cookies() {
		if c.Name == "detail" {
			detail = c
		}
	}
	require.NotNil(t, detail)
	require.Equal(t, "Session Expired", detail.Value)
	require.True(t, detail.HttpOnly)
}

func TestMakeHandlerJSONRedirect(t *testing.T) {
	t.Parallel()

	h := MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		return nil, &RedirectError{Location: "/monitor", JSON: true}
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("POST", "/login", nil), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Location"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "/monitor", body["redirect_url"])
}

func TestReadJSON(t *testing.T) {
	t.Parallel()

	var out struct {
		Name string `json:"name"`
	}
	r := httptest.NewRequest("POST", "/start-service", strings.NewReader(`{"name":"nginx"}`))
	require.NoError(t, ReadJSON(r, &out))
	require.Equal(t, "nginx", out.Name)

	r = httptest.NewRequest("POST", "/start-service", strings.NewReader(`{broken`))
	err := ReadJSON(r, &out)
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}
