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
	"crypto/subtle"
	"html/template"
	"io"
	"net/http"

	"github.com/gravitational/ninja"
	"github.com/gravitational/ninja/lib/httplib"
	"github.com/gravitational/ninja/lib/session"
	"github.com/gravitational/ninja/lib/utils"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// uiEnabled tells whether the browser monitor was provisioned with
// credentials.
func (h *Handler) uiEnabled() bool {
	return h.cfg.UIUsername != "" && h.cfg.UIPassword != ""
}

// sessionFromCookie validates the browser session riding on the
// request against the host that presents it.
func (h *Handler) sessionFromCookie(r *http.Request) (session.Session, error) {
	cookie, err := r.Cookie(ninja.SessionCookie)
	if err != nil || cookie.Value == "" {
		return session.Session{}, trace.AccessDenied("missing session cookie")
	}
	return h.cfg.Sessions.Validate(utils.ClientHost(r), cookie.Value)
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     ninja.SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.cfg.Sessions.TTL().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     ninja.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// login opens a browser session. The reply is always a JSON
// redirect_url so the page script drives navigation: to the monitor
// on success, to the error page with a recorded detail on failure.
func (h *Handler) login(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if !h.uiEnabled() {
		return nil, trace.NotImplemented("the browser monitor is not enabled, set monitor_username and monitor_password")
	}
	var req loginRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.cfg.UIUsername))
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.cfg.UIPassword))
	host := utils.ClientHost(r)
	if userOK&passOK != 1 {
		h.log().WithField("host", host).Info("Browser login rejected.")
		return nil, &httplib.RedirectError{
			Location: "/error",
			Detail:   "Invalid username or password",
			JSON:     true,
		}
	}
	sess := h.cfg.Sessions.Start(host, req.Username)
	h.setSessionCookie(w, sess.Token)
	h.log().WithField("host", host).Info("Browser login accepted.")
	return nil, &httplib.RedirectError{Location: "/monitor", JSON: true}
}

// loginPage serves the sign-in shell, skipping straight to the
// monitor when a live session already rides on the request.
func (h *Handler) loginPage(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if !h.uiEnabled() {
		return nil, trace.NotImplemented("the browser monitor is not enabled, set monitor_username and monitor_password")
	}
	if _, err := h.sessionFromCookie(r); err == nil {
		return nil, &httplib.RedirectError{Location: "/monitor"}
	}
	servePage(w, loginShell)
	return nil, nil
}

// logout drops the host's session and sends the browser back to the
// sign-in page.
func (h *Handler) logout(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	h.cfg.Sessions.Delete(utils.ClientHost(r))
	clearSessionCookie(w)
	return nil, &httplib.RedirectError{Location: "/login", Detail: "You have been logged out"}
}

// monitorPage serves the live monitor shell behind a valid session,
// sending everyone else back to sign in with the reason recorded.
func (h *Handler) monitorPage(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if !h.uiEnabled() {
		return nil, trace.NotImplemented("the browser monitor is not enabled, set monitor_username and monitor_password")
	}
	if _, err := h.sessionFromCookie(r); err != nil {
		detail := "Please sign in"
		if session.IsExpired(err) {
			detail = "Session expired, please sign in again"
		}
		return nil, &httplib.RedirectError{Location: "/login", Detail: detail}
	}
	servePage(w, monitorShell)
	return nil, nil
}

// errorPage renders the detail recorded by the last redirect and
// clears it, so a reload shows a clean page.
func (h *Handler) errorPage(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	detail := "Something went wrong"
	if cookie, err := r.Cookie(ninja.DetailCookie); err == nil && cookie.Value != "" {
		detail = cookie.Value
	}
	httplib.ClearDetailCookie(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := errorShell.Execute(w, map[string]string{"Detail": detail}); err != nil {
		h.log().WithError(err).Warn("Failed to render error page.")
	}
	return nil, nil
}

// servePage writes a static HTML shell; the handler then replies nil
// to keep the pipeline from wrapping the body in JSON.
func servePage(w http.ResponseWriter, page string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, page)
}

const loginShell = `<!DOCTYPE html>
<html>
<head><title>ninja - sign in</title></head>
<body>
<h2>ninja agent</h2>
<form id="login">
  <input id="username" placeholder="username" autocomplete="username">
  <input id="password" type="password" placeholder="password" autocomplete="current-password">
  <button type="submit">Sign in</button>
</form>
<script>
document.getElementById("login").addEventListener("submit", async function (ev) {
  ev.preventDefault();
  const resp = await fetch("/login", {
    method: "POST",
    headers: {"Content-Type": "application/json"},
    body: JSON.stringify({
      username: document.getElementById("username").value,
      password: document.getElementById("password").value,
    }),
  });
  const body = await resp.json();
  if (body.redirect_url) {
    window.location = body.redirect_url;
  }
});
</script>
</body>
</html>
`

const monitorShell = `<!DOCTYPE html>
<html>
<head><title>ninja - monitor</title></head>
<body>
<h2>live system monitor</h2>
<p><a href="/logout">sign out</a></p>
<pre id="metrics">waiting for data...</pre>
<script>
const scheme = window.location.protocol === "https:" ? "wss" : "ws";
const sock = new WebSocket(scheme + "://" + window.location.host + "/ws/system");
sock.onmessage = function (ev) {
  let body;
  try {
    body = JSON.stringify(JSON.parse(ev.data), null, 2);
  } catch (e) {
    body = ev.data;
    sock.close();
  }
  document.getElementById("metrics").textContent = body;
};
sock.onclose = function () {
  document.getElementById("metrics").textContent += "\n[stream closed]";
};
</script>
</body>
</html>
`

var errorShell = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>ninja - error</title></head>
<body>
<h2>{{.Detail}}</h2>
<p><a href="/login">back to sign in</a></p>
</body>
</html>
`))
