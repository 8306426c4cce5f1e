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

// Package web implements the agent's HTTP and websocket surface: the
// bearer-authenticated system API, the secondary-credential execution
// API, the one-time code lifecycle, and the cookie-session browser
// monitor with its live metrics socket.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/ninja"
	"github.com/gravitational/ninja/lib/auth"
	"github.com/gravitational/ninja/lib/certs"
	"github.com/gravitational/ninja/lib/defaults"
	"github.com/gravitational/ninja/lib/dockerm"
	"github.com/gravitational/ninja/lib/httplib"
	"github.com/gravitational/ninja/lib/limiter"
	"github.com/gravitational/ninja/lib/mfa"
	"github.com/gravitational/ninja/lib/monitor"
	"github.com/gravitational/ninja/lib/platform"
	"github.com/gravitational/ninja/lib/runner"
	"github.com/gravitational/ninja/lib/session"
	"github.com/gravitational/ninja/lib/transfer"
	"github.com/gravitational/ninja/lib/utils"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
)

// Config collects the handler's dependencies, one per subsystem.
type Config struct {
	// Gate authenticates API requests at both levels
	Gate *auth.Gate
	// MFA issues and invalidates one-time codes
	MFA *mfa.Controller
	// Probe answers service, process and hardware questions
	Probe *platform.Probe
	// Runner executes remote commands
	Runner *runner.Runner
	// Transfer moves files and archives
	Transfer *transfer.Transfer
	// Docker talks to the local daemon, nil when there is none
	Docker *dockerm.Client
	// Certs reads the certbot certificate store
	Certs *certs.Store
	// Collector gathers live metrics for the monitor socket
	Collector *monitor.Collector
	// Sessions tracks browser logins
	Sessions *session.Monitor
	// Limits are the request windows every route is checked against
	Limits []limiter.Limit
	// UIUsername and UIPassword guard the browser monitor; both empty
	// means the UI is not enabled
	UIUsername string
	UIPassword string
	// PublicIPService is the external endpoint consulted by
	// /get-ip?public=true
	PublicIPService string
	// Clock supplies time to the limiters and session checks
	Clock clockwork.Clock
	// Log is the component logger
	Log *log.Entry
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Gate == nil {
		return trace.BadParameter("missing parameter Gate")
	}
	if c.MFA == nil {
		return trace.BadParameter("missing parameter MFA")
	}
	if c.Probe == nil {
		return trace.BadParameter("missing parameter Probe")
	}
	if c.Runner == nil {
		return trace.BadParameter("missing parameter Runner")
	}
	if c.Transfer == nil {
		return trace.BadParameter("missing parameter Transfer")
	}
	if c.Certs == nil {
		return trace.BadParameter("missing parameter Certs")
	}
	if c.Collector == nil {
		return trace.BadParameter("missing parameter Collector")
	}
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if len(c.Limits) == 0 {
		c.Limits = []limiter.Limit{{
			MaxRequests: defaults.LimiterMaxRequests,
			Window:      defaults.LimiterWindow,
		}}
	}
	if c.PublicIPService == "" {
		c.PublicIPService = defaults.PublicIPService
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithFields(log.Fields{ninja.Component: ninja.ComponentWeb})
	}
	return nil
}

// Handler routes API and browser requests. It embeds the router so it
// mounts directly as an http.Handler.
type Handler struct {
	httprouter.Router
	cfg      Config
	limiters []*limiter.Limiter
	routes   []route
	resolver *resty.Client
}

// authLevel names the credential a route demands.
type authLevel int

const (
	// authNone is for liveness and documentation
	authNone authLevel = iota
	// authBearer demands the level-1 token
	authBearer
	// authExec demands the level-2 credential stack
	authExec
	// authSession routes manage the browser cookie themselves
	authSession
)

// route is one row of the served API, kept for the generated document.
type route struct {
	method  string
	path    string
	level   authLevel
	summary string
}

// NewHandler returns the fully routed web handler.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg: cfg,
		resolver: resty.New().
			SetBaseURL(cfg.PublicIPService).
			SetTimeout(10 * time.Second),
	}
	for _, limit := range cfg.Limits {
		l, err := limiter.New(limit, cfg.Clock)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		h.limiters = append(h.limiters, l)
	}

	// liveness and documentation
	h.handle(http.MethodGet, "/health", authNone, "Report agent liveness.", h.health)
	h.handle(http.MethodGet, "/docs", authNone, "Serve the interactive API browser.", h.docsPage)
	h.handle(http.MethodGet, "/docs/openapi.json", authNone, "Serve the generated API document.", h.openAPI)

	// level-1 system reads
	h.handle(http.MethodGet, "/get-ip", authBearer, "Resolve the host's private or public address.", h.getIP)
	h.handle(http.MethodGet, "/get-cpu", authBearer, "Sample per-core CPU utilisation.", h.getCPU)
	h.handle(http.MethodGet, "/get-cpu-load", authBearer, "Read system load averages.", h.getCPULoad)
	h.handle(http.MethodGet, "/get-memory", authBearer, "Read physical and swap memory usage.", h.getMemory)
	h.handle(http.MethodGet, "/get-disk", authBearer, "Read usage of one mounted filesystem.", h.getDisk)
	h.handle(http.MethodGet, "/get-all-disks", authBearer, "Enumerate physical disks.", h.getAllDisks)
	h.handle(http.MethodGet, "/get-processor", authBearer, "Name the installed processor.", h.getProcessor)
	h.handle(http.MethodGet, "/get-gpu", authBearer, "Enumerate display adapters.", h.getGPU)
	h.handle(http.MethodGet, "/service-status", authBearer, "Report the state of one managed service.", h.serviceStatus)
	h.handle(http.MethodGet, "/process-status", authBearer, "Find running processes by name.", h.processStatus)
	h.handle(http.MethodGet, "/service-usage", authBearer, "Sample resource usage of named services.", h.serviceUsage)
	h.handle(http.MethodGet, "/process-usage", authBearer, "Sample resource usage of named processes.", h.processUsage)
	h.handle(http.MethodGet, "/docker-container", authBearer, "List docker containers.", h.dockerContainers)
	h.handle(http.MethodGet, "/docker-image", authBearer, "List docker images.", h.dockerImages)
	h.handle(http.MethodGet, "/docker-volume", authBearer, "List docker volumes.", h.dockerVolumes)
	h.handle(http.MethodGet, "/docker-stats", authBearer, "Sample per-container resource usage.", h.dockerStats)
	h.handle(http.MethodGet, "/certificates", authBearer, "List certbot certificates.", h.certificates)

	// one-time code lifecycle
	h.handle(http.MethodGet, "/mfa", authBearer, "Issue a one-time code over a delivery channel.", h.issueMFA)
	h.handle(http.MethodPost, "/mfa", authBearer, "Issue a one-time code over a delivery channel.", h.issueMFA)
	h.handle(http.MethodDelete, "/mfa", authBearer, "Invalidate the outstanding one-time code.", h.deleteMFA)

	// level-2 actions
	h.handle(http.MethodPost, "/start-service", authExec, "Start a managed service.", h.startService)
	h.handle(http.MethodPost, "/stop-service", authExec, "Stop a managed service.", h.stopService)
	h.handle(http.MethodPost, "/start-docker-container", authExec, "Start a docker container.", h.startDockerContainer)
	h.handle(http.MethodPost, "/stop-docker-container", authExec, "Stop a docker container.", h.stopDockerContainer)
	h.handle(http.MethodPost, "/run-command", authExec, "Execute a command, captured or streamed.", h.runCommand)
	h.handle(http.MethodPost, "/list-files", authExec, "List directory entries.", h.listFiles)
	h.handle(http.MethodPost, "/get-file", authExec, "Download one file.", h.getFile)
	h.handle(http.MethodPut, "/put-file", authExec, "Upload one file as a multipart form.", h.putFile)
	h.handle(http.MethodPost, "/delete-content", authExec, "Delete a file or directory.", h.deleteContent)
	h.handle(http.MethodPut, "/put-large-file", authExec, "Upload one chunk of a resumable transfer.", h.putLargeFile)
	h.handle(http.MethodGet, "/get-large-file", authExec, "Stream a file or zipped directory.", h.getLargeFile)

	// browser monitor
	h.handle(http.MethodGet, "/login", authSession, "Serve the sign-in page.", h.loginPage)
	h.handle(http.MethodPost, "/login", authSession, "Open a browser session.", h.login)
	h.handle(http.MethodGet, "/logout", authSession, "Close the browser session.", h.logout)
	h.handle(http.MethodGet, "/monitor", authSession, "Serve the live monitor page.", h.monitorPage)
	h.handle(http.MethodGet, "/error", authSession, "Surface the last recorded failure detail.", h.errorPage)
	h.handle(http.MethodGet, "/ws/system", authSession, "Stream live metric snapshots.", h.wsSystem)

	h.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httplib.ReplyError(w, trace.NotFound("path %q is not served", r.URL.Path))
	})
	return h, nil
}

// handle registers fn behind the demanded credential and records the
// route for the generated API document. Liveness and documentation
// routes skip the rate limiter so a saturated client can still be
// diagnosed.
func (h *Handler) handle(method, path string, level authLevel, summary string, fn httplib.HandlerFunc) {
	h.routes = append(h.routes, route{method: method, path: path, level: level, summary: summary})
	switch level {
	case authBearer:
		fn = h.withAuth(fn)
	case authExec:
		fn = h.withExecAuth(fn)
	}
	if level != authNone {
		fn = h.withLimits(fn)
	}
	h.Handle(method, path, httplib.MakeHandler(fn))
}

// withLimits registers the request with every configured limiter
// before letting it through. The first refusing limiter answers with
// its own retry horizon.
func (h *Handler) withLimits(fn httplib.HandlerFunc) httplib.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		id := utils.ClientHost(r) + ":" + r.URL.Path
		for _, l := range h.limiters {
			if err := l.Register(id); err != nil {
				w.Header().Set("Retry-After", strconv.Itoa(l.RetryAfterSeconds()))
				return nil, trace.Wrap(err)
			}
		}
		return fn(w, r, p)
	}
}

// withAuth demands the level-1 bearer token.
func (h *Handler) withAuth(fn httplib.HandlerFunc) httplib.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		if err := h.cfg.Gate.Level1(r.Context(), r); err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p)
	}
}

// withExecAuth demands the full level-2 credential stack.
func (h *Handler) withExecAuth(fn httplib.HandlerFunc) httplib.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		if err := h.cfg.Gate.Level2(r.Context(), r); err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p)
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return map[string]string{"status": "ok"}, nil
}

func (h *Handler) log() *log.Entry {
	return h.cfg.Log
}

// message wraps a human-readable reply the way every mutating
// endpoint answers.
func message(msg string) interface{} {
	return map[string]interface{}{"message": msg}
}
