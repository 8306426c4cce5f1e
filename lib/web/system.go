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
	"net"
	"net/http"
	"strings"

	"github.com/gravitational/ninja/lib/defaults"
	"github.com/gravitational/ninja/lib/httplib"
	"github.com/gravitational/ninja/lib/platform"
	"github.com/gravitational/ninja/lib/utils"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/samber/lo"
)

// getIP reports an address of the host: the interface used for
// outbound traffic by default, or the address the public resolver
// sees when ?public=true.
func (h *Handler) getIP(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if utils.BoolParam(r.URL.Query().Get("public")) {
		resp, err := h.resolver.R().SetContext(r.Context()).Get("/")
		if err != nil {
			return nil, trace.ConnectionProblem(err, "public address lookup failed")
		}
		ip := strings.TrimSpace(resp.String())
		if resp.IsError() || net.ParseIP(ip) == nil {
			return nil, trace.ConnectionProblem(nil, "public address lookup answered %q", ip)
		}
		return map[string]string{"ip": ip}, nil
	}
	ip, err := outboundIP()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"ip": ip}, nil
}

// outboundIP finds the local address the default route would use. The
// dial is UDP, so no packet leaves the host.
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", trace.Errorf("unexpected local address %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

func (h *Handler) getCPU(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	usage, err := h.cfg.Collector.CPUPercent(r.Context(), defaults.CPUSampleInterval)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return usage, nil
}

func (h *Handler) getCPULoad(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	load, err := h.cfg.Collector.Load(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return load, nil
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	mem, err := h.cfg.Collector.Memory(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return mem, nil
}

func (h *Handler) getDisk(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}
	usage, err := h.cfg.Collector.Disk(r.Context(), path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return usage, nil
}

func (h *Handler) getAllDisks(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return h.cfg.Probe.Disks(), nil
}

func (h *Handler) getProcessor(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	name, err := h.cfg.Probe.CPUName()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"processor": name}, nil
}

func (h *Handler) getGPU(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return h.cfg.Probe.GPUs(), nil
}

// serviceStatus reports the manager's view of one service.
func (h *Handler) serviceStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	name := r.URL.Query().Get("name")
	if name == "" {
		return nil, trace.BadParameter("missing query parameter name")
	}
	svc, err := h.cfg.Probe.ServiceStatus(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return svc, nil
}

// processStatus finds running processes matching the given name.
func (h *Handler) processStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	name := r.URL.Query().Get("name")
	if name == "" {
		return nil, trace.BadParameter("missing query parameter name")
	}
	procs, err := h.cfg.Probe.FindProcesses(r.Context(), name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return procs, nil
}

// serviceUsage samples resource usage for a comma-separated list of
// services. With several names the unresolvable ones are skipped; a
// single name that cannot be resolved is the caller's mistake and
// propagates.
func (h *Handler) serviceUsage(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	names := lo.Uniq(utils.ParseCommaList(r.URL.Query().Get("services")))
	if len(names) == 0 {
		return nil, trace.BadParameter("missing query parameter services")
	}
	out := make([]platform.ProcessUsage, 0, len(names))
	for _, name := range names {
		usage, err := h.cfg.Probe.ServiceUsage(r.Context(), name)
		if err != nil {
			if len(names) == 1 {
				return nil, trace.Wrap(err)
			}
			h.log().WithError(err).WithField("service", name).Debug("Skipping unresolved service.")
			continue
		}
		out = append(out, usage)
	}
	return out, nil
}

// processUsage samples resource usage for a comma-separated list of
// process names.
func (h *Handler) processUsage(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	names := lo.Uniq(utils.ParseCommaList(r.URL.Query().Get("processes")))
	if len(names) == 0 {
		return nil, trace.BadParameter("missing query parameter processes")
	}
	out := make([]platform.ProcessUsage, 0, len(names))
	for _, name := range names {
		procs, err := h.cfg.Probe.FindProcesses(r.Context(), name)
		if err != nil {
			if len(names) == 1 {
				return nil, trace.Wrap(err)
			}
			h.log().WithError(err).WithField("process", name).Debug("Skipping unresolved process.")
			continue
		}
		out = append(out, procs...)
	}
	return out, nil
}

// serviceActionRequest names the service a start or stop acts on.
type serviceActionRequest struct {
	Name string `json:"name"`
}

func (h *Handler) startService(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req serviceActionRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Name == "" {
		return nil, trace.BadParameter("missing service name")
	}
	if err := h.cfg.Probe.StartService(req.Name); err != nil {
		return nil, trace.Wrap(err)
	}
	h.log().WithField("service", req.Name).Info("Service started.")
	return message("service " + req.Name + " started"), nil
}

func (h *Handler) stopService(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req serviceActionRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Name == "" {
		return nil, trace.BadParameter("missing service name")
	}
	if err := h.cfg.Probe.StopService(req.Name); err != nil {
		return nil, trace.Wrap(err)
	}
	h.log().WithField("service", req.Name).Info("Service stopped.")
	return message("service " + req.Name + " stopped"), nil
}

func (h *Handler) certificates(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	list, err := h.cfg.Certs.List(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return list, nil
}
