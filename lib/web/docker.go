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

	"github.com/gravitational/ninja/lib/dockerm"
	"github.com/gravitational/ninja/lib/httplib"
	"github.com/gravitational/ninja/lib/utils"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// docker returns the daemon client, or tells the caller this host
// runs without one.
func (h *Handler) docker() (*dockerm.Client, error) {
	if h.cfg.Docker == nil {
		return nil, trace.NotImplemented("docker is not available on this host")
	}
	return h.cfg.Docker, nil
}

func (h *Handler) dockerContainers(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	client, err := h.docker()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	containers, err := client.ListContainers(r.Context(), utils.BoolParam(r.URL.Query().Get("all")))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return containers, nil
}

func (h *Handler) dockerImages(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	client, err := h.docker()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	images, err := client.ListImages(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return images, nil
}

func (h *Handler) dockerVolumes(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	client, err := h.docker()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	volumes, err := client.ListVolumes(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return volumes, nil
}

func (h *Handler) dockerStats(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	client, err := h.docker()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	stats, err := client.Stats(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return stats, nil
}

// containerActionRequest names the container a start or stop acts on.
type containerActionRequest struct {
	Name string `json:"name"`
}

func (h *Handler) startDockerContainer(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	client, err := h.docker()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req containerActionRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Name == "" {
		return nil, trace.BadParameter("missing container name")
	}
	if err := client.StartContainer(r.Context(), req.Name); err != nil {
		return nil, trace.Wrap(err)
	}
	h.log().WithField("container", req.Name).Info("Container started.")
	return message("container " + req.Name + " started"), nil
}

func (h *Handler) stopDockerContainer(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	client, err := h.docker()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req containerActionRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Name == "" {
		return nil, trace.BadParameter("missing container name")
	}
	if err := client.StopContainer(r.Context(), req.Name); err != nil {
		return nil, trace.Wrap(err)
	}
	h.log().WithField("container", req.Name).Info("Container stopped.")
	return message("container " + req.Name + " stopped"), nil
}
