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

package platform

import (
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/patrickmn/go-cache"
)

// Service describes a managed background service.
type Service struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	PID    int32  `json:"pid,omitempty"`
}

const servicesCacheKey = "services"

// ListServices enumerates services known to the host's service
// manager. Results are cached briefly: the live monitor polls this
// once a second and service lists churn slowly.
func (p *Probe) ListServices() ([]Service, error) {
	if cached, ok := p.services.Get(servicesCacheKey); ok {
		return cached.([]Service), nil
	}
	var (
		services []Service
		err      error
	)
	switch p.cfg.OS {
	case Linux:
		var out []byte
		out, err = p.run(p.cfg.ServiceLib, "list-units", "--type=service",
			"--all", "--no-pager", "--no-legend", "--plain")
		if err == nil {
			services = parseSystemctlList(out)
		}
	case Darwin:
		var out []byte
		out, err = p.run(p.cfg.ServiceLib, "list")
		if err == nil {
			services = parseLaunchctlList(out)
		}
	case Windows:
		var out []byte
		out, err = p.run(p.cfg.ServiceLib, "query", "type=", "service", "state=", "all")
		if err == nil {
			services = parseScQuery(out)
		}
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.services.Set(servicesCacheKey, services, cache.DefaultExpiration)
	return services, nil
}

// ServiceStatus reports the state of one service, or NotFound when
// the service manager does not know the name.
func (p *Probe) ServiceStatus(name string) (Service, error) {
	switch p.cfg.OS {
	case Linux:
		out, err := p.run(p.cfg.ServiceLib, "show", name,
			"--property=LoadState,ActiveState,SubState,MainPID")
		if err != nil {
			return Service{}, trace.Wrap(err)
		}
		props := parseProperties(out)
		if props["LoadState"] == "not-found" {
			return Service{}, trace.NotFound("service %q not found", name)
		}
		pid, _ := strconv.Atoi(props["MainPID"])
		status := props["SubState"]
		if status == "" {
			status = props["ActiveState"]
		}
		return Service{Name: name, Status: status, PID: int32(pid)}, nil
	case Darwin:
		out, err := p.run(p.cfg.ServiceLib, "list")
		if err != nil {
			return Service{}, trace.Wrap(err)
		}
		for _, svc := range parseLaunchctlList(out) {
			if svc.Name == name {
				return svc, nil
			}
		}
		return Service{}, trace.NotFound("service %q not found", name)
	case Windows:
		out, err := p.run(p.cfg.ServiceLib, "queryex", name)
		if err != nil {
			if isUnknownService(err) {
				return Service{}, trace.NotFound("service %q not found", name)
			}
			return Service{}, trace.Wrap(err)
		}
		services := parseScQuery(out)
		if len(services) == 0 {
			return Service{}, trace.NotFound("service %q not found", name)
		}
		svc := services[0]
		svc.Name = name
		return svc, nil
	}
	return Service{}, trace.BadParameter("unsupported operating system: %v", p.cfg.OS)
}

// ServicePID resolves the main process of a running service.
func (p *Probe) ServicePID(name string) (int32, error) {
	svc, err := p.ServiceStatus(name)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if svc.PID == 0 {
		return 0, trace.NotFound("service %q has no running process", name)
	}
	return svc.PID, nil
}

// StartService asks the service manager to start a service.
func (p *Probe) StartService(name string) error {
	return trace.Wrap(p.serviceAction("start", name))
}

// StopService asks the service manager to stop a service.
func (p *Probe) StopService(name string) error {
	return trace.Wrap(p.serviceAction("stop", name))
}

func (p *Probe) serviceAction(action, name string) error {
	_, err := p.run(p.cfg.ServiceLib, action, name)
	if err != nil {
		if isUnknownService(err) {
			return trace.NotFound("service %q not found", name)
		}
		return trace.Wrap(err)
	}
	// the next list must observe the state change
	p.services.Delete(servicesCacheKey)
	return nil
}

// isUnknownService inspects manager stderr for the three managers'
// "no such service" phrasings.
func isUnknownService(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "could not find service") ||
		strings.Contains(msg, "not-found")
}

// parseSystemctlList reads plain no-legend list-units output:
// UNIT LOAD ACTIVE SUB DESCRIPTION.
func parseSystemctlList(data []byte) []Service {
	var services []Service
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		services = append(services, Service{Name: fields[0], Status: fields[3]})
	}
	return services
}

// parseLaunchctlList reads "PID\tStatus\tLabel" rows.
func parseLaunchctlList(data []byte) []Service {
	var services []Service
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] == "PID" {
			continue
		}
		svc := Service{Name: fields[2], Status: "loaded"}
		if pid, err := strconv.Atoi(fields[0]); err == nil {
			svc.PID = int32(pid)
			svc.Status = "running"
		}
		services = append(services, svc)
	}
	return services
}

// parseScQuery reads sc.exe block output: SERVICE_NAME opens a block,
// STATE and PID lines fill it in.
func parseScQuery(data []byte) []Service {
	var (
		services []Service
		current  *Service
	)
	flush := func() {
		if current != nil {
			services = append(services, *current)
			current = nil
		}
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimRight(line, "\r"))
		switch {
		case strings.HasPrefix(line, "SERVICE_NAME:"):
			flush()
			current = &Service{Name: strings.TrimSpace(strings.TrimPrefix(line, "SERVICE_NAME:"))}
		case current != nil && strings.HasPrefix(line, "STATE"):
			if _, value, found := strings.Cut(line, ":"); found {
				fields := strings.Fields(value)
				if len(fields) > 0 {
					current.Status = strings.ToLower(fields[len(fields)-1])
				}
			}
		case current != nil && strings.HasPrefix(line, "PID"):
			if _, value, found := strings.Cut(line, ":"); found {
				if pid, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
					current.PID = int32(pid)
				}
			}
		}
	}
	flush()
	return services
}

// parseProperties reads "Key=Value" lines from systemctl show.
func parseProperties(data []byte) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		if key, value, found := strings.Cut(line, "="); found {
			props[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return props
}
