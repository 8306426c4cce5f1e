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
	"encoding/json"
	"os"
	"strings"

	"github.com/gravitational/trace"
)

// GPU describes one display adapter.
type GPU struct {
	Model  string `json:"model"`
	Vendor string `json:"vendor,omitempty"`
}

// GPUs enumerates display adapters. Like Disks, tool failures
// degrade to an empty list.
func (p *Probe) GPUs() []GPU {
	var (
		gpus []GPU
		err  error
	)
	switch p.cfg.OS {
	case Linux:
		var out []byte
		out, err = p.run(p.cfg.GPULib, "-C", "display", "-json")
		if err == nil {
			gpus, err = parseLshw(out)
		}
	case Darwin:
		var out []byte
		out, err = p.run(p.cfg.GPULib, "SPDisplaysDataType", "-json")
		if err == nil {
			gpus, err = parseSystemProfiler(out)
		}
	case Windows:
		var out []byte
		out, err = p.run(p.cfg.GPULib, "path", "win32_VideoController", "get", "name")
		if err == nil {
			gpus = parseWmicColumn(out, "Name", func(value string) GPU {
				return GPU{Model: value}
			})
		}
	}
	if err != nil {
		p.cfg.Log.WithError(err).Warn("GPU enumeration failed.")
		return nil
	}
	return gpus
}

func parseLshw(data []byte) ([]GPU, error) {
	type lshwEntry struct {
		Product string `json:"product"`
		Vendor  string `json:"vendor"`
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}
	var entries []lshwEntry
	if strings.HasPrefix(trimmed, "{") {
		// older lshw prints a single bare object
		var one lshwEntry
		if err := json.Unmarshal([]byte(trimmed), &one); err != nil {
			return nil, trace.BadParameter("parsing lshw output: %v", err)
		}
		entries = []lshwEntry{one}
	} else if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
		return nil, trace.BadParameter("parsing lshw output: %v", err)
	}
	var gpus []GPU
	for _, e := range entries {
		if e.Product == "" {
			continue
		}
		gpus = append(gpus, GPU{Model: e.Product, Vendor: e.Vendor})
	}
	return gpus, nil
}

func parseSystemProfiler(data []byte) ([]GPU, error) {
	var report struct {
		Displays []struct {
			Name   string `json:"_name"`
			Model  string `json:"sppci_model"`
			Vendor string `json:"spdisplays_vendor"`
		} `json:"SPDisplaysDataType"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, trace.BadParameter("parsing system_profiler output: %v", err)
	}
	var gpus []GPU
	for _, d := range report.Displays {
		model := d.Model
		if model == "" {
			model = d.Name
		}
		if model == "" {
			continue
		}
		gpus = append(gpus, GPU{
			Model:  model,
			Vendor: strings.TrimPrefix(d.Vendor, "sppci_vendor_"),
		})
	}
	return gpus, nil
}

// parseWmicColumn reads classic wmic single-column output: a header
// line followed by values.
func parseWmicColumn[T any](data []byte, header string, build func(string) T) []T {
	var out []T
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimRight(line, "\r"))
		if line == "" || strings.EqualFold(line, header) {
			continue
		}
		out = append(out, build(line))
	}
	return out
}

// CPUName resolves the marketing name of the processor.
func (p *Probe) CPUName() (string, error) {
	switch p.cfg.OS {
	case Linux:
		data, err := os.ReadFile(p.cfg.ProcessorLib)
		if err != nil {
			return "", trace.ConvertSystemError(err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if key, value, found := strings.Cut(line, ":"); found {
				if strings.TrimSpace(key) == "model name" {
					return strings.TrimSpace(value), nil
				}
			}
		}
		return "", trace.NotFound("model name not present in %v", p.cfg.ProcessorLib)
	case Darwin:
		out, err := p.run(p.cfg.ProcessorLib, "-n", "machdep.cpu.brand_string")
		if err != nil {
			return "", trace.Wrap(err)
		}
		name := strings.TrimSpace(string(out))
		if name == "" {
			return "", trace.NotFound("sysctl returned no processor name")
		}
		return name, nil
	case Windows:
		out, err := p.run(p.cfg.ProcessorLib, "cpu", "get", "name")
		if err != nil {
			return "", trace.Wrap(err)
		}
		names := parseWmicColumn(out, "Name", func(v string) string { return v })
		if len(names) == 0 {
			return "", trace.NotFound("wmic returned no processor name")
		}
		return names[0], nil
	}
	return "", trace.BadParameter("unsupported operating system: %v", p.cfg.OS)
}
