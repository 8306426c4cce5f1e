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
	"context"
	"strings"
	"time"

	"github.com/gravitational/ninja/lib/utils"
	"github.com/gravitational/trace"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessUsage captures point-in-time consumption of one process.
type ProcessUsage struct {
	Name          string  `json:"name"`
	PID           int32   `json:"pid"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Memory        string  `json:"memory"`
	Threads       int32   `json:"threads"`
	Status        string  `json:"status"`
	Uptime        int64   `json:"uptime_seconds"`
}

// FindProcesses returns usage for every process whose name matches.
// Returns NotFound when nothing on the host runs under that name.
func (p *Probe) FindProcesses(ctx context.Context, name string) ([]ProcessUsage, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var matched []ProcessUsage
	for _, proc := range procs {
		procName, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if !strings.EqualFold(procName, name) {
			continue
		}
		usage, err := p.usage(ctx, proc)
		if err != nil {
			continue
		}
		matched = append(matched, usage)
	}
	if len(matched) == 0 {
		return nil, trace.NotFound("no process named %q is running", name)
	}
	return matched, nil
}

// ProcessUsageByPID returns usage for one known PID.
func (p *Probe) ProcessUsageByPID(ctx context.Context, pid int32) (ProcessUsage, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ProcessUsage{}, trace.NotFound("no process with pid %d", pid)
	}
	usage, err := p.usage(ctx, proc)
	if err != nil {
		return ProcessUsage{}, trace.Wrap(err)
	}
	return usage, nil
}

// ServiceUsage resolves a service to its main process and reports
// that process's usage.
func (p *Probe) ServiceUsage(ctx context.Context, name string) (ProcessUsage, error) {
	pid, err := p.ServicePID(name)
	if err != nil {
		return ProcessUsage{}, trace.Wrap(err)
	}
	usage, err := p.ProcessUsageByPID(ctx, pid)
	if err != nil {
		return ProcessUsage{}, trace.Wrap(err)
	}
	usage.Name = name
	return usage, nil
}

func (p *Probe) usage(ctx context.Context, proc *process.Process) (ProcessUsage, error) {
	usage := ProcessUsage{PID: proc.Pid}
	name, err := proc.NameWithContext(ctx)
	if err != nil {
		return ProcessUsage{}, trace.Wrap(err)
	}
	usage.Name = name

	// best effort below: fields individual kernels refuse stay zero
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		usage.CPUPercent = cpu
	}
	if memPct, err := proc.MemoryPercentWithContext(ctx); err == nil {
		usage.MemoryPercent = float64(memPct)
	}
	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
		usage.Memory = utils.HumanSize(memInfo.RSS)
	}
	if threads, err := proc.NumThreadsWithContext(ctx); err == nil {
		usage.Threads = threads
	}
	if status, err := proc.StatusWithContext(ctx); err == nil {
		usage.Status = strings.Join(status, ",")
	}
	if created, err := proc.CreateTimeWithContext(ctx); err == nil && created > 0 {
		usage.Uptime = int64(p.cfg.Clock.Now().Sub(time.UnixMilli(created)) / time.Second)
	}
	return usage, nil
}
