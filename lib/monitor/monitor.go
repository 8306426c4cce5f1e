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

// Package monitor samples host metrics and assembles the merged
// snapshots the live metrics websocket streams.
package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/ninja"
	"github.com/gravitational/ninja/lib/dockerm"
	"github.com/gravitational/ninja/lib/platform"
	"github.com/gravitational/ninja/lib/utils"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Prober is the slice of the portability layer the collector samples.
type Prober interface {
	ServiceUsage(ctx context.Context, name string) (platform.ProcessUsage, error)
	FindProcesses(ctx context.Context, name string) ([]platform.ProcessUsage, error)
}

// DockerSource supplies container readings. Hosts without a daemon
// run with a nil source.
type DockerSource interface {
	Stats(ctx context.Context) ([]dockerm.Stat, error)
}

// Config holds collector construction parameters.
type Config struct {
	// Probe samples watched services and processes
	Probe Prober
	// Docker supplies container stats, may be nil
	Docker DockerSource
	// Services are the watched service names
	Services []string
	// Processes are the watched process names
	Processes []string
	// Clock stamps snapshots
	Clock clockwork.Clock
	// Log is the component logger
	Log *log.Entry
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Probe == nil {
		return trace.BadParameter("missing parameter Probe")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithFields(log.Fields{ninja.Component: ninja.ComponentMonitor})
	}
	return nil
}

// Collector gathers system readings on demand. Safe for concurrent
// use: every snapshot works on its own state.
type Collector struct {
	cfg Config
}

// New returns a metrics collector.
func New(cfg Config) (*Collector, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Collector{cfg: cfg}, nil
}

// MemoryUsage is one humanized memory reading.
type MemoryUsage struct {
	Total       string  `json:"total"`
	Used        string  `json:"used"`
	Free        string  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

// MemoryInfo pairs main memory with swap.
type MemoryInfo struct {
	Virtual MemoryUsage `json:"virtual"`
	Swap    MemoryUsage `json:"swap"`
}

// DiskUsage describes one mounted filesystem.
type DiskUsage struct {
	Path        string  `json:"path"`
	Total       string  `json:"total"`
	Used        string  `json:"used"`
	Free        string  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

// LoadAverages are the 1/5/15 minute run queue averages.
type LoadAverages struct {
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`
}

// Snapshot is one merged reading of everything the monitor watches.
// The websocket sends it as a single JSON frame.
type Snapshot struct {
	Timestamp int64                   `json:"timestamp"`
	CPU       map[string]float64      `json:"cpu,omitempty"`
	Memory    *MemoryInfo             `json:"memory,omitempty"`
	Disk      *DiskUsage              `json:"disk,omitempty"`
	Load      *LoadAverages           `json:"load,omitempty"`
	Docker    []dockerm.Stat          `json:"docker_stats,omitempty"`
	Services  []platform.ProcessUsage `json:"services,omitempty"`
	Processes []platform.ProcessUsage `json:"processes,omitempty"`
}

// CPUPercent samples per-core busy percentages over the interval and
// keys them cpu1..cpuN. Blocks for the full interval.
func (c *Collector) CPUPercent(ctx context.Context, interval time.Duration) (map[string]float64, error) {
	percents, err := cpu.PercentWithContext(ctx, interval, true)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cores := make(map[string]float64, len(percents))
	for i, pct := range percents {
		cores[fmt.Sprintf("cpu%d", i+1)] = utils.Round2(pct)
	}
	return cores, nil
}

// Memory reads main and swap memory.
func (c *Collector) Memory(ctx context.Context) (*MemoryInfo, error) {
	virtual, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	swap, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &MemoryInfo{
		Virtual: MemoryUsage{
			Total:       utils.HumanSize(virtual.Total),
			Used:        utils.HumanSize(virtual.Used),
			Free:        utils.HumanSize(virtual.Available),
			UsedPercent: utils.Round2(virtual.UsedPercent),
		},
		Swap: MemoryUsage{
			Total:       utils.HumanSize(swap.Total),
			Used:        utils.HumanSize(swap.Used),
			Free:        utils.HumanSize(swap.Free),
			UsedPercent: utils.Round2(swap.UsedPercent),
		},
	}, nil
}

// Disk reads usage of one mount, the root filesystem when the path is
// empty.
func (c *Collector) Disk(ctx context.Context, path string) (*DiskUsage, error) {
	if path == "" {
		path = "/"
	}
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &DiskUsage{
		Path:        usage.Path,
		Total:       utils.HumanSize(usage.Total),
		Used:        utils.HumanSize(usage.Used),
		Free:        utils.HumanSize(usage.Free),
		UsedPercent: utils.Round2(usage.UsedPercent),
	}, nil
}

// Load reads the run queue averages.
func (c *Collector) Load(ctx context.Context) (*LoadAverages, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &LoadAverages{Load1: avg.Load1, Load5: avg.Load5, Load15: avg.Load15}, nil
}

// Snapshot merges one reading of every watched metric. Samplers run
// concurrently on a pool sized to the host CPU count and are
// best-effort: a failing metric is logged and left empty rather than
// failing the frame. The per-core CPU task blocks for cpuInterval, so
// a snapshot takes at least that long.
func (c *Collector) Snapshot(ctx context.Context, cpuInterval time.Duration) (*Snapshot, error) {
	snapshot := &Snapshot{Timestamp: c.cfg.Clock.Now().Unix()}
	var mu sync.Mutex

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(runtime.NumCPU())

	collect := func(metric string, sample func(context.Context) error) {
		group.Go(func() error {
			if err := sample(gctx); err != nil {
				if gctx.Err() != nil {
					return trace.Wrap(err)
				}
				c.cfg.Log.WithError(err).WithField("metric", metric).Debug("Metric collection failed.")
			}
			return nil
		})
	}

	collect("cpu", func(ctx context.Context) error {
		cores, err := c.CPUPercent(ctx, cpuInterval)
		if err != nil {
			return err
		}
		mu.Lock()
		snapshot.CPU = cores
		mu.Unlock()
		return nil
	})
	collect("memory", func(ctx context.Context) error {
		memory, err := c.Memory(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		snapshot.Memory = memory
		mu.Unlock()
		return nil
	})
	collect("disk", func(ctx context.Context) error {
		usage, err := c.Disk(ctx, "")
		if err != nil {
			return err
		}
		mu.Lock()
		snapshot.Disk = usage
		mu.Unlock()
		return nil
	})
	collect("load", func(ctx context.Context) error {
		averages, err := c.Load(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		snapshot.Load = averages
		mu.Unlock()
		return nil
	})
	if c.cfg.Docker != nil {
		collect("docker", func(ctx context.Context) error {
			stats, err := c.cfg.Docker.Stats(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			snapshot.Docker = stats
			mu.Unlock()
			return nil
		})
	}
	for _, name := range c.cfg.Services {
		name := name
		collect("service "+name, func(ctx context.Context) error {
			usage, err := c.cfg.Probe.ServiceUsage(ctx, name)
			if err != nil {
				return err
			}
			mu.Lock()
			snapshot.Services = append(snapshot.Services, usage)
			mu.Unlock()
			return nil
		})
	}
	for _, name := range c.cfg.Processes {
		name := name
		collect("process "+name, func(ctx context.Context) error {
			matched, err := c.cfg.Probe.FindProcesses(ctx, name)
			if err != nil {
				return err
			}
			mu.Lock()
			snapshot.Processes = append(snapshot.Processes, matched...)
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}
	// concurrent appends land in arrival order; sort so successive
	// frames stay comparable
	sortUsage(snapshot.Services)
	sortUsage(snapshot.Processes)
	return snapshot, nil
}

func sortUsage(usage []platform.ProcessUsage) {
	sort.Slice(usage, func(i, j int) bool {
		if usage[i].Name != usage[j].Name {
			return usage[i].Name < usage[j].Name
		}
		return usage[i].PID < usage[j].PID
	})
}
