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

// Package platform is the OS portability layer: it discovers disks,
// GPUs, processors and managed services on the three supported
// operating systems and hides the per-OS tooling behind one Probe.
package platform

import (
	"bytes"
	"os/exec"
	"runtime"
	"strings"

	"github.com/gravitational/ninja"
	"github.com/gravitational/ninja/lib/defaults"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

// OS identifies a supported host platform. The set is sealed: the
// agent refuses to start anywhere else.
type OS string

const (
	// Linux hosts drive services through systemctl and disks
	// through lsblk
	Linux OS = "linux"
	// Darwin hosts drive services through launchctl and disks
	// through diskutil
	Darwin OS = "darwin"
	// Windows hosts drive services through sc.exe and disks
	// through PowerShell
	Windows OS = "windows"
)

// Current returns the host OS or an error when the agent is started
// on an unsupported platform.
func Current() (OS, error) {
	switch runtime.GOOS {
	case "linux":
		return Linux, nil
	case "darwin":
		return Darwin, nil
	case "windows":
		return Windows, nil
	}
	return "", trace.BadParameter("unsupported operating system: %v", runtime.GOOS)
}

// CommandFunc builds the command a probe executes. Injectable so tests
// substitute canned output for system tools.
type CommandFunc func(name string, arg ...string) *exec.Cmd

// Config holds probe construction parameters.
type Config struct {
	// OS the probe issues tool invocations for
	OS OS
	// ServiceLib is the service manager binary (systemctl,
	// launchctl, sc.exe)
	ServiceLib string
	// DiskLib enumerates block devices (lsblk, diskutil, powershell)
	DiskLib string
	// GPULib enumerates display hardware (lshw, system_profiler, wmic)
	GPULib string
	// ProcessorLib names the CPU (unused on linux, which reads
	// /proc/cpuinfo)
	ProcessorLib string
	// Command runs tools, defaults to exec.Command
	Command CommandFunc
	// Clock measures cache expiry
	Clock clockwork.Clock
	// Log is the component logger
	Log *log.Entry
}

// CheckAndSetDefaults fills per-OS tool paths left empty.
func (c *Config) CheckAndSetDefaults() error {
	if c.OS == "" {
		current, err := Current()
		if err != nil {
			return trace.Wrap(err)
		}
		c.OS = current
	}
	switch c.OS {
	case Linux, Darwin, Windows:
	default:
		return trace.BadParameter("unsupported operating system: %v", c.OS)
	}
	if c.ServiceLib == "" {
		c.ServiceLib = map[OS]string{
			Linux:   "systemctl",
			Darwin:  "launchctl",
			Windows: `C:\Windows\System32\sc.exe`,
		}[c.OS]
	}
	if c.DiskLib == "" {
		c.DiskLib = map[OS]string{
			Linux:   "lsblk",
			Darwin:  "/usr/sbin/diskutil",
			Windows: "powershell",
		}[c.OS]
	}
	if c.GPULib == "" {
		c.GPULib = map[OS]string{
			Linux:   "lshw",
			Darwin:  "/usr/sbin/system_profiler",
			Windows: `C:\Windows\System32\wbem\wmic.exe`,
		}[c.OS]
	}
	if c.ProcessorLib == "" {
		c.ProcessorLib = map[OS]string{
			Linux:   "/proc/cpuinfo",
			Darwin:  "/usr/sbin/sysctl",
			Windows: `C:\Windows\System32\wbem\wmic.exe`,
		}[c.OS]
	}
	if c.Command == nil {
		c.Command = exec.Command
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithFields(log.Fields{ninja.Component: ninja.ComponentPlatform})
	}
	return nil
}

// Probe answers hardware and service questions for the host it runs
// on. Safe for concurrent use.
type Probe struct {
	cfg      Config
	services *cache.Cache
}

// New returns a probe for the configured OS.
func New(cfg Config) (*Probe, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Probe{
		cfg:      cfg,
		services: cache.New(defaults.ServiceCacheTTL, defaults.ServiceCacheTTL),
	}, nil
}

// OS returns the platform the probe was built for.
func (p *Probe) OS() OS { return p.cfg.OS }

// run executes a tool and captures its stdout. Stderr rides along in
// the error for the caller to log.
func (p *Probe) run(name string, args ...string) ([]byte, error) {
	cmd := p.cfg.Command(name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.Bytes(), trace.Wrap(err, "%v: %v", name, msg)
	}
	return stdout.Bytes(), nil
}
