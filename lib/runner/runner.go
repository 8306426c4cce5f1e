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

// Package runner executes operator-supplied commands, either
// synchronously with captured output or streamed to the caller as the
// process emits it.
package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/gravitational/ninja"
	"github.com/gravitational/ninja/lib/defaults"
	"github.com/gravitational/ninja/lib/httplib"
	"github.com/gravitational/trace"
	shellwords "github.com/mattn/go-shellwords"
	log "github.com/sirupsen/logrus"
)

// Request describes one execution.
type Request struct {
	// Command is the command line to run
	Command string
	// Timeout bounds the run; in stream mode it is the stream timeout
	Timeout time.Duration
	// Shell interprets Command through the system shell instead of
	// splitting it into an argument vector
	Shell bool
	// Strict turns a non-zero exit into an error instead of a result
	Strict bool
}

// Result carries captured output, one trimmed line per element.
type Result struct {
	Stdout []string `json:"stdout"`
	Stderr []string `json:"stderr"`
	// ExitCode is the process exit status; non-zero only reaches the
	// caller when the request was not strict
	ExitCode int `json:"exit_code"`
}

// Config holds runner construction parameters.
type Config struct {
	// Shell is the interpreter for Shell requests, defaulting per OS
	Shell string
	// MaxStreamTimeout caps the stream timeout a request may ask for
	MaxStreamTimeout time.Duration
	// Command builds the subprocess, swappable in tests
	Command func(ctx context.Context, name string, arg ...string) *exec.Cmd
	// Log is the component logger
	Log *log.Entry
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Shell == "" {
		c.Shell = defaults.UnixShell
		if runtime.GOOS == "windows" {
			c.Shell = defaults.WindowsShell
		}
	}
	if c.MaxStreamTimeout == 0 {
		c.MaxStreamTimeout = defaults.MFATimeout
	}
	if c.Command == nil {
		c.Command = exec.CommandContext
	}
	if c.Log == nil {
		c.Log = log.WithFields(log.Fields{ninja.Component: ninja.ComponentRunner})
	}
	return nil
}

// Runner spawns subprocesses on behalf of authenticated callers.
type Runner struct {
	cfg Config
}

// New returns a command runner.
func New(cfg Config) (*Runner, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Runner{cfg: cfg}, nil
}

// Run executes the command and captures its output. Hitting the
// timeout fails with request-timeout; a non-zero exit fails only when
// the request asked for strict handling.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout <= 0 {
		req.Timeout = defaults.RunTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	cmd, err := r.build(ctx, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.cfg.Log.WithField("command", req.Command).Info("Running command.")
	runErr := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, httplib.Timeout("command did not finish within " + req.Timeout.String())
	}
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, trace.Wrap(runErr)
		}
		if req.Strict {
			return nil, trace.Errorf("command exited with code %v: %v",
				exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		exitCode = exitErr.ExitCode()
	}
	return &Result{
		Stdout:   trimmedLines(stdout.String()),
		Stderr:   trimmedLines(stderr.String()),
		ExitCode: exitCode,
	}, nil
}

// Stream runs the command with stdout and stderr merged into w,
// writing output as the process produces it. The stream ends when the
// process exits, the timeout lapses, or ctx is canceled; none of
// those is an error once output has started flowing.
func (r *Runner) Stream(ctx context.Context, req Request, w io.Writer) error {
	if req.Timeout <= 0 {
		req.Timeout = defaults.RunTimeout
	}
	if req.Timeout > r.cfg.MaxStreamTimeout {
		return trace.BadParameter("stream timeout %v exceeds the allowed maximum %v",
			req.Timeout, r.cfg.MaxStreamTimeout)
	}
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	cmd, err := r.build(ctx, req)
	if err != nil {
		return trace.Wrap(err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	r.cfg.Log.WithField("command", req.Command).Info("Streaming command.")
	if err := cmd.Start(); err != nil {
		return trace.Wrap(err)
	}
	waitErr := cmd.Wait()
	if waitErr == nil || ctx.Err() != nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		// the exit diagnostic already went down the stream
		return nil
	}
	return trace.Wrap(waitErr)
}

func (r *Runner) build(ctx context.Context, req Request) (*exec.Cmd, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, trace.BadParameter("missing command")
	}
	if req.Shell {
		flag := "-c"
		if runtime.GOOS == "windows" {
			flag = "/C"
		}
		return r.cfg.Command(ctx, r.cfg.Shell, flag, req.Command), nil
	}
	args, err := shellwords.Parse(req.Command)
	if err != nil {
		return nil, trace.BadParameter("cannot parse command: %v", err)
	}
	if len(args) == 0 {
		return nil, trace.BadParameter("missing command")
	}
	return r.cfg.Command(ctx, args[0], args[1:]...), nil
}

// trimmedLines splits captured output into whitespace-trimmed lines.
func trimmedLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return []string{}
	}
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return lines
}
