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

// Package certs reads the host's certbot certificate store.
package certs

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/gravitational/ninja"
	"github.com/gravitational/ninja/lib/httplib"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// certbotBin is resolved on PATH; certbot installs are not relocatable
// enough to make this worth configuring.
const certbotBin = "certbot"

// CommandFunc builds the certbot invocation. Injectable so tests
// substitute canned output.
type CommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

// Config holds certificate store construction parameters.
type Config struct {
	// HostPassword feeds sudo -S; listing refuses to run without it
	HostPassword string
	// Command runs certbot, defaults to exec.CommandContext
	Command CommandFunc
	// LookPath resolves the certbot binary, defaults to exec.LookPath
	LookPath func(file string) (string, error)
	// Log is the component logger
	Log *log.Entry
}

// CheckAndSetDefaults fills optional fields.
func (c *Config) CheckAndSetDefaults() error {
	if c.Command == nil {
		c.Command = exec.CommandContext
	}
	if c.LookPath == nil {
		c.LookPath = exec.LookPath
	}
	if c.Log == nil {
		c.Log = log.WithFields(log.Fields{ninja.Component: ninja.ComponentCerts})
	}
	return nil
}

// Store lists the certificates certbot manages on this host.
type Store struct {
	cfg Config
}

// New returns a certificate store reader.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{cfg: cfg}, nil
}

// Certificate is one record from the certbot store.
type Certificate struct {
	Name     string   `json:"name"`
	Serial   string   `json:"serial_number"`
	KeyType  string   `json:"key_type"`
	Domains  []string `json:"domains"`
	Expiry   string   `json:"expiry_date"`
	CertPath string   `json:"certificate_path"`
	KeyPath  string   `json:"private_key_path"`
}

// List runs certbot under sudo and parses its certificate report.
// The host password gates the whole operation: without it the probe
// cannot elevate, so the caller gets an access error before anything
// runs.
func (s *Store) List(ctx context.Context) ([]Certificate, error) {
	if s.cfg.HostPassword == "" {
		return nil, trace.AccessDenied("host password is not configured")
	}
	if _, err := s.cfg.LookPath(certbotBin); err != nil {
		return nil, httplib.ExpectationFailed("certbot is not installed on this host")
	}

	cmd := s.cfg.Command(ctx, "sudo", "-S", certbotBin, "certificates")
	cmd.Stdin = strings.NewReader(s.cfg.HostPassword + "\n")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, trace.Wrap(err, "certbot certificates: %v", msg)
	}

	certificates := Parse(stdout.Bytes())
	if len(certificates) == 0 {
		return nil, trace.NotFound("no certificates found on this host")
	}
	s.cfg.Log.WithField("count", len(certificates)).Debug("Parsed certificate store.")
	return certificates, nil
}

// Parse walks the certbot report line by line, buffering fields until
// the next "Certificate Name:" header or the end of input flushes the
// record. Blocks missing individual fields, the private key path
// included, still yield a record.
func Parse(report []byte) []Certificate {
	var certificates []Certificate
	var current Certificate
	flush := func() {
		if current.Name != "" {
			certificates = append(certificates, current)
		}
		current = Certificate{}
	}

	scanner := bufio.NewScanner(bytes.NewReader(report))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case cut(line, "Certificate Name:", func(v string) {
			flush()
			current.Name = v
		}):
		case cut(line, "Serial Number:", func(v string) { current.Serial = v }):
		case cut(line, "Key Type:", func(v string) { current.KeyType = v }):
		case cut(line, "Domains:", func(v string) { current.Domains = strings.Fields(v) }):
		case cut(line, "Expiry Date:", func(v string) { current.Expiry = v }):
		case cut(line, "Certificate Path:", func(v string) { current.CertPath = v }):
		case cut(line, "Private Key Path:", func(v string) { current.KeyPath = v }):
		}
	}
	flush()
	return certificates
}

// cut matches a field prefix and hands the trimmed remainder to set.
func cut(line, prefix string, set func(string)) bool {
	value, ok := strings.CutPrefix(line, prefix)
	if !ok {
		return false
	}
	set(strings.TrimSpace(value))
	return true
}
