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

// Package service assembles the agent from its parts and runs them as
// one process: the sqlite store and its sweeper, the authentication
// gate, the delivery channels, the probes, and the HTTP surface on
// top of them.
package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/ninja"
	"github.com/gravitational/ninja/lib/auth"
	"github.com/gravitational/ninja/lib/certs"
	"github.com/gravitational/ninja/lib/config"
	"github.com/gravitational/ninja/lib/defaults"
	"github.com/gravitational/ninja/lib/dockerm"
	"github.com/gravitational/ninja/lib/limiter"
	"github.com/gravitational/ninja/lib/mfa"
	"github.com/gravitational/ninja/lib/monitor"
	"github.com/gravitational/ninja/lib/platform"
	"github.com/gravitational/ninja/lib/runner"
	"github.com/gravitational/ninja/lib/session"
	"github.com/gravitational/ninja/lib/storage"
	"github.com/gravitational/ninja/lib/transfer"
	"github.com/gravitational/ninja/lib/web"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// Agent is one running instance of the host agent.
type Agent struct {
	cfg *config.Config
	log *log.Entry

	store   *storage.Store
	sweeper *storage.Sweeper
	server  *http.Server

	listener net.Listener
	errCh    chan error
}

// New wires every component from the merged configuration. The docker
// client is best-effort: a host without a reachable daemon still runs,
// its docker routes answering 501.
func New(ctx context.Context, cfg *config.Config) (*Agent, error) {
	if cfg == nil {
		return nil, trace.BadParameter("missing configuration")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, trace.BadParameter("apikey is required")
	}
	if cfg.Database == "" {
		cfg.Database = defaults.DatabaseFile
	}
	logger := log.WithFields(log.Fields{ninja.Component: ninja.ComponentAgent})
	clock := clockwork.NewRealClock()

	store, err := storage.New(storage.Config{Path: cfg.Database, Clock: clock})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sweeper, err := storage.NewSweeper(storage.SweeperConfig{Path: cfg.Database, Clock: clock})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}

	agent, err := assemble(ctx, cfg, store, clock, logger)
	if err != nil {
		sweeper.Close()
		store.Close()
		return nil, trace.Wrap(err)
	}
	agent.store = store
	agent.sweeper = sweeper
	return agent, nil
}

// assemble builds everything above the store. Split out so New can
// unwind the store handles on any construction error.
func assemble(ctx context.Context, cfg *config.Config, store *storage.Store, clock clockwork.Clock, logger *log.Entry) (*Agent, error) {
	probe, err := platform.New(platform.Config{
		ServiceLib:   cfg.ServiceLib,
		DiskLib:      cfg.DiskLib,
		GPULib:       cfg.GPULib,
		ProcessorLib: cfg.ProcessorLib,
		Clock:        clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	channels, err := buildChannels(cfg, clock)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	controller, err := mfa.New(mfa.Config{
		Store:               store,
		Channels:            channels,
		AuthenticatorSecret: cfg.AuthenticatorToken,
		Timeout:             time.Duration(cfg.MFATimeout) * time.Second,
		ResendDelay:         time.Duration(cfg.MFAResendDelay) * time.Second,
		Clock:               clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	gate, err := auth.New(ctx, auth.Config{
		APIKey:          cfg.APIKey,
		APISecret:       cfg.APISecret,
		RemoteExecution: cfg.RemoteExecution,
		Store:           store,
		MFA:             controller,
		Clock:           clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	run, err := runner.New(runner.Config{
		MaxStreamTimeout: time.Duration(cfg.MFATimeout) * time.Second,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	mover, err := transfer.New(transfer.Config{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	certStore, err := certs.New(certs.Config{HostPassword: cfg.HostPassword})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	docker := connectDocker(ctx, logger)

	monitorCfg := monitor.Config{
		Probe:     probe,
		Services:  cfg.Services,
		Processes: cfg.Processes,
		Clock:     clock,
	}
	if docker != nil {
		monitorCfg.Docker = docker
	}
	collector, err := monitor.New(monitorCfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sessionTTL := time.Duration(cfg.MonitorSession) * time.Second
	if sessionTTL <= 0 {
		sessionTTL = defaults.MonitorSessionTTL
	}
	sessions := session.NewMonitor(sessionTTL, clock)

	limits := make([]limiter.Limit, 0, len(cfg.RateLimits))
	for _, rl := range cfg.RateLimits {
		limits = append(limits, limiter.Limit{
			MaxRequests: rl.MaxRequests,
			Window:      time.Duration(rl.Seconds) * time.Second,
		})
	}

	handler, err := web.NewHandler(web.Config{
		Gate:       gate,
		MFA:        controller,
		Probe:      probe,
		Runner:     run,
		Transfer:   mover,
		Docker:     docker,
		Certs:      certStore,
		Collector:  collector,
		Sessions:   sessions,
		Limits:     limits,
		UIUsername: cfg.MonitorUsername,
		UIPassword: cfg.MonitorPassword,
		Clock:      clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &Agent{
		cfg: cfg,
		log: logger,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: defaults.ReadHeadersTimeout,
		},
		errCh: make(chan error, 1),
	}, nil
}

// buildChannels assembles the delivery channels the configuration
// provisions. An agent with no channels still runs; only issuing a
// code requires one.
func buildChannels(cfg *config.Config, clock clockwork.Clock) (map[string]mfa.Channel, error) {
	channels := make(map[string]mfa.Channel)
	if cfg.MailgunDomain != "" || cfg.MailgunAPIKey != "" {
		email, err := mfa.NewEmailChannel(mfa.EmailConfig{
			Domain:    cfg.MailgunDomain,
			APIKey:    cfg.MailgunAPIKey,
			Sender:    cfg.EmailSender,
			Recipient: cfg.EmailRecipient,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		channels[mfa.ChannelEmail] = email
	}
	if cfg.NtfyURL != "" || cfg.NtfyTopic != "" {
		push, err := mfa.NewPushChannel(mfa.PushConfig{
			URL:      cfg.NtfyURL,
			Topic:    cfg.NtfyTopic,
			Username: cfg.NtfyUsername,
			Password: cfg.NtfyPassword,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		channels[mfa.ChannelPush] = push
	}
	if cfg.AuthenticatorToken != "" {
		authenticator, err := mfa.NewAuthenticatorChannel(cfg.AuthenticatorToken, clock)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		channels[mfa.ChannelAuthenticator] = authenticator
	}
	return channels, nil
}

// connectDocker returns a working docker client or nil.
func connectDocker(ctx context.Context, logger *log.Entry) *dockerm.Client {
	docker, err := dockerm.New(dockerm.Config{})
	if err != nil {
		logger.WithError(err).Info("Docker client unavailable, container routes disabled.")
		return nil
	}
	if err := docker.Ping(ctx); err != nil {
		logger.WithError(err).Info("Docker daemon unreachable, container routes disabled.")
		return nil
	}
	return docker
}

// Start binds the listener, then serves in the background. The
// sweeper runs until ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return trace.Wrap(err)
	}
	a.listener = listener

	go a.sweeper.Run(ctx)
	go func() {
		a.errCh <- a.server.Serve(listener)
	}()

	a.log.WithFields(log.Fields{
		"addr":    listener.Addr().String(),
		"version": ninja.Version,
	}).Info("Agent is listening.")
	return nil
}

// Addr reports the bound listen address, nil before Start.
func (a *Agent) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Wait blocks until the context is cancelled or the server fails. On
// cancellation the agent shuts down gracefully, bounded by the
// shutdown timeout.
func (a *Agent) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		a.log.Info("Shutdown signal received.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
		defer cancel()
		return trace.Wrap(a.Shutdown(shutdownCtx))
	case err := <-a.errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return trace.Wrap(err)
	}
}

// Shutdown stops accepting connections, waits for in-flight requests
// up to the context deadline, then releases the store.
func (a *Agent) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	errs = append(errs, a.sweeper.Close(), a.store.Close())
	return trace.NewAggregate(errs...)
}

// Close tears the agent down without waiting for in-flight requests.
func (a *Agent) Close() error {
	return trace.NewAggregate(
		a.server.Close(),
		a.sweeper.Close(),
		a.store.Close(),
	)
}
