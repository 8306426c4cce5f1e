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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/ninja"
	"github.com/gravitational/ninja/lib/config"
	"github.com/gravitational/ninja/lib/service"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

func main() {
	if err := Run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

// Run parses the command line and dispatches. Configuration merges in
// three layers: file, then environment, then flags.
func Run(args []string) error {
	var clf config.CommandLineFlags

	app := kingpin.New("ninja", "Authenticated agent for remote host monitoring and management.")
	app.Flag("config", "Path to a configuration file.").Short('c').StringVar(&clf.ConfigFile)
	app.Flag("debug", "Verbose logging to stderr.").Short('d').BoolVar(&clf.Debug)
	app.HelpFlag.Short('h')

	start := app.Command("start", "Start the agent.").Default()
	start.Flag("host", "Bind address, overriding the configuration.").StringVar(&clf.ListenHost)
	start.Flag("port", "Listen port, overriding the configuration.").IntVar(&clf.ListenPort)

	version := app.Command("version", "Print the agent version.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}
	initLogger(clf.Debug)

	switch command {
	case start.FullCommand():
		return trace.Wrap(onStart(clf))
	case version.FullCommand():
		fmt.Println(ninja.Version)
		return nil
	}
	return trace.BadParameter("command %q not configured", command)
}

// onStart runs the agent until a termination signal arrives.
func onStart(clf config.CommandLineFlags) error {
	cfg, err := config.Load(clf.ConfigFile)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.Apply(clf)
	initLogger(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent, err := service.New(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := agent.Start(ctx); err != nil {
		agent.Close()
		return trace.Wrap(err)
	}
	return trace.Wrap(agent.Wait(ctx))
}

func initLogger(debug bool) {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if debug {
		log.SetLevel(log.DebugLevel)
		return
	}
	log.SetLevel(log.InfoLevel)
}
