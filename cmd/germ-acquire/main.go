// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsls2/germ-acquire/internal/acquisition"
	"github.com/nsls2/germ-acquire/internal/config"
	"github.com/nsls2/germ-acquire/internal/control"
	"github.com/nsls2/germ-acquire/internal/controlplane"
	"github.com/nsls2/germ-acquire/internal/ingest/udpcollect"
	"github.com/nsls2/germ-acquire/internal/ingest/zmqsub"
	"github.com/nsls2/germ-acquire/internal/registry"
	"github.com/nsls2/germ-acquire/internal/runtimeEnv"
	"github.com/nsls2/germ-acquire/internal/sink"
	"github.com/nsls2/germ-acquire/pkg/germlog"
	"github.com/nsls2/germ-acquire/pkg/nats"
)

func main() {
	var flagConfigFile, flagLogLevel string
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the default configuration with those specified in `config.json`")
	flag.StringVar(&flagLogLevel, "loglevel", "info", "One of debug, info, warn, err, crit")
	flag.Parse()

	germlog.SetLevel(flagLogLevel)

	args := flag.Args()
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(os.Stderr, "usage: germ-acquire [-config file] [-loglevel level] <detector-host> [<collector-host>]")
		os.Exit(2)
	}
	detectorHost := args[0]

	keys, err := config.Load(flagConfigFile)
	if err != nil {
		germlog.Fatalf("config: %v", err)
	}
	if detectorHost == "" {
		detectorHost = keys.DetectorHost
	}
	collectorHost := keys.CollectorHost
	if len(args) == 2 {
		collectorHost = args[1]
	}

	if err := run(detectorHost, collectorHost, keys); err != nil {
		germlog.Fatalf("%v", err)
	}
}

func run(detectorHost, collectorHost string, keys config.Keys) error {
	controlTimeout := keys.ControlTimeoutDuration()

	reg, err := control.Dial(detectorHost, controlTimeout)
	if err != nil {
		return fmt.Errorf("connect control socket: %w", err)
	}
	defer reg.Close()

	assets, err := registry.Open(keys.Registry.DBPath)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	defer assets.Close()

	var controller *acquisition.Controller
	var closers []func()

	if collectorHost != "" {
		handshake, err := control.DialHandshake(detectorHost, controlTimeout)
		if err != nil {
			return fmt.Errorf("connect handshake socket: %w", err)
		}
		closers = append(closers, handshake.Close)

		localAddr := fmt.Sprintf("%s:5557", collectorHost)
		remoteAddr := fmt.Sprintf("%s:5557", detectorHost)
		collector, err := udpcollect.Dial(localAddr, remoteAddr, keys.WriteRoot, controlTimeout)
		if err != nil {
			return fmt.Errorf("connect udp collector: %w", err)
		}
		closers = append(closers, func() { collector.Close() })

		controller = acquisition.NewUDPController(reg, handshake, collector, assets)
	} else {
		backend, err := sink.New(sink.Kind(keys.Sink.Kind))
		if err != nil {
			return fmt.Errorf("sink: %w", err)
		}

		ingester, err := zmqsub.Dial(detectorHost, int(keys.MaxEvents))
		if err != nil {
			return fmt.Errorf("connect zmq data socket: %w", err)
		}
		closers = append(closers, ingester.Close)

		controller = acquisition.NewZMQController(reg, ingester, backend, assets)
	}
	defer func() {
		for _, fn := range closers {
			fn()
		}
	}()

	if keys.RunAsUser != "" || keys.RunAsGroup != "" {
		if err := runtimeEnv.DropPrivileges(keys.RunAsUser, keys.RunAsGroup); err != nil {
			return fmt.Errorf("drop privileges: %w", err)
		}
	}

	nc, err := nats.NewClient(keys.ControlPlane)
	if err != nil {
		return fmt.Errorf("control plane: %w", err)
	}
	defer nc.Close()

	server := controlplane.NewServer(nc, controller)
	if err := server.Serve(); err != nil {
		return fmt.Errorf("control plane: %w", err)
	}

	runtimeEnv.NotifySystemd(true, "running")
	waitForShutdown()
	runtimeEnv.NotifySystemd(false, "shutting down")
	return nil
}

func waitForShutdown() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
}
