// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nokiatech/omaf-sub001/cmd/omafplayer/app"
	"github.com/nokiatech/omaf-sub001/internal"
	"github.com/nokiatech/omaf-sub001/internal/telemetry"
	"github.com/nokiatech/omaf-sub001/pkg/logging"
)

func main() {
	os.Exit(run())
}

func run() (exitCode int) {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" {
			internal.PrintVersion()
			return 0
		}
	}

	cfg, err := app.LoadConfig(os.Args)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err.Error())
		return 1
	}

	if err := logging.InitSlog(cfg.LogLevel, cfg.LogFormat); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error initializing logging: %s\n", err.Error())
		return 1
	}
	log := slog.Default()

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)

	player, err := app.NewPlayer(log, cfg, metrics)
	if err != nil {
		log.Error("failed to start player", "err", err)
		return 1
	}
	debugServer := app.NewDebugServer(player, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("debug server listening", "addr", cfg.DebugAddr)
		if err := http.ListenAndServe(cfg.DebugAddr, debugServer.Router); err != nil && err != http.ErrServerClosed {
			log.Error("debug server failed", "err", err)
		}
	}()

	runDone := make(chan error, 1)
	go func() {
		runDone <- player.Run(ctx)
	}()

	select {
	case <-stopSignal:
		cancel()
		<-runDone
	case err := <-runDone:
		if err != nil {
			log.Error("player run failed", "err", err)
			return 1
		}
	}

	log.Info("omafplayer stopped")
	return 0
}
