// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// The gateway binary runs the whole relay in one process: the registry
// migrations, the probe scheduler and the HTTP service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/ollamarelay/pkg/config"
	"github.com/AleutianAI/ollamarelay/pkg/logging"
	"github.com/AleutianAI/ollamarelay/services/gateway"
	"github.com/AleutianAI/ollamarelay/services/probe"
	"github.com/AleutianAI/ollamarelay/services/registry"
	"github.com/AleutianAI/ollamarelay/services/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.App.LogLevel),
		Service: "gateway",
		JSON:    cfg.App.Env == config.EnvProd,
	})
	defer log.Close()

	if err := run(cfg, log); err != nil {
		log.Error("Gateway exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	store, err := registry.Open(openCtx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(openCtx); err != nil {
		return err
	}
	log.Info("Database ready", "engine", cfg.Database.Engine)

	sched := scheduler.New(store, probe.New(log), log)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sched.Shutdown(stopCtx); err != nil {
			log.Warn("Scheduler shutdown incomplete", "error", err)
		}
	}()

	return gateway.New(cfg, store, sched, log).Run(ctx)
}
