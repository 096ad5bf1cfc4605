// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gateway assembles the HTTP service from its parts and runs it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/ollamarelay/pkg/config"
	"github.com/AleutianAI/ollamarelay/pkg/logging"
	"github.com/AleutianAI/ollamarelay/services/gateway/handlers"
	"github.com/AleutianAI/ollamarelay/services/gateway/middleware"
	"github.com/AleutianAI/ollamarelay/services/gateway/routes"
	"github.com/AleutianAI/ollamarelay/services/ratelimit"
	"github.com/AleutianAI/ollamarelay/services/registry"
	"github.com/AleutianAI/ollamarelay/services/router"
	"github.com/AleutianAI/ollamarelay/services/scheduler"
)

// Gateway is the assembled HTTP service.
type Gateway struct {
	engine *gin.Engine
	server *http.Server
	log    *logging.Logger
}

// New wires the engine: middleware, admin routes and the passthrough.
func New(cfg *config.Config, store *registry.Store, sched *scheduler.Scheduler, log *logging.Logger) *Gateway {
	if cfg.App.Env == config.EnvProd {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS())

	issuer := middleware.NewTokenIssuer(cfg.App.SecretKey, cfg.App.Algorithm,
		time.Duration(cfg.App.AccessTokenExpireMinutes)*time.Minute)
	forwarder := handlers.NewForwarder(store, router.New(store), ratelimit.New(store), log)

	routes.Setup(engine, routes.Deps{
		Store:     store,
		Issuer:    issuer,
		Scheduler: sched,
		Forwarder: forwarder,
	})

	return &Gateway{
		engine: engine,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.App.Port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Engine exposes the router for tests.
func (g *Gateway) Engine() *gin.Engine { return g.engine }

// Run serves until ctx is cancelled, then drains connections gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		g.log.Info("HTTP server listening", "addr", g.server.Addr)
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := g.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	g.log.Info("HTTP server stopped")
	return nil
}
