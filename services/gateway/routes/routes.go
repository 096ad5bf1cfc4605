// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the route table: the admin API under /api/v2 and the
// catch-all passthrough for everything else.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/ollamarelay/services/gateway/handlers"
	"github.com/AleutianAI/ollamarelay/services/gateway/middleware"
	"github.com/AleutianAI/ollamarelay/services/registry"
)

// Deps carries everything the route table needs.
type Deps struct {
	Store     *registry.Store
	Issuer    *middleware.TokenIssuer
	Scheduler interface {
		handlers.TestScheduler
		handlers.SettingsNotifier
	}
	Forwarder *handlers.Forwarder
}

// Setup installs all routes on the engine.
func Setup(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/", handlers.Greeting)

	v2 := router.Group("/api/v2")
	{
		user := v2.Group("/user")
		{
			user.POST("/init", handlers.InitUser(deps.Store))
			user.POST("/login", handlers.Login(deps.Store, deps.Issuer))

			authed := user.Group("", middleware.AuthRequired(deps.Store, deps.Issuer))
			{
				authed.GET("/me", handlers.Me())
				authed.POST("/password", handlers.ChangePassword(deps.Store))
				authed.GET("", middleware.AdminRequired(), handlers.ListUsers(deps.Store))
				authed.PATCH("/:id", middleware.AdminRequired(), handlers.UpdateUser(deps.Store))
			}
		}

		authed := v2.Group("", middleware.AuthRequired(deps.Store, deps.Issuer))
		{
			endpoint := authed.Group("/endpoint")
			{
				endpoint.GET("", handlers.ListEndpoints(deps.Store))
				endpoint.GET("/:id", handlers.GetEndpoint(deps.Store))

				admin := endpoint.Group("", middleware.AdminRequired())
				{
					admin.POST("", handlers.CreateEndpoint(deps.Store, deps.Scheduler))
					admin.POST("/batch", handlers.BatchCreateEndpoints(deps.Store, deps.Scheduler))
					admin.PATCH("/:id", handlers.UpdateEndpoint(deps.Store))
					admin.DELETE("/:id", handlers.DeleteEndpoint(deps.Store))
					admin.POST("/:id/test", handlers.TestEndpoint(deps.Store, deps.Scheduler))
				}
			}

			authed.GET("/ai_model", handlers.ListAIModels(deps.Store))

			apikey := authed.Group("/apikey")
			{
				apikey.POST("", handlers.CreateAPIKey(deps.Store))
				apikey.GET("", handlers.ListAPIKeys(deps.Store))
				apikey.DELETE("/:id", handlers.RevokeAPIKey(deps.Store))
				apikey.GET("/:id/usage", handlers.APIKeyUsage(deps.Store))
			}

			plan := authed.Group("/plan")
			{
				plan.GET("/me", handlers.MyPlan(deps.Store))

				admin := plan.Group("", middleware.AdminRequired())
				{
					admin.POST("", handlers.CreatePlan(deps.Store))
					admin.GET("", handlers.ListPlans(deps.Store))
					admin.PUT("/:id", handlers.UpdatePlan(deps.Store))
					admin.DELETE("/:id", handlers.DeletePlan(deps.Store))
				}
			}

			setting := authed.Group("/setting", middleware.AdminRequired())
			{
				setting.GET("", handlers.ListSettings(deps.Store))
				setting.GET("/:key", handlers.GetSetting(deps.Store))
				setting.PUT("/:key", handlers.PutSetting(deps.Store, deps.Scheduler))
			}
		}
	}

	// Everything else is key-authenticated passthrough to the backends.
	router.NoRoute(deps.Forwarder.Handle)
}
