// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/ollamarelay/services/gateway/datatypes"
	"github.com/AleutianAI/ollamarelay/services/gateway/middleware"
	"github.com/AleutianAI/ollamarelay/services/registry"
)

// CreatePlan adds a rate-limit plan. Admin only.
func CreatePlan(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.PlanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		plan, err := store.CreatePlan(c.Request.Context(), registry.PlanInput{
			Name:        req.Name,
			Description: req.Description,
			RPM:         req.RPM,
			RPD:         req.RPD,
			IsDefault:   req.IsDefault,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, plan)
	}
}

// UpdatePlan replaces a plan's fields. Admin only.
func UpdatePlan(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		var req datatypes.PlanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		plan, err := store.UpdatePlan(c.Request.Context(), id, registry.PlanInput{
			Name:        req.Name,
			Description: req.Description,
			RPM:         req.RPM,
			RPD:         req.RPD,
			IsDefault:   req.IsDefault,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, plan)
	}
}

// ListPlans serves the paginated plan listing. Admin only.
func ListPlans(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, err := store.ListPlans(c.Request.Context(),
			bindPageParams(c), c.Query("search"), c.Query("order_by"))
		if err != nil {
			if strings.Contains(err.Error(), "invalid order_by") {
				badRequest(c, err.Error())
				return
			}
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

// DeletePlan removes a plan, detaching its users. Admin only.
func DeletePlan(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		if err := store.DeletePlan(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Plan deleted"})
	}
}

// MyPlan returns the caller's effective plan: their assigned plan, or the
// default plan when none is assigned.
func MyPlan(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		user := middleware.CurrentUser(c)
		var (
			plan *registry.Plan
			err  error
		)
		if user.PlanID != nil {
			plan, err = store.GetPlan(ctx, *user.PlanID)
		} else {
			plan, err = store.DefaultPlan(ctx)
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, plan)
	}
}
