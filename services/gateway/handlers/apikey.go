// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/ollamarelay/services/gateway/datatypes"
	"github.com/AleutianAI/ollamarelay/services/gateway/middleware"
	"github.com/AleutianAI/ollamarelay/services/registry"
)

// CreateAPIKey mints a new key for the caller. The key string is a uuid4 and
// is only shown in this response.
func CreateAPIKey(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.APIKeyCreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		user := middleware.CurrentUser(c)
		key, err := store.CreateAPIKey(c.Request.Context(), user.ID, uuid.NewString(), req.Name)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, key)
	}
}

// ListAPIKeys returns the caller's active keys.
func ListAPIKeys(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)
		keys, err := store.ListAPIKeys(c.Request.Context(), user.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, keys)
	}
}

// RevokeAPIKey soft-deletes one of the caller's keys.
func RevokeAPIKey(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		user := middleware.CurrentUser(c)
		if err := store.RevokeAPIKey(c.Request.Context(), user.ID, id); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "API key revoked"})
	}
}

// APIKeyUsage serves the usage stats of one of the caller's keys: lifetime
// totals plus a 30-day daily series.
func APIKeyUsage(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		user := middleware.CurrentUser(c)

		key, err := store.GetAPIKey(ctx, id)
		if err != nil {
			writeError(c, err)
			return
		}
		if key.UserID != user.ID {
			writeError(c, registry.ErrNotFound)
			return
		}
		stats, err := store.APIKeyUsage(ctx, id, time.Now())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}
