// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/ollamarelay/services/gateway/datatypes"
	"github.com/AleutianAI/ollamarelay/services/registry"
)

// SettingsNotifier is poked after a setting changes so background loops can
// pick up the new value.
type SettingsNotifier interface {
	Reschedule()
}

// ListSettings returns all settings. Admin only.
func ListSettings(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		settings, err := store.ListSettings(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, settings)
	}
}

// GetSetting returns one setting by key. Admin only.
func GetSetting(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		setting, err := store.GetSetting(c.Request.Context(), c.Param("key"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, setting)
	}
}

// PutSetting replaces one setting value. The probe interval key is bounded
// to [1, 1440] hours and pokes the scheduler on success. Admin only.
func PutSetting(store *registry.Store, notifier SettingsNotifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		var req datatypes.SettingUpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		if key == registry.SettingUpdateIntervalHours {
			hours, err := strconv.Atoi(req.Value)
			if err != nil || hours < 1 || hours > 1440 {
				badRequest(c, "update_endpoint_task_interval_hours must be an integer between 1 and 1440")
				return
			}
		}

		setting, err := store.PutSetting(c.Request.Context(), key, req.Value)
		if err != nil {
			writeError(c, err)
			return
		}
		if key == registry.SettingUpdateIntervalHours && notifier != nil {
			notifier.Reschedule()
		}
		c.JSON(http.StatusOK, setting)
	}
}
