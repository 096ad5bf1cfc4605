// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/ollamarelay/services/gateway/datatypes"
	"github.com/AleutianAI/ollamarelay/services/registry"
)

// TestScheduler is the scheduler surface the endpoint handlers need.
type TestScheduler interface {
	ScheduleEndpointTest(ctx context.Context, endpointID int64, at time.Time) (*registry.EndpointTestTask, error)
}

// CreateEndpoint registers one backend and schedules its first probe.
// Registering an existing URL again is an upsert, not an error.
func CreateEndpoint(store *registry.Store, sched TestScheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.EndpointCreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		ctx := c.Request.Context()
		endpoint, err := store.UpsertEndpoint(ctx, normalizeURL(req.URL), req.Name)
		if err != nil {
			writeError(c, err)
			return
		}
		if _, err := sched.ScheduleEndpointTest(ctx, endpoint.ID, time.Now()); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, endpoint)
	}
}

// BatchCreateEndpoints registers several backends, scheduling a probe for
// each. Individual failures are reported, not fatal to the batch.
func BatchCreateEndpoints(store *registry.Store, sched TestScheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.EndpointBatchCreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		ctx := c.Request.Context()

		created := make([]registry.Endpoint, 0, len(req.URLs))
		failed := make([]string, 0)
		for _, url := range req.URLs {
			endpoint, err := store.UpsertEndpoint(ctx, normalizeURL(url), "")
			if err != nil {
				failed = append(failed, url)
				continue
			}
			if _, err := sched.ScheduleEndpointTest(ctx, endpoint.ID, time.Now()); err != nil {
				failed = append(failed, url)
				continue
			}
			created = append(created, *endpoint)
		}
		c.JSON(http.StatusCreated, gin.H{"created": created, "failed": failed})
	}
}

// ListEndpoints serves the paginated endpoint listing with model counts and
// latest probe status.
func ListEndpoints(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, err := store.ListEndpoints(c.Request.Context(),
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

// GetEndpoint serves the endpoint detail: the row, its model links and its
// recent probe snapshots.
func GetEndpoint(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		endpoint, err := store.GetEndpoint(ctx, id)
		if err != nil {
			writeError(c, err)
			return
		}
		links, err := store.EndpointModelLinks(ctx, id)
		if err != nil {
			writeError(c, err)
			return
		}
		perfs, err := store.RecentEndpointPerformances(ctx, id, 10)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"endpoint":     endpoint,
			"models":       links,
			"performances": perfs,
		})
	}
}

// UpdateEndpoint renames a backend.
func UpdateEndpoint(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		var req datatypes.EndpointUpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if err := store.RenameEndpoint(c.Request.Context(), id, req.Name); err != nil {
			writeError(c, err)
			return
		}
		endpoint, err := store.GetEndpoint(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, endpoint)
	}
}

// DeleteEndpoint removes a backend and all its history.
func DeleteEndpoint(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		if err := store.DeleteEndpoint(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Endpoint deleted"})
	}
}

// TestEndpoint schedules an on-demand probe.
func TestEndpoint(store *registry.Store, sched TestScheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		if _, err := store.GetEndpoint(ctx, id); err != nil {
			writeError(c, err)
			return
		}
		task, err := sched.ScheduleEndpointTest(ctx, id, time.Now())
		if err != nil {
			writeError(c, err)
			return
		}
		if task == nil {
			c.JSON(http.StatusOK, gin.H{"message": "A test is already running for this endpoint"})
			return
		}
		c.JSON(http.StatusAccepted, task)
	}
}

// normalizeURL strips the trailing slash so one backend cannot register
// twice under two spellings.
func normalizeURL(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}
