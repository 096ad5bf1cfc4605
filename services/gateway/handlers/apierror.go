// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the HTTP handlers of the relay: the admin API
// under /api/v2 and the key-authenticated passthrough that proxies
// everything else to the best backend.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/ollamarelay/services/gateway/datatypes"
	"github.com/AleutianAI/ollamarelay/services/ratelimit"
	"github.com/AleutianAI/ollamarelay/services/registry"
	"github.com/AleutianAI/ollamarelay/services/router"
)

// writeError maps service errors to their HTTP status and the uniform
// {"detail": "..."} body.
func writeError(c *gin.Context, err error) {
	var limitErr *ratelimit.LimitError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Detail: "Not found"})
	case errors.Is(err, registry.ErrAlreadyExists):
		c.JSON(http.StatusConflict, datatypes.ErrorResponse{Detail: "Already exists"})
	case errors.Is(err, router.ErrNoEndpoints):
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Detail: "No available endpoint for the requested model"})
	case errors.As(err, &limitErr):
		c.JSON(http.StatusTooManyRequests, datatypes.ErrorResponse{Detail: limitErr.Error()})
	default:
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Detail: "Internal server error"})
	}
}

// badRequest writes a 400 with the given detail.
func badRequest(c *gin.Context, detail string) {
	c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Detail: detail})
}
