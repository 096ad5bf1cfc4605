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

	"github.com/AleutianAI/ollamarelay/services/registry"
)

// ListAIModels serves the paginated model listing with endpoint counts.
// ?search= matches the name (a "name:tag" search constrains both parts);
// ?is_available=true keeps only models with a routable endpoint.
func ListAIModels(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		availableOnly := false
		if raw := c.Query("is_available"); raw != "" {
			parsed, err := strconv.ParseBool(raw)
			if err != nil {
				badRequest(c, "Invalid is_available")
				return
			}
			availableOnly = parsed
		}
		page, err := store.ListAIModels(c.Request.Context(),
			bindPageParams(c), c.Query("search"), availableOnly)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}
