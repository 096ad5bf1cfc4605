// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// ExtractAPIKey pulls the caller's API key from a passthrough request.
// Precedence: X-API-Key header, then the api_key query parameter, then an
// Authorization bearer token. Returns "" when none is present.
func ExtractAPIKey(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	if key := c.Query("api_key"); key != "" {
		return key
	}
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
