// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/ollamarelay/services/gateway/datatypes"
)

// GreetingMessage is served at the passthrough root, mirroring the banner a
// real Ollama server prints.
const GreetingMessage = "Ollama is running"

// HealthCheck reports process liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Greeting serves the root banner.
func Greeting(c *gin.Context) {
	c.JSON(http.StatusOK, datatypes.Greeting{Message: GreetingMessage})
}
