// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the request and response shapes of the admin API.
package datatypes

// ErrorResponse is the uniform error body: {"detail": "..."}.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// UserInitRequest bootstraps the first account.
type UserInitRequest struct {
	Username string `json:"username" binding:"required,min=3,max=64"`
	Password string `json:"password" binding:"required,min=8,max=128"`
}

// LoginRequest carries form credentials for POST /user/login.
type LoginRequest struct {
	Username string `form:"username" binding:"required"`
	Password string `form:"password" binding:"required"`
}

// TokenResponse is the login result.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// PasswordChangeRequest lets a user rotate their own password.
type PasswordChangeRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required,min=8,max=128"`
}

// UserUpdateRequest is the admin edit of an account. Nil fields are left
// unchanged.
type UserUpdateRequest struct {
	IsAdmin *bool  `json:"is_admin"`
	PlanID  *int64 `json:"plan_id"`
}

// EndpointCreateRequest registers one backend.
type EndpointCreateRequest struct {
	URL  string `json:"url" binding:"required,url"`
	Name string `json:"name" binding:"max=128"`
}

// EndpointBatchCreateRequest registers several backends at once.
type EndpointBatchCreateRequest struct {
	URLs []string `json:"urls" binding:"required,min=1,max=500,dive,url"`
}

// EndpointUpdateRequest renames a backend.
type EndpointUpdateRequest struct {
	Name string `json:"name" binding:"required,max=128"`
}

// APIKeyCreateRequest names a new key.
type APIKeyCreateRequest struct {
	Name string `json:"name" binding:"max=128"`
}

// PlanRequest creates or replaces a plan.
type PlanRequest struct {
	Name        string `json:"name" binding:"required,max=64"`
	Description string `json:"description" binding:"max=512"`
	RPM         int    `json:"rpm" binding:"gte=0"`
	RPD         int    `json:"rpd" binding:"gte=0"`
	IsDefault   bool   `json:"is_default"`
}

// SettingUpdateRequest replaces one setting value.
type SettingUpdateRequest struct {
	Value string `json:"value" binding:"required,max=256"`
}

// Greeting is the root response of the passthrough surface.
type Greeting struct {
	Message string `json:"message"`
}

// OpenAIModel is one entry of the /v1/models listing.
type OpenAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// OpenAIModelList is the OpenAI-shaped model listing.
type OpenAIModelList struct {
	Object string        `json:"object"`
	Data   []OpenAIModel `json:"data"`
}

// OllamaTagModel is one entry of the Ollama-shaped /api/tags union.
type OllamaTagModel struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

// OllamaTagList is the Ollama-shaped model listing.
type OllamaTagList struct {
	Models []OllamaTagModel `json:"models"`
}
