// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/AleutianAI/ollamarelay/services/gateway/datatypes"
	"github.com/AleutianAI/ollamarelay/services/gateway/middleware"
	"github.com/AleutianAI/ollamarelay/services/registry"
)

// InitUser creates the very first account. It refuses to run once any user
// exists; the first account is always an admin and inherits the default
// plan.
func InitUser(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.UserInitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		ctx := c.Request.Context()

		count, err := store.CountUsers(ctx)
		if err != nil {
			writeError(c, err)
			return
		}
		if count > 0 {
			badRequest(c, "Initialization already done")
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			writeError(c, err)
			return
		}
		plan, err := store.DefaultPlan(ctx)
		if err != nil {
			writeError(c, err)
			return
		}
		user, err := store.CreateUser(ctx, req.Username, string(hash), true, &plan.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, user)
	}
}

// Login verifies form credentials and issues a bearer token.
func Login(store *registry.Store, issuer *middleware.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.LoginRequest
		if err := c.ShouldBind(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		user, err := store.GetUserByUsername(c.Request.Context(), req.Username)
		if err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				unauthorizedLogin(c)
				return
			}
			writeError(c, err)
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
			unauthorizedLogin(c)
			return
		}

		token, err := issuer.Issue(user.Username, time.Now())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.TokenResponse{AccessToken: token, TokenType: "bearer"})
	}
}

func unauthorizedLogin(c *gin.Context) {
	c.Header("WWW-Authenticate", "Bearer")
	c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Detail: "Incorrect username or password"})
}

// Me returns the authenticated account.
func Me() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, middleware.CurrentUser(c))
	}
}

// ListUsers returns a page of accounts. Admin only.
func ListUsers(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		params := bindPageParams(c)
		page, err := store.ListUsers(c.Request.Context(), params)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

// UpdateUser applies an admin edit to an account.
func UpdateUser(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		var req datatypes.UserUpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		ctx := c.Request.Context()
		if req.PlanID != nil {
			if _, err := store.GetPlan(ctx, *req.PlanID); err != nil {
				writeError(c, err)
				return
			}
		}
		user, err := store.UpdateUser(ctx, id, registry.UserUpdate{
			IsAdmin: req.IsAdmin,
			PlanID:  req.PlanID,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

// ChangePassword rotates the caller's own password after verifying the old
// one.
func ChangePassword(store *registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.PasswordChangeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		user := middleware.CurrentUser(c)
		if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.OldPassword)) != nil {
			badRequest(c, "Incorrect old password")
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
		if err != nil {
			writeError(c, err)
			return
		}
		if err := store.UpdatePassword(c.Request.Context(), user.ID, string(hash)); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Password updated"})
	}
}

// bindPageParams reads ?page= and ?size= with defaults.
func bindPageParams(c *gin.Context) registry.PageParams {
	var params registry.PageParams
	_ = c.ShouldBindQuery(&params)
	return params.Normalize()
}

// pathID parses a numeric path parameter, writing a 400 on failure.
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "Invalid "+name)
		return 0, false
	}
	return id, true
}
