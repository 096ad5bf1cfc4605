// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides authentication for the admin API and key
// extraction for the passthrough surface.
//
// The admin API uses short-lived JWT bearer tokens issued at login. The
// middleware validates the token, loads the account and stores it in the Gin
// context for handlers to retrieve via CurrentUser.
package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/AleutianAI/ollamarelay/services/gateway/datatypes"
	"github.com/AleutianAI/ollamarelay/services/registry"
)

// currentUserKey is the Gin context key for the authenticated account.
const currentUserKey = "ollamarelay_current_user"

// TokenIssuer signs and validates access tokens.
type TokenIssuer struct {
	secret    []byte
	algorithm string
	lifetime  time.Duration
}

// NewTokenIssuer builds an issuer. algorithm is an HMAC family name (HS256,
// HS384, HS512).
func NewTokenIssuer(secret, algorithm string, lifetime time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), algorithm: algorithm, lifetime: lifetime}
}

// Issue signs a token for the given username.
func (t *TokenIssuer) Issue(username string, at time.Time) (string, error) {
	method := jwt.GetSigningMethod(t.algorithm)
	if method == nil {
		return "", fmt.Errorf("unknown signing algorithm %q", t.algorithm)
	}
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(at),
		ExpiresAt: jwt.NewNumericDate(at.Add(t.lifetime)),
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses a token and returns the subject username.
func (t *TokenIssuer) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(token *jwt.Token) (any, error) {
			if token.Method.Alg() != t.algorithm {
				return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
			}
			return t.secret, nil
		})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// AuthRequired validates the bearer token and loads the account into the
// context. Requests without a valid token get a 401.
func AuthRequired(store *registry.Store, issuer *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			abortUnauthorized(c, "Not authenticated")
			return
		}
		username, err := issuer.Validate(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			abortUnauthorized(c, "Invalid or expired token")
			return
		}
		user, err := store.GetUserByUsername(c.Request.Context(), username)
		if err != nil {
			abortUnauthorized(c, "Invalid or expired token")
			return
		}
		c.Set(currentUserKey, user)
		c.Next()
	}
}

// AdminRequired rejects non-admin accounts. Must run after AuthRequired.
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil || !user.IsAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden,
				datatypes.ErrorResponse{Detail: "Admin privileges required"})
			return
		}
		c.Next()
	}
}

// CurrentUser returns the authenticated account, or nil outside AuthRequired.
func CurrentUser(c *gin.Context) *registry.User {
	value, ok := c.Get(currentUserKey)
	if !ok {
		return nil
	}
	user, _ := value.(*registry.User)
	return user
}

func abortUnauthorized(c *gin.Context, detail string) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.ErrorResponse{Detail: detail})
}
