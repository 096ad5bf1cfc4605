// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/AleutianAI/ollamarelay/pkg/config"
	"github.com/AleutianAI/ollamarelay/pkg/logging"
	"github.com/AleutianAI/ollamarelay/services/probe"
	"github.com/AleutianAI/ollamarelay/services/registry"
	"github.com/AleutianAI/ollamarelay/services/scheduler"
)

type apiFixture struct {
	gw    *Gateway
	store *registry.Store
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := registry.NewWithDB(db, config.EngineSQLite)
	require.NoError(t, store.Migrate(context.Background()))

	cfg := &config.Config{
		App: config.AppConfig{
			Env:                      config.EnvDev,
			Port:                     0,
			SecretKey:                "test-secret",
			Algorithm:                "HS256",
			AccessTokenExpireMinutes: 30,
		},
	}
	log := logging.Default()
	sched := scheduler.New(store, probe.New(log), log)
	return &apiFixture{gw: New(cfg, store, sched, log), store: store}
}

func (fx *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
		reader = strings.NewReader("")
	case url.Values:
		reader = strings.NewReader(b.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
		contentType = "application/json"
	}
	req := httptest.NewRequest(method, path, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	fx.gw.Engine().ServeHTTP(w, req)
	return w
}

// bootstrap creates the first admin and returns its bearer token.
func (fx *apiFixture) bootstrap(t *testing.T) string {
	t.Helper()
	w := fx.do(t, http.MethodPost, "/api/v2/user/init", "",
		map[string]string{"username": "admin", "password": "super-secret"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return fx.login(t, "admin", "super-secret")
}

func (fx *apiFixture) login(t *testing.T, username, password string) string {
	t.Helper()
	w := fx.do(t, http.MethodPost, "/api/v2/user/login", "",
		url.Values{"username": {username}, "password": {password}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var token struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &token))
	require.Equal(t, "bearer", token.TokenType)
	return token.AccessToken
}

func TestUserInitLoginAndMe(t *testing.T) {
	fx := newAPIFixture(t)
	token := fx.bootstrap(t)

	t.Run("init refuses a second run", func(t *testing.T) {
		w := fx.do(t, http.MethodPost, "/api/v2/user/init", "",
			map[string]string{"username": "intruder", "password": "super-secret"})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("wrong password is rejected", func(t *testing.T) {
		w := fx.do(t, http.MethodPost, "/api/v2/user/login", "",
			url.Values{"username": {"admin"}, "password": {"wrong"}})
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("me reflects the first-admin rule", func(t *testing.T) {
		w := fx.do(t, http.MethodGet, "/api/v2/user/me", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var me struct {
			Username string `json:"username"`
			IsAdmin  bool   `json:"is_admin"`
			PlanID   *int64 `json:"plan_id"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
		require.Equal(t, "admin", me.Username)
		require.True(t, me.IsAdmin)
		require.NotNil(t, me.PlanID, "first user inherits the default plan")
	})

	t.Run("requests without a token are 401", func(t *testing.T) {
		w := fx.do(t, http.MethodGet, "/api/v2/user/me", "", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("garbage tokens are 401", func(t *testing.T) {
		w := fx.do(t, http.MethodGet, "/api/v2/user/me", "not-a-jwt", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestAdminGate(t *testing.T) {
	fx := newAPIFixture(t)
	adminToken := fx.bootstrap(t)

	// A non-admin account, created directly in the store.
	_, err := fx.store.CreateUser(context.Background(), "mortal",
		mustHash(t, "super-secret"), false, nil)
	require.NoError(t, err)
	mortalToken := fx.login(t, "mortal", "super-secret")

	adminOnly := []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, "/api/v2/user", nil},
		{http.MethodPost, "/api/v2/endpoint", map[string]string{"url": "http://x:11434"}},
		{http.MethodPost, "/api/v2/plan", map[string]any{"name": "P", "rpm": 1, "rpd": 1}},
		{http.MethodGet, "/api/v2/setting", nil},
	}
	for _, route := range adminOnly {
		w := fx.do(t, route.method, route.path, mortalToken, route.body)
		require.Equal(t, http.StatusForbidden, w.Code, "%s %s", route.method, route.path)
	}

	w := fx.do(t, http.MethodGet, "/api/v2/user", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestEndpointLifecycleOverHTTP(t *testing.T) {
	fx := newAPIFixture(t)
	token := fx.bootstrap(t)

	w := fx.do(t, http.MethodPost, "/api/v2/endpoint", token,
		map[string]string{"url": "http://backend:11434/", "name": "rack-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created registry.Endpoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Equal(t, "http://backend:11434", created.URL, "trailing slash is normalized")

	t.Run("registration schedules a probe task", func(t *testing.T) {
		due, err := fx.store.DuePendingTasks(context.Background(), time.Now().Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		require.Equal(t, created.ID, due[0].EndpointID)
	})

	t.Run("listing shows the endpoint", func(t *testing.T) {
		w := fx.do(t, http.MethodGet, "/api/v2/endpoint?search=rack", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), "rack-1")
	})

	t.Run("rename and delete", func(t *testing.T) {
		path := fmt.Sprintf("/api/v2/endpoint/%d", created.ID)
		w := fx.do(t, http.MethodPatch, path, token, map[string]string{"name": "rack-2"})
		require.Equal(t, http.StatusOK, w.Code)

		w = fx.do(t, http.MethodDelete, path, token, nil)
		require.Equal(t, http.StatusOK, w.Code)

		w = fx.do(t, http.MethodDelete, path, token, nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestSettingBoundsOverHTTP(t *testing.T) {
	fx := newAPIFixture(t)
	token := fx.bootstrap(t)
	path := "/api/v2/setting/" + registry.SettingUpdateIntervalHours

	for _, bad := range []string{"0", "1441", "daily"} {
		w := fx.do(t, http.MethodPut, path, token, map[string]string{"value": bad})
		require.Equal(t, http.StatusBadRequest, w.Code, "value %q", bad)
	}

	w := fx.do(t, http.MethodPut, path, token, map[string]string{"value": "6"})
	require.Equal(t, http.StatusOK, w.Code)

	hours, err := fx.store.UpdateIntervalHours(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, hours)
}

func TestAPIKeyFlowOverHTTP(t *testing.T) {
	fx := newAPIFixture(t)
	token := fx.bootstrap(t)

	w := fx.do(t, http.MethodPost, "/api/v2/apikey", token, map[string]string{"name": "laptop"})
	require.Equal(t, http.StatusCreated, w.Code)
	var key registry.APIKey
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &key))
	require.NotEmpty(t, key.Key)

	w = fx.do(t, http.MethodGet, "/api/v2/apikey", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "laptop")

	usagePath := fmt.Sprintf("/api/v2/apikey/%d/usage", key.ID)
	w = fx.do(t, http.MethodGet, usagePath, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"daily"`)

	w = fx.do(t, http.MethodDelete, fmt.Sprintf("/api/v2/apikey/%d", key.ID), token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = fx.do(t, http.MethodGet, "/api/v2/apikey", token, nil)
	require.NotContains(t, w.Body.String(), "laptop")
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}
