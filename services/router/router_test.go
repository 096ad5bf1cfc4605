// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package router

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/AleutianAI/ollamarelay/pkg/config"
	"github.com/AleutianAI/ollamarelay/services/registry"
)

func newTestStore(t *testing.T) *registry.Store {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store := registry.NewWithDB(db, config.EngineSQLite)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func registerBackend(t *testing.T, store *registry.Store, url string, tps float64) {
	t.Helper()
	ctx := context.Background()
	ep, err := store.UpsertEndpoint(ctx, url, "")
	require.NoError(t, err)
	version := "0.5.0"
	err = store.ApplyEndpointTestResult(ctx, ep.ID, &registry.EndpointTestResult{
		EndpointPerformance: &registry.EndpointPerformance{
			Status:        registry.EndpointAvailable,
			OllamaVersion: &version,
		},
		ModelPerformances: []registry.ModelPerformance{{
			AIModel: registry.AIModel{Name: "llama3", Tag: "latest"},
			Performance: registry.AIModelPerformance{
				Status:         registry.ModelAvailable,
				TokenPerSecond: tps,
			},
		}},
	})
	require.NoError(t, err)
}

func TestCandidatesForModel(t *testing.T) {
	store := newTestStore(t)
	router := New(store)
	ctx := context.Background()

	registerBackend(t, store, "http://slow:11434", 5)
	registerBackend(t, store, "http://fast:11434", 50)

	t.Run("ranked fastest first", func(t *testing.T) {
		candidates, err := router.CandidatesForModel(ctx, "llama3:latest")
		require.NoError(t, err)
		require.Len(t, candidates, 2)
		require.Equal(t, "http://fast:11434", candidates[0].URL)
		require.Equal(t, "http://slow:11434", candidates[1].URL)
	})

	t.Run("bare name resolves to latest", func(t *testing.T) {
		candidates, err := router.CandidatesForModel(ctx, "llama3")
		require.NoError(t, err)
		require.Len(t, candidates, 2)
	})

	t.Run("unknown model yields ErrNoEndpoints", func(t *testing.T) {
		_, err := router.CandidatesForModel(ctx, "mistral:7b")
		require.ErrorIs(t, err, ErrNoEndpoints)
	})
}
