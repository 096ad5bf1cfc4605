// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/AleutianAI/ollamarelay/pkg/config"
	"github.com/AleutianAI/ollamarelay/services/registry"
)

func setup(t *testing.T) (*Limiter, *registry.Store, int64) {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := registry.NewWithDB(db, config.EngineSQLite)
	require.NoError(t, store.Migrate(context.Background()))

	u, err := store.CreateUser(context.Background(), "u", "hash", false, nil)
	require.NoError(t, err)
	key, err := store.CreateAPIKey(context.Background(), u.ID, "k", "")
	require.NoError(t, err)
	return New(store), store, key.ID
}

func logAt(t *testing.T, store *registry.Store, keyID int64, ts time.Time) {
	t.Helper()
	require.NoError(t, store.InsertUsageLog(context.Background(), &registry.APIKeyUsageLog{
		APIKeyID:   keyID,
		Timestamp:  ts,
		Endpoint:   "api/generate",
		Method:     "POST",
		StatusCode: 200,
	}))
}

func TestMinuteWindowSlides(t *testing.T) {
	limiter, store, keyID := setup(t)
	ctx := context.Background()
	plan := &registry.Plan{RPM: 2, RPD: 100}
	nowAt := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	logAt(t, store, keyID, nowAt.Add(-30*time.Second))
	require.NoError(t, limiter.Check(ctx, keyID, plan, nowAt))

	logAt(t, store, keyID, nowAt.Add(-10*time.Second))
	err := limiter.Check(ctx, keyID, plan, nowAt)
	var limitErr *LimitError
	require.True(t, errors.As(err, &limitErr))
	require.Equal(t, "minute", limitErr.Bucket)
	require.Equal(t, "Rate limit exceeded: 2/2 requests per minute", limitErr.Error())

	// 40 seconds later the first request has left the window.
	require.NoError(t, limiter.Check(ctx, keyID, plan, nowAt.Add(40*time.Second)))
}

func TestDayWindowResetsAtMidnightUTC(t *testing.T) {
	limiter, store, keyID := setup(t)
	ctx := context.Background()
	plan := &registry.Plan{RPM: 100, RPD: 2}
	nowAt := time.Date(2026, 8, 24, 23, 50, 0, 0, time.UTC)

	// Yesterday's traffic does not count.
	logAt(t, store, keyID, nowAt.Add(-24*time.Hour))
	logAt(t, store, keyID, nowAt.Add(-2*time.Hour))
	require.NoError(t, limiter.Check(ctx, keyID, plan, nowAt))

	logAt(t, store, keyID, nowAt.Add(-time.Hour))
	err := limiter.Check(ctx, keyID, plan, nowAt)
	var limitErr *LimitError
	require.True(t, errors.As(err, &limitErr))
	require.Equal(t, "day", limitErr.Bucket)

	// Past midnight the day bucket is empty again.
	require.NoError(t, limiter.Check(ctx, keyID, plan, nowAt.Add(20*time.Minute)))
}

func TestRejectedRequestsDoNotConsumeQuota(t *testing.T) {
	limiter, store, keyID := setup(t)
	ctx := context.Background()
	plan := &registry.Plan{RPM: 2, RPD: 100}
	nowAt := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// One served request and a pile of logged 429 rejections.
	logAt(t, store, keyID, nowAt.Add(-30*time.Second))
	for i := 0; i < 5; i++ {
		require.NoError(t, store.InsertUsageLog(ctx, &registry.APIKeyUsageLog{
			APIKeyID:   keyID,
			Timestamp:  nowAt.Add(-time.Duration(i+1) * time.Second),
			Endpoint:   "api/generate",
			Method:     "POST",
			StatusCode: 429,
		}))
	}

	// Only the served request occupies the window.
	require.NoError(t, limiter.Check(ctx, keyID, plan, nowAt))
}

func TestNonPositiveLimitDisablesBucket(t *testing.T) {
	limiter, store, keyID := setup(t)
	ctx := context.Background()
	nowAt := time.Now().UTC()
	for i := 0; i < 5; i++ {
		logAt(t, store, keyID, nowAt.Add(-time.Duration(i)*time.Second))
	}
	require.NoError(t, limiter.Check(ctx, keyID, &registry.Plan{RPM: 0, RPD: 0}, nowAt))
}
