// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ratelimit enforces per-key request quotas.
//
// The usage log is the counter: no in-memory buckets, so limits hold across
// restarts and across replicas sharing one database. The minute window
// slides (last 60 seconds); the day window is calendar-based, resetting at
// midnight UTC.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/ollamarelay/services/registry"
)

// LimitError reports which bucket tripped. Its message is the client-visible
// 429 detail.
type LimitError struct {
	Bucket string // "minute" or "day"
	Count  int64
	Limit  int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("Rate limit exceeded: %d/%d requests per %s", e.Count, e.Limit, e.Bucket)
}

// Limiter checks quotas against the usage log.
type Limiter struct {
	store *registry.Store
}

// New builds a Limiter.
func New(store *registry.Store) *Limiter {
	return &Limiter{store: store}
}

// Check admits or rejects one request for the key under the plan's limits.
// A non-positive limit disables that bucket.
func (l *Limiter) Check(ctx context.Context, apiKeyID int64, plan *registry.Plan, at time.Time) error {
	at = at.UTC()

	if plan.RPM > 0 {
		count, err := l.store.CountUsageSince(ctx, apiKeyID, at.Add(-time.Minute))
		if err != nil {
			return fmt.Errorf("count minute usage: %w", err)
		}
		if count >= int64(plan.RPM) {
			return &LimitError{Bucket: "minute", Count: count, Limit: plan.RPM}
		}
	}

	if plan.RPD > 0 {
		midnight := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
		count, err := l.store.CountUsageSince(ctx, apiKeyID, midnight)
		if err != nil {
			return fmt.Errorf("count day usage: %w", err)
		}
		if count >= int64(plan.RPD) {
			return &LimitError{Bucket: "day", Count: count, Limit: plan.RPD}
		}
	}
	return nil
}
