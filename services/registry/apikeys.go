// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DailyUsage is one day of the 30-day usage series.
type DailyUsage struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// APIKeyUsageStats aggregates a key's usage-log rows for the stats endpoint.
type APIKeyUsageStats struct {
	Total      int64        `json:"total"`
	Last30Days int64        `json:"last_30_days"`
	Today      int64        `json:"today"`
	Success    int64        `json:"success"`
	Failed     int64        `json:"failed"`
	Daily      []DailyUsage `json:"daily"`
}

// CreateAPIKey inserts a new key for a user. key is generated by the caller.
func (s *Store) CreateAPIKey(ctx context.Context, userID int64, key, name string) (*APIKey, error) {
	query := s.rebind(`INSERT INTO api_keys (key, name, user_id, created_at, revoked)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id, key, name, user_id, created_at, last_used_at, revoked`)
	var k APIKey
	if err := s.db.GetContext(ctx, &k, query, key, name, userID, now(), false); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("create api key: %w", err)
	}
	return &k, nil
}

// GetActiveAPIKey resolves a key string to its row, rejecting revoked keys.
// The forwarder authenticates every passthrough request with this lookup.
func (s *Store) GetActiveAPIKey(ctx context.Context, key string) (*APIKey, error) {
	var k APIKey
	query := s.rebind(`SELECT * FROM api_keys WHERE key = ? AND revoked = ?`)
	if err := s.db.GetContext(ctx, &k, query, key, false); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &k, nil
}

// GetAPIKey fetches one key row by id.
func (s *Store) GetAPIKey(ctx context.Context, id int64) (*APIKey, error) {
	var k APIKey
	query := s.rebind(`SELECT * FROM api_keys WHERE id = ?`)
	if err := s.db.GetContext(ctx, &k, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key %d: %w", id, err)
	}
	return &k, nil
}

// ListAPIKeys returns a user's non-revoked keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, userID int64) ([]APIKey, error) {
	query := s.rebind(`SELECT * FROM api_keys
		WHERE user_id = ? AND revoked = ?
		ORDER BY created_at DESC, id DESC`)
	keys := []APIKey{}
	if err := s.db.SelectContext(ctx, &keys, query, userID, false); err != nil {
		return nil, fmt.Errorf("list api keys for user %d: %w", userID, err)
	}
	return keys, nil
}

// RevokeAPIKey soft-deletes a key so its usage history stays attributable.
// The key must belong to userID.
func (s *Store) RevokeAPIKey(ctx context.Context, userID, id int64) error {
	query := s.rebind(`UPDATE api_keys SET revoked = ? WHERE id = ? AND user_id = ?`)
	res, err := s.db.ExecContext(ctx, query, true, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAPIKey stamps last_used_at. Called once per forwarded request.
func (s *Store) TouchAPIKey(ctx context.Context, id int64) error {
	query := s.rebind(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, now(), id); err != nil {
		return fmt.Errorf("touch api key %d: %w", id, err)
	}
	return nil
}

// InsertUsageLog appends one usage-log row. The forwarder writes exactly one
// row per client request with the final client-visible status.
func (s *Store) InsertUsageLog(ctx context.Context, log *APIKeyUsageLog) error {
	if log.Timestamp.IsZero() {
		log.Timestamp = now()
	}
	query := s.rebind(`INSERT INTO api_key_usage_logs
		(api_key_id, timestamp, endpoint, method, model, status_code)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`)
	if err := s.db.GetContext(ctx, &log.ID, query,
		log.APIKeyID, log.Timestamp, log.Endpoint, log.Method, log.Model, log.StatusCode); err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

// CountUsageSince counts a key's usage-log rows at or after since. The rate
// limiter calls this twice per request (minute and day windows). Rows with
// status 429 are excluded: rate-limit rejections are logged but do not
// consume quota.
func (s *Store) CountUsageSince(ctx context.Context, apiKeyID int64, since time.Time) (int64, error) {
	var n int64
	query := s.rebind(`SELECT COUNT(*) FROM api_key_usage_logs
		WHERE api_key_id = ? AND timestamp >= ? AND status_code <> 429`)
	if err := s.db.GetContext(ctx, &n, query, apiKeyID, since); err != nil {
		return 0, fmt.Errorf("count usage for key %d: %w", apiKeyID, err)
	}
	return n, nil
}

// APIKeyUsage returns the aggregate stats for one key: lifetime totals plus a
// per-day series covering the last 30 days (today included, oldest first).
//
// The per-day bucketing happens in Go because the two engines disagree on
// date functions.
func (s *Store) APIKeyUsage(ctx context.Context, apiKeyID int64, nowAt time.Time) (*APIKeyUsageStats, error) {
	stats := &APIKeyUsageStats{}

	query := s.rebind(`SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status_code < 400 THEN 1 ELSE 0 END), 0) AS success,
			COALESCE(SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END), 0) AS failed
		FROM api_key_usage_logs WHERE api_key_id = ?`)
	var totals struct {
		Total   int64 `db:"total"`
		Success int64 `db:"success"`
		Failed  int64 `db:"failed"`
	}
	if err := s.db.GetContext(ctx, &totals, query, apiKeyID); err != nil {
		return nil, fmt.Errorf("usage totals for key %d: %w", apiKeyID, err)
	}
	stats.Total, stats.Success, stats.Failed = totals.Total, totals.Success, totals.Failed

	nowAt = nowAt.UTC()
	today := time.Date(nowAt.Year(), nowAt.Month(), nowAt.Day(), 0, 0, 0, 0, time.UTC)
	windowStart := today.AddDate(0, 0, -29)

	var timestamps []time.Time
	query = s.rebind(`SELECT timestamp FROM api_key_usage_logs
		WHERE api_key_id = ? AND timestamp >= ? ORDER BY timestamp ASC`)
	if err := s.db.SelectContext(ctx, &timestamps, query, apiKeyID, windowStart); err != nil {
		return nil, fmt.Errorf("usage window for key %d: %w", apiKeyID, err)
	}

	byDay := make(map[string]int64, 30)
	for _, ts := range timestamps {
		day := ts.UTC().Format("2006-01-02")
		byDay[day]++
		stats.Last30Days++
		if !ts.UTC().Before(today) {
			stats.Today++
		}
	}

	stats.Daily = make([]DailyUsage, 0, 30)
	for d := 0; d < 30; d++ {
		day := windowStart.AddDate(0, 0, d).Format("2006-01-02")
		stats.Daily = append(stats.Daily, DailyUsage{Date: day, Count: byDay[day]})
	}
	return stats, nil
}
