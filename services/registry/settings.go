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
	"strconv"
)

// ListSettings returns all settings rows, key order.
func (s *Store) ListSettings(ctx context.Context) ([]SystemSetting, error) {
	settings := []SystemSetting{}
	if err := s.db.SelectContext(ctx, &settings, `SELECT * FROM system_settings ORDER BY key ASC`); err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	return settings, nil
}

// GetSetting fetches one setting by key.
func (s *Store) GetSetting(ctx context.Context, key string) (*SystemSetting, error) {
	var setting SystemSetting
	query := s.rebind(`SELECT * FROM system_settings WHERE key = ?`)
	if err := s.db.GetContext(ctx, &setting, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get setting %s: %w", key, err)
	}
	return &setting, nil
}

// PutSetting upserts one setting value.
func (s *Store) PutSetting(ctx context.Context, key, value string) (*SystemSetting, error) {
	query := s.rebind(`INSERT INTO system_settings (key, value, created_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
		RETURNING key, value, created_at`)
	var setting SystemSetting
	if err := s.db.GetContext(ctx, &setting, query, key, value, now()); err != nil {
		return nil, fmt.Errorf("put setting %s: %w", key, err)
	}
	return &setting, nil
}

// UpdateIntervalHours reads the probe interval setting, clamping parse
// failures and out-of-range values back to the 24-hour default.
func (s *Store) UpdateIntervalHours(ctx context.Context) (int, error) {
	const fallback = 24
	setting, err := s.GetSetting(ctx, SettingUpdateIntervalHours)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fallback, nil
		}
		return 0, err
	}
	hours, err := strconv.Atoi(setting.Value)
	if err != nil || hours < 1 || hours > 1440 {
		return fallback, nil
	}
	return hours, nil
}
