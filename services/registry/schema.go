// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/ollamarelay/pkg/config"
)

// schemaTemplate is the create-all DDL. {{PK}} expands to the engine's
// auto-incrementing primary key clause.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS endpoints (
	id {{PK}},
	url TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS endpoint_performances (
	id {{PK}},
	endpoint_id BIGINT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	ollama_version TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_endpoint_performances_endpoint
	ON endpoint_performances(endpoint_id, created_at);

CREATE TABLE IF NOT EXISTS ai_models (
	id {{PK}},
	name TEXT NOT NULL,
	tag TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(name, tag)
);

CREATE TABLE IF NOT EXISTS endpoint_ai_models (
	endpoint_id BIGINT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
	ai_model_id BIGINT NOT NULL REFERENCES ai_models(id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'missing',
	token_per_second DOUBLE PRECISION NOT NULL DEFAULT 0,
	max_connection_time DOUBLE PRECISION,
	PRIMARY KEY (endpoint_id, ai_model_id)
);
CREATE INDEX IF NOT EXISTS idx_endpoint_ai_models_model
	ON endpoint_ai_models(ai_model_id, status);

CREATE TABLE IF NOT EXISTS ai_model_performances (
	id {{PK}},
	endpoint_id BIGINT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
	ai_model_id BIGINT NOT NULL REFERENCES ai_models(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	token_per_second DOUBLE PRECISION NOT NULL DEFAULT 0,
	connection_time DOUBLE PRECISION,
	total_time DOUBLE PRECISION NOT NULL DEFAULT 0,
	output TEXT NOT NULL DEFAULT '',
	output_tokens BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_model_performances_link
	ON ai_model_performances(endpoint_id, ai_model_id, created_at);

CREATE TABLE IF NOT EXISTS plans (
	id {{PK}},
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	rpm BIGINT NOT NULL DEFAULT 60,
	rpd BIGINT NOT NULL DEFAULT 10000,
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id {{PK}},
	username TEXT NOT NULL UNIQUE,
	password TEXT NOT NULL,
	is_admin BOOLEAN NOT NULL DEFAULT FALSE,
	plan_id BIGINT REFERENCES plans(id),
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
	id {{PK}},
	key TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	user_id BIGINT NOT NULL REFERENCES users(id),
	created_at TIMESTAMP NOT NULL,
	last_used_at TIMESTAMP,
	revoked BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS api_key_usage_logs (
	id {{PK}},
	api_key_id BIGINT NOT NULL REFERENCES api_keys(id) ON DELETE CASCADE,
	timestamp TIMESTAMP NOT NULL,
	endpoint TEXT NOT NULL,
	method TEXT NOT NULL,
	model TEXT,
	status_code BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_key_usage_logs_key_time
	ON api_key_usage_logs(api_key_id, timestamp);

CREATE TABLE IF NOT EXISTS endpoint_test_tasks (
	id {{PK}},
	endpoint_id BIGINT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'pending',
	scheduled_at TIMESTAMP NOT NULL,
	last_tried TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_endpoint_test_tasks_endpoint
	ON endpoint_test_tasks(endpoint_id, status, scheduled_at);

CREATE TABLE IF NOT EXISTS system_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// Migrate creates all tables and indexes if they do not exist, then seeds
// default settings. Safe to call on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	pk := "BIGSERIAL PRIMARY KEY"
	if s.engine == config.EngineSQLite {
		pk = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	ddl := strings.ReplaceAll(schemaTemplate, "{{PK}}", pk)

	if s.engine == config.EngineSQLite {
		if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			return fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return s.seedSettings(ctx)
}

// seedSettings inserts default settings rows that do not exist yet.
func (s *Store) seedSettings(ctx context.Context) error {
	defaults := map[string]string{
		SettingUpdateIntervalHours: "24",
	}
	for key, value := range defaults {
		query := s.rebind(`INSERT INTO system_settings (key, value, created_at)
			VALUES (?, ?, ?) ON CONFLICT (key) DO NOTHING`)
		if _, err := s.db.ExecContext(ctx, query, key, value, now()); err != nil {
			return fmt.Errorf("seed setting %s: %w", key, err)
		}
	}
	return nil
}
