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
	"strings"

	"github.com/jmoiron/sqlx"
)

// AIModelWithCounts is the model listing projection: the model plus how many
// endpoints carry it and how many of those links are currently available.
type AIModelWithCounts struct {
	AIModel
	EndpointCount          int `db:"endpoint_count" json:"endpoint_count"`
	AvailableEndpointCount int `db:"available_endpoint_count" json:"available_endpoint_count"`
}

// RankedEndpoint is one routing candidate for a model, produced by
// BestEndpointsForModel in routing order.
type RankedEndpoint struct {
	EndpointID        int64    `db:"endpoint_id" json:"endpoint_id"`
	URL               string   `db:"url" json:"url"`
	TokenPerSecond    float64  `db:"token_per_second" json:"token_per_second"`
	MaxConnectionTime *float64 `db:"max_connection_time" json:"max_connection_time,omitempty"`
}

var aiModelOrderColumns = map[string]string{
	"created_at":          "m.created_at",
	"name":                "m.name",
	"endpoint_count":      "endpoint_count",
	"available_endpoints": "available_endpoint_count",
}

// ensureAIModelTx finds or creates the (name, tag) model row. Used inside the
// probe application transaction.
func ensureAIModelTx(ctx context.Context, tx *sqlx.Tx, rebind func(string) string, name, tag string) (int64, error) {
	query := rebind(`INSERT INTO ai_models (name, tag, created_at) VALUES (?, ?, ?)
		ON CONFLICT (name, tag) DO NOTHING`)
	if _, err := tx.ExecContext(ctx, query, name, tag, now()); err != nil {
		return 0, fmt.Errorf("ensure model %s:%s: %w", name, tag, err)
	}
	var id int64
	query = rebind(`SELECT id FROM ai_models WHERE name = ? AND tag = ?`)
	if err := tx.GetContext(ctx, &id, query, name, tag); err != nil {
		return 0, fmt.Errorf("lookup model %s:%s: %w", name, tag, err)
	}
	return id, nil
}

// GetAIModelByRef resolves a "name:tag" reference. A ref without a colon gets
// tag "latest", matching Ollama's own convention.
func (s *Store) GetAIModelByRef(ctx context.Context, ref string) (*AIModel, error) {
	name, tag := SplitModelRef(ref)
	var m AIModel
	query := s.rebind(`SELECT * FROM ai_models WHERE name = ? AND tag = ?`)
	if err := s.db.GetContext(ctx, &m, query, name, tag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get model %s: %w", ref, err)
	}
	return &m, nil
}

// SplitModelRef splits "name:tag" into its parts, defaulting tag to "latest".
func SplitModelRef(ref string) (name, tag string) {
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, "latest"
}

// ListAIModels returns a page of models with endpoint counts.
//
// search matches the model name; a "name:tag" search constrains both parts.
// When availableOnly is set, only models with at least one AVAILABLE link are
// returned.
func (s *Store) ListAIModels(ctx context.Context, params PageParams, search string, availableOnly bool) (*Page[AIModelWithCounts], error) {
	params = params.Normalize()

	var conds []string
	var args []any
	if search != "" {
		if strings.Contains(search, ":") {
			name, tag := SplitModelRef(search)
			conds = append(conds, `lower(m.name) LIKE ? AND lower(m.tag) LIKE ?`)
			args = append(args, "%"+strings.ToLower(name)+"%", "%"+strings.ToLower(tag)+"%")
		} else {
			conds = append(conds, `lower(m.name) LIKE ?`)
			args = append(args, "%"+strings.ToLower(search)+"%")
		}
	}
	if availableOnly {
		conds = append(conds, `EXISTS (SELECT 1 FROM endpoint_ai_models l
			WHERE l.ai_model_id = m.id AND l.status = 'available')`)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	countQuery := s.rebind(`SELECT COUNT(*) FROM ai_models m ` + where)
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, fmt.Errorf("count models: %w", err)
	}

	query := s.rebind(fmt.Sprintf(`SELECT
			m.id, m.name, m.tag, m.created_at,
			(SELECT COUNT(*) FROM endpoint_ai_models l
				WHERE l.ai_model_id = m.id) AS endpoint_count,
			(SELECT COUNT(*) FROM endpoint_ai_models l
				WHERE l.ai_model_id = m.id AND l.status = 'available') AS available_endpoint_count
		FROM ai_models m
		%s
		ORDER BY m.name ASC, m.tag ASC
		LIMIT ? OFFSET ?`, where))
	args = append(args, params.Size, params.Offset())

	items := []AIModelWithCounts{}
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return &Page[AIModelWithCounts]{Items: items, Total: total, Page: params.Page, Size: params.Size}, nil
}

// ListAvailableModels returns every model with at least one AVAILABLE link,
// sorted by name then tag. The passthrough tag shortcuts serve this union.
func (s *Store) ListAvailableModels(ctx context.Context) ([]AIModel, error) {
	query := `SELECT m.id, m.name, m.tag, m.created_at FROM ai_models m
		WHERE EXISTS (SELECT 1 FROM endpoint_ai_models l
			WHERE l.ai_model_id = m.id AND l.status = 'available')
		ORDER BY m.name ASC, m.tag ASC`
	models := []AIModel{}
	if err := s.db.SelectContext(ctx, &models, query); err != nil {
		return nil, fmt.Errorf("list available models: %w", err)
	}
	return models, nil
}

// BestEndpointsForModel returns the routing candidates for a model ref:
// endpoints whose link is AVAILABLE, fastest first, slow cold-starts last,
// id as the final tie-break so the order is deterministic.
func (s *Store) BestEndpointsForModel(ctx context.Context, ref string) ([]RankedEndpoint, error) {
	name, tag := SplitModelRef(ref)
	query := s.rebind(`SELECT
			l.endpoint_id, e.url, l.token_per_second, l.max_connection_time
		FROM endpoint_ai_models l
		JOIN ai_models m ON m.id = l.ai_model_id
		JOIN endpoints e ON e.id = l.endpoint_id
		WHERE m.name = ? AND m.tag = ? AND l.status = 'available'
		ORDER BY l.token_per_second DESC,
			CASE WHEN l.max_connection_time IS NULL THEN 1 ELSE 0 END ASC,
			l.max_connection_time ASC,
			l.endpoint_id ASC`)
	ranked := []RankedEndpoint{}
	if err := s.db.SelectContext(ctx, &ranked, query, name, tag); err != nil {
		return nil, fmt.Errorf("rank endpoints for %s: %w", ref, err)
	}
	return ranked, nil
}

// RecentModelPerformances returns the latest benchmark rows for one
// endpoint+model link, newest first.
func (s *Store) RecentModelPerformances(ctx context.Context, endpointID, modelID int64, limit int) ([]AIModelPerformance, error) {
	if limit <= 0 {
		limit = 10
	}
	query := s.rebind(`SELECT * FROM ai_model_performances
		WHERE endpoint_id = ? AND ai_model_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`)
	perfs := []AIModelPerformance{}
	if err := s.db.SelectContext(ctx, &perfs, query, endpointID, modelID, limit); err != nil {
		return nil, fmt.Errorf("model performances: %w", err)
	}
	return perfs, nil
}
