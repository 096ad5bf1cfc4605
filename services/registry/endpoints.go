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
)

// EndpointWithCounts is the listing projection: the endpoint plus its linked
// model counts and its latest probe status (nil when never probed).
type EndpointWithCounts struct {
	Endpoint
	ModelCount          int             `db:"model_count" json:"model_count"`
	AvailableModelCount int             `db:"available_model_count" json:"available_model_count"`
	Status              *EndpointStatus `db:"status" json:"status,omitempty"`
}

// EndpointModelLink is one endpoint↔model association joined with the model
// identity, for the endpoint detail view.
type EndpointModelLink struct {
	EndpointAIModel
	Name string `db:"name" json:"name"`
	Tag  string `db:"tag" json:"tag"`
}

// endpointOrderColumns whitelists ListEndpoints sort keys.
var endpointOrderColumns = map[string]string{
	"created_at":       "e.created_at",
	"name":             "e.name",
	"url":              "e.url",
	"model_count":      "model_count",
	"available_models": "available_model_count",
}

// UpsertEndpoint registers an endpoint by URL. A second registration of the
// same URL updates the display name (when given) and returns the existing row.
func (s *Store) UpsertEndpoint(ctx context.Context, url, name string) (*Endpoint, error) {
	query := s.rebind(`INSERT INTO endpoints (url, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT (url) DO UPDATE SET
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE endpoints.name END
		RETURNING id, url, name, created_at`)
	var e Endpoint
	if err := s.db.GetContext(ctx, &e, query, url, name, now()); err != nil {
		return nil, fmt.Errorf("upsert endpoint %s: %w", url, err)
	}
	return &e, nil
}

// GetEndpoint fetches one endpoint by id.
func (s *Store) GetEndpoint(ctx context.Context, id int64) (*Endpoint, error) {
	var e Endpoint
	query := s.rebind(`SELECT * FROM endpoints WHERE id = ?`)
	if err := s.db.GetContext(ctx, &e, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get endpoint %d: %w", id, err)
	}
	return &e, nil
}

// GetEndpointByURL fetches one endpoint by its unique URL.
func (s *Store) GetEndpointByURL(ctx context.Context, url string) (*Endpoint, error) {
	var e Endpoint
	query := s.rebind(`SELECT * FROM endpoints WHERE url = ?`)
	if err := s.db.GetContext(ctx, &e, query, url); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get endpoint by url: %w", err)
	}
	return &e, nil
}

// RenameEndpoint updates the display name.
func (s *Store) RenameEndpoint(ctx context.Context, id int64, name string) error {
	query := s.rebind(`UPDATE endpoints SET name = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, name, id)
	if err != nil {
		return fmt.Errorf("rename endpoint %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEndpoint removes the endpoint; performance history, model links and
// tasks go with it via ON DELETE CASCADE.
func (s *Store) DeleteEndpoint(ctx context.Context, id int64) error {
	query := s.rebind(`DELETE FROM endpoints WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete endpoint %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEndpointIDs returns every endpoint id, oldest first. The scheduler
// iterates this set when installing periodic test tasks.
func (s *Store) ListEndpointIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	query := `SELECT id FROM endpoints ORDER BY id ASC`
	if err := s.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("list endpoint ids: %w", err)
	}
	return ids, nil
}

// ListEndpoints returns a page of endpoints with model counts and latest
// probe status. search matches url or name (substring, case-insensitive);
// orderBy is one of created_at, name, url, model_count, available_models,
// optionally suffixed with " desc".
func (s *Store) ListEndpoints(ctx context.Context, params PageParams, search, orderBy string) (*Page[EndpointWithCounts], error) {
	params = params.Normalize()

	where := ""
	var args []any
	if search != "" {
		where = `WHERE lower(e.url) LIKE ? OR lower(e.name) LIKE ?`
		pattern := "%" + strings.ToLower(search) + "%"
		args = append(args, pattern, pattern)
	}

	var total int64
	countQuery := s.rebind(`SELECT COUNT(*) FROM endpoints e ` + where)
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, fmt.Errorf("count endpoints: %w", err)
	}

	order, err := buildOrderClause(endpointOrderColumns, orderBy, "e.created_at DESC")
	if err != nil {
		return nil, err
	}

	query := s.rebind(fmt.Sprintf(`SELECT
			e.id, e.url, e.name, e.created_at,
			(SELECT COUNT(*) FROM endpoint_ai_models l
				WHERE l.endpoint_id = e.id) AS model_count,
			(SELECT COUNT(*) FROM endpoint_ai_models l
				WHERE l.endpoint_id = e.id AND l.status = 'available') AS available_model_count,
			(SELECT p.status FROM endpoint_performances p
				WHERE p.endpoint_id = e.id
				ORDER BY p.created_at DESC, p.id DESC LIMIT 1) AS status
		FROM endpoints e
		%s
		ORDER BY %s, e.id ASC
		LIMIT ? OFFSET ?`, where, order))
	args = append(args, params.Size, params.Offset())

	items := []EndpointWithCounts{}
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return &Page[EndpointWithCounts]{Items: items, Total: total, Page: params.Page, Size: params.Size}, nil
}

// EndpointModelLinks returns the endpoint's model associations joined with
// model names, best throughput first.
func (s *Store) EndpointModelLinks(ctx context.Context, endpointID int64) ([]EndpointModelLink, error) {
	query := s.rebind(`SELECT
			l.endpoint_id, l.ai_model_id, l.status, l.token_per_second, l.max_connection_time,
			m.name, m.tag
		FROM endpoint_ai_models l
		JOIN ai_models m ON m.id = l.ai_model_id
		WHERE l.endpoint_id = ?
		ORDER BY l.token_per_second DESC, m.name ASC, m.tag ASC`)
	links := []EndpointModelLink{}
	if err := s.db.SelectContext(ctx, &links, query, endpointID); err != nil {
		return nil, fmt.Errorf("endpoint %d model links: %w", endpointID, err)
	}
	return links, nil
}

// RecentEndpointPerformances returns the latest liveness snapshots, newest
// first.
func (s *Store) RecentEndpointPerformances(ctx context.Context, endpointID int64, limit int) ([]EndpointPerformance, error) {
	if limit <= 0 {
		limit = 10
	}
	query := s.rebind(`SELECT * FROM endpoint_performances
		WHERE endpoint_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`)
	perfs := []EndpointPerformance{}
	if err := s.db.SelectContext(ctx, &perfs, query, endpointID, limit); err != nil {
		return nil, fmt.Errorf("endpoint %d performances: %w", endpointID, err)
	}
	return perfs, nil
}

// buildOrderClause validates a user-supplied sort key against a whitelist and
// returns the SQL ORDER BY expression.
func buildOrderClause(columns map[string]string, orderBy, fallback string) (string, error) {
	if orderBy == "" {
		return fallback, nil
	}
	key := strings.ToLower(strings.TrimSpace(orderBy))
	dir := "ASC"
	if col, ok := strings.CutSuffix(key, " desc"); ok {
		key, dir = strings.TrimSpace(col), "DESC"
	} else if col, ok := strings.CutSuffix(key, " asc"); ok {
		key = strings.TrimSpace(col)
	}
	col, ok := columns[key]
	if !ok {
		return "", fmt.Errorf("invalid order_by %q", orderBy)
	}
	return col + " " + dir, nil
}
