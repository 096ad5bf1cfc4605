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

	"github.com/jmoiron/sqlx"
)

// ApplyEndpointTestResult persists one probe outcome atomically.
//
// In a single transaction it appends the endpoint liveness snapshot, ensures
// a model row per discovered model, upserts the endpoint↔model links, appends
// the benchmark measurements, and demotes links for models the endpoint no
// longer reports to MISSING (with a matching measurement row, so the history
// shows when the model disappeared).
//
// max_connection_time on a link never decreases: routing penalizes an
// endpoint by the worst cold-start it has ever shown for that model.
func (s *Store) ApplyEndpointTestResult(ctx context.Context, endpointID int64, result *EndpointTestResult) error {
	if result == nil || result.EndpointPerformance == nil {
		return fmt.Errorf("apply test result: missing endpoint performance")
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		ts := now()

		query := s.rebind(`INSERT INTO endpoint_performances
			(endpoint_id, status, ollama_version, created_at)
			VALUES (?, ?, ?, ?)`)
		ep := result.EndpointPerformance
		if _, err := tx.ExecContext(ctx, query, endpointID, ep.Status, ep.OllamaVersion, ts); err != nil {
			return fmt.Errorf("insert endpoint performance: %w", err)
		}

		seen := make([]int64, 0, len(result.ModelPerformances))
		for _, mp := range result.ModelPerformances {
			modelID, err := ensureAIModelTx(ctx, tx, s.rebind, mp.AIModel.Name, mp.AIModel.Tag)
			if err != nil {
				return err
			}
			seen = append(seen, modelID)

			perf := mp.Performance
			query = s.rebind(`INSERT INTO endpoint_ai_models
				(endpoint_id, ai_model_id, status, token_per_second, max_connection_time)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (endpoint_id, ai_model_id) DO UPDATE SET
					status = excluded.status,
					token_per_second = excluded.token_per_second,
					max_connection_time = CASE
						WHEN endpoint_ai_models.max_connection_time IS NULL THEN excluded.max_connection_time
						WHEN excluded.max_connection_time IS NULL THEN endpoint_ai_models.max_connection_time
						WHEN excluded.max_connection_time > endpoint_ai_models.max_connection_time THEN excluded.max_connection_time
						ELSE endpoint_ai_models.max_connection_time
					END`)
			if _, err := tx.ExecContext(ctx, query,
				endpointID, modelID, perf.Status, perf.TokenPerSecond, perf.ConnectionTime); err != nil {
				return fmt.Errorf("upsert link %d/%d: %w", endpointID, modelID, err)
			}

			query = s.rebind(`INSERT INTO ai_model_performances
				(endpoint_id, ai_model_id, status, token_per_second, connection_time,
				 total_time, output, output_tokens, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
			if _, err := tx.ExecContext(ctx, query,
				endpointID, modelID, perf.Status, perf.TokenPerSecond, perf.ConnectionTime,
				perf.TotalTime, perf.Output, perf.OutputTokens, ts); err != nil {
				return fmt.Errorf("insert model performance %d/%d: %w", endpointID, modelID, err)
			}
		}

		return s.demoteMissingLinksTx(ctx, tx, endpointID, seen, ts)
	})
}

// demoteMissingLinksTx marks links the latest probe did not report as MISSING
// and appends a MISSING measurement per demoted link. Already-missing links
// are left alone so history rows are not duplicated on every probe.
func (s *Store) demoteMissingLinksTx(ctx context.Context, tx *sqlx.Tx, endpointID int64, seen []int64, ts any) error {
	query := `SELECT ai_model_id FROM endpoint_ai_models
		WHERE endpoint_id = ? AND status <> ?`
	args := []any{endpointID, ModelMissing}
	if len(seen) > 0 {
		query += " AND ai_model_id NOT IN ("
		for i, id := range seen {
			if i > 0 {
				query += ", "
			}
			query += "?"
			args = append(args, id)
		}
		query += ")"
	}
	var stale []int64
	if err := tx.SelectContext(ctx, &stale, s.rebind(query), args...); err != nil {
		return fmt.Errorf("find stale links: %w", err)
	}

	for _, modelID := range stale {
		update := s.rebind(`UPDATE endpoint_ai_models
			SET status = ?, token_per_second = 0
			WHERE endpoint_id = ? AND ai_model_id = ?`)
		if _, err := tx.ExecContext(ctx, update, ModelMissing, endpointID, modelID); err != nil {
			return fmt.Errorf("demote link %d/%d: %w", endpointID, modelID, err)
		}
		insert := s.rebind(`INSERT INTO ai_model_performances
			(endpoint_id, ai_model_id, status, token_per_second, connection_time,
			 total_time, output, output_tokens, created_at)
			VALUES (?, ?, ?, 0, NULL, 0, '', 0, ?)`)
		if _, err := tx.ExecContext(ctx, insert, endpointID, modelID, ModelMissing, ts); err != nil {
			return fmt.Errorf("insert missing measurement %d/%d: %w", endpointID, modelID, err)
		}
	}
	return nil
}
