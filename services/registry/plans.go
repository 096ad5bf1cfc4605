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

var planOrderColumns = map[string]string{
	"created_at": "created_at",
	"name":       "name",
	"rpm":        "rpm",
	"rpd":        "rpd",
}

// PlanInput carries the editable plan fields.
type PlanInput struct {
	Name        string
	Description string
	RPM         int
	RPD         int
	IsDefault   bool
}

// CreatePlan inserts a plan. Setting IsDefault clears the flag on the
// previous default inside the same transaction, so at most one plan is
// default at any time.
func (s *Store) CreatePlan(ctx context.Context, in PlanInput) (*Plan, error) {
	var p Plan
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if in.IsDefault {
			if err := clearDefaultPlanTx(ctx, tx, s.rebind); err != nil {
				return err
			}
		}
		ts := now()
		query := s.rebind(`INSERT INTO plans (name, description, rpm, rpd, is_default, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			RETURNING id, name, description, rpm, rpd, is_default, created_at, updated_at`)
		return tx.GetContext(ctx, &p, query, in.Name, in.Description, in.RPM, in.RPD, in.IsDefault, ts, ts)
	})
	if err != nil {
		return nil, fmt.Errorf("create plan %s: %w", in.Name, err)
	}
	return &p, nil
}

// UpdatePlan replaces the editable fields of a plan, preserving default-flag
// uniqueness.
func (s *Store) UpdatePlan(ctx context.Context, id int64, in PlanInput) (*Plan, error) {
	var p Plan
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if in.IsDefault {
			if err := clearDefaultPlanTx(ctx, tx, s.rebind); err != nil {
				return err
			}
		}
		query := s.rebind(`UPDATE plans
			SET name = ?, description = ?, rpm = ?, rpd = ?, is_default = ?, updated_at = ?
			WHERE id = ?
			RETURNING id, name, description, rpm, rpd, is_default, created_at, updated_at`)
		err := tx.GetContext(ctx, &p, query, in.Name, in.Description, in.RPM, in.RPD, in.IsDefault, now(), id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update plan %d: %w", id, err)
	}
	return &p, nil
}

func clearDefaultPlanTx(ctx context.Context, tx *sqlx.Tx, rebind func(string) string) error {
	query := rebind(`UPDATE plans SET is_default = ? WHERE is_default = ?`)
	if _, err := tx.ExecContext(ctx, query, false, true); err != nil {
		return fmt.Errorf("clear default plan: %w", err)
	}
	return nil
}

// GetPlan fetches one plan by id.
func (s *Store) GetPlan(ctx context.Context, id int64) (*Plan, error) {
	var p Plan
	query := s.rebind(`SELECT * FROM plans WHERE id = ?`)
	if err := s.db.GetContext(ctx, &p, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get plan %d: %w", id, err)
	}
	return &p, nil
}

// DefaultPlan returns the plan marked default, creating the built-in
// "Free" plan (10 rpm, 1000 rpd) when none exists yet.
func (s *Store) DefaultPlan(ctx context.Context) (*Plan, error) {
	var p Plan
	query := s.rebind(`SELECT * FROM plans WHERE is_default = ? LIMIT 1`)
	err := s.db.GetContext(ctx, &p, query, true)
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get default plan: %w", err)
	}
	return s.CreatePlan(ctx, PlanInput{
		Name:        "Free",
		Description: "Default plan",
		RPM:         10,
		RPD:         1000,
		IsDefault:   true,
	})
}

// ListPlans returns a page of plans with optional name search and sorting.
func (s *Store) ListPlans(ctx context.Context, params PageParams, search, orderBy string) (*Page[Plan], error) {
	params = params.Normalize()

	where := ""
	var args []any
	if search != "" {
		where = `WHERE lower(name) LIKE ?`
		args = append(args, "%"+strings.ToLower(search)+"%")
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, s.rebind(`SELECT COUNT(*) FROM plans `+where), args...); err != nil {
		return nil, fmt.Errorf("count plans: %w", err)
	}

	order, err := buildOrderClause(planOrderColumns, orderBy, "created_at DESC")
	if err != nil {
		return nil, err
	}
	query := s.rebind(fmt.Sprintf(`SELECT * FROM plans %s ORDER BY %s, id ASC LIMIT ? OFFSET ?`, where, order))
	args = append(args, params.Size, params.Offset())

	plans := []Plan{}
	if err := s.db.SelectContext(ctx, &plans, query, args...); err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return &Page[Plan]{Items: plans, Total: total, Page: params.Page, Size: params.Size}, nil
}

// DeletePlan removes a plan. Users on the plan are detached first so the
// FK does not block the delete.
func (s *Store) DeletePlan(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := s.rebind(`UPDATE users SET plan_id = NULL WHERE plan_id = ?`)
		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("detach plan %d users: %w", id, err)
		}
		query = s.rebind(`DELETE FROM plans WHERE id = ?`)
		res, err := tx.ExecContext(ctx, query, id)
		if err != nil {
			return fmt.Errorf("delete plan %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
