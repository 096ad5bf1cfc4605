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
)

// CreateUser inserts a new account. password must already be hashed.
func (s *Store) CreateUser(ctx context.Context, username, password string, isAdmin bool, planID *int64) (*User, error) {
	query := s.rebind(`INSERT INTO users (username, password, is_admin, plan_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id, username, password, is_admin, plan_id, created_at`)
	var u User
	if err := s.db.GetContext(ctx, &u, query, username, password, isAdmin, planID, now()); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("create user %s: %w", username, err)
	}
	return &u, nil
}

// CountUsers returns the total number of accounts. The init endpoint refuses
// to run once this is non-zero.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// GetUser fetches one account by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	query := s.rebind(`SELECT * FROM users WHERE id = ?`)
	if err := s.db.GetContext(ctx, &u, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return &u, nil
}

// GetUserByUsername fetches one account by its unique username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	query := s.rebind(`SELECT * FROM users WHERE username = ?`)
	if err := s.db.GetContext(ctx, &u, query, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}
	return &u, nil
}

// ListUsers returns a page of accounts, newest first.
func (s *Store) ListUsers(ctx context.Context, params PageParams) (*Page[User], error) {
	params = params.Normalize()
	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM users`); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	query := s.rebind(`SELECT * FROM users ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	users := []User{}
	if err := s.db.SelectContext(ctx, &users, query, params.Size, params.Offset()); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return &Page[User]{Items: users, Total: total, Page: params.Page, Size: params.Size}, nil
}

// UserUpdate carries the admin-editable user fields. Nil means unchanged.
type UserUpdate struct {
	IsAdmin *bool
	PlanID  *int64
}

// UpdateUser applies an admin edit to an account.
func (s *Store) UpdateUser(ctx context.Context, id int64, upd UserUpdate) (*User, error) {
	if upd.IsAdmin != nil {
		query := s.rebind(`UPDATE users SET is_admin = ? WHERE id = ?`)
		if _, err := s.db.ExecContext(ctx, query, *upd.IsAdmin, id); err != nil {
			return nil, fmt.Errorf("update user %d admin: %w", id, err)
		}
	}
	if upd.PlanID != nil {
		query := s.rebind(`UPDATE users SET plan_id = ? WHERE id = ?`)
		if _, err := s.db.ExecContext(ctx, query, *upd.PlanID, id); err != nil {
			return nil, fmt.Errorf("update user %d plan: %w", id, err)
		}
	}
	return s.GetUser(ctx, id)
}

// UpdatePassword replaces the stored hash for an account.
func (s *Store) UpdatePassword(ctx context.Context, id int64, hashed string) error {
	query := s.rebind(`UPDATE users SET password = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, hashed, id)
	if err != nil {
		return fmt.Errorf("update password for user %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
