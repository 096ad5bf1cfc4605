// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/AleutianAI/ollamarelay/pkg/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := NewWithDB(db, config.EngineSQLite)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func floatPtr(f float64) *float64 { return &f }
func strPtr(s string) *string     { return &s }

func availableResult(version string, models ...ModelPerformance) *EndpointTestResult {
	return &EndpointTestResult{
		EndpointPerformance: &EndpointPerformance{
			Status:        EndpointAvailable,
			OllamaVersion: &version,
		},
		ModelPerformances: models,
	}
}

func benchmark(name, tag string, tps float64, connTime *float64) ModelPerformance {
	return ModelPerformance{
		AIModel: AIModel{Name: name, Tag: tag},
		Performance: AIModelPerformance{
			Status:         ModelAvailable,
			TokenPerSecond: tps,
			ConnectionTime: connTime,
			TotalTime:      2.5,
			Output:         "ok",
			OutputTokens:   int(tps * 2.5),
		},
	}
}

func TestMigrateSeedsInterval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hours, err := s.UpdateIntervalHours(ctx)
	require.NoError(t, err)
	require.Equal(t, 24, hours)

	// Migrate is idempotent and does not clobber an edited setting.
	_, err = s.PutSetting(ctx, SettingUpdateIntervalHours, "6")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	hours, err = s.UpdateIntervalHours(ctx)
	require.NoError(t, err)
	require.Equal(t, 6, hours)
}

func TestUpdateIntervalHoursClampsBadValues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, bad := range []string{"0", "-3", "1441", "soon"} {
		_, err := s.PutSetting(ctx, SettingUpdateIntervalHours, bad)
		require.NoError(t, err)
		hours, err := s.UpdateIntervalHours(ctx)
		require.NoError(t, err)
		require.Equal(t, 24, hours, "value %q should fall back", bad)
	}
}

func TestUpsertEndpointByURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertEndpoint(ctx, "http://a:11434", "alpha")
	require.NoError(t, err)

	again, err := s.UpsertEndpoint(ctx, "http://a:11434", "")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, "alpha", again.Name, "empty name keeps the existing one")

	renamed, err := s.UpsertEndpoint(ctx, "http://a:11434", "alpha-2")
	require.NoError(t, err)
	require.Equal(t, first.ID, renamed.ID)
	require.Equal(t, "alpha-2", renamed.Name)
}

func TestApplyEndpointTestResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e, err := s.UpsertEndpoint(ctx, "http://a:11434", "")
	require.NoError(t, err)

	t.Run("first probe creates links and history", func(t *testing.T) {
		result := availableResult("0.5.1",
			benchmark("llama3", "8b", 40, floatPtr(1.2)),
			benchmark("qwen2", "7b", 25, floatPtr(0.8)))
		require.NoError(t, s.ApplyEndpointTestResult(ctx, e.ID, result))

		links, err := s.EndpointModelLinks(ctx, e.ID)
		require.NoError(t, err)
		require.Len(t, links, 2)
		require.Equal(t, "llama3", links[0].Name)
		require.Equal(t, 40.0, links[0].TokenPerSecond)

		perfs, err := s.RecentEndpointPerformances(ctx, e.ID, 5)
		require.NoError(t, err)
		require.Len(t, perfs, 1)
		require.Equal(t, EndpointAvailable, perfs[0].Status)
		require.Equal(t, "0.5.1", *perfs[0].OllamaVersion)
	})

	t.Run("max connection time never decreases", func(t *testing.T) {
		result := availableResult("0.5.1", benchmark("llama3", "8b", 50, floatPtr(0.4)))
		require.NoError(t, s.ApplyEndpointTestResult(ctx, e.ID, result))

		links, err := s.EndpointModelLinks(ctx, e.ID)
		require.NoError(t, err)
		var llama *EndpointModelLink
		for i := range links {
			if links[i].Name == "llama3" {
				llama = &links[i]
			}
		}
		require.NotNil(t, llama)
		require.Equal(t, 50.0, llama.TokenPerSecond)
		require.Equal(t, 1.2, *llama.MaxConnectionTime, "faster probe keeps the worst cold-start")
	})

	t.Run("vanished model demoted to missing", func(t *testing.T) {
		// qwen2 was not in the latest probe above.
		links, err := s.EndpointModelLinks(ctx, e.ID)
		require.NoError(t, err)
		for _, l := range links {
			if l.Name == "qwen2" {
				require.Equal(t, ModelMissing, l.Status)
				require.Equal(t, 0.0, l.TokenPerSecond)
			}
		}

		m, err := s.GetAIModelByRef(ctx, "qwen2:7b")
		require.NoError(t, err)
		history, err := s.RecentModelPerformances(ctx, e.ID, m.ID, 10)
		require.NoError(t, err)
		require.Equal(t, ModelMissing, history[0].Status)
	})

	t.Run("delete endpoint cascades", func(t *testing.T) {
		require.NoError(t, s.DeleteEndpoint(ctx, e.ID))
		links, err := s.EndpointModelLinks(ctx, e.ID)
		require.NoError(t, err)
		require.Empty(t, links)
		perfs, err := s.RecentEndpointPerformances(ctx, e.ID, 5)
		require.NoError(t, err)
		require.Empty(t, perfs)
	})
}

func TestBestEndpointsForModelOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fast, _ := s.UpsertEndpoint(ctx, "http://fast:11434", "")
	slow, _ := s.UpsertEndpoint(ctx, "http://slow:11434", "")
	coldUnknown, _ := s.UpsertEndpoint(ctx, "http://unknown:11434", "")
	down, _ := s.UpsertEndpoint(ctx, "http://down:11434", "")

	require.NoError(t, s.ApplyEndpointTestResult(ctx, fast.ID,
		availableResult("0.5.1", benchmark("llama3", "8b", 50, floatPtr(1.0)))))
	require.NoError(t, s.ApplyEndpointTestResult(ctx, slow.ID,
		availableResult("0.5.1", benchmark("llama3", "8b", 20, floatPtr(0.5)))))

	// Same throughput as fast, but connection time unknown: sorts after.
	tie := availableResult("0.5.1", benchmark("llama3", "8b", 50, nil))
	require.NoError(t, s.ApplyEndpointTestResult(ctx, coldUnknown.ID, tie))

	// Unavailable link never routes.
	unavailable := availableResult("0.5.1", ModelPerformance{
		AIModel:     AIModel{Name: "llama3", Tag: "8b"},
		Performance: AIModelPerformance{Status: ModelUnavailable},
	})
	require.NoError(t, s.ApplyEndpointTestResult(ctx, down.ID, unavailable))

	ranked, err := s.BestEndpointsForModel(ctx, "llama3:8b")
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	require.Equal(t, fast.ID, ranked[0].EndpointID)
	require.Equal(t, coldUnknown.ID, ranked[1].EndpointID, "null cold-start loses the tie")
	require.Equal(t, slow.ID, ranked[2].EndpointID)
}

func TestListEndpointsCountsAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.UpsertEndpoint(ctx, "http://alpha:11434", "prod-a")
	_, _ = s.UpsertEndpoint(ctx, "http://beta:11434", "prod-b")

	require.NoError(t, s.ApplyEndpointTestResult(ctx, a.ID, availableResult("0.5.1",
		benchmark("llama3", "8b", 40, floatPtr(1.0)),
		ModelPerformance{
			AIModel:     AIModel{Name: "qwen2", Tag: "7b"},
			Performance: AIModelPerformance{Status: ModelUnavailable},
		})))

	page, err := s.ListEndpoints(ctx, PageParams{}, "", "")
	require.NoError(t, err)
	require.EqualValues(t, 2, page.Total)

	var alpha *EndpointWithCounts
	for i := range page.Items {
		if page.Items[i].ID == a.ID {
			alpha = &page.Items[i]
		}
	}
	require.NotNil(t, alpha)
	require.Equal(t, 2, alpha.ModelCount)
	require.Equal(t, 1, alpha.AvailableModelCount)
	require.Equal(t, EndpointAvailable, *alpha.Status)

	filtered, err := s.ListEndpoints(ctx, PageParams{}, "beta", "")
	require.NoError(t, err)
	require.EqualValues(t, 1, filtered.Total)
	require.Equal(t, "http://beta:11434", filtered.Items[0].URL)

	_, err = s.ListEndpoints(ctx, PageParams{}, "", "drop table")
	require.Error(t, err, "unknown sort keys are rejected")
}

func TestListAIModels(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e, _ := s.UpsertEndpoint(ctx, "http://a:11434", "")
	require.NoError(t, s.ApplyEndpointTestResult(ctx, e.ID, availableResult("0.5.1",
		benchmark("llama3", "8b", 40, nil),
		ModelPerformance{
			AIModel:     AIModel{Name: "gemma", Tag: "2b"},
			Performance: AIModelPerformance{Status: ModelUnavailable},
		})))

	all, err := s.ListAIModels(ctx, PageParams{}, "", false)
	require.NoError(t, err)
	require.EqualValues(t, 2, all.Total)

	avail, err := s.ListAIModels(ctx, PageParams{}, "", true)
	require.NoError(t, err)
	require.EqualValues(t, 1, avail.Total)
	require.Equal(t, "llama3", avail.Items[0].Name)
	require.Equal(t, 1, avail.Items[0].AvailableEndpointCount)

	byRef, err := s.ListAIModels(ctx, PageParams{}, "llama3:8b", false)
	require.NoError(t, err)
	require.EqualValues(t, 1, byRef.Total)

	union, err := s.ListAvailableModels(ctx)
	require.NoError(t, err)
	require.Len(t, union, 1)
	require.Equal(t, "llama3:8b", union[0].Ref())
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e, _ := s.UpsertEndpoint(ctx, "http://a:11434", "")

	t.Run("claim is exclusive", func(t *testing.T) {
		task, err := s.CreateTask(ctx, e.ID, time.Now())
		require.NoError(t, err)

		claimed, err := s.MarkTaskRunning(ctx, task.ID, e.ID)
		require.NoError(t, err)
		require.True(t, claimed)

		again, err := s.MarkTaskRunning(ctx, task.ID, e.ID)
		require.NoError(t, err)
		require.False(t, again, "second claim loses")

		require.NoError(t, s.FinishTask(ctx, task.ID, TaskDone))
		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, TaskDone, got.Status)
		require.NotNil(t, got.LastTried)
	})

	t.Run("one running task per endpoint", func(t *testing.T) {
		first, err := s.CreateTask(ctx, e.ID, time.Now())
		require.NoError(t, err)
		second, err := s.CreateTask(ctx, e.ID, time.Now())
		require.NoError(t, err)

		claimed, err := s.MarkTaskRunning(ctx, first.ID, e.ID)
		require.NoError(t, err)
		require.True(t, claimed)

		blocked, err := s.MarkTaskRunning(ctx, second.ID, e.ID)
		require.NoError(t, err)
		require.False(t, blocked, "a second probe may not start while one runs")
		got, err := s.GetTask(ctx, second.ID)
		require.NoError(t, err)
		require.Equal(t, TaskPending, got.Status)

		require.NoError(t, s.FinishTask(ctx, first.ID, TaskDone))
		claimed, err = s.MarkTaskRunning(ctx, second.ID, e.ID)
		require.NoError(t, err)
		require.True(t, claimed, "claim frees up once the probe finishes")
		require.NoError(t, s.FinishTask(ctx, second.ID, TaskDone))
	})

	t.Run("finish rejects non-terminal status", func(t *testing.T) {
		task, _ := s.CreateTask(ctx, e.ID, time.Now())
		require.Error(t, s.FinishTask(ctx, task.ID, TaskPending))
	})

	t.Run("startup cleanup removes unfinished only", func(t *testing.T) {
		pending, _ := s.CreateTask(ctx, e.ID, time.Now())
		running, _ := s.CreateTask(ctx, e.ID, time.Now())
		_, err := s.MarkTaskRunning(ctx, running.ID, e.ID)
		require.NoError(t, err)

		n, err := s.DeleteUnfinishedTasks(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, int64(2))

		_, err = s.GetTask(ctx, pending.ID)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("due and reschedule", func(t *testing.T) {
		base := time.Now().UTC()
		future, err := s.CreateTask(ctx, e.ID, base.Add(time.Hour))
		require.NoError(t, err)

		due, err := s.DuePendingTasks(ctx, base, 10)
		require.NoError(t, err)
		require.Empty(t, due)

		found, err := s.EarliestPendingTask(ctx, e.ID)
		require.NoError(t, err)
		require.Equal(t, future.ID, found.ID)

		require.NoError(t, s.RescheduleTask(ctx, future.ID, base.Add(-time.Minute)))
		due, err = s.DuePendingTasks(ctx, base, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
	})

	t.Run("dedup lookup", func(t *testing.T) {
		since := time.Now().Add(-time.Minute)
		has, err := s.HasTaskSince(ctx, e.ID, []TaskStatus{TaskDone, TaskRunning}, since)
		require.NoError(t, err)
		require.True(t, has)

		has, err = s.HasTaskSince(ctx, e.ID, []TaskStatus{TaskFailed}, since)
		require.NoError(t, err)
		require.False(t, has)
	})
}

func TestUsersAndPlans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("default plan is created once", func(t *testing.T) {
		p1, err := s.DefaultPlan(ctx)
		require.NoError(t, err)
		require.Equal(t, "Free", p1.Name)
		require.Equal(t, 10, p1.RPM)
		require.Equal(t, 1000, p1.RPD)

		p2, err := s.DefaultPlan(ctx)
		require.NoError(t, err)
		require.Equal(t, p1.ID, p2.ID)
	})

	t.Run("default flag stays unique", func(t *testing.T) {
		pro, err := s.CreatePlan(ctx, PlanInput{Name: "Pro", RPM: 100, RPD: 50000, IsDefault: true})
		require.NoError(t, err)

		current, err := s.DefaultPlan(ctx)
		require.NoError(t, err)
		require.Equal(t, pro.ID, current.ID)

		page, err := s.ListPlans(ctx, PageParams{}, "", "")
		require.NoError(t, err)
		defaults := 0
		for _, p := range page.Items {
			if p.IsDefault {
				defaults++
			}
		}
		require.Equal(t, 1, defaults)
	})

	t.Run("user uniqueness and update", func(t *testing.T) {
		plan, _ := s.DefaultPlan(ctx)
		u, err := s.CreateUser(ctx, "admin", "hash", true, &plan.ID)
		require.NoError(t, err)
		require.True(t, u.IsAdmin)

		_, err = s.CreateUser(ctx, "admin", "other", false, nil)
		require.ErrorIs(t, err, ErrAlreadyExists)

		demoted := false
		updated, err := s.UpdateUser(ctx, u.ID, UserUpdate{IsAdmin: &demoted})
		require.NoError(t, err)
		require.False(t, updated.IsAdmin)
	})

	t.Run("delete plan detaches users", func(t *testing.T) {
		plan, err := s.CreatePlan(ctx, PlanInput{Name: "Temp", RPM: 5, RPD: 50})
		require.NoError(t, err)
		u, err := s.CreateUser(ctx, "temp-user", "hash", false, &plan.ID)
		require.NoError(t, err)

		require.NoError(t, s.DeletePlan(ctx, plan.ID))
		got, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		require.Nil(t, got.PlanID)
	})
}

func TestAPIKeysAndUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "owner", "hash", false, nil)
	require.NoError(t, err)

	key, err := s.CreateAPIKey(ctx, u.ID, "key-1", "laptop")
	require.NoError(t, err)

	t.Run("revoked keys do not authenticate but stay listed out", func(t *testing.T) {
		got, err := s.GetActiveAPIKey(ctx, "key-1")
		require.NoError(t, err)
		require.Equal(t, key.ID, got.ID)

		require.NoError(t, s.RevokeAPIKey(ctx, u.ID, key.ID))
		_, err = s.GetActiveAPIKey(ctx, "key-1")
		require.ErrorIs(t, err, ErrNotFound)

		keys, err := s.ListAPIKeys(ctx, u.ID)
		require.NoError(t, err)
		require.Empty(t, keys)
	})

	t.Run("revoke requires ownership", func(t *testing.T) {
		other, err := s.CreateUser(ctx, "other", "hash", false, nil)
		require.NoError(t, err)
		k, err := s.CreateAPIKey(ctx, u.ID, "key-2", "")
		require.NoError(t, err)
		require.ErrorIs(t, s.RevokeAPIKey(ctx, other.ID, k.ID), ErrNotFound)
	})

	t.Run("usage stats", func(t *testing.T) {
		k, err := s.CreateAPIKey(ctx, u.ID, "key-3", "")
		require.NoError(t, err)

		nowAt := time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)
		insert := func(ts time.Time, code int) {
			require.NoError(t, s.InsertUsageLog(ctx, &APIKeyUsageLog{
				APIKeyID:   k.ID,
				Timestamp:  ts,
				Endpoint:   "api/generate",
				Method:     "POST",
				Model:      strPtr("llama3"),
				StatusCode: code,
			}))
		}
		insert(nowAt.Add(-time.Hour), 200)          // today
		insert(nowAt.AddDate(0, 0, -3), 200)        // in window
		insert(nowAt.AddDate(0, 0, -3), 502)        // in window, failed
		insert(nowAt.AddDate(0, 0, -40), 200)       // outside window
		count, err := s.CountUsageSince(ctx, k.ID, nowAt.Add(-2*time.Hour))
		require.NoError(t, err)
		require.EqualValues(t, 1, count)

		stats, err := s.APIKeyUsage(ctx, k.ID, nowAt)
		require.NoError(t, err)
		require.EqualValues(t, 4, stats.Total)
		require.EqualValues(t, 3, stats.Last30Days)
		require.EqualValues(t, 1, stats.Today)
		require.EqualValues(t, 3, stats.Success)
		require.EqualValues(t, 1, stats.Failed)
		require.Len(t, stats.Daily, 30)
		require.Equal(t, "2026-08-24", stats.Daily[29].Date)
		require.EqualValues(t, 1, stats.Daily[29].Count)
		require.Equal(t, "2026-08-21", stats.Daily[26].Date)
		require.EqualValues(t, 2, stats.Daily[26].Count)
	})
}
