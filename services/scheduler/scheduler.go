// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scheduler drives the periodic and on-demand endpoint probes.
//
// Tasks are plain database rows, so every decision about what to run next is
// visible and survives restarts. Unfinished rows from a crashed process are
// deleted at startup; the periodic pass recreates whatever still matters.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/ollamarelay/pkg/logging"
	"github.com/AleutianAI/ollamarelay/pkg/metrics"
	"github.com/AleutianAI/ollamarelay/services/probe"
	"github.com/AleutianAI/ollamarelay/services/registry"
)

const (
	// warmUp delays the first periodic pass so the HTTP server comes up
	// before the probe burst.
	warmUp = 10 * time.Second

	// batchSize endpoints are scheduled per burst, with batchYield between
	// bursts, so a large fleet does not monopolize the database.
	batchSize  = 500
	batchYield = 2 * time.Second

	// maxConcurrentProbes caps in-flight endpoint tests.
	maxConcurrentProbes = 50

	// onDemandCooldown suppresses duplicate on-demand tests while a probe
	// for the same endpoint is already running.
	onDemandCooldown = 10 * time.Minute

	// periodicDelay pushes tasks created by a periodic pass slightly into
	// the future, so a pass never races its own executor.
	periodicDelay = 30 * time.Second

	// pollInterval is how often due tasks are picked up for execution.
	pollInterval = 2 * time.Second
)

// Scheduler owns the background probe loop.
type Scheduler struct {
	store  *registry.Store
	prober *probe.Prober
	log    *logging.Logger
	sem    *semaphore.Weighted

	wg         sync.WaitGroup
	cancel     context.CancelFunc
	reschedule chan struct{}

	// hooks for tests
	warmUp     time.Duration
	batchYield time.Duration
	poll       time.Duration
}

// New builds a Scheduler. Start must be called to begin probing.
func New(store *registry.Store, prober *probe.Prober, log *logging.Logger) *Scheduler {
	return &Scheduler{
		store:      store,
		prober:     prober,
		log:        log,
		sem:        semaphore.NewWeighted(maxConcurrentProbes),
		reschedule: make(chan struct{}, 1),
		warmUp:     warmUp,
		batchYield: batchYield,
		poll:       pollInterval,
	}
}

// Start cleans up stale tasks and launches the periodic and executor loops.
func (s *Scheduler) Start(ctx context.Context) error {
	n, err := s.store.DeleteUnfinishedTasks(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("Removed unfinished tasks from previous run", "count", n)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.periodicLoop(loopCtx)
	go s.executorLoop(loopCtx)
	return nil
}

// Reschedule pokes the periodic loop to re-read the interval setting. Called
// by the settings handler after a PUT.
func (s *Scheduler) Reschedule() {
	select {
	case s.reschedule <- struct{}{}:
	default:
	}
}

// Shutdown stops the loops and waits for in-flight probes, bounded by ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScheduleEndpointTest requests an on-demand probe. A probe already running
// within the cooldown window wins; an existing PENDING task is reused (pulled
// earlier if it sits in the future) instead of duplicated, so an endpoint
// never holds more than one unexecuted task.
func (s *Scheduler) ScheduleEndpointTest(ctx context.Context, endpointID int64, at time.Time) (*registry.EndpointTestTask, error) {
	running, err := s.store.HasTaskSince(ctx, endpointID,
		[]registry.TaskStatus{registry.TaskRunning}, at.Add(-onDemandCooldown))
	if err != nil {
		return nil, err
	}
	if running {
		s.log.Debug("Skipping on-demand test, probe already running", "endpoint_id", endpointID)
		return nil, nil
	}

	if pending, err := s.store.EarliestPendingTask(ctx, endpointID); err == nil {
		if pending.ScheduledAt.After(at) {
			if err := s.store.RescheduleTask(ctx, pending.ID, at); err == nil {
				pending.ScheduledAt = at.UTC()
			}
		}
		return pending, nil
	} else if !errors.Is(err, registry.ErrNotFound) {
		return nil, err
	}

	return s.store.CreateTask(ctx, endpointID, at)
}

// periodicLoop installs a probe task per endpoint once per configured
// interval.
func (s *Scheduler) periodicLoop(ctx context.Context) {
	defer s.wg.Done()

	select {
	case <-time.After(s.warmUp):
	case <-ctx.Done():
		return
	}

	for {
		interval := s.currentInterval(ctx)
		s.runPeriodicPass(ctx, interval)

		select {
		case <-time.After(interval):
		case <-s.reschedule:
			s.log.Info("Probe interval setting changed, rescheduling")
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) currentInterval(ctx context.Context) time.Duration {
	hours, err := s.store.UpdateIntervalHours(ctx)
	if err != nil {
		s.log.Warn("Failed to read probe interval, using default", "error", err)
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// runPeriodicPass walks every endpoint and installs a task unless the dedup
// rules say the endpoint was covered recently.
func (s *Scheduler) runPeriodicPass(ctx context.Context, interval time.Duration) {
	ids, err := s.store.ListEndpointIDs(ctx)
	if err != nil {
		s.log.Error("Periodic pass failed to list endpoints", "error", err)
		return
	}
	s.log.Info("Periodic probe pass", "endpoints", len(ids), "interval", interval)

	for i, id := range ids {
		if i > 0 && i%batchSize == 0 {
			select {
			case <-time.After(s.batchYield):
			case <-ctx.Done():
				return
			}
		}
		if err := s.scheduleForPass(ctx, id, interval); err != nil {
			s.log.Warn("Failed to schedule periodic test", "endpoint_id", id, "error", err)
		}
	}
}

func (s *Scheduler) scheduleForPass(ctx context.Context, endpointID int64, interval time.Duration) error {
	nowAt := time.Now().UTC()

	covered, err := s.store.HasTaskSince(ctx, endpointID,
		[]registry.TaskStatus{registry.TaskDone, registry.TaskRunning}, nowAt.Add(-interval))
	if err != nil {
		return err
	}
	if covered {
		return nil
	}

	if pending, err := s.store.EarliestPendingTask(ctx, endpointID); err == nil {
		if pending.ScheduledAt.After(nowAt.Add(periodicDelay)) {
			return s.store.RescheduleTask(ctx, pending.ID, nowAt.Add(periodicDelay))
		}
		return nil
	} else if !errors.Is(err, registry.ErrNotFound) {
		return err
	}

	_, err = s.store.CreateTask(ctx, endpointID, nowAt.Add(periodicDelay))
	return err
}

// executorLoop polls for due tasks and runs them under the concurrency cap.
func (s *Scheduler) executorLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.drainDueTasks(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) drainDueTasks(ctx context.Context) {
	tasks, err := s.store.DuePendingTasks(ctx, time.Now(), 100)
	if err != nil {
		s.log.Error("Failed to fetch due tasks", "error", err)
		return
	}
	for _, task := range tasks {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		s.wg.Add(1)
		go func(task registry.EndpointTestTask) {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.executeTask(ctx, task)
		}(task)
	}
}

// executeTask claims one task, probes the endpoint and stores the result.
// Losing the PENDING→RUNNING race is normal and exits quietly.
func (s *Scheduler) executeTask(ctx context.Context, task registry.EndpointTestTask) {
	claimed, err := s.store.MarkTaskRunning(ctx, task.ID, task.EndpointID)
	if err != nil {
		s.log.Warn("Failed to claim task", "task_id", task.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	endpoint, err := s.store.GetEndpoint(ctx, task.EndpointID)
	if err != nil {
		// Endpoint deleted between scheduling and execution.
		s.finish(ctx, task.ID, registry.TaskFailed)
		return
	}

	result := s.prober.TestEndpoint(ctx, endpoint.URL)
	if err := s.store.ApplyEndpointTestResult(ctx, endpoint.ID, result); err != nil {
		s.log.Error("Failed to apply probe result",
			"task_id", task.ID, "endpoint_id", endpoint.ID, "error", err)
		s.finish(ctx, task.ID, registry.TaskFailed)
		return
	}
	s.finish(ctx, task.ID, registry.TaskDone)
}

func (s *Scheduler) finish(ctx context.Context, taskID int64, status registry.TaskStatus) {
	metrics.TasksExecuted.WithLabelValues(string(status)).Inc()
	if err := s.store.FinishTask(ctx, taskID, status); err != nil && !errors.Is(err, registry.ErrNotFound) {
		s.log.Warn("Failed to finalize task", "task_id", taskID, "error", err)
	}
}
