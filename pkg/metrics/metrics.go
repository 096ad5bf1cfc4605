// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metrics exposes Prometheus instrumentation for the relay.
//
// Collectors are registered on the default registry and served by the
// gateway at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProbesTotal counts completed endpoint probes by final endpoint status.
	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ollamarelay",
		Subsystem: "probe",
		Name:      "endpoints_total",
		Help:      "Completed endpoint probes by resulting status.",
	}, []string{"status"})

	// ModelBenchmarks counts per-model generation benchmarks by status.
	ModelBenchmarks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ollamarelay",
		Subsystem: "probe",
		Name:      "model_benchmarks_total",
		Help:      "Per-model generation benchmarks by resulting status.",
	}, []string{"status"})

	// BenchmarkTPS observes measured tokens-per-second across benchmarks.
	BenchmarkTPS = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ollamarelay",
		Subsystem: "probe",
		Name:      "tokens_per_second",
		Help:      "Measured generation throughput in tokens per second.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	// ForwardAttempts counts upstream forward attempts by outcome
	// (success, failover, exhausted).
	ForwardAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ollamarelay",
		Subsystem: "forward",
		Name:      "attempts_total",
		Help:      "Upstream forward attempts by outcome.",
	}, []string{"outcome"})

	// ForwardedRequests counts client requests through the passthrough by
	// final HTTP status class.
	ForwardedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ollamarelay",
		Subsystem: "forward",
		Name:      "requests_total",
		Help:      "Passthrough requests by final status class.",
	}, []string{"code"})

	// TasksExecuted counts scheduler task executions by terminal status.
	TasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ollamarelay",
		Subsystem: "scheduler",
		Name:      "tasks_total",
		Help:      "Endpoint test task executions by terminal status.",
	}, []string{"status"})
)
