// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package probe measures one backend end to end.
//
// A probe is three phases: a version call to prove liveness, a tags call to
// discover models, and a streaming generation benchmark per model. The
// outcome is a registry.EndpointTestResult that the registry applies in one
// transaction, so a probe is all-or-nothing from the data plane's view.
package probe

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/AleutianAI/ollamarelay/pkg/logging"
	"github.com/AleutianAI/ollamarelay/pkg/metrics"
	"github.com/AleutianAI/ollamarelay/services/ollama"
	"github.com/AleutianAI/ollamarelay/services/registry"
)

// BenchmarkPrompt is the fixed generation prompt. A classical-Chinese
// translation task produces enough output to measure throughput while
// staying cheap on small models.
const BenchmarkPrompt = "将以下内容，翻译成现代汉语：先帝创业未半而中道崩殂，今天下三分，益州疲弊，此诚危急存亡之秋也。"

// DefaultFakeMarkers are substrings that expose a counterfeit backend: a
// canned impostor banner or a relay that answers every prompt with a "server
// busy" blurb instead of running the model.
var DefaultFakeMarkers = []string{"fake-ollama", "服务器繁忙"}

const (
	versionTimeout  = 10 * time.Second
	benchmarkBudget = 60 * time.Second
)

// Prober runs endpoint tests. Safe for concurrent use.
type Prober struct {
	newClient   func(baseURL string) *ollama.Client
	fakeMarkers []string
	log         *logging.Logger
}

// Option customizes a Prober.
type Option func(*Prober)

// WithClientFactory swaps how backend clients are built. Tests inject
// httptest-backed clients here.
func WithClientFactory(f func(baseURL string) *ollama.Client) Option {
	return func(p *Prober) { p.newClient = f }
}

// WithFakeMarkers replaces the impostor detection substrings.
func WithFakeMarkers(markers []string) Option {
	return func(p *Prober) { p.fakeMarkers = markers }
}

// New builds a Prober.
func New(log *logging.Logger, opts ...Option) *Prober {
	p := &Prober{
		newClient:   func(baseURL string) *ollama.Client { return ollama.New(baseURL) },
		fakeMarkers: DefaultFakeMarkers,
		log:         log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// TestEndpoint probes one backend and returns the structured result. The
// result is always non-nil; total failure yields an UNAVAILABLE snapshot
// with no model measurements.
func (p *Prober) TestEndpoint(ctx context.Context, baseURL string) *registry.EndpointTestResult {
	client := p.newClient(baseURL)
	result := &registry.EndpointTestResult{
		EndpointPerformance: &registry.EndpointPerformance{Status: registry.EndpointUnavailable},
	}

	versionCtx, cancel := context.WithTimeout(ctx, versionTimeout)
	version, err := client.Version(versionCtx)
	cancel()
	if err != nil {
		p.log.Info("Endpoint version check failed", "base_url", baseURL, "error", err)
		metrics.ProbesTotal.WithLabelValues(string(registry.EndpointUnavailable)).Inc()
		return result
	}
	result.EndpointPerformance.OllamaVersion = &version

	tags, err := client.Tags(ctx)
	if err != nil {
		p.log.Info("Endpoint tags call failed", "base_url", baseURL, "error", err)
		metrics.ProbesTotal.WithLabelValues(string(registry.EndpointUnavailable)).Inc()
		return result
	}

	result.EndpointPerformance.Status = registry.EndpointAvailable
	fake := false
	for _, tag := range tags {
		name, tagPart := registry.SplitModelRef(tag.Name)
		model := registry.AIModel{Name: name, Tag: tagPart}

		var perf registry.AIModelPerformance
		if fake {
			// One impostor answer condemns the whole endpoint; skip the
			// remaining benchmarks.
			perf = registry.AIModelPerformance{Status: registry.ModelFake}
		} else {
			perf = p.benchmark(ctx, client, tag.Name)
			if perf.Status == registry.ModelFake {
				fake = true
				result.EndpointPerformance.Status = registry.EndpointFake
			}
		}
		metrics.ModelBenchmarks.WithLabelValues(string(perf.Status)).Inc()
		if perf.Status == registry.ModelAvailable {
			metrics.BenchmarkTPS.Observe(perf.TokenPerSecond)
		}
		result.ModelPerformances = append(result.ModelPerformances, registry.ModelPerformance{
			AIModel:     model,
			Performance: perf,
		})
	}

	metrics.ProbesTotal.WithLabelValues(string(result.EndpointPerformance.Status)).Inc()
	p.log.Info("Endpoint probed",
		"base_url", baseURL,
		"status", result.EndpointPerformance.Status,
		"models", len(result.ModelPerformances))
	return result
}

// benchmark runs one streaming generation and measures it.
func (p *Prober) benchmark(ctx context.Context, client *ollama.Client, modelRef string) registry.AIModelPerformance {
	ctx, cancel := context.WithTimeout(ctx, benchmarkBudget)
	defer cancel()

	start := time.Now()
	stream, err := client.Generate(ctx, modelRef, BenchmarkPrompt)
	if err != nil {
		p.log.Debug("Benchmark generate failed", "model", modelRef, "error", err)
		return registry.AIModelPerformance{Status: registry.ModelUnavailable}
	}
	defer stream.Close()

	var (
		output     strings.Builder
		connTime   *float64
		evalCount  int
		durationNs int64
	)
	for {
		chunk, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			p.log.Debug("Benchmark stream failed", "model", modelRef, "error", err)
			return registry.AIModelPerformance{Status: registry.ModelUnavailable}
		}
		if connTime == nil {
			elapsed := time.Since(start).Seconds()
			connTime = &elapsed
		}
		output.WriteString(chunk.Response)
		if chunk.Done {
			evalCount = chunk.EvalCount
			durationNs = chunk.TotalDuration
			break
		}
	}
	if connTime == nil {
		// The backend closed the stream without a single chunk.
		return registry.AIModelPerformance{Status: registry.ModelUnavailable}
	}

	text := output.String()
	for _, marker := range p.fakeMarkers {
		if strings.Contains(text, marker) {
			return registry.AIModelPerformance{
				Status:         registry.ModelFake,
				ConnectionTime: connTime,
				Output:         text,
			}
		}
	}

	totalTime := time.Since(start).Seconds()
	if durationNs > 0 {
		totalTime = float64(durationNs) / float64(time.Second)
	}
	tokens := evalCount
	if tokens == 0 {
		tokens = countTokens(text)
	}
	tps := 0.0
	if totalTime > 0 {
		tps = float64(tokens) / totalTime
	}
	return registry.AIModelPerformance{
		Status:         registry.ModelAvailable,
		TokenPerSecond: tps,
		ConnectionTime: connTime,
		TotalTime:      totalTime,
		Output:         text,
		OutputTokens:   tokens,
	}
}
