// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ollama is the HTTP client for Ollama-compatible backends.
//
// The client exposes the three typed calls the prober needs (Version, Tags,
// streaming Generate) plus an untyped Do passthrough used by the forwarder.
// Backends are often reached over self-signed TLS, so certificate
// verification is disabled toward them.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("ollamarelay.ollama")

// DefaultTimeout bounds any single backend call, including a full generation.
const DefaultTimeout = 10 * time.Minute

// HTTPError is a non-2xx backend response, carrying the upstream status and
// body so the forwarder can relay them verbatim.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, truncate(string(e.Body), 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Client talks to one backend base URL. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeout overrides the overall per-call timeout. Zero disables it; the
// forwarder relies on that for long-running streams.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the transport entirely. Tests inject an
// httptest-backed client here.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New builds a client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend base URL the client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// versionResponse mirrors GET /api/version.
type versionResponse struct {
	Version string `json:"version"`
}

// Version fetches the backend's reported Ollama version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "ollama.Version")
	defer span.End()
	span.SetAttributes(attribute.String("ollama.base_url", c.baseURL))

	body, err := c.getJSON(ctx, "/api/version")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	var v versionResponse
	if err := json.Unmarshal(body, &v); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("parse version response: %w", err)
	}
	return v.Version, nil
}

// TagModel is one entry from GET /api/tags. Name carries the "name:tag" ref.
type TagModel struct {
	Name       string `json:"name"`
	Model      string `json:"model,omitempty"`
	Size       int64  `json:"size,omitempty"`
	Digest     string `json:"digest,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
}

type tagsResponse struct {
	Models []TagModel `json:"models"`
}

// Tags lists the models the backend serves.
func (c *Client) Tags(ctx context.Context) ([]TagModel, error) {
	ctx, span := tracer.Start(ctx, "ollama.Tags")
	defer span.End()
	span.SetAttributes(attribute.String("ollama.base_url", c.baseURL))

	body, err := c.getJSON(ctx, "/api/tags")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	var t tagsResponse
	if err := json.Unmarshal(body, &t); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("parse tags response: %w", err)
	}
	return t.Models, nil
}

func (c *Client) getJSON(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", path, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}

// GenerateChunk is one decoded NDJSON line from a streaming generation.
type GenerateChunk struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`

	// Final-chunk accounting fields; zero until Done.
	EvalCount     int   `json:"eval_count,omitempty"`
	EvalDuration  int64 `json:"eval_duration,omitempty"`
	TotalDuration int64 `json:"total_duration,omitempty"`
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// GenerateStream yields decoded chunks from a streaming /api/generate call.
// Close must be called when the caller stops early.
type GenerateStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	endSpan func()
}

// Next returns the next decoded chunk. io.EOF signals a cleanly finished
// stream. Lines that are not valid JSON are skipped.
func (s *GenerateStream) Next() (*GenerateChunk, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk GenerateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			slog.Debug("Skipping malformed stream line", "error", err)
			continue
		}
		return &chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read generate stream: %w", err)
	}
	return nil, io.EOF
}

// Close releases the underlying response body.
func (s *GenerateStream) Close() error {
	if s.endSpan != nil {
		s.endSpan()
		s.endSpan = nil
	}
	return s.body.Close()
}

// Generate starts a streaming generation for the given model and prompt.
// The returned stream delivers chunks as the backend produces them; the first
// chunk's arrival time is what the prober records as connection time.
func (c *Client) Generate(ctx context.Context, model, prompt string) (*GenerateStream, error) {
	ctx, span := tracer.Start(ctx, "ollama.Generate")
	span.SetAttributes(
		attribute.String("ollama.base_url", c.baseURL),
		attribute.String("ollama.model", model),
	)

	payload, err := json.Marshal(generateRequest{Model: model, Prompt: prompt, Stream: true})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, fmt.Errorf("call generate: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: body}
		span.RecordError(httpErr)
		span.SetStatus(codes.Error, httpErr.Error())
		span.End()
		return nil, httpErr
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &GenerateStream{
		body:    resp.Body,
		scanner: scanner,
		endSpan: func() { span.End() },
	}, nil
}

// RawRequest is one passthrough call assembled by the forwarder.
type RawRequest struct {
	Method  string
	Path    string
	Query   url.Values
	Headers http.Header
	Body    []byte
}

// RawResponse is the upstream response handed back to the forwarder. The
// caller owns Body and must close it.
type RawResponse struct {
	StatusCode int
	Headers    http.Header
	Body       io.ReadCloser
}

// Do forwards a raw request to the backend without interpreting it. Any
// status code is returned as a RawResponse; only transport failures error.
func (c *Client) Do(ctx context.Context, raw RawRequest) (*RawResponse, error) {
	target := c.baseURL + "/" + strings.TrimPrefix(raw.Path, "/")
	if len(raw.Query) > 0 {
		target += "?" + raw.Query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, raw.Method, target, bytes.NewReader(raw.Body))
	if err != nil {
		return nil, fmt.Errorf("create passthrough request: %w", err)
	}
	for key, values := range raw.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w", c.baseURL, err)
	}
	return &RawResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       resp.Body,
	}, nil
}
