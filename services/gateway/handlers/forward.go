// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/ollamarelay/pkg/logging"
	"github.com/AleutianAI/ollamarelay/pkg/metrics"
	"github.com/AleutianAI/ollamarelay/services/gateway/datatypes"
	"github.com/AleutianAI/ollamarelay/services/gateway/middleware"
	"github.com/AleutianAI/ollamarelay/services/ollama"
	"github.com/AleutianAI/ollamarelay/services/ratelimit"
	"github.com/AleutianAI/ollamarelay/services/registry"
	"github.com/AleutianAI/ollamarelay/services/router"
)

// firstByteTimeout bounds how long a backend may sit silent before the
// request fails over to the next candidate.
const firstByteTimeout = 10 * time.Second

// streamByDefault lists the paths where Ollama streams unless the body says
// otherwise.
var streamByDefault = map[string]bool{
	"api/generate": true,
	"api/chat":     true,
}

// hopHeaders are stripped before forwarding. Authorization and X-API-Key
// carry relay credentials that must never reach a backend.
var hopHeaders = []string{"Host", "Content-Length", "Authorization", "X-Api-Key", "Connection"}

// Forwarder proxies passthrough requests to the best backend for the
// requested model, failing over down the ranked list until a backend
// delivers a first body chunk.
type Forwarder struct {
	store   *registry.Store
	router  *router.Router
	limiter *ratelimit.Limiter
	log     *logging.Logger

	// newClient and firstByte are swapped in tests.
	newClient func(baseURL string) *ollama.Client
	firstByte time.Duration
}

// NewForwarder builds a Forwarder. Passthrough clients carry no overall
// timeout: generations can stream for longer than any sane cap.
func NewForwarder(store *registry.Store, rt *router.Router, limiter *ratelimit.Limiter, log *logging.Logger) *Forwarder {
	return &Forwarder{
		store:   store,
		router:  rt,
		limiter: limiter,
		log:     log,
		newClient: func(baseURL string) *ollama.Client {
			return ollama.New(baseURL, ollama.WithTimeout(0))
		},
		firstByte: firstByteTimeout,
	}
}

// Handle is installed as the catch-all route: everything that is not the
// admin API lands here.
func (f *Forwarder) Handle(c *gin.Context) {
	path := strings.Trim(c.Request.URL.Path, "/")
	if path == "" {
		Greeting(c)
		return
	}

	ctx := c.Request.Context()
	key := middleware.ExtractAPIKey(c)
	if key == "" {
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Detail: "API key required"})
		return
	}
	apiKey, err := f.store.GetActiveAPIKey(ctx, key)
	if err != nil {
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Detail: "Invalid API key"})
		return
	}

	plan, err := f.planFor(c, apiKey)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := f.limiter.Check(ctx, apiKey.ID, plan, time.Now()); err != nil {
		writeError(c, err)
		var limitErr *ratelimit.LimitError
		if errors.As(err, &limitErr) {
			f.logUsage(c, apiKey, path, nil, http.StatusTooManyRequests)
		}
		return
	}

	// Every authenticated request ends up with exactly one usage-log row
	// carrying the final client-visible status, the 429 above included.
	switch path {
	case "api/tags":
		f.serveTagsUnion(c, apiKey, path)
		return
	case "v1/models":
		f.serveOpenAIModels(c, apiKey, path)
		return
	}
	f.forward(c, apiKey, path)
}

// planFor resolves the key's effective rate-limit plan.
func (f *Forwarder) planFor(c *gin.Context, apiKey *registry.APIKey) (*registry.Plan, error) {
	ctx := c.Request.Context()
	user, err := f.store.GetUser(ctx, apiKey.UserID)
	if err != nil {
		return nil, err
	}
	if user.PlanID != nil {
		return f.store.GetPlan(ctx, *user.PlanID)
	}
	return f.store.DefaultPlan(ctx)
}

// serveTagsUnion answers api/tags locally: the union of models that have at
// least one routable backend, in Ollama's response shape.
func (f *Forwarder) serveTagsUnion(c *gin.Context, apiKey *registry.APIKey, path string) {
	models, err := f.store.ListAvailableModels(c.Request.Context())
	if err != nil {
		writeError(c, err)
		f.logUsage(c, apiKey, path, nil, http.StatusInternalServerError)
		return
	}
	out := datatypes.OllamaTagList{Models: make([]datatypes.OllamaTagModel, 0, len(models))}
	for _, m := range models {
		out.Models = append(out.Models, datatypes.OllamaTagModel{Name: m.Ref(), Model: m.Ref()})
	}
	c.JSON(http.StatusOK, out)
	f.logUsage(c, apiKey, path, nil, http.StatusOK)
}

// serveOpenAIModels answers v1/models locally with the same union in OpenAI
// shape.
func (f *Forwarder) serveOpenAIModels(c *gin.Context, apiKey *registry.APIKey, path string) {
	models, err := f.store.ListAvailableModels(c.Request.Context())
	if err != nil {
		writeError(c, err)
		f.logUsage(c, apiKey, path, nil, http.StatusInternalServerError)
		return
	}
	out := datatypes.OpenAIModelList{Object: "list", Data: make([]datatypes.OpenAIModel, 0, len(models))}
	for _, m := range models {
		out.Data = append(out.Data, datatypes.OpenAIModel{ID: m.Ref(), Object: "model", OwnedBy: "library"})
	}
	c.JSON(http.StatusOK, out)
	f.logUsage(c, apiKey, path, nil, http.StatusOK)
}

// forwardBody is the subset of the request body the relay inspects. The raw
// bytes are forwarded untouched.
type forwardBody struct {
	Model  string `json:"model"`
	Stream *bool  `json:"stream"`
}

// forward proxies one request down the ranked candidate list.
func (f *Forwarder) forward(c *gin.Context, apiKey *registry.APIKey, path string) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, "Failed to read request body")
		f.logUsage(c, apiKey, path, nil, http.StatusBadRequest)
		return
	}

	// The model comes from the JSON body when there is one, else from the
	// last path segment (bodyless calls like GET api/show/llama3:8b).
	modelRef := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		modelRef = path[i+1:]
	}
	stream := streamByDefault[path]

	var parsed forwardBody
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil {
		modelRef = parsed.Model
		if parsed.Stream != nil {
			stream = *parsed.Stream
		}
	}
	if !strings.Contains(modelRef, ":") {
		badRequest(c, "Invalid model name")
		f.logUsage(c, apiKey, path, nil, http.StatusBadRequest)
		return
	}
	modelName, _ := registry.SplitModelRef(modelRef)

	candidates, err := f.router.CandidatesForModel(ctx, modelRef)
	if err != nil {
		writeError(c, err)
		status := http.StatusInternalServerError
		if errors.Is(err, router.ErrNoEndpoints) {
			status = http.StatusNotFound
		}
		f.logUsage(c, apiKey, path, &modelName, status)
		return
	}

	raw := ollama.RawRequest{
		Method:  c.Request.Method,
		Path:    path,
		Query:   c.Request.URL.Query(),
		Headers: scrubHeaders(c.Request.Header),
		Body:    body,
	}
	raw.Query.Del("api_key")

	status := f.tryCandidates(c, candidates, raw, stream)
	metrics.ForwardedRequests.WithLabelValues(strconv.Itoa(status / 100)).Inc()
	f.logUsage(c, apiKey, path, &modelName, status)
}

// tryCandidates walks the ranked list and returns the final client-visible
// status. A candidate commits only when its first body chunk (or a clean
// end of body) arrives inside the first-byte deadline; headers alone are
// not enough. Once a chunk is delivered there is no failover: a mid-stream
// failure kills the connection rather than replaying the request against
// another backend.
func (f *Forwarder) tryCandidates(c *gin.Context, candidates []registry.RankedEndpoint, raw ollama.RawRequest, stream bool) int {
	type attemptResult struct {
		resp *ollama.RawResponse
		err  error
	}
	type firstChunk struct {
		n   int
		err error
	}

	var (
		lastStatus int
		lastBody   []byte
	)
	for _, candidate := range candidates {
		// Deriving from the request context tears the upstream call down
		// when the client disconnects.
		attemptCtx, cancel := context.WithCancel(c.Request.Context())
		client := f.newClient(candidate.URL)
		deadline := time.NewTimer(f.firstByte)

		resultCh := make(chan attemptResult, 1)
		go func() {
			resp, err := client.Do(attemptCtx, raw)
			resultCh <- attemptResult{resp: resp, err: err}
		}()

		var result attemptResult
		select {
		case result = <-resultCh:
		case <-deadline.C:
			cancel()
			go func() {
				// Reap a response that raced the deadline.
				if late := <-resultCh; late.resp != nil {
					late.resp.Body.Close()
				}
			}()
			f.log.Warn("Backend missed first-byte deadline", "url", candidate.URL)
			metrics.ForwardAttempts.WithLabelValues("failover").Inc()
			continue
		}

		if result.err != nil {
			deadline.Stop()
			cancel()
			f.log.Warn("Backend request failed", "url", candidate.URL, "error", result.err)
			metrics.ForwardAttempts.WithLabelValues("failover").Inc()
			continue
		}
		if result.resp.StatusCode < 200 || result.resp.StatusCode > 299 {
			lastStatus = result.resp.StatusCode
			lastBody, _ = io.ReadAll(io.LimitReader(result.resp.Body, 64*1024))
			result.resp.Body.Close()
			deadline.Stop()
			cancel()
			f.log.Warn("Backend returned error status",
				"url", candidate.URL, "status", result.resp.StatusCode)
			metrics.ForwardAttempts.WithLabelValues("failover").Inc()
			continue
		}

		// Headers are in; the remaining deadline covers the first chunk. A
		// backend that accepts the request and then streams nothing must
		// not pin the client.
		buf := make([]byte, 32*1024)
		firstCh := make(chan firstChunk, 1)
		go func(body io.Reader) {
			n, err := body.Read(buf)
			firstCh <- firstChunk{n: n, err: err}
		}(result.resp.Body)

		select {
		case first := <-firstCh:
			deadline.Stop()
			if first.n == 0 && first.err != nil && first.err != io.EOF {
				result.resp.Body.Close()
				cancel()
				f.log.Warn("Backend stream broke before first chunk",
					"url", candidate.URL, "error", first.err)
				metrics.ForwardAttempts.WithLabelValues("failover").Inc()
				continue
			}
			metrics.ForwardAttempts.WithLabelValues("success").Inc()
			status := f.deliver(c, result.resp, stream, buf[:first.n], first.err)
			cancel()
			return status
		case <-deadline.C:
			cancel()
			go func(resp *ollama.RawResponse) {
				<-firstCh
				resp.Body.Close()
			}(result.resp)
			f.log.Warn("Backend sent headers but no first chunk", "url", candidate.URL)
			metrics.ForwardAttempts.WithLabelValues("failover").Inc()
			continue
		}
	}

	metrics.ForwardAttempts.WithLabelValues("exhausted").Inc()
	if lastStatus > 0 {
		c.Data(lastStatus, "application/json", lastBody)
		return lastStatus
	}
	c.JSON(http.StatusBadGateway, datatypes.ErrorResponse{Detail: "All endpoints failed"})
	return http.StatusBadGateway
}

// deliver relays the upstream response to the client, starting with the
// already-read first chunk, and returns the upstream status. firstErr is the
// error that accompanied the first read, if any.
func (f *Forwarder) deliver(c *gin.Context, resp *ollama.RawResponse, stream bool, first []byte, firstErr error) int {
	defer resp.Body.Close()

	if ct := resp.Headers.Get("Content-Type"); ct != "" {
		c.Header("Content-Type", ct)
	}
	c.Status(resp.StatusCode)

	flusher, _ := c.Writer.(http.Flusher)
	if len(first) > 0 {
		if _, err := c.Writer.Write(first); err != nil {
			return resp.StatusCode
		}
		if stream && flusher != nil {
			flusher.Flush()
		}
	}
	if firstErr != nil {
		return resp.StatusCode
	}

	if stream {
		buf := make([]byte, 32*1024)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				if _, werr := c.Writer.Write(buf[:n]); werr != nil {
					return resp.StatusCode
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			if err != nil {
				return resp.StatusCode
			}
		}
	}

	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		f.log.Debug("Response copy interrupted", "error", err)
	}
	return resp.StatusCode
}

// logUsage writes the single usage-log row for an admitted request and
// stamps the key's last_used_at. Logging failures must not fail the request.
// Runs on a detached context: a client disconnect must not lose the row.
func (f *Forwarder) logUsage(c *gin.Context, apiKey *registry.APIKey, path string, model *string, status int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entry := &registry.APIKeyUsageLog{
		APIKeyID:   apiKey.ID,
		Endpoint:   path,
		Method:     c.Request.Method,
		Model:      model,
		StatusCode: status,
	}
	if err := f.store.InsertUsageLog(ctx, entry); err != nil {
		f.log.Error("Failed to write usage log", "api_key_id", apiKey.ID, "error", err)
	}
	if err := f.store.TouchAPIKey(ctx, apiKey.ID); err != nil {
		f.log.Warn("Failed to stamp api key", "api_key_id", apiKey.ID, "error", err)
	}
}

// scrubHeaders copies the client headers minus the hop-by-hop and credential
// headers.
func scrubHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for key, values := range in {
		out[key] = append([]string(nil), values...)
	}
	for _, h := range hopHeaders {
		out.Del(h)
	}
	return out
}
