// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package router picks backends for a model.
package router

import (
	"context"
	"errors"

	"github.com/AleutianAI/ollamarelay/services/registry"
)

// ErrNoEndpoints means no backend currently serves the requested model.
var ErrNoEndpoints = errors.New("no available endpoint for model")

// Router ranks routing candidates straight from the registry. It holds no
// cache: a probe result is visible to the very next request.
type Router struct {
	store *registry.Store
}

// New builds a Router.
func New(store *registry.Store) *Router {
	return &Router{store: store}
}

// CandidatesForModel returns the backends serving the model, best first:
// highest measured throughput, then lowest worst-case cold start (unknown
// cold starts sort last), then endpoint id for a stable order.
func (r *Router) CandidatesForModel(ctx context.Context, modelRef string) ([]registry.RankedEndpoint, error) {
	ranked, err := r.store.BestEndpointsForModel(ctx, modelRef)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, ErrNoEndpoints
	}
	return ranked, nil
}
