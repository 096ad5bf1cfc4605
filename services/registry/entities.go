// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import "time"

// EndpointStatus classifies an endpoint snapshot.
type EndpointStatus string

const (
	EndpointAvailable   EndpointStatus = "available"
	EndpointUnavailable EndpointStatus = "unavailable"
	EndpointFake        EndpointStatus = "fake"
)

// ModelStatus classifies a model measurement or link state.
//
// ModelMissing marks a model that an endpoint used to report but which no
// longer appears in its latest tag list.
type ModelStatus string

const (
	ModelAvailable   ModelStatus = "available"
	ModelUnavailable ModelStatus = "unavailable"
	ModelFake        ModelStatus = "fake"
	ModelMissing     ModelStatus = "missing"
)

// TaskStatus tracks the lifecycle of an endpoint test task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Endpoint is one backend reachable over HTTP, identified by its URL.
type Endpoint struct {
	ID        int64     `db:"id" json:"id"`
	URL       string    `db:"url" json:"url"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// EndpointPerformance is an append-only liveness snapshot written by the
// probe. Rows are never mutated.
type EndpointPerformance struct {
	ID            int64          `db:"id" json:"id"`
	EndpointID    int64          `db:"endpoint_id" json:"endpoint_id"`
	Status        EndpointStatus `db:"status" json:"status"`
	OllamaVersion *string        `db:"ollama_version" json:"ollama_version,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// AIModel identifies a served model by its (name, tag) pair, e.g.
// ("llama3", "8b"). Created lazily on first discovery.
type AIModel struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Tag       string    `db:"tag" json:"tag"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Ref renders the canonical "name:tag" form.
func (m AIModel) Ref() string { return m.Name + ":" + m.Tag }

// EndpointAIModel is the association between an endpoint and a model,
// carrying the current state derived from the latest measurement.
//
// MaxConnectionTime is monotonically non-decreasing across measurements: it
// records the worst observed cold-start so routing can penalize slow loaders.
type EndpointAIModel struct {
	EndpointID        int64       `db:"endpoint_id" json:"endpoint_id"`
	AIModelID         int64       `db:"ai_model_id" json:"ai_model_id"`
	Status            ModelStatus `db:"status" json:"status"`
	TokenPerSecond    float64     `db:"token_per_second" json:"token_per_second"`
	MaxConnectionTime *float64    `db:"max_connection_time" json:"max_connection_time,omitempty"`
}

// AIModelPerformance is one append-only generation benchmark measurement.
type AIModelPerformance struct {
	ID             int64       `db:"id" json:"id"`
	EndpointID     int64       `db:"endpoint_id" json:"endpoint_id"`
	AIModelID      int64       `db:"ai_model_id" json:"ai_model_id"`
	Status         ModelStatus `db:"status" json:"status"`
	TokenPerSecond float64     `db:"token_per_second" json:"token_per_second"`
	ConnectionTime *float64    `db:"connection_time" json:"connection_time,omitempty"`
	TotalTime      float64     `db:"total_time" json:"total_time"`
	Output         string      `db:"output" json:"output"`
	OutputTokens   int         `db:"output_tokens" json:"output_tokens"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
}

// ModelPerformance pairs a discovered model with its measurement for one
// probe run.
type ModelPerformance struct {
	AIModel     AIModel
	Performance AIModelPerformance
}

// EndpointTestResult is the structured outcome of probing one endpoint.
type EndpointTestResult struct {
	EndpointPerformance *EndpointPerformance
	ModelPerformances   []ModelPerformance
}

// APIKey authenticates passthrough requests. Keys are revoked, never
// deleted, so usage history stays attributable.
type APIKey struct {
	ID         int64      `db:"id" json:"id"`
	Key        string     `db:"key" json:"key"`
	Name       string     `db:"name" json:"name"`
	UserID     int64      `db:"user_id" json:"user_id"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	Revoked    bool       `db:"revoked" json:"revoked"`
}

// APIKeyUsageLog records one forwarded request, success or failure.
type APIKeyUsageLog struct {
	ID         int64     `db:"id" json:"id"`
	APIKeyID   int64     `db:"api_key_id" json:"api_key_id"`
	Timestamp  time.Time `db:"timestamp" json:"timestamp"`
	Endpoint   string    `db:"endpoint" json:"endpoint"`
	Method     string    `db:"method" json:"method"`
	Model      *string   `db:"model" json:"model,omitempty"`
	StatusCode int       `db:"status_code" json:"status_code"`
}

// Plan carries the rate limits applied to a user's API keys. Exactly one
// plan is the default inherited by new users.
type Plan struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	RPM         int       `db:"rpm" json:"rpm"`
	RPD         int       `db:"rpd" json:"rpd"`
	IsDefault   bool      `db:"is_default" json:"is_default"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// User is an admin-console account. The first user created becomes admin.
// Password holds the bcrypt hash, never the plaintext.
type User struct {
	ID        int64     `db:"id" json:"id"`
	Username  string    `db:"username" json:"username"`
	Password  string    `db:"password" json:"-"`
	IsAdmin   bool      `db:"is_admin" json:"is_admin"`
	PlanID    *int64    `db:"plan_id" json:"plan_id,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// EndpointTestTask is one scheduler work item for probing an endpoint.
type EndpointTestTask struct {
	ID          int64      `db:"id" json:"id"`
	EndpointID  int64      `db:"endpoint_id" json:"endpoint_id"`
	Status      TaskStatus `db:"status" json:"status"`
	ScheduledAt time.Time  `db:"scheduled_at" json:"scheduled_at"`
	LastTried   *time.Time `db:"last_tried" json:"last_tried,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// SystemSetting is one key/value configuration row.
type SystemSetting struct {
	Key       string    `db:"key" json:"key"`
	Value     string    `db:"value" json:"value"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SettingUpdateIntervalHours is the only setting key the control plane
// consumes: the periodic probe interval, bounded to [1, 1440].
const SettingUpdateIntervalHours = "update_endpoint_task_interval_hours"
