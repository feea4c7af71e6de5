// Package mgmt implements the HTTP management API: task CRUD, session
// inspection, system status, and server-sent event/log streams, behind
// bearer-token auth.
package mgmt

import (
	"github.com/ajfrai/agent-queue/internal/store"
)

// --- Request DTOs ---

// CreateTaskRequest is the payload for POST /api/v1/tasks.
type CreateTaskRequest struct {
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	ProjectID   int64                  `json:"project_id,omitempty"`
	ParentID    int64                  `json:"parent_task_id,omitempty"`
	Priority    int                    `json:"priority,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// PatchTaskRequest is the payload for PATCH /api/v1/tasks/:id. Metadata is
// merged shallowly (a null value deletes the key). PatchTask applies only
// Metadata; Title, Description and Priority are parsed but not applied.
type PatchTaskRequest struct {
	Title       *string                `json:"title,omitempty"`
	Description *string                `json:"description,omitempty"`
	Priority    *int                   `json:"priority,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// SetStatusRequest is the payload for PUT /api/v1/tasks/:id/status.
type SetStatusRequest struct {
	Status string `json:"status"`
}

// ReorderRequest is the payload for POST /api/v1/tasks/reorder: a new
// (id, position) vector.
type ReorderRequest struct {
	Positions []TaskPosition `json:"positions"`
}

// TaskPosition pairs a task id with its new queue position.
type TaskPosition struct {
	ID       int64 `json:"id"`
	Position int   `json:"position"`
}

// ListTasksQuery holds query parameters for GET /api/v1/tasks.
type ListTasksQuery struct {
	Status    string `query:"status"`
	ProjectID int64  `query:"project_id"`
	ParentID  int64  `query:"parent_id"`
	Limit     int    `query:"limit"`
}

// --- Response DTOs ---

// TaskResponse wraps a Task for API responses.
type TaskResponse struct {
	Task *store.Task `json:"task"`
}

// TaskListResponse wraps a list of tasks.
type TaskListResponse struct {
	Tasks []*store.Task `json:"tasks"`
	Total int           `json:"total"`
}

// SessionResponse wraps a Session for API responses.
type SessionResponse struct {
	Session *store.Session `json:"session"`
}

// StatusResponse is the response for GET /api/v1/status: counts by task
// status plus the last-known rate-limit snapshot.
type StatusResponse struct {
	TasksByStatus   map[string]int           `json:"tasks_by_status"`
	RunningSessions int                      `json:"running_sessions"`
	RateLimit       *store.RateLimitSnapshot `json:"rate_limit,omitempty"`
	Beat            int64                    `json:"beat"`
	Subscribers     int                      `json:"event_subscribers"`
	DBSizeBytes     int64                    `json:"db_size_bytes"`
	Uptime          string                   `json:"uptime"`
}

// HeartbeatTriggerResponse is the response for POST /api/v1/heartbeat/trigger.
type HeartbeatTriggerResponse struct {
	Diagnostics interface{} `json:"diagnostics"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
