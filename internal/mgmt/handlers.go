package mgmt

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/ajfrai/agent-queue/internal/eventbus"
	"github.com/ajfrai/agent-queue/internal/health"
	"github.com/ajfrai/agent-queue/internal/heartbeat"
	"github.com/ajfrai/agent-queue/internal/scheduler"
	"github.com/ajfrai/agent-queue/internal/store"
)

// Handlers holds the dependencies the HTTP façade dispatches into: the
// Store directly for reads/simple mutations, Scheduler for cancellation,
// Heartbeat for the manual trigger, and EventBus for the SSE stream.
type Handlers struct {
	store     *store.Store
	bus       *eventbus.Bus
	scheduler *scheduler.Scheduler
	heartbeat *heartbeat.Heartbeat
	checker   *health.Checker
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(st *store.Store, bus *eventbus.Bus, sched *scheduler.Scheduler, hb *heartbeat.Heartbeat, checker *health.Checker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		store:     st,
		bus:       bus,
		scheduler: sched,
		heartbeat: hb,
		checker:   checker,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

// CreateTask handles POST /api/v1/tasks.
func (h *Handlers) CreateTask(c *fiber.Ctx) error {
	var req CreateTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	if req.Title == "" {
		return problemResponse(c, fiber.StatusBadRequest, "missing_title", "Bad Request", "title is required")
	}

	task := &store.Task{
		Title:       req.Title,
		Description: req.Description,
		ProjectID:   req.ProjectID,
		ParentID:    req.ParentID,
		Priority:    req.Priority,
		Metadata:    req.Metadata,
	}
	id, err := h.store.CreateTask(task)
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "create_failed", "Bad Request", err.Error())
	}

	h.bus.Publish("task.created", "task", task.UUID, map[string]interface{}{"task_id": id})

	created, err := h.store.GetTask(id)
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError, "read_failed", "Internal Server Error", err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(TaskResponse{Task: created})
}

// ListTasks handles GET /api/v1/tasks.
func (h *Handlers) ListTasks(c *fiber.Ctx) error {
	q := ListTasksQuery{
		Status:    c.Query("status"),
		ProjectID: int64(c.QueryInt("project_id", 0)),
		ParentID:  int64(c.QueryInt("parent_id", 0)),
		Limit:     c.QueryInt("limit", 0),
	}

	tasks, err := h.store.ListTasks(store.TaskFilter{
		Status:    q.Status,
		ProjectID: q.ProjectID,
		ParentID:  q.ParentID,
		Limit:     q.Limit,
	})
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError, "list_failed", "Internal Server Error", err.Error())
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}

	return c.JSON(TaskListResponse{Tasks: tasks, Total: len(tasks)})
}

// GetTask handles GET /api/v1/tasks/:id.
func (h *Handlers) GetTask(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_id", "Bad Request", "id must be an integer")
	}

	task, err := h.store.GetTask(int64(id))
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError, "read_failed", "Internal Server Error", err.Error())
	}
	if task == nil {
		return problemResponse(c, fiber.StatusNotFound, "task_not_found", "Not Found", fmt.Sprintf("task %d not found", id))
	}
	return c.JSON(TaskResponse{Task: task})
}

// PatchTask handles PATCH /api/v1/tasks/:id. Only metadata is applied: it
// is merged shallowly by the Store, a null value deleting the key. Title,
// description and priority in the request body are not applied.
func (h *Handlers) PatchTask(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_id", "Bad Request", "id must be an integer")
	}

	var req PatchTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	task, err := h.store.GetTask(int64(id))
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError, "read_failed", "Internal Server Error", err.Error())
	}
	if task == nil {
		return problemResponse(c, fiber.StatusNotFound, "task_not_found", "Not Found", fmt.Sprintf("task %d not found", id))
	}

	if len(req.Metadata) > 0 {
		if err := h.store.MergeMetadata(int64(id), req.Metadata); err != nil {
			return problemResponse(c, fiber.StatusInternalServerError, "patch_failed", "Internal Server Error", err.Error())
		}
	}

	h.bus.Publish("task.patched", "task", task.UUID, map[string]interface{}{"task_id": id})

	updated, err := h.store.GetTask(int64(id))
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError, "read_failed", "Internal Server Error", err.Error())
	}
	return c.JSON(TaskResponse{Task: updated})
}

// SetTaskStatus handles PUT /api/v1/tasks/:id/status.
func (h *Handlers) SetTaskStatus(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_id", "Bad Request", "id must be an integer")
	}

	var req SetStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	if req.Status == "" {
		return problemResponse(c, fiber.StatusBadRequest, "missing_status", "Bad Request", "status is required")
	}

	if err := h.store.UpdateTaskStatus(int64(id), req.Status); err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "set_status_failed", "Bad Request", err.Error())
	}

	task, err := h.store.GetTask(int64(id))
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError, "read_failed", "Internal Server Error", err.Error())
	}
	return c.JSON(TaskResponse{Task: task})
}

// ReorderTasks handles POST /api/v1/tasks/reorder.
func (h *Handlers) ReorderTasks(c *fiber.Ctx) error {
	var req ReorderRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	for _, p := range req.Positions {
		if err := h.store.Reposition(p.ID, p.Position); err != nil {
			return problemResponse(c, fiber.StatusBadRequest, "reorder_failed", "Bad Request", err.Error())
		}
	}

	return c.JSON(fiber.Map{"ok": true})
}

// CancelTask handles DELETE /api/v1/tasks/:id.
func (h *Handlers) CancelTask(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_id", "Bad Request", "id must be an integer")
	}

	if err := h.scheduler.CancelTask(c.Context(), int64(id)); err != nil {
		return problemResponse(c, fiber.StatusConflict, "cancel_failed", "Conflict", err.Error())
	}

	task, err := h.store.GetTask(int64(id))
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError, "read_failed", "Internal Server Error", err.Error())
	}
	return c.JSON(TaskResponse{Task: task})
}

// GetSession handles GET /api/v1/sessions/:id.
func (h *Handlers) GetSession(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_id", "Bad Request", "id must be an integer")
	}

	sess, err := h.store.GetSession(int64(id))
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError, "read_failed", "Internal Server Error", err.Error())
	}
	if sess == nil {
		return problemResponse(c, fiber.StatusNotFound, "session_not_found", "Not Found", fmt.Sprintf("session %d not found", id))
	}
	return c.JSON(SessionResponse{Session: sess})
}

// StreamSessionOutput handles GET /api/v1/sessions/:id/output: server-sent
// chunks tailing the session's captured stdout log.
func (h *Handlers) StreamSessionOutput(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_id", "Bad Request", "id must be an integer")
	}

	sess, err := h.store.GetSession(int64(id))
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError, "read_failed", "Internal Server Error", err.Error())
	}
	if sess == nil || sess.StdoutPath == "" {
		return problemResponse(c, fiber.StatusNotFound, "session_not_found", "Not Found", fmt.Sprintf("session %d not found", id))
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		f, err := os.Open(sess.StdoutPath)
		if err != nil {
			return
		}
		defer f.Close()

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		reader := bufio.NewReader(f)

		for {
			line, err := reader.ReadString('\n')
			if len(line) > 0 {
				fmt.Fprintf(w, "data: %s\n\n", line)
				if err := w.Flush(); err != nil {
					return
				}
			}
			if err != nil {
				refreshed, rerr := h.store.GetSession(int64(id))
				if rerr != nil || refreshed == nil || refreshed.Status == store.SessionCompleted ||
					refreshed.Status == store.SessionFailed || refreshed.Status == store.SessionCancelled {
					return
				}
				<-ticker.C
			}
		}
	})
	return nil
}

// Status handles GET /api/v1/status: counts by task status plus the last
// rate-limit snapshot.
func (h *Handlers) Status(c *fiber.Ctx) error {
	allStatuses := []string{
		store.TaskPending, store.TaskAssessing, store.TaskDecomposed, store.TaskExecuting,
		store.TaskReadyForReview, store.TaskCompleted, store.TaskFailed, store.TaskCancelled,
	}
	byStatus := make(map[string]int, len(allStatuses))
	for _, st := range allStatuses {
		tasks, err := h.store.ListTasks(store.TaskFilter{Status: st})
		if err != nil {
			return problemResponse(c, fiber.StatusInternalServerError, "status_failed", "Internal Server Error", err.Error())
		}
		byStatus[st] = len(tasks)
	}

	running, err := h.store.CountRunningSessions()
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError, "status_failed", "Internal Server Error", err.Error())
	}

	snapshot, err := h.store.GetRateLimitSnapshot()
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError, "status_failed", "Internal Server Error", err.Error())
	}

	dbSize, err := h.store.DBSizeBytes()
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to read db size")
	}

	return c.JSON(StatusResponse{
		TasksByStatus:   byStatus,
		RunningSessions: running,
		RateLimit:       snapshot,
		Beat:            h.heartbeat.BeatCount(),
		Subscribers:     h.bus.SubscriberCount(),
		DBSizeBytes:     dbSize,
		Uptime:          time.Since(h.startTime).Round(time.Second).String(),
	})
}

// TriggerHeartbeat handles POST /api/v1/heartbeat/trigger: runs one beat
// synchronously and returns its diagnostics.
func (h *Handlers) TriggerHeartbeat(c *fiber.Ctx) error {
	diag := h.heartbeat.Trigger(c.Context())
	return c.JSON(HeartbeatTriggerResponse{Diagnostics: diag})
}

// StreamEvents handles GET /api/v1/events: an SSE stream mirroring
// EventBus, never back-pressuring producers.
func (h *Handlers) StreamEvents(c *fiber.Ctx) error {
	sub := h.bus.Subscribe()

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer sub.Unsubscribe()
		for evt := range sub.Events {
			fmt.Fprintf(w, "event: %s\ndata: {\"id\":%d,\"entity_type\":%q,\"entity_id\":%q}\n\n",
				evt.EventType, evt.ID, evt.EntityType, evt.EntityID)
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
	return nil
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	ready := h.checker.IsReady(c.Context())
	if !ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not_ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}
