// Package api provides the HTTP dispatch layer: validated API calls come
// in, worker tasks go out, and callers poll by identifier.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clusterkit/taskd/internal/taskid"
	"github.com/clusterkit/taskd/internal/worker"
)

// WorkerFactory builds a task body from request parameters. Factories are
// registered per worker type; an unknown type is rejected before anything
// is spawned.
type WorkerFactory func(params json.RawMessage) (worker.Body, error)

// TaskHandler handles task-related HTTP requests.
type TaskHandler struct {
	registry  *worker.Registry
	factories map[string]WorkerFactory
	logger    *slog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(registry *worker.Registry, logger *slog.Logger) *TaskHandler {
	if registry == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("registry cannot be nil for TaskHandler")
	}
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for TaskHandler")
	}
	return &TaskHandler{
		registry:  registry,
		factories: make(map[string]WorkerFactory),
		logger:    logger.With(slog.String("component", "task_handler")),
	}
}

// RegisterWorker makes a worker type spawnable through the API.
func (h *TaskHandler) RegisterWorker(workerType string, factory WorkerFactory) {
	h.factories[workerType] = factory
}

// Routes mounts the task endpoints on a chi router.
func (h *TaskHandler) Routes(r chi.Router) {
	r.Post("/tasks", h.SpawnTask)
	r.Get("/tasks", h.ListTasks)
	r.Get("/tasks/{id}/status", h.GetStatus)
	r.Get("/tasks/{id}/log", h.GetLog)
	r.Delete("/tasks/{id}", h.CancelTask)
}

// requestUser returns the authenticated user set by the upstream auth
// collaborator. Authentication itself is out of scope here; the header is
// trusted because only the front-end proxy can reach this daemon.
func requestUser(r *http.Request) string {
	return r.Header.Get("X-Auth-User")
}

// SpawnTask handles POST /tasks requests. It spawns the task and returns
// the identifier immediately; it never waits for the body.
func (h *TaskHandler) SpawnTask(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	if user == "" {
		RespondWithError(w, http.StatusBadRequest, "Missing authenticated user")
		return
	}

	var req SpawnTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.WorkerType == "" {
		RespondWithError(w, http.StatusBadRequest, "worker_type is required")
		return
	}

	factory, ok := h.factories[req.WorkerType]
	if !ok {
		RespondWithError(w, http.StatusBadRequest,
			fmt.Sprintf("Unknown worker type %q", req.WorkerType))
		return
	}

	body, err := factory(req.Params)
	if err != nil {
		h.logger.Debug("worker factory rejected parameters",
			"worker_type", req.WorkerType, "error", err)
		RespondWithError(w, http.StatusBadRequest, "Invalid worker parameters")
		return
	}

	id, err := h.registry.Spawn(req.WorkerType, req.WorkerInstance, user, body)
	if err != nil {
		RespondWithMappedError(w, h.logger, err)
		return
	}

	h.logger.Info("task spawned via API",
		"task_id", id.String(), "worker_type", req.WorkerType, "user", user)
	RespondWithJSON(w, http.StatusAccepted, SpawnTaskResponse{TaskID: id.String()})
}

// GetStatus handles GET /tasks/{id}/status requests.
func (h *TaskHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := taskid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondWithMappedError(w, h.logger, err)
		return
	}

	status, err := h.registry.Status(id)
	if err != nil {
		RespondWithMappedError(w, h.logger, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, statusToResponse(id, status))
}

// GetLog handles GET /tasks/{id}/log requests. The optional start query
// parameter resumes a tail at the position a previous response returned
// in next.
func (h *TaskHandler) GetLog(w http.ResponseWriter, r *http.Request) {
	id, err := taskid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondWithMappedError(w, h.logger, err)
		return
	}

	start := 0
	if raw := r.URL.Query().Get("start"); raw != "" {
		start, err = strconv.Atoi(raw)
		if err != nil || start < 0 {
			RespondWithError(w, http.StatusBadRequest, "Invalid start position")
			return
		}
	}

	lines, next, err := h.registry.ReadLog(id, start)
	if err != nil {
		RespondWithMappedError(w, h.logger, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, logToResponse(lines, next))
}

// CancelTask handles DELETE /tasks/{id} requests. Cancellation is
// cooperative: a success response means the request was delivered, not
// that the task has stopped.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondWithMappedError(w, h.logger, err)
		return
	}

	if err := h.registry.Cancel(id); err != nil {
		RespondWithMappedError(w, h.logger, err)
		return
	}
	RespondWithJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

// ListTasks handles GET /tasks requests. Supported query parameters:
// user, type, running (bool), since and until (RFC3339).
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := worker.Filter{
		User:       query.Get("user"),
		WorkerType: query.Get("type"),
	}
	if raw := query.Get("running"); raw != "" {
		running, err := strconv.ParseBool(raw)
		if err != nil {
			RespondWithError(w, http.StatusBadRequest, "Invalid running flag")
			return
		}
		filter.RunningOnly = running
	}
	for name, dst := range map[string]*time.Time{
		"since": &filter.Since,
		"until": &filter.Until,
	} {
		if raw := query.Get(name); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				RespondWithError(w, http.StatusBadRequest,
					fmt.Sprintf("Invalid %s timestamp", name))
				return
			}
			*dst = ts
		}
	}

	ids, err := h.registry.List(filter)
	if err != nil {
		RespondWithMappedError(w, h.logger, err)
		return
	}

	response := TaskListResponse{Tasks: make([]TaskSummary, 0, len(ids))}
	for _, id := range ids {
		response.Tasks = append(response.Tasks, idToSummary(id))
	}
	RespondWithJSON(w, http.StatusOK, response)
}
