package api

import (
	"encoding/json"
	"time"

	"github.com/clusterkit/taskd/internal/taskid"
	"github.com/clusterkit/taskd/internal/worker"
)

// SpawnTaskRequest is the payload for POST /api/tasks.
type SpawnTaskRequest struct {
	WorkerType     string          `json:"worker_type"`
	WorkerInstance string          `json:"worker_instance,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
}

// SpawnTaskResponse returns the identifier the caller polls with.
type SpawnTaskResponse struct {
	TaskID string `json:"task_id"`
}

// TaskStatusResponse is the response data for a status poll.
type TaskStatusResponse struct {
	TaskID   string    `json:"task_id"`
	State    string    `json:"state"`
	Warnings int       `json:"warnings,omitempty"`
	Message  string    `json:"message,omitempty"`
	Started  time.Time `json:"started"`
}

// LogLineResponse is one task log line.
type LogLineResponse struct {
	Time     time.Time `json:"time"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
}

// TaskLogResponse carries a batch of log lines plus the position to
// resume tailing at.
type TaskLogResponse struct {
	Lines []LogLineResponse `json:"lines"`
	Next  int               `json:"next"`
}

// TaskSummary is one entry of a task listing.
type TaskSummary struct {
	TaskID         string    `json:"task_id"`
	WorkerType     string    `json:"worker_type"`
	WorkerInstance string    `json:"worker_instance,omitempty"`
	User           string    `json:"user"`
	Node           string    `json:"node"`
	Started        time.Time `json:"started"`
}

// TaskListResponse is the response data for a task listing.
type TaskListResponse struct {
	Tasks []TaskSummary `json:"tasks"`
}

func statusToResponse(id taskid.ID, status worker.Status) TaskStatusResponse {
	return TaskStatusResponse{
		TaskID:   id.String(),
		State:    string(status.State),
		Warnings: status.Warnings,
		Message:  status.Message,
		Started:  id.StartedAt(),
	}
}

func logToResponse(lines []worker.LogLine, next int) TaskLogResponse {
	out := TaskLogResponse{Lines: make([]LogLineResponse, 0, len(lines)), Next: next}
	for _, l := range lines {
		out.Lines = append(out.Lines, LogLineResponse{
			Time:     l.Time,
			Severity: string(l.Severity),
			Message:  l.Message,
		})
	}
	return out
}

func idToSummary(id taskid.ID) TaskSummary {
	return TaskSummary{
		TaskID:         id.String(),
		WorkerType:     id.WorkerType,
		WorkerInstance: id.WorkerInstance,
		User:           id.User,
		Node:           id.Node,
		Started:        id.StartedAt(),
	}
}
