package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterkit/taskd/internal/taskid"
	"github.com/clusterkit/taskd/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T) (*TaskHandler, *worker.Registry, http.Handler) {
	t.Helper()

	dir := t.TempDir()
	gen, err := taskid.NewGenerator("testnode", filepath.Join(dir, "counter"))
	require.NoError(t, err)
	registry, err := worker.NewRegistry(
		worker.RegistryConfig{LogDir: filepath.Join(dir, "tasks")},
		gen, nil, testLogger(),
	)
	require.NoError(t, err)

	handler := NewTaskHandler(registry, testLogger())
	handler.RegisterWorker("echo", func(params json.RawMessage) (worker.Body, error) {
		var p struct {
			Message string `json:"message"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
		}
		return func(task *worker.Task) error {
			task.Logf("%s", p.Message)
			return nil
		}, nil
	})
	handler.RegisterWorker("sleepy", func(params json.RawMessage) (worker.Body, error) {
		return func(task *worker.Task) error {
			<-task.Token().Done()
			return nil
		}, nil
	})

	router := chi.NewRouter()
	router.Route("/api", handler.Routes)
	return handler, registry, router
}

func doJSON(t *testing.T, router http.Handler, method, target, user string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if user != "" {
		req.Header.Set("X-Auth-User", user)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func spawnEcho(t *testing.T, router http.Handler, message string) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/tasks", "root@pam",
		fmt.Sprintf(`{"worker_type":"echo","params":{"message":%q}}`, message))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp SpawnTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TaskID)
	return resp.TaskID
}

func waitState(t *testing.T, router http.Handler, taskID, state string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec := doJSON(t, router, http.MethodGet, "/api/tasks/"+taskID+"/status", "root@pam", "")
		if rec.Code != http.StatusOK {
			return false
		}
		var resp TaskStatusResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			return false
		}
		return resp.State == state
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSpawnReturnsIdentifierImmediately(t *testing.T) {
	_, _, router := newTestHandler(t)

	taskID := spawnEcho(t, router, "hello")

	// The identifier is parseable and immediately resolvable.
	_, err := taskid.Parse(taskID)
	require.NoError(t, err)
	rec := doJSON(t, router, http.MethodGet, "/api/tasks/"+taskID+"/status", "root@pam", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	waitState(t, router, taskID, "ok")
}

func TestSpawnValidation(t *testing.T) {
	_, _, router := newTestHandler(t)

	// missing user
	rec := doJSON(t, router, http.MethodPost, "/api/tasks", "", `{"worker_type":"echo"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// missing worker type
	rec = doJSON(t, router, http.MethodPost, "/api/tasks", "root@pam", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// unknown worker type
	rec = doJSON(t, router, http.MethodPost, "/api/tasks", "root@pam", `{"worker_type":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// broken body
	rec = doJSON(t, router, http.MethodPost, "/api/tasks", "root@pam", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetLogTailsTask(t *testing.T) {
	_, _, router := newTestHandler(t)
	taskID := spawnEcho(t, router, "logged line")
	waitState(t, router, taskID, "ok")

	rec := doJSON(t, router, http.MethodGet, "/api/tasks/"+taskID+"/log", "root@pam", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var logResp TaskLogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logResp))
	require.NotEmpty(t, logResp.Lines)
	assert.Equal(t, "logged line", logResp.Lines[0].Message)
	assert.Equal(t, len(logResp.Lines), logResp.Next)

	// Tailing from next returns nothing new.
	rec = doJSON(t, router, http.MethodGet,
		fmt.Sprintf("/api/tasks/%s/log?start=%d", taskID, logResp.Next), "root@pam", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logResp))
	assert.Empty(t, logResp.Lines)
}

func TestStatusErrorsMapToHTTP(t *testing.T) {
	_, _, router := newTestHandler(t)

	rec := doJSON(t, router, http.MethodGet, "/api/tasks/not-an-id/status", "root@pam", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	unknown := taskid.ID{
		Node: "testnode", PID: 1, PStart: 1, Counter: 12345,
		StartTime: time.Now().Unix(), WorkerType: "echo", User: "root@pam",
	}
	rec = doJSON(t, router, http.MethodGet, "/api/tasks/"+unknown.String()+"/status", "root@pam", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelFlow(t *testing.T) {
	_, _, router := newTestHandler(t)

	rec := doJSON(t, router, http.MethodPost, "/api/tasks", "root@pam", `{"worker_type":"sleepy"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp SpawnTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = doJSON(t, router, http.MethodDelete, "/api/tasks/"+resp.TaskID, "root@pam", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	waitState(t, router, resp.TaskID, "ok")

	// Cancel after completion: conflict, outcome unchanged.
	rec = doJSON(t, router, http.MethodDelete, "/api/tasks/"+resp.TaskID, "root@pam", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	waitState(t, router, resp.TaskID, "ok")
}

func TestListTasks(t *testing.T) {
	_, _, router := newTestHandler(t)

	first := spawnEcho(t, router, "one")
	second := spawnEcho(t, router, "two")
	waitState(t, router, first, "ok")
	waitState(t, router, second, "ok")

	rec := doJSON(t, router, http.MethodGet, "/api/tasks", "root@pam", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list TaskListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Tasks, 2)
	for _, task := range list.Tasks {
		assert.Equal(t, "echo", task.WorkerType)
		assert.Equal(t, "root@pam", task.User)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/tasks?running=true", "root@pam", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Tasks)

	rec = doJSON(t, router, http.MethodGet, "/api/tasks?user=nobody@pam", "root@pam", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Tasks)

	rec = doJSON(t, router, http.MethodGet, "/api/tasks?running=maybe", "root@pam", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
