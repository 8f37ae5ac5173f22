package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/clusterkit/taskd/internal/events"
	"github.com/clusterkit/taskd/internal/taskid"
)

// RegistryConfig holds configuration for the task registry.
type RegistryConfig struct {
	// LogDir is the root of the durable task log store.
	LogDir string

	// FinishedTTL is how long finished task handles stay in memory for
	// cheap status polls before readers fall back to the archived file.
	// Zero selects the default of one minute; negative disables caching.
	FinishedTTL time.Duration
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	User        string
	WorkerType  string
	Since       time.Time
	Until       time.Time
	RunningOnly bool
}

// Registry is the process-wide authority over worker tasks: it allocates
// identifiers, tracks active tasks, archives finished ones, and answers
// status, log and listing queries. Construct exactly one per service
// process and hand it to collaborators explicitly.
type Registry struct {
	gen         *taskid.Generator
	logDir      string
	finishedTTL time.Duration
	emitter     events.Emitter
	logger      *slog.Logger

	mu       sync.RWMutex
	active   map[string]*Task
	finished map[string]*Task

	wg sync.WaitGroup
}

// NewRegistry creates a task registry writing task logs below
// cfg.LogDir. The emitter may be nil if nobody observes terminal states.
func NewRegistry(
	cfg RegistryConfig,
	gen *taskid.Generator,
	emitter events.Emitter,
	logger *slog.Logger,
) (*Registry, error) {
	if gen == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("identifier generator cannot be nil for Registry")
	}
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for Registry")
	}

	if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create task log dir: %w", err)
	}

	ttl := cfg.FinishedTTL
	if ttl == 0 {
		ttl = time.Minute
	}

	return &Registry{
		gen:         gen,
		logDir:      cfg.LogDir,
		finishedTTL: ttl,
		emitter:     emitter,
		logger:      logger.With("component", "task_registry"),
		active:      make(map[string]*Task),
		finished:    make(map[string]*Task),
	}, nil
}

// Spawn allocates an identifier, creates the log sink, registers the task
// as Running and launches body on its own goroutine. It returns as soon as
// the task is registered; callers never block on task completion.
// Identifier allocation and registration happen under one lock, so a
// returned identifier is always visible to Status.
func (r *Registry) Spawn(workerType, workerInstance, user string, body Body) (taskid.ID, error) {
	r.mu.Lock()
	id, err := r.gen.Next(workerType, workerInstance, user)
	if err != nil {
		r.mu.Unlock()
		return taskid.ID{}, err
	}
	t, err := newTask(id, r.logDir)
	if err != nil {
		r.mu.Unlock()
		return taskid.ID{}, err
	}
	r.active[t.idText] = t
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("task started",
		"task_id", t.idText,
		"worker_type", workerType,
		"worker_instance", workerInstance,
		"user", user)

	go r.run(t, body)
	return id, nil
}

// run executes the body and records the terminal status. A body that
// panics or returns an error still ends as a recorded Error; a task can
// never disappear from history.
func (r *Registry) run(t *Task, body Body) {
	defer r.wg.Done()

	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("task body panicked: %v", p)
			}
		}()
		err = body(t)
	}()

	status := Status{State: StateOK}
	switch {
	case err != nil:
		status = Status{State: StateError, Message: err.Error()}
	case t.warningCount() > 0:
		status = Status{State: StateWarning, Warnings: t.warningCount()}
	}
	r.finalize(t, status)
}

func (r *Registry) finalize(t *Task, status Status) {
	r.mu.Lock()
	finished := t.finish(status)
	if finished {
		delete(r.active, t.idText)
		if r.finishedTTL > 0 {
			r.finished[t.idText] = t
		}
	}
	r.mu.Unlock()
	if !finished {
		return
	}

	if r.finishedTTL > 0 {
		time.AfterFunc(r.finishedTTL, func() {
			r.mu.Lock()
			delete(r.finished, t.idText)
			r.mu.Unlock()
		})
	}

	r.logger.Info("task finished",
		"task_id", t.idText,
		"state", status.State,
		"warnings", status.Warnings,
		"error", status.Message)

	if r.emitter != nil {
		ev := events.NewTaskEvent(t.idText, t.id.User, string(status.State), status.Message)
		if err := r.emitter.EmitEvent(context.Background(), ev); err != nil {
			r.logger.Error("terminal state event delivery failed",
				"task_id", t.idText, "error", err)
		}
	}
}

// Status returns a snapshot of the task's current status. It never
// blocks on the task itself and returns ErrNotFound only for identifiers
// with no record anywhere.
func (r *Registry) Status(id taskid.ID) (Status, error) {
	idText := id.String()

	r.mu.RLock()
	t, ok := r.active[idText]
	if !ok {
		t, ok = r.finished[idText]
	}
	r.mu.RUnlock()
	if ok {
		return t.StatusSnapshot(), nil
	}

	status, err := readArchivedStatus(LogPath(r.logDir, id))
	if err != nil {
		return Status{}, err
	}
	if !status.Terminal() && !taskid.ProcessAlive(id.PID, id.PStart) {
		// Archived file without marker and a dead owner: recovery has
		// not caught up yet, but the task is certainly not running.
		return Status{State: StateError, Message: "interrupted - server restart"}, nil
	}
	return status, nil
}

// ReadLog returns the task's log lines starting at index from, plus the
// index to resume tailing at. Repeated calls with the returned index give
// only lines appended in between, in write order. Reads come from the
// live buffer while the task is active and from the archived file after.
func (r *Registry) ReadLog(id taskid.ID, from int) ([]LogLine, int, error) {
	idText := id.String()

	r.mu.RLock()
	t, ok := r.active[idText]
	if !ok {
		t, ok = r.finished[idText]
	}
	r.mu.RUnlock()
	if ok {
		lines, next := t.readLog(from)
		return lines, next, nil
	}

	return readArchivedLog(LogPath(r.logDir, id), from)
}

// Cancel requests cooperative cancellation. The body decides when to stop
// and still records its own terminal status. Cancelling a finished task
// returns ErrAlreadyFinished and changes nothing.
func (r *Registry) Cancel(id taskid.ID) error {
	idText := id.String()

	r.mu.RLock()
	t, active := r.active[idText]
	_, done := r.finished[idText]
	r.mu.RUnlock()

	if active {
		t.requestCancel()
		r.logger.Info("task cancellation requested", "task_id", idText)
		return nil
	}
	if done {
		return ErrAlreadyFinished
	}
	if _, err := os.Stat(LogPath(r.logDir, id)); err == nil {
		return ErrAlreadyFinished
	}
	return ErrNotFound
}

// List returns identifiers matching the filter, newest first.
func (r *Registry) List(filter Filter) ([]taskid.ID, error) {
	seen := make(map[string]bool)
	var ids []taskid.ID

	r.mu.RLock()
	for idText, t := range r.active {
		seen[idText] = true
		if filterMatches(filter, t.id) {
			ids = append(ids, t.id)
		}
	}
	r.mu.RUnlock()

	if !filter.RunningOnly {
		archived, err := r.scanArchive()
		if err != nil {
			return nil, err
		}
		for _, id := range archived {
			if seen[id.String()] {
				continue
			}
			if filterMatches(filter, id) {
				ids = append(ids, id)
			}
		}
	}

	sort.Slice(ids, func(i, j int) bool {
		if ids[i].StartTime != ids[j].StartTime {
			return ids[i].StartTime > ids[j].StartTime
		}
		return ids[i].Counter > ids[j].Counter
	})
	return ids, nil
}

func filterMatches(f Filter, id taskid.ID) bool {
	if f.User != "" && id.User != f.User {
		return false
	}
	if f.WorkerType != "" && id.WorkerType != f.WorkerType {
		return false
	}
	if !f.Since.IsZero() && id.StartedAt().Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && id.StartedAt().After(f.Until) {
		return false
	}
	return true
}

// GarbageCollect deletes archived task logs whose start time lies beyond
// the retention horizon. Active tasks are never touched, however old.
func (r *Registry) GarbageCollect(retention time.Duration) (int, error) {
	horizon := time.Now().Add(-retention)

	archived, err := r.scanArchive()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range archived {
		idText := id.String()

		r.mu.RLock()
		_, active := r.active[idText]
		r.mu.RUnlock()
		if active || !id.StartedAt().Before(horizon) {
			continue
		}

		if err := os.Remove(LogPath(r.logDir, id)); err != nil {
			r.logger.Error("failed to remove archived task log",
				"task_id", idText, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		r.logger.Info("garbage collected task logs", "removed", removed)
	}
	return removed, nil
}

// RecoverInterrupted scans the log store for tasks that look active but
// whose owning process is gone, and finalizes them as interrupted. Run
// once at service startup, before spawning new tasks. Entries owned by a
// live process are left alone.
func (r *Registry) RecoverInterrupted() (int, error) {
	archived, err := r.scanArchive()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range archived {
		r.mu.RLock()
		_, active := r.active[id.String()]
		r.mu.RUnlock()
		if active {
			continue
		}

		path := LogPath(r.logDir, id)
		status, err := readArchivedStatus(path)
		if err != nil || status.Terminal() {
			continue
		}
		if taskid.ProcessAlive(id.PID, id.PStart) {
			continue
		}

		interrupted := Status{State: StateError, Message: "interrupted - server restart"}
		if err := appendTerminalMarker(path, interrupted); err != nil {
			r.logger.Error("failed to finalize interrupted task",
				"task_id", id.String(), "error", err)
			continue
		}
		r.logger.Warn("finalized interrupted task", "task_id", id.String())
		recovered++
	}
	return recovered, nil
}

// Shutdown cancels all active tasks and waits for their bodies to finish,
// up to the context deadline. Bodies that ignore cancellation keep running
// past the deadline; their logs stay consistent either way.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	for _, t := range r.active {
		t.requestCancel()
	}
	n := len(r.active)
	r.mu.RUnlock()

	if n > 0 {
		r.logger.Info("waiting for active tasks to finish", "count", n)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait aborted: %w", ctx.Err())
	}
}

// scanArchive walks the log store and parses every file name that is a
// valid identifier. Foreign files are ignored.
func (r *Registry) scanArchive() ([]taskid.ID, error) {
	subdirs, err := os.ReadDir(r.logDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan task log dir: %w", err)
	}

	var ids []taskid.ID
	for _, sub := range subdirs {
		if !sub.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(r.logDir, sub.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			id, err := taskid.Parse(f.Name())
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}
