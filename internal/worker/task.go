// Package worker implements the worker task manager: in-process task
// handles, per-task log capture, and the process-wide registry that owns
// active tasks and indexes archived ones.
package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/clusterkit/taskd/internal/taskid"
)

// State represents the lifecycle state of a task.
type State string

// Possible task states. A task is Running until it records exactly one of
// the terminal states, and never leaves a terminal state again.
const (
	StateRunning State = "running"
	StateOK      State = "ok"
	StateWarning State = "warning"
	StateError   State = "error"
)

// Status is a point-in-time snapshot of a task's state.
type Status struct {
	State State `json:"state"`

	// Warnings is the number of warn-severity log lines; only meaningful
	// for StateWarning.
	Warnings int `json:"warnings,omitempty"`

	// Message carries the failure detail for StateError.
	Message string `json:"message,omitempty"`
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s.State != StateRunning
}

// Severity classifies a log line.
type Severity string

// Log line severities.
const (
	SeverityInfo Severity = "info"
	SeverityWarn Severity = "warn"
)

// LogLine is one entry in a task's append-only log.
type LogLine struct {
	Time     time.Time `json:"time"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

// CancelToken is the cooperative cancellation signal handed to a task body.
// The body polls Cancelled at safe checkpoints or selects on Done; nothing
// ever forcibly stops a body.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

func newCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Done returns a channel that is closed once cancellation was requested.
func (c *CancelToken) Done() <-chan struct{} {
	return c.done
}

// Cancelled reports whether cancellation was requested.
func (c *CancelToken) Cancelled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *CancelToken) cancel() {
	c.once.Do(func() { close(c.done) })
}

// Body is the function executed as a worker task. It runs on its own
// goroutine, logs through the task handle, and polls the cancellation
// token. A nil return records OK (or Warning if warn lines were logged);
// an error return records Error with the error text.
type Body func(t *Task) error

// Task is the in-process handle for one running operation. It is owned by
// the registry while active; the body is the only log writer, any number
// of goroutines may read. All mutable state sits behind one mutex so
// readers never observe a half-written transition.
type Task struct {
	id        taskid.ID
	idText    string
	startTime time.Time
	token     *CancelToken

	mu       sync.Mutex
	status   Status
	endTime  time.Time
	warnings int
	lines    []LogLine
	sink     *logSink
}

func newTask(id taskid.ID, logDir string) (*Task, error) {
	sink, err := newLogSink(LogPath(logDir, id))
	if err != nil {
		return nil, fmt.Errorf("failed to create task log: %w", err)
	}
	return &Task{
		id:        id,
		idText:    id.String(),
		startTime: id.StartedAt(),
		token:     newCancelToken(),
		status:    Status{State: StateRunning},
		sink:      sink,
	}, nil
}

// ID returns the task's identifier.
func (t *Task) ID() taskid.ID {
	return t.id
}

// Token returns the task's cancellation token.
func (t *Task) Token() *CancelToken {
	return t.token
}

// Cancelled reports whether cancellation was requested for this task.
func (t *Task) Cancelled() bool {
	return t.token.Cancelled()
}

// Logf appends an info line to the task log.
func (t *Task) Logf(format string, args ...any) {
	t.appendLine(SeverityInfo, fmt.Sprintf(format, args...))
}

// Warnf appends a warn line to the task log and bumps the warning count.
func (t *Task) Warnf(format string, args ...any) {
	t.appendLine(SeverityWarn, fmt.Sprintf(format, args...))
}

func (t *Task) appendLine(severity Severity, message string) {
	line := LogLine{Time: time.Now().UTC(), Severity: severity, Message: message}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		// Late writes after the terminal marker would corrupt the
		// archived record; drop them.
		return
	}
	if severity == SeverityWarn {
		t.warnings++
	}
	t.lines = append(t.lines, line)
	t.sink.write(line)
}

// StatusSnapshot returns the current status.
func (t *Task) StatusSnapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// readLog returns the log lines at index from and later, plus the index to
// resume tailing at.
func (t *Task) readLog(from int) ([]LogLine, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if from < 0 {
		from = 0
	}
	if from >= len(t.lines) {
		return nil, len(t.lines)
	}
	out := make([]LogLine, len(t.lines)-from)
	copy(out, t.lines[from:])
	return out, len(t.lines)
}

func (t *Task) warningCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.warnings
}

func (t *Task) requestCancel() {
	t.appendLine(SeverityInfo, "received cancellation request")
	t.token.cancel()
}

// finish records the terminal status, writes the terminal marker as the
// last log line and closes the sink. It is a no-op if the task is already
// terminal, so a task transitions at most once.
func (t *Task) finish(status Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}

	line := LogLine{
		Time:     time.Now().UTC(),
		Severity: SeverityInfo,
		Message:  terminalMarker(status),
	}
	t.lines = append(t.lines, line)
	t.sink.write(line)
	t.sink.close()

	t.status = status
	t.endTime = line.Time
	return true
}
