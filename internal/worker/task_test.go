package worker

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterkit/taskd/internal/taskid"
)

func testID(counter uint64) taskid.ID {
	return taskid.ID{
		Node:       "testnode",
		PID:        4321,
		PStart:     111222,
		Counter:    counter,
		StartTime:  1756600000,
		WorkerType: "demo",
		User:       "root@pam",
	}
}

func TestCancelToken(t *testing.T) {
	token := newCancelToken()
	assert.False(t, token.Cancelled())

	token.cancel()
	assert.True(t, token.Cancelled())

	select {
	case <-token.Done():
	default:
		t.Fatal("Done channel not closed after cancel")
	}

	// cancelling twice must not panic
	token.cancel()
}

func TestTaskLogAndFinish(t *testing.T) {
	dir := t.TempDir()
	task, err := newTask(testID(1), dir)
	require.NoError(t, err)

	task.Logf("step%d", 1)
	task.Warnf("disk %s is almost full", "sda")

	lines, next := task.readLog(0)
	require.Len(t, lines, 2)
	assert.Equal(t, "step1", lines[0].Message)
	assert.Equal(t, SeverityInfo, lines[0].Severity)
	assert.Equal(t, "disk sda is almost full", lines[1].Message)
	assert.Equal(t, SeverityWarn, lines[1].Severity)
	assert.Equal(t, 2, next)
	assert.Equal(t, 1, task.warningCount())

	// tail from the last position yields nothing new
	lines, next = task.readLog(next)
	assert.Empty(t, lines)
	assert.Equal(t, 2, next)

	require.True(t, task.finish(Status{State: StateOK}))
	assert.Equal(t, Status{State: StateOK}, task.StatusSnapshot())

	// second finish must not overwrite the terminal state
	assert.False(t, task.finish(Status{State: StateError, Message: "late"}))
	assert.Equal(t, Status{State: StateOK}, task.StatusSnapshot())

	// log writes after the terminal marker are dropped
	task.Logf("too late")
	lines, _ = task.readLog(0)
	require.Len(t, lines, 3)
	assert.Equal(t, "TASK OK", lines[2].Message)
}

func TestTaskLogFileMatchesBuffer(t *testing.T) {
	dir := t.TempDir()
	id := testID(2)
	task, err := newTask(id, dir)
	require.NoError(t, err)

	task.Logf("hello")
	task.Warnf("careful")
	task.finish(Status{State: StateWarning, Warnings: 1})

	fromFile, next, err := readArchivedLog(LogPath(dir, id), 0)
	require.NoError(t, err)
	fromBuffer, _ := task.readLog(0)

	require.Len(t, fromFile, 3)
	assert.Equal(t, 3, next)
	for i := range fromFile {
		assert.Equal(t, fromBuffer[i].Message, fromFile[i].Message)
		assert.Equal(t, fromBuffer[i].Severity, fromFile[i].Severity)
	}

	status, err := readArchivedStatus(LogPath(dir, id))
	require.NoError(t, err)
	assert.Equal(t, Status{State: StateWarning, Warnings: 1}, status)
}

func TestNewTaskRefusesDuplicateLog(t *testing.T) {
	dir := t.TempDir()
	_, err := newTask(testID(3), dir)
	require.NoError(t, err)

	_, err = newTask(testID(3), dir)
	assert.Error(t, err, "a second sink for the same identifier must fail")
}

func TestTerminalMarkerRoundTrip(t *testing.T) {
	cases := []Status{
		{State: StateOK},
		{State: StateWarning, Warnings: 3},
		{State: StateError, Message: "connection refused"},
	}
	for _, status := range cases {
		parsed, ok := parseTerminalMarker(terminalMarker(status))
		require.True(t, ok, "marker for %v", status)
		assert.Equal(t, status, parsed)
	}

	_, ok := parseTerminalMarker("just a log line")
	assert.False(t, ok)
}

func TestTerminalMarkerSanitizesNewlines(t *testing.T) {
	marker := terminalMarker(Status{State: StateError, Message: "line1\nline2"})
	assert.NotContains(t, marker, "\n")
}

func TestLogPathDeterministic(t *testing.T) {
	id := testID(0x1A2)
	path := LogPath("/var/log/taskd/tasks", id)
	assert.Equal(t,
		filepath.Join("/var/log/taskd/tasks", "A2", id.String()),
		path)
}
