package worker

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/clusterkit/taskd/internal/taskid"
)

// Log file layout: one line per entry, "<RFC3339 UTC>: <message>" with warn
// lines carrying a "WARN: " message prefix. The last line of a finished
// task is a terminal marker ("TASK OK", "TASK WARNINGS: <n>" or
// "TASK ERROR: <message>"), so the archived status is recoverable from the
// file alone and a file without a marker belongs to a task that is either
// still running or was interrupted by a crash.

const logTimeLayout = time.RFC3339

const (
	markerOK       = "TASK OK"
	markerWarnings = "TASK WARNINGS: "
	markerError    = "TASK ERROR: "
)

// LogPath derives the durable log location for an identifier. The layout
// is <dir>/<low counter byte as hex>/<identifier text>, so any process can
// compute it from the identifier with no index lookup.
func LogPath(dir string, id taskid.ID) string {
	return filepath.Join(dir, fmt.Sprintf("%02X", byte(id.Counter)), id.String())
}

// logSink is the single-writer append sink behind one task's log file.
type logSink struct {
	file *os.File
}

func newLogSink(path string) (*logSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, err
	}
	return &logSink{file: f}, nil
}

func (s *logSink) write(line LogLine) {
	if s.file == nil {
		return
	}
	// Write failures must not kill the task; the in-memory log stays
	// authoritative while the task is active.
	_, _ = s.file.WriteString(formatLogLine(line))
}

func (s *logSink) close() {
	if s.file == nil {
		return
	}
	_ = s.file.Sync()
	_ = s.file.Close()
	s.file = nil
}

func formatLogLine(line LogLine) string {
	msg := strings.ReplaceAll(line.Message, "\n", " ")
	if line.Severity == SeverityWarn {
		msg = "WARN: " + msg
	}
	return line.Time.UTC().Format(logTimeLayout) + ": " + msg + "\n"
}

func parseLogLine(raw string) LogLine {
	if i := strings.Index(raw, ": "); i > 0 {
		if ts, err := time.Parse(logTimeLayout, raw[:i]); err == nil {
			msg := raw[i+2:]
			if rest, ok := strings.CutPrefix(msg, "WARN: "); ok {
				return LogLine{Time: ts, Severity: SeverityWarn, Message: rest}
			}
			return LogLine{Time: ts, Severity: SeverityInfo, Message: msg}
		}
	}
	// Unparseable lines still surface to readers instead of vanishing.
	return LogLine{Severity: SeverityInfo, Message: raw}
}

func terminalMarker(status Status) string {
	switch status.State {
	case StateOK:
		return markerOK
	case StateWarning:
		return markerWarnings + strconv.Itoa(status.Warnings)
	default:
		return markerError + strings.ReplaceAll(status.Message, "\n", " ")
	}
}

func parseTerminalMarker(message string) (Status, bool) {
	switch {
	case message == markerOK:
		return Status{State: StateOK}, true
	case strings.HasPrefix(message, markerWarnings):
		n, err := strconv.Atoi(strings.TrimPrefix(message, markerWarnings))
		if err != nil {
			return Status{}, false
		}
		return Status{State: StateWarning, Warnings: n}, true
	case strings.HasPrefix(message, markerError):
		return Status{State: StateError, Message: strings.TrimPrefix(message, markerError)}, true
	}
	return Status{}, false
}

// readArchivedLog reads a task's log file starting at line index from.
func readArchivedLog(path string, from int) ([]LogLine, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	if from < 0 {
		from = 0
	}
	var lines []LogLine
	next := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if next >= from {
			lines = append(lines, parseLogLine(scanner.Text()))
		}
		next++
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	return lines, next, nil
}

// readArchivedStatus recovers a task's status from its log file. A file
// without a terminal marker reads as Running; callers combine that with a
// process liveness check to detect interrupted tasks.
func readArchivedStatus(path string) (Status, error) {
	lines, _, err := readArchivedLog(path, 0)
	if err != nil {
		return Status{}, err
	}
	if len(lines) > 0 {
		if status, ok := parseTerminalMarker(lines[len(lines)-1].Message); ok {
			return status, nil
		}
	}
	return Status{State: StateRunning}, nil
}

// appendTerminalMarker finalizes an orphaned log file in place.
func appendTerminalMarker(path string, status Status) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	line := LogLine{Time: time.Now().UTC(), Severity: SeverityInfo, Message: terminalMarker(status)}
	if _, err := f.WriteString(formatLogLine(line)); err != nil {
		return err
	}
	return f.Sync()
}
