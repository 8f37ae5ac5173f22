// Package taskid implements the durable worker task identifier scheme.
//
// An identifier encodes everything needed to locate and disambiguate one
// worker task on one node: the node name, the spawning process (pid plus
// process start time, so a recycled pid never aliases an old task), a
// per-node monotonic counter, the wall-clock start time, the worker type,
// an optional worker instance label and the initiating user.
package taskid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadFormat is returned when identifier text cannot be parsed.
// It is usually wrapped with detail about the offending input.
var ErrBadFormat = errors.New("malformed task identifier")

// prefix marks identifier text; the trailing separator is also mandatory.
const prefix = "TASK"

// fieldSeparator delimits identifier fields. No field may contain it.
const fieldSeparator = ":"

// ID is the structured form of a task identifier.
// Two IDs refer to the same task iff they are equal; pid reuse is
// disambiguated by PStart.
type ID struct {
	// Node is the cluster node name that spawned the task.
	Node string

	// PID is the process id of the spawning daemon.
	PID int32

	// PStart is the process start time (clock ticks since boot, from
	// /proc/<pid>/stat) of the spawning daemon.
	PStart uint64

	// Counter is the per-node monotonic task counter value. Never reused
	// for the lifetime of the node's counter file.
	Counter uint64

	// StartTime is the task start time as unix seconds.
	StartTime int64

	// WorkerType identifies the kind of operation.
	WorkerType string

	// WorkerInstance optionally names the object the task operates on.
	// Empty when the worker type has no natural instance.
	WorkerInstance string

	// User is the authenticated user that initiated the task.
	User string
}

// String returns the canonical text encoding:
//
//	TASK:<node>:<pid:hex>:<pstart:hex>:<counter:hex>:<starttime:hex>:<wtype>:<winstance>:<user>:
//
// Numeric fields are upper-case hex, zero padded to 8 digits. The encoding
// round-trips exactly through Parse. Fields are assumed validated (no
// embedded separator); ValidateField enforces this at generation time.
func (id ID) String() string {
	return fmt.Sprintf("TASK:%s:%08X:%08X:%08X:%08X:%s:%s:%s:",
		id.Node, id.PID, id.PStart, id.Counter, id.StartTime,
		id.WorkerType, id.WorkerInstance, id.User)
}

// ValidateField reports whether s is usable as a textual identifier field.
// A field must not contain the separator; name is used in the error only.
func ValidateField(name, s string) error {
	if strings.Contains(s, fieldSeparator) {
		return fmt.Errorf("%w: field %s contains %q", ErrBadFormat, name, fieldSeparator)
	}
	return nil
}

// Parse decodes canonical identifier text into an ID.
//
// Parse is the exact inverse of String: for any ID x produced by a
// Generator, Parse(x.String()) == x, and for any text s accepted here,
// Parse(s).String() == s. Anything else fails with ErrBadFormat.
func Parse(s string) (ID, error) {
	parts := strings.Split(s, fieldSeparator)
	if len(parts) != 10 || parts[0] != prefix || parts[9] != "" {
		return ID{}, fmt.Errorf("%w: %q", ErrBadFormat, s)
	}

	node, wtype, winstance, user := parts[1], parts[6], parts[7], parts[8]
	if node == "" || wtype == "" || user == "" {
		return ID{}, fmt.Errorf("%w: empty mandatory field in %q", ErrBadFormat, s)
	}

	pid, err := parseHexField(parts[2], 8, 31)
	if err != nil {
		return ID{}, fmt.Errorf("%w: pid field in %q: %v", ErrBadFormat, s, err)
	}
	pstart, err := parseHexField(parts[3], 16, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: pstart field in %q: %v", ErrBadFormat, s, err)
	}
	counter, err := parseHexField(parts[4], 16, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: counter field in %q: %v", ErrBadFormat, s, err)
	}
	starttime, err := parseHexField(parts[5], 16, 63)
	if err != nil {
		return ID{}, fmt.Errorf("%w: starttime field in %q: %v", ErrBadFormat, s, err)
	}

	return ID{
		Node:           node,
		PID:            int32(pid),
		PStart:         pstart,
		Counter:        counter,
		StartTime:      int64(starttime),
		WorkerType:     wtype,
		WorkerInstance: winstance,
		User:           user,
	}, nil
}

// StartedAt returns the task start time as a time.Time.
func (id ID) StartedAt() time.Time {
	return time.Unix(id.StartTime, 0)
}

// parseHexField parses an upper-case hex field padded to at least 8 digits.
// Longer values carry no leading zero beyond the pad, which keeps the
// text encoding canonical (one text per value, one value per text).
func parseHexField(s string, maxDigits, valueBits int) (uint64, error) {
	if len(s) < 8 || len(s) > maxDigits {
		return 0, fmt.Errorf("field %q has invalid width", s)
	}
	if len(s) > 8 && s[0] == '0' {
		return 0, fmt.Errorf("field %q has excess leading zeros", s)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return 0, fmt.Errorf("field %q is not upper-case hex", s)
		}
	}
	return strconv.ParseUint(s, 16, valueBits)
}
