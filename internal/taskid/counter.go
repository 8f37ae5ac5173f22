package taskid

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Generator allocates task identifiers backed by a durable per-node counter.
//
// The counter file holds the next unallocated value as decimal text. Every
// allocation takes an exclusive flock on the file, so the "no two observers
// ever see the same next value" contract holds across processes, not just
// across goroutines; the in-process mutex keeps goroutines of one process
// from contending on the lock syscall with a torn read in between.
type Generator struct {
	node   string
	pid    int32
	pstart uint64
	path   string

	mu sync.Mutex
}

// NewGenerator creates a Generator for the given node name and counter file
// path. It fails if the node name is not a valid identifier field, if the
// process start time cannot be determined, or if the counter file cannot be
// opened, locked and parsed. Callers treat a failure as fatal at startup.
func NewGenerator(node, counterPath string) (*Generator, error) {
	if node == "" {
		return nil, fmt.Errorf("node name cannot be empty")
	}
	if err := ValidateField("node", node); err != nil {
		return nil, err
	}

	pstart, err := SelfPStart()
	if err != nil {
		return nil, fmt.Errorf("failed to read process start time: %w", err)
	}

	g := &Generator{
		node:   node,
		pid:    int32(os.Getpid()),
		pstart: pstart,
		path:   counterPath,
	}

	// Probe open, lock and parse once so a misconfigured counter file is
	// caught at startup instead of on the first spawn.
	if _, err := g.withLockedCounter(func(cur uint64) (uint64, error) {
		return cur, nil
	}); err != nil {
		return nil, fmt.Errorf("counter file %s unusable: %w", counterPath, err)
	}

	return g, nil
}

// Node returns the node name identifiers are stamped with.
func (g *Generator) Node() string {
	return g.node
}

// Next allocates a fresh identifier for a task of the given worker type,
// optional worker instance and initiating user. The returned counter value
// is unique for this node, across restarts and concurrent generators.
func (g *Generator) Next(workerType, workerInstance, user string) (ID, error) {
	if workerType == "" {
		return ID{}, fmt.Errorf("worker type cannot be empty")
	}
	if user == "" {
		return ID{}, fmt.Errorf("user cannot be empty")
	}
	for name, v := range map[string]string{
		"worker type":     workerType,
		"worker instance": workerInstance,
		"user":            user,
	} {
		if err := ValidateField(name, v); err != nil {
			return ID{}, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	counter, err := g.withLockedCounter(func(cur uint64) (uint64, error) {
		return cur + 1, nil
	})
	if err != nil {
		return ID{}, fmt.Errorf("failed to advance task counter: %w", err)
	}

	return ID{
		Node:           g.node,
		PID:            g.pid,
		PStart:         g.pstart,
		Counter:        counter,
		StartTime:      time.Now().Unix(),
		WorkerType:     workerType,
		WorkerInstance: workerInstance,
		User:           user,
	}, nil
}

// withLockedCounter opens the counter file, takes an exclusive flock, reads
// the current value, writes back whatever update returns, and syncs. The
// current value is returned to the caller.
func (g *Generator) withLockedCounter(update func(cur uint64) (uint64, error)) (uint64, error) {
	f, err := os.OpenFile(g.path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return 0, fmt.Errorf("lock: %w", err)
	}
	// Closing the file releases the flock; the explicit unlock keeps the
	// critical section obvious.
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("read: %w", err)
	}

	var cur uint64
	if text := strings.TrimSpace(string(buf[:n])); text != "" {
		cur, err = strconv.ParseUint(text, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %q: %w", text, err)
		}
	}

	next, err := update(cur)
	if err != nil {
		return 0, err
	}
	if next != cur {
		if err := f.Truncate(0); err != nil {
			return 0, fmt.Errorf("truncate: %w", err)
		}
		if _, err := f.WriteAt([]byte(strconv.FormatUint(next, 10)+"\n"), 0); err != nil {
			return 0, fmt.Errorf("write: %w", err)
		}
		if err := f.Sync(); err != nil {
			return 0, fmt.Errorf("sync: %w", err)
		}
	}

	return cur, nil
}
