package taskid

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SelfPStart returns the start time of the current process in clock ticks
// since boot, read from /proc/self/stat. Combined with the pid it uniquely
// names a process incarnation, which is what disambiguates pid reuse in
// task identifiers.
func SelfPStart() (uint64, error) {
	return readPStart("/proc/self/stat")
}

// ProcessAlive reports whether a process with the given pid is currently
// running with the given start time. Any read or parse failure counts as
// "not alive": a vanished /proc entry means the process is gone, and that
// is exactly the signal crash recovery needs.
func ProcessAlive(pid int32, pstart uint64) bool {
	got, err := readPStart(fmt.Sprintf("/proc/%d/stat", pid))
	return err == nil && got == pstart
}

// readPStart extracts field 22 (starttime) from a /proc stat file. The comm
// field (2) may contain spaces and parentheses, so fields are counted from
// the last ')'.
func readPStart(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	i := bytes.LastIndexByte(data, ')')
	if i < 0 || i+2 >= len(data) {
		return 0, fmt.Errorf("unexpected stat format in %s", path)
	}

	// fields[0] is stat field 3 (state); starttime is stat field 22.
	fields := strings.Fields(string(data[i+2:]))
	if len(fields) < 20 {
		return 0, fmt.Errorf("too few fields in %s", path)
	}

	pstart, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad starttime in %s: %w", path, err)
	}
	return pstart, nil
}
