package resourcelimits

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
)

// parseProcStatus reads VmRSS and VmSize, both in kB, from a
// /proc/<pid>/status listing
func parseProcStatus(r io.Reader) (*ResourceUsage, error) {
	usage := &ResourceUsage{Timestamp: time.Now()}
	found := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		var target *int64
		switch key {
		case "VmRSS":
			target = &usage.MemoryRSS
			found = true
		case "VmSize":
			target = &usage.MemoryVirtual
		default:
			continue
		}

		fields := strings.Fields(value)
		if len(fields) == 0 {
			continue
		}
		kb, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, errors.NewValidationError("invalid "+key+" value", err).WithContext("value", value)
		}
		*target = kb * 1024
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.NewIOError("failed to read process status", err)
	}
	if !found {
		return nil, errors.NewNotFoundError("VmRSS not reported", nil)
	}
	return usage, nil
}

// parsePSOutput reads "rss vsz" in kB as printed by ps -o rss=,vsz=
func parsePSOutput(output string) (*ResourceUsage, error) {
	fields := strings.Fields(output)
	if len(fields) < 2 {
		return nil, errors.NewValidationError("unexpected ps output", nil).WithContext("output", output)
	}
	rss, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, errors.NewValidationError("invalid rss value", err).WithContext("output", output)
	}
	vsz, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, errors.NewValidationError("invalid vsz value", err).WithContext("output", output)
	}
	return &ResourceUsage{Timestamp: time.Now(), MemoryRSS: rss * 1024, MemoryVirtual: vsz * 1024}, nil
}
