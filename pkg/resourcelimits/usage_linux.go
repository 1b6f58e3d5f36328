//go:build linux

package resourcelimits

import (
	"os"
	"strconv"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
)

// GetProcessUsage samples pid from /proc
func GetProcessUsage(pid int) (*ResourceUsage, error) {
	file, err := os.Open("/proc/" + strconv.Itoa(pid) + "/status")
	if os.IsNotExist(err) {
		return nil, errors.NewNotFoundError("process not found", err).WithContext("pid", pid)
	}
	if err != nil {
		return nil, errors.NewIOError("failed to open process status", err).WithContext("pid", pid)
	}
	defer file.Close()

	return parseProcStatus(file)
}
