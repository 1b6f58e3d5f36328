//go:build darwin

package resourcelimits

import (
	"os/exec"
	"strconv"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
)

// GetProcessUsage samples pid with ps, macOS has no procfs
func GetProcessUsage(pid int) (*ResourceUsage, error) {
	output, err := exec.Command("ps", "-o", "rss=,vsz=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return nil, errors.NewProcessError("ps command failed", err).WithContext("pid", pid)
	}
	return parsePSOutput(string(output))
}
