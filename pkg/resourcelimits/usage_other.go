//go:build !linux && !darwin

package resourcelimits

import (
	"runtime"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
)

func GetProcessUsage(pid int) (*ResourceUsage, error) {
	return nil, errors.NewInternalError("memory sampling is not supported on "+runtime.GOOS, nil).WithContext("pid", pid)
}
