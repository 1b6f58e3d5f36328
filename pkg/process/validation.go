package process

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pdm-pw/pdm-sync-server/pkg/descriptor"
	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
)

// ValidateLaunchPlan checks the plan points at something that can be executed
func ValidateLaunchPlan(plan *descriptor.LaunchPlan) error {
	if plan == nil {
		return errors.NewValidationError("launch plan cannot be nil", nil)
	}

	if plan.ExecutablePath == "" {
		return errors.NewValidationError("executable path is required", nil)
	}

	info, err := os.Stat(plan.ExecutablePath)
	if os.IsNotExist(err) {
		return errors.NewValidationError("executable not found: "+plan.ExecutablePath, err)
	}
	if err != nil {
		return errors.NewIOError("executable not accessible: "+plan.ExecutablePath, err)
	}
	if info.IsDir() {
		return errors.NewValidationError("executable is a directory: "+plan.ExecutablePath, nil)
	}

	if plan.WorkingDirectory != "" {
		if !filepath.IsAbs(plan.WorkingDirectory) {
			return errors.NewValidationError("working directory must be absolute path", nil)
		}

		if info, err := os.Stat(plan.WorkingDirectory); err != nil {
			return errors.NewValidationError("working directory not accessible: "+plan.WorkingDirectory, err)
		} else if !info.IsDir() {
			return errors.NewValidationError("working directory is not a directory: "+plan.WorkingDirectory, nil)
		}
	}

	for _, env := range plan.Environment {
		if !strings.Contains(env, "=") {
			return errors.NewValidationError("invalid environment variable format: "+env, nil)
		}
	}

	if plan.GracePeriod <= 0 {
		return errors.NewValidationError("grace period must be positive", nil)
	}

	return nil
}
