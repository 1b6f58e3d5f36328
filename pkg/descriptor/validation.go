package descriptor

import (
	"fmt"
	"strings"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
)

const maxNameLength = 64

// ValidateEcosystem checks the file declares exactly one valid app
func ValidateEcosystem(ecosystem *Ecosystem) error {
	if ecosystem == nil {
		return errors.NewValidationError("descriptor cannot be nil", nil)
	}

	if len(ecosystem.Apps) != 1 {
		return errors.NewValidationError(
			fmt.Sprintf("exactly one app must be declared, found %d", len(ecosystem.Apps)),
			nil,
		)
	}

	if err := ValidateDescriptor(ecosystem.Apps[0]); err != nil {
		return errors.NewValidationError("invalid app at index 0", err).WithContext("app", ecosystem.Apps[0].Name)
	}

	return nil
}

// ValidateDescriptor reports every problem with a single app, not just the first
func ValidateDescriptor(d ProcessDescriptor) error {
	problems := errors.NewErrorCollection()

	problems.Add(ValidateName(d.Name))

	if strings.TrimSpace(d.Script) == "" {
		problems.Add(errors.NewValidationError("script is required", nil))
	}

	if d.Interpreter != InterpreterNone {
		problems.Add(errors.NewValidationError(
			fmt.Sprintf("unsupported interpreter: %s", d.Interpreter),
			nil,
		).WithContext("supported", InterpreterNone))
	}

	problems.Add(validateExecMode(d.ExecMode))

	// PM2 reads 0 and -1 as one instance per CPU
	if d.Instances != nil && *d.Instances != 1 {
		problems.Add(errors.NewValidationError(
			fmt.Sprintf("instances must be 1, got %d", *d.Instances),
			nil,
		))
	}

	if d.KillTimeoutMs != nil && *d.KillTimeoutMs <= 0 {
		problems.Add(errors.NewValidationError(
			fmt.Sprintf("kill_timeout must be positive, got %d", *d.KillTimeoutMs),
			nil,
		))
	}

	if d.MaxMemoryRestart.Bytes < 0 {
		problems.Add(errors.NewValidationError("max_memory_restart cannot be negative", nil))
	}

	problems.Add(validateEnv(DefaultProfile, d.Env))
	for profile, env := range d.Profiles {
		problems.Add(ValidateName(profile))
		problems.Add(validateEnv(profile, env))
	}

	return problems.ToError()
}

// ValidateName checks an app or profile name
func ValidateName(name string) error {
	if name == "" {
		return errors.NewValidationError("name cannot be empty", nil)
	}

	if len(name) > maxNameLength {
		return errors.NewValidationError(fmt.Sprintf("name cannot exceed %d characters", maxNameLength), nil)
	}

	for _, char := range name {
		if !isValidNameChar(char) {
			return errors.NewValidationError(
				"name contains invalid characters: only letters, numbers, dots, hyphens, and underscores are allowed",
				nil,
			).WithContext("name", name)
		}
	}

	return nil
}

func validateExecMode(mode ExecMode) error {
	switch mode {
	case ExecModeFork, ExecModeForkAlt:
		return nil
	case ExecModeCluster, ExecModeCluster2:
		return errors.NewValidationError("cluster exec mode is not supported for a native binary", nil)
	}
	return errors.NewValidationError(fmt.Sprintf("unsupported exec_mode: %s", mode), nil).
		WithContext("supported", "fork_mode")
}

func validateEnv(profile string, env EnvMap) error {
	for key := range env {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return errors.NewValidationError(
				fmt.Sprintf("invalid environment variable name %q", key),
				nil,
			).WithContext("profile", profile)
		}
	}
	return nil
}

func isValidNameChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_' || char == '.'
}
