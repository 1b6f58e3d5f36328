package descriptor

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
)

// LaunchPlan is a descriptor resolved for one profile: everything needed to
// start the process directly, without an interpreter.
type LaunchPlan struct {
	Name             string
	Profile          string
	ExecutablePath   string
	Args             []string
	WorkingDirectory string
	Environment      []string // KEY=VALUE, sorted by key
	GracePeriod      time.Duration
	RestartPolicy    RestartPolicy
	Watch            bool
	MaxMemoryBytes   int64

	// empty when the descriptor leaves them to the supervisor
	OutFile       string
	ErrorFile     string
	PIDFile       string
	LogDateFormat string
}

// Environment resolves the variables for a profile. The default profile
// ("", "default", or "development" when no env_development exists) is the
// base env mapping; a named profile is env overlaid with env_<profile>.
func (d ProcessDescriptor) Environment(profile string) (map[string]string, error) {
	result := make(map[string]string, len(d.Env))
	for k, v := range d.Env {
		result[k] = v
	}

	if override, ok := d.Profiles[profile]; ok {
		for k, v := range override {
			result[k] = v
		}
		return result, nil
	}

	switch profile {
	case "", DefaultProfile, DevelopmentProfile:
		return result, nil
	}

	return nil, errors.NewNotFoundError("environment profile not declared", nil).
		WithContext("app", d.Name).
		WithContext("profile", profile)
}

// KillTimeout is the grace period between the termination signal and a forced kill
func (d ProcessDescriptor) KillTimeout() time.Duration {
	killTimeout := DefaultKillTimeoutMs
	if d.KillTimeoutMs != nil {
		killTimeout = *d.KillTimeoutMs
	}
	return time.Duration(killTimeout) * time.Millisecond
}

// LaunchPlan resolves the descriptor for profile. Relative paths resolve
// against cwd, and cwd itself against baseDir.
func (d ProcessDescriptor) LaunchPlan(profile, baseDir string) (*LaunchPlan, error) {
	if err := ValidateDescriptor(d); err != nil {
		return nil, err
	}

	env, err := d.Environment(profile)
	if err != nil {
		return nil, err
	}

	if baseDir == "" {
		baseDir = "."
	}
	workDir := baseDir
	if d.Cwd != "" {
		workDir = resolvePath(baseDir, d.Cwd)
	}
	workDir, err = filepath.Abs(workDir)
	if err != nil {
		return nil, errors.NewIOError("failed to resolve working directory", err).WithContext("cwd", d.Cwd)
	}

	if profile == "" {
		profile = DefaultProfile
	}

	return &LaunchPlan{
		Name:             d.Name,
		Profile:          profile,
		ExecutablePath:   resolvePath(workDir, d.Script),
		Args:             append([]string(nil), d.Args...),
		WorkingDirectory: workDir,
		Environment:      envList(env),
		GracePeriod:      d.KillTimeout(),
		RestartPolicy:    d.RestartPolicy(),
		Watch:            d.Watch,
		MaxMemoryBytes:   d.MaxMemoryRestart.Bytes,
		OutFile:          resolveOptionalPath(workDir, d.OutFile),
		ErrorFile:        resolveOptionalPath(workDir, d.ErrorFile),
		PIDFile:          resolveOptionalPath(workDir, d.PIDFile),
		LogDateFormat:    d.LogDateFormat,
	}, nil
}

// Lookup returns the value of an environment variable in the plan
func (p *LaunchPlan) Lookup(key string) (string, bool) {
	prefix := key + "="
	for _, kv := range p.Environment {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

func resolvePath(base, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}

func resolveOptionalPath(base, path string) string {
	if path == "" {
		return ""
	}
	return resolvePath(base, path)
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return list
}
