// Package descriptor loads the process descriptor file that tells a process
// supervisor how to launch pdm-sync-server. The file uses the PM2 ecosystem
// layout (an "apps" list) so PM2 can consume it as-is.
package descriptor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"

	"gopkg.in/yaml.v3"
)

const (
	InterpreterNone = "none"

	DefaultKillTimeoutMs = 1600 // PM2 default

	// DefaultProfile names the base "env" mapping.
	DefaultProfile = "default"
	// DevelopmentProfile is an alias for the base mapping unless an
	// env_development override is declared.
	DevelopmentProfile = "development"

	profileKeyPrefix = "env_"
)

// ExecMode is the process topology requested from the supervisor
type ExecMode string

const (
	ExecModeFork     ExecMode = "fork_mode"
	ExecModeForkAlt  ExecMode = "fork"
	ExecModeCluster  ExecMode = "cluster_mode"
	ExecModeCluster2 ExecMode = "cluster"
)

// RestartPolicy is what the supervisor does when the process exits unexpectedly
type RestartPolicy string

const (
	RestartNever  RestartPolicy = "never"
	RestartAlways RestartPolicy = "always"
)

// Ecosystem is the top-level descriptor file
type Ecosystem struct {
	Apps []ProcessDescriptor `yaml:"apps"`

	// directory of the file it was loaded from, used to resolve relative paths
	dir string
}

// ProcessDescriptor declares how to launch and supervise one process
type ProcessDescriptor struct {
	Name             string     `yaml:"name"`
	Script           string     `yaml:"script"`
	Args             []string   `yaml:"args,omitempty"`
	Cwd              string     `yaml:"cwd,omitempty"`
	Interpreter      string     `yaml:"interpreter,omitempty"`
	ExecMode         ExecMode   `yaml:"exec_mode,omitempty"`
	// pointers distinguish an absent key from an explicit zero or false
	Instances        *int       `yaml:"instances,omitempty"`
	AutoRestart      *bool      `yaml:"autorestart,omitempty"`
	Watch            bool       `yaml:"watch"`
	MaxMemoryRestart MemorySize `yaml:"max_memory_restart,omitempty"`
	KillTimeoutMs    *int       `yaml:"kill_timeout,omitempty"`
	Env              EnvMap     `yaml:"env,omitempty"`

	// PM2 log and pid file locations, resolved against the working directory
	OutFile       string `yaml:"out_file,omitempty"`
	ErrorFile     string `yaml:"error_file,omitempty"`
	PIDFile       string `yaml:"pid_file,omitempty"`
	LogDateFormat string `yaml:"log_date_format,omitempty"`

	// Profiles holds the env_<name> overrides keyed by <name>.
	Profiles map[string]EnvMap `yaml:"-"`
	// Extra keeps keys this package does not interpret so the file can still
	// carry supervisor-specific settings.
	Extra map[string]interface{} `yaml:",inline"`
}

// EnvMap is an environment mapping. Scalar values of any YAML type are kept
// as their literal text.
type EnvMap map[string]string

func (e *EnvMap) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	env, err := toEnvMap(raw)
	if err != nil {
		return err
	}
	*e = env
	return nil
}

func toEnvMap(value interface{}) (EnvMap, error) {
	if value == nil {
		return EnvMap{}, nil
	}
	raw, ok := value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("environment must be a mapping, got %T", value)
	}
	env := make(EnvMap, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			env[k] = ""
		case map[string]interface{}, []interface{}:
			return nil, fmt.Errorf("environment variable %s must be a scalar", k)
		default:
			env[k] = fmt.Sprint(val)
		}
	}
	return env, nil
}

// LoadEcosystemFromFile reads, decodes and defaults a descriptor file.
// The result is not validated; call ValidateEcosystem.
func LoadEcosystemFromFile(filename string) (*Ecosystem, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read descriptor file", err).WithContext("filename", filename)
	}

	ecosystem, err := ParseEcosystem(data)
	if err != nil {
		if domainErr, ok := err.(*errors.DomainError); ok {
			domainErr.WithContext("filename", filename)
		}
		return nil, err
	}

	absPath, err := filepath.Abs(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to get absolute path", err).WithContext("filename", filename)
	}
	ecosystem.dir = filepath.Dir(absPath)

	return ecosystem, nil
}

// ParseEcosystem decodes a YAML or JSON descriptor and applies defaults
func ParseEcosystem(data []byte) (*Ecosystem, error) {
	var ecosystem Ecosystem
	if err := yaml.Unmarshal(data, &ecosystem); err != nil {
		return nil, errors.NewValidationError("failed to parse descriptor", err)
	}

	for i := range ecosystem.Apps {
		if err := extractProfiles(&ecosystem.Apps[i]); err != nil {
			return nil, errors.NewValidationError(
				fmt.Sprintf("invalid environment profile in app at index %d", i),
				err,
			).WithContext("app", ecosystem.Apps[i].Name)
		}
		setDescriptorDefaults(&ecosystem.Apps[i])
	}

	return &ecosystem, nil
}

// Dir is the directory relative paths in the descriptor are resolved against.
// Empty for descriptors parsed from bytes.
func (e *Ecosystem) Dir() string {
	return e.dir
}

// App returns the descriptor declared under name
func (e *Ecosystem) App(name string) (*ProcessDescriptor, error) {
	for i := range e.Apps {
		if e.Apps[i].Name == name {
			return &e.Apps[i], nil
		}
	}
	return nil, errors.NewNotFoundError("app not declared", nil).WithContext("app", name)
}

// Single returns the only declared app
func (e *Ecosystem) Single() (*ProcessDescriptor, error) {
	if len(e.Apps) != 1 {
		return nil, errors.NewValidationError(
			fmt.Sprintf("exactly one app must be declared, found %d", len(e.Apps)),
			nil,
		)
	}
	return &e.Apps[0], nil
}

// extractProfiles moves env_<name> keys out of Extra into Profiles
func extractProfiles(d *ProcessDescriptor) error {
	for key, value := range d.Extra {
		if !strings.HasPrefix(key, profileKeyPrefix) {
			continue
		}
		profile := strings.TrimPrefix(key, profileKeyPrefix)
		if profile == "" {
			return fmt.Errorf("profile key %q has no profile name", key)
		}
		env, err := toEnvMap(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if d.Profiles == nil {
			d.Profiles = make(map[string]EnvMap)
		}
		d.Profiles[profile] = env
		delete(d.Extra, key)
	}
	if len(d.Extra) == 0 {
		d.Extra = nil
	}
	return nil
}

func setDescriptorDefaults(d *ProcessDescriptor) {
	if d.Interpreter == "" {
		d.Interpreter = InterpreterNone
	}
	if d.ExecMode == "" {
		d.ExecMode = ExecModeFork
	}
	if d.Instances == nil {
		instances := 1
		d.Instances = &instances
	}
	if d.AutoRestart == nil {
		autoRestart := true
		d.AutoRestart = &autoRestart
	}
	if d.KillTimeoutMs == nil {
		killTimeout := DefaultKillTimeoutMs
		d.KillTimeoutMs = &killTimeout
	}
	if d.Env == nil {
		d.Env = EnvMap{}
	}
}

// ProfileNames lists the selectable profiles: the default one first, then
// declared overrides in name order.
func (d ProcessDescriptor) ProfileNames() []string {
	names := make([]string, 0, len(d.Profiles))
	for name := range d.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return append([]string{DefaultProfile}, names...)
}

// RestartPolicy reports the supervisor restart behaviour declared by autorestart
func (d ProcessDescriptor) RestartPolicy() RestartPolicy {
	if d.AutoRestart == nil || *d.AutoRestart {
		return RestartAlways
	}
	return RestartNever
}
