// Package config holds the runtime settings of the sync server.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
	"github.com/pdm-pw/pdm-sync-server/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	ProfileDevelopment = "development"
	ProfileProduction  = "production"

	// ProfileEnvVar is set per profile by the process descriptor
	ProfileEnvVar = "NODE_ENV"

	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// Config is the sync server configuration
type Config struct {
	Profile string `yaml:"-"`

	ListenAddress     string `yaml:"listen_address,omitempty"`
	GRPCHealthAddress string `yaml:"grpc_health_address,omitempty"` // empty disables the gRPC health service

	LogLevel  string `yaml:"log_level,omitempty"`
	LogFormat string `yaml:"log_format,omitempty"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
	IdleTimeout       time.Duration `yaml:"idle_timeout,omitempty"`
	ClientTimeout     time.Duration `yaml:"client_timeout,omitempty"`
	SweepInterval     time.Duration `yaml:"sweep_interval,omitempty"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout,omitempty"`

	MaxConnectionsPerUser int                     `yaml:"max_connections_per_user,omitempty"`
	SessionValidation     SessionValidationConfig `yaml:"session_validation,omitempty"`
}

// SessionValidationConfig points at the service that vouches for Session-Key headers.
// An empty BaseURL disables validation and every websocket client gets an echo session.
type SessionValidationConfig struct {
	BaseURL string        `yaml:"base_url,omitempty"`
	Path    string        `yaml:"path,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

func (s SessionValidationConfig) Enabled() bool {
	return s.BaseURL != ""
}

// ProfileFromEnv reads the deployment profile the descriptor selected
func ProfileFromEnv() string {
	return ProfileFromLookup(os.LookupEnv)
}

func ProfileFromLookup(lookup func(string) (string, bool)) string {
	if value, ok := lookup(ProfileEnvVar); ok && strings.TrimSpace(value) != "" {
		return strings.ToLower(strings.TrimSpace(value))
	}
	return ProfileDevelopment
}

// Default returns the configuration for a profile with nothing overridden
func Default(profile string) *Config {
	config := &Config{Profile: profile}
	setConfigDefaults(config)
	return config
}

// LoadConfigFromFile reads a YAML configuration and fills the gaps with the
// profile's defaults. An empty filename yields the defaults.
func LoadConfigFromFile(filename, profile string) (*Config, error) {
	if filename == "" {
		return Default(profile), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := ParseConfig(data, profile)
	if err != nil {
		if domainErr, ok := err.(*errors.DomainError); ok {
			domainErr.WithContext("filename", filename)
		}
		return nil, err
	}
	return config, nil
}

func ParseConfig(data []byte, profile string) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}
	config.Profile = profile
	setConfigDefaults(&config)
	return &config, nil
}

func setConfigDefaults(config *Config) {
	if config.Profile == "" {
		config.Profile = ProfileDevelopment
	}
	if config.ListenAddress == "" {
		config.ListenAddress = ":8080"
	}

	if config.LogLevel == "" {
		config.LogLevel = "info"
		if config.Profile == ProfileDevelopment {
			config.LogLevel = "debug"
		}
	}
	if config.LogFormat == "" {
		config.LogFormat = LogFormatConsole
		if config.Profile == ProfileProduction {
			config.LogFormat = LogFormatJSON
		}
	}

	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	if config.ClientTimeout == 0 {
		config.ClientTimeout = 5 * time.Minute
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = time.Minute
	}
	// stays inside the descriptor's 3000ms kill_timeout
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 2500 * time.Millisecond
	}

	if config.MaxConnectionsPerUser == 0 {
		config.MaxConnectionsPerUser = 5
	}
	if config.SessionValidation.Path == "" {
		config.SessionValidation.Path = "/api/user/validate"
	}
	if config.SessionValidation.Timeout == 0 {
		config.SessionValidation.Timeout = 5 * time.Second
	}
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	problems := errors.NewErrorCollection()

	problems.Add(validateAddress("listen_address", c.ListenAddress))
	if c.GRPCHealthAddress != "" {
		problems.Add(validateAddress("grpc_health_address", c.GRPCHealthAddress))
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		problems.Add(errors.NewValidationError("invalid log_level", err).WithContext("valid_levels", "debug, info, warn, error"))
	}
	if c.LogFormat != LogFormatConsole && c.LogFormat != LogFormatJSON {
		problems.Add(errors.NewValidationError(fmt.Sprintf("invalid log_format: %s", c.LogFormat), nil).
			WithContext("valid_formats", "console, json"))
	}

	problems.Add(validatePositive("heartbeat_interval", c.HeartbeatInterval))
	problems.Add(validatePositive("idle_timeout", c.IdleTimeout))
	problems.Add(validatePositive("client_timeout", c.ClientTimeout))
	problems.Add(validatePositive("sweep_interval", c.SweepInterval))
	problems.Add(validatePositive("shutdown_timeout", c.ShutdownTimeout))
	problems.Add(validatePositive("session_validation.timeout", c.SessionValidation.Timeout))

	if c.MaxConnectionsPerUser < 1 {
		problems.Add(errors.NewValidationError("max_connections_per_user must be at least 1", nil))
	}
	if c.SessionValidation.Enabled() {
		if !strings.HasPrefix(c.SessionValidation.BaseURL, "http://") && !strings.HasPrefix(c.SessionValidation.BaseURL, "https://") {
			problems.Add(errors.NewValidationError("session_validation.base_url must be an http(s) URL", nil))
		}
		if !strings.HasPrefix(c.SessionValidation.Path, "/") {
			problems.Add(errors.NewValidationError("session_validation.path must start with /", nil))
		}
	}

	return problems.ToError()
}

func validateAddress(name, address string) error {
	if _, _, err := net.SplitHostPort(address); err != nil {
		return errors.NewValidationError("invalid "+name+": "+address, err)
	}
	return nil
}

func validatePositive(name string, d time.Duration) error {
	if d <= 0 {
		return errors.NewValidationError(name+" must be positive", nil)
	}
	return nil
}
