package monitoring

import (
	"net"
	"net/url"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
)

// ValidateHealthCheckConfig validates health check configuration
func ValidateHealthCheckConfig(config HealthCheckConfig) error {
	if config.Timeout <= 0 {
		return errors.NewValidationError("health check timeout must be positive", nil)
	}

	switch config.Type {
	case HealthCheckTypeHTTP:
		if config.HTTP.URL == "" {
			return errors.NewValidationError("HTTP URL is required for HTTP health check", nil)
		}
		parsed, err := url.Parse(config.HTTP.URL)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return errors.NewValidationError("invalid HTTP health check URL: "+config.HTTP.URL, err)
		}

	case HealthCheckTypeGRPC:
		if err := validateHostPort(config.GRPC.Address); err != nil {
			return errors.NewValidationError("invalid gRPC health check address", err)
		}

	case HealthCheckTypeTCP:
		if err := validateHostPort(config.TCP.Address); err != nil {
			return errors.NewValidationError("invalid TCP health check address", err)
		}

	default:
		return errors.NewValidationError("unsupported health check type: "+string(config.Type), nil)
	}

	return nil
}

// ValidateHealthCheckRunOptions validates health check run options
func ValidateHealthCheckRunOptions(options HealthCheckRunOptions, timeout time.Duration) error {
	if options.Interval <= 0 {
		return errors.NewValidationError("health check interval must be positive", nil)
	}

	if timeout >= options.Interval {
		return errors.NewValidationError("health check timeout must be less than interval", nil)
	}

	if options.InitialDelay < 0 {
		return errors.NewValidationError("health check initial delay cannot be negative", nil)
	}

	return nil
}

func validateHostPort(address string) error {
	if address == "" {
		return errors.NewValidationError("address is required", nil)
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return errors.NewValidationError("address must be host:port: "+address, err)
	}
	return nil
}
