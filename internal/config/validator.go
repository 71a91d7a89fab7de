package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ValidationError is one problem found in a single config field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationResult collects errors, which prevent startup, and warnings,
// which are only logged.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid reports whether no errors were found.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// Err joins every error into one, or returns nil.
func (r *ValidationResult) Err() error {
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks a snapshot of cfg.
func Validate(cfg *Config) *ValidationResult {
	server := cfg.GetServer()
	data := cfg.GetApplicationData()

	result := &ValidationResult{}
	validateServer(&server, result)
	validateApplicationData(&data, server.Port, result)
	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if s.ListenAddress != "" && net.ParseIP(s.ListenAddress) == nil {
		result.AddWarning("server.listen_address",
			fmt.Sprintf("%q is not an IP address, it will be resolved at startup", s.ListenAddress))
	}

	validatePort(s.Port, "server.port", result)

	if s.ClientLimit < 1 {
		result.AddError("server.client_limit", "must allow at least 1 client")
	}
	if s.ClientLimit > 1000 {
		result.AddWarning("server.client_limit",
			fmt.Sprintf("high client limit (%d) runs one worker per client", s.ClientLimit))
	}

	// Every worker read must be bounded.
	if s.ReadTimeoutMs < 1 {
		result.AddError("server.read_timeout_ms", "read timeout must be positive")
	} else if s.ReadTimeoutMs > 10000 {
		result.AddWarning("server.read_timeout_ms",
			"read timeouts above 10s delay detection of lost clients")
	}

	if s.WriteTimeoutMs < 0 {
		result.AddError("server.write_timeout_ms", "write timeout cannot be negative")
	} else if s.WriteTimeoutMs == 0 {
		result.AddWarning("server.write_timeout_ms", "writes to a stalled client can block its worker forever")
	}

	if s.RTTWindow < 1 {
		result.AddError("server.rtt_window", "RTT window must hold at least 1 sample")
	}
}

func validateApplicationData(data *ApplicationData, gamePort int, result *ValidationResult) {
	validateTimers(&data.Timers, result)

	if data.Lag.RTTWarningMs < 1 {
		result.AddWarning("application_data.lag.rtt_warning_ms", "lag check is disabled")
	}

	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if data.API.Port == gamePort {
			result.AddError("application_data.api.port", "port conflict: API and game server share a port")
		}
		if strings.TrimSpace(data.Security.APIToken) == "" {
			result.AddWarning("application_data.security.api_token",
				"no API token set, control endpoints are unauthenticated")
		}
	}

	if mqtt := data.MQTT; mqtt.Enabled {
		if strings.TrimSpace(mqtt.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "broker host is required")
		}
		if mqtt.Port < 1 || mqtt.Port > 65535 {
			result.AddError("application_data.mqtt.port", fmt.Sprintf("broker port %d out of range", mqtt.Port))
		}
		if strings.TrimSpace(mqtt.TopicPrefix) == "" {
			result.AddError("application_data.mqtt.topic_prefix", "topic prefix is required")
		}
	}

	// Missing TLS files are generated at startup, but their paths must be set.
	if sec := data.Security; sec.TLSEnabled {
		for field, path := range map[string]string{
			"application_data.security.tls_cert_file": sec.TLSCertFile,
			"application_data.security.tls_key_file":  sec.TLSKeyFile,
		} {
			if strings.TrimSpace(path) == "" {
				result.AddError(field, "path is required with TLS enabled")
			}
		}
	}

	if data.API.Enabled && data.Security.RateLimitRPS < 1 {
		result.AddWarning("application_data.security.rate_limit_rps", "API requests are not rate limited")
	}

	if data.Database.Enabled && strings.TrimSpace(data.Database.Path) == "" {
		result.AddError("application_data.database.path", "database path is required when enabled")
	}

	if data.Maintenance.Enabled {
		if _, err := time.Parse("15:04", data.Maintenance.Time); err != nil {
			result.AddError("application_data.maintenance.time", "maintenance time must be HH:MM")
		}
		if data.Maintenance.AlertRetentionDays < 1 {
			result.AddWarning("application_data.maintenance.alert_retention_days",
				"acknowledged alerts are removed at every maintenance run")
		}
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.InactiveSweepInterval < 0 {
		result.AddError("timers.inactive_sweep_interval_sec", "interval cannot be negative")
	}
	if timers.LagCheckInterval > 0 && timers.LagCheckInterval < 2 {
		result.AddWarning("timers.lag_check_interval_sec",
			"lag check interval less than 2s produces noisy warnings")
	}
	if timers.SnapshotInterval > 0 && timers.SnapshotInterval < 5 {
		result.AddWarning("timers.snapshot_interval_sec",
			"snapshot interval less than 5s may flood telemetry")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	switch {
	case port < 1 || port > 65535:
		result.AddError(field, fmt.Sprintf("port %d out of range 1-65535", port))
	case port < 1024:
		result.AddWarning(field, fmt.Sprintf("port %d is privileged and may need elevated permissions", port))
	}
}

// PortAvailable reports whether a TCP listener can be bound on host:port
// right now.
func PortAvailable(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
