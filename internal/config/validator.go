package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"

	"github.com/detonator-project/detonator/internal/protocol"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateServer(&cfg.Server, result)
	validateApplicationData(&cfg.ApplicationData, cfg.Server.TCPPort, result)

	return result
}

func validateServer(data *ServerData, result *ValidationResult) {
	if _, err := protocol.ParseGameMode(data.GameMode); err != nil {
		result.AddError("server.game_mode", `must be "solo" or "team"`)
	}

	if data.TCPPort != 0 {
		validatePort(data.TCPPort, "server.tcp_port", result)
	}

	if data.BindAddress != "" && net.ParseIP(data.BindAddress) == nil {
		result.AddError("server.bind_address", fmt.Sprintf("not an IP address: %s", data.BindAddress))
	}

	if data.PortAttempts < 1 {
		result.AddError("server.port_attempts", "must try at least one port")
	}

	if data.MulticastInterface != "" {
		if _, err := net.InterfaceByName(data.MulticastInterface); err != nil {
			result.AddWarning("server.multicast_interface",
				fmt.Sprintf("interface %s not found, the system default will be used", data.MulticastInterface))
		}
	}

	validateDimension(data.BoardHeight, "server.board_height", result)
	validateDimension(data.BoardWidth, "server.board_width", result)

	if data.SnapshotIntervalMS < 1 {
		result.AddError("server.snapshot_interval_ms", "must be positive")
	}
	if data.DeltaIntervalMS < 1 {
		result.AddError("server.delta_interval_ms", "must be positive")
	}
	if data.DeltaIntervalMS > 0 && data.SnapshotIntervalMS > 0 && data.DeltaIntervalMS > data.SnapshotIntervalMS {
		result.AddWarning("server.delta_interval_ms",
			"delta interval is longer than snapshot interval, deltas will rarely matter")
	}
}

func validateDimension(v int, field string, result *ValidationResult) {
	if v < 5 || v > protocol.MaxDimension {
		result.AddError(field, fmt.Sprintf("must be between 5 and %d, got %d", protocol.MaxDimension, v))
	}
}

func validateApplicationData(data *ApplicationData, tcpPort int, result *ValidationResult) {
	if _, err := zerolog.ParseLevel(strings.ToLower(data.Logging.Level)); err != nil {
		result.AddWarning("application_data.logging.level",
			fmt.Sprintf("unknown log level %q, info will be used", data.Logging.Level))
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if tcpPort != 0 && tcpPort == data.API.Port {
			result.AddError("application_data.api.port", "port conflict with server.tcp_port")
		}
		if data.API.RateLimitRPS < 1 {
			result.AddWarning("application_data.api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
		for _, entry := range data.API.IPWhitelist {
			if net.ParseIP(entry) == nil {
				if _, _, err := net.ParseCIDR(entry); err != nil {
					result.AddError("application_data.api.ip_whitelist",
						fmt.Sprintf("not an IP or CIDR: %s", entry))
				}
			}
		}
	}

	if data.Journal.Enabled {
		if strings.TrimSpace(data.Journal.Path) == "" {
			result.AddError("application_data.journal.path", "journal path is required when enabled")
		}
		if data.Journal.SnapshotEvery < 1 {
			result.AddError("application_data.journal.snapshot_every", "must be at least 1")
		}
	}

	if data.Health.IntervalSec < 1 {
		result.AddError("application_data.health.interval_sec", "must be at least 1")
	}
	if data.Health.QueueWarnDepth < 1 {
		result.AddWarning("application_data.health.queue_warn_depth",
			"queue depth warning disabled")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a TCP port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
