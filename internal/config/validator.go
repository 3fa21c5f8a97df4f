package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "supervisor.heartbeat_grace")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateState()...)
	errors = append(errors, c.validateResolver()...)
	errors = append(errors, c.validateEscalation()...)
	errors = append(errors, c.validateSupervisor()...)
	errors = append(errors, c.validateRouting()...)
	errors = append(errors, c.validateDeliverables()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateState() []ValidationError {
	var errors []ValidationError
	if strings.TrimSpace(c.Registry.Path) == "" {
		errors = append(errors, ValidationError{
			Field:   "registry.path",
			Value:   c.Registry.Path,
			Message: "must not be empty",
		})
	}
	if strings.TrimSpace(c.State.Dir) == "" {
		errors = append(errors, ValidationError{
			Field:   "state.dir",
			Value:   c.State.Dir,
			Message: "must not be empty",
		})
	}
	if c.State.PersistInterval < 0 {
		errors = append(errors, ValidationError{
			Field:   "state.persist_interval",
			Value:   c.State.PersistInterval,
			Message: "must be zero or positive",
		})
	}
	return errors
}

func (c *Config) validateResolver() []ValidationError {
	if !slices.Contains(ValidReadinessPolicies(), c.Resolver.ReadinessPolicy) {
		return []ValidationError{{
			Field:   "resolver.readiness_policy",
			Value:   c.Resolver.ReadinessPolicy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidReadinessPolicies(), ", ")),
		}}
	}
	return nil
}

func (c *Config) validateEscalation() []ValidationError {
	var errors []ValidationError
	e := c.Escalation

	if e.BlockedThreshold <= 0 {
		errors = append(errors, ValidationError{
			Field:   "escalation.blocked_threshold",
			Value:   e.BlockedThreshold,
			Message: "must be positive",
		})
	}
	if e.DependencyThreshold <= 0 {
		errors = append(errors, ValidationError{
			Field:   "escalation.dependency_threshold",
			Value:   e.DependencyThreshold,
			Message: "must be positive",
		})
	}
	if e.ScanInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "escalation.scan_interval",
			Value:   e.ScanInterval,
			Message: "must be positive",
		})
	}
	return errors
}

func (c *Config) validateSupervisor() []ValidationError {
	var errors []ValidationError
	s := c.Supervisor

	if s.Enabled && strings.TrimSpace(s.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "supervisor.command",
			Value:   s.Command,
			Message: "is required when the supervisor is enabled",
		})
	}
	if s.HeartbeatInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "supervisor.heartbeat_interval",
			Value:   s.HeartbeatInterval,
			Message: "must be positive",
		})
	}
	if s.HeartbeatGrace < s.HeartbeatInterval {
		errors = append(errors, ValidationError{
			Field:   "supervisor.heartbeat_grace",
			Value:   s.HeartbeatGrace,
			Message: "must be at least supervisor.heartbeat_interval",
		})
	}
	if s.StopGrace < 0 {
		errors = append(errors, ValidationError{
			Field:   "supervisor.stop_grace",
			Value:   s.StopGrace,
			Message: "must be zero or positive",
		})
	}
	if s.MaxRestarts < 0 {
		errors = append(errors, ValidationError{
			Field:   "supervisor.max_restarts",
			Value:   s.MaxRestarts,
			Message: "must be zero or positive",
		})
	}
	return errors
}

func (c *Config) validateRouting() []ValidationError {
	var errors []ValidationError
	for eventType, selectors := range c.Routing.Rules {
		for _, sel := range selectors {
			if !slices.Contains(ValidRouteSelectors(), sel) {
				errors = append(errors, ValidationError{
					Field:   "routing.rules." + eventType,
					Value:   sel,
					Message: fmt.Sprintf("unknown selector, must be one of: %s", strings.Join(ValidRouteSelectors(), ", ")),
				})
			}
		}
	}
	return errors
}

func (c *Config) validateDeliverables() []ValidationError {
	var errors []ValidationError
	for _, ext := range c.Deliverables.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			errors = append(errors, ValidationError{
				Field:   "deliverables.allowed_extensions",
				Value:   ext,
				Message: "extensions must start with a dot",
			})
		}
	}
	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError
	l := c.Logging

	if l.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(l.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   l.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if l.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   l.MaxSizeMB,
			Message: "must be zero or positive",
		})
	}
	if l.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   l.MaxBackups,
			Message: "must be zero or positive",
		})
	}
	return errors
}
