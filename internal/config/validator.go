package config

import (
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"text/template"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "poll.max_tries")
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
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// exchangeKeyRegex matches statepoint keys usable as a ladder key
var exchangeKeyRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidDrivers returns the list of valid job queue drivers
func ValidDrivers() []string {
	return []string{"exec", "manual"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Workspace) == "" {
		errors = append(errors, ValidationError{
			Field:   "workspace",
			Value:   c.Workspace,
			Message: "must not be empty",
		})
	}

	errors = append(errors, c.validateExchange()...)
	errors = append(errors, c.validatePoll()...)
	errors = append(errors, c.validateQueue()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateMetrics()...)

	return errors
}

// validateExchange validates the ExchangeConfig
func (c *Config) validateExchange() []ValidationError {
	var errors []ValidationError

	if !exchangeKeyRegex.MatchString(c.Exchange.Key) {
		errors = append(errors, ValidationError{
			Field:   "exchange.key",
			Value:   c.Exchange.Key,
			Message: "must be an identifier (letters, digits, underscore)",
		})
	}

	if c.Exchange.NAttempts < 0 {
		errors = append(errors, ValidationError{
			Field:   "exchange.n_attempts",
			Value:   c.Exchange.NAttempts,
			Message: "must be non-negative",
		})
	}

	// The snapshot lives directly in the job directory
	name := c.Exchange.SnapshotFile
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		errors = append(errors, ValidationError{
			Field:   "exchange.snapshot_file",
			Value:   name,
			Message: "must be a plain file name",
		})
	}

	if _, ok := c.Exchange.RerunParams[c.Exchange.Key]; ok && c.Exchange.Key != "" {
		errors = append(errors, ValidationError{
			Field:   "exchange.rerun_params",
			Value:   c.Exchange.Key,
			Message: "must not override the exchange key",
		})
	}

	return errors
}

// validatePoll validates the PollConfig
func (c *Config) validatePoll() []ValidationError {
	var errors []ValidationError

	waits := []struct {
		field string
		value time.Duration
	}{
		{"poll.first_wait", c.Poll.FirstWait},
		{"poll.init_wait", c.Poll.InitWait},
		{"poll.extra_wait", c.Poll.ExtraWait},
	}
	for _, w := range waits {
		if w.value < 0 {
			errors = append(errors, ValidationError{
				Field:   w.field,
				Value:   w.value,
				Message: "must be non-negative",
			})
		}
	}

	if c.Poll.MaxTries < 0 {
		errors = append(errors, ValidationError{
			Field:   "poll.max_tries",
			Value:   c.Poll.MaxTries,
			Message: "must be non-negative",
		})
	}

	if c.Poll.MaxRounds < 0 {
		errors = append(errors, ValidationError{
			Field:   "poll.max_rounds",
			Value:   c.Poll.MaxRounds,
			Message: "must be non-negative (0 means unbounded)",
		})
	}

	return errors
}

// validateQueue validates the QueueConfig
func (c *Config) validateQueue() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidDrivers(), c.Queue.Driver) {
		errors = append(errors, ValidationError{
			Field:   "queue.driver",
			Value:   c.Queue.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidDrivers(), ", ")),
		})
		return errors
	}

	if c.Queue.Driver == "exec" && strings.TrimSpace(c.Queue.SubmitCommand) == "" {
		errors = append(errors, ValidationError{
			Field:   "queue.submit_command",
			Value:   c.Queue.SubmitCommand,
			Message: "is required by the exec driver",
		})
	}

	commands := []struct {
		field string
		value string
	}{
		{"queue.init_command", c.Queue.InitCommand},
		{"queue.submit_command", c.Queue.SubmitCommand},
	}
	for _, cmd := range commands {
		if cmd.value == "" {
			continue
		}
		if _, err := template.New(cmd.field).Parse(cmd.value); err != nil {
			errors = append(errors, ValidationError{
				Field:   cmd.field,
				Value:   cmd.value,
				Message: fmt.Sprintf("invalid template: %v", err),
			})
		}
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}

// validateMetrics validates the MetricsConfig
func (c *Config) validateMetrics() []ValidationError {
	var errors []ValidationError

	if c.Metrics.ListenAddr == "" {
		return errors
	}
	if _, _, err := net.SplitHostPort(c.Metrics.ListenAddr); err != nil {
		errors = append(errors, ValidationError{
			Field:   "metrics.listen_addr",
			Value:   c.Metrics.ListenAddr,
			Message: "must be host:port",
		})
	}

	return errors
}
