package scans

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrScanRunning       = errors.New("scan is still running")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTimeout indicates the external process exceeded the wall-clock bound
	// and was killed.
	ErrTimeout = errors.New("scan timed out")
)

// ValidationError rejects a request before any scan row is created.
type ValidationError struct {
	Field   string
	Message string
	Plugins []string // offending plugin names, when applicable
}

func (e *ValidationError) Error() string {
	if len(e.Plugins) > 0 {
		return fmt.Sprintf("%s: %s: %s", e.Field, e.Message, strings.Join(e.Plugins, ", "))
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// ConfigError indicates a malformed profile or override string. It is never
// silently swallowed; a bad config fails the request.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }
