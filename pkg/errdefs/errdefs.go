// Package errdefs defines the error taxonomy shared across the plugin
// runtime. Every failure that crosses a component boundary is one of the
// types below; callers classify with errors.As and the Is* helpers.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FieldError describes a single manifest field violation.
type FieldError struct {
	Field    string `json:"field"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

// ValidationError reports manifest schema or security validation failure.
// It is local to install and never partially applied.
type ValidationError struct {
	PluginID string
	Errors   []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("plugin %s: validation failed", e.PluginID)
	}
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return fmt.Sprintf("plugin %s: validation failed: %s", e.PluginID, strings.Join(parts, "; "))
}

// MissingDependency names a dependency that is not installed and not
// co-requested.
type MissingDependency struct {
	Dependent    string `json:"dependent"`
	Identifier   string `json:"identifier"`
	VersionRange string `json:"version_range"`
}

// UnsatisfiedDependency names a dependency whose installed version does not
// satisfy the requested range.
type UnsatisfiedDependency struct {
	Dependent    string `json:"dependent"`
	Identifier   string `json:"identifier"`
	VersionRange string `json:"version_range"`
	Installed    string `json:"installed"`
}

// ConflictError reports dependency resolution failure with full detail so
// the operator can fix every problem in one pass.
type ConflictError struct {
	PluginID    string
	Missing     []MissingDependency
	Unsatisfied []UnsatisfiedDependency
	Cycle       []string // identifiers along the detected cycle, in order
}

func (e *ConflictError) Error() string {
	var parts []string
	for _, m := range e.Missing {
		parts = append(parts, fmt.Sprintf("%s requires %s %s which is not installed", m.Dependent, m.Identifier, m.VersionRange))
	}
	for _, u := range e.Unsatisfied {
		parts = append(parts, fmt.Sprintf("%s requires %s %s but %s is installed", u.Dependent, u.Identifier, u.VersionRange, u.Installed))
	}
	if len(e.Cycle) > 0 {
		parts = append(parts, fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> ")))
	}
	return fmt.Sprintf("plugin %s: dependency conflict: %s", e.PluginID, strings.Join(parts, "; "))
}

// PermissionDeniedError reports a capability request exceeding the host
// ceiling, or a sandboxed call outside the granted token. Violations lists
// every offending request, not just the first.
type PermissionDeniedError struct {
	PluginID   string
	Violations []string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("plugin %s: permission denied: %s", e.PluginID, strings.Join(e.Violations, "; "))
}

// LifecycleError reports an operation invalid for the plugin's current
// lifecycle state.
type LifecycleError struct {
	PluginID string
	State    string
	Op       string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("plugin %s: cannot %s in state %s", e.PluginID, e.Op, e.State)
}

// ResourceLimitError reports a concurrency or memory ceiling breach.
type ResourceLimitError struct {
	PluginID string
	Resource string // "active-plugins", "memory", "output"
	Limit    int64
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("plugin %s: resource limit exceeded: %s (limit %d)", e.PluginID, e.Resource, e.Limit)
}

// TimeoutError reports a sandboxed call that exceeded its wall-clock budget
// and was forcibly terminated.
type TimeoutError struct {
	PluginID string
	Function string
	Budget   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("plugin %s: %s exceeded execution budget of %s", e.PluginID, e.Function, e.Budget)
}

// ExecutionError carries a fault raised by plugin code during a sandboxed
// call. The message is plugin-provided.
type ExecutionError struct {
	PluginID string
	Function string
	Message  string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("plugin %s: %s failed: %s", e.PluginID, e.Function, e.Message)
}

// ErrNotFound is returned when a plugin record, artifact, or registry entry
// does not exist.
var ErrNotFound = errors.New("not found")

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsPermissionDenied reports whether err is a PermissionDeniedError.
func IsPermissionDenied(err error) bool {
	var e *PermissionDeniedError
	return errors.As(err, &e)
}

// IsLifecycle reports whether err is a LifecycleError.
func IsLifecycle(err error) bool {
	var e *LifecycleError
	return errors.As(err, &e)
}

// IsResourceLimit reports whether err is a ResourceLimitError.
func IsResourceLimit(err error) bool {
	var e *ResourceLimitError
	return errors.As(err, &e)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// IsExecution reports whether err is an ExecutionError.
func IsExecution(err error) bool {
	var e *ExecutionError
	return errors.As(err, &e)
}
