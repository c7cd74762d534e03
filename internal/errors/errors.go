// Package errors provides centralized error definitions and error handling utilities
// for relay. It defines the orchestration error taxonomy, sentinel errors,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Task-level errors are recorded on the task and absorbed by retry logic:
//   - SpawnError: the worker process could not be launched
//   - WorkerFailure: the worker ran but ended without success evidence
//   - TimeoutError: the worker exceeded its time budget (a kind of WorkerFailure)
//
// Orchestration errors halt or reject an operation:
//   - StepFailure: a pipeline child failed permanently; the pipeline halts
//   - ConfigError: an invalid pipeline or pool configuration
//   - NotFoundError: a task (or other resource) does not exist
//   - AlreadyExistsError: a record with the same id already exists
//   - InvalidStateError: the operation is forbidden in the task's current state
//
// # Usage
//
//	err := errors.NewSpawnError("exec", cause).WithTaskID("task-1")
//	if errors.IsRetryable(err) { ... }
//
//	var invalid *errors.InvalidStateError
//	if errors.As(err, &invalid) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Task-related sentinel errors
var (
	// ErrTaskNotFound indicates that a task could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrDuplicateID indicates that a record with the same id already exists.
	ErrDuplicateID = New("duplicate id")
	// ErrInvalidTransition indicates a forbidden state machine transition.
	ErrInvalidTransition = New("invalid status transition")
	// ErrTaskTerminal indicates the task already reached a terminal state.
	ErrTaskTerminal = New("task is terminal")
)

// Worker-related sentinel errors
var (
	// ErrSpawnFailed indicates the worker process could not be launched.
	ErrSpawnFailed = New("worker spawn failed")
	// ErrWorkerTerminated indicates the worker exited without success evidence.
	ErrWorkerTerminated = New("worker process terminated unexpectedly")
	// ErrWorkerReported indicates the worker declared failure itself.
	ErrWorkerReported = New("worker reported failure")
)

// Orchestration sentinel errors
var (
	// ErrInvalidConfig indicates an invalid pipeline or pool configuration.
	ErrInvalidConfig = New("invalid configuration")
	// ErrStepFailed indicates a pipeline step failed.
	ErrStepFailed = New("pipeline step failed")
	// ErrContextCorrupted indicates the coordination document could not be parsed.
	ErrContextCorrupted = New("coordination document corrupted")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// RelayError is the base interface for all relay errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type RelayError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// formatWithContext renders "<prefix> [k=v, ...]: message: cause".
func formatWithContext(prefix string, parts []string, message string, cause error) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Task-Level Errors
// -----------------------------------------------------------------------------

// SpawnError represents a failure to launch a worker process. It is distinct
// from a worker that launched and later failed.
//
// Example:
//
//	err := errors.NewSpawnError("exec", cause).WithTaskID("task-1")
//	fmt.Println(err) // "spawn error [task=task-1, backend=exec]: worker spawn failed: ..."
type SpawnError struct {
	baseError
	TaskID  string
	Backend string
}

// NewSpawnError creates a new SpawnError for the given spawn backend.
func NewSpawnError(backend string, cause error) *SpawnError {
	return &SpawnError{
		baseError: baseError{
			message:    ErrSpawnFailed.Error(),
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
		Backend: backend,
	}
}

// WithTaskID adds a task ID to the error context.
func (e *SpawnError) WithTaskID(id string) *SpawnError {
	e.TaskID = id
	return e
}

// Error returns the formatted error message.
func (e *SpawnError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.Backend != "" {
		parts = append(parts, fmt.Sprintf("backend=%s", e.Backend))
	}
	return formatWithContext("spawn error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *SpawnError) Is(target error) bool {
	if _, ok := target.(*SpawnError); ok {
		return true
	}
	if target == ErrSpawnFailed {
		return true
	}
	return e.baseError.Is(target)
}

// WorkerFailure represents a worker that ran but ended without success
// evidence, or that explicitly reported failure.
type WorkerFailure struct {
	baseError
	TaskID string
}

// NewWorkerFailure creates a new WorkerFailure with the given reason.
func NewWorkerFailure(reason string, cause error) *WorkerFailure {
	return &WorkerFailure{
		baseError: baseError{
			message:    reason,
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
	}
}

// WithTaskID adds a task ID to the error context.
func (e *WorkerFailure) WithTaskID(id string) *WorkerFailure {
	e.TaskID = id
	return e
}

// Error returns the reason, followed by the cause when one is set. The task
// id is deliberately left out so the message can be stored on the task as is.
func (e *WorkerFailure) Error() string {
	return e.baseError.Error()
}

// Is checks if this error matches the target.
func (e *WorkerFailure) Is(target error) bool {
	if _, ok := target.(*WorkerFailure); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out. A worker timeout is
// treated like a WorkerFailure by the retry policy.
//
// Example:
//
//	err := errors.NewTimeoutError("worker run", 30*time.Minute)
//	fmt.Println(err) // "timeout error: worker run (timeout: 30m0s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true, // Timeouts are generally retryable
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Orchestration Errors
// -----------------------------------------------------------------------------

// StepFailure represents a pipeline step whose child task failed permanently.
// Step failures are never retried as a whole.
type StepFailure struct {
	baseError
	PipelineID string
	StepID     string
	TaskID     string
}

// NewStepFailure creates a new StepFailure.
func NewStepFailure(pipelineID, stepID string, cause error) *StepFailure {
	return &StepFailure{
		baseError: baseError{
			message:    ErrStepFailed.Error(),
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
		PipelineID: pipelineID,
		StepID:     stepID,
	}
}

// WithTaskID records the child task that caused the failure.
func (e *StepFailure) WithTaskID(id string) *StepFailure {
	e.TaskID = id
	return e
}

// Error returns the formatted error message.
func (e *StepFailure) Error() string {
	var parts []string
	if e.PipelineID != "" {
		parts = append(parts, fmt.Sprintf("pipeline=%s", e.PipelineID))
	}
	if e.StepID != "" {
		parts = append(parts, fmt.Sprintf("step=%s", e.StepID))
	}
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	return formatWithContext("step failure", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *StepFailure) Is(target error) bool {
	if _, ok := target.(*StepFailure); ok {
		return true
	}
	if target == ErrStepFailed {
		return true
	}
	return e.baseError.Is(target)
}

// ConfigError represents an invalid pipeline, pool or runtime configuration.
// Config errors fail fast and are never retried.
//
// Example:
//
//	err := errors.NewConfigError("step count must be at least 1").WithField("steps[0].count").WithValue(0)
type ConfigError struct {
	baseError
	Field string
	Value any
}

// NewConfigError creates a new ConfigError.
func NewConfigError(message string) *ConfigError {
	return &ConfigError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ConfigError) WithField(field string) *ConfigError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ConfigError) WithValue(value any) *ConfigError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ConfigError) WithCause(cause error) *ConfigError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ConfigError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatWithContext("config error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ConfigError) Is(target error) bool {
	if _, ok := target.(*ConfigError); ok {
		return true
	}
	if target == ErrInvalidConfig || target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("task", "abc123")
//	fmt.Println(err) // "task 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	if target == ErrTaskNotFound && e.ResourceType == "task" {
		return true
	}
	return e.baseError.Is(target)
}

// AlreadyExistsError represents a record that already exists.
type AlreadyExistsError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(resourceType, resourceID string) *AlreadyExistsError {
	return &AlreadyExistsError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' already exists", resourceType, resourceID),
			severity:   SeverityError,
			retryable:  false,
			userFacing: false,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// Error returns the formatted error message.
func (e *AlreadyExistsError) Error() string {
	return e.message
}

// Is checks if this error matches the target.
func (e *AlreadyExistsError) Is(target error) bool {
	if _, ok := target.(*AlreadyExistsError); ok {
		return true
	}
	if target == ErrDuplicateID {
		return true
	}
	return e.baseError.Is(target)
}

// InvalidStateError represents an operation that is forbidden in the
// current state of a task. The task is left unchanged.
//
// Example:
//
//	err := errors.NewInvalidStateError("task-1", "completed", "cancel")
//	fmt.Println(err) // "invalid state [task=task-1]: cannot cancel task in status completed"
type InvalidStateError struct {
	baseError
	TaskID    string
	State     string
	Operation string
}

// NewInvalidStateError creates a new InvalidStateError.
func NewInvalidStateError(taskID, state, operation string) *InvalidStateError {
	return &InvalidStateError{
		baseError: baseError{
			message:    fmt.Sprintf("cannot %s task in status %s", operation, state),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		TaskID:    taskID,
		State:     state,
		Operation: operation,
	}
}

// Error returns the formatted error message.
func (e *InvalidStateError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	return formatWithContext("invalid state", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *InvalidStateError) Is(target error) bool {
	if _, ok := target.(*InvalidStateError); ok {
		return true
	}
	if target == ErrInvalidTransition {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error is transient and the operation may
// succeed on retry. Spawn failures, worker failures and timeouts are
// retryable; configuration and state errors never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var relayErr RelayError
	if As(err, &relayErr) {
		return relayErr.IsRetryable()
	}
	return false
}

// IsUserFacing returns true if the error message is safe to display to users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var relayErr RelayError
	if As(err, &relayErr) {
		return relayErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement RelayError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var relayErr RelayError
	if As(err, &relayErr) {
		return relayErr.Severity()
	}
	return SeverityError
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return As(err, &nf)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var is *InvalidStateError
	return As(err, &is)
}

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return As(err, &ce)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to load task store")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
