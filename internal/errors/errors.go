// Package errors provides centralized error definitions and error handling utilities
// for keyforge. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - SchedulerError: task dispatch, execution, retry, and worker faults
//   - ResourceError: hardware probing
//   - StrategyError: strategy lookup and custom strategy definitions
//   - StoreError: persistence of JSON state documents
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//   - QueueFullError: the global backlog is at capacity
//
// # Usage
//
//	err := errors.NewSchedulerError("task failed", cause).WithTaskID(id).WithAttempt(2)
//	if errors.Is(err, errors.ErrTaskFailed) { ... }
//	if errors.IsRetryable(err) { ... }
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

// Scheduler-related sentinel errors
var (
	// ErrQueueFull indicates that the global backlog is at its configured maximum.
	ErrQueueFull = New("task queue is full")
	// ErrTaskFailed indicates that a task execution failed.
	ErrTaskFailed = New("task failed")
	// ErrWorkerNotFound indicates that a worker could not be found.
	ErrWorkerNotFound = New("worker not found")
	// ErrWorkerCrashed indicates that a worker exited unexpectedly.
	ErrWorkerCrashed = New("worker crashed")
	// ErrCoordinatorStopped indicates that the coordinator is not running.
	ErrCoordinatorStopped = New("coordinator stopped")
	// ErrUnknownPhase indicates that no executor is registered for a phase type.
	ErrUnknownPhase = New("unknown phase type")
)

// Resource-related sentinel errors
var (
	// ErrProbeFailed indicates that a hardware probe could not complete.
	ErrProbeFailed = New("hardware probe failed")
)

// Strategy-related sentinel errors
var (
	// ErrStrategyNotFound indicates that a named strategy does not exist.
	ErrStrategyNotFound = New("strategy not found")
	// ErrNoPhases indicates that a strategy has no runnable phases left.
	ErrNoPhases = New("strategy has no enabled phases")
)

// Store-related sentinel errors
var (
	// ErrStoreCorrupted indicates that a persisted document could not be decoded.
	ErrStoreCorrupted = New("stored document corrupted")
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

// KeyforgeError is the base interface for all keyforge errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type KeyforgeError interface {
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
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
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

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// SchedulerError represents errors raised while dispatching or executing tasks.
//
// Example:
//
//	err := errors.NewSchedulerError("execution failed", cause).WithTaskID("t-1").WithWorkerID("worker-2")
//	fmt.Println(err) // "scheduler error [task=t-1, worker=worker-2]: execution failed: ..."
type SchedulerError struct {
	baseError
	TaskID   string
	WorkerID string
	Phase    string
	Attempt  int
}

// NewSchedulerError creates a new SchedulerError. Scheduler errors are
// retryable by default since most task failures are transient.
func NewSchedulerError(message string, cause error) *SchedulerError {
	return &SchedulerError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: true,
		},
	}
}

// WithTaskID adds a task ID to the error context.
func (e *SchedulerError) WithTaskID(id string) *SchedulerError {
	e.TaskID = id
	return e
}

// WithWorkerID adds a worker ID to the error context.
func (e *SchedulerError) WithWorkerID(id string) *SchedulerError {
	e.WorkerID = id
	return e
}

// WithPhase adds the phase type to the error context.
func (e *SchedulerError) WithPhase(phase string) *SchedulerError {
	e.Phase = phase
	return e
}

// WithAttempt records which attempt produced the error.
func (e *SchedulerError) WithAttempt(n int) *SchedulerError {
	e.Attempt = n
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *SchedulerError) WithRetryable(r bool) *SchedulerError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *SchedulerError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.WorkerID != "" {
		parts = append(parts, fmt.Sprintf("worker=%s", e.WorkerID))
	}
	if e.Phase != "" {
		parts = append(parts, fmt.Sprintf("phase=%s", e.Phase))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	return e.format("scheduler error", parts)
}

// Is checks if this error matches the target.
func (e *SchedulerError) Is(target error) bool {
	if _, ok := target.(*SchedulerError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ResourceError represents errors from hardware probing.
// Probe errors are logged and degraded to defaults, so they are created with
// warning severity.
type ResourceError struct {
	baseError
	Probe string
}

// NewResourceError creates a new ResourceError.
func NewResourceError(message string, cause error) *ResourceError {
	return &ResourceError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityWarning,
			retryable: false,
		},
	}
}

// WithProbe names the probe that failed (e.g. "gpu", "numa").
func (e *ResourceError) WithProbe(probe string) *ResourceError {
	e.Probe = probe
	return e
}

// Error returns the formatted error message.
func (e *ResourceError) Error() string {
	var parts []string
	if e.Probe != "" {
		parts = append(parts, fmt.Sprintf("probe=%s", e.Probe))
	}
	return e.format("resource error", parts)
}

// Is checks if this error matches the target.
func (e *ResourceError) Is(target error) bool {
	if _, ok := target.(*ResourceError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StrategyError represents errors from strategy selection and definition.
type StrategyError struct {
	baseError
	Strategy string
	Phase    string
}

// NewStrategyError creates a new StrategyError.
func NewStrategyError(message string, cause error) *StrategyError {
	return &StrategyError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: false,
		},
	}
}

// WithStrategy adds the strategy name to the error context.
func (e *StrategyError) WithStrategy(name string) *StrategyError {
	e.Strategy = name
	return e
}

// WithPhase adds the phase name to the error context.
func (e *StrategyError) WithPhase(phase string) *StrategyError {
	e.Phase = phase
	return e
}

// Error returns the formatted error message.
func (e *StrategyError) Error() string {
	var parts []string
	if e.Strategy != "" {
		parts = append(parts, fmt.Sprintf("strategy=%s", e.Strategy))
	}
	if e.Phase != "" {
		parts = append(parts, fmt.Sprintf("phase=%s", e.Phase))
	}
	return e.format("strategy error", parts)
}

// Is checks if this error matches the target.
func (e *StrategyError) Is(target error) bool {
	if _, ok := target.(*StrategyError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StoreError represents errors reading or writing persisted documents.
type StoreError struct {
	baseError
	Key  string
	Path string
}

// NewStoreError creates a new StoreError.
func NewStoreError(message string, cause error) *StoreError {
	return &StoreError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityWarning,
			retryable: true,
		},
	}
}

// WithKey adds the document key to the error context.
func (e *StoreError) WithKey(key string) *StoreError {
	e.Key = key
	return e
}

// WithPath adds the file path to the error context.
func (e *StoreError) WithPath(path string) *StoreError {
	e.Path = path
	return e
}

// Error returns the formatted error message.
func (e *StoreError) Error() string {
	var parts []string
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("key=%s", e.Key))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	return e.format("store error", parts)
}

// Is checks if this error matches the target.
func (e *StoreError) Is(target error) bool {
	if _, ok := target.(*StoreError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError indicates that a requested resource does not exist.
type NotFoundError struct {
	ResourceType string
	ResourceID   string
	cause        error
}

// NewNotFoundError creates a NotFoundError for the given resource.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{ResourceType: resourceType, ResourceID: resourceID}
}

// WithCause attaches an underlying cause, typically a sentinel.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.ResourceType, e.ResourceID)
}

// Unwrap returns the underlying cause.
func (e *NotFoundError) Unwrap() error { return e.cause }

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.cause != nil && errors.Is(e.cause, target)
}

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
	Field   string
	Value   any
	cause   error
}

// NewValidationError creates a ValidationError with the given message.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// WithField names the invalid field.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue records the offending value.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause attaches an underlying cause.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("validation error")
	if e.Field != "" {
		sb.WriteString(fmt.Sprintf(" [%s]", e.Field))
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Value != nil {
		sb.WriteString(fmt.Sprintf(" (got: %v)", e.Value))
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *ValidationError) Unwrap() error { return e.cause }

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.cause != nil && errors.Is(e.cause, target)
}

// TimeoutError indicates that an operation exceeded its deadline.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
	cause     error
	retryable bool
}

// NewTimeoutError creates a TimeoutError. Timeouts are retryable by default.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, Duration: duration, retryable: true}
}

// WithCause attaches an underlying cause.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// WithRetryable sets whether the timeout should be retried.
func (e *TimeoutError) WithRetryable(r bool) *TimeoutError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause.
func (e *TimeoutError) Unwrap() error { return e.cause }

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.cause != nil && errors.Is(e.cause, target)
}

// IsRetryable returns whether the timeout should be retried.
func (e *TimeoutError) IsRetryable() bool { return e.retryable }

// QueueFullError is returned by Submit when the backlog is at capacity.
type QueueFullError struct {
	Size    int
	MaxSize int
}

// NewQueueFullError creates a QueueFullError.
func NewQueueFullError(size, maxSize int) *QueueFullError {
	return &QueueFullError{Size: size, MaxSize: maxSize}
}

// Error returns the formatted error message.
func (e *QueueFullError) Error() string {
	return fmt.Sprintf("task queue is full (%d/%d)", e.Size, e.MaxSize)
}

// Is matches ErrQueueFull and other QueueFullErrors.
func (e *QueueFullError) Is(target error) bool {
	if _, ok := target.(*QueueFullError); ok {
		return true
	}
	return target == ErrQueueFull
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing KeyforgeError with IsRetryable() returning true
//   - TimeoutError instances
//   - Errors wrapping ErrTimeout
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var kfErr KeyforgeError
	if As(err, &kfErr) {
		return kfErr.IsRetryable()
	}

	var timeout *TimeoutError
	if As(err, &timeout) {
		return timeout.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement KeyforgeError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var kfErr KeyforgeError
	if As(err, &kfErr) {
		return kfErr.Severity()
	}

	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
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
