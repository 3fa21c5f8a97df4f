// Package errors provides centralized error definitions and error handling utilities
// for the troupe orchestration core. It defines the orchestration error taxonomy,
// typed errors carrying role context, and error classification helpers.
//
// # Error Types
//
// Orchestration errors map one-to-one onto the conditions the core reports:
//   - TransitionError: a requested phase edge is absent from the transition table
//   - GuardError: a legal edge whose named guard does not hold
//   - CycleError: a cycle in the dependency graph
//   - DependencyError: a dependency edge that names an unknown role
//   - UnavailableError: a worker whose heartbeat was lost
//   - DeliverableError: a deliverable that failed format or presence checks
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewGuardError("business_analyst", "start_ready", "waiting for product_owner")
//
// Checking errors:
//
//	// Sentinel matching works for every typed error
//	if errors.Is(err, errors.ErrGuardNotSatisfied) { ... }
//
//	// Extract the typed error for its context
//	var guardErr *errors.GuardError
//	if errors.As(err, &guardErr) {
//	    fmt.Println(guardErr.Reason)
//	}
//
// # Error Classification
//
// Errors can be classified by severity and behavior:
//   - Retryable: transient errors that may succeed on retry
//   - UserFacing: errors safe to display to operators (vs internal errors)
//   - Severity: Debug, Info, Warning, Error, Critical
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

// Orchestration taxonomy sentinel errors
var (
	// ErrInvalidTransition indicates a phase edge absent from the transition table.
	ErrInvalidTransition = New("invalid transition")
	// ErrGuardNotSatisfied indicates a legal edge whose guard does not hold.
	ErrGuardNotSatisfied = New("guard not satisfied")
	// ErrCircularDependency indicates a cycle in the dependency graph.
	ErrCircularDependency = New("circular dependency")
	// ErrDependencyNotFound indicates a dependency edge that references an unknown role.
	ErrDependencyNotFound = New("dependency not found")
	// ErrRoleUnavailable indicates a worker whose heartbeat was lost.
	ErrRoleUnavailable = New("role unavailable")
	// ErrDeliverableFormatInvalid indicates a deliverable that failed format checks.
	ErrDeliverableFormatInvalid = New("deliverable format invalid")
	// ErrPipelineHalted indicates that a quality-gate failure halted all transitions.
	ErrPipelineHalted = New("pipeline halted")
)

// Lookup sentinel errors
var (
	// ErrRoleNotFound indicates that a role is not in the registry.
	ErrRoleNotFound = New("role not found")
	// ErrDecisionNotFound indicates that a pending decision could not be found.
	ErrDecisionNotFound = New("decision not found")
	// ErrOptionNotFound indicates that a decision option does not exist.
	ErrOptionNotFound = New("decision option not found")
	// ErrUnknownEventType indicates an event type the core does not accept.
	ErrUnknownEventType = New("unknown event type")
	// ErrCheckpointNotFound indicates that a named checkpoint does not exist.
	ErrCheckpointNotFound = New("checkpoint not found")
)

// Worker-related sentinel errors
var (
	// ErrWorkerAlreadyRunning indicates that a worker for the role is already running.
	ErrWorkerAlreadyRunning = New("worker already running")
	// ErrWorkerNotRunning indicates that no worker for the role is running.
	ErrWorkerNotRunning = New("worker not running")
	// ErrWorkerStartFailed indicates that a worker process failed to start.
	ErrWorkerStartFailed = New("worker failed to start")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrStateLocked indicates that another core is running on the state directory.
	ErrStateLocked = New("state directory is locked by another core")
	// ErrRoleArchived indicates an event for a role archived at project closure.
	ErrRoleArchived = New("role archived")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// TroupeError is the base interface for all orchestration errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type TroupeError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	// This is used by errors.Is() for error comparison.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to operators.
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

// IsUserFacing returns whether the error is safe to show operators.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
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
// Orchestration Errors
// -----------------------------------------------------------------------------

// TransitionError reports a requested phase edge that the transition table
// does not contain. The role's state is never changed when this is returned.
//
// Example:
//
//	err := errors.NewTransitionError("qa_engineer", "planning", "completed")
//	fmt.Println(err) // "transition error [role=qa_engineer, from=planning, to=completed]: invalid transition"
type TransitionError struct {
	baseError
	RoleID string
	From   string
	To     string
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(roleID, from, to string) *TransitionError {
	return &TransitionError{
		baseError: baseError{
			message:    ErrInvalidTransition.Error(),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		RoleID: roleID,
		From:   from,
		To:     to,
	}
}

// Error returns the formatted error message.
func (e *TransitionError) Error() string {
	var parts []string
	if e.RoleID != "" {
		parts = append(parts, fmt.Sprintf("role=%s", e.RoleID))
	}
	parts = append(parts, fmt.Sprintf("from=%s", e.From), fmt.Sprintf("to=%s", e.To))
	return e.format("transition error", parts)
}

// Is checks if this error matches the target.
func (e *TransitionError) Is(target error) bool {
	if _, ok := target.(*TransitionError); ok {
		return true
	}
	if target == ErrInvalidTransition {
		return true
	}
	return e.baseError.Is(target)
}

// GuardError reports a legal transition whose named guard evaluated false.
// Reason tells the caller which condition must be resolved.
//
// Example:
//
//	err := errors.NewGuardError("business_analyst", "start_ready", "dependencies not met: product_owner")
type GuardError struct {
	baseError
	RoleID string
	Guard  string
	Reason string
}

// NewGuardError creates a new GuardError.
func NewGuardError(roleID, guard, reason string) *GuardError {
	return &GuardError{
		baseError: baseError{
			message:    reason,
			severity:   SeverityInfo,
			retryable:  false,
			userFacing: true,
		},
		RoleID: roleID,
		Guard:  guard,
		Reason: reason,
	}
}

// Error returns the formatted error message.
func (e *GuardError) Error() string {
	var parts []string
	if e.RoleID != "" {
		parts = append(parts, fmt.Sprintf("role=%s", e.RoleID))
	}
	if e.Guard != "" {
		parts = append(parts, fmt.Sprintf("guard=%s", e.Guard))
	}
	return e.format("guard not satisfied", parts)
}

// Is checks if this error matches the target.
func (e *GuardError) Is(target error) bool {
	if _, ok := target.(*GuardError); ok {
		return true
	}
	if target == ErrGuardNotSatisfied {
		return true
	}
	return e.baseError.Is(target)
}

// CycleError reports the participants of a dependency cycle.
type CycleError struct {
	baseError
	RoleIDs []string
}

// NewCycleError creates a new CycleError.
func NewCycleError(roleIDs []string) *CycleError {
	ids := make([]string, len(roleIDs))
	copy(ids, roleIDs)
	return &CycleError{
		baseError: baseError{
			message:    strings.Join(ids, " -> "),
			severity:   SeverityCritical,
			retryable:  false,
			userFacing: true,
		},
		RoleIDs: ids,
	}
}

// Error returns the formatted error message.
func (e *CycleError) Error() string {
	return e.format("circular dependency", nil)
}

// Is checks if this error matches the target.
func (e *CycleError) Is(target error) bool {
	if _, ok := target.(*CycleError); ok {
		return true
	}
	if target == ErrCircularDependency {
		return true
	}
	return e.baseError.Is(target)
}

// DependencyError reports a dependency edge naming a role that is not in the
// registry. It is fatal at registry load.
type DependencyError struct {
	baseError
	RoleID     string
	Dependency string
}

// NewDependencyError creates a new DependencyError.
func NewDependencyError(roleID, dependency string) *DependencyError {
	return &DependencyError{
		baseError: baseError{
			message:    fmt.Sprintf("%s depends on unknown role %q", roleID, dependency),
			severity:   SeverityCritical,
			retryable:  false,
			userFacing: true,
		},
		RoleID:     roleID,
		Dependency: dependency,
	}
}

// Error returns the formatted error message.
func (e *DependencyError) Error() string {
	return e.format("dependency not found", []string{fmt.Sprintf("role=%s", e.RoleID)})
}

// Is checks if this error matches the target.
func (e *DependencyError) Is(target error) bool {
	if _, ok := target.(*DependencyError); ok {
		return true
	}
	if target == ErrDependencyNotFound {
		return true
	}
	return e.baseError.Is(target)
}

// UnavailableError reports a role whose worker stopped sending heartbeats.
//
// Example:
//
//	err := errors.NewUnavailableError("backend_developer", lastSeen).WithWorkerID("w-42")
type UnavailableError struct {
	baseError
	RoleID        string
	WorkerID      string
	LastHeartbeat time.Time
}

// NewUnavailableError creates a new UnavailableError.
func NewUnavailableError(roleID string, lastHeartbeat time.Time) *UnavailableError {
	return &UnavailableError{
		baseError: baseError{
			message:    "heartbeat lost",
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
		RoleID:        roleID,
		LastHeartbeat: lastHeartbeat,
	}
}

// WithWorkerID adds the worker handle to the error context.
func (e *UnavailableError) WithWorkerID(id string) *UnavailableError {
	e.WorkerID = id
	return e
}

// WithCause adds a cause to the error.
func (e *UnavailableError) WithCause(cause error) *UnavailableError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *UnavailableError) Error() string {
	parts := []string{fmt.Sprintf("role=%s", e.RoleID)}
	if e.WorkerID != "" {
		parts = append(parts, fmt.Sprintf("worker=%s", e.WorkerID))
	}
	if !e.LastHeartbeat.IsZero() {
		parts = append(parts, fmt.Sprintf("last_heartbeat=%s", e.LastHeartbeat.UTC().Format(time.RFC3339)))
	}
	return e.format("role unavailable", parts)
}

// Is checks if this error matches the target.
func (e *UnavailableError) Is(target error) bool {
	if _, ok := target.(*UnavailableError); ok {
		return true
	}
	if target == ErrRoleUnavailable {
		return true
	}
	return e.baseError.Is(target)
}

// DeliverableError reports a deliverable that failed format or presence checks.
// It is routed back to the producer and reviewers and never blocks other roles.
type DeliverableError struct {
	baseError
	RoleID      string
	Deliverable string
}

// NewDeliverableError creates a new DeliverableError.
func NewDeliverableError(roleID, deliverable, message string) *DeliverableError {
	return &DeliverableError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		RoleID:      roleID,
		Deliverable: deliverable,
	}
}

// Error returns the formatted error message.
func (e *DeliverableError) Error() string {
	parts := []string{fmt.Sprintf("role=%s", e.RoleID)}
	if e.Deliverable != "" {
		parts = append(parts, fmt.Sprintf("deliverable=%s", e.Deliverable))
	}
	return e.format("deliverable format invalid", parts)
}

// Is checks if this error matches the target.
func (e *DeliverableError) Is(target error) bool {
	if _, ok := target.(*DeliverableError); ok {
		return true
	}
	if target == ErrDeliverableFormatInvalid {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("role", "qa_engineer").WithCause(errors.ErrRoleNotFound)
//	fmt.Println(err) // "role 'qa_engineer' not found: role not found"
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
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("role id cannot be empty").WithField("role_id")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.format("validation error", parts)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. Transition and guard failures are never retryable:
// the caller must change the world before asking again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var troupeErr TroupeError
	if As(err, &troupeErr) {
		return troupeErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message is safe to display to operators.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var troupeErr TroupeError
	if As(err, &troupeErr) {
		return troupeErr.IsUserFacing()
	}

	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement TroupeError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var troupeErr TroupeError
	if As(err, &troupeErr) {
		return troupeErr.Severity()
	}

	return SeverityError
}

// IsRejection reports whether err is a synchronous rejection of a request
// (invalid transition, unsatisfied guard, or halted pipeline) as opposed to a
// failure of the core itself.
func IsRejection(err error) bool {
	return Is(err, ErrInvalidTransition) || Is(err, ErrGuardNotSatisfied) || Is(err, ErrPipelineHalted)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike fmt.Errorf with %w, this returns nil for a nil error.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to persist role state")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
//
// Example:
//
//	err := errors.Wrapf(baseErr, "failed to load role %s", roleID)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
