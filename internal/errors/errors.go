// Package errors provides centralized error definitions and error handling utilities
// for replex. It defines sentinel errors for every failure the coordinator can
// surface, domain error types that carry the context an operator needs (the
// failing stage, replica or swap), and classification helpers.
//
// # Error Types
//
// Domain-specific errors:
//   - StageError: a collaborator call failed during a named coordinator stage
//     ("initialization", "submission")
//   - SnapshotError: a replica snapshot could not be read or written
//   - SwapError: a swap attempt could not be applied
//
// # Usage
//
//	err := errors.NewStageError(errors.StageSubmission, errors.ErrSubmission, cause)
//	if errors.Is(err, errors.ErrSubmission) { ... }
//
//	var stageErr *errors.StageError
//	if errors.As(err, &stageErr) {
//	    fmt.Println(stageErr.Stage)
//	}
//
// # Error Classification
//
// Every error carries a severity and a retryable flag. Fatal errors abort the
// current coordinator invocation; the persisted state stays at the last
// completed step so a restart resumes cleanly.
package errors

import (
	"errors"
	"fmt"
	"strings"
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
	// SeverityWarning is for errors that leave the run recoverable in-process.
	SeverityWarning Severity = iota
	// SeverityError is for errors that abort the current invocation.
	SeverityError
	// SeverityCritical is for errors that may have left external files inconsistent.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
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

// Ladder and registry errors
var (
	// ErrInsufficientReplicas indicates the ladder has fewer than two rungs.
	ErrInsufficientReplicas = New("insufficient replicas to form a swap pair")
	// ErrJobNotFound indicates a job directory or document does not exist.
	ErrJobNotFound = New("job not found")
	// ErrDocumentCorrupted indicates a job statepoint or document failed schema validation.
	ErrDocumentCorrupted = New("job document corrupted")
)

// Swap errors
var (
	// ErrSnapshotUnavailable indicates a replica snapshot could not be read.
	ErrSnapshotUnavailable = New("snapshot unavailable")
	// ErrSnapshotMismatch indicates two snapshots cannot exchange positions.
	ErrSnapshotMismatch = New("snapshot particle counts differ")
	// ErrSnapshotWrite indicates a staged snapshot could not be committed.
	ErrSnapshotWrite = New("snapshot write failed")
)

// Collaborator errors
var (
	// ErrInitialization indicates the external initialization collaborator failed.
	ErrInitialization = New("initialization failed")
	// ErrSubmission indicates the job queue refused a submission.
	ErrSubmission = New("submission failed")
)

// Coordinator errors
var (
	// ErrPollTimeout indicates the configured number of poll rounds passed without
	// every replica reporting done.
	ErrPollTimeout = New("replicas not done after maximum poll rounds")
	// ErrStateCorrupted indicates the persisted coordinator state violates its invariants.
	ErrStateCorrupted = New("coordinator state corrupted")
	// ErrCoordinatorLocked indicates another coordinator owns the state directory.
	ErrCoordinatorLocked = New("coordinator state is locked by another process")
)

// General sentinel errors
var (
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// Stage names used by StageError.
const (
	StageInitialization = "initialization"
	StageSubmission     = "submission"
	StagePoll           = "poll"
	StageSwap           = "swap"
	StageFinalize       = "finalize"
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	kind      error // sentinel this error classifies as
	cause     error
	severity  Severity
	retryable bool
}

// Unwrap returns the sentinel and the underlying cause.
func (e *baseError) Unwrap() []error {
	var errs []error
	if e.kind != nil {
		errs = append(errs, e.kind)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

func (e *baseError) format(prefix string, parts []string) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	msg := e.message
	if msg == "" && e.kind != nil {
		msg = e.kind.Error()
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// StageError reports a collaborator failure during a named coordinator stage.
//
// Example:
//
//	err := errors.NewStageError(errors.StageSubmission, errors.ErrSubmission, cause)
//	fmt.Println(err) // "coordinator error [stage=submission]: submission failed: exit status 1"
type StageError struct {
	baseError
	Stage   string
	Attempt int
}

// NewStageError creates a StageError classified as kind.
func NewStageError(stage string, kind, cause error) *StageError {
	return &StageError{
		baseError: baseError{
			kind:     kind,
			cause:    cause,
			severity: SeverityError,
		},
		Stage:   stage,
		Attempt: -1,
	}
}

// WithAttempt adds the attempt index to the error context.
func (e *StageError) WithAttempt(attempt int) *StageError {
	e.Attempt = attempt
	return e
}

// WithMessage overrides the message taken from the sentinel.
func (e *StageError) WithMessage(msg string) *StageError {
	e.message = msg
	return e
}

// Error returns the formatted error message.
func (e *StageError) Error() string {
	var parts []string
	if e.Stage != "" {
		parts = append(parts, "stage="+e.Stage)
	}
	if e.Attempt >= 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	return e.format("coordinator error", parts)
}

// SnapshotError reports a failure touching one replica's snapshot file.
type SnapshotError struct {
	baseError
	ReplicaID string
	Path      string
}

// NewSnapshotError creates a SnapshotError classified as kind.
func NewSnapshotError(replicaID string, kind, cause error) *SnapshotError {
	return &SnapshotError{
		baseError: baseError{
			kind:     kind,
			cause:    cause,
			severity: SeverityError,
		},
		ReplicaID: replicaID,
	}
}

// WithPath adds the snapshot path to the error context.
func (e *SnapshotError) WithPath(path string) *SnapshotError {
	e.Path = path
	return e
}

// WithSeverity sets the error severity.
func (e *SnapshotError) WithSeverity(s Severity) *SnapshotError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *SnapshotError) Error() string {
	var parts []string
	if e.ReplicaID != "" {
		parts = append(parts, "replica="+e.ReplicaID)
	}
	if e.Path != "" {
		parts = append(parts, "path="+e.Path)
	}
	return e.format("snapshot error", parts)
}

// SwapError reports a swap that could not be applied for an attempt.
type SwapError struct {
	baseError
	Attempt int
	I, J    int
}

// NewSwapError creates a SwapError for the ladder pair (i, j).
func NewSwapError(attempt, i, j int, cause error) *SwapError {
	return &SwapError{
		baseError: baseError{
			message:  "swap aborted",
			cause:    cause,
			severity: GetSeverity(cause),
		},
		Attempt: attempt,
		I:       i,
		J:       j,
	}
}

// Error returns the formatted error message.
func (e *SwapError) Error() string {
	return e.format("swap error", []string{
		fmt.Sprintf("attempt=%d", e.Attempt),
		fmt.Sprintf("pair=%d<->%d", e.I, e.J),
	})
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

type classified interface {
	Severity() Severity
	IsRetryable() bool
}

// GetSeverity returns the severity of err. Errors that do not carry a
// severity are treated as SeverityError.
func GetSeverity(err error) Severity {
	var c classified
	if As(err, &c) {
		return c.Severity()
	}
	return SeverityError
}

// IsRetryable reports whether err is marked transient.
func IsRetryable(err error) bool {
	var c classified
	if As(err, &c) {
		return c.IsRetryable()
	}
	return false
}

// IsFatal reports whether err must abort the current coordinator invocation.
// Cancellation is not fatal; it is an operator request.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrCanceled) {
		return false
	}
	return GetSeverity(err) >= SeverityError
}
