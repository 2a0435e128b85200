// Package types defines core domain types shared across usedrescue.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for recovery failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrValidation indicates malformed construction input: negative extent
	// parameters, inconsistent state graph wiring, bad arguments.
	// Never recovered.
	ErrValidation = errors.New("validation error")

	// ErrExternalTool indicates a collaborator process exited non-zero.
	ErrExternalTool = errors.New("external tool failure")

	// ErrResourceContention indicates a transient "device busy" condition
	// that survived the bounded retry.
	ErrResourceContention = errors.New("resource contention")

	// ErrInconsistentState indicates two independent probes disagree on a
	// fact that must be unique, e.g. the filesystem type of a region.
	ErrInconsistentState = errors.New("inconsistent state")

	// ErrInterrupted indicates user or signal driven cancellation.
	ErrInterrupted = errors.New("interrupted")

	// ErrNotResumable indicates an imaging log exists but no marker log
	// identifies which phase produced it.
	ErrNotResumable = errors.New("not resumable")
)

// RecoveryError wraps an underlying error with a recovery classification.
type RecoveryError struct {
	// Kind is the sentinel error for classification (e.g., ErrExternalTool).
	Kind error
	// Op is the operation that failed (e.g., "losetup", "ingest").
	Op string
	// Err is the underlying error. May be nil.
	Err error
}

func (e *RecoveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *RecoveryError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *RecoveryError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// NewRecoveryError creates a classified recovery error.
func NewRecoveryError(kind error, op string, err error) *RecoveryError {
	return &RecoveryError{Kind: kind, Op: op, Err: err}
}

// Validationf returns an ErrValidation error for op with a formatted message.
func Validationf(op, format string, args ...any) error {
	return NewRecoveryError(ErrValidation, op, fmt.Errorf(format, args...))
}

// ToolFailure returns an ErrExternalTool error for the named program.
func ToolFailure(program string, exitCode int) error {
	return NewRecoveryError(ErrExternalTool, program, fmt.Errorf("exit status %d", exitCode))
}

// Inconsistentf returns an ErrInconsistentState error for op.
func Inconsistentf(op, format string, args ...any) error {
	return NewRecoveryError(ErrInconsistentState, op, fmt.Errorf(format, args...))
}
