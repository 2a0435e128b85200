package runtime

import (
	"context"
	"errors"

	"github.com/pithecene-io/usedrescue/types"
)

// Exit codes of the run command.
const (
	ExitCodeCompleted    = 0 // terminal state reached
	ExitCodeFailure      = 1 // external tool or recovery failure
	ExitCodeInvalidInput = 2 // invalid arguments or validation error
	ExitCodeInterrupted  = 3 // cancelled by a signal
	ExitCodeInconsistent = 4 // probes disagreed on a unique fact
)

// Classify maps the error that ended a run to its outcome.
//
// Mapping:
//   - nil: completed
//   - ErrInterrupted, context cancellation: interrupted
//   - ErrValidation, ErrNotResumable: invalid
//   - ErrInconsistentState: inconsistent
//   - anything else: tool failure
func Classify(err error) *types.RecoveryOutcome {
	switch {
	case err == nil:
		return &types.RecoveryOutcome{
			Status:  types.OutcomeCompleted,
			Message: "recovery completed",
		}
	case errors.Is(err, types.ErrInterrupted), errors.Is(err, context.Canceled):
		return &types.RecoveryOutcome{Status: types.OutcomeInterrupted, Message: err.Error()}
	case errors.Is(err, types.ErrValidation), errors.Is(err, types.ErrNotResumable):
		return &types.RecoveryOutcome{Status: types.OutcomeInvalid, Message: err.Error()}
	case errors.Is(err, types.ErrInconsistentState):
		return &types.RecoveryOutcome{Status: types.OutcomeInconsistent, Message: err.Error()}
	default:
		return &types.RecoveryOutcome{Status: types.OutcomeToolFailure, Message: err.Error()}
	}
}

// ExitCode returns the process exit code for an outcome status.
func ExitCode(status types.OutcomeStatus) int {
	switch status {
	case types.OutcomeCompleted:
		return ExitCodeCompleted
	case types.OutcomeInvalid:
		return ExitCodeInvalidInput
	case types.OutcomeInterrupted:
		return ExitCodeInterrupted
	case types.OutcomeInconsistent:
		return ExitCodeInconsistent
	default:
		return ExitCodeFailure
	}
}
