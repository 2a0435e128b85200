package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/usedrescue/runtime"
)

func TestExitErrHandler_NilError(t *testing.T) {
	// Should not panic or exit on nil error
	exitErrHandler(nil, nil)
}

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantMsg  string
		wantCode int
	}{
		{"exit code 0 no message", cli.Exit("", runtime.ExitCodeCompleted), "", 0},
		{"tool failure", cli.Exit("ddrescue failed", runtime.ExitCodeFailure), "ddrescue failed", 1},
		{"invalid input", cli.Exit("must run as root", runtime.ExitCodeInvalidInput), "must run as root", 2},
		{"interrupted", cli.Exit("interrupted in Meta", runtime.ExitCodeInterrupted), "interrupted in Meta", 3},
		{"inconsistent", cli.Exit("not resumable", runtime.ExitCodeInconsistent), "not resumable", 4},
		{"bare code", cli.Exit("", 3), "", 3},
		{"wrapped", fmt.Errorf("outer: %w", cli.Exit("inner", 4)), "inner", 4},
		{"joined", errors.Join(errors.New("context"), cli.Exit("inner error", 42)), "inner error", 42},
		{"regular error", errors.New("boom"), "Error: boom", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, code := exitStatus(tt.err)
			if msg != tt.wantMsg || code != tt.wantCode {
				t.Errorf("exitStatus() = %q, %d, want %q, %d", msg, code, tt.wantMsg, tt.wantCode)
			}
		})
	}
}
