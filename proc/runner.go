package proc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pithecene-io/usedrescue/log"
	"github.com/pithecene-io/usedrescue/types"
)

// Cmd describes one synchronous command.
type Cmd struct {
	Argv []string
	Dir  string
	// Stdin, when set, is fed to the command.
	Stdin io.Reader
	// Stdout, when set, receives stdout instead of Result.Stdout.
	Stdout io.Writer
	// Interactive connects the command to the controlling terminal.
	Interactive bool
}

// Command builds a Cmd from argv.
func Command(argv ...string) Cmd {
	return Cmd{Argv: argv}
}

// Result is the outcome of a synchronous command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes synchronous commands. A non-zero exit is returned as an
// error wrapping types.ErrExternalTool together with the Result.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (*Result, error)
}

// Run is shorthand for r.Run(ctx, Command(argv...)).
func Run(ctx context.Context, r Runner, argv ...string) (*Result, error) {
	return r.Run(ctx, Command(argv...))
}

// waitDelay bounds how long a cancelled command may linger after SIGINT.
const waitDelay = 10 * time.Second

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Logger *log.Logger
}

var _ Runner = ExecRunner{}

// Run implements Runner. Context cancellation sends SIGINT, not SIGKILL.
func (e ExecRunner) Run(ctx context.Context, c Cmd) (*Result, error) {
	if len(c.Argv) == 0 {
		return nil, types.Validationf("proc", "empty command")
	}
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	switch {
	case c.Interactive:
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	default:
		cmd.Stdin = c.Stdin
		cmd.Stdout = &stdout
		if c.Stdout != nil {
			cmd.Stdout = c.Stdout
		}
		cmd.Stderr = &stderr
	}

	e.Logger.Debug("running command", map[string]any{"argv": strings.Join(c.Argv, " ")})
	err := cmd.Run()
	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}

	if ctx.Err() != nil {
		res.ExitCode = exitStatus(err).ExitCode
		return res, types.NewRecoveryError(types.ErrInterrupted, c.Argv[0], ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitStatus(err).ExitCode
		e.Logger.Debug("command failed", map[string]any{
			"argv":      strings.Join(c.Argv, " "),
			"exit_code": res.ExitCode,
			"stderr":    strings.TrimSpace(stderr.String()),
		})
		return res, types.ToolFailure(c.Argv[0], res.ExitCode)
	}
	res.ExitCode = -1
	return res, types.NewRecoveryError(types.ErrExternalTool, c.Argv[0], err)
}

// ExitError converts a non-successful Status into a tool failure.
func ExitError(program string, st Status) error {
	if st.Success() {
		return nil
	}
	return types.ToolFailure(program, st.ExitCode)
}
