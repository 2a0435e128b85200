// Package proctest provides a scripted proc.Runner for tests.
package proctest

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/pithecene-io/usedrescue/proc"
	"github.com/pithecene-io/usedrescue/types"
)

// Response is the scripted outcome of one command.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Err, when set, is returned as-is instead of an exit code failure.
	Err error
}

// Runner records commands and answers them from a script.
//
// Responses are matched by the longest key that prefixes the command line
// (argv joined by spaces). Handler, when set, takes precedence. Unmatched
// commands succeed with no output.
type Runner struct {
	Responses map[string]Response
	Handler   func(c proc.Cmd) (Response, bool)

	mu    sync.Mutex
	calls []proc.Cmd
}

var _ proc.Runner = (*Runner)(nil)

// Run implements proc.Runner.
func (r *Runner) Run(ctx context.Context, c proc.Cmd) (*proc.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewRecoveryError(types.ErrInterrupted, c.Argv[0], err)
	}
	r.mu.Lock()
	r.calls = append(r.calls, c)
	resp := r.lookup(c)
	r.mu.Unlock()

	res := &proc.Result{Stdout: []byte(resp.Stdout), Stderr: []byte(resp.Stderr), ExitCode: resp.ExitCode}
	if c.Stdout != nil {
		if _, err := io.WriteString(c.Stdout, resp.Stdout); err != nil {
			return res, err
		}
		res.Stdout = nil
	}
	if resp.Err != nil {
		return res, resp.Err
	}
	if resp.ExitCode != 0 {
		return res, types.ToolFailure(c.Argv[0], resp.ExitCode)
	}
	return res, nil
}

func (r *Runner) lookup(c proc.Cmd) Response {
	if r.Handler != nil {
		if resp, ok := r.Handler(c); ok {
			return resp
		}
	}
	line := strings.Join(c.Argv, " ")
	best, found := "", false
	for k := range r.Responses {
		if strings.HasPrefix(line, k) && len(k) >= len(best) {
			best, found = k, true
		}
	}
	if !found {
		return Response{}
	}
	return r.Responses[best]
}

// Calls returns the commands run so far.
func (r *Runner) Calls() []proc.Cmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]proc.Cmd, len(r.calls))
	copy(out, r.calls)
	return out
}

// Lines returns the command lines run so far.
func (r *Runner) Lines() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = strings.Join(c.Argv, " ")
	}
	return out
}

// Count returns how many command lines start with prefix.
func (r *Runner) Count(prefix string) int {
	n := 0
	for _, l := range r.Lines() {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}
