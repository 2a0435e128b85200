// Package proc is the external process adapter.
//
// A Registry starts long-running tools and hands back integer handles.
// Callers poll handles once per scheduling cycle instead of blocking:
// Poll reports whether the process is still running, ReadLine returns a
// captured stdout line or nothing, and Interrupt sends SIGINT. The core
// never force-kills a tool.
//
// Runner executes short synchronous commands and maps non-zero exits to
// types.ErrExternalTool.
package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/pithecene-io/usedrescue/log"
	"github.com/pithecene-io/usedrescue/types"
)

// ID is a process handle issued by a Registry.
type ID int

// ErrUnknownHandle is returned for handles the registry does not hold.
var ErrUnknownHandle = errors.New("unknown process handle")

// lineBuffer is the number of captured lines buffered per process.
const lineBuffer = 4096

// stderrTail is the number of stderr bytes kept for diagnostics.
const stderrTail = 16 << 10

// Options configures a started process.
type Options struct {
	// Dir is the working directory. Empty inherits the caller's.
	Dir string
	// Env entries are appended to the inherited environment.
	Env []string
	// Interactive connects the process to the controlling terminal.
	Interactive bool
	// CaptureLines makes stdout lines available through ReadLine.
	CaptureLines bool
}

// Status is the last known state of a process.
type Status struct {
	Running bool
	// ExitCode is valid when Running is false. -1 when killed by a signal.
	ExitCode int
	// Signaled is true when the process was terminated by a signal.
	Signaled bool
}

// Success reports whether the process exited cleanly.
func (s Status) Success() bool { return !s.Running && s.ExitCode == 0 }

type process struct {
	argv []string
	// cmds holds the pipeline stages; cmds[0] is the head.
	cmds  []*exec.Cmd
	lines chan string
	done  chan struct{}

	status Status
	stderr *tailBuffer
}

// Registry owns every running external process.
type Registry struct {
	mu     sync.Mutex
	next   ID
	procs  map[ID]*process
	logger *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{procs: make(map[ID]*process), logger: logger}
}

// Start launches argv and returns its handle.
func (r *Registry) Start(argv []string, opts Options) (ID, error) {
	return r.StartPipeline([][]string{argv}, opts)
}

// StartPipeline launches stages with each stage's stdout feeding the next
// stage's stdin. The handle reports the last stage's exit status and
// lines. Interrupting the handle signals the first stage only; later
// stages exit on end of input.
func (r *Registry) StartPipeline(stages [][]string, opts Options) (ID, error) {
	if len(stages) == 0 {
		return 0, types.Validationf("proc", "empty pipeline")
	}
	for _, argv := range stages {
		if len(argv) == 0 {
			return 0, types.Validationf("proc", "empty command")
		}
	}

	p := &process{
		argv:   stages[len(stages)-1],
		done:   make(chan struct{}),
		stderr: newTailBuffer(stderrTail),
	}
	for _, argv := range stages {
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Dir = opts.Dir
		if len(opts.Env) > 0 {
			cmd.Env = deduplicateEnv(append(os.Environ(), opts.Env...))
		}
		p.cmds = append(p.cmds, cmd)
	}

	head, tail := p.cmds[0], p.cmds[len(p.cmds)-1]
	var parentEnds []*os.File
	closeParentEnds := func() {
		for _, f := range parentEnds {
			_ = f.Close()
		}
	}

	if opts.Interactive {
		head.Stdin = os.Stdin
		tail.Stdout = os.Stdout
		for _, c := range p.cmds {
			c.Stderr = os.Stderr
		}
	} else {
		for _, c := range p.cmds {
			c.Stderr = p.stderr
		}
	}

	// Join stages with OS pipes so no copying goroutine sits in between.
	for i := 0; i+1 < len(p.cmds); i++ {
		pr, pw, err := os.Pipe()
		if err != nil {
			closeParentEnds()
			return 0, fmt.Errorf("failed to create pipe: %w", err)
		}
		p.cmds[i].Stdout = pw
		p.cmds[i+1].Stdin = pr
		parentEnds = append(parentEnds, pr, pw)
	}

	var lineReader *os.File
	if opts.CaptureLines && !opts.Interactive {
		pr, pw, err := os.Pipe()
		if err != nil {
			closeParentEnds()
			return 0, fmt.Errorf("failed to create stdout pipe: %w", err)
		}
		tail.Stdout = pw
		parentEnds = append(parentEnds, pw)
		lineReader = pr
		p.lines = make(chan string, lineBuffer)
	}

	for i, c := range p.cmds {
		if err := c.Start(); err != nil {
			for _, started := range p.cmds[:i] {
				_ = started.Process.Kill()
				_ = started.Wait()
			}
			closeParentEnds()
			if lineReader != nil {
				_ = lineReader.Close()
			}
			return 0, types.NewRecoveryError(types.ErrExternalTool, c.Args[0], err)
		}
	}
	// The children hold their own copies of the pipe ends.
	closeParentEnds()

	readerDone := make(chan struct{})
	if lineReader != nil {
		go readLines(lineReader, p.lines, readerDone)
	} else {
		close(readerDone)
	}
	go r.wait(p, readerDone)

	r.mu.Lock()
	r.next++
	id := r.next
	r.procs[id] = p
	r.mu.Unlock()

	r.logger.Debug("process started", map[string]any{
		"id":   int(id),
		"argv": strings.Join(flatten(stages), " "),
		"pid":  tail.Process.Pid,
	})
	return id, nil
}

func readLines(f *os.File, out chan<- string, done chan<- struct{}) {
	defer close(done)
	defer close(out)
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		out <- line
	}
}

// wait reaps every stage, then publishes the last stage's status once the
// line reader has seen end of input.
func (r *Registry) wait(p *process, readerDone <-chan struct{}) {
	var st Status
	for i, c := range p.cmds {
		err := c.Wait()
		if i == len(p.cmds)-1 {
			st = exitStatus(err)
		}
	}
	<-readerDone

	r.mu.Lock()
	p.status = st
	r.mu.Unlock()
	close(p.done)

	if !st.Success() {
		r.logger.Debug("process exited", map[string]any{
			"argv":      strings.Join(p.argv, " "),
			"exit_code": st.ExitCode,
			"signaled":  st.Signaled,
			"stderr":    p.stderr.String(),
		})
	}
}

func exitStatus(err error) Status {
	if err == nil {
		return Status{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return Status{ExitCode: -1, Signaled: true}
			}
			return Status{ExitCode: ws.ExitStatus()}
		}
	}
	return Status{ExitCode: -1}
}

func (r *Registry) get(id ID) (*process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, id)
	}
	return p, nil
}

// Poll performs one non-blocking check of the process.
func (r *Registry) Poll(id ID) (Status, error) {
	p, err := r.get(id)
	if err != nil {
		return Status{}, err
	}
	select {
	case <-p.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return p.status, nil
	default:
		return Status{Running: true}, nil
	}
}

// Running reports whether the process is still running. Unknown handles
// are reported as not running.
func (r *Registry) Running(id ID) bool {
	st, err := r.Poll(id)
	return err == nil && st.Running
}

// Done returns a channel closed when the process has exited.
func (r *Registry) Done(id ID) (<-chan struct{}, error) {
	p, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return p.done, nil
}

// ReadLine returns the next captured stdout line without blocking. ok is
// false when no line is available yet or capture is disabled.
func (r *Registry) ReadLine(id ID) (line string, ok bool) {
	p, err := r.get(id)
	if err != nil || p.lines == nil {
		return "", false
	}
	select {
	case line, open := <-p.lines:
		return line, open
	default:
		return "", false
	}
}

// Drain returns every line currently available, up to max (0 = no limit).
func (r *Registry) Drain(id ID, max int) []string {
	var out []string
	for max <= 0 || len(out) < max {
		line, ok := r.ReadLine(id)
		if !ok {
			break
		}
		out = append(out, line)
	}
	return out
}

// Stderr returns the retained tail of the process's stderr.
func (r *Registry) Stderr(id ID) string {
	p, err := r.get(id)
	if err != nil {
		return ""
	}
	return p.stderr.String()
}

// Interrupt sends SIGINT to the process (the first stage of a pipeline).
// Interrupting an exited process is a no-op.
func (r *Registry) Interrupt(id ID) error {
	p, err := r.get(id)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	head := p.cmds[0]
	r.logger.Info("interrupting process", map[string]any{"argv": strings.Join(head.Args, " ")})
	if err := unix.Kill(head.Process.Pid, unix.SIGINT); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("interrupt %s: %w", head.Args[0], err)
	}
	return nil
}

// InterruptAll interrupts every running process.
func (r *Registry) InterruptAll() error {
	r.mu.Lock()
	ids := make([]ID, 0, len(r.procs))
	for id := range r.procs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs error
	for _, id := range ids {
		errs = multierr.Append(errs, r.Interrupt(id))
	}
	return errs
}

// Release forgets an exited process. Releasing a running process is an
// error.
func (r *Registry) Release(id ID) error {
	p, err := r.get(id)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
	default:
		return fmt.Errorf("release %d: process still running", id)
	}
	r.mu.Lock()
	delete(r.procs, id)
	r.mu.Unlock()
	return nil
}

func flatten(stages [][]string) []string {
	var out []string
	for i, s := range stages {
		if i > 0 {
			out = append(out, "|")
		}
		out = append(out, s...)
	}
	return out
}

// deduplicateEnv keeps the last occurrence of each env var key.
func deduplicateEnv(env []string) []string {
	seen := make(map[string]int, len(env))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		seen[key] = i
	}
	result := make([]string, 0, len(seen))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if seen[key] == i {
			result = append(result, entry)
		}
	}
	return result
}

// tailBuffer is an io.Writer retaining the last max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

var _ io.Writer = (*tailBuffer)(nil)

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
