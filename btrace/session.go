package btrace

import (
	"context"

	"github.com/pithecene-io/usedrescue/log"
	"github.com/pithecene-io/usedrescue/proc"
)

// Options overrides the trace pipeline commands.
type Options struct {
	// Trace is the tracer command. Default: blktrace -o- <device>.
	Trace []string
	// Parse renders the tracer's binary stream as text.
	// Default: blkparse -q -i-.
	Parse []string
	// MaxLines bounds the lines parsed per poll. 0 means all available.
	MaxLines int
}

// Session is a running blktrace | blkparse pipeline feeding a Parser.
type Session struct {
	reg    *proc.Registry
	id     proc.ID
	parser *Parser
	opts   Options
	polls  int
	logger *log.Logger
}

// Start flushes the device buffers, so cached blocks are re-read and
// traced, then launches the pipeline. run may be nil to skip the flush.
func Start(ctx context.Context, reg *proc.Registry, run proc.Runner, device string, parser *Parser, opts Options, logger *log.Logger) (*Session, error) {
	if run != nil {
		if _, err := proc.Run(ctx, run, "blockdev", "--flushbufs", device); err != nil {
			logger.Warn("failed to flush device buffers", map[string]any{"error": err.Error()})
		}
	}
	if len(opts.Trace) == 0 {
		opts.Trace = []string{"blktrace", "-o-", device}
	}
	if len(opts.Parse) == 0 {
		opts.Parse = []string{"blkparse", "-q", "-i-"}
	}
	id, err := reg.StartPipeline([][]string{opts.Trace, opts.Parse}, proc.Options{CaptureLines: true})
	if err != nil {
		return nil, err
	}
	return &Session{reg: reg, id: id, parser: parser, opts: opts, logger: logger}, nil
}

// Poll parses every line currently available without blocking and
// returns how many were read.
func (s *Session) Poll() int {
	s.polls++
	lines := s.reg.Drain(s.id, s.opts.MaxLines)
	for _, line := range lines {
		if err := s.parser.ParseLine(line); err != nil {
			s.logger.Debug("skipping trace line", map[string]any{"error": err.Error()})
		}
	}
	if len(lines) > 0 {
		s.logger.Info("read trace lines", map[string]any{"lines": len(lines)})
	}
	return len(lines)
}

// Polls returns how many times Poll has run.
func (s *Session) Polls() int { return s.polls }

// Parser returns the session's parser.
func (s *Session) Parser() *Parser { return s.parser }

// Stop interrupts the tracer. The parser exits once it has rendered the
// remaining events; keep polling until Exited reports true.
func (s *Session) Stop() error {
	return s.reg.Interrupt(s.id)
}

// Exited reports whether the pipeline has finished.
func (s *Session) Exited() bool {
	return !s.reg.Running(s.id)
}
