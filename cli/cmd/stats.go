package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/usedrescue/btrace"
	"github.com/pithecene-io/usedrescue/cli/render"
	"github.com/pithecene-io/usedrescue/extent"
	"github.com/pithecene-io/usedrescue/iox"
)

// StatsCommand returns the stats command.
// Stats replays a saved blkparse dump through the trace parser and
// reports what it saw.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:      "stats",
		Usage:     "Show block trace statistics of a blkparse dump (- for stdin)",
		ArgsUsage: "<dump>",
		Flags:     TUIReadOnlyFlags(),
		Action:    statsAction,
	}
}

// TraceReport is the stats command result.
type TraceReport struct {
	Lines   int          `json:"lines" yaml:"lines"`
	Extents int          `json:"extents" yaml:"extents"`
	Sectors int64        `json:"sectors" yaml:"sectors"`
	Stats   btrace.Stats `json:"stats" yaml:"stats"`
}

// Format prints the statistics block the run prints with --stats.
func (t TraceReport) Format(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%d lines, %d extents, %d sectors\n\n", t.Lines, t.Extents, t.Sectors); err != nil {
		return err
	}
	return t.Stats.Format(w)
}

func statsAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("blkparse dump path required", 1)
	}
	rep, err := traceFile(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return r.RenderTUI("stats_trace", &rep.Stats)
	}
	return r.Render(rep)
}

func traceFile(path string) (TraceReport, error) {
	in := io.Reader(os.Stdin)
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return TraceReport{}, fmt.Errorf("failed to open dump: %w", err)
		}
		defer iox.DiscardClose(f)
		in = f
	}
	return trace(in)
}

func trace(r io.Reader) (TraceReport, error) {
	p := btrace.NewParser(extent.NewSet(), nil)
	n, err := p.ParseAll(r)
	if err != nil {
		return TraceReport{}, fmt.Errorf("failed to parse dump: %w", err)
	}
	return TraceReport{
		Lines:   n,
		Extents: p.Set().Len(),
		Sectors: p.Set().Sectors(),
		Stats:   p.Stats(),
	}, nil
}
