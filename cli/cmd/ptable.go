package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/usedrescue/cli/render"
	"github.com/pithecene-io/usedrescue/iox"
	"github.com/pithecene-io/usedrescue/journal"
	"github.com/pithecene-io/usedrescue/ptable"
	"github.com/pithecene-io/usedrescue/testdisk"
)

// PTableCommand returns the ptable command.
// It runs a saved TestDisk list dump or session log through the same
// normalization and health checks the run applies.
func PTableCommand() *cli.Command {
	return &cli.Command{
		Name:      "ptable",
		Usage:     "Normalize and check a TestDisk partition table dump (- for stdin)",
		ArgsUsage: "<dump>",
		Flags: append(TUIReadOnlyFlags(),
			&cli.Int64Flag{
				Name:     "dev-size",
				Usage:    "Device size in sectors",
				Required: true,
			},
			&cli.Int64Flag{
				Name:    "unaccounted",
				Aliases: []string{"a"},
				Usage:   "Sectors the table may leave unaccounted and still be healthy",
				Value:   ptable.DefaultUnaccountedLimit,
			},
		),
		Action: ptableAction,
	}
}

func ptableAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("dump path required", 1)
	}
	text, err := readDump(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	t, err := normalizeTable(text, c.Int64("dev-size"), c.Int64("unaccounted"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return r.RenderTUI("ptable_table", journal.TableOf("dump", t))
	}
	// The table itself carries the fixed-width layout; the journal form
	// is its serializable view.
	if r.Format() == render.FormatTable {
		return r.Render(t)
	}
	return r.Render(journal.TableOf("dump", t))
}

func readDump(path string) (string, error) {
	in := io.Reader(os.Stdin)
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("failed to open dump: %w", err)
		}
		defer iox.DiscardClose(f)
		in = f
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("failed to read dump: %w", err)
	}
	return string(b), nil
}

// normalizeTable ingests the last table written in text.
func normalizeTable(text string, devSize, unaccounted int64) (*ptable.Table, error) {
	t, err := ptable.New(ptable.Options{DevSize: devSize, UnaccountedLimit: unaccounted})
	if err != nil {
		return nil, err
	}
	t.Ingest(testdisk.LastWrite(text))
	return t, nil
}
