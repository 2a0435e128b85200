package cmd

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/usedrescue/cli/tui"
	"github.com/pithecene-io/usedrescue/rescuelog"
)

// ViewCommand returns the view command, a terminal rescue map that
// follows the imaging log of a run while it is written.
func ViewCommand() *cli.Command {
	return &cli.Command{
		Name:      "view",
		Usage:     "Follow the rescue map of a run in the terminal",
		ArgsUsage: "<dest> <image>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "refresh",
				Usage: "Delay between log reads",
				Value: tui.DefaultRefresh,
			},
			&cli.StringFlag{
				Name:  "log",
				Usage: "Follow this log instead of the run's imaging log",
			},
		},
		Action: viewAction,
	}
}

func viewAction(c *cli.Context) error {
	path := c.String("log")
	if path == "" {
		if c.NArg() < 2 {
			return cli.Exit("usage: usedrescue view <dest> <image>", 1)
		}
		path = rescuelog.PathsFor(c.Args().Get(0), c.Args().Get(1)).Xfer
	}
	if !isTerminal(os.Stdout) {
		return cli.Exit("view requires a terminal", 1)
	}
	return tui.RunMap(path, c.Duration("refresh"))
}
