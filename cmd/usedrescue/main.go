// Package main provides the usedrescue CLI entrypoint.
//
// usedrescue images the filesystem metadata and the used space of a
// failing device instead of the whole device. Only `run` touches a
// device; every other command reads run artifacts.
//
// Usage:
//
//	usedrescue <command> [subcommand] [options]
//
// Exit codes for `run`:
//   - 0: completed
//   - 1: tool failure
//   - 2: invalid input (arguments, config, not root)
//   - 3: interrupted
//   - 4: inconsistent state (partition table, resume logs)
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/usedrescue/cli/cmd"
	"github.com/pithecene-io/usedrescue/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           types.ToolName,
		Usage:          "Rescue the metadata and used space of a failing disk",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.RunCommand(),
			cmd.InspectCommand(),
			cmd.PTableCommand(),
			cmd.StatsCommand(),
			cmd.ViewCommand(),
			cmd.DepsCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors.
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit().
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	msg, code := exitStatus(err)
	if msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(code)
}

// exitStatus returns what to print and the process exit code for err.
func exitStatus(err error) (string, int) {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		// cli.Exit("", N).Error() returns "exit status N"; skip those.
		if msg == fmt.Sprintf("exit status %d", code) {
			msg = ""
		}
		return msg, code
	}
	return fmt.Sprintf("Error: %v", err), 1
}
