package cmd

import (
	"fmt"
	"os/exec"
	"slices"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/usedrescue/cli/render"
	"github.com/pithecene-io/usedrescue/fsmeta"
)

// program is an external tool the run may start.
type program struct {
	name     string
	role     string
	required bool
}

// basePrograms are the tools of the pipeline itself. Filesystem tools are
// added from the filesystem table.
var basePrograms = []program{
	{"ddrescue", "imaging", true},
	{"testdisk", "partition table", true},
	{"blktrace", "metadata trace", true},
	{"blkparse", "metadata trace", true},
	{"blkid", "filesystem probe", true},
	{"blockdev", "device size", true},
	{"losetup", "loop devices", true},
	{"mount", "used-space mapping", true},
	{"umount", "used-space mapping", true},
	{"filefrag", "used-space mapping", true},
	{"truncate", "image sizing", true},
	{"cp", "free-space mapping", true},
	{"hdparm", "free-space mapping", false},
	{"diff", "verification (--diff)", false},
	{"ddrescueview", "rescue map viewer", false},
}

// DepStatus is one row of the deps command.
type DepStatus struct {
	Program  string `json:"program" yaml:"program"`
	Role     string `json:"role" yaml:"role"`
	Required bool   `json:"required" yaml:"required"`
	Found    bool   `json:"found" yaml:"found"`
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
}

// DepsCommand returns the deps command.
func DepsCommand() *cli.Command {
	return &cli.Command{
		Name:   "deps",
		Usage:  "Check that the external programs a run needs are installed",
		Flags:  ReadOnlyFlags(),
		Action: depsAction,
	}
}

func depsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for deps command", 1)
	}

	deps := checkDeps(programs(), exec.LookPath)
	if err := r.Render(deps); err != nil {
		return err
	}
	if missing := missingRequired(deps); len(missing) > 0 {
		return cli.Exit(fmt.Sprintf("missing required programs: %v", missing), 1)
	}
	return nil
}

// programs returns the base programs followed by every program the
// commands of a supported filesystem start.
func programs() []program {
	out := slices.Clone(basePrograms)
	seen := make(map[string]bool)
	for _, p := range out {
		seen[p.name] = true
	}
	for _, name := range fsmeta.Supported() {
		fs, _ := fsmeta.Lookup(name)
		for _, cmd := range fsCommands(fs) {
			if len(cmd) == 0 || seen[cmd[0]] {
				continue
			}
			seen[cmd[0]] = true
			out = append(out, program{name: cmd[0], role: name + " metadata", required: false})
		}
	}
	return out
}

func fsCommands(fs fsmeta.Filesystem) [][]string {
	cmds := [][]string{strings.Fields(fs.Mkfs), fs.Scan, fs.Fix}
	for _, c := range []*fsmeta.CloneCmd{fs.CloneMeta1, fs.CloneMeta2, fs.CloneData} {
		if c != nil {
			cmds = append(cmds, c.Args)
		}
	}
	return cmds
}

func checkDeps(progs []program, lookPath func(string) (string, error)) []DepStatus {
	out := make([]DepStatus, 0, len(progs))
	for _, p := range progs {
		st := DepStatus{Program: p.name, Role: p.role, Required: p.required}
		if path, err := lookPath(p.name); err == nil {
			st.Found, st.Path = true, path
		}
		out = append(out, st)
	}
	return out
}

func missingRequired(deps []DepStatus) []string {
	var missing []string
	for _, d := range deps {
		if d.Required && !d.Found {
			missing = append(missing, d.Program)
		}
	}
	return missing
}
