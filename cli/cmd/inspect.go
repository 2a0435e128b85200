package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lodelibrary "github.com/justapithecus/lode/lode"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/usedrescue/cli/render"
	"github.com/pithecene-io/usedrescue/iox"
	"github.com/pithecene-io/usedrescue/journal"
	"github.com/pithecene-io/usedrescue/lode"
	"github.com/pithecene-io/usedrescue/ptable"
	"github.com/pithecene-io/usedrescue/rescuelog"
	"github.com/pithecene-io/usedrescue/types"
)

// archiveReadTimeout bounds a single archive query.
const archiveReadTimeout = 30 * time.Second

// InspectCommand returns the inspect command with subcommands.
// Inspect reads one artifact a run left behind; it never touches a device.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a run artifact (log, backup, journal, resume, archive)",
		Subcommands: []*cli.Command{
			inspectLogCommand(),
			inspectBackupCommand(),
			inspectJournalCommand(),
			inspectResumeCommand(),
			inspectArchiveCommand(),
		},
	}
}

func inspectLogCommand() *cli.Command {
	return &cli.Command{
		Name:      "log",
		Usage:     "Show a ddrescue-format log with its rescue map",
		ArgsUsage: "<path>",
		Flags:     TUIReadOnlyFlags(),
		Action:    inspectLogAction,
	}
}

func inspectLogAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("log path required", 1)
	}
	l, err := readRescueLog(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return r.RenderTUI("inspect_log", l)
	}
	return r.Render(newLogReport(l))
}

func readRescueLog(path string) (*rescuelog.Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer iox.DiscardClose(f)
	l, err := rescuelog.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log %s: %w", path, err)
	}
	return l, nil
}

// LogReport summarizes a rescue log.
type LogReport struct {
	Creator    string           `json:"creator,omitempty" yaml:"creator,omitempty"`
	Phase      string           `json:"phase,omitempty" yaml:"phase,omitempty"`
	Command    string           `json:"command,omitempty" yaml:"command,omitempty"`
	CurrentPos int64            `json:"current_pos" yaml:"current_pos"`
	End        int64            `json:"end" yaml:"end"`
	Records    int              `json:"records" yaml:"records"`
	Totals     map[string]int64 `json:"totals" yaml:"totals"`
}

func newLogReport(l *rescuelog.Log) LogReport {
	rep := LogReport{
		Creator:    l.Creator,
		Phase:      l.Magic,
		Command:    l.Command,
		CurrentPos: l.CurrentPos,
		End:        l.End(),
		Records:    len(l.Records),
		Totals:     make(map[string]int64),
	}
	for s, n := range l.Totals() {
		rep.Totals[s.Name()] = n
	}
	return rep
}

func inspectBackupCommand() *cli.Command {
	return &cli.Command{
		Name:      "backup",
		Usage:     "Show the partition table backup trail",
		ArgsUsage: "<backup.log|dest>",
		Flags:     TUIReadOnlyFlags(),
		Action:    inspectBackupAction,
	}
}

func inspectBackupAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("backup path or destination directory required", 1)
	}
	backups, err := readBackups(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return r.RenderTUI("inspect_backup", backups)
	}
	return r.Render(backups)
}

// readBackups parses a backup trail. A directory argument is taken as a
// run destination holding the trail.
func readBackups(path string) ([]ptable.Backup, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, ptable.BackupFile)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup trail: %w", err)
	}
	defer iox.DiscardClose(f)
	backups, err := ptable.ParseBackup(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse backup trail %s: %w", path, err)
	}
	return backups, nil
}

func inspectJournalCommand() *cli.Command {
	return &cli.Command{
		Name:      "journal",
		Usage:     "Show the records of a run journal",
		ArgsUsage: "<path>",
		Flags:     TUIReadOnlyFlags(),
		Action:    inspectJournalAction,
	}
}

func inspectJournalAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("journal path required", 1)
	}
	records, err := readJournal(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return r.RenderTUI("inspect_journal", records)
	}
	return r.Render(records)
}

// readJournal reads every journal record. A torn trailing frame from an
// interrupted write is reported and the complete records are kept.
func readJournal(path string) ([]journal.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer iox.DiscardClose(f)
	records, err := journal.ReadAll(f)
	if journal.IsTruncated(err) {
		fmt.Fprintf(os.Stderr, "warning: journal %s ends in a partial record\n", path)
		return records, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journal %s: %w", path, err)
	}
	return records, nil
}

func inspectResumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Show where a run on image would resume",
		ArgsUsage: "<dest> <image>",
		Flags:     ReadOnlyFlags(),
		Action:    inspectResumeAction,
	}
}

// ResumeReport describes the resume decision for an image.
type ResumeReport struct {
	Image        string `json:"image" yaml:"image"`
	XferLog      bool   `json:"xfer_log" yaml:"xfer_log"`
	BtraceMarker bool   `json:"btrace_marker" yaml:"btrace_marker"`
	UsedMarker   bool   `json:"used_marker" yaml:"used_marker"`
	Stage        string `json:"stage" yaml:"stage"`
	Resumable    bool   `json:"resumable" yaml:"resumable"`
	Reason       string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func inspectResumeAction(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.Exit("usage: usedrescue inspect resume <dest> <image>", 1)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for inspect resume", 1)
	}
	return r.Render(newResumeReport(rescuelog.PathsFor(c.Args().Get(0), c.Args().Get(1))))
}

func newResumeReport(p rescuelog.Paths) ResumeReport {
	rep := ResumeReport{
		Image:        p.Image,
		XferLog:      iox.NonEmpty(p.Xfer),
		BtraceMarker: rescuelog.HasMarker(p.Btrace, rescuelog.MetaMagic),
		UsedMarker:   rescuelog.HasMarker(p.Used, rescuelog.DataMagic),
	}
	stage, err := rescuelog.Detect(p)
	rep.Stage = stage.String()
	switch {
	case errors.Is(err, types.ErrNotResumable):
		rep.Reason = "imaging log exists but no phase log carries a marker"
	case err != nil:
		rep.Reason = err.Error()
	default:
		rep.Resumable = stage != rescuelog.StageNone
	}
	return rep
}

func inspectArchiveCommand() *cli.Command {
	return &cli.Command{
		Name:      "archive",
		Usage:     "Show the latest archived run record",
		ArgsUsage: "<path>",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{Name: "backend", Usage: "Archive backend: fs or s3", Value: "fs"},
			&cli.StringFlag{Name: "region", Usage: "AWS region for the s3 backend"},
			&cli.StringFlag{Name: "endpoint", Usage: "Custom S3 endpoint"},
			&cli.BoolFlag{Name: "s3-path-style", Usage: "Use path-style S3 addressing"},
			&cli.StringFlag{
				Name:  "kind",
				Usage: "Record kind: summary, health, trace or metrics",
				Value: lode.RecordKindSummary,
			},
			&cli.StringFlag{Name: "run-id", Usage: "Only records of this run"},
			&cli.StringFlag{Name: "device", Usage: "Only records of this device (e.g. sdb)"},
		),
		Action: inspectArchiveAction,
	}
}

func inspectArchiveAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("archive path required (fs: directory, s3: bucket/prefix)", 1)
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for inspect archive", 1)
	}

	ctx, cancel := context.WithTimeout(c.Context, archiveReadTimeout)
	defer cancel()

	ds, err := buildReadDataset(ctx, c.String("backend"), c.Args().First(), lode.S3Config{
		Region:       c.String("region"),
		Endpoint:     c.String("endpoint"),
		UsePathStyle: c.Bool("s3-path-style"),
	})
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}

	record, err := lode.QueryLatest(ctx, ds, lode.Filter{
		Kind:   c.String("kind"),
		RunID:  c.String("run-id"),
		Device: c.String("device"),
	})
	if errors.Is(err, lode.ErrNoRecordFound) {
		return cli.Exit(err.Error(), 1)
	}
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(record)
}

// buildReadDataset opens an archive for reading. For s3, bucket and
// prefix come from path and override those in s3cfg.
func buildReadDataset(ctx context.Context, backend, path string, s3cfg lode.S3Config) (lodelibrary.Dataset, error) {
	switch backend {
	case "fs":
		return lode.NewReadDatasetFS(path)
	case "s3":
		s3cfg.Bucket, s3cfg.Prefix = lode.ParseS3Path(path)
		factory, err := lode.NewS3StoreFactory(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		return lode.NewReadDataset(factory)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s (must be fs or s3)", backend)
	}
}
