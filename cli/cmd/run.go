package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/usedrescue/blockdev"
	"github.com/pithecene-io/usedrescue/cli/config"
	"github.com/pithecene-io/usedrescue/cli/render"
	"github.com/pithecene-io/usedrescue/journal"
	"github.com/pithecene-io/usedrescue/log"
	"github.com/pithecene-io/usedrescue/metrics"
	"github.com/pithecene-io/usedrescue/policy"
	"github.com/pithecene-io/usedrescue/proc"
	"github.com/pithecene-io/usedrescue/ptable"
	"github.com/pithecene-io/usedrescue/rescuelog"
	"github.com/pithecene-io/usedrescue/runtime"
	"github.com/pithecene-io/usedrescue/statemachine"
	"github.com/pithecene-io/usedrescue/testdisk"
)

// postRunTimeout bounds archiving and notification after the run ended.
const postRunTimeout = 2 * time.Minute

// RunCommand returns the run command.
// It is the only command that touches a device.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:                   "run",
		Usage:                  "Image the metadata and used space of a failing device",
		ArgsUsage:              "<device> <image> <dest>",
		UseShortOptionHandling: true,
		Flags:                  runFlags(),
		Action:                 runAction,
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to a YAML config file supplying flag defaults",
		},
		// Recovery flags
		&cli.Int64Flag{
			Name:    "unaccounted",
			Aliases: []string{"a"},
			Usage:   "Sectors a partition table may leave unaccounted and still be healthy",
			Value:   ptable.DefaultUnaccountedLimit,
		},
		&cli.BoolFlag{
			Name:    "diff",
			Aliases: []string{"d"},
			Usage:   "Compare device and image filesystems after imaging",
		},
		&cli.BoolFlag{
			Name:    "stats",
			Aliases: []string{"s"},
			Usage:   "Print trace statistics when the trace closes",
		},
		&cli.BoolFlag{
			Name:    "used",
			Aliases: []string{"u"},
			Usage:   "Map used space by walking files",
		},
		&cli.BoolFlag{
			Name:    "free",
			Aliases: []string{"f"},
			Usage:   "Map used space by filling free space on an image copy",
		},
		&cli.BoolFlag{
			Name:    "keep-logs",
			Aliases: []string{"k"},
			Usage:   "Keep phase logs, the backup trail and the manual session log",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Increase log verbosity (repeatable)",
			Count:   new(int),
		},
		&cli.BoolFlag{
			Name:    "no-show",
			Aliases: []string{"n"},
			Usage:   "Do not start the rescue map viewer",
		},
		&cli.DurationFlag{
			Name:  "interval",
			Usage: "Delay between scheduling cycles",
			Value: statemachine.DefaultInterval,
		},
		&cli.StringFlag{
			Name:  "flush-policy",
			Usage: "When the trace log is rewritten: strict or interval",
			Value: policy.NameStrict,
		},
		&cli.DurationFlag{
			Name:  "flush-interval",
			Usage: "Minimum delay between trace log writes (interval policy)",
			Value: policy.DefaultInterval,
		},
		&cli.BoolFlag{
			Name:  "quiet",
			Usage: "Suppress result output",
		},
		FormatFlag,
		NoColorFlag,
		// Archive flags
		&cli.StringFlag{
			Name:  "archive-backend",
			Usage: "Archive logs and run records to fs or s3 after the run",
		},
		&cli.StringFlag{
			Name:  "archive-path",
			Usage: "Archive location (fs: directory, s3: bucket/prefix)",
		},
		&cli.StringFlag{
			Name:  "archive-region",
			Usage: "AWS region for the s3 archive (optional, uses default chain)",
		},
		&cli.StringFlag{
			Name:  "archive-endpoint",
			Usage: "Custom S3 endpoint for S3-compatible stores",
		},
		&cli.BoolFlag{
			Name:  "archive-s3-path-style",
			Usage: "Use path-style S3 addressing",
		},
		// Notification flags
		&cli.StringFlag{
			Name:  "notify-type",
			Usage: "Announce completion via webhook or redis",
		},
		&cli.StringFlag{
			Name:  "notify-url",
			Usage: "Webhook URL or Redis URL",
		},
		&cli.StringFlag{
			Name:  "notify-channel",
			Usage: "Redis pub/sub channel",
		},
		&cli.StringSliceFlag{
			Name:  "notify-header",
			Usage: "Webhook header as key=value (repeatable)",
		},
		&cli.DurationFlag{
			Name:  "notify-timeout",
			Usage: "Per-attempt notification timeout",
			Value: 10 * time.Second,
		},
		&cli.IntFlag{
			Name:  "notify-retries",
			Usage: "Notification retries after the first attempt",
			Value: 3,
		},
	}
}

func runAction(c *cli.Context) error {
	if c.NArg() != 3 {
		return cli.Exit("usage: usedrescue run <device> <image> <dest>", runtime.ExitCodeInvalidInput)
	}

	var fileCfg *config.Config
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cli.Exit(err.Error(), runtime.ExitCodeInvalidInput)
		}
		fileCfg = loaded
	}

	opts, err := parseRunOptions(c, fileCfg)
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInvalidInput)
	}
	if err := checkDest(opts.dest); err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInvalidInput)
	}
	if err := blockdev.RequireRoot(); err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInvalidInput)
	}

	startTime := time.Now()
	meta := runtime.NewRunMeta(opts.device, opts.image, opts.dest)
	logger := log.NewLogger(meta, log.Options{Level: log.LevelForVerbosity(opts.verbose)})
	defer func() { _ = logger.Sync() }()

	archiveBackend := opts.archive.backend
	if archiveBackend == "" {
		archiveBackend = "none"
	}
	collector := metrics.NewCollector(opts.method.String(), archiveBackend, meta.RunID, opts.device)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	archiver, err := buildArchiver(ctx, opts.archive, meta, startTime, collector)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to set up archive: %v", err), runtime.ExitCodeInvalidInput)
	}
	adapters, err := buildAdapters(opts.notify)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to set up notification: %v", err), runtime.ExitCodeInvalidInput)
	}

	paths := rescuelog.PathsFor(opts.dest, opts.image)
	jw, err := journal.Open(paths.Image+journal.Suffix, meta.RunID)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open journal: %v", err), runtime.ExitCodeFailure)
	}
	defer func() {
		if err := jw.Close(); err != nil {
			logger.Warn("failed to close journal", map[string]any{"error": err.Error()})
		}
	}()

	host := runtime.NewHost(blockdev.NewManager(proc.ExecRunner{}, logger), opts.dest, logger)
	host.Interactive = isTerminal(os.Stdin)

	rec, err := runtime.NewRecovery(&runtime.Config{
		Device:           opts.device,
		Image:            opts.image,
		Dest:             opts.dest,
		UnaccountedLimit: opts.unaccounted,
		Method:           opts.method,
		Diff:             opts.diff,
		Stats:            opts.stats,
		KeepLogs:         opts.keepLogs,
		NoShow:           opts.noShow,
		Interval:         opts.interval,
		FlushPolicy:      opts.flushPolicy,
		FlushInterval:    opts.flushInterval,
		Args:             os.Args,
		RunMeta:          meta,
		Tools:            host,
		Operator:         testdisk.NewPrompter(os.Stdin, os.Stdout),
		Logger:           logger,
		Collector:        collector,
		Journal:          jw,
		Out:              os.Stdout,
	})
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInvalidInput)
	}

	result := rec.Execute(ctx)

	// Archiving and notification run even when the run was interrupted.
	post, cancel := context.WithTimeout(context.WithoutCancel(ctx), postRunTimeout)
	defer cancel()
	archivePath := archiveRun(post, archiver, opts.archive, result, startTime, logger)
	notifyRun(post, adapters, result, archivePath, logger)

	if !opts.quiet {
		r, err := render.NewRenderer(c)
		if err != nil {
			return cli.Exit(err.Error(), runtime.ExitCodeInvalidInput)
		}
		if err := r.Render(newRunSummary(result, archivePath)); err != nil {
			logger.Warn("failed to render result", map[string]any{"error": err.Error()})
		}
	}

	code := runtime.ExitCode(result.Outcome.Status)
	if code == runtime.ExitCodeCompleted {
		return nil
	}
	return cli.Exit(result.Outcome.Message, code)
}

// checkDest requires dest to be an existing directory.
func checkDest(dest string) error {
	info, err := os.Stat(dest)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("destination %q does not exist", dest)
	}
	if err != nil {
		return fmt.Errorf("cannot access destination %q: %w", dest, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("destination %q is not a directory", dest)
	}
	return nil
}
