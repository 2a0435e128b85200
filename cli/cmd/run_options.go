package cmd

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/usedrescue/cli/config"
	"github.com/pithecene-io/usedrescue/getused"
	"github.com/pithecene-io/usedrescue/policy"
)

// runOptions is the run configuration after merging flags over the
// config file.
type runOptions struct {
	device string
	image  string
	dest   string

	unaccounted   int64
	method        getused.Method
	diff          bool
	stats         bool
	keepLogs      bool
	noShow        bool
	verbose       int
	interval      time.Duration
	flushPolicy   string
	flushInterval time.Duration
	quiet         bool

	archive archiveChoice
	notify  notifyChoice
}

// archiveChoice holds the resolved archive configuration.
type archiveChoice struct {
	backend   string // "fs", "s3" or empty for none
	path      string // fs: directory, s3: bucket/prefix
	region    string
	endpoint  string
	pathStyle bool
}

// notifyChoice holds the resolved notification configuration.
type notifyChoice struct {
	adapterType string // "webhook", "redis" or empty for none
	url         string
	channel     string
	headers     map[string]string
	timeout     time.Duration
	retries     int
}

func parseRunOptions(c *cli.Context, cfg *config.Config) (*runOptions, error) {
	opts := &runOptions{
		device: c.Args().Get(0),
		image:  c.Args().Get(1),
		dest:   c.Args().Get(2),
		diff:   resolveBool(c, "diff", configVal(cfg, func(c *config.Config) bool { return c.Diff })),
		stats:  resolveBool(c, "stats", configVal(cfg, func(c *config.Config) bool { return c.Stats })),
		keepLogs: resolveBool(c, "keep-logs",
			configVal(cfg, func(c *config.Config) bool { return c.KeepLogs })),
		noShow: resolveBool(c, "no-show", configVal(cfg, func(c *config.Config) bool { return c.NoShow })),
		interval: resolveDuration(c, "interval",
			configVal(cfg, func(c *config.Config) time.Duration { return c.Interval.Duration })),
		flushPolicy: resolveString(c, "flush-policy",
			configVal(cfg, func(c *config.Config) string { return c.Flush.Policy })),
		flushInterval: resolveDuration(c, "flush-interval",
			configVal(cfg, func(c *config.Config) time.Duration { return c.Flush.Interval.Duration })),
		quiet: c.Bool("quiet"),
	}

	opts.unaccounted = c.Int64("unaccounted")
	if !c.IsSet("unaccounted") {
		if v := configVal(cfg, func(c *config.Config) *int64 { return c.Unaccounted }); v != nil {
			opts.unaccounted = *v
		}
	}
	if opts.unaccounted < 0 {
		return nil, fmt.Errorf("--unaccounted must be >= 0, got %d", opts.unaccounted)
	}

	opts.verbose = c.Count("verbose")
	if !c.IsSet("verbose") {
		opts.verbose = configVal(cfg, func(c *config.Config) int { return c.Verbose })
	}

	method, err := resolveMethod(c, cfg)
	if err != nil {
		return nil, err
	}
	opts.method = method

	switch opts.flushPolicy {
	case policy.NameStrict, policy.NameInterval:
	default:
		return nil, fmt.Errorf("invalid --flush-policy %q (must be %s or %s)",
			opts.flushPolicy, policy.NameStrict, policy.NameInterval)
	}

	if opts.archive, err = parseArchiveChoice(c, cfg); err != nil {
		return nil, err
	}
	if opts.notify, err = parseNotifyChoice(c, cfg); err != nil {
		return nil, err
	}
	return opts, nil
}

// resolveMethod merges --used, --free and the config method.
func resolveMethod(c *cli.Context, cfg *config.Config) (getused.Method, error) {
	used, free := c.Bool("used"), c.Bool("free")
	switch {
	case used && free:
		return getused.Auto, fmt.Errorf("--used and --free are mutually exclusive")
	case used:
		return getused.Used, nil
	case free:
		return getused.Free, nil
	}
	return getused.ParseMethod(configVal(cfg, func(c *config.Config) string { return c.Method }))
}

func parseArchiveChoice(c *cli.Context, cfg *config.Config) (archiveChoice, error) {
	ac := archiveChoice{
		backend: resolveString(c, "archive-backend",
			configVal(cfg, func(c *config.Config) string { return c.Archive.Backend })),
		path: resolveString(c, "archive-path",
			configVal(cfg, func(c *config.Config) string { return c.Archive.Path })),
		region: resolveString(c, "archive-region",
			configVal(cfg, func(c *config.Config) string { return c.Archive.Region })),
		endpoint: resolveString(c, "archive-endpoint",
			configVal(cfg, func(c *config.Config) string { return c.Archive.Endpoint })),
		pathStyle: resolveBool(c, "archive-s3-path-style",
			configVal(cfg, func(c *config.Config) bool { return c.Archive.S3PathStyle })),
	}
	switch ac.backend {
	case "":
		if ac.path != "" {
			return ac, fmt.Errorf("--archive-backend is required when --archive-path is set")
		}
	case "fs", "s3":
		if ac.path == "" {
			return ac, fmt.Errorf("--archive-path is required for the %s archive backend", ac.backend)
		}
	default:
		return ac, fmt.Errorf("invalid --archive-backend %q (must be fs or s3)", ac.backend)
	}
	return ac, nil
}

func parseNotifyChoice(c *cli.Context, cfg *config.Config) (notifyChoice, error) {
	nc := notifyChoice{
		adapterType: resolveString(c, "notify-type",
			configVal(cfg, func(c *config.Config) string { return c.Notify.Type })),
		url: resolveString(c, "notify-url",
			configVal(cfg, func(c *config.Config) string { return c.Notify.URL })),
		channel: resolveString(c, "notify-channel",
			configVal(cfg, func(c *config.Config) string { return c.Notify.Channel })),
		timeout: resolveDuration(c, "notify-timeout",
			configVal(cfg, func(c *config.Config) time.Duration { return c.Notify.Timeout.Duration })),
		retries: c.Int("notify-retries"),
	}
	if !c.IsSet("notify-retries") {
		if v := configVal(cfg, func(c *config.Config) *int { return c.Notify.Retries }); v != nil {
			nc.retries = *v
		}
	}

	switch nc.adapterType {
	case "":
		return nc, nil
	case "webhook", "redis":
	default:
		return nc, fmt.Errorf("invalid --notify-type %q (must be webhook or redis)", nc.adapterType)
	}
	if nc.url == "" {
		return nc, fmt.Errorf("--notify-url is required for the %s notifier", nc.adapterType)
	}
	if nc.retries < 0 {
		return nc, fmt.Errorf("--notify-retries must be >= 0, got %d", nc.retries)
	}

	// Config headers first, CLI headers override per key.
	nc.headers = make(map[string]string)
	if h := configVal(cfg, func(c *config.Config) map[string]string { return c.Notify.Headers }); h != nil {
		maps.Copy(nc.headers, h)
	}
	for _, h := range c.StringSlice("notify-header") {
		k, v, ok := strings.Cut(h, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nc, fmt.Errorf("invalid --notify-header %q (expected key=value)", h)
		}
		nc.headers[strings.TrimSpace(k)] = v
	}
	return nc, nil
}

// configVal reads a field of an optional config file.
func configVal[T any](cfg *config.Config, get func(*config.Config) T) T {
	if cfg == nil {
		var zero T
		return zero
	}
	return get(cfg)
}

// resolveString returns the flag when set on the command line, else the
// config value, else the flag default.
func resolveString(c *cli.Context, name, cfgVal string) string {
	if c.IsSet(name) || cfgVal == "" {
		return c.String(name)
	}
	return cfgVal
}

func resolveBool(c *cli.Context, name string, cfgVal bool) bool {
	if c.IsSet(name) {
		return c.Bool(name)
	}
	return cfgVal || c.Bool(name)
}

func resolveDuration(c *cli.Context, name string, cfgVal time.Duration) time.Duration {
	if c.IsSet(name) || cfgVal == 0 {
		return c.Duration(name)
	}
	return cfgVal
}
